package transcribe

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures the Whisper-compatible transcription backend.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
}

// OpenAIRecognizer calls the audio transcription endpoint of an OpenAI-compatible API.
type OpenAIRecognizer struct {
	client *openai.Client
	model  string
}

// NewOpenAIRecognizer builds a recognizer from explicit configuration.
func NewOpenAIRecognizer(cfg OpenAIConfig) *OpenAIRecognizer {
	clientCfg := openai.DefaultConfig(strings.TrimSpace(cfg.APIKey))
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		clientCfg.BaseURL = strings.TrimRight(base, "/")
	}
	if cfg.HTTPClient != nil {
		clientCfg.HTTPClient = cfg.HTTPClient
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = openai.Whisper1
	}
	return &OpenAIRecognizer{client: openai.NewClientWithConfig(clientCfg), model: model}
}

func (r *OpenAIRecognizer) Name() string {
	return "openai"
}

// Recognize uploads the WAV payload with the instruction and vocabulary as the prompt.
func (r *OpenAIRecognizer) Recognize(ctx context.Context, req Request) (string, error) {
	resp, err := r.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    r.model,
		FilePath: "utterance.wav",
		Reader:   bytes.NewReader(req.Audio),
		Prompt:   whisperPrompt(req.Instruction, req.Phrases),
		Language: whisperLanguage(req.Language),
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		return "", classifyOpenAI(ctx, err)
	}
	return resp.Text, nil
}

// whisperPrompt appends vocabulary hints to the instruction.
func whisperPrompt(instruction string, phrases []Phrase) string {
	terms := make([]string, 0, len(phrases))
	for _, phrase := range phrases {
		if text := strings.TrimSpace(phrase.Text); text != "" {
			terms = append(terms, text)
		}
	}
	if len(terms) == 0 {
		return instruction
	}
	return strings.TrimSpace(instruction + " Vocabulary: " + strings.Join(terms, ", ") + ".")
}

// whisperLanguage reduces a BCP-47 tag such as hi-IN to its ISO-639-1 prefix.
func whisperLanguage(tag string) string {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return ""
	}
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		tag = tag[:i]
	}
	return strings.ToLower(tag)
}

// classifyOpenAI maps go-openai transport and API errors onto recognizer reasons.
func classifyOpenAI(ctx context.Context, err error) error {
	if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ReasonError{Reason: ReasonTimeout, Message: "transcription request timed out", Cause: err}
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &ReasonError{
			Reason:  reasonForStatus(apiErr.HTTPStatusCode, apiErr.Message),
			Message: apiErr.Message,
			Raw:     apiErr.Error(),
			Cause:   err,
		}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &ReasonError{
			Reason:  reasonForStatus(reqErr.HTTPStatusCode, ""),
			Message: http.StatusText(reqErr.HTTPStatusCode),
			Raw:     reqErr.Error(),
			Cause:   err,
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &ReasonError{Reason: ReasonTimeout, Message: "transcription request timed out", Cause: err}
	}
	return &ReasonError{Reason: ReasonNetwork, Message: "transcription service unreachable", Cause: err}
}

func reasonForStatus(code int, message string) Reason {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ReasonUnauthorized
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return ReasonTimeout
	case code == http.StatusBadRequest || code == http.StatusUnsupportedMediaType || code == http.StatusRequestEntityTooLarge:
		lower := strings.ToLower(message)
		if strings.Contains(lower, "audio") || strings.Contains(lower, "file") || code != http.StatusBadRequest {
			return ReasonAudio
		}
		return ReasonServer
	default:
		return ReasonServer
	}
}
