// Package extract turns a transcript into a structured line item through a chat-completion service.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/rbright/khata/internal/failure"
	"github.com/rbright/khata/internal/item"
	openai "github.com/sashabaranov/go-openai"
	"github.com/shopspring/decimal"
)

const (
	DefaultModel         = openai.GPT4oMini
	DefaultTimeout       = 12 * time.Second
	DefaultMinConfidence = 0.85
	DefaultMaxTokens     = 200
)

// Config is passed once at construction; nothing is read from globals.
type Config struct {
	Model       string
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration
	// MinConfidence gates auto-fill. Replies below it fail with LowConfidence and carry the
	// candidate item. Zero disables the gate.
	MinConfidence float64
	JSONMode      bool
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Model:         DefaultModel,
		MaxTokens:     DefaultMaxTokens,
		Timeout:       DefaultTimeout,
		MinConfidence: DefaultMinConfidence,
		JSONMode:      true,
	}
}

// ChatCompleter is the chat-completion call the extractor depends on. *openai.Client implements it.
type ChatCompleter interface {
	CreateChatCompletion(context.Context, openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// NewClient builds an OpenAI-compatible client for the given endpoint.
func NewClient(apiKey string, baseURL string) *openai.Client {
	cfg := openai.DefaultConfig(strings.TrimSpace(apiKey))
	if base := strings.TrimSpace(baseURL); base != "" {
		cfg.BaseURL = strings.TrimRight(base, "/")
	}
	return openai.NewClientWithConfig(cfg)
}

// Extractor sends one request per Extract call.
type Extractor struct {
	client ChatCompleter
	cfg    Config
	logger *slog.Logger
}

// New constructs an extractor. Zero-valued fields of cfg fall back to defaults, except
// MinConfidence, where zero means the gate is off.
func New(client ChatCompleter, cfg Config, logger *slog.Logger) *Extractor {
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	return &Extractor{client: client, cfg: cfg, logger: logger}
}

// Config returns the effective configuration.
func (e *Extractor) Config() Config {
	return e.cfg
}

// Extract asks the service for one line item describing text.
//
// Failures are *failure.Error values at the extraction stage: ServiceError,
// NetworkTimeout, MalformedResponse, or LowConfidence. Cancelling ctx returns ctx.Err().
func (e *Extractor) Extract(ctx context.Context, text string) (item.Parsed, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return item.Parsed{}, failure.New(failure.KindNoSpeechDetected, failure.StageExtraction, "nothing to extract", nil)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model:       e.cfg.Model,
		Messages:    buildMessages(text),
		Temperature: e.cfg.Temperature,
		MaxTokens:   e.cfg.MaxTokens,
	}
	if e.cfg.JSONMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	started := time.Now()
	resp, err := e.client.CreateChatCompletion(callCtx, req)
	if err != nil {
		return item.Parsed{}, e.classify(ctx, err)
	}
	e.logDebug("extraction response", "model", e.cfg.Model, "latency_ms", time.Since(started).Milliseconds())

	if len(resp.Choices) == 0 {
		return item.Parsed{}, failure.New(failure.KindMalformedResponse, failure.StageExtraction, "reply has no choices", nil)
	}
	raw := resp.Choices[0].Message.Content

	parsed, err := ParseReply(raw)
	if err != nil {
		e.logWarn("malformed extraction reply", "raw", raw, "error", err.Error())
		return item.Parsed{}, err
	}

	if parsed.Confidence < e.cfg.MinConfidence {
		e.logWarn("extraction below confidence threshold", "raw", raw, "confidence", parsed.Confidence, "min_confidence", e.cfg.MinConfidence)
		return item.Parsed{}, failure.Newf(failure.KindLowConfidence, failure.StageExtraction,
			"confidence %.2f below %.2f", parsed.Confidence, e.cfg.MinConfidence).
			WithRaw(raw).
			WithCandidate(parsed)
	}
	return parsed, nil
}

func (e *Extractor) classify(parent context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return failure.New(failure.KindNetworkTimeout, failure.StageExtraction, fmt.Sprintf("no reply within %s", e.cfg.Timeout), err)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return failure.New(failure.KindServiceError, failure.StageExtraction, fmt.Sprintf("service returned status %d", apiErr.HTTPStatusCode), err).WithRaw(apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return failure.New(failure.KindServiceError, failure.StageExtraction, fmt.Sprintf("service returned status %d", reqErr.HTTPStatusCode), err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return failure.New(failure.KindNetworkTimeout, failure.StageExtraction, "request timed out", err)
	}
	return failure.New(failure.KindServiceError, failure.StageExtraction, "service unreachable", err)
}

func (e *Extractor) logDebug(message string, args ...any) {
	if e.logger != nil {
		e.logger.Debug(message, args...)
	}
}

func (e *Extractor) logWarn(message string, args ...any) {
	if e.logger != nil {
		e.logger.Warn(message, args...)
	}
}

// reply is the wire schema the service is instructed to return.
type reply struct {
	Item       string          `json:"item"`
	Name       string          `json:"name,omitempty"`
	Quantity   json.RawMessage `json:"quantity"`
	Price      json.RawMessage `json:"price"`
	Unit       string          `json:"unit"`
	Confidence *float64        `json:"confidence"`
}

// ParseReply decodes one raw service reply into a line item.
//
// Surrounding code fences are stripped first. A missing quantity defaults to 1 and a missing
// price to 0; an explicit null or non-positive quantity becomes item.Unknown. Any other
// deviation from the schema is a MalformedResponse failure carrying the raw reply.
func ParseReply(raw string) (item.Parsed, error) {
	malformed := func(format string, args ...any) error {
		return failure.Newf(failure.KindMalformedResponse, failure.StageExtraction, format, args...).WithRaw(raw)
	}

	body := StripFences(raw)
	if !strings.HasPrefix(body, "{") {
		return item.Parsed{}, malformed("reply is not a JSON object")
	}

	var r reply
	decoder := json.NewDecoder(bytes.NewReader([]byte(body)))
	if err := decoder.Decode(&r); err != nil {
		return item.Parsed{}, malformed("decode reply: %v", err)
	}
	if decoder.More() {
		return item.Parsed{}, malformed("trailing data after JSON object")
	}

	name := strings.TrimSpace(r.Item)
	if name == "" {
		name = strings.TrimSpace(r.Name)
	}
	if name == "" {
		return item.Parsed{}, malformed("item name is blank")
	}
	if r.Confidence == nil {
		return item.Parsed{}, malformed("confidence is missing")
	}
	if *r.Confidence < 0 || *r.Confidence > 1 {
		return item.Parsed{}, malformed("confidence %v outside [0,1]", *r.Confidence)
	}

	quantity := item.QuantityOf(decimal.NewFromInt(1))
	if len(r.Quantity) > 0 {
		d, null, err := decodeDecimal(r.Quantity)
		if err != nil {
			return item.Parsed{}, malformed("quantity: %v", err)
		}
		quantity = item.Unknown
		if !null {
			quantity = item.QuantityOf(d)
		}
	}

	price := decimal.Zero
	if len(r.Price) > 0 {
		d, null, err := decodeDecimal(r.Price)
		if err != nil {
			return item.Parsed{}, malformed("price: %v", err)
		}
		if !null {
			price = d
		}
	}
	if price.IsNegative() {
		return item.Parsed{}, malformed("price %s is negative", price)
	}

	parsed := item.Parsed{
		Name:       name,
		Quantity:   quantity,
		UnitPrice:  price,
		Unit:       strings.TrimSpace(r.Unit),
		Confidence: *r.Confidence,
	}
	if err := parsed.Validate(); err != nil {
		return item.Parsed{}, malformed("%v", err)
	}
	return parsed, nil
}

// decodeDecimal accepts a JSON number, a numeric string, or null.
func decodeDecimal(raw json.RawMessage) (decimal.Decimal, bool, error) {
	trimmed := bytes.TrimSpace(raw)
	if bytes.Equal(trimmed, []byte("null")) {
		return decimal.Zero, true, nil
	}
	var d decimal.Decimal
	if err := d.UnmarshalJSON(trimmed); err != nil {
		return decimal.Zero, false, err
	}
	return d, false, nil
}

// StripFences removes a surrounding markdown code fence such as ```json ... ```.
func StripFences(raw string) string {
	body := strings.TrimSpace(raw)
	if !strings.HasPrefix(body, "```") {
		return body
	}
	body = strings.TrimPrefix(body, "```")
	if newline := strings.IndexByte(body, '\n'); newline >= 0 {
		body = body[newline+1:]
	} else {
		body = strings.TrimPrefix(strings.TrimSpace(body), "json")
	}
	body = strings.TrimSpace(body)
	body = strings.TrimSuffix(body, "```")
	return strings.TrimSpace(body)
}
