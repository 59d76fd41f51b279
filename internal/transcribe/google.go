package transcribe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"cloud.google.com/go/auth/credentials"
	speech "cloud.google.com/go/speech/apiv2"
	speechpb "cloud.google.com/go/speech/apiv2/speechpb"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/rbright/khata/internal/transcript"
)

const speechAPIEndpointPort = 443

// GoogleConfig configures the Cloud Speech-to-Text v2 backend.
type GoogleConfig struct {
	ProjectID       string
	CredentialsJSON string
	Location        string
	Model           string
	// DebugSink receives each recognize response as one protojson line when set.
	DebugSink io.Writer
}

// speechClient is the part of the generated client this backend calls.
type speechClient interface {
	Recognize(context.Context, *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error)
	Close() error
}

// GoogleRecognizer performs synchronous Recognize calls against Speech v2.
type GoogleRecognizer struct {
	cfg       GoogleConfig
	newClient func(context.Context) (speechClient, error)

	sinkMu sync.Mutex
}

// NewGoogleRecognizer builds a recognizer that dials Speech v2 once per call.
func NewGoogleRecognizer(cfg GoogleConfig) *GoogleRecognizer {
	cfg.Location = strings.TrimSpace(cfg.Location)
	if cfg.Location == "" {
		cfg.Location = "global"
	}
	cfg.Model = strings.TrimSpace(cfg.Model)
	if cfg.Model == "" {
		cfg.Model = "short"
	}
	r := &GoogleRecognizer{cfg: cfg}
	r.newClient = r.dial
	return r
}

func (r *GoogleRecognizer) Name() string {
	return "google"
}

func (r *GoogleRecognizer) dial(ctx context.Context) (speechClient, error) {
	creds, err := credentials.DetectDefault(detectOptions(r.cfg.CredentialsJSON))
	if err != nil {
		return nil, &ReasonError{Reason: ReasonUnauthorized, Message: "detect google credentials", Cause: err}
	}

	opts := []option.ClientOption{option.WithAuthCredentials(creds)}
	if r.cfg.Location != "global" {
		opts = append(opts, option.WithEndpoint(fmt.Sprintf("%s-speech.googleapis.com:%d", r.cfg.Location, speechAPIEndpointPort)))
	}

	client, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, &ReasonError{Reason: ReasonNetwork, Message: "create speech client", Cause: err}
	}
	return generatedClient{client}, nil
}

// CheckGoogleCredentials reports whether inline JSON or application default credentials resolve.
func CheckGoogleCredentials(credentialsJSON string) error {
	_, err := credentials.DetectDefault(detectOptions(credentialsJSON))
	return err
}

func detectOptions(credentialsJSON string) *credentials.DetectOptions {
	return &credentials.DetectOptions{
		CredentialsJSON: []byte(strings.TrimSpace(credentialsJSON)),
		Scopes:          []string{"https://www.googleapis.com/auth/cloud-platform"},
	}
}

// Recognize sends the WAV payload inline and joins the top alternative of each result.
func (r *GoogleRecognizer) Recognize(ctx context.Context, req Request) (string, error) {
	client, err := r.newClient(ctx)
	if err != nil {
		return "", err
	}
	defer client.Close()

	resp, err := client.Recognize(ctx, r.buildRequest(req))
	if err != nil {
		return "", classifyGoogle(ctx, err)
	}
	r.writeDebug(resp)

	segments := make([]string, 0, len(resp.GetResults()))
	for _, result := range resp.GetResults() {
		alternatives := result.GetAlternatives()
		if len(alternatives) == 0 {
			continue
		}
		segments = append(segments, alternatives[0].GetTranscript())
	}
	if len(segments) == 0 {
		raw, _ := protojson.Marshal(resp)
		return "", &ReasonError{Reason: ReasonNoSpeech, Message: "no recognition results", Raw: string(raw)}
	}
	return transcript.Assemble(segments), nil
}

// buildRequest maps a transcription request onto a Speech v2 RecognizeRequest.
//
// Speech v2 has no free-text prompt, so the instruction is carried only by the phrase set.
func (r *GoogleRecognizer) buildRequest(req Request) *speechpb.RecognizeRequest {
	language := strings.TrimSpace(req.Language)
	if language == "" {
		language = "en-IN"
	}

	config := &speechpb.RecognitionConfig{
		Model:         r.cfg.Model,
		LanguageCodes: []string{language},
		DecodingConfig: &speechpb.RecognitionConfig_AutoDecodingConfig{
			AutoDecodingConfig: &speechpb.AutoDetectDecodingConfig{},
		},
		Features: &speechpb.RecognitionFeatures{EnableAutomaticPunctuation: true},
	}

	phrases := make([]*speechpb.PhraseSet_Phrase, 0, len(req.Phrases))
	for _, phrase := range req.Phrases {
		text := strings.TrimSpace(phrase.Text)
		if text == "" {
			continue
		}
		phrases = append(phrases, &speechpb.PhraseSet_Phrase{Value: text, Boost: phrase.Boost})
	}
	if len(phrases) > 0 {
		config.Adaptation = &speechpb.SpeechAdaptation{
			PhraseSets: []*speechpb.SpeechAdaptation_AdaptationPhraseSet{{
				Value: &speechpb.SpeechAdaptation_AdaptationPhraseSet_InlinePhraseSet{
					InlinePhraseSet: &speechpb.PhraseSet{Phrases: phrases},
				},
			}},
		}
	}

	return &speechpb.RecognizeRequest{
		Recognizer:  fmt.Sprintf("projects/%s/locations/%s/recognizers/_", r.cfg.ProjectID, r.cfg.Location),
		Config:      config,
		AudioSource: &speechpb.RecognizeRequest_Content{Content: req.Audio},
	}
}

func (r *GoogleRecognizer) writeDebug(resp *speechpb.RecognizeResponse) {
	if r.cfg.DebugSink == nil || resp == nil {
		return
	}
	payload, err := protojson.Marshal(resp)
	if err != nil {
		return
	}
	r.sinkMu.Lock()
	defer r.sinkMu.Unlock()
	_, _ = r.cfg.DebugSink.Write(append(payload, '\n'))
}

// classifyGoogle maps gRPC status codes onto recognizer reasons.
func classifyGoogle(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	st, ok := status.FromError(err)
	if !ok {
		if errors.Is(err, context.DeadlineExceeded) {
			return &ReasonError{Reason: ReasonTimeout, Message: "recognize timed out", Cause: err}
		}
		return &ReasonError{Reason: ReasonNetwork, Message: "recognize failed", Cause: err}
	}

	reason := ReasonServer
	switch st.Code() {
	case codes.Unauthenticated, codes.PermissionDenied:
		reason = ReasonUnauthorized
	case codes.DeadlineExceeded:
		reason = ReasonTimeout
	case codes.Unavailable:
		reason = ReasonNetwork
	case codes.InvalidArgument:
		if strings.Contains(strings.ToLower(st.Message()), "audio") {
			reason = ReasonAudio
		}
	case codes.Canceled:
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return &ReasonError{Reason: reason, Message: st.Message(), Raw: err.Error(), Cause: err}
}

// generatedClient narrows *speech.Client to speechClient.
type generatedClient struct {
	client *speech.Client
}

func (c generatedClient) Recognize(ctx context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error) {
	return c.client.Recognize(ctx, req)
}

func (c generatedClient) Close() error {
	return c.client.Close()
}
