// Package transcribe turns one captured recording into text through a remote speech service.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rbright/khata/internal/audio"
	"github.com/rbright/khata/internal/failure"
	"github.com/rbright/khata/internal/transcript"
)

// DefaultTimeout bounds one transcription request when no timeout is configured.
const DefaultTimeout = 12 * time.Second

// DefaultInstruction primes the service for short shop-counter utterances.
const DefaultInstruction = "A shopkeeper dictating one invoice line item. Speech mixes Hindi and English " +
	"(Hinglish) and may use Hindi number words such as do, teen, pachas, sau. Expect an item name, " +
	"a quantity with an optional unit (kilo, gram, litre, packet, dozen) and a price in rupees."

// EventKind tags one lifecycle event of a transcription attempt.
type EventKind string

const (
	EventReady      EventKind = "ready"
	EventRecording  EventKind = "recording"
	EventProcessing EventKind = "processing"
	EventSuccess    EventKind = "success"
	EventError      EventKind = "error"
)

// Event is one element of the transcription stream. Text is set on EventSuccess and Err on EventError.
type Event struct {
	Kind EventKind
	Text string
	Err  error
}

// Terminal reports whether no further events follow.
func (e Event) Terminal() bool {
	return e.Kind == EventSuccess || e.Kind == EventError
}

// Phrase is one vocabulary hint forwarded to the service.
type Phrase struct {
	Text  string
	Boost float32
}

// Request is the payload handed to a Recognizer.
type Request struct {
	Audio       []byte
	MIMEType    string
	Instruction string
	Language    string
	SampleRate  int
	Phrases     []Phrase
}

// Recognizer performs one remote recognition call.
//
// Implementations return *ReasonError for failures the service reports, so the caller can
// map them onto a failure kind. Context errors are returned unchanged.
type Recognizer interface {
	Name() string
	Recognize(context.Context, Request) (string, error)
}

// Reason is a structured failure cause reported by a recognizer.
type Reason string

const (
	ReasonAudio        Reason = "audio"
	ReasonNoSpeech     Reason = "no_speech"
	ReasonNetwork      Reason = "network"
	ReasonServer       Reason = "server"
	ReasonTimeout      Reason = "timeout"
	ReasonUnauthorized Reason = "unauthorized"
	ReasonPermission   Reason = "permission"
)

// ReasonError carries a recognizer failure reason and the raw service reply.
type ReasonError struct {
	Reason  Reason
	Message string
	Raw     string
	Cause   error
}

func (e *ReasonError) Error() string {
	msg := string(e.Reason)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ReasonError) Unwrap() error {
	return e.Cause
}

// KindForReason maps a recognizer reason onto the pipeline failure taxonomy.
func KindForReason(reason Reason) failure.Kind {
	switch reason {
	case ReasonAudio:
		return failure.KindDeviceUnavailable
	case ReasonNoSpeech:
		return failure.KindNoSpeechDetected
	case ReasonNetwork, ReasonTimeout:
		return failure.KindNetworkTimeout
	case ReasonPermission:
		return failure.KindPermissionDenied
	default:
		return failure.KindServiceError
	}
}

// Options configures a Service.
type Options struct {
	Instruction string
	Timeout     time.Duration
	Phrases     []Phrase
	Logger      *slog.Logger
}

// Service issues one request per Transcribe call through its Recognizer.
type Service struct {
	recognizer  Recognizer
	instruction string
	timeout     time.Duration
	phrases     []Phrase
	logger      *slog.Logger
}

// NewService wraps a recognizer with the instruction, deadline, and vocabulary it sends.
func NewService(recognizer Recognizer, opts Options) *Service {
	instruction := strings.TrimSpace(opts.Instruction)
	if instruction == "" {
		instruction = DefaultInstruction
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Service{
		recognizer:  recognizer,
		instruction: instruction,
		timeout:     timeout,
		phrases:     append([]Phrase(nil), opts.Phrases...),
		logger:      opts.Logger,
	}
}

// Backend names the configured recognizer.
func (s *Service) Backend() string {
	return s.recognizer.Name()
}

// Transcribe starts one attempt and returns its event stream.
//
// The stream yields Ready, Recording, Processing and then exactly one of Success or Error
// before it is closed. It cannot be restarted; call Transcribe again for a new attempt.
// The channel is buffered for every event, so a consumer may stop reading at any time.
func (s *Service) Transcribe(ctx context.Context, buffer audio.Buffer, language string) <-chan Event {
	events := make(chan Event, 5)
	go func() {
		defer close(events)
		events <- Event{Kind: EventReady}

		if buffer.Len() == 0 {
			events <- Event{Kind: EventError, Err: failure.New(failure.KindNoSpeechDetected, failure.StageTranscription, "empty audio buffer", nil)}
			return
		}

		req := Request{
			Audio:       buffer.WAV(),
			MIMEType:    "audio/wav",
			Instruction: s.instruction,
			Language:    strings.TrimSpace(language),
			SampleRate:  buffer.SampleRate,
			Phrases:     s.phrases,
		}
		events <- Event{Kind: EventRecording}

		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		events <- Event{Kind: EventProcessing}
		started := time.Now()
		text, err := s.recognizer.Recognize(callCtx, req)
		s.logDebug("transcription response",
			"backend", s.recognizer.Name(),
			"latency_ms", time.Since(started).Milliseconds(),
			"audio_bytes", len(req.Audio),
		)
		if err != nil {
			events <- Event{Kind: EventError, Err: s.classify(ctx, callCtx, err)}
			return
		}

		normalized := transcript.Normalize(text)
		if normalized == "" {
			events <- Event{Kind: EventError, Err: failure.New(failure.KindNoSpeechDetected, failure.StageTranscription, "service returned blank text", nil).WithRaw(text)}
			return
		}
		events <- Event{Kind: EventSuccess, Text: normalized}
	}()
	return events
}

// classify turns a recognizer error into a failure, leaving caller cancellation untouched.
func (s *Service) classify(parent context.Context, callCtx context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if f, ok := failure.As(err); ok {
		return f
	}

	var reasonErr *ReasonError
	if errors.As(err, &reasonErr) {
		if reasonErr.Raw != "" && s.logger != nil {
			s.logger.Warn("transcription service failure", "reason", string(reasonErr.Reason), "raw", reasonErr.Raw)
		}
		return failure.New(KindForReason(reasonErr.Reason), failure.StageTranscription, reasonErr.Message, reasonErr.Cause).WithRaw(reasonErr.Raw)
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return failure.New(failure.KindNetworkTimeout, failure.StageTranscription, fmt.Sprintf("no reply within %s", s.timeout), err)
	}
	return failure.New(failure.KindServiceError, failure.StageTranscription, "", err)
}

func (s *Service) logDebug(message string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Debug(message, args...)
}

// Collect drains a stream to its terminal event and returns the text or error.
//
// If ctx ends first, Collect returns ctx.Err() and abandons the stream.
func Collect(ctx context.Context, events <-chan Event) (string, error) {
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case event, ok := <-events:
			if !ok {
				return "", failure.New(failure.KindServiceError, failure.StageTranscription, "event stream closed without a result", nil)
			}
			switch event.Kind {
			case EventSuccess:
				return event.Text, nil
			case EventError:
				return "", event.Err
			}
		}
	}
}
