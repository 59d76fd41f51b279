// Package failure defines the single error taxonomy surfaced by a pipeline run.
package failure

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rbright/khata/internal/item"
)

// Kind classifies a terminal pipeline failure.
type Kind string

const (
	KindPermissionDenied  Kind = "permission_denied"
	KindDeviceUnavailable Kind = "device_unavailable"
	KindNoSpeechDetected  Kind = "no_speech_detected"
	KindNetworkTimeout    Kind = "network_timeout"
	KindServiceError      Kind = "service_error"
	KindMalformedResponse Kind = "malformed_response"
	KindLowConfidence     Kind = "low_confidence"
)

// Stage names the pipeline step where a failure originated.
type Stage string

const (
	StagePermission    Stage = "permission"
	StageCapture       Stage = "capture"
	StageTranscription Stage = "transcription"
	StageExtraction    Stage = "extraction"
)

// Error is a pipeline failure captured at its origin.
//
// Raw holds the service payload that triggered the failure, if any. It is meant for
// logs and never for end users. Candidate is set for LowConfidence failures so the
// confirm dialog can offer the rejected item for manual editing.
type Error struct {
	Kind      Kind
	Stage     Stage
	Message   string
	Raw       string
	Candidate *item.Parsed
	Cause     error
}

// New builds a failure for one stage.
func New(kind Kind, stage Stage, message string, cause error) *Error {
	return &Error{Kind: kind, Stage: stage, Message: message, Cause: cause}
}

// Newf builds a failure with a formatted message and no cause.
func Newf(kind Kind, stage Stage, format string, args ...any) *Error {
	return &Error{Kind: kind, Stage: stage, Message: fmt.Sprintf(format, args...)}
}

// WithRaw returns a copy that records the raw service payload.
func (e *Error) WithRaw(raw string) *Error {
	out := *e
	out.Raw = raw
	return &out
}

// WithCandidate returns a copy carrying the rejected item.
func (e *Error) WithCandidate(p item.Parsed) *Error {
	out := *e
	out.Candidate = &p
	return &out
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Stage != "" {
		b.WriteString(string(e.Stage))
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// As extracts the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// KindOf reports the failure kind carried by err.
func KindOf(err error) (Kind, bool) {
	f, ok := As(err)
	if !ok {
		return "", false
	}
	return f.Kind, true
}

// IsKind reports whether err carries the given failure kind.
func IsKind(err error, kind Kind) bool {
	got, ok := KindOf(err)
	return ok && got == kind
}

// Ensure returns err as a failure, classifying unknown errors with fallback.
func Ensure(err error, fallback Kind, stage Stage) *Error {
	if err == nil {
		return nil
	}
	if f, ok := As(err); ok {
		return f
	}
	return New(fallback, stage, "", err)
}
