package session

import (
	"context"
	"time"

	"github.com/rbright/khata/internal/audio"
	"github.com/rbright/khata/internal/failure"
	"github.com/rbright/khata/internal/item"
	"github.com/rbright/khata/internal/transcribe"
)

// Recorder captures one utterance. Closing stop finishes the capture early.
type Recorder interface {
	Record(ctx context.Context, maxDuration time.Duration, stop <-chan struct{}) (audio.Buffer, error)
}

// Transcriber turns a finished recording into a transcription event stream.
type Transcriber interface {
	Transcribe(ctx context.Context, buffer audio.Buffer, language string) <-chan transcribe.Event
}

// Extractor turns transcribed text into a line item.
type Extractor interface {
	Extract(ctx context.Context, text string) (item.Parsed, error)
}

// Permission reports whether microphone capture is allowed.
type Permission interface {
	Check(context.Context) error
}

// PermissionFunc adapts a function to the Permission interface.
type PermissionFunc func(context.Context) error

func (f PermissionFunc) Check(ctx context.Context) error {
	return f(ctx)
}

// Indicator is the session-facing subset of indicator behavior.
type Indicator interface {
	ShowCapturing(context.Context)
	ShowTranscribing(context.Context)
	ShowExtracting(context.Context)
	ShowItem(context.Context, item.Parsed)
	ShowFailure(context.Context, *failure.Error)
	CueStop(context.Context)
	CueCancel(context.Context)
	Hide(context.Context)
}

// noopIndicator preserves session flow when no indicator is wired.
type noopIndicator struct{}

func (noopIndicator) ShowCapturing(context.Context)               {}
func (noopIndicator) ShowTranscribing(context.Context)            {}
func (noopIndicator) ShowExtracting(context.Context)              {}
func (noopIndicator) ShowItem(context.Context, item.Parsed)       {}
func (noopIndicator) ShowFailure(context.Context, *failure.Error) {}
func (noopIndicator) CueStop(context.Context)                     {}
func (noopIndicator) CueCancel(context.Context)                   {}
func (noopIndicator) Hide(context.Context)                        {}
