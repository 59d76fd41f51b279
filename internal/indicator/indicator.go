// Package indicator renders run progress as desktop notifications and audio cues.
package indicator

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rbright/khata/internal/config"
	"github.com/rbright/khata/internal/failure"
	"github.com/rbright/khata/internal/item"
)

const (
	progressTimeoutMS = 300000
	itemTimeoutMS     = 4000
	dispatchTimeout   = 400 * time.Millisecond
)

// Controller is the session-facing indicator contract.
type Controller interface {
	ShowCapturing(context.Context)
	ShowTranscribing(context.Context)
	ShowExtracting(context.Context)
	ShowItem(context.Context, item.Parsed)
	ShowFailure(context.Context, *failure.Error)
	CueStop(context.Context)
	CueCancel(context.Context)
	Hide(context.Context)
}

// Notifier sends replaceable freedesktop notifications and plays Pulse cues.
type Notifier struct {
	cfg      config.IndicatorConfig
	logger   *slog.Logger
	messages messages

	mu             sync.Mutex
	notificationID uint32
	soundMu        sync.Mutex
	cues           sync.WaitGroup
}

// NewNotifier creates an indicator from config.
func NewNotifier(cfg config.IndicatorConfig, logger *slog.Logger) *Notifier {
	return &Notifier{
		cfg:      cfg,
		logger:   logger,
		messages: indicatorMessagesFromEnv(),
	}
}

// ShowCapturing signals that the microphone is open and emits the start cue.
func (n *Notifier) ShowCapturing(ctx context.Context) {
	n.playCue(cueStart)
	n.show(ctx, progressTimeoutMS, n.messages.capturing, "")
}

func (n *Notifier) ShowTranscribing(ctx context.Context) {
	n.show(ctx, progressTimeoutMS, n.messages.transcribing, "")
}

func (n *Notifier) ShowExtracting(ctx context.Context) {
	n.show(ctx, progressTimeoutMS, n.messages.extracting, "")
}

// ShowItem announces the auto-filled line item and emits the completion cue.
func (n *Notifier) ShowItem(ctx context.Context, p item.Parsed) {
	n.playCue(cueComplete)
	n.show(ctx, itemTimeoutMS, n.messages.itemText(p), "")
}

// ShowFailure displays the kind-specific message for f.
func (n *Notifier) ShowFailure(ctx context.Context, f *failure.Error) {
	n.playCue(cueError)
	timeout := n.cfg.ErrorTimeoutMS
	if timeout <= 0 {
		timeout = 1200
	}
	n.show(ctx, timeout, n.messages.failureText(f), "")
}

func (n *Notifier) CueStop(context.Context) {
	n.playCue(cueStop)
}

func (n *Notifier) CueCancel(context.Context) {
	n.playCue(cueCancel)
}

// Hide closes the active notification, if any.
func (n *Notifier) Hide(ctx context.Context) {
	if !n.cfg.Enable {
		return
	}
	n.run(ctx, n.dismiss)
}

// Wait blocks until queued cues finish playing.
func (n *Notifier) Wait() {
	n.cues.Wait()
}

func (n *Notifier) show(ctx context.Context, timeoutMS int, summary string, body string) {
	if !n.cfg.Enable {
		return
	}
	n.run(ctx, func(ctx context.Context) error {
		return n.notify(ctx, timeoutMS, summary, body)
	})
}

// notify replaces the previous notification so a run occupies one bubble.
func (n *Notifier) notify(ctx context.Context, timeoutMS int, summary string, body string) error {
	n.mu.Lock()
	replaceID := n.notificationID
	n.mu.Unlock()

	appName := strings.TrimSpace(n.cfg.DesktopAppName)
	if appName == "" {
		appName = "khata"
	}

	id, err := desktopNotify(ctx, notification{
		appName:   appName,
		replaceID: replaceID,
		summary:   summary,
		body:      body,
		timeoutMS: timeoutMS,
	})
	if err != nil {
		return err
	}

	n.mu.Lock()
	n.notificationID = id
	n.mu.Unlock()
	return nil
}

func (n *Notifier) dismiss(ctx context.Context) error {
	n.mu.Lock()
	id := n.notificationID
	n.notificationID = 0
	n.mu.Unlock()

	if id == 0 {
		return nil
	}
	return desktopDismiss(ctx, id)
}

// run executes one dispatch with a bounded timeout. Failures are logged, never returned.
func (n *Notifier) run(ctx context.Context, fn func(context.Context) error) {
	runCtx, cancel := context.WithTimeout(ctx, dispatchTimeout)
	defer cancel()
	if err := fn(runCtx); err != nil {
		n.log("indicator dispatch failed", err)
	}
}

// playCue serializes playback and emits audio asynchronously.
func (n *Notifier) playCue(kind cueKind) {
	if !n.cfg.SoundEnable {
		return
	}
	n.cues.Add(1)
	go func() {
		defer n.cues.Done()
		n.soundMu.Lock()
		defer n.soundMu.Unlock()
		if err := emitCue(kind, n.cfg); err != nil {
			n.log("indicator audio cue failed", err)
		}
	}()
}

func (n *Notifier) log(message string, err error) {
	if n.logger == nil || err == nil {
		return
	}
	n.logger.Debug(message, "error", err.Error())
}

var _ Controller = (*Notifier)(nil)
