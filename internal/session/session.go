// Package session runs the capture, transcription and extraction pipeline one utterance at a time.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rbright/khata/internal/audio"
	"github.com/rbright/khata/internal/failure"
	"github.com/rbright/khata/internal/fsm"
	"github.com/rbright/khata/internal/ipc"
	"github.com/rbright/khata/internal/item"
	"github.com/rbright/khata/internal/transcribe"
)

var (
	// ErrRunActive is returned by Start while another run is in flight.
	ErrRunActive = errors.New("a pipeline run is already active")
	// ErrPipelineUnavailable indicates capture, transcription or extraction wiring is missing.
	ErrPipelineUnavailable = errors.New("capture, transcription and extraction must all be configured")
)

const cleanupTimeout = 800 * time.Millisecond

// Snapshot is one observable state of a run.
type Snapshot struct {
	RunID string
	State fsm.State
	Item  *item.Parsed
	Err   error
}

// Result is the complete output of one run.
//
// State is Succeeded or Failed for a finished run and Idle for a cancelled one.
// Err is a *failure.Error for failed runs. For cancelled runs it is nil when Cancel
// was called and the parent context error otherwise.
type Result struct {
	RunID             string
	State             fsm.State
	Item              *item.Parsed
	Err               error
	Cancelled         bool
	Transcript        string
	BytesCaptured     int64
	StartedAt         time.Time
	FinishedAt        time.Time
	CaptureLatency    time.Duration
	TranscribeLatency time.Duration
	ExtractLatency    time.Duration
	HandoffErr        error
}

// Failure returns the pipeline failure carried by r, if any.
func (r Result) Failure() (*failure.Error, bool) {
	return failure.As(r.Err)
}

// Options wires a Controller. Recorder, Transcriber and Extractor are required.
type Options struct {
	Recorder    Recorder
	Transcriber Transcriber
	Extractor   Extractor
	Permission  Permission
	Indicator   Indicator
	Committer   Committer

	MaxDuration time.Duration
	Language    string
	// SilencePeak is the s16 amplitude at or below which a capture is rejected as silent.
	SilencePeak int
	Logger      *slog.Logger
}

// Controller owns the pipeline state and allows at most one run at a time.
type Controller struct {
	recorder    Recorder
	transcriber Transcriber
	extractor   Extractor
	permission  Permission
	indicator   Indicator
	committer   Committer

	maxDuration time.Duration
	language    string
	silencePeak int
	logger      *slog.Logger

	mu              sync.RWMutex
	state           fsm.State
	runID           string
	cancel          context.CancelFunc
	stop            chan struct{}
	stopRequested   bool
	cancelRequested bool
	last            Result
}

type run struct {
	id      string
	ctx     context.Context
	stop    chan struct{}
	updates chan Snapshot
	done    chan Result
}

// NewController constructs a controller with no-op defaults for optional collaborators.
func NewController(opts Options) *Controller {
	if opts.Permission == nil {
		opts.Permission = PermissionFunc(func(context.Context) error { return nil })
	}
	if opts.Indicator == nil {
		opts.Indicator = noopIndicator{}
	}
	if opts.Committer == nil {
		opts.Committer = CommitFunc(func(context.Context, item.Parsed) error { return nil })
	}
	if opts.MaxDuration <= 0 || opts.MaxDuration > audio.MaxDuration {
		opts.MaxDuration = audio.MaxDuration
	}

	return &Controller{
		recorder:    opts.Recorder,
		transcriber: opts.Transcriber,
		extractor:   opts.Extractor,
		permission:  opts.Permission,
		indicator:   opts.Indicator,
		committer:   opts.Committer,
		maxDuration: opts.MaxDuration,
		language:    opts.Language,
		silencePeak: opts.SilencePeak,
		logger:      opts.Logger,
		state:       fsm.StateIdle,
	}
}

// State returns the current FSM state snapshot.
func (c *Controller) State() fsm.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// RunID returns the id of the in-flight run, or "" when idle.
func (c *Controller) RunID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.runID
}

// Result returns the outcome of the most recently finished run.
func (c *Controller) Result() Result {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

// Start begins a run and returns its state stream.
//
// The stream yields every state the run passes through, ending with Succeeded, Failed,
// or Idle after a cancellation, and is then closed. It is buffered for the whole run.
func (c *Controller) Start(ctx context.Context) (<-chan Snapshot, error) {
	r, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	return r.updates, nil
}

// Run executes one run to completion.
func (c *Controller) Run(ctx context.Context) Result {
	r, err := c.begin(ctx)
	if err != nil {
		now := time.Now()
		return Result{State: c.State(), Err: err, StartedAt: now, FinishedAt: now}
	}
	for range r.updates {
	}
	return <-r.done
}

// Stop ends capture early; the run continues with what was recorded.
// It reports whether a capture was in progress.
func (c *Controller) Stop() bool {
	accepted, _ := c.requestStopLocked()
	return accepted
}

// Cancel aborts the in-flight run at any stage and reports whether one was active.
func (c *Controller) Cancel() bool {
	accepted, _ := c.requestCancelLocked()
	return accepted
}

func (c *Controller) begin(parent context.Context) (*run, error) {
	if c.recorder == nil || c.transcriber == nil || c.extractor == nil {
		return nil, ErrPipelineUnavailable
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != fsm.StateIdle {
		return nil, fmt.Errorf("%w (state %s)", ErrRunActive, c.state)
	}
	next, err := fsm.Transition(c.state, fsm.EventStart)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(parent)
	r := &run{
		id:      uuid.NewString(),
		ctx:     ctx,
		stop:    make(chan struct{}),
		updates: make(chan Snapshot, 8),
		done:    make(chan Result, 1),
	}
	c.state = next
	c.runID = r.id
	c.cancel = cancel
	c.stop = r.stop
	c.stopRequested = false
	c.cancelRequested = false

	go func() {
		defer cancel()
		result := c.execute(r)
		r.done <- result
		close(r.updates)
	}()
	return r, nil
}

func (c *Controller) execute(r *run) Result {
	ctx := r.ctx
	result := Result{RunID: r.id, StartedAt: time.Now()}
	c.publish(r, Snapshot{State: fsm.StateCapturing})
	c.indicator.ShowCapturing(ctx)

	if err := c.permission.Check(ctx); err != nil {
		return c.fail(r, result, err, failure.KindPermissionDenied, failure.StagePermission)
	}

	captureStarted := time.Now()
	buffer, err := c.capture(r)
	result.CaptureLatency = time.Since(captureStarted)
	if err != nil {
		return c.fail(r, result, err, failure.KindDeviceUnavailable, failure.StageCapture)
	}
	result.BytesCaptured = int64(buffer.Len())
	c.indicator.CueStop(ctx)

	if peak := buffer.Peak(); peak <= c.silencePeak {
		silent := failure.Newf(failure.KindNoSpeechDetected, failure.StageCapture, "capture is silent (peak %d)", peak)
		return c.fail(r, result, silent, failure.KindNoSpeechDetected, failure.StageCapture)
	}

	if err := c.advance(r, fsm.EventCaptured); err != nil {
		return c.fail(r, result, err, failure.KindServiceError, failure.StageTranscription)
	}
	c.publish(r, Snapshot{State: fsm.StateTranscribing})
	c.indicator.ShowTranscribing(ctx)

	transcribeStarted := time.Now()
	text, err := transcribe.Collect(ctx, c.transcriber.Transcribe(ctx, buffer, c.language))
	result.TranscribeLatency = time.Since(transcribeStarted)
	if err != nil {
		return c.fail(r, result, err, failure.KindServiceError, failure.StageTranscription)
	}
	result.Transcript = text

	if err := c.advance(r, fsm.EventTranscribed); err != nil {
		return c.fail(r, result, err, failure.KindServiceError, failure.StageExtraction)
	}
	c.publish(r, Snapshot{State: fsm.StateExtracting})
	c.indicator.ShowExtracting(ctx)

	extractStarted := time.Now()
	parsed, err := c.extractor.Extract(ctx, text)
	result.ExtractLatency = time.Since(extractStarted)
	if err != nil {
		return c.fail(r, result, err, failure.KindServiceError, failure.StageExtraction)
	}
	if err := c.advance(r, fsm.EventExtracted); err != nil {
		return c.fail(r, result, err, failure.KindServiceError, failure.StageExtraction)
	}
	result.Item = &parsed
	c.indicator.ShowItem(ctx, parsed)

	if err := c.committer.Commit(ctx, parsed); err != nil {
		result.HandoffErr = err
	}
	return c.finish(r, result)
}

// fail moves the run to Failed, or back to Idle when the run was cancelled.
func (c *Controller) fail(r *run, result Result, err error, fallback failure.Kind, stage failure.Stage) Result {
	if r.ctx.Err() != nil {
		return c.cancelled(r, result)
	}

	f := failure.Ensure(err, fallback, stage)
	result.Err = f
	c.mu.Lock()
	if next, terr := fsm.Transition(c.state, fsm.EventFail); terr == nil {
		c.state = next
	}
	c.mu.Unlock()

	c.indicator.ShowFailure(r.ctx, f)
	return c.finish(r, result)
}

func (c *Controller) cancelled(r *run, result Result) Result {
	c.mu.Lock()
	if next, err := fsm.Transition(c.state, fsm.EventCancel); err == nil {
		c.state = next
	} else {
		c.state = fsm.StateIdle
	}
	explicit := c.cancelRequested
	c.mu.Unlock()

	result.Cancelled = true
	if !explicit {
		result.Err = r.ctx.Err()
	}

	cleanupCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	c.indicator.CueCancel(cleanupCtx)
	c.indicator.Hide(cleanupCtx)
	return c.finish(r, result)
}

// finish publishes the final state, logs the run, and returns the controller to Idle.
func (c *Controller) finish(r *run, result Result) Result {
	result.FinishedAt = time.Now()
	result.State = c.State()
	c.publish(r, Snapshot{State: result.State, Item: result.Item, Err: result.Err})
	c.logResult(result)

	c.mu.Lock()
	defer c.mu.Unlock()
	if next, err := fsm.Transition(c.state, fsm.EventReset); err == nil {
		c.state = next
	}
	c.runID = ""
	c.cancel = nil
	c.stop = nil
	c.last = result
	return result
}

// advance applies a forward transition unless the run was cancelled in the meantime.
func (c *Controller) advance(r *run, event fsm.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := r.ctx.Err(); err != nil {
		return err
	}
	next, err := fsm.Transition(c.state, event)
	if err != nil {
		return err
	}
	c.state = next
	return nil
}

// capture records one utterance. A stop that arrived before the device opened
// ends the run as an empty capture without touching the microphone.
func (c *Controller) capture(r *run) (audio.Buffer, error) {
	c.mu.RLock()
	stopped := c.stopRequested
	c.mu.RUnlock()
	if stopped {
		return audio.Buffer{}, failure.New(failure.KindNoSpeechDetected, failure.StageCapture, "stopped before capture started", nil)
	}
	return c.recorder.Record(r.ctx, c.maxDuration, r.stop)
}

func (c *Controller) publish(r *run, snapshot Snapshot) {
	snapshot.RunID = r.id
	select {
	case r.updates <- snapshot:
	default:
	}
}

// Handle serves IPC commands for the active run.
func (c *Controller) Handle(_ context.Context, req ipc.Request) ipc.Response {
	var resp ipc.Response
	switch req.Command {
	case ipc.CommandStatus:
		resp = ipc.Response{OK: true, State: string(c.State()), Message: "status"}
	case ipc.CommandToggle, ipc.CommandStop:
		resp = c.requestStop(req.Command)
	case ipc.CommandCancel:
		resp = c.requestCancel()
	default:
		resp = ipc.Response{OK: false, State: string(c.State()), Error: fmt.Sprintf("unknown command: %s", req.Command)}
	}
	resp.RunID = c.RunID()
	return resp
}

func (c *Controller) requestStop(source string) ipc.Response {
	state := c.State()
	if state == fsm.StateTranscribing || state == fsm.StateExtracting {
		return ipc.Response{OK: false, State: string(state), Error: "already processing"}
	}

	accepted, repeated := c.requestStopLocked()
	if !accepted {
		return ipc.Response{OK: false, State: string(state), Error: fmt.Sprintf("cannot %s from state %s", source, state)}
	}
	if repeated {
		return ipc.Response{OK: true, State: string(state), Message: "stop already requested"}
	}
	return ipc.Response{OK: true, State: string(state), Message: "stop requested"}
}

func (c *Controller) requestCancel() ipc.Response {
	state := c.State()
	accepted, repeated := c.requestCancelLocked()
	if !accepted {
		return ipc.Response{OK: false, State: string(state), Error: fmt.Sprintf("cannot cancel from state %s", state)}
	}
	if repeated {
		return ipc.Response{OK: true, State: string(state), Message: "cancel already requested"}
	}
	return ipc.Response{OK: true, State: string(state), Message: "cancel requested"}
}

func (c *Controller) requestStopLocked() (accepted bool, repeated bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != fsm.StateCapturing {
		return false, false
	}
	if c.stopRequested {
		return true, true
	}
	c.stopRequested = true
	if c.stop != nil {
		close(c.stop)
	}
	return true, false
}

func (c *Controller) requestCancelLocked() (accepted bool, repeated bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.Active() || c.cancel == nil {
		return false, false
	}
	if c.cancelRequested {
		return true, true
	}
	c.cancelRequested = true
	c.cancel()
	return true, false
}

func (c *Controller) logResult(result Result) {
	if c.logger == nil {
		return
	}
	attrs := []any{
		"run_id", result.RunID,
		"state", string(result.State),
		"cancelled", result.Cancelled,
		"bytes_captured", result.BytesCaptured,
		"transcript_chars", len(result.Transcript),
		"capture_ms", result.CaptureLatency.Milliseconds(),
		"transcribe_ms", result.TranscribeLatency.Milliseconds(),
		"extract_ms", result.ExtractLatency.Milliseconds(),
		"total_ms", result.FinishedAt.Sub(result.StartedAt).Milliseconds(),
	}
	if f, ok := result.Failure(); ok {
		attrs = append(attrs, "kind", string(f.Kind), "stage", string(f.Stage), "error", f.Error())
		if f.Raw != "" {
			attrs = append(attrs, "raw", f.Raw)
		}
		c.logger.Warn("run failed", attrs...)
		return
	}
	if result.HandoffErr != nil {
		attrs = append(attrs, "handoff_error", result.HandoffErr.Error())
		c.logger.Warn("item hand-off failed", attrs...)
		return
	}
	c.logger.Info("run finished", attrs...)
}
