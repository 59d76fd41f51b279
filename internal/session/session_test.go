package session

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rbright/khata/internal/audio"
	"github.com/rbright/khata/internal/extract"
	"github.com/rbright/khata/internal/failure"
	"github.com/rbright/khata/internal/fsm"
	"github.com/rbright/khata/internal/item"
	"github.com/rbright/khata/internal/transcribe"
	"github.com/sashabaranov/go-openai"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type fakeIndicator struct {
	stopCues   atomic.Int32
	cancelCues atomic.Int32
	items      atomic.Int32

	mu       sync.Mutex
	failures []failure.Kind
}

func (*fakeIndicator) ShowCapturing(context.Context)           {}
func (*fakeIndicator) ShowTranscribing(context.Context)        {}
func (*fakeIndicator) ShowExtracting(context.Context)          {}
func (f *fakeIndicator) ShowItem(context.Context, item.Parsed) { f.items.Add(1) }
func (f *fakeIndicator) ShowFailure(_ context.Context, e *failure.Error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, e.Kind)
}
func (f *fakeIndicator) CueStop(context.Context)   { f.stopCues.Add(1) }
func (f *fakeIndicator) CueCancel(context.Context) { f.cancelCues.Add(1) }
func (*fakeIndicator) Hide(context.Context)        {}

func (f *fakeIndicator) shownFailures() []failure.Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]failure.Kind(nil), f.failures...)
}

// fakeDevice opens streams of constant-amplitude PCM. With limit > 0 the stream ends
// after that many 20ms chunks; otherwise it runs until stopped.
type fakeDevice struct {
	amplitude int16
	limit     int
	openErr   error

	opened atomic.Int32
	live   atomic.Int32
}

func (d *fakeDevice) Open(context.Context) (audio.Stream, error) {
	if d.openErr != nil {
		return nil, d.openErr
	}
	d.opened.Add(1)
	d.live.Add(1)
	return newFakeStream(d, toneChunk(d.amplitude), d.limit), nil
}

type fakeStream struct {
	device *fakeDevice
	chunks chan []byte
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newFakeStream(device *fakeDevice, chunk []byte, limit int) *fakeStream {
	s := &fakeStream{
		device: device,
		chunks: make(chan []byte),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		defer close(s.chunks)
		for sent := 0; limit <= 0 || sent < limit; sent++ {
			if limit <= 0 {
				select {
				case <-s.stop:
					return
				case <-time.After(2 * time.Millisecond):
				}
			}
			select {
			case <-s.stop:
				return
			case s.chunks <- chunk:
			}
		}
	}()
	return s
}

func (s *fakeStream) Chunks() <-chan []byte {
	return s.chunks
}

func (s *fakeStream) Stop() error {
	s.once.Do(func() {
		close(s.stop)
		<-s.done
		s.device.live.Add(-1)
	})
	return nil
}

func toneChunk(amplitude int16) []byte {
	chunk := make([]byte, 640)
	for i := 0; i < len(chunk); i += 2 {
		sample := amplitude
		if (i/2)%2 == 1 {
			sample = -amplitude
		}
		binary.LittleEndian.PutUint16(chunk[i:], uint16(sample))
	}
	return chunk
}

type fakeRecognizer struct {
	text  string
	err   error
	block bool
	calls atomic.Int32
}

func (*fakeRecognizer) Name() string { return "fake" }

func (r *fakeRecognizer) Recognize(ctx context.Context, _ transcribe.Request) (string, error) {
	r.calls.Add(1)
	if r.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return r.text, r.err
}

type chatStub struct {
	content string
	block   bool
	calls   atomic.Int32

	mu   sync.Mutex
	text string
}

func (s *chatStub) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	s.calls.Add(1)
	s.mu.Lock()
	s.text = req.Messages[len(req.Messages)-1].Content
	s.mu.Unlock()
	if s.block {
		<-ctx.Done()
		return openai.ChatCompletionResponse{}, ctx.Err()
	}
	return openai.ChatCompletionResponse{Choices: []openai.ChatCompletionChoice{{
		Message:      openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: s.content},
		FinishReason: openai.FinishReasonStop,
	}}}, nil
}

func (s *chatStub) received() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text
}

type harness struct {
	device     *fakeDevice
	recorder   *audio.Recorder
	recognizer *fakeRecognizer
	chat       *chatStub
	indicator  *fakeIndicator
	extractCfg extract.Config
	permission Permission
	committer  Committer
}

func newHarness() *harness {
	return &harness{
		device:     &fakeDevice{amplitude: 8000, limit: 5},
		recognizer: &fakeRecognizer{text: "do bread pachas rupay"},
		chat:       &chatStub{content: `{"item":"Bread","quantity":2,"price":50,"confidence":0.95}`},
		indicator:  &fakeIndicator{},
		extractCfg: extract.DefaultConfig(),
	}
}

func (h *harness) controller() *Controller {
	h.recorder = audio.NewRecorder(h.device, nil)
	return NewController(Options{
		Recorder:    h.recorder,
		Transcriber: transcribe.NewService(h.recognizer, transcribe.Options{Timeout: time.Second}),
		Extractor:   extract.New(h.chat, h.extractCfg, nil),
		Permission:  h.permission,
		Indicator:   h.indicator,
		Committer:   h.committer,
		MaxDuration: 5 * time.Second,
		Language:    "en-IN",
		SilencePeak: 200,
	})
}

func collectStates(t *testing.T, updates <-chan Snapshot) []Snapshot {
	t.Helper()
	var out []Snapshot
	timeout := time.After(3 * time.Second)
	for {
		select {
		case snap, ok := <-updates:
			if !ok {
				return out
			}
			out = append(out, snap)
		case <-timeout:
			t.Fatalf("run did not finish; states so far: %+v", out)
		}
	}
}

func statesOf(snaps []Snapshot) []fsm.State {
	states := make([]fsm.State, 0, len(snaps))
	for _, s := range snaps {
		states = append(states, s.State)
	}
	return states
}

func waitForState(t *testing.T, ctrl *Controller, want fsm.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ctrl.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %s (current=%s)", want, ctrl.State())
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func requireDecimal(t *testing.T, want int64, got decimal.Decimal) {
	t.Helper()
	require.True(t, got.Equal(decimal.NewFromInt(want)), "want %d, got %s", want, got)
}

func TestRunBreadScenarioSucceeds(t *testing.T) {
	h := newHarness()
	var committed []item.Parsed
	h.committer = CommitFunc(func(_ context.Context, p item.Parsed) error {
		committed = append(committed, p)
		return nil
	})
	ctrl := h.controller()

	updates, err := ctrl.Start(context.Background())
	require.NoError(t, err)
	snaps := collectStates(t, updates)

	require.Equal(t, []fsm.State{fsm.StateCapturing, fsm.StateTranscribing, fsm.StateExtracting, fsm.StateSucceeded}, statesOf(snaps))
	final := snaps[len(snaps)-1]
	require.NoError(t, final.Err)
	require.NotNil(t, final.Item)
	require.Equal(t, "Bread", final.Item.Name)
	qty, known := final.Item.Quantity.Value()
	require.True(t, known)
	requireDecimal(t, 2, qty)
	requireDecimal(t, 50, final.Item.UnitPrice)

	require.Equal(t, "do bread pachas rupay", h.chat.received())
	require.Len(t, committed, 1)
	require.Equal(t, fsm.StateIdle, ctrl.State())
	require.Equal(t, int32(1), h.indicator.items.Load())
	require.Equal(t, int32(1), h.indicator.stopCues.Load())

	result := ctrl.Result()
	require.Equal(t, fsm.StateSucceeded, result.State)
	require.Equal(t, final.RunID, result.RunID)
	require.NotEmpty(t, result.RunID)
	require.Equal(t, int64(5*640), result.BytesCaptured)
	require.Equal(t, "do bread pachas rupay", result.Transcript)
	require.False(t, result.FinishedAt.Before(result.StartedAt))
}

func TestRunAlooScenarioCarriesUnit(t *testing.T) {
	h := newHarness()
	h.recognizer.text = "teen kilo aloo sau rupay"
	h.chat.content = `{"item":"Aloo","quantity":3,"price":100,"confidence":0.90,"unit":"kg"}`

	result := h.controller().Run(context.Background())
	require.NoError(t, result.Err)
	require.Equal(t, fsm.StateSucceeded, result.State)
	require.Equal(t, "Aloo", result.Item.Name)
	require.Equal(t, "kg", result.Item.Unit)
	requireDecimal(t, 100, result.Item.UnitPrice)
}

func TestRunProseReplyFailsMalformed(t *testing.T) {
	h := newHarness()
	h.chat.content = "Sorry, I could not understand the item you mentioned."
	var commits atomic.Int32
	h.committer = CommitFunc(func(context.Context, item.Parsed) error {
		commits.Add(1)
		return nil
	})

	result := h.controller().Run(context.Background())
	require.Equal(t, fsm.StateFailed, result.State)
	require.True(t, failure.IsKind(result.Err, failure.KindMalformedResponse))
	require.Nil(t, result.Item)
	require.Zero(t, commits.Load())
	require.Equal(t, []failure.Kind{failure.KindMalformedResponse}, h.indicator.shownFailures())
}

func TestRunExtractionDeadlineFailsWithNetworkTimeout(t *testing.T) {
	h := newHarness()
	h.chat.block = true
	h.extractCfg.Timeout = 80 * time.Millisecond
	ctrl := h.controller()

	started := time.Now()
	result := ctrl.Run(context.Background())
	elapsed := time.Since(started)

	require.Equal(t, fsm.StateFailed, result.State)
	require.True(t, failure.IsKind(result.Err, failure.KindNetworkTimeout), "got %v", result.Err)
	f, ok := result.Failure()
	require.True(t, ok)
	require.Equal(t, failure.StageExtraction, f.Stage)
	require.False(t, result.Cancelled)
	require.Less(t, elapsed, 80*time.Millisecond+time.Second)
}

func TestRunLowConfidenceNeverAutoFills(t *testing.T) {
	h := newHarness()
	h.chat.content = `{"item":"Bread","quantity":2,"price":50,"confidence":0.70}`
	var commits atomic.Int32
	h.committer = CommitFunc(func(context.Context, item.Parsed) error {
		commits.Add(1)
		return nil
	})

	result := h.controller().Run(context.Background())
	require.Equal(t, fsm.StateFailed, result.State)
	require.Nil(t, result.Item)
	require.Zero(t, commits.Load())
	require.Zero(t, h.indicator.items.Load())

	f, ok := result.Failure()
	require.True(t, ok)
	require.Equal(t, failure.KindLowConfidence, f.Kind)
	require.NotNil(t, f.Candidate)
	require.Equal(t, "Bread", f.Candidate.Name)
}

func TestRunSilentCaptureFailsBeforeTranscription(t *testing.T) {
	h := newHarness()
	h.device.amplitude = 0
	h.device.limit = 100 // 2s of 20ms chunks
	ctrl := h.controller()

	updates, err := ctrl.Start(context.Background())
	require.NoError(t, err)
	snaps := collectStates(t, updates)

	require.Equal(t, []fsm.State{fsm.StateCapturing, fsm.StateFailed}, statesOf(snaps))
	result := ctrl.Result()
	require.True(t, failure.IsKind(result.Err, failure.KindNoSpeechDetected))
	require.Nil(t, result.Item)
	require.Equal(t, int64(2*audio.SampleRate*2), result.BytesCaptured)
	require.Zero(t, h.recognizer.calls.Load())
	require.Zero(t, h.chat.calls.Load())
}

func TestRunBlankTranscriptFailsNoSpeech(t *testing.T) {
	h := newHarness()
	h.recognizer.text = "  ...  "

	result := h.controller().Run(context.Background())
	require.Equal(t, fsm.StateFailed, result.State)
	require.True(t, failure.IsKind(result.Err, failure.KindNoSpeechDetected))
	require.Zero(t, h.chat.calls.Load())
}

func TestRunTranscriptionReasonPropagatesUnchanged(t *testing.T) {
	h := newHarness()
	h.recognizer.err = &transcribe.ReasonError{Reason: transcribe.ReasonNetwork, Message: "connection reset"}

	result := h.controller().Run(context.Background())
	f, ok := result.Failure()
	require.True(t, ok)
	require.Equal(t, failure.KindNetworkTimeout, f.Kind)
	require.Equal(t, failure.StageTranscription, f.Stage)
	require.Zero(t, h.chat.calls.Load())
}

func TestRunPermissionDeniedShortCircuits(t *testing.T) {
	h := newHarness()
	h.permission = PermissionFunc(func(context.Context) error {
		return failure.New(failure.KindPermissionDenied, failure.StagePermission, "microphone access denied", nil)
	})

	result := h.controller().Run(context.Background())
	require.Equal(t, fsm.StateFailed, result.State)
	require.True(t, failure.IsKind(result.Err, failure.KindPermissionDenied))
	require.Zero(t, h.device.opened.Load())
	require.Zero(t, h.recognizer.calls.Load())
	require.Zero(t, h.chat.calls.Load())
}

func TestRunPlainPermissionErrorIsClassified(t *testing.T) {
	h := newHarness()
	h.permission = PermissionFunc(func(context.Context) error { return errors.New("portal said no") })

	result := h.controller().Run(context.Background())
	f, ok := result.Failure()
	require.True(t, ok)
	require.Equal(t, failure.KindPermissionDenied, f.Kind)
	require.Equal(t, failure.StagePermission, f.Stage)
}

func TestRunDeviceFailure(t *testing.T) {
	h := newHarness()
	h.device.openErr = errors.New("no such source")

	ctrl := h.controller()
	result := ctrl.Run(context.Background())
	require.Equal(t, fsm.StateFailed, result.State)
	require.True(t, failure.IsKind(result.Err, failure.KindDeviceUnavailable))
	require.Equal(t, fsm.StateIdle, ctrl.State())
}

func TestRunHandoffFailureKeepsSucceeded(t *testing.T) {
	h := newHarness()
	h.committer = CommitFunc(func(context.Context, item.Parsed) error { return errors.New("invoice-cli exited 2") })

	result := h.controller().Run(context.Background())
	require.Equal(t, fsm.StateSucceeded, result.State)
	require.NoError(t, result.Err)
	require.EqualError(t, result.HandoffErr, "invoice-cli exited 2")
}

func TestStartRejectsConcurrentRun(t *testing.T) {
	h := newHarness()
	h.device.limit = 0
	ctrl := h.controller()

	updates, err := ctrl.Start(context.Background())
	require.NoError(t, err)
	waitForState(t, ctrl, fsm.StateCapturing)

	_, err = ctrl.Start(context.Background())
	require.ErrorIs(t, err, ErrRunActive)
	second := ctrl.Run(context.Background())
	require.ErrorIs(t, second.Err, ErrRunActive)
	require.Equal(t, int32(1), h.device.opened.Load())

	require.True(t, ctrl.Cancel())
	collectStates(t, updates)
}

func TestStopFinishesCaptureEarly(t *testing.T) {
	h := newHarness()
	h.device.limit = 0
	ctrl := h.controller()

	updates, err := ctrl.Start(context.Background())
	require.NoError(t, err)
	waitFor(t, "device open", func() bool { return h.device.live.Load() == 1 })
	time.Sleep(20 * time.Millisecond)
	require.True(t, ctrl.Stop())

	snaps := collectStates(t, updates)
	require.Equal(t, fsm.StateSucceeded, snaps[len(snaps)-1].State)
	require.Zero(t, h.device.live.Load())
	require.Positive(t, ctrl.Result().BytesCaptured)
	require.False(t, ctrl.Stop())
}

// lateStopRecorder asks the controller to stop right after each capture returns,
// while the run is still in Capturing.
type lateStopRecorder struct {
	*audio.Recorder
	ctrl *Controller
}

func (r *lateStopRecorder) Record(ctx context.Context, maxDuration time.Duration, stop <-chan struct{}) (audio.Buffer, error) {
	buffer, err := r.Recorder.Record(ctx, maxDuration, stop)
	r.ctrl.Stop()
	return buffer, err
}

func TestLateStopDoesNotShortenNextRun(t *testing.T) {
	h := newHarness()
	rec := &lateStopRecorder{Recorder: audio.NewRecorder(h.device, nil)}
	ctrl := NewController(Options{
		Recorder:    rec,
		Transcriber: transcribe.NewService(h.recognizer, transcribe.Options{Timeout: time.Second}),
		Extractor:   extract.New(h.chat, h.extractCfg, nil),
		MaxDuration: 5 * time.Second,
		SilencePeak: 200,
	})
	rec.ctrl = ctrl

	first := ctrl.Run(context.Background())
	require.Equal(t, fsm.StateSucceeded, first.State)
	require.Equal(t, int64(5*640), first.BytesCaptured)

	second := ctrl.Run(context.Background())
	require.NoError(t, second.Err)
	require.Equal(t, fsm.StateSucceeded, second.State)
	require.Equal(t, int64(5*640), second.BytesCaptured)
	require.Zero(t, h.device.live.Load())
}

func TestStopBeforeRecordingStartsIsHonored(t *testing.T) {
	h := newHarness()
	h.device.limit = 0
	gate := make(chan struct{})
	h.permission = PermissionFunc(func(context.Context) error {
		<-gate
		return nil
	})
	ctrl := h.controller()

	updates, err := ctrl.Start(context.Background())
	require.NoError(t, err)
	waitForState(t, ctrl, fsm.StateCapturing)
	require.True(t, ctrl.Stop())
	close(gate)

	snaps := collectStates(t, updates)
	require.Equal(t, fsm.StateFailed, snaps[len(snaps)-1].State)
	require.True(t, failure.IsKind(snaps[len(snaps)-1].Err, failure.KindNoSpeechDetected))
	require.Zero(t, h.device.live.Load())
}

func TestCancelWhileCapturingReleasesDevice(t *testing.T) {
	h := newHarness()
	h.device.limit = 0
	ctrl := h.controller()

	updates, err := ctrl.Start(context.Background())
	require.NoError(t, err)
	waitFor(t, "device open", func() bool { return h.device.live.Load() == 1 })
	require.True(t, ctrl.Cancel())

	snaps := collectStates(t, updates)
	require.Equal(t, []fsm.State{fsm.StateCapturing, fsm.StateIdle}, statesOf(snaps))

	result := ctrl.Result()
	require.True(t, result.Cancelled)
	require.NoError(t, result.Err)
	require.Equal(t, fsm.StateIdle, result.State)
	require.Zero(t, h.device.live.Load())
	require.Equal(t, int32(1), h.indicator.cancelCues.Load())
	require.Empty(t, h.indicator.shownFailures())
	require.Zero(t, h.recognizer.calls.Load())

	// The microphone is free again.
	buf, err := h.recorder.Record(context.Background(), 30*time.Millisecond, nil)
	require.NoError(t, err)
	require.Positive(t, buf.Len())
}

func TestCancelWhileTranscribingAbortsRequest(t *testing.T) {
	h := newHarness()
	h.recognizer.block = true
	ctrl := h.controller()

	updates, err := ctrl.Start(context.Background())
	require.NoError(t, err)
	waitForState(t, ctrl, fsm.StateTranscribing)
	require.Zero(t, h.device.live.Load())
	require.True(t, ctrl.Cancel())

	snaps := collectStates(t, updates)
	require.Equal(t, fsm.StateIdle, snaps[len(snaps)-1].State)
	require.True(t, ctrl.Result().Cancelled)
	require.Zero(t, h.chat.calls.Load())
}

func TestCancelWhileExtractingDiscardsReply(t *testing.T) {
	h := newHarness()
	h.chat.block = true
	ctrl := h.controller()

	updates, err := ctrl.Start(context.Background())
	require.NoError(t, err)
	waitForState(t, ctrl, fsm.StateExtracting)
	require.True(t, ctrl.Cancel())

	snaps := collectStates(t, updates)
	require.Equal(t, fsm.StateIdle, snaps[len(snaps)-1].State)
	result := ctrl.Result()
	require.True(t, result.Cancelled)
	require.Nil(t, result.Item)
	require.Equal(t, "do bread pachas rupay", result.Transcript)
}

func TestParentContextCancellation(t *testing.T) {
	h := newHarness()
	h.device.limit = 0
	ctrl := h.controller()

	ctx, cancel := context.WithCancel(context.Background())
	resultCh := make(chan Result, 1)
	go func() {
		resultCh <- ctrl.Run(ctx)
	}()

	waitFor(t, "device open", func() bool { return h.device.live.Load() == 1 })
	cancel()

	result := <-resultCh
	require.True(t, result.Cancelled)
	require.ErrorIs(t, result.Err, context.Canceled)
	require.Equal(t, fsm.StateIdle, result.State)
	require.Zero(t, h.device.live.Load())
}

func TestNewRunAfterTerminalState(t *testing.T) {
	h := newHarness()
	ctrl := h.controller()

	first := ctrl.Run(context.Background())
	second := ctrl.Run(context.Background())
	require.Equal(t, fsm.StateSucceeded, first.State)
	require.Equal(t, fsm.StateSucceeded, second.State)
	require.NotEqual(t, first.RunID, second.RunID)
	require.Equal(t, int32(2), h.device.opened.Load())
}

func TestRunWithoutPipelineWiring(t *testing.T) {
	ctrl := NewController(Options{})
	result := ctrl.Run(context.Background())
	require.ErrorIs(t, result.Err, ErrPipelineUnavailable)
	require.Equal(t, fsm.StateIdle, result.State)
}

func TestCommitFuncDelegates(t *testing.T) {
	called := false
	commit := CommitFunc(func(_ context.Context, p item.Parsed) error {
		called = true
		require.Equal(t, "Bread", p.Name)
		return nil
	})

	require.NoError(t, commit.Commit(context.Background(), item.Parsed{Name: "Bread"}))
	require.True(t, called)
}
