package audio

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rbright/khata/internal/failure"
)

// MaxDuration is the hard ceiling for one recording.
const MaxDuration = 30 * time.Second

// ErrRecorderBusy indicates another Record call currently owns the device.
var ErrRecorderBusy = errors.New("audio device is already recording")

// Stream is an open capture device emitting PCM chunks.
//
// Stop releases the device, flushes any buffered remainder, and closes Chunks.
// The flush may block until the remainder is read. Stop must be safe to call more than once.
type Stream interface {
	Chunks() <-chan []byte
	Stop() error
}

// Opener acquires the capture device.
type Opener interface {
	Open(context.Context) (Stream, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(context.Context) (Stream, error)

func (f OpenerFunc) Open(ctx context.Context) (Stream, error) {
	return f(ctx)
}

// Recorder owns the microphone for the duration of one Record call.
type Recorder struct {
	opener Opener
	logger *slog.Logger

	mu   sync.Mutex
	busy bool
}

// NewRecorder constructs a recorder on top of a device opener.
func NewRecorder(opener Opener, logger *slog.Logger) *Recorder {
	return &Recorder{opener: opener, logger: logger}
}

// Record captures PCM until maxDuration elapses, stop is closed, or the device ends the stream.
// A nil stop channel never fires.
//
// Cancelling ctx aborts the capture and returns ctx.Err(). The device is released before
// Record returns on every path.
func (r *Recorder) Record(ctx context.Context, maxDuration time.Duration, stop <-chan struct{}) (Buffer, error) {
	if maxDuration <= 0 || maxDuration > MaxDuration {
		maxDuration = MaxDuration
	}

	if err := r.acquire(); err != nil {
		return Buffer{}, err
	}
	defer r.release()

	stream, err := r.opener.Open(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return Buffer{}, ctx.Err()
		}
		return Buffer{}, classifyDevice(err)
	}
	var stopOnce sync.Once
	stopStream := func() {
		stopOnce.Do(func() {
			if err := stream.Stop(); err != nil {
				r.logDebug("stop capture stream", err)
			}
		})
	}
	defer stopStream()

	timer := time.NewTimer(maxDuration)
	defer timer.Stop()

	var pcm []byte
	chunks := stream.Chunks()

read:
	for {
		select {
		case <-ctx.Done():
			drain(stopStream, chunks)
			return Buffer{}, ctx.Err()
		case <-timer.C:
			break read
		case <-stop:
			break read
		case chunk, ok := <-chunks:
			if !ok {
				break read
			}
			pcm = append(pcm, chunk...)
		}
	}

	pcm = append(pcm, drain(stopStream, chunks)...)
	if len(pcm) == 0 {
		return Buffer{}, failure.New(failure.KindNoSpeechDetected, failure.StageCapture, "empty capture: no audio bytes recorded", nil)
	}
	return NewBuffer(pcm), nil
}

// drain stops the stream while reading whatever it still emits until Chunks closes.
func drain(stop func(), chunks <-chan []byte) []byte {
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		stop()
	}()

	var rest []byte
	for chunk := range chunks {
		rest = append(rest, chunk...)
	}
	<-stopped
	return rest
}

// Busy reports whether a recording currently holds the device.
func (r *Recorder) Busy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.busy
}

func (r *Recorder) acquire() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.busy {
		return failure.New(failure.KindDeviceUnavailable, failure.StageCapture, "", ErrRecorderBusy)
	}
	r.busy = true
	return nil
}

func (r *Recorder) release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.busy = false
}

func (r *Recorder) logDebug(message string, err error) {
	if r.logger == nil || err == nil {
		return
	}
	r.logger.Debug(message, "error", err.Error())
}
