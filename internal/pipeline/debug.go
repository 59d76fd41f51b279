package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rbright/khata/internal/audio"
	"github.com/rbright/khata/internal/logging"
	"github.com/rbright/khata/internal/session"
)

// createDebugFile creates timestamped debug artifacts under state/khata/debug.
func createDebugFile(prefix string, extension string) (*os.File, error) {
	stateDir, err := logging.StateDir()
	if err != nil {
		return nil, fmt.Errorf("resolve state dir: %w", err)
	}
	debugDir := filepath.Join(stateDir, "debug")
	if err := os.MkdirAll(debugDir, 0o700); err != nil {
		return nil, fmt.Errorf("create debug dir: %w", err)
	}

	timestamp := time.Now().Format("20060102-150405.000")
	path := filepath.Join(debugDir, fmt.Sprintf("%s-%s.%s", prefix, timestamp, extension))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open debug file %q: %w", path, err)
	}
	return file, nil
}

// dumpRecorder writes every finished capture to a WAV file before handing it on.
type dumpRecorder struct {
	session.Recorder
	logger *slog.Logger
}

func (d dumpRecorder) Record(ctx context.Context, maxDuration time.Duration, stop <-chan struct{}) (audio.Buffer, error) {
	buffer, err := d.Recorder.Record(ctx, maxDuration, stop)
	if err == nil {
		d.write(buffer)
	}
	return buffer, err
}

func (d dumpRecorder) write(buffer audio.Buffer) {
	if buffer.Len() == 0 {
		return
	}
	file, err := createDebugFile("audio", "wav")
	if err != nil {
		d.warn("unable to create debug audio dump", err)
		return
	}
	defer file.Close()

	if err := audio.EncodeWAV(file, buffer.PCM, buffer.SampleRate, buffer.Channels); err != nil {
		d.warn("unable to write debug audio dump", err)
	}
}

func (d dumpRecorder) warn(message string, err error) {
	if d.logger == nil {
		return
	}
	d.logger.Warn(message, "error", err.Error())
}

// responseSink appends recognize responses to one file opened on first write.
type responseSink struct {
	mu     sync.Mutex
	file   *os.File
	failed bool
}

func (s *responseSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		if s.failed {
			return len(p), nil
		}
		file, err := createDebugFile("google", "jsonl")
		if err != nil {
			s.failed = true
			return 0, err
		}
		s.file = file
	}
	return s.file.Write(p)
}

// Shutdown closes the dump file. The injector calls it on teardown.
func (s *responseSink) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
