package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// ErrAlreadyRunning means another khata process owns the control socket.
var ErrAlreadyRunning = errors.New("khata run already active")

// RuntimeSocketPath returns $XDG_RUNTIME_DIR/khata.sock.
func RuntimeSocketPath() (string, error) {
	runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR"))
	if runtimeDir == "" {
		return "", errors.New("XDG_RUNTIME_DIR is not set")
	}
	return filepath.Join(runtimeDir, "khata.sock"), nil
}

// AcquireOptions tunes stale-socket recovery.
type AcquireOptions struct {
	ProbeTimeout time.Duration
	Retries      int
	// Rescue runs after a stale socket is removed, e.g. to release devices a crashed owner held.
	Rescue func(context.Context) error
}

// Acquire binds the control socket, replacing a stale one left by a dead owner.
// It returns ErrAlreadyRunning when a live owner answers on path.
func Acquire(ctx context.Context, path string, opts AcquireOptions) (net.Listener, error) {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 200 * time.Millisecond
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("ensure runtime socket dir: %w", err)
	}

	for attempt := 0; attempt <= opts.Retries; attempt++ {
		listener, err := net.Listen("unix", path)
		if err == nil {
			_ = os.Chmod(path, 0o600)
			return listener, nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) {
			return nil, fmt.Errorf("listen unix %s: %w", path, err)
		}

		alive, probeErr := Probe(ctx, path, opts.ProbeTimeout)
		if alive {
			return nil, ErrAlreadyRunning
		}
		if probeErr != nil {
			return nil, fmt.Errorf("probe existing socket %s: %w", path, probeErr)
		}

		if removeErr := os.Remove(path); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale socket %s: %w", path, removeErr)
		}
		if opts.Rescue != nil {
			_ = opts.Rescue(ctx)
		}

		if attempt < opts.Retries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(25*(attempt+1)) * time.Millisecond):
			}
		}
	}

	return nil, fmt.Errorf("failed to acquire socket %s after %d retries", path, opts.Retries)
}
