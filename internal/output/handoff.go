// Package output hands a succeeded line item to the invoice form.
package output

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/rbright/khata/internal/item"
)

// DefaultTimeout bounds one hand-off command.
const DefaultTimeout = 2 * time.Second

// Handoff delivers items as one JSON line, either to a command's stdin or to Stdout.
type Handoff struct {
	Argv    []string
	Stdout  io.Writer
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewHandoff constructs a hand-off for argv. An empty argv prints to stdout.
func NewHandoff(argv []string, stdout io.Writer, logger *slog.Logger) *Handoff {
	return &Handoff{Argv: argv, Stdout: stdout, Timeout: DefaultTimeout, Logger: logger}
}

// Commit encodes p and delivers it.
func (h *Handoff) Commit(ctx context.Context, p item.Parsed) error {
	payload, err := Encode(p)
	if err != nil {
		return err
	}

	if len(h.Argv) == 0 {
		if h.Stdout == nil {
			return nil
		}
		if _, err := h.Stdout.Write(payload); err != nil {
			return fmt.Errorf("write item: %w", err)
		}
		return nil
	}

	timeout := h.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := runCommandWithInput(cmdCtx, h.Argv, payload); err != nil {
		return fmt.Errorf("hand off item: %w", err)
	}
	if h.Logger != nil {
		h.Logger.Debug("item handed off", "command", h.Argv[0], "bytes", len(payload))
	}
	return nil
}

// Encode renders p as a newline-terminated JSON object.
func Encode(p item.Parsed) ([]byte, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode item: %w", err)
	}
	return append(payload, '\n'), nil
}

// runCommandWithInput executes argv with input on stdin.
func runCommandWithInput(ctx context.Context, argv []string, input []byte) error {
	if len(argv) == 0 {
		return fmt.Errorf("command argv cannot be empty")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("run %s: %w: %s", argv[0], err, msg)
		}
		return fmt.Errorf("run %s: %w", argv[0], err)
	}
	return nil
}
