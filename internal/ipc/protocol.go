// Package ipc carries run-control commands between khata processes over a unix socket.
package ipc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Commands understood by a running khata owner.
const (
	CommandStatus = "status"
	CommandStop   = "stop"
	CommandToggle = "toggle"
	CommandCancel = "cancel"
)

// maxMessageBytes bounds one newline-delimited message.
const maxMessageBytes = 16 << 10

type Request struct {
	Command string `json:"command"`
}

type Response struct {
	OK      bool   `json:"ok"`
	State   string `json:"state,omitempty"`
	RunID   string `json:"run_id,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Err converts a rejected response into an error.
func (r Response) Err() error {
	if r.OK {
		return nil
	}
	if r.Error == "" {
		return errors.New("request rejected")
	}
	return errors.New(r.Error)
}

func writeMessage(w io.Writer, v any) error {
	return json.NewEncoder(w).Encode(v)
}

// readMessage decodes one newline-terminated JSON value of at most maxMessageBytes.
func readMessage(r io.Reader, v any) error {
	reader := bufio.NewReaderSize(io.LimitReader(r, maxMessageBytes+1), 4096)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		if len(line) > maxMessageBytes {
			return fmt.Errorf("message exceeds %d bytes", maxMessageBytes)
		}
		return fmt.Errorf("read: %w", err)
	}
	if err := json.Unmarshal(line, v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}
