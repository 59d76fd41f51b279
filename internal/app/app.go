// Package app dispatches parsed CLI commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/rbright/khata/internal/audio"
	"github.com/rbright/khata/internal/cli"
	"github.com/rbright/khata/internal/config"
	"github.com/rbright/khata/internal/doctor"
	"github.com/rbright/khata/internal/extract"
	"github.com/rbright/khata/internal/failure"
	"github.com/rbright/khata/internal/ipc"
	"github.com/rbright/khata/internal/item"
	"github.com/rbright/khata/internal/logging"
	"github.com/rbright/khata/internal/output"
	"github.com/rbright/khata/internal/pipeline"
	"github.com/rbright/khata/internal/session"
	"github.com/rbright/khata/internal/version"
)

const forwardTimeout = 220 * time.Millisecond

type Runner struct {
	Stdout io.Writer
	Stderr io.Writer
	Logger *slog.Logger
}

func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	r := Runner{Stdout: stdout, Stderr: stderr}
	return r.Execute(ctx, args)
}

func (r Runner) Execute(ctx context.Context, args []string) int {
	parsed, err := cli.Parse(args)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n\n", err)
		fmt.Fprint(r.Stderr, cli.HelpText("khata"))
		return 2
	}

	if parsed.ShowHelp {
		fmt.Fprint(r.Stdout, cli.HelpText("khata"))
		return 0
	}

	if parsed.Command == cli.CommandVersion {
		fmt.Fprintln(r.Stdout, version.String())
		return 0
	}

	cfgLoaded, err := config.Load(parsed.ConfigPath)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	logRuntime, err := logging.New(logging.Options{Verbose: cfgLoaded.Config.Debug.Verbose})
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: setup logging: %v\n", err)
		return 1
	}
	defer func() { _ = logRuntime.Close() }()

	logger := r.Logger
	if logger == nil {
		logger = logRuntime.Logger
	}

	for _, w := range cfgLoaded.Warnings {
		msg := w.Message
		if w.Line > 0 {
			msg = fmt.Sprintf("line %d: %s", w.Line, w.Message)
		}
		fmt.Fprintf(r.Stderr, "warning: %s\n", msg)
		logger.Warn("config warning", "line", w.Line, "message", w.Message)
	}

	logger.Info("command start",
		"command", parsed.Command,
		"config", cfgLoaded.Path,
		"log", logRuntime.Path,
	)

	switch parsed.Command {
	case cli.CommandDoctor:
		report := doctor.Run(ctx, cfgLoaded)
		fmt.Fprintln(r.Stdout, report.String())
		if report.OK() {
			return 0
		}
		return 1
	case cli.CommandDevices:
		return r.commandDevices(ctx)
	case cli.CommandStatus:
		return r.commandStatus(ctx)
	case cli.CommandExtract:
		return r.commandExtract(ctx, cfgLoaded.Config, parsed, logger)
	case cli.CommandStop:
		return r.forwardOrFail(ctx, ipc.CommandStop)
	case cli.CommandCancel:
		return r.forwardOrFail(ctx, ipc.CommandCancel)
	case cli.CommandToggle:
		return r.commandRecord(ctx, cfgLoaded.Config, logger, true)
	case cli.CommandRecord:
		return r.commandRecord(ctx, cfgLoaded.Config, logger, false)
	default:
		fmt.Fprintf(r.Stderr, "error: unsupported command %q\n", parsed.Command)
		return 2
	}
}

func (r Runner) commandDevices(ctx context.Context) int {
	devices, err := audio.ListDevices(ctx)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	if len(devices) == 0 {
		fmt.Fprintln(r.Stdout, "no audio devices found")
		return 1
	}

	for _, device := range devices {
		defaultMark := " "
		if device.Default {
			defaultMark = "*"
		}
		fmt.Fprintf(
			r.Stdout,
			"%s id=%s | description=%q | state=%s | available=%s | muted=%s\n",
			defaultMark,
			device.ID,
			device.Description,
			device.State,
			yesNo(device.Available),
			yesNo(device.Muted),
		)
	}

	return 0
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func (r Runner) commandStatus(ctx context.Context) int {
	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		fmt.Fprintln(r.Stdout, "idle")
		return 0
	}

	resp, handled, err := tryForward(ctx, socketPath, ipc.CommandStatus)
	if !handled {
		fmt.Fprintln(r.Stdout, "idle")
		return 0
	}
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	if resp.State == "" {
		resp.State = "idle"
	}
	if resp.RunID != "" {
		fmt.Fprintf(r.Stdout, "%s run=%s\n", resp.State, resp.RunID)
		return 0
	}
	fmt.Fprintln(r.Stdout, resp.State)
	return 0
}

func (r Runner) forwardOrFail(ctx context.Context, command string) int {
	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	resp, handled, err := tryForward(ctx, socketPath, command)
	if !handled {
		fmt.Fprintf(r.Stderr, "error: no active khata run\n")
		return 1
	}
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	if resp.Message != "" {
		fmt.Fprintln(r.Stdout, resp.Message)
	}
	return 0
}

// commandRecord owns one run. With forward set, an active owner receives a toggle instead.
func (r Runner) commandRecord(ctx context.Context, cfg config.Config, logger *slog.Logger, forward bool) int {
	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	if forward {
		resp, handled, err := tryForward(ctx, socketPath, ipc.CommandToggle)
		if handled {
			return r.printForwarded(resp, err)
		}
	}

	listener, err := ipc.Acquire(ctx, socketPath, ipc.AcquireOptions{ProbeTimeout: 180 * time.Millisecond, Retries: 8})
	if err != nil {
		if errors.Is(err, ipc.ErrAlreadyRunning) && forward {
			resp, _, forwardErr := tryForward(ctx, socketPath, ipc.CommandToggle)
			return r.printForwarded(resp, forwardErr)
		}
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	defer func() {
		_ = listener.Close()
		_ = os.Remove(socketPath)
	}()

	p, err := pipeline.Build(cfg, pipeline.Options{Logger: logger, Stdout: r.Stdout})
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	defer p.Close()

	serverCtx, serverCancel := context.WithCancel(ctx)
	defer serverCancel()

	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- ipc.Serve(serverCtx, listener, p.Controller)
	}()

	result := p.Controller.Run(ctx)
	serverCancel()
	if serverErr := <-serverErrCh; serverErr != nil {
		fmt.Fprintf(r.Stderr, "error: ipc server failed: %v\n", serverErr)
		return 1
	}

	return r.reportResult(result, len(cfg.Handoff.Argv) > 0)
}

func (r Runner) printForwarded(resp ipc.Response, err error) int {
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	if resp.Message != "" {
		fmt.Fprintln(r.Stdout, resp.Message)
	}
	return 0
}

// reportResult prints the run outcome. Item JSON itself is written by the hand-off.
func (r Runner) reportResult(result session.Result, handedToCommand bool) int {
	if result.Cancelled {
		fmt.Fprintln(r.Stdout, "cancelled")
		return 0
	}
	if f, ok := result.Failure(); ok {
		r.printFailure(f)
		return 1
	}
	if result.Err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", result.Err)
		return 1
	}
	if result.HandoffErr != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", result.HandoffErr)
		return 1
	}
	if handedToCommand && result.Item != nil {
		fmt.Fprintf(r.Stdout, "added: %s\n", result.Item)
	}
	return 0
}

func (r Runner) printFailure(f *failure.Error) {
	fmt.Fprintf(r.Stderr, "error: %v\n", f)
	if f.Candidate == nil {
		return
	}
	payload, err := output.Encode(*f.Candidate)
	if err != nil {
		return
	}
	fmt.Fprintf(r.Stderr, "candidate: %s", payload)
}

func (r Runner) commandExtract(ctx context.Context, cfg config.Config, parsed cli.Parsed, logger *slog.Logger) int {
	var (
		extracted item.Parsed
		err       error
	)
	if parsed.Raw {
		extracted, err = extract.ParseReply(parsed.Text())
	} else {
		client := extract.NewClient(cfg.Extraction.APIKey, cfg.Extraction.BaseURL)
		extracted, err = extract.New(client, pipeline.ExtractionConfig(cfg.Extraction), logger).Extract(ctx, parsed.Text())
	}
	if err != nil {
		if f, ok := failure.As(err); ok {
			r.printFailure(f)
		} else {
			fmt.Fprintf(r.Stderr, "error: %v\n", err)
		}
		return 1
	}

	payload, err := output.Encode(extracted)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	_, _ = r.Stdout.Write(payload)
	return 0
}

func tryForward(ctx context.Context, socketPath string, command string) (ipc.Response, bool, error) {
	resp, err := ipc.Send(ctx, socketPath, ipc.Request{Command: command}, forwardTimeout)
	if err == nil {
		return resp, true, resp.Err()
	}

	if isSocketMissing(err) || isConnectionRefused(err) {
		return ipc.Response{}, false, nil
	}

	return ipc.Response{}, true, fmt.Errorf("forward command %q: %w", command, err)
}

func isSocketMissing(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, os.ErrNotExist) ||
		strings.Contains(err.Error(), "no such file or directory")
}

func isConnectionRefused(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, syscall.ECONNREFUSED)
}
