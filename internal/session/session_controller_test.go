package session

import (
	"context"
	"testing"

	"github.com/rbright/khata/internal/fsm"
	"github.com/rbright/khata/internal/ipc"
	"github.com/stretchr/testify/require"
)

func TestHandleStatusAndUnknownCommand(t *testing.T) {
	ctrl := newHarness().controller()

	status := ctrl.Handle(context.Background(), ipc.Request{Command: "status"})
	require.True(t, status.OK)
	require.Equal(t, string(fsm.StateIdle), status.State)

	unknown := ctrl.Handle(context.Background(), ipc.Request{Command: "definitely-unknown"})
	require.False(t, unknown.OK)
	require.Contains(t, unknown.Error, "unknown command")
}

func TestHandleGuardsIdleState(t *testing.T) {
	ctrl := newHarness().controller()

	stop := ctrl.Handle(context.Background(), ipc.Request{Command: "stop"})
	require.False(t, stop.OK)
	require.Contains(t, stop.Error, "cannot stop from state idle")

	toggle := ctrl.Handle(context.Background(), ipc.Request{Command: "toggle"})
	require.False(t, toggle.OK)
	require.Contains(t, toggle.Error, "cannot toggle from state idle")

	cancel := ctrl.Handle(context.Background(), ipc.Request{Command: "cancel"})
	require.False(t, cancel.OK)
	require.Contains(t, cancel.Error, "cannot cancel from state idle")
}

func TestHandleStopDuringCapture(t *testing.T) {
	h := newHarness()
	h.device.limit = 0
	ctrl := h.controller()

	updates, err := ctrl.Start(context.Background())
	require.NoError(t, err)
	waitFor(t, "device open", func() bool { return h.device.live.Load() == 1 })

	first := ctrl.Handle(context.Background(), ipc.Request{Command: "toggle"})
	require.True(t, first.OK)
	require.Equal(t, "stop requested", first.Message)
	require.Equal(t, string(fsm.StateCapturing), first.State)

	// The run may already be past capture; either way a repeat never starts a second stop.
	again := ctrl.Handle(context.Background(), ipc.Request{Command: "stop"})
	if again.OK {
		require.Equal(t, "stop already requested", again.Message)
	}

	snaps := collectStates(t, updates)
	require.Equal(t, fsm.StateSucceeded, snaps[len(snaps)-1].State)
}

func TestHandleStopWhileProcessingIsRejected(t *testing.T) {
	h := newHarness()
	h.recognizer.block = true
	ctrl := h.controller()

	updates, err := ctrl.Start(context.Background())
	require.NoError(t, err)
	waitForState(t, ctrl, fsm.StateTranscribing)

	stop := ctrl.Handle(context.Background(), ipc.Request{Command: "stop"})
	require.False(t, stop.OK)
	require.Equal(t, "already processing", stop.Error)
	require.Equal(t, ctrl.RunID(), stop.RunID)
	require.NotEmpty(t, stop.RunID)

	cancel := ctrl.Handle(context.Background(), ipc.Request{Command: "cancel"})
	require.True(t, cancel.OK)
	require.Equal(t, "cancel requested", cancel.Message)

	collectStates(t, updates)
	require.True(t, ctrl.Result().Cancelled)
}

func TestHandleCancelAlreadyRequested(t *testing.T) {
	h := newHarness()
	h.chat.block = true
	ctrl := h.controller()

	updates, err := ctrl.Start(context.Background())
	require.NoError(t, err)
	waitForState(t, ctrl, fsm.StateExtracting)

	// Simulate a cancel the run has not observed yet.
	ctrl.mu.Lock()
	ctrl.cancelRequested = true
	ctrl.mu.Unlock()

	repeat := ctrl.Handle(context.Background(), ipc.Request{Command: "cancel"})
	require.True(t, repeat.OK)
	require.Equal(t, "cancel already requested", repeat.Message)

	ctrl.mu.Lock()
	ctrl.cancelRequested = false
	ctrl.mu.Unlock()
	require.True(t, ctrl.Cancel())
	collectStates(t, updates)
}
