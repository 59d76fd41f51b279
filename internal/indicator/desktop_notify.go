package indicator

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

const (
	notifyDest  = "org.freedesktop.Notifications"
	notifyPath  = "/org/freedesktop/Notifications"
	notifyIface = "org.freedesktop.Notifications"
	notifyIcon  = "accessories-text-editor"
)

type notification struct {
	appName   string
	replaceID uint32
	summary   string
	body      string
	timeoutMS int
}

// desktopNotify sends a freedesktop notification over the user bus and
// returns the id assigned by the server.
func desktopNotify(ctx context.Context, n notification) (uint32, error) {
	out, err := busctl(ctx, "Notify", "susssasa{sv}i",
		n.appName,
		strconv.FormatUint(uint64(n.replaceID), 10),
		notifyIcon,
		n.summary,
		n.body,
		"0", // actions
		"0", // hints
		strconv.Itoa(n.timeoutMS),
	)
	if err != nil {
		return 0, fmt.Errorf("desktop notify failed: %w", err)
	}

	fields := strings.Fields(out)
	if len(fields) < 2 || fields[0] != "u" {
		return 0, fmt.Errorf("desktop notify invalid response: %q", out)
	}
	id, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("desktop notify parse id %q: %w", fields[1], err)
	}
	return uint32(id), nil
}

func desktopDismiss(ctx context.Context, id uint32) error {
	if _, err := busctl(ctx, "CloseNotification", "u", strconv.FormatUint(uint64(id), 10)); err != nil {
		return fmt.Errorf("desktop dismiss failed: %w", err)
	}
	return nil
}

func busctl(ctx context.Context, method string, signature string, args ...string) (string, error) {
	argv := append([]string{"--user", "call", notifyDest, notifyPath, notifyIface, method, signature}, args...)
	out, err := exec.CommandContext(ctx, "busctl", argv...).CombinedOutput()
	trimmed := strings.TrimSpace(string(out))
	if err != nil {
		if trimmed == "" {
			return "", err
		}
		return "", fmt.Errorf("%w (%s)", err, trimmed)
	}
	return trimmed, nil
}
