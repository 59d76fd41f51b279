package output

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rbright/khata/internal/item"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func rice() item.Parsed {
	return item.Parsed{
		Name:       "Rice",
		Quantity:   item.QuantityOf(decimal.NewFromInt(5)),
		UnitPrice:  decimal.NewFromInt(60),
		Unit:       "kg",
		Confidence: 0.93,
	}
}

func TestCommitPipesJSONToCommand(t *testing.T) {
	scriptPath := writeStdinCaptureScript(t)
	outputPath := filepath.Join(t.TempDir(), "item.json")

	h := NewHandoff([]string{scriptPath, outputPath}, nil, nil)
	require.NoError(t, h.Commit(context.Background(), rice()))

	data, err := os.ReadFile(outputPath)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, "Rice", got["name"])
	require.Equal(t, "kg", got["unit"])
	require.Equal(t, "5", got["quantity"])
	require.Equal(t, "300", got["line_total"])
	require.InDelta(t, 0.93, got["confidence"], 1e-9)
}

func TestCommitWritesStdoutWithoutCommand(t *testing.T) {
	var out bytes.Buffer
	p := rice()
	p.Quantity = item.Unknown

	h := NewHandoff(nil, &out, nil)
	require.NoError(t, h.Commit(context.Background(), p))

	require.Equal(t, byte('\n'), out.Bytes()[out.Len()-1])
	var got map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	require.Nil(t, got["quantity"])
	require.Nil(t, got["line_total"])
}

func TestCommitReportsCommandFailure(t *testing.T) {
	failScript := writeFailScript(t, "invoice form closed")

	h := NewHandoff([]string{failScript}, nil, nil)
	err := h.Commit(context.Background(), rice())
	require.Error(t, err)
	require.Contains(t, err.Error(), "hand off item")
	require.Contains(t, err.Error(), "invoice form closed")
}

func TestCommitTimesOut(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "slow.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/usr/bin/env bash\nexec sleep 5\n"), 0o755))

	h := NewHandoff([]string{path}, nil, nil)
	h.Timeout = 50 * time.Millisecond

	started := time.Now()
	err := h.Commit(context.Background(), rice())
	require.Error(t, err)
	require.Less(t, time.Since(started), 3*time.Second)
}

func TestRunCommandWithInputRejectsEmptyArgv(t *testing.T) {
	err := runCommandWithInput(context.Background(), nil, []byte("payload"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "argv cannot be empty")
}

func writeStdinCaptureScript(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "capture-stdin.sh")
	script := `#!/usr/bin/env bash
set -euo pipefail
cat > "$1"
`
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func writeFailScript(t *testing.T, message string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "fail.sh")
	script := "#!/usr/bin/env bash\nset -euo pipefail\necho " + "\"" + message + "\"" + " >&2\nexit 1\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}
