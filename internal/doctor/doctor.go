// Package doctor runs runtime readiness diagnostics for config, audio, and remote services.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/rbright/khata/internal/audio"
	"github.com/rbright/khata/internal/config"
	"github.com/rbright/khata/internal/extract"
	"github.com/rbright/khata/internal/transcribe"
)

const probeTimeout = 3 * time.Second

// Check is one doctor assertion result.
type Check struct {
	Name    string
	Pass    bool
	Message string
}

// Report is the full doctor output contract.
type Report struct {
	Checks []Check
}

// OK returns true when all checks pass.
func (r Report) OK() bool {
	for _, check := range r.Checks {
		if !check.Pass {
			return false
		}
	}
	return true
}

// String renders the report as user-facing text output.
func (r Report) String() string {
	var b strings.Builder
	for _, check := range r.Checks {
		status := "OK"
		if !check.Pass {
			status = "FAIL"
		}
		b.WriteString(fmt.Sprintf("[%s] %s: %s\n", status, check.Name, check.Message))
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// Run executes environment/config/runtime checks for a loaded config.
func Run(ctx context.Context, loaded config.Loaded) Report {
	cfg := loaded.Config
	checks := []Check{{
		Name:    "config",
		Pass:    true,
		Message: fmt.Sprintf("loaded %q", loaded.Path),
	}}

	checks = append(checks, checkAudioSelection(ctx, cfg))
	checks = append(checks, checkPermission(ctx))
	checks = append(checks, checkTranscription(ctx, cfg))
	checks = append(checks, checkExtraction(ctx, cfg))

	if len(cfg.Handoff.Argv) > 0 {
		checks = append(checks, checkCommand(cfg.Handoff.Argv, "handoff_cmd"))
	} else {
		checks = append(checks, Check{Name: "handoff_cmd", Pass: true, Message: "not set; items print to stdout"})
	}

	if cfg.Indicator.Enable {
		checks = append(checks, checkEnv("DBUS_SESSION_BUS_ADDRESS", func(v string) bool {
			return strings.TrimSpace(v) != ""
		}, "session bus available for notifications", "DBUS_SESSION_BUS_ADDRESS is empty"))
		checks = append(checks, checkBinary("busctl", "desktop notifications"))
	}

	return Report{Checks: checks}
}

// checkEnv validates an environment variable through a caller-supplied predicate.
func checkEnv(name string, predicate func(string) bool, okMsg, failMsg string) Check {
	value := os.Getenv(name)
	if predicate(value) {
		return Check{Name: name, Pass: true, Message: okMsg}
	}
	return Check{Name: name, Pass: false, Message: failMsg}
}

// checkCommand validates that argv contains a runnable command.
func checkCommand(argv []string, name string) Check {
	if len(argv) == 0 {
		return Check{Name: name, Pass: false, Message: "command is empty"}
	}
	return checkBinary(argv[0], fmt.Sprintf("%s command is available", name))
}

// checkBinary validates that a binary exists in PATH.
func checkBinary(bin string, okMsg string) Check {
	path, err := exec.LookPath(bin)
	if err != nil {
		return Check{Name: bin, Pass: false, Message: fmt.Sprintf("binary not found in PATH: %s", bin)}
	}
	return Check{Name: bin, Pass: true, Message: fmt.Sprintf("found at %s (%s)", path, okMsg)}
}

// checkAudioSelection runs live device selection to surface selection/fallback issues.
func checkAudioSelection(ctx context.Context, cfg config.Config) Check {
	selection, err := audio.SelectDevice(ctx, cfg.Audio.Input, cfg.Audio.Fallback)
	if err != nil {
		return Check{Name: "audio.device", Pass: false, Message: err.Error()}
	}
	message := fmt.Sprintf("selected %q", selection.Device.ID)
	if selection.Warning != "" {
		message = message + " (" + selection.Warning + ")"
	}
	return Check{Name: "audio.device", Pass: true, Message: message}
}

func checkPermission(ctx context.Context) Check {
	if err := (audio.PulsePermission{}).Check(ctx); err != nil {
		return Check{Name: "audio.permission", Pass: false, Message: err.Error()}
	}
	return Check{Name: "audio.permission", Pass: true, Message: "microphone access not refused"}
}

func checkTranscription(ctx context.Context, cfg config.Config) Check {
	const name = "transcription"
	tc := cfg.Transcription

	switch tc.Backend {
	case config.BackendGoogle:
		if strings.TrimSpace(tc.Google.ProjectID) == "" {
			return Check{Name: name, Pass: false, Message: "transcription.google.project_id is empty"}
		}
		if err := transcribe.CheckGoogleCredentials(tc.Google.CredentialsJSON); err != nil {
			return Check{Name: name, Pass: false, Message: fmt.Sprintf("google credentials: %v", err)}
		}
		return Check{Name: name, Pass: true, Message: fmt.Sprintf("google project %q in %s", tc.Google.ProjectID, tc.Google.Location)}
	default:
		if strings.TrimSpace(tc.OpenAI.APIKey) == "" && strings.TrimSpace(tc.OpenAI.BaseURL) == "" {
			return Check{Name: name, Pass: false, Message: "OPENAI_API_KEY is empty"}
		}
		return checkEndpoint(ctx, name, tc.OpenAI.APIKey, tc.OpenAI.BaseURL)
	}
}

func checkExtraction(ctx context.Context, cfg config.Config) Check {
	const name = "extraction"
	ec := cfg.Extraction
	if strings.TrimSpace(ec.APIKey) == "" && strings.TrimSpace(ec.BaseURL) == "" {
		return Check{Name: name, Pass: false, Message: "extraction api key is empty (set KHATA_EXTRACTION_API_KEY or OPENAI_API_KEY)"}
	}
	check := checkEndpoint(ctx, name, ec.APIKey, ec.BaseURL)
	if check.Pass {
		check.Message = fmt.Sprintf("%s, model %s", check.Message, ec.Model)
	}
	return check
}

// checkEndpoint lists models to confirm the endpoint answers and accepts the key.
func checkEndpoint(ctx context.Context, name string, apiKey string, baseURL string) Check {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	endpoint := strings.TrimSpace(baseURL)
	if endpoint == "" {
		endpoint = openai.DefaultConfig("").BaseURL
	}

	_, err := extract.NewClient(apiKey, baseURL).ListModels(probeCtx)
	if err == nil {
		return Check{Name: name, Pass: true, Message: fmt.Sprintf("reachable at %s", endpoint)}
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return Check{Name: name, Pass: false, Message: fmt.Sprintf("credentials rejected by %s (HTTP %d)", endpoint, apiErr.HTTPStatusCode)}
		default:
			return Check{Name: name, Pass: false, Message: fmt.Sprintf("HTTP %d from %s", apiErr.HTTPStatusCode, endpoint)}
		}
	}
	return Check{Name: name, Pass: false, Message: fmt.Sprintf("request failed: %v", err)}
}
