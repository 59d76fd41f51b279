package cli

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseDefaultsToHelp(t *testing.T) {
	parsed, err := Parse(nil)
	require.NoError(t, err)
	require.True(t, parsed.ShowHelp)
	require.Equal(t, CommandHelp, parsed.Command)
}

func TestParseCommandWithConfig(t *testing.T) {
	parsed, err := Parse([]string{"--config", "/tmp/khata.jsonc", "doctor"})
	require.NoError(t, err)
	require.Equal(t, CommandDoctor, parsed.Command)
	require.Equal(t, "/tmp/khata.jsonc", parsed.ConfigPath)
	require.False(t, parsed.ShowHelp)
}

func TestParseExtract(t *testing.T) {
	parsed, err := Parse([]string{"--config", "/tmp/cfg", "extract", "paanch", "kilo", "chawal", "saath", "rupay"})
	require.NoError(t, err)
	require.Equal(t, CommandExtract, parsed.Command)
	require.False(t, parsed.Raw)
	require.Equal(t, "paanch kilo chawal saath rupay", parsed.Text())
	require.Equal(t, "/tmp/cfg", parsed.ConfigPath)

	raw, err := Parse([]string{"extract", "--raw", `{"item":"Bread","quantity":2,"price":40}`})
	require.NoError(t, err)
	require.True(t, raw.Raw)
	require.Equal(t, `{"item":"Bread","quantity":2,"price":40}`, raw.Text())

	dashed, err := Parse([]string{"extract", "--", "--raw"})
	require.NoError(t, err)
	require.False(t, dashed.Raw)
	require.Equal(t, "--raw", dashed.Text())
}

func TestParseArgMatrix(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		wantErr  string
		wantCmd  Command
		wantHelp bool
		wantPath string
	}{
		{
			name:     "help short flag",
			args:     []string{"-h"},
			wantCmd:  CommandHelp,
			wantHelp: true,
		},
		{
			name:     "help long flag",
			args:     []string{"--help"},
			wantCmd:  CommandHelp,
			wantHelp: true,
		},
		{
			name:    "version flag",
			args:    []string{"--version"},
			wantCmd: CommandVersion,
		},
		{
			name:    "config after command",
			args:    []string{"status", "--config", "/tmp/cfg"},
			wantErr: "unexpected arguments after command",
		},
		{
			name:    "missing config path",
			args:    []string{"--config"},
			wantErr: "requires a path",
		},
		{
			name:    "unknown flag",
			args:    []string{"--bogus"},
			wantErr: "unknown flag",
		},
		{
			name:    "unknown command",
			args:    []string{"bogus"},
			wantErr: "unknown command",
		},
		{
			name:    "extra args after command",
			args:    []string{"doctor", "extra"},
			wantErr: "unexpected arguments",
		},
		{
			name:    "extract without text",
			args:    []string{"extract", "--raw", "  "},
			wantErr: "extract requires text",
		},
		{
			name:    "record command",
			args:    []string{"record"},
			wantCmd: CommandRecord,
		},
		{
			name:    "valid cancel command",
			args:    []string{"cancel"},
			wantCmd: CommandCancel,
		},
		{
			name:     "valid stop with config",
			args:     []string{"--config", "/tmp/cfg", "stop"},
			wantCmd:  CommandStop,
			wantPath: "/tmp/cfg",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			parsed, err := Parse(tc.args)
			if tc.wantErr != "" {
				require.Error(t, err)
				require.Contains(t, err.Error(), tc.wantErr)
				return
			}

			require.NoError(t, err)
			require.Equal(t, tc.wantCmd, parsed.Command)
			require.Equal(t, tc.wantHelp, parsed.ShowHelp)
			require.Equal(t, tc.wantPath, parsed.ConfigPath)
		})
	}
}

func TestHelpTextIncludesCoreCommands(t *testing.T) {
	text := HelpText("khata")
	for _, want := range []string{"record", "toggle", "stop", "cancel", "extract", "doctor", "--config PATH", "config.jsonc"} {
		require.Contains(t, text, want)
	}
}
