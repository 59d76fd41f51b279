// Package cli parses khata command-line arguments.
package cli

import (
	"errors"
	"fmt"
	"strings"
)

type Command string

const (
	CommandRecord  Command = "record"
	CommandToggle  Command = "toggle"
	CommandStop    Command = "stop"
	CommandCancel  Command = "cancel"
	CommandStatus  Command = "status"
	CommandDevices Command = "devices"
	CommandExtract Command = "extract"
	CommandDoctor  Command = "doctor"
	CommandVersion Command = "version"
	CommandHelp    Command = "help"
)

var validCommands = map[Command]struct{}{
	CommandRecord:  {},
	CommandToggle:  {},
	CommandStop:    {},
	CommandCancel:  {},
	CommandStatus:  {},
	CommandDevices: {},
	CommandExtract: {},
	CommandDoctor:  {},
	CommandVersion: {},
	CommandHelp:    {},
}

type Parsed struct {
	Command    Command
	ConfigPath string
	ShowHelp   bool
	// Args holds the text operands of extract.
	Args []string
	// Raw makes extract parse its operand as a service reply instead of calling the service.
	Raw bool
}

// Text joins the extract operands with single spaces.
func (p Parsed) Text() string {
	return strings.Join(p.Args, " ")
}

func Parse(args []string) (Parsed, error) {
	parsed := Parsed{Command: CommandHelp, ShowHelp: true}

	for i := 0; i < len(args); i++ {
		arg := args[i]

		switch arg {
		case "-h", "--help":
			parsed.ShowHelp = true
			parsed.Command = CommandHelp
		case "--version":
			parsed.ShowHelp = false
			parsed.Command = CommandVersion
		case "--config":
			i++
			if i >= len(args) {
				return Parsed{}, errors.New("--config requires a path")
			}
			parsed.ConfigPath = args[i]
		default:
			if strings.HasPrefix(arg, "-") {
				return Parsed{}, fmt.Errorf("unknown flag: %s", arg)
			}

			cmd := Command(arg)
			if _, ok := validCommands[cmd]; !ok {
				return Parsed{}, fmt.Errorf("unknown command: %s", arg)
			}

			parsed.Command = cmd
			parsed.ShowHelp = cmd == CommandHelp
			if cmd == CommandExtract {
				return parseExtract(parsed, args[i+1:])
			}
			if i != len(args)-1 {
				return Parsed{}, fmt.Errorf("unexpected arguments after command %q", arg)
			}
		}
	}

	return parsed, nil
}

func parseExtract(parsed Parsed, rest []string) (Parsed, error) {
	for len(rest) > 0 && rest[0] == "--raw" {
		parsed.Raw = true
		rest = rest[1:]
	}
	if len(rest) > 0 && rest[0] == "--" {
		rest = rest[1:]
	}
	for _, arg := range rest {
		if strings.TrimSpace(arg) != "" {
			parsed.Args = append(parsed.Args, arg)
		}
	}
	if len(parsed.Args) == 0 {
		return Parsed{}, errors.New("extract requires text")
	}
	return parsed, nil
}

func HelpText(binaryName string) string {
	return fmt.Sprintf(`Usage:
  %[1]s [--config PATH] <command>
  %[1]s [--config PATH] extract [--raw] TEXT...

Commands:
  record    Capture one utterance and hand off the extracted line item
  toggle    Start recording, or stop capture when a run is already recording
  stop      Finish capture early and continue processing
  cancel    Abort the active run and discard its result
  status    Print current state
  devices   List available input devices
  extract   Extract a line item from TEXT (--raw parses TEXT as a service reply)
  doctor    Run configuration and environment checks
  version   Print version information
  help      Show this help

Flags:
  --config PATH   Config file path (default: $XDG_CONFIG_HOME/khata/config.jsonc)
  -h, --help      Show help
  --version       Show version
`, binaryName)
}
