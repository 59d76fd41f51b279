package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

type jsoncConfig struct {
	Audio         *jsoncAudio         `json:"audio"`
	Transcription *jsoncTranscription `json:"transcription"`
	Extraction    *jsoncExtraction    `json:"extraction"`
	Indicator     *jsoncIndicator     `json:"indicator"`

	HandoffCmd *string     `json:"handoff_cmd"`
	Vocab      *jsoncVocab `json:"vocab"`
	Debug      *jsoncDebug `json:"debug"`
}

type jsoncAudio struct {
	Input       *string `json:"input"`
	Fallback    *string `json:"fallback"`
	MaxSeconds  *int    `json:"max_seconds"`
	SilencePeak *int    `json:"silence_peak"`
}

type jsoncTranscription struct {
	Backend      *string      `json:"backend"`
	LanguageCode *string      `json:"language_code"`
	Model        *string      `json:"model"`
	Instruction  *string      `json:"instruction"`
	TimeoutMS    *int         `json:"timeout_ms"`
	OpenAI       *jsoncOpenAI `json:"openai"`
	Google       *jsoncGoogle `json:"google"`
}

type jsoncOpenAI struct {
	APIKey  *string `json:"api_key"`
	BaseURL *string `json:"base_url"`
}

type jsoncGoogle struct {
	ProjectID       *string `json:"project_id"`
	Location        *string `json:"location"`
	CredentialsJSON *string `json:"credentials_json"`
}

type jsoncExtraction struct {
	Model         *string  `json:"model"`
	BaseURL       *string  `json:"base_url"`
	APIKey        *string  `json:"api_key"`
	Temperature   *float64 `json:"temperature"`
	MaxTokens     *int     `json:"max_tokens"`
	TimeoutMS     *int     `json:"timeout_ms"`
	MinConfidence *float64 `json:"min_confidence"`
	JSONMode      *bool    `json:"json_mode"`
}

type jsoncIndicator struct {
	Enable            *bool   `json:"enable"`
	DesktopAppName    *string `json:"desktop_app_name"`
	SoundEnable       *bool   `json:"sound_enable"`
	SoundStartFile    *string `json:"sound_start_file"`
	SoundStopFile     *string `json:"sound_stop_file"`
	SoundCompleteFile *string `json:"sound_complete_file"`
	SoundCancelFile   *string `json:"sound_cancel_file"`
	SoundErrorFile    *string `json:"sound_error_file"`
	ErrorTimeoutMS    *int    `json:"error_timeout_ms"`
}

type jsoncVocab struct {
	Global     *jsoncStringList         `json:"global"`
	MaxPhrases *int                     `json:"max_phrases"`
	Sets       map[string]jsoncVocabSet `json:"sets"`
}

type jsoncVocabSet struct {
	Boost   *float64 `json:"boost"`
	Phrases []string `json:"phrases"`
}

type jsoncDebug struct {
	AudioDump    *bool `json:"audio_dump"`
	ResponseDump *bool `json:"response_dump"`
	Verbose      *bool `json:"verbose"`
}

type jsoncStringList []string

func (l *jsoncStringList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*l = list
		return nil
	}

	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		parts := strings.Split(single, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			out = append(out, part)
		}
		*l = out
		return nil
	}

	return fmt.Errorf("expected string array or comma-delimited string")
}

func parseJSONC(content string, base Config) (Config, []Warning, error) {
	normalized, err := normalizeJSONC(content)
	if err != nil {
		return Config{}, nil, err
	}

	decoder := json.NewDecoder(strings.NewReader(normalized))
	decoder.DisallowUnknownFields()

	var payload jsoncConfig
	if err := decoder.Decode(&payload); err != nil {
		return Config{}, nil, wrapJSONDecodeError(normalized, err)
	}
	if err := ensureSingleJSONValue(decoder); err != nil {
		return Config{}, nil, wrapJSONDecodeError(normalized, err)
	}

	cfg := base
	warnings, err := payload.applyTo(&cfg)
	if err != nil {
		return Config{}, nil, err
	}
	return cfg, warnings, nil
}

func (payload jsoncConfig) applyTo(cfg *Config) ([]Warning, error) {
	warnings := make([]Warning, 0)

	if a := payload.Audio; a != nil {
		setString(&cfg.Audio.Input, a.Input)
		setString(&cfg.Audio.Fallback, a.Fallback)
		setInt(&cfg.Audio.MaxSeconds, a.MaxSeconds)
		setInt(&cfg.Audio.SilencePeak, a.SilencePeak)
	}

	if tr := payload.Transcription; tr != nil {
		if tr.Backend != nil {
			cfg.Transcription.Backend = strings.ToLower(strings.TrimSpace(*tr.Backend))
		}
		setString(&cfg.Transcription.LanguageCode, tr.LanguageCode)
		setString(&cfg.Transcription.Model, tr.Model)
		setString(&cfg.Transcription.Instruction, tr.Instruction)
		setInt(&cfg.Transcription.TimeoutMS, tr.TimeoutMS)
		if tr.OpenAI != nil {
			setString(&cfg.Transcription.OpenAI.APIKey, tr.OpenAI.APIKey)
			setString(&cfg.Transcription.OpenAI.BaseURL, tr.OpenAI.BaseURL)
		}
		if tr.Google != nil {
			setString(&cfg.Transcription.Google.ProjectID, tr.Google.ProjectID)
			setString(&cfg.Transcription.Google.Location, tr.Google.Location)
			setString(&cfg.Transcription.Google.CredentialsJSON, tr.Google.CredentialsJSON)
		}
	}

	if ex := payload.Extraction; ex != nil {
		setString(&cfg.Extraction.Model, ex.Model)
		setString(&cfg.Extraction.BaseURL, ex.BaseURL)
		setString(&cfg.Extraction.APIKey, ex.APIKey)
		if ex.Temperature != nil {
			cfg.Extraction.Temperature = *ex.Temperature
		}
		setInt(&cfg.Extraction.MaxTokens, ex.MaxTokens)
		setInt(&cfg.Extraction.TimeoutMS, ex.TimeoutMS)
		if ex.MinConfidence != nil {
			cfg.Extraction.MinConfidence = *ex.MinConfidence
		}
		setBool(&cfg.Extraction.JSONMode, ex.JSONMode)
	}

	if ind := payload.Indicator; ind != nil {
		setBool(&cfg.Indicator.Enable, ind.Enable)
		setString(&cfg.Indicator.DesktopAppName, ind.DesktopAppName)
		setBool(&cfg.Indicator.SoundEnable, ind.SoundEnable)
		setString(&cfg.Indicator.SoundStartFile, ind.SoundStartFile)
		setString(&cfg.Indicator.SoundStopFile, ind.SoundStopFile)
		setString(&cfg.Indicator.SoundCompleteFile, ind.SoundCompleteFile)
		setString(&cfg.Indicator.SoundCancelFile, ind.SoundCancelFile)
		setString(&cfg.Indicator.SoundErrorFile, ind.SoundErrorFile)
		setInt(&cfg.Indicator.ErrorTimeoutMS, ind.ErrorTimeoutMS)
	}

	if payload.HandoffCmd != nil {
		raw := *payload.HandoffCmd
		argv, err := parseArgv(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid handoff_cmd: %w", err)
		}
		cfg.Handoff = CommandConfig{Raw: raw, Argv: argv}
	}

	if payload.Vocab != nil {
		if payload.Vocab.Global != nil {
			cfg.Vocab.GlobalSets = nil
			for _, name := range *payload.Vocab.Global {
				name = strings.TrimSpace(name)
				if name == "" {
					continue
				}
				cfg.Vocab.GlobalSets = append(cfg.Vocab.GlobalSets, name)
			}
		}
		setInt(&cfg.Vocab.MaxPhrases, payload.Vocab.MaxPhrases)
		if payload.Vocab.Sets != nil {
			sets := make(map[string]VocabSet, len(cfg.Vocab.Sets)+len(payload.Vocab.Sets))
			for name, set := range cfg.Vocab.Sets {
				sets[name] = set
			}
			for name, set := range payload.Vocab.Sets {
				trimmedName := strings.TrimSpace(name)
				if trimmedName == "" {
					return nil, fmt.Errorf("vocab.sets contains an empty set name")
				}

				entry := VocabSet{Name: trimmedName, Phrases: append([]string(nil), set.Phrases...)}
				if set.Boost != nil {
					entry.Boost = *set.Boost
				}
				if _, exists := sets[trimmedName]; exists {
					warnings = append(warnings, Warning{Message: fmt.Sprintf("vocab set %q replaces the built-in set", trimmedName)})
				}
				sets[trimmedName] = entry
			}
			cfg.Vocab.Sets = sets
		}
	}

	if d := payload.Debug; d != nil {
		setBool(&cfg.Debug.EnableAudioDump, d.AudioDump)
		setBool(&cfg.Debug.EnableResponseDump, d.ResponseDump)
		setBool(&cfg.Debug.Verbose, d.Verbose)
	}

	return warnings, nil
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = strings.TrimSpace(*src)
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

func normalizeJSONC(content string) (string, error) {
	withoutComments, err := stripJSONCComments(content)
	if err != nil {
		return "", err
	}
	return stripJSONCTrailingCommas(withoutComments), nil
}

func stripJSONCComments(content string) (string, error) {
	var out strings.Builder
	out.Grow(len(content))

	inString := false
	escape := false
	lineComment := false
	blockComment := false

	for i := 0; i < len(content); i++ {
		ch := content[i]

		if lineComment {
			if ch == '\n' {
				lineComment = false
				out.WriteByte(ch)
				continue
			}
			if ch == '\r' {
				lineComment = false
				out.WriteByte(ch)
				continue
			}
			out.WriteByte(' ')
			continue
		}

		if blockComment {
			if ch == '*' && i+1 < len(content) && content[i+1] == '/' {
				blockComment = false
				out.WriteString("  ")
				i++
				continue
			}
			if ch == '\n' || ch == '\r' || ch == '\t' {
				out.WriteByte(ch)
			} else {
				out.WriteByte(' ')
			}
			continue
		}

		if inString {
			out.WriteByte(ch)
			if escape {
				escape = false
				continue
			}
			if ch == '\\' {
				escape = true
				continue
			}
			if ch == '"' {
				inString = false
			}
			continue
		}

		if ch == '"' {
			inString = true
			out.WriteByte(ch)
			continue
		}

		if ch == '/' && i+1 < len(content) {
			next := content[i+1]
			if next == '/' {
				lineComment = true
				out.WriteString("  ")
				i++
				continue
			}
			if next == '*' {
				blockComment = true
				out.WriteString("  ")
				i++
				continue
			}
		}

		out.WriteByte(ch)
	}

	if blockComment {
		return "", fmt.Errorf("unterminated block comment in JSONC")
	}

	return out.String(), nil
}

func stripJSONCTrailingCommas(content string) string {
	var out strings.Builder
	out.Grow(len(content))

	inString := false
	escape := false

	for i := 0; i < len(content); i++ {
		ch := content[i]

		if inString {
			out.WriteByte(ch)
			if escape {
				escape = false
				continue
			}
			if ch == '\\' {
				escape = true
				continue
			}
			if ch == '"' {
				inString = false
			}
			continue
		}

		if ch == '"' {
			inString = true
			out.WriteByte(ch)
			continue
		}

		if ch == ',' {
			j := i + 1
			for j < len(content) && isJSONWhitespace(content[j]) {
				j++
			}
			if j < len(content) && (content[j] == '}' || content[j] == ']') {
				continue
			}
		}

		out.WriteByte(ch)
	}

	return out.String()
}

func isJSONWhitespace(ch byte) bool {
	switch ch {
	case ' ', '\n', '\r', '\t':
		return true
	default:
		return false
	}
}

func ensureSingleJSONValue(decoder *json.Decoder) error {
	var extra struct{}
	err := decoder.Decode(&extra)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err == nil {
		return fmt.Errorf("multiple JSON values are not allowed")
	}
	return err
}

func wrapJSONDecodeError(content string, err error) error {
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		line, col := offsetToLineCol(content, syntaxErr.Offset)
		return fmt.Errorf("line %d column %d: %w", line, col, err)
	}

	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		line, col := offsetToLineCol(content, typeErr.Offset)
		return fmt.Errorf("line %d column %d: %w", line, col, err)
	}

	return err
}

func offsetToLineCol(content string, offset int64) (int, int) {
	if offset <= 0 {
		return 1, 1
	}

	limit := int(offset)
	if limit > len(content) {
		limit = len(content)
	}

	line := 1
	col := 1
	for i := 0; i < limit-1; i++ {
		if content[i] == '\n' {
			line++
			col = 1
			continue
		}
		col++
	}
	return line, col
}
