package config

import (
	"fmt"
	"sort"
	"strings"
)

// Validate enforces config invariants and returns non-fatal warnings.
func Validate(cfg Config) ([]Warning, error) {
	warnings := make([]Warning, 0)

	if cfg.Audio.MaxSeconds < 1 || cfg.Audio.MaxSeconds > MaxCaptureSeconds {
		return nil, fmt.Errorf("audio.max_seconds must be within 1..%d", MaxCaptureSeconds)
	}
	if cfg.Audio.SilencePeak < 0 || cfg.Audio.SilencePeak > 32767 {
		return nil, fmt.Errorf("audio.silence_peak must be within 0..32767")
	}

	tr := cfg.Transcription
	switch tr.Backend {
	case BackendOpenAI:
		if strings.TrimSpace(tr.OpenAI.APIKey) == "" && strings.TrimSpace(tr.OpenAI.BaseURL) == "" {
			warnings = append(warnings, Warning{Message: "transcription.openai.api_key is empty; set OPENAI_API_KEY"})
		}
	case BackendGoogle:
		if strings.TrimSpace(tr.Google.ProjectID) == "" {
			return nil, fmt.Errorf("transcription.google.project_id must not be empty when transcription.backend=google")
		}
		if strings.TrimSpace(tr.Google.Location) == "" {
			return nil, fmt.Errorf("transcription.google.location must not be empty")
		}
	default:
		return nil, fmt.Errorf("transcription.backend must be one of: %s, %s", BackendOpenAI, BackendGoogle)
	}
	if strings.TrimSpace(tr.LanguageCode) == "" {
		return nil, fmt.Errorf("transcription.language_code must not be empty")
	}
	if err := validateTimeout("transcription.timeout_ms", tr.TimeoutMS); err != nil {
		return nil, err
	}

	ex := cfg.Extraction
	if strings.TrimSpace(ex.Model) == "" {
		return nil, fmt.Errorf("extraction.model must not be empty")
	}
	if err := validateTimeout("extraction.timeout_ms", ex.TimeoutMS); err != nil {
		return nil, err
	}
	if ex.MinConfidence < 0 || ex.MinConfidence > 1 {
		return nil, fmt.Errorf("extraction.min_confidence must be within [0,1]")
	}
	if ex.Temperature < 0 || ex.Temperature > 2 {
		return nil, fmt.Errorf("extraction.temperature must be within [0,2]")
	}
	if ex.MaxTokens <= 0 {
		return nil, fmt.Errorf("extraction.max_tokens must be > 0")
	}
	if strings.TrimSpace(ex.APIKey) == "" && strings.TrimSpace(ex.BaseURL) == "" {
		warnings = append(warnings, Warning{Message: "extraction.api_key is empty; set KHATA_EXTRACTION_API_KEY or OPENAI_API_KEY"})
	}
	if ex.MinConfidence == 0 {
		warnings = append(warnings, Warning{Message: "extraction.min_confidence is 0; every reply will auto-fill"})
	}

	if cfg.Indicator.Enable && strings.TrimSpace(cfg.Indicator.DesktopAppName) == "" {
		return nil, fmt.Errorf("indicator.desktop_app_name must not be empty when indicator.enable=true")
	}
	if cfg.Indicator.ErrorTimeoutMS < 0 {
		return nil, fmt.Errorf("indicator.error_timeout_ms must be >= 0")
	}
	if cfg.Handoff.Raw != "" && len(cfg.Handoff.Argv) == 0 {
		return nil, fmt.Errorf("handoff_cmd is configured but empty")
	}
	if cfg.Vocab.MaxPhrases <= 0 {
		return nil, fmt.Errorf("vocab.max_phrases must be > 0")
	}

	_, vocabWarnings, err := BuildSpeechPhrases(cfg)
	if err != nil {
		return nil, err
	}
	warnings = append(warnings, vocabWarnings...)

	return warnings, nil
}

func validateTimeout(key string, ms int) error {
	if ms < MinServiceTimeoutMS || ms > MaxServiceTimeoutMS {
		return fmt.Errorf("%s must be within %d..%d", key, MinServiceTimeoutMS, MaxServiceTimeoutMS)
	}
	return nil
}

// BuildSpeechPhrases merges enabled vocab sets into deterministic phrase payloads.
func BuildSpeechPhrases(cfg Config) ([]SpeechPhrase, []Warning, error) {
	enabledSets := cfg.Vocab.GlobalSets
	if len(enabledSets) == 0 {
		return nil, nil, nil
	}

	type candidate struct {
		boost float64
		from  string
	}

	warnings := make([]Warning, 0)
	selected := make(map[string]candidate)

	for _, name := range enabledSets {
		set, ok := cfg.Vocab.Sets[name]
		if !ok {
			return nil, nil, fmt.Errorf("vocab.global references unknown set %q", name)
		}
		for _, phrase := range set.Phrases {
			phrase = strings.TrimSpace(phrase)
			if phrase == "" {
				continue
			}
			if existing, exists := selected[phrase]; exists {
				if set.Boost > existing.boost {
					warnings = append(warnings, Warning{Message: fmt.Sprintf("phrase %q present in %q and %q; using higher boost %.2f", phrase, existing.from, name, set.Boost)})
					selected[phrase] = candidate{boost: set.Boost, from: name}
				}
				continue
			}
			selected[phrase] = candidate{boost: set.Boost, from: name}
		}
	}

	if len(selected) > cfg.Vocab.MaxPhrases {
		return nil, nil, fmt.Errorf("vocabulary phrase count %d exceeds vocab.max_phrases=%d", len(selected), cfg.Vocab.MaxPhrases)
	}

	phrases := make([]SpeechPhrase, 0, len(selected))
	for phrase, c := range selected {
		phrases = append(phrases, SpeechPhrase{Phrase: phrase, Boost: float32(c.boost)})
	}

	sort.Slice(phrases, func(i, j int) bool {
		if phrases[i].Phrase == phrases[j].Phrase {
			return phrases[i].Boost < phrases[j].Boost
		}
		return phrases[i].Phrase < phrases[j].Phrase
	})

	return phrases, warnings, nil
}
