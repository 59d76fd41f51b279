// Package config resolves, parses, validates, and defaults khata configuration.
package config

// Config is the fully materialized runtime configuration used by khata.
type Config struct {
	Audio         AudioConfig
	Transcription TranscriptionConfig
	Extraction    ExtractionConfig
	Indicator     IndicatorConfig
	Handoff       CommandConfig
	Vocab         VocabConfig
	Debug         DebugConfig
}

// AudioConfig controls input-source selection and the capture bounds.
type AudioConfig struct {
	Input    string
	Fallback string
	// MaxSeconds is the capture ceiling for one utterance.
	MaxSeconds int
	// SilencePeak is the absolute s16 amplitude at or below which a capture counts as silent.
	SilencePeak int
}

// TranscriptionConfig selects and configures the speech-to-text backend.
type TranscriptionConfig struct {
	Backend      string
	LanguageCode string
	Model        string
	Instruction  string
	TimeoutMS    int
	OpenAI       OpenAIConfig
	Google       GoogleConfig
}

// OpenAIConfig holds credentials for an OpenAI-compatible endpoint.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
}

// GoogleConfig holds Cloud Speech-to-Text v2 settings.
type GoogleConfig struct {
	ProjectID       string
	Location        string
	CredentialsJSON string
}

// ExtractionConfig configures the structured extraction service.
type ExtractionConfig struct {
	Model         string
	BaseURL       string
	APIKey        string
	Temperature   float64
	MaxTokens     int
	TimeoutMS     int
	MinConfidence float64
	JSONMode      bool
}

// IndicatorConfig controls desktop notifications and audio cue behavior.
type IndicatorConfig struct {
	Enable            bool
	DesktopAppName    string
	SoundEnable       bool
	SoundStartFile    string
	SoundStopFile     string
	SoundCompleteFile string
	SoundCancelFile   string
	SoundErrorFile    string
	ErrorTimeoutMS    int
}

// CommandConfig stores a raw command string and its parsed argv form.
type CommandConfig struct {
	Raw  string
	Argv []string
}

// VocabConfig controls enabled speech phrase sets and dedupe limits.
type VocabConfig struct {
	GlobalSets []string
	Sets       map[string]VocabSet
	MaxPhrases int
}

// VocabSet is one named phrase group with a shared boost value.
type VocabSet struct {
	Name    string
	Boost   float64
	Phrases []string
}

// DebugConfig controls optional debug artifact output.
type DebugConfig struct {
	EnableAudioDump    bool
	EnableResponseDump bool
	Verbose            bool
}

// Warning is a non-fatal parse/validation message.
type Warning struct {
	Line    int
	Message string
}

// SpeechPhrase is the normalized phrase payload sent to transcription backends.
type SpeechPhrase struct {
	Phrase string
	Boost  float32
}
