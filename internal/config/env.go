package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// envOverrides lists the environment variables that override file configuration.
type envOverrides struct {
	OpenAIAPIKey          string `env:"OPENAI_API_KEY"`
	ExtractionAPIKey      string `env:"KHATA_EXTRACTION_API_KEY"`
	ExtractionBaseURL     string `env:"KHATA_EXTRACTION_BASE_URL"`
	ExtractionModel       string `env:"KHATA_EXTRACTION_MODEL"`
	TranscriptionBackend  string `env:"KHATA_TRANSCRIPTION_BACKEND"`
	Language              string `env:"KHATA_LANGUAGE"`
	GoogleProjectID       string `env:"GOOGLE_CLOUD_PROJECT_ID"`
	GoogleCredentialsJSON string `env:"GOOGLE_CLOUD_CREDENTIALS_JSON"`
	GoogleLocation        string `env:"GOOGLE_CLOUD_SPEECH_LOCATION"`
	Debug                 bool   `env:"KHATA_DEBUG"`
}

// DotEnvPath returns the optional secrets file that sits next to the config file.
func DotEnvPath(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), ".env")
}

// Environment merges a .env file (if present) under the process environment.
// Empty process variables do not mask .env values.
func Environment(dotenvPath string) (map[string]string, error) {
	merged := map[string]string{}
	if strings.TrimSpace(dotenvPath) != "" {
		values, err := godotenv.Read(dotenvPath)
		switch {
		case err == nil:
			for k, v := range values {
				merged[k] = v
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("read %q: %w", dotenvPath, err)
		}
	}
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || value == "" {
			continue
		}
		merged[key] = value
	}
	return merged, nil
}

// ApplyEnv overlays environment overrides onto cfg. Empty variables leave cfg unchanged.
func ApplyEnv(cfg *Config, environ map[string]string) error {
	var raw envOverrides
	if err := env.ParseWithOptions(&raw, env.Options{Environment: environ}); err != nil {
		return fmt.Errorf("environment variables are invalid: %w", err)
	}

	override := func(dst *string, value string) {
		if value = strings.TrimSpace(value); value != "" {
			*dst = value
		}
	}

	override(&cfg.Transcription.OpenAI.APIKey, raw.OpenAIAPIKey)
	override(&cfg.Transcription.Backend, strings.ToLower(raw.TranscriptionBackend))
	override(&cfg.Transcription.LanguageCode, raw.Language)
	override(&cfg.Transcription.Google.ProjectID, raw.GoogleProjectID)
	override(&cfg.Transcription.Google.CredentialsJSON, raw.GoogleCredentialsJSON)
	override(&cfg.Transcription.Google.Location, raw.GoogleLocation)

	override(&cfg.Extraction.APIKey, raw.ExtractionAPIKey)
	override(&cfg.Extraction.BaseURL, raw.ExtractionBaseURL)
	override(&cfg.Extraction.Model, raw.ExtractionModel)
	if cfg.Extraction.APIKey == "" && cfg.Extraction.BaseURL == "" {
		cfg.Extraction.APIKey = cfg.Transcription.OpenAI.APIKey
	}

	if raw.Debug {
		cfg.Debug.Verbose = true
	}
	return nil
}
