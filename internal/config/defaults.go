package config

const (
	BackendOpenAI = "openai"
	BackendGoogle = "google"

	MaxCaptureSeconds     = 30
	MinServiceTimeoutMS   = 10000
	MaxServiceTimeoutMS   = 15000
	defaultServiceTimeout = 12000
)

// Default returns the canonical runtime configuration used when no file is present.
func Default() Config {
	return Config{
		Audio: AudioConfig{
			Input:       "default",
			Fallback:    "default",
			MaxSeconds:  15,
			SilencePeak: 200,
		},
		Transcription: TranscriptionConfig{
			Backend:      BackendOpenAI,
			LanguageCode: "en-IN",
			TimeoutMS:    defaultServiceTimeout,
			Google:       GoogleConfig{Location: "global"},
		},
		Extraction: ExtractionConfig{
			Model:         "gpt-4o-mini",
			MaxTokens:     200,
			TimeoutMS:     defaultServiceTimeout,
			MinConfidence: 0.85,
			JSONMode:      true,
		},
		Indicator: IndicatorConfig{
			Enable:         true,
			DesktopAppName: "khata",
			SoundEnable:    true,
			ErrorTimeoutMS: 2500,
		},
		Vocab: VocabConfig{
			GlobalSets: []string{"shop"},
			Sets: map[string]VocabSet{
				"shop": {
					Name:  "shop",
					Boost: 10,
					Phrases: []string{
						"ek", "do", "teen", "char", "paanch", "das", "bees", "pachas", "sau",
						"aadha", "dedh", "dhai", "kilo", "gram", "litre", "packet", "dozen", "rupay",
					},
				},
			},
			MaxPhrases: 1024,
		},
	}
}
