// Package pipeline assembles the capture, transcription, extraction and hand-off
// components from configuration.
package pipeline

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/samber/do/v2"

	"github.com/rbright/khata/internal/audio"
	"github.com/rbright/khata/internal/config"
	"github.com/rbright/khata/internal/extract"
	"github.com/rbright/khata/internal/indicator"
	"github.com/rbright/khata/internal/logging"
	"github.com/rbright/khata/internal/output"
	"github.com/rbright/khata/internal/session"
	"github.com/rbright/khata/internal/transcribe"
)

// Options carries process-level collaborators that do not come from config.
type Options struct {
	Logger *slog.Logger
	// Stdout receives the item JSON when no hand-off command is configured.
	Stdout io.Writer
}

// Pipeline is a resolved dependency graph.
type Pipeline struct {
	Controller *session.Controller
	Recorder   *audio.Recorder
	Indicator  indicator.Controller

	injector *do.RootScope
}

// NewInjector registers every pipeline component. Nothing is constructed until invoked.
func NewInjector(cfg config.Config, opts Options) *do.RootScope {
	injector := do.New()

	do.ProvideValue(injector, cfg)
	do.ProvideValue(injector, logger(opts.Logger))
	do.ProvideValue[io.Writer](injector, writer(opts.Stdout))

	do.Provide(injector, provideResponseSink)
	do.Provide(injector, provideRecorder)
	do.Provide(injector, provideSessionRecorder)
	do.Provide(injector, provideRecognizer)
	do.Provide(injector, provideTranscriber)
	do.Provide(injector, provideExtractor)
	do.Provide(injector, provideIndicator)
	do.Provide(injector, provideCommitter)
	do.Provide(injector, provideController)

	return injector
}

// Build resolves the controller and its collaborators.
func Build(cfg config.Config, opts Options) (*Pipeline, error) {
	injector := NewInjector(cfg, opts)

	controller, err := do.Invoke[*session.Controller](injector)
	if err != nil {
		injector.Shutdown()
		return nil, fmt.Errorf("build pipeline: %w", err)
	}
	return &Pipeline{
		Controller: controller,
		Recorder:   do.MustInvoke[*audio.Recorder](injector),
		Indicator:  do.MustInvoke[indicator.Controller](injector),
		injector:   injector,
	}, nil
}

// Close releases debug sinks and waits for pending audio cues.
func (p *Pipeline) Close() {
	if n, ok := p.Indicator.(*indicator.Notifier); ok {
		n.Wait()
	}
	p.injector.Shutdown()
}

func provideResponseSink(do.Injector) (*responseSink, error) {
	return &responseSink{}, nil
}

func provideRecorder(i do.Injector) (*audio.Recorder, error) {
	cfg := do.MustInvoke[config.Config](i)
	log := do.MustInvoke[*slog.Logger](i)
	opener := audio.PulseOpener{Input: cfg.Audio.Input, Fallback: cfg.Audio.Fallback, Logger: log}
	return audio.NewRecorder(opener, log), nil
}

func provideSessionRecorder(i do.Injector) (session.Recorder, error) {
	cfg := do.MustInvoke[config.Config](i)
	recorder := do.MustInvoke[*audio.Recorder](i)
	if !cfg.Debug.EnableAudioDump {
		return recorder, nil
	}
	return dumpRecorder{Recorder: recorder, logger: do.MustInvoke[*slog.Logger](i)}, nil
}

func provideRecognizer(i do.Injector) (transcribe.Recognizer, error) {
	cfg := do.MustInvoke[config.Config](i)
	tc := cfg.Transcription

	switch tc.Backend {
	case config.BackendOpenAI:
		return transcribe.NewOpenAIRecognizer(transcribe.OpenAIConfig{
			APIKey:  tc.OpenAI.APIKey,
			BaseURL: tc.OpenAI.BaseURL,
			Model:   tc.Model,
		}), nil
	case config.BackendGoogle:
		google := transcribe.GoogleConfig{
			ProjectID:       tc.Google.ProjectID,
			CredentialsJSON: tc.Google.CredentialsJSON,
			Location:        tc.Google.Location,
			Model:           tc.Model,
		}
		if cfg.Debug.EnableResponseDump {
			google.DebugSink = do.MustInvoke[*responseSink](i)
		}
		return transcribe.NewGoogleRecognizer(google), nil
	default:
		return nil, fmt.Errorf("unsupported transcription backend %q", tc.Backend)
	}
}

func provideTranscriber(i do.Injector) (session.Transcriber, error) {
	cfg := do.MustInvoke[config.Config](i)
	log := do.MustInvoke[*slog.Logger](i)
	recognizer, err := do.Invoke[transcribe.Recognizer](i)
	if err != nil {
		return nil, err
	}

	speechPhrases, warnings, err := config.BuildSpeechPhrases(cfg)
	if err != nil {
		return nil, fmt.Errorf("build speech phrases: %w", err)
	}
	for _, w := range warnings {
		log.Warn(w.Message)
	}
	phrases := make([]transcribe.Phrase, 0, len(speechPhrases))
	for _, p := range speechPhrases {
		phrases = append(phrases, transcribe.Phrase{Text: p.Phrase, Boost: p.Boost})
	}

	return transcribe.NewService(recognizer, transcribe.Options{
		Instruction: cfg.Transcription.Instruction,
		Timeout:     millis(cfg.Transcription.TimeoutMS),
		Phrases:     phrases,
		Logger:      log,
	}), nil
}

// ExtractionConfig maps the extraction section onto the extractor's construction config.
func ExtractionConfig(ec config.ExtractionConfig) extract.Config {
	return extract.Config{
		Model:         ec.Model,
		Temperature:   float32(ec.Temperature),
		MaxTokens:     ec.MaxTokens,
		Timeout:       millis(ec.TimeoutMS),
		MinConfidence: ec.MinConfidence,
		JSONMode:      ec.JSONMode,
	}
}

func provideExtractor(i do.Injector) (session.Extractor, error) {
	cfg := do.MustInvoke[config.Config](i)
	client := extract.NewClient(cfg.Extraction.APIKey, cfg.Extraction.BaseURL)
	return extract.New(client, ExtractionConfig(cfg.Extraction), do.MustInvoke[*slog.Logger](i)), nil
}

func provideIndicator(i do.Injector) (indicator.Controller, error) {
	cfg := do.MustInvoke[config.Config](i)
	return indicator.NewNotifier(cfg.Indicator, do.MustInvoke[*slog.Logger](i)), nil
}

func provideCommitter(i do.Injector) (session.Committer, error) {
	cfg := do.MustInvoke[config.Config](i)
	stdout := do.MustInvoke[io.Writer](i)
	return output.NewHandoff(cfg.Handoff.Argv, stdout, do.MustInvoke[*slog.Logger](i)), nil
}

func provideController(i do.Injector) (*session.Controller, error) {
	cfg := do.MustInvoke[config.Config](i)

	recorder, err := do.Invoke[session.Recorder](i)
	if err != nil {
		return nil, err
	}
	transcriber, err := do.Invoke[session.Transcriber](i)
	if err != nil {
		return nil, err
	}
	extractor, err := do.Invoke[session.Extractor](i)
	if err != nil {
		return nil, err
	}

	return session.NewController(session.Options{
		Recorder:    recorder,
		Transcriber: transcriber,
		Extractor:   extractor,
		Permission:  audio.PulsePermission{},
		Indicator:   do.MustInvoke[indicator.Controller](i),
		Committer:   do.MustInvoke[session.Committer](i),
		MaxDuration: time.Duration(cfg.Audio.MaxSeconds) * time.Second,
		Language:    cfg.Transcription.LanguageCode,
		SilencePeak: cfg.Audio.SilencePeak,
		Logger:      do.MustInvoke[*slog.Logger](i),
	}), nil
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func logger(l *slog.Logger) *slog.Logger {
	if l == nil {
		return logging.Discard()
	}
	return l
}

func writer(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}
