package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ent0n29/callrelay/internal/config"
	"github.com/ent0n29/callrelay/internal/dialogue"
	"github.com/ent0n29/callrelay/internal/httpapi"
	"github.com/ent0n29/callrelay/internal/logging"
	"github.com/ent0n29/callrelay/internal/observability"
	"github.com/ent0n29/callrelay/internal/policy"
	"github.com/ent0n29/callrelay/internal/session"
	"github.com/ent0n29/callrelay/internal/transcript"
	"github.com/ent0n29/callrelay/internal/voice"
)

// ProviderInfo names the collaborators picked at startup.
type ProviderInfo struct {
	Engine      string
	STT         string
	TTS         string
	Transcripts string
}

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Registry     *session.Registry
	Orchestrator *voice.Orchestrator
	Metrics      *observability.Metrics
	Providers    ProviderInfo

	// Cleanup releases the transcript store and speech clients.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *logrus.Logger) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := transcript.NewStore(ctx, transcript.Config{
		Kind:          cfg.TranscriptStore,
		DatabaseURL:   cfg.DatabaseURL,
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		RedisDB:       cfg.RedisDB,
	})
	if err != nil {
		return nil, fmt.Errorf("transcript store init failed: %w", err)
	}

	engine, err := dialogue.NewEngine(ctx, dialogue.Config{
		Provider:     cfg.EngineProvider,
		SystemPrompt: cfg.EngineSystemPrompt,
		GeminiAPIKey: cfg.GeminiAPIKey,
		GeminiModel:  cfg.GeminiModel,
		HTTPURL:      cfg.EngineHTTPURL,
		HTTPRetries:  cfg.EngineHTTPRetries,
		HTTPTimeout:  cfg.EngineTimeout,
	}, logging.Component(logger, "dialogue"))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("dialogue engine init failed: %w", err)
	}

	voiceSetup, err := resolveVoiceProviders(ctx, cfg, logging.Component(logger, "voice"))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	registry := session.NewRegistry(cfg.SessionInactivityTimeout, logging.Component(logger, "registry"))
	registry.SetCreateHook(func(*session.CallSession) {
		metrics.SessionEvent("created")
		metrics.ActiveCalls.Set(float64(registry.ActiveCount()))
	})
	registry.SetRemoveHook(func(_ *session.CallSession, reason session.EndReason) {
		metrics.SessionEvent("ended_" + string(reason))
		metrics.ActiveCalls.Set(float64(registry.ActiveCount()))
	})

	sanitizer := voice.NewSanitizer("", cfg.NoAnswer, 0)
	orchestrator := voice.NewOrchestrator(
		engine,
		voiceSetup.transcriber,
		voiceSetup.synthesizer,
		sanitizer,
		store,
		metrics,
		logging.Component(logger, "turns"),
		voice.OrchestratorConfig{
			Greeting:           cfg.Greeting,
			NoInputPrompt:      cfg.NoInputPrompt,
			FallbackApology:    cfg.FallbackApology,
			EngineTimeout:      cfg.EngineTimeout,
			RecognitionTimeout: cfg.STTTimeout,
			SynthesisTimeout:   cfg.TTSTimeout,
		},
	)

	api := httpapi.New(
		cfg,
		registry,
		orchestrator,
		policy.NewCallerPolicy(cfg.CallerAllowlist),
		store,
		metrics,
		logging.Component(logger, "gateway"),
	)

	cleanup := func() error {
		var errs []error
		if voiceSetup.cleanup != nil {
			if err := voiceSetup.cleanup(); err != nil {
				errs = append(errs, fmt.Errorf("speech client: %w", err))
			}
		}
		if err := store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("transcript store: %w", err))
		}
		return errors.Join(errs...)
	}

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Registry:     registry,
		Orchestrator: orchestrator,
		Metrics:      metrics,
		Providers: ProviderInfo{
			Engine:      dialogue.Name(engine),
			STT:         voiceSetup.sttDetail,
			TTS:         voiceSetup.ttsDetail,
			Transcripts: transcript.Kind(store),
		},
		Cleanup: cleanup,
	}, nil
}
