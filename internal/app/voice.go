package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ent0n29/callrelay/internal/config"
	"github.com/ent0n29/callrelay/internal/voice"
)

type voiceSetup struct {
	transcriber voice.Transcriber
	synthesizer voice.Synthesizer
	sttDetail   string
	ttsDetail   string
	cleanup     func() error
}

func resolveVoiceProviders(ctx context.Context, cfg config.Config, log *logrus.Entry) (voiceSetup, error) {
	var setup voiceSetup

	sttMode := strings.ToLower(strings.TrimSpace(cfg.STTProvider))
	if sttMode == "" {
		sttMode = "auto"
	}

	tryGoogle := func() (voice.Transcriber, error) {
		g, err := voice.NewGoogleTranscriber(ctx, cfg.CallLocale)
		if err != nil {
			return nil, fmt.Errorf("google speech init failed: %w", err)
		}
		setup.cleanup = g.Close
		return g, nil
	}
	whisper := func() voice.Transcriber {
		return voice.NewWhisperTranscriber(cfg.STTWhisperURL, cfg.CallLocale, cfg.STTTimeout)
	}

	var fallbackSTT voice.Transcriber
	switch sttMode {
	case "google":
		g, err := tryGoogle()
		if err != nil {
			return voiceSetup{}, err
		}
		setup.transcriber, setup.sttDetail = g, "google"
	case "whisper":
		if cfg.STTWhisperURL == "" {
			return voiceSetup{}, fmt.Errorf("STT_PROVIDER=whisper but STT_WHISPER_URL is not set")
		}
		setup.transcriber, setup.sttDetail = whisper(), "whisper"
	case "mock":
		setup.transcriber, setup.sttDetail = voice.NewMockTranscriber(), "mock"
	case "auto":
		if cfg.GoogleCredentials != "" {
			g, err := tryGoogle()
			if err != nil {
				log.WithError(err).Warn("google speech unavailable")
			} else {
				setup.transcriber, setup.sttDetail = g, "google"
			}
		}
		if cfg.STTWhisperURL != "" {
			if setup.transcriber == nil {
				setup.transcriber, setup.sttDetail = whisper(), "whisper"
			} else {
				fallbackSTT = whisper()
				setup.sttDetail = "google (whisper fallback)"
			}
		}
		if setup.transcriber == nil {
			setup.transcriber, setup.sttDetail = voice.NewMockTranscriber(), "mock (no recognizer configured)"
		}
	default:
		return voiceSetup{}, fmt.Errorf("invalid STT_PROVIDER: %q (expected auto|google|whisper|mock)", cfg.STTProvider)
	}

	ttsMode := strings.ToLower(strings.TrimSpace(cfg.TTSProvider))
	if ttsMode == "" {
		ttsMode = "auto"
	}
	elevenLabs := func() voice.Synthesizer {
		return voice.NewElevenLabsSynthesizer(voice.ElevenLabsConfig{
			APIKey:       cfg.ElevenLabsAPIKey,
			BaseURL:      cfg.ElevenLabsBaseURL,
			VoiceID:      cfg.ElevenLabsVoiceID,
			ModelID:      cfg.ElevenLabsModelID,
			OutputFormat: cfg.ElevenLabsFormat,
			Timeout:      cfg.TTSTimeout,
		})
	}

	switch ttsMode {
	case "elevenlabs":
		if cfg.ElevenLabsAPIKey == "" {
			return voiceSetup{}, fmt.Errorf("TTS_PROVIDER=elevenlabs but ELEVENLABS_API_KEY is not set")
		}
		setup.synthesizer, setup.ttsDetail = elevenLabs(), "elevenlabs"
	case "mock":
		setup.synthesizer, setup.ttsDetail = voice.NewMockSynthesizer(), "mock"
	case "auto":
		if cfg.ElevenLabsAPIKey != "" {
			setup.synthesizer, setup.ttsDetail = elevenLabs(), "elevenlabs"
		} else {
			setup.synthesizer, setup.ttsDetail = voice.NewMockSynthesizer(), "mock (no ELEVENLABS_API_KEY)"
		}
	default:
		return voiceSetup{}, fmt.Errorf("invalid TTS_PROVIDER: %q (expected auto|elevenlabs|mock)", cfg.TTSProvider)
	}

	setup.transcriber, setup.synthesizer = voice.NewFailoverPair(setup.transcriber, setup.synthesizer, fallbackSTT, nil)
	return setup, nil
}
