package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ent0n29/callrelay/internal/reliability"
)

type ElevenLabsConfig struct {
	APIKey       string
	BaseURL      string
	VoiceID      string
	ModelID      string
	OutputFormat string
	Timeout      time.Duration
}

// ElevenLabsSynthesizer renders replies with the ElevenLabs HTTP API in a
// telephony output format so frames go straight back onto the call.
type ElevenLabsSynthesizer struct {
	cfg    ElevenLabsConfig
	client *http.Client
}

func NewElevenLabsSynthesizer(cfg ElevenLabsConfig) *ElevenLabsSynthesizer {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.elevenlabs.io"
	}
	if strings.TrimSpace(cfg.ModelID) == "" {
		cfg.ModelID = "eleven_flash_v2_5"
	}
	if strings.TrimSpace(cfg.OutputFormat) == "" {
		cfg.OutputFormat = "ulaw_8000"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &ElevenLabsSynthesizer{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type elevenTTSRequest struct {
	Text          string             `json:"text"`
	ModelID       string             `json:"model_id"`
	VoiceSettings elevenVoiceSetting `json:"voice_settings"`
}

type elevenVoiceSetting struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

func (s *ElevenLabsSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if strings.TrimSpace(s.cfg.VoiceID) == "" {
		return nil, &SynthesisError{Provider: "elevenlabs", Err: fmt.Errorf("voice_id is required")}
	}

	u, err := url.Parse(strings.TrimRight(s.cfg.BaseURL, "/") + "/v1/text-to-speech/" + url.PathEscape(s.cfg.VoiceID))
	if err != nil {
		return nil, &SynthesisError{Provider: "elevenlabs", Err: err}
	}
	q := u.Query()
	q.Set("output_format", s.cfg.OutputFormat)
	u.RawQuery = q.Encode()

	payload, err := json.Marshal(elevenTTSRequest{
		Text:    text,
		ModelID: s.cfg.ModelID,
		VoiceSettings: elevenVoiceSetting{
			Stability:       0.5,
			SimilarityBoost: 0.8,
		},
	})
	if err != nil {
		return nil, &SynthesisError{Provider: "elevenlabs", Err: err}
	}

	var audio []byte
	policy := reliability.Policy{Attempts: 2, Base: 200 * time.Millisecond, Max: time.Second}
	err = policy.Do(ctx, func(ctx context.Context) (reliability.Attempt, error) {
		out, a, err := s.post(ctx, u.String(), payload)
		audio = out
		return a, err
	})
	if err != nil {
		return nil, &SynthesisError{Provider: "elevenlabs", Err: err}
	}
	return audio, nil
}

func (s *ElevenLabsSynthesizer) post(ctx context.Context, endpoint string, payload []byte) ([]byte, reliability.Attempt, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, reliability.Attempt{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/basic")
	req.Header.Set("xi-api-key", s.cfg.APIKey)

	res, err := s.client.Do(req)
	if err != nil {
		return nil, reliability.Attempt{Retry: ctx.Err() == nil}, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return nil, reliability.ClassifyResponse(res, time.Now()),
			fmt.Errorf("elevenlabs status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	audio, err := io.ReadAll(io.LimitReader(res.Body, 8<<20))
	if err != nil {
		return nil, reliability.Attempt{Retry: true}, fmt.Errorf("read audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, reliability.Attempt{}, fmt.Errorf("elevenlabs returned no audio")
	}
	return audio, reliability.Attempt{}, nil
}
