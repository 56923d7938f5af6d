package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the call relay service.
type Config struct {
	BindAddr                 string
	PublicURL                string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	JanitorInterval          time.Duration
	MetricsNamespace         string

	// CallMode selects the front end used for new calls: "gather" answers with
	// speech-gather directives, "stream" connects a bidirectional media stream.
	CallMode          string
	CallLocale        string
	CallVoice         string
	Greeting          string
	NoInputPrompt     string
	FallbackApology   string
	NoAnswer          string
	ListenTimeout     time.Duration
	SpeechHints       string
	CallerAllowlist   []string
	TwilioAuthToken   string
	AllowAnyWSOrigin  bool
	MaxUtterance      time.Duration
	EndpointSilence   time.Duration
	EndpointThreshold int

	EngineProvider     string
	EngineTimeout      time.Duration
	EngineSystemPrompt string
	GeminiAPIKey       string
	GeminiModel        string
	EngineHTTPURL      string
	EngineHTTPRetries  int

	STTProvider       string
	STTTimeout        time.Duration
	STTWhisperURL     string
	GoogleCredentials string

	TTSProvider       string
	TTSTimeout        time.Duration
	ElevenLabsAPIKey  string
	ElevenLabsBaseURL string
	ElevenLabsVoiceID string
	ElevenLabsModelID string
	ElevenLabsFormat  string

	TranscriptStore string
	DatabaseURL     string
	RedisAddr       string
	RedisPassword   string
	RedisDB         int

	LogLevel  string
	LogFormat string
	LogFile   string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":3000"),
		PublicURL:        stringsTrimSpace("APP_PUBLIC_URL"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "callrelay"),
		CallMode:         strings.ToLower(envOrDefault("CALL_MODE", "gather")),
		CallLocale:       envOrDefault("CALL_LOCALE", "en-US"),
		CallVoice:        envOrDefault("CALL_VOICE", "alice"),
		Greeting:         envOrDefault("CALL_GREETING", "Connecting you to the assistant. Ask me anything."),
		NoInputPrompt:    envOrDefault("CALL_NO_INPUT_PROMPT", "I did not hear anything. Please try again."),
		FallbackApology:  envOrDefault("CALL_FALLBACK_APOLOGY", "Sorry, something went wrong. Please try again."),
		NoAnswer:         envOrDefault("CALL_NO_ANSWER", "Sorry, I don't have an answer for that."),
		SpeechHints:      stringsTrimSpace("CALL_SPEECH_HINTS"),
		TwilioAuthToken:  stringsTrimSpace("TWILIO_AUTH_TOKEN"),

		EngineProvider: envOrDefault("ENGINE_PROVIDER", "auto"),
		// Mirrors the instruction the phone agent has always run with.
		EngineSystemPrompt: envOrDefault("ENGINE_SYSTEM_PROMPT",
			"You are a helpful assistant speaking over a phone call. Keep replies short and clear. Do not use emojis."),
		GeminiAPIKey:      stringsTrimSpace("GEMINI_API_KEY"),
		GeminiModel:       envOrDefault("GEMINI_MODEL", "gemini-2.0-flash"),
		EngineHTTPURL:     stringsTrimSpace("ENGINE_HTTP_URL"),
		EngineHTTPRetries: 1,

		STTProvider:   envOrDefault("STT_PROVIDER", "auto"),
		STTWhisperURL: stringsTrimSpace("STT_WHISPER_URL"),

		// The Google client reads this itself; here it only drives provider selection.
		GoogleCredentials: stringsTrimSpace("GOOGLE_APPLICATION_CREDENTIALS"),

		TTSProvider:       envOrDefault("TTS_PROVIDER", "auto"),
		ElevenLabsAPIKey:  stringsTrimSpace("ELEVENLABS_API_KEY"),
		ElevenLabsBaseURL: envOrDefault("ELEVENLABS_BASE_URL", "https://api.elevenlabs.io"),
		ElevenLabsVoiceID: envOrDefault("ELEVENLABS_VOICE_ID", "cgSgspJ2msm6clMCkdW9"),
		ElevenLabsModelID: envOrDefault("ELEVENLABS_MODEL_ID", "eleven_flash_v2_5"),
		// Telephony media streams carry 8 kHz mu-law.
		ElevenLabsFormat: envOrDefault("ELEVENLABS_OUTPUT_FORMAT", "ulaw_8000"),

		TranscriptStore: envOrDefault("TRANSCRIPT_STORE", "memory"),
		DatabaseURL:     stringsTrimSpace("DATABASE_URL"),
		RedisAddr:       envOrDefault("REDIS_ADDR", "localhost:6379"),
		RedisPassword:   stringsTrimSpace("REDIS_PASSWORD"),

		LogLevel:  envOrDefault("LOG_LEVEL", "info"),
		LogFormat: envOrDefault("LOG_FORMAT", "text"),
		LogFile:   stringsTrimSpace("LOG_FILE"),

		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 10 * time.Minute,
		JanitorInterval:          15 * time.Second,
		ListenTimeout:            5 * time.Second,
		MaxUtterance:             15 * time.Second,
		EndpointSilence:          700 * time.Millisecond,
		EndpointThreshold:        500,
		EngineTimeout:            8 * time.Second,
		STTTimeout:               5 * time.Second,
		TTSTimeout:               5 * time.Second,
	}

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"APP_SESSION_INACTIVITY_TIMEOUT", &cfg.SessionInactivityTimeout},
		{"APP_JANITOR_INTERVAL", &cfg.JanitorInterval},
		{"CALL_LISTEN_TIMEOUT", &cfg.ListenTimeout},
		{"CALL_MAX_UTTERANCE", &cfg.MaxUtterance},
		{"CALL_ENDPOINT_SILENCE", &cfg.EndpointSilence},
		{"ENGINE_TIMEOUT", &cfg.EngineTimeout},
		{"STT_TIMEOUT", &cfg.STTTimeout},
		{"TTS_TIMEOUT", &cfg.TTSTimeout},
	}
	for _, d := range durations {
		*d.dst, err = durationFromEnv(d.key, *d.dst)
		if err != nil {
			return Config{}, err
		}
	}

	cfg.EngineHTTPRetries, err = intFromEnv("ENGINE_HTTP_RETRIES", cfg.EngineHTTPRetries)
	if err != nil {
		return Config{}, err
	}
	cfg.EndpointThreshold, err = intFromEnv("CALL_ENDPOINT_THRESHOLD", cfg.EndpointThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.RedisDB, err = intFromEnv("REDIS_DB", cfg.RedisDB)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyWSOrigin, err = boolFromEnv("APP_ALLOW_ANY_WS_ORIGIN", true)
	if err != nil {
		return Config{}, err
	}
	cfg.CallerAllowlist = listFromEnv("CALL_ALLOWLIST")

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	switch c.CallMode {
	case "gather", "stream":
	default:
		return fmt.Errorf("CALL_MODE must be gather or stream, got %q", c.CallMode)
	}
	if c.CallMode == "stream" && c.PublicURL == "" {
		return fmt.Errorf("APP_PUBLIC_URL is required when CALL_MODE=stream")
	}
	if c.SessionInactivityTimeout < 5*time.Second {
		return fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if c.ListenTimeout < time.Second {
		return fmt.Errorf("CALL_LISTEN_TIMEOUT must be at least 1s")
	}
	for key, d := range map[string]time.Duration{
		"ENGINE_TIMEOUT": c.EngineTimeout,
		"STT_TIMEOUT":    c.STTTimeout,
		"TTS_TIMEOUT":    c.TTSTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	if c.EngineHTTPRetries < 0 {
		return fmt.Errorf("ENGINE_HTTP_RETRIES must be >= 0")
	}
	if c.EndpointThreshold <= 0 {
		return fmt.Errorf("CALL_ENDPOINT_THRESHOLD must be positive")
	}
	if strings.EqualFold(c.TranscriptStore, "postgres") && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required when TRANSCRIPT_STORE=postgres")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}

// listFromEnv splits a comma separated value, dropping blanks.
func listFromEnv(key string) []string {
	raw := stringsTrimSpace(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
