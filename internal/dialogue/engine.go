package dialogue

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultSystemPrompt frames every conversation as a phone call.
const DefaultSystemPrompt = "You are a helpful voice assistant on a phone call. " +
	"Keep replies short and clear, one to three sentences. " +
	"Do not use emojis, markdown, lists or special symbols."

// Engine opens per-call conversations with a dialogue provider.
type Engine interface {
	Open(ctx context.Context, callID string) (Conversation, error)
}

// Conversation is the engine-side state of one call.
// Callers never invoke Advance concurrently on the same conversation.
type Conversation interface {
	Advance(ctx context.Context, utterance string) (string, error)
	Close() error
}

// ErrorKind separates failures worth retrying from broken responses.
type ErrorKind string

const (
	Transient ErrorKind = "transient"
	Permanent ErrorKind = "permanent"
)

// EngineError is returned by every provider in this package.
type EngineError struct {
	Kind     ErrorKind
	Provider string
	Err      error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("%s engine %s error: %v", e.Provider, e.Kind, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

func transientError(provider string, err error) error {
	return &EngineError{Kind: Transient, Provider: provider, Err: err}
}

func permanentError(provider string, err error) error {
	return &EngineError{Kind: Permanent, Provider: provider, Err: err}
}

// ErrEmptyReply marks a response that carried no text.
var ErrEmptyReply = errors.New("empty reply")

// KindOf classifies any error coming out of Advance or Open.
// Timeouts and network failures are transient; anything unrecognized is permanent.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Transient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return Transient
	}
	return Permanent
}

// Config controls engine construction.
type Config struct {
	Provider     string
	SystemPrompt string

	GeminiAPIKey string
	GeminiModel  string

	HTTPURL     string
	HTTPRetries int
	HTTPTimeout time.Duration
}

// NewEngine picks a provider. In auto mode Gemini is preferred when a key is
// configured, with the HTTP engine behind it when both are present.
func NewEngine(ctx context.Context, cfg Config, logger *logrus.Entry) (Engine, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "auto"
	}
	if strings.TrimSpace(cfg.SystemPrompt) == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}

	switch provider {
	case "auto":
		return newAutoEngine(ctx, cfg, logger)
	case "gemini":
		if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
			return nil, errors.New("GEMINI_API_KEY is required for gemini engine")
		}
		return NewGeminiEngine(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, cfg.SystemPrompt)
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("ENGINE_HTTP_URL is required for http engine")
		}
		return NewHTTPEngine(cfg.HTTPURL, cfg.SystemPrompt, cfg.HTTPRetries, cfg.HTTPTimeout), nil
	case "mock":
		return NewMockEngine(), nil
	default:
		return nil, fmt.Errorf("unsupported engine provider %q", cfg.Provider)
	}
}

func newAutoEngine(ctx context.Context, cfg Config, logger *logrus.Entry) (Engine, error) {
	var secondary Engine
	if strings.TrimSpace(cfg.HTTPURL) != "" {
		secondary = NewHTTPEngine(cfg.HTTPURL, cfg.SystemPrompt, cfg.HTTPRetries, cfg.HTTPTimeout)
	}

	if strings.TrimSpace(cfg.GeminiAPIKey) != "" {
		gemini, err := NewGeminiEngine(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, cfg.SystemPrompt)
		if err == nil {
			if secondary != nil {
				return NewFallbackEngine(gemini, secondary), nil
			}
			return gemini, nil
		}
		if logger != nil {
			logger.WithError(err).Warn("gemini engine unavailable, continuing without it")
		}
	}

	if secondary != nil {
		return secondary, nil
	}
	if logger != nil {
		logger.Warn("no dialogue engine configured, using mock echo engine")
	}
	return NewMockEngine(), nil
}

// Name reports a short provider label for logs and metrics.
func Name(e Engine) string {
	switch v := e.(type) {
	case *GeminiEngine:
		return "gemini"
	case *HTTPEngine:
		return "http"
	case *MockEngine:
		return "mock"
	case *FallbackEngine:
		return Name(v.primary) + "+" + Name(v.fallback)
	default:
		return "custom"
	}
}
