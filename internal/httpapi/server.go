package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/twilio/twilio-go/client"

	"github.com/ent0n29/callrelay/internal/config"
	"github.com/ent0n29/callrelay/internal/logging"
	"github.com/ent0n29/callrelay/internal/observability"
	"github.com/ent0n29/callrelay/internal/policy"
	"github.com/ent0n29/callrelay/internal/session"
	"github.com/ent0n29/callrelay/internal/transcript"
	"github.com/ent0n29/callrelay/internal/voice"
)

// Orchestrator runs turns on behalf of both call front ends.
type Orchestrator interface {
	Greeting() voice.Reply
	NoInputPrompt() voice.Reply
	HandleUtterance(ctx context.Context, sess *session.CallSession, text string) (voice.Reply, error)
	HandleAudio(ctx context.Context, sess *session.CallSession, utterance []byte) (voice.Reply, error)
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

type Server struct {
	cfg          config.Config
	registry     *session.Registry
	orchestrator Orchestrator
	callers      policy.CallerPolicy
	transcripts  transcript.Store
	metrics      *observability.Metrics
	log          *logrus.Entry
	validator    *client.RequestValidator
	upgrader     websocket.Upgrader
	draining     atomic.Bool
}

func New(
	cfg config.Config,
	registry *session.Registry,
	orchestrator Orchestrator,
	callers policy.CallerPolicy,
	transcripts transcript.Store,
	metrics *observability.Metrics,
	log *logrus.Entry,
) *Server {
	if callers == nil {
		callers = policy.AllowAll{}
	}
	if transcripts == nil {
		transcripts = transcript.NopStore{}
	}
	if log == nil {
		log = logging.Component(nil, "gateway")
	}
	s := &Server{
		cfg:          cfg,
		registry:     registry,
		orchestrator: orchestrator,
		callers:      callers,
		transcripts:  transcripts,
		metrics:      metrics,
		log:          log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyWSOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// The telephony media client sends no Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
	if token := strings.TrimSpace(cfg.TwilioAuthToken); token != "" {
		v := client.NewRequestValidator(token)
		s.validator = &v
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireTwilioSignature)
		r.Post("/voice/incoming", s.handleIncoming)
		r.Post("/voice/gather", s.handleGather)
		r.Post("/voice/status", s.handleStatus)
	})
	r.Get("/voice/stream", s.handleStream)

	r.Get("/v1/calls", s.handleListCalls)
	r.Get("/v1/calls/{id}", s.handleGetCall)
	r.Get("/v1/calls/{id}/transcript", s.handleCallTranscript)
	r.Delete("/v1/calls/{id}", s.handleEndCall)
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Delete("/v1/perf/latency", s.handleResetPerfLatency)

	return r
}

// Drain flips readiness off so load balancers stop routing new calls.
func (s *Server) Drain() {
	s.draining.Store(true)
}

// recoverer keeps one broken request from taking the process down and logs
// the panic with the request id.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.log.WithFields(logrus.Fields{
					"panic":      rec,
					"path":       r.URL.Path,
					"request_id": middleware.GetReqID(r.Context()),
				}).Error("handler panic")
				s.metrics.SessionEvent("handler_panic")
				respondError(w, http.StatusInternalServerError, "internal_error", "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
