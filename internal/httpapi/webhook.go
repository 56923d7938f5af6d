package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ent0n29/callrelay/internal/directive"
	"github.com/ent0n29/callrelay/internal/policy"
	"github.com/ent0n29/callrelay/internal/session"
	"github.com/ent0n29/callrelay/internal/voice"
)

const (
	gatherPath = "/voice/gather"
	streamPath = "/voice/stream"

	// streamCallerParam carries the caller id into the media stream start event.
	streamCallerParam = "callerId"
)

// Call statuses after which the call no longer exists on the carrier side.
var terminalCallStatuses = map[string]bool{
	"completed": true,
	"busy":      true,
	"failed":    true,
	"no-answer": true,
	"canceled":  true,
}

// requireTwilioSignature rejects webhooks whose X-Twilio-Signature does not
// match the configured auth token. Without a token every request passes.
func (s *Server) requireTwilioSignature(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.validator == nil {
			next.ServeHTTP(w, r)
			return
		}
		if err := r.ParseForm(); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_form", err.Error())
			return
		}
		params := make(map[string]string, len(r.PostForm))
		for k, v := range r.PostForm {
			if len(v) > 0 {
				params[k] = v[0]
			}
		}
		if !s.validator.Validate(s.externalURL(r), params, r.Header.Get("X-Twilio-Signature")) {
			s.metrics.SessionEvent("signature_rejected")
			s.log.WithField("path", r.URL.Path).Warn("webhook signature mismatch")
			respondError(w, http.StatusForbidden, "invalid_signature", "request signature mismatch")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleIncoming answers a new call: reject, greet and listen, or hand the
// audio to the media stream endpoint.
func (s *Server) handleIncoming(w http.ResponseWriter, r *http.Request) {
	callID, from, ok := s.callParams(w, r)
	if !ok {
		return
	}
	log := s.log.WithFields(logrus.Fields{"call_id": callID, "caller": policy.MaskCallerID(from)})

	if s.draining.Load() {
		log.Info("shutting down, rejecting call as busy")
		s.metrics.SessionEvent("call_rejected")
		s.respondTwiML(w, directive.Reject{Reason: "busy"})
		return
	}
	if !s.callers.Allow(from) {
		log.Info("caller not allowed, rejecting")
		s.metrics.SessionEvent("call_rejected")
		s.respondTwiML(w, directive.Reject{})
		return
	}

	_, created := s.registry.GetOrCreate(callID, s.sessionOptions(from))
	if created {
		log.WithField("mode", s.cfg.CallMode).Info("call started")
	}

	if s.cfg.CallMode == "stream" {
		params := map[string]string{}
		if from != "" {
			params[streamCallerParam] = from
		}
		s.respondTwiML(w, directive.StreamTo{URL: s.streamURL(r), Params: params})
		return
	}

	greeting := s.orchestrator.Greeting()
	s.respondTwiML(w, s.listen(r, s.speak(greeting)))
}

// handleGather runs one turn for the speech result of a gather.
func (s *Server) handleGather(w http.ResponseWriter, r *http.Request) {
	callID, from, ok := s.callParams(w, r)
	if !ok {
		return
	}
	log := s.log.WithField("call_id", callID)

	sess, exists := s.registry.Get(callID)
	if !exists {
		// The previous session ended (idle sweep or teardown); a live call
		// still talking to us starts over with a fresh session.
		if !s.callers.Allow(from) {
			s.respondTwiML(w, directive.Hangup{})
			return
		}
		sess, _ = s.registry.GetOrCreate(callID, s.sessionOptions(from))
		log.Info("gather for unknown call, new session created")
	}

	reply, err := s.orchestrator.HandleUtterance(r.Context(), sess, r.PostForm.Get("SpeechResult"))
	if err != nil {
		if !errors.Is(err, session.ErrSessionTerminated) {
			log.WithError(err).Error("turn failed")
		}
		s.respondTwiML(w, directive.Hangup{})
		return
	}
	s.respondTwiML(w, s.listen(r, s.speak(reply)))
}

// handleStatus tears the session down once the carrier reports the call over.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	callID, _, ok := s.callParams(w, r)
	if !ok {
		return
	}
	status := strings.ToLower(strings.TrimSpace(r.PostForm.Get("CallStatus")))
	if terminalCallStatuses[status] {
		if s.registry.Terminate(callID, session.EndHangup) {
			s.log.WithFields(logrus.Fields{"call_id": callID, "status": status}).Info("call ended")
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) callParams(w http.ResponseWriter, r *http.Request) (callID, from string, ok bool) {
	if err := r.ParseForm(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_form", err.Error())
		return "", "", false
	}
	callID = strings.TrimSpace(r.PostForm.Get("CallSid"))
	if callID == "" {
		respondError(w, http.StatusBadRequest, "missing_call_sid", "CallSid is required")
		return "", "", false
	}
	return callID, strings.TrimSpace(r.PostForm.Get("From")), true
}

func (s *Server) sessionOptions(callerID string) session.Options {
	return session.Options{CallerID: callerID, Locale: s.cfg.CallLocale, Voice: s.cfg.CallVoice}
}

func (s *Server) speak(reply voice.Reply) directive.Speak {
	return directive.Speak{Text: reply.Text, Locale: s.cfg.CallLocale, Voice: s.cfg.CallVoice}
}

// listen plays prompt inside the gather so the caller can talk over it.
func (s *Server) listen(r *http.Request, prompt directive.Speak) directive.Listen {
	action := gatherPath
	if s.cfg.PublicURL != "" {
		action = s.baseURL(r) + gatherPath
	}
	return directive.Listen{
		Action:  action,
		Timeout: s.cfg.ListenTimeout,
		Locale:  s.cfg.CallLocale,
		Hints:   s.cfg.SpeechHints,
		Prompt:  &prompt,
	}
}

func (s *Server) respondTwiML(w http.ResponseWriter, directives ...directive.Directive) {
	body, err := directive.Render(directives...)
	if err != nil {
		s.log.WithError(err).Error("render twiml")
		body = `<?xml version="1.0" encoding="UTF-8"?><Response><Hangup/></Response>`
	}
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

// baseURL is the externally visible origin of this service.
func (s *Server) baseURL(r *http.Request) string {
	if s.cfg.PublicURL != "" {
		return strings.TrimRight(s.cfg.PublicURL, "/")
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = strings.TrimSpace(strings.Split(proto, ",")[0])
	}
	return scheme + "://" + r.Host
}

func (s *Server) externalURL(r *http.Request) string {
	return s.baseURL(r) + r.URL.RequestURI()
}

func (s *Server) streamURL(r *http.Request) string {
	base := s.baseURL(r)
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + streamPath
}
