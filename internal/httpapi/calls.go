package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/callrelay/internal/session"
	"github.com/ent0n29/callrelay/internal/transcript"
)

const defaultTranscriptLimit = 200

func (s *Server) handleListCalls(w http.ResponseWriter, _ *http.Request) {
	calls := s.registry.Snapshots()
	respondJSON(w, http.StatusOK, map[string]any{
		"active": len(calls),
		"calls":  calls,
	})
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	snap, ok := s.registry.Snapshot(id)
	if !ok {
		respondError(w, http.StatusNotFound, "call_not_found", "no live call with id "+id)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

// handleCallTranscript reads the mirrored transcript, which outlives the call.
func (s *Server) handleCallTranscript(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	limit := defaultTranscriptLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}

	records, err := s.transcripts.CallTurns(r.Context(), id, limit)
	if err != nil {
		s.log.WithError(err).WithField("call_id", id).Warn("read transcript")
		respondError(w, http.StatusBadGateway, "transcript_unavailable", "transcript store unavailable")
		return
	}
	if records == nil {
		records = []transcript.Record{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"call_id": id,
		"turns":   records,
	})
}

func (s *Server) handleEndCall(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if !s.registry.Terminate(id, session.EndTeardown) {
		respondError(w, http.StatusNotFound, "call_not_found", "no live call with id "+id)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"call_id":    id,
		"terminated": true,
	})
}
