package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/switchyard/internal/config"
	"github.com/mattjoyce/switchyard/internal/history"
	"github.com/mattjoyce/switchyard/internal/orchestrator"
	"github.com/mattjoyce/switchyard/internal/trigger"
)

// maxTriggerBody caps /route and /process request bodies.
const maxTriggerBody = 1 << 20

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	st := s.engine.Status()
	s.writeJSON(w, http.StatusOK, HealthzResponse{
		Status:         "ok",
		UptimeSeconds:  int64(time.Since(s.startedAt).Seconds()),
		Fingerprint:    st.Fingerprint,
		ActiveRequests: st.ActiveRequests,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Status())
}

// handleRoute previews routing without dispatching.
func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	trig, ok := s.decodeTrigger(w, r)
	if !ok {
		return
	}
	res, err := s.engine.Route(r.Context(), trig)
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// handleProcess runs the pipeline synchronously, or in the background with
// ?async=true.
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	trig, ok := s.decodeTrigger(w, r)
	if !ok {
		return
	}

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		id, err := s.engine.Submit(r.Context(), trig)
		switch {
		case err == nil:
			s.writeJSON(w, http.StatusAccepted, AcceptedResponse{Status: "accepted", RequestID: id})
		case errors.Is(err, orchestrator.ErrBusy), errors.Is(err, orchestrator.ErrShuttingDown):
			w.Header().Set("Retry-After", "5")
			s.writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			s.writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	s.writeJSON(w, http.StatusOK, s.engine.Process(r.Context(), trig))
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.Reload(r.Context())
	var verr *config.ValidationError
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, ReloadResponse{
			Fingerprint: snap.Fingerprint,
			Servers:     len(snap.Servers),
			Rules:       len(snap.Rules),
			CompiledAt:  snap.CompiledAt,
		})
	case errors.Is(err, orchestrator.ErrNoLoader):
		s.writeError(w, http.StatusNotImplemented, err.Error())
	case errors.As(err, &verr):
		s.writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:    "configuration rejected",
			Problems: verr.Problems,
		})
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, "history is disabled")
		return
	}

	q := r.URL.Query()
	f := history.Filter{Kind: q.Get("kind")}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			s.writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		f.Limit = n
	}
	if v := q.Get("failed"); v != "" {
		failed, err := strconv.ParseBool(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "failed must be a boolean")
			return
		}
		f.FailedOnly = failed
	}

	entries, err := s.history.Recent(r.Context(), f)
	if err != nil {
		s.logger.Error("failed to read history", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func (s *Server) handleHistoryEntry(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, "history is disabled")
		return
	}
	e, err := s.history.Get(r.Context(), chi.URLParam(r, "requestID"))
	if errors.Is(err, history.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "request not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to read history entry", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	s.writeJSON(w, http.StatusOK, e)
}

// decodeTrigger reads and validates a trigger body, answering 400 itself
// on failure.
func (s *Server) decodeTrigger(w http.ResponseWriter, r *http.Request) (trigger.Context, bool) {
	var trig trigger.Context
	body, err := io.ReadAll(io.LimitReader(r.Body, maxTriggerBody))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return trig, false
	}
	if err := json.Unmarshal(body, &trig); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return trig, false
	}
	if trig.Source == "" {
		trig.Source = "api"
	}
	if trig.CreatedAt.IsZero() {
		trig.CreatedAt = time.Now().UTC()
	}
	if err := trig.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return trig, false
	}
	return trig, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, ErrorResponse{Error: message})
}
