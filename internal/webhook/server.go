package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/switchyard/internal/config"
	"github.com/mattjoyce/switchyard/internal/log"
	"github.com/mattjoyce/switchyard/internal/orchestrator"
	"github.com/mattjoyce/switchyard/internal/trigger"
)

// Server is the webhook HTTP listener.
type Server struct {
	listen    string
	endpoints map[string]*endpoint
	submitter Submitter
	logger    *slog.Logger
	server    *http.Server
}

// New builds a webhook server for the configured endpoints.
func New(wc *config.WebhooksConfig, submitter Submitter) (*Server, error) {
	endpoints, err := endpointsFrom(wc)
	if err != nil {
		return nil, err
	}
	s := &Server{
		endpoints: endpoints,
		submitter: submitter,
		logger:    log.WithComponent("webhook"),
	}
	if wc != nil {
		s.listen = wc.Listen
	}
	return s, nil
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.listen,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info("webhook server starting", "listen", s.listen, "endpoints", len(s.endpoints))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("webhook server shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("webhook server error: %w", err)
	}
}

// Handler returns the routed handler, for embedding and tests.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	for path := range s.endpoints {
		r.Post(path, s.handleWebhook)
	}
	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// Bodies are never logged.
		s.logger.Info("webhook request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"http_request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ep, ok := s.endpoints[r.URL.Path]
	if !ok {
		s.respondError(w, http.StatusNotFound, "endpoint not found")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, ep.maxBodySize+1))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if int64(len(body)) > ep.maxBodySize {
		s.respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	if ep.secret != "" {
		if err := verifySignature(body, r.Header.Get(ep.signatureHeader), ep.secret); err != nil {
			s.logger.Warn("webhook signature rejected", "path", ep.path, "header", ep.signatureHeader)
			s.respondError(w, http.StatusForbidden, "forbidden")
			return
		}
	}

	var (
		trig  trigger.Context
		event string
	)
	switch ep.format {
	case FormatGitHub:
		event = r.Header.Get(eventHeader)
		if event == "" {
			s.respondError(w, http.StatusBadRequest, "missing "+eventHeader+" header")
			return
		}
		if event == "ping" {
			s.respondJSON(w, http.StatusOK, IgnoredResponse{Status: "pong", Event: event, Reason: "ping"})
			return
		}
		trig, err = githubTrigger(event, body)
	default:
		trig, err = genericTrigger(ep.path, body)
	}
	if errors.Is(err, errIgnored) {
		s.logger.Debug("webhook delivery ignored", "path", ep.path, "event", event, "reason", err)
		s.respondJSON(w, http.StatusOK, IgnoredResponse{Status: "ignored", Event: event, Reason: err.Error()})
		return
	}
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.submitter.Submit(r.Context(), trig)
	switch {
	case err == nil:
	case errors.Is(err, orchestrator.ErrBusy), errors.Is(err, orchestrator.ErrShuttingDown):
		w.Header().Set("Retry-After", "5")
		s.respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	default:
		s.logger.Error("failed to submit webhook trigger", "path", ep.path, "event", event, "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to submit trigger")
		return
	}

	s.logger.Info("webhook trigger submitted",
		"path", ep.path,
		"event", event,
		"kind", trig.Kind,
		"request_id", id,
	)
	s.respondJSON(w, http.StatusAccepted, AcceptedResponse{Status: "accepted", RequestID: id, Event: event})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, ErrorResponse{Error: message})
}
