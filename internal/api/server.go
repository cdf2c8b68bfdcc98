// Package api serves the control plane: routing previews, synchronous
// processing, reloads, history and a live event stream.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mattjoyce/switchyard/internal/config"
	"github.com/mattjoyce/switchyard/internal/events"
	"github.com/mattjoyce/switchyard/internal/history"
	"github.com/mattjoyce/switchyard/internal/log"
	"github.com/mattjoyce/switchyard/internal/orchestrator"
	"github.com/mattjoyce/switchyard/internal/router"
	"github.com/mattjoyce/switchyard/internal/trigger"
)

// Engine is the slice of the orchestrator the API drives.
type Engine interface {
	Route(ctx context.Context, trig trigger.Context) (*router.Result, error)
	Process(ctx context.Context, trig trigger.Context) *orchestrator.Result
	Submit(ctx context.Context, trig trigger.Context) (string, error)
	Reload(ctx context.Context) (*config.Snapshot, error)
	Status() orchestrator.Status
}

// HistoryReader serves the orchestration log.
type HistoryReader interface {
	Get(ctx context.Context, requestID string) (*history.Entry, error)
	Recent(ctx context.Context, f history.Filter) ([]history.Entry, error)
}

// EventSource feeds GET /events.
type EventSource interface {
	Since(lastID int64) []events.Event
	Subscribe() (<-chan events.Event, func())
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// APIKey is the bearer token for every route but /healthz. Empty
	// disables the protected routes.
	APIKey string
}

type Server struct {
	config    Config
	engine    Engine
	history   HistoryReader
	events    EventSource
	gatherer  prometheus.Gatherer
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// Option configures optional collaborators.
type Option func(*Server)

func WithHistory(h HistoryReader) Option { return func(s *Server) { s.history = h } }
func WithEvents(e EventSource) Option    { return func(s *Server) { s.events = e } }

// WithGatherer selects the registry exposed on /metrics.
func WithGatherer(g prometheus.Gatherer) Option { return func(s *Server) { s.gatherer = g } }

func New(config Config, engine Engine, opts ...Option) *Server {
	s := &Server{
		config:    config,
		engine:    engine,
		gatherer:  prometheus.DefaultGatherer,
		logger:    log.WithComponent("api"),
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Minute, // synchronous /process and SSE
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/status", s.handleStatus)
		r.Post("/route", s.handleRoute)
		r.Post("/process", s.handleProcess)
		r.Post("/reload", s.handleReload)
		r.Get("/history", s.handleHistory)
		r.Get("/history/{requestID}", s.handleHistoryEntry)
		r.Get("/events", s.handleEvents)
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	})
	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"http_request_id", middleware.GetReqID(r.Context()),
		)
	})
}
