package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/mattjoyce/switchyard/internal/config"
	"github.com/mattjoyce/switchyard/internal/dispatch"
	"github.com/mattjoyce/switchyard/internal/router"
	"github.com/mattjoyce/switchyard/internal/trigger"
)

var (
	// ErrBusy is returned by Submit when max_concurrent_requests triggers are
	// already in flight.
	ErrBusy = errors.New("too many concurrent requests")
	// ErrShuttingDown is returned by Submit after Shutdown has begun.
	ErrShuttingDown = errors.New("engine is shutting down")
	// ErrNoLoader is returned by Reload when no configuration source is set.
	ErrNoLoader = errors.New("no configuration loader")
)

// Stage is how far a trigger got through the pipeline.
type Stage string

const (
	StagePending    Stage = "pending"
	StageRouted     Stage = "routed"
	StageDispatched Stage = "dispatched"
	StageAggregated Stage = "aggregated"
	StageDone       Stage = "done"
	StageError      Stage = "error"
)

// Result is the complete record of one processed trigger. On error the
// fields filled before the failure are kept.
type Result struct {
	RequestID   string             `json:"request_id"`
	Trigger     trigger.Context    `json:"trigger"`
	Routing     *router.Result     `json:"routing,omitempty"`
	Outcomes    []dispatch.Outcome `json:"outcomes"`
	Response    map[string]any     `json:"response,omitempty"`
	Success     bool               `json:"success"`
	Stage       Stage              `json:"stage"`
	Error       string             `json:"error,omitempty"`
	Elapsed     time.Duration      `json:"elapsed"`
	CompletedAt time.Time          `json:"completed_at"`
}

// Status is a point-in-time view of the engine.
type Status struct {
	Fingerprint     string                         `json:"config_fingerprint"`
	Servers         int                            `json:"servers"`
	EnabledServers  int                            `json:"enabled_servers"`
	Rules           int                            `json:"rules"`
	RouteCacheSize  int                            `json:"route_cache_size"`
	HealthCacheSize int                            `json:"health_cache_size"`
	Health          map[string]router.HealthStatus `json:"health"`
	ActiveRequests  int64                          `json:"active_requests"`
	MaxConcurrent   int                            `json:"max_concurrent_requests"`
	StartedAt       time.Time                      `json:"started_at"`
	Uptime          time.Duration                  `json:"uptime"`
}

// Enricher supplies context snippets for a trigger's content.
type Enricher interface {
	Enrich(ctx context.Context, content string, kind trigger.Kind) ([]string, error)
}

// Loader produces a fresh configuration for Reload.
type Loader interface {
	Load(ctx context.Context) (*config.Config, error)
}

// Recorder persists finished results.
type Recorder interface {
	Record(ctx context.Context, res *Result) error
}

// Publisher receives lifecycle events.
type Publisher interface {
	Publish(eventType string, data any)
}

// Metadata keys set on the enriched trigger copy.
const (
	MetaEnrichmentContext = "enrichment_context"
	MetaEnrichmentApplied = "enrichment_applied"
)
