package router

import (
	"context"

	"github.com/mattjoyce/switchyard/internal/config"
	"github.com/mattjoyce/switchyard/internal/trigger"
)

// HealthProbe reports whether a backend can take traffic. Any failure to
// reach the backend counts as unhealthy.
type HealthProbe interface {
	Healthy(ctx context.Context, server config.Server) bool
}

// HealthProbeFunc adapts a function to HealthProbe.
type HealthProbeFunc func(ctx context.Context, server config.Server) bool

func (f HealthProbeFunc) Healthy(ctx context.Context, server config.Server) bool {
	return f(ctx, server)
}

// Engine selects backend servers for a trigger.
type Engine interface {
	Route(ctx context.Context, trig trigger.Context) (*Result, error)
	// Reload installs a new configuration generation with empty caches.
	Reload(snap *config.Snapshot)
	Snapshot() *config.Snapshot
	Stats() Stats
}
