// Package aggregate reduces per-server dispatch outcomes into one response.
package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/switchyard/internal/dispatch"
	"github.com/mattjoyce/switchyard/internal/log"
	"github.com/mattjoyce/switchyard/internal/router"
	"github.com/mattjoyce/switchyard/internal/trigger"
)

// Merger combines the successful outcomes of one trigger. It is only called
// when at least one outcome succeeded.
type Merger interface {
	Merge(ctx context.Context, trig trigger.Context, routing *router.Result, outcomes []dispatch.Outcome) (map[string]any, error)
}

// MergerFunc adapts a function to Merger.
type MergerFunc func(ctx context.Context, trig trigger.Context, routing *router.Result, outcomes []dispatch.Outcome) (map[string]any, error)

func (f MergerFunc) Merge(ctx context.Context, trig trigger.Context, routing *router.Result, outcomes []dispatch.Outcome) (map[string]any, error) {
	return f(ctx, trig, routing, outcomes)
}

// Aggregation is the reduced result of one dispatch phase.
type Aggregation struct {
	Success  bool
	Response map[string]any
	Elapsed  time.Duration
	// MergeError is set when the merger failed; Success is unaffected.
	MergeError string
}

// Aggregator applies a Merger to dispatch outcomes.
type Aggregator struct {
	merger Merger
	now    func() time.Time
	logger *slog.Logger
}

// New creates an Aggregator. A nil merger selects MergeByServer.
func New(merger Merger) *Aggregator {
	if merger == nil {
		merger = MergerFunc(MergeByServer)
	}
	return &Aggregator{
		merger: merger,
		now:    time.Now,
		logger: log.WithComponent("aggregate"),
	}
}

// Aggregate reports success when any outcome succeeded and merges the
// successful payloads. Elapsed is measured from startedAt.
func (a *Aggregator) Aggregate(ctx context.Context, trig trigger.Context, routing *router.Result, outcomes []dispatch.Outcome, startedAt time.Time) (agg Aggregation) {
	defer func() { agg.Elapsed = a.now().Sub(startedAt) }()

	for _, o := range outcomes {
		if o.Success {
			agg.Success = true
			break
		}
	}
	if !agg.Success {
		return agg
	}

	resp, err := a.safeMerge(ctx, trig, routing, outcomes)
	if err != nil {
		a.logger.Warn("merge failed", "kind", trig.Kind, "error", err)
		agg.MergeError = err.Error()
		return agg
	}
	agg.Response = resp
	return agg
}

func (a *Aggregator) safeMerge(ctx context.Context, trig trigger.Context, routing *router.Result, outcomes []dispatch.Outcome) (resp map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp, err = nil, fmt.Errorf("merger panicked: %v", r)
		}
	}()
	return a.merger.Merge(ctx, trig, routing, outcomes)
}

// MergeByServer keys every successful payload by server name and lists
// per-server timing in selection order.
func MergeByServer(_ context.Context, _ trigger.Context, _ *router.Result, outcomes []dispatch.Outcome) (map[string]any, error) {
	responses := make(map[string]any)
	servers := make([]map[string]any, 0, len(outcomes))
	succeeded, failed := 0, 0

	for _, o := range outcomes {
		entry := map[string]any{
			"name":       o.Server,
			"success":    o.Success,
			"elapsed_ms": o.Elapsed.Milliseconds(),
			"attempts":   o.Attempts,
		}
		if o.Success {
			succeeded++
			responses[o.Server] = o.Payload
		} else {
			failed++
			entry["error"] = o.Error
		}
		servers = append(servers, entry)
	}

	return map[string]any{
		"responses": responses,
		"servers":   servers,
		"succeeded": succeeded,
		"failed":    failed,
	}, nil
}
