package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/switchyard/internal/dispatch"
	"github.com/mattjoyce/switchyard/internal/events"
	"github.com/mattjoyce/switchyard/internal/log"
	"github.com/mattjoyce/switchyard/internal/metrics"
	"github.com/mattjoyce/switchyard/internal/trigger"
)

func (e *Engine) process(ctx context.Context, id string, trig trigger.Context) (res *Result) {
	start := time.Now()
	e.active.Add(1)
	if e.metrics {
		metrics.RequestStarted()
	}
	logger := log.WithTrigger(id).With("component", "orchestrator", "kind", trig.Kind)

	res = &Result{
		RequestID: id,
		Trigger:   trig,
		Outcomes:  []dispatch.Outcome{},
		Stage:     StagePending,
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("pipeline panicked", "stage", res.Stage, "panic", r)
			res.fail(fmt.Errorf("internal error: %v", r))
		}
		res.Elapsed = time.Since(start)
		res.CompletedAt = time.Now()

		e.active.Add(-1)
		if e.metrics {
			metrics.RequestFinished()
			metrics.ObserveProcess(res.Elapsed, res.Success)
		}
		e.finish(ctx, res)
	}()

	if err := trig.Validate(); err != nil {
		res.fail(err)
		return res
	}
	e.publish(events.TriggerReceived, map[string]any{
		"request_id": id,
		"kind":       trig.Kind,
		"source":     trig.Source,
	})

	routing, err := e.router.Route(ctx, trig)
	if err != nil {
		res.fail(cancelReason(err))
		return res
	}
	res.Routing = routing
	res.Stage = StageRouted
	e.publish(events.TriggerRouted, map[string]any{
		"request_id": id,
		"selected":   routing.Selected,
		"fallback":   routing.FallbackUsed,
		"reason":     routing.Reason,
	})

	if len(routing.Selected) > 0 {
		res.Outcomes = e.Dispatch(ctx, e.enrich(ctx, trig), routing.Selected)
	}
	if err := ctx.Err(); err != nil {
		res.fail(cancelReason(err))
		return res
	}
	res.Stage = StageDispatched
	e.publish(events.TriggerDispatched, map[string]any{
		"request_id": id,
		"outcomes":   len(res.Outcomes),
	})

	agg := e.aggregator.Aggregate(ctx, trig, routing, res.Outcomes, start)
	res.Success = agg.Success
	res.Response = agg.Response
	res.Stage = StageAggregated

	res.Stage = StageDone
	logger.Info("trigger processed",
		"selected", routing.Selected,
		"success", res.Success,
		"fallback", routing.FallbackUsed,
	)
	return res
}

// fail moves the result to the error stage, keeping partial data.
func (r *Result) fail(err error) {
	r.Stage = StageError
	r.Success = false
	r.Error = err.Error()
}

func cancelReason(err error) error {
	if errors.Is(err, context.Canceled) {
		return dispatch.ErrCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return dispatch.ErrRequestTimeout
	}
	return err
}

// enrich returns a copy of trig carrying enrichment snippets, or trig itself
// when there is no enricher or it yields nothing.
func (e *Engine) enrich(ctx context.Context, trig trigger.Context) (out trigger.Context) {
	if e.enricher == nil {
		return trig
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("enricher panicked", "panic", r)
			out = trig
		}
	}()

	snippets, err := e.enricher.Enrich(ctx, trig.Content, trig.Kind)
	if err != nil {
		e.logger.Warn("enrichment failed", "kind", trig.Kind, "error", err)
		return trig
	}
	if len(snippets) == 0 {
		return trig
	}
	return trig.WithMetadata(map[string]any{
		MetaEnrichmentContext: snippets,
		MetaEnrichmentApplied: true,
	})
}

// finish records and announces a completed result. Recording outlives the
// caller's cancellation.
func (e *Engine) finish(ctx context.Context, res *Result) {
	if e.recorder != nil {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
		if err := e.recorder.Record(rctx, res); err != nil {
			e.logger.Error("failed to record result", "request_id", res.RequestID, "error", err)
		}
		cancel()
	}

	eventType := events.TriggerCompleted
	if res.Stage == StageError {
		eventType = events.TriggerFailed
	}
	e.publish(eventType, map[string]any{
		"request_id": res.RequestID,
		"stage":      res.Stage,
		"success":    res.Success,
		"error":      res.Error,
		"elapsed_ms": res.Elapsed.Milliseconds(),
	})
}
