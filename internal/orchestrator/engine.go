// Package orchestrator runs triggers through routing, dispatch and
// aggregation, and owns configuration reloads.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/switchyard/internal/aggregate"
	"github.com/mattjoyce/switchyard/internal/config"
	"github.com/mattjoyce/switchyard/internal/dispatch"
	"github.com/mattjoyce/switchyard/internal/events"
	"github.com/mattjoyce/switchyard/internal/log"
	"github.com/mattjoyce/switchyard/internal/metrics"
	"github.com/mattjoyce/switchyard/internal/router"
	"github.com/mattjoyce/switchyard/internal/trigger"
)

// recordTimeout bounds history writes after a trigger completes.
const recordTimeout = 5 * time.Second

// Engine is the routing-and-dispatch core.
type Engine struct {
	router     *router.Router
	dispatcher *dispatch.Dispatcher
	aggregator *aggregate.Aggregator

	probe    router.HealthProbe
	merger   aggregate.Merger
	enricher Enricher
	loader   Loader
	recorder Recorder
	events   Publisher
	metrics  bool

	// slots bounds Submit; replaced on reload when the limit changes.
	slots  atomic.Pointer[chan struct{}]
	active atomic.Int64

	reloadMu sync.Mutex

	lifeMu   sync.Mutex
	closed   bool
	inflight sync.WaitGroup
	baseCtx  context.Context
	cancel   context.CancelFunc

	startedAt time.Time
	logger    *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

func WithHealthProbe(p router.HealthProbe) Option { return func(e *Engine) { e.probe = p } }
func WithMerger(m aggregate.Merger) Option        { return func(e *Engine) { e.merger = m } }
func WithEnricher(en Enricher) Option             { return func(e *Engine) { e.enricher = en } }
func WithLoader(l Loader) Option                  { return func(e *Engine) { e.loader = l } }
func WithRecorder(r Recorder) Option              { return func(e *Engine) { e.recorder = r } }
func WithEvents(p Publisher) Option               { return func(e *Engine) { e.events = p } }

// WithMetrics feeds routing, dispatch and processing into the Prometheus
// collectors in package metrics.
func WithMetrics() Option { return func(e *Engine) { e.metrics = true } }

// New builds an Engine serving snap and executing requests through exec.
func New(snap *config.Snapshot, exec dispatch.Executor, opts ...Option) *Engine {
	e := &Engine{
		startedAt: time.Now(),
		logger:    log.WithComponent("orchestrator"),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.baseCtx, e.cancel = context.WithCancel(context.Background())

	routerOpts := []router.Option{router.WithHealthProbe(e.probe)}
	var dispatchOpts []dispatch.Option
	if e.metrics {
		routerOpts = append(routerOpts, router.WithObserver(func(res *router.Result, cached bool) {
			metrics.ObserveRoute(cached, res.FallbackUsed)
		}))
		dispatchOpts = append(dispatchOpts, dispatch.WithObserver(func(o dispatch.Outcome) {
			metrics.ObserveDispatch(o.Server, o.Success, o.Attempts)
		}))
	}

	e.router = router.New(snap, routerOpts...)
	e.dispatcher = dispatch.New(exec, dispatch.SettingsFrom(snap), dispatchOpts...)
	e.aggregator = aggregate.New(e.merger)
	e.resizeSlots(snap.MaxConcurrentRequests)
	return e
}

// Route selects servers for trig without dispatching.
func (e *Engine) Route(ctx context.Context, trig trigger.Context) (*router.Result, error) {
	if err := trig.Validate(); err != nil {
		return nil, err
	}
	return e.router.Route(ctx, trig)
}

// Dispatch sends trig to the named servers, in order. Names missing from
// the active configuration yield a failed outcome without a call.
func (e *Engine) Dispatch(ctx context.Context, trig trigger.Context, names []string) []dispatch.Outcome {
	snap := e.router.Snapshot()
	known := make([]config.Server, 0, len(names))
	slot := make([]int, len(names))
	for i, name := range names {
		s, ok := snap.Server(name)
		if !ok {
			slot[i] = -1
			continue
		}
		slot[i] = len(known)
		known = append(known, s)
	}

	got := e.dispatcher.Dispatch(ctx, trig, known)
	if len(known) == len(names) {
		return got
	}

	out := make([]dispatch.Outcome, len(names))
	for i, name := range names {
		if slot[i] < 0 {
			out[i] = dispatch.Outcome{
				Server: name,
				Error:  fmt.Sprintf("unknown server %q", name),
				At:     time.Now(),
			}
			continue
		}
		out[i] = got[slot[i]]
	}
	return out
}

// Process runs the full pipeline for trig and always returns a result;
// failures are reported in it rather than as errors.
func (e *Engine) Process(ctx context.Context, trig trigger.Context) *Result {
	return e.process(ctx, uuid.NewString(), trig)
}

// Submit processes trig in the background and returns its request id.
// At most max_concurrent_requests triggers run at once.
func (e *Engine) Submit(ctx context.Context, trig trigger.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := trig.Validate(); err != nil {
		return "", err
	}

	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if e.closed {
		return "", ErrShuttingDown
	}

	slots := *e.slots.Load()
	select {
	case slots <- struct{}{}:
	default:
		return "", ErrBusy
	}

	id := uuid.NewString()
	e.inflight.Add(1)
	go func() {
		defer func() {
			<-slots
			e.inflight.Done()
		}()
		e.process(e.baseCtx, id, trig)
	}()
	return id, nil
}

// Shutdown stops accepting submissions, cancels in-flight triggers and
// waits for them until ctx ends.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.lifeMu.Lock()
	e.closed = true
	e.lifeMu.Unlock()
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reload loads, validates and installs a new configuration. On failure the
// active configuration is untouched and the error matches config.ErrInvalid.
func (e *Engine) Reload(ctx context.Context) (*config.Snapshot, error) {
	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()

	if e.loader == nil {
		return nil, ErrNoLoader
	}

	snap, err := e.loadSnapshot(ctx)
	if err != nil {
		e.logger.Error("configuration reload rejected", "error", err)
		e.publish(events.ConfigRejected, map[string]any{"error": err.Error()})
		if e.metrics {
			metrics.ObserveReload(false)
		}
		return nil, err
	}

	e.apply(snap)
	if e.metrics {
		metrics.ObserveReload(true)
	}
	return snap, nil
}

func (e *Engine) loadSnapshot(ctx context.Context) (*config.Snapshot, error) {
	cfg, err := e.loader.Load(ctx)
	if err != nil {
		if errors.Is(err, config.ErrInvalid) {
			return nil, err
		}
		return nil, &config.ValidationError{Problems: []string{err.Error()}}
	}
	return config.Compile(cfg)
}

// Apply installs snap directly, invalidating both caches.
func (e *Engine) Apply(snap *config.Snapshot) {
	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()
	e.apply(snap)
}

func (e *Engine) apply(snap *config.Snapshot) {
	e.router.Reload(snap)
	e.dispatcher.Configure(dispatch.SettingsFrom(snap))
	e.resizeSlots(snap.MaxConcurrentRequests)
	e.publish(events.ConfigReloaded, map[string]any{
		"fingerprint": snap.Fingerprint,
		"servers":     len(snap.Servers),
		"rules":       len(snap.Rules),
	})
}

// resizeSlots swaps in a new semaphore when the limit changes. Running
// triggers release the channel they acquired.
func (e *Engine) resizeSlots(limit int) {
	if limit <= 0 {
		limit = 1
	}
	if cur := e.slots.Load(); cur != nil && cap(*cur) == limit {
		return
	}
	ch := make(chan struct{}, limit)
	e.slots.Store(&ch)
}

// Snapshot returns the active configuration.
func (e *Engine) Snapshot() *config.Snapshot {
	return e.router.Snapshot()
}

// Status reports cache sizes, cached health and load without probing.
func (e *Engine) Status() Status {
	rs := e.router.Stats()
	return Status{
		Fingerprint:     rs.Fingerprint,
		Servers:         rs.Servers,
		EnabledServers:  rs.EnabledServers,
		Rules:           rs.Rules,
		RouteCacheSize:  rs.RouteCacheSize,
		HealthCacheSize: rs.HealthCacheSize,
		Health:          rs.Health,
		ActiveRequests:  e.active.Load(),
		MaxConcurrent:   cap(*e.slots.Load()),
		StartedAt:       e.startedAt,
		Uptime:          time.Since(e.startedAt),
	}
}

func (e *Engine) publish(eventType string, data any) {
	if e.events != nil {
		e.events.Publish(eventType, data)
	}
}
