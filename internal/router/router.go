package router

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/switchyard/internal/config"
	"github.com/mattjoyce/switchyard/internal/log"
	"github.com/mattjoyce/switchyard/internal/trigger"
)

// Selection limits and score weights.
const (
	MaxSelected    = 3
	ScoreThreshold = 0.1

	priorityWeight   = 0.1
	ruleWeight       = 0.3
	capabilityWeight = 0.6
	affinityBonus    = 0.2
)

// ReasonNoServers is the routing reason when nothing is enabled and healthy.
const ReasonNoServers = "no available servers"

// Result is one routing decision. Results may be shared between callers
// through the cache and must be treated as read-only.
type Result struct {
	Selected     []string           `json:"selected_servers"`
	Scores       map[string]float64 `json:"scores"`
	Reason       string             `json:"reason"`
	FallbackUsed bool               `json:"fallback_used"`
	Duration     time.Duration      `json:"duration"`
	CreatedAt    time.Time          `json:"created_at"`
}

// HealthStatus is the cached health of one server.
type HealthStatus struct {
	Healthy   bool      `json:"healthy"`
	CheckedAt time.Time `json:"checked_at"`
}

// Stats describes the active generation.
type Stats struct {
	Fingerprint     string                  `json:"config_fingerprint"`
	Servers         int                     `json:"servers"`
	EnabledServers  int                     `json:"enabled_servers"`
	Rules           int                     `json:"rules"`
	RouteCacheSize  int                     `json:"route_cache_size"`
	HealthCacheSize int                     `json:"health_cache_size"`
	Health          map[string]HealthStatus `json:"health"`
}

// generation binds a configuration snapshot to the caches computed from it.
type generation struct {
	snap   *config.Snapshot
	routes *ttlCache[*Result]
	health *ttlCache[bool]
}

// Router ranks servers for triggers against the active generation.
type Router struct {
	gen     atomic.Pointer[generation]
	probe   HealthProbe
	now     func() time.Time
	observe func(res *Result, cached bool)
	logger  *slog.Logger
}

var _ Engine = (*Router)(nil)

// Option configures a Router.
type Option func(*Router)

// WithHealthProbe sets the probe used to refresh the health cache. Without
// one every enabled server is considered healthy.
func WithHealthProbe(p HealthProbe) Option {
	return func(r *Router) { r.probe = p }
}

// WithClock replaces time.Now for cache expiry and timing.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// WithObserver registers fn to be called after every routing decision.
func WithObserver(fn func(res *Result, cached bool)) Option {
	return func(r *Router) { r.observe = fn }
}

// New creates a Router serving snap.
func New(snap *config.Snapshot, opts ...Option) *Router {
	r := &Router{
		now:    time.Now,
		logger: log.WithComponent("router"),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.gen.Store(r.newGeneration(snap))
	return r
}

func (r *Router) newGeneration(snap *config.Snapshot) *generation {
	return &generation{
		snap:   snap,
		routes: newTTLCache[*Result](r.now),
		health: newTTLCache[bool](r.now),
	}
}

// Reload installs snap with empty caches. In-flight Route calls finish
// against the generation they started with.
func (r *Router) Reload(snap *config.Snapshot) {
	r.gen.Store(r.newGeneration(snap))
	r.logger.Info("routing generation installed",
		"fingerprint", snap.Fingerprint,
		"servers", len(snap.Servers),
		"rules", len(snap.Rules),
	)
}

// ClearCaches drops cached routes and health without changing configuration.
func (r *Router) ClearCaches() {
	r.gen.Store(r.newGeneration(r.Snapshot()))
	r.logger.Info("routing caches cleared")
}

// Snapshot returns the active configuration.
func (r *Router) Snapshot() *config.Snapshot {
	return r.gen.Load().snap
}

// Route selects up to MaxSelected servers for trig. Errors are returned only
// when ctx ends before a decision is made.
func (r *Router) Route(ctx context.Context, trig trigger.Context) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	gen := r.gen.Load()
	key := trig.CacheKey()

	if res, ok := gen.routes.Get(key); ok {
		r.notify(res, true)
		return res, nil
	}

	start := r.now()
	available, err := r.available(ctx, gen)
	if err != nil {
		return nil, err
	}

	if len(available) == 0 {
		res := &Result{
			Selected:     []string{},
			Scores:       map[string]float64{},
			Reason:       ReasonNoServers,
			FallbackUsed: true,
			Duration:     r.now().Sub(start),
			CreatedAt:    r.now(),
		}
		r.logger.Warn("no available servers", "kind", trig.Kind, "source", trig.Source)
		r.notify(res, false)
		return res, nil
	}

	matches := MatchRules(trig, available, gen.snap.Rules)
	content := ScoreContent(trig.Content)

	type ranked struct {
		name  string
		score float64
	}
	scores := make(map[string]float64, len(available))
	candidates := make([]ranked, 0, len(available))
	for _, s := range available {
		score := scoreServer(s, matches[s.Name], content, trig.Kind)
		scores[s.Name] = score
		if score > ScoreThreshold {
			candidates = append(candidates, ranked{s.Name, score})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	if len(candidates) > MaxSelected {
		candidates = candidates[:MaxSelected]
	}

	selected := make([]string, len(candidates))
	for i, c := range candidates {
		selected[i] = c.name
	}

	res := &Result{
		Selected:     selected,
		Scores:       scores,
		Reason:       reason(trig.Kind, matches, content),
		FallbackUsed: len(selected) == 0,
		Duration:     r.now().Sub(start),
		CreatedAt:    r.now(),
	}
	gen.routes.Put(key, res, gen.snap.RouteCacheTTL)

	r.logger.Debug("routed trigger",
		"kind", trig.Kind,
		"selected", selected,
		"fallback", res.FallbackUsed,
	)
	r.notify(res, false)
	return res, nil
}

// available returns enabled, healthy servers in configuration order.
func (r *Router) available(ctx context.Context, gen *generation) ([]config.Server, error) {
	out := make([]config.Server, 0, len(gen.snap.Servers))
	for _, s := range gen.snap.Servers {
		if !s.Enabled {
			continue
		}
		healthy, err := r.healthy(ctx, gen, s)
		if err != nil {
			return nil, err
		}
		if healthy {
			out = append(out, s)
		}
	}
	return out, nil
}

// healthy consults the health cache and probes outside the lock on a miss.
// A probe interrupted by ctx is not cached.
func (r *Router) healthy(ctx context.Context, gen *generation, s config.Server) (bool, error) {
	if r.probe == nil {
		return true, nil
	}
	if ok, hit := gen.health.Get(s.Name); hit {
		return ok, nil
	}
	ok := r.probe.Healthy(ctx, s)
	if err := ctx.Err(); err != nil {
		return false, err
	}
	gen.health.Put(s.Name, ok, s.HealthInterval)
	if !ok {
		r.logger.Warn("server unhealthy", "server", s.Name)
	}
	return ok, nil
}

// Health returns the cached health of every server that has been probed.
func (r *Router) Health() map[string]HealthStatus {
	out := make(map[string]HealthStatus)
	r.gen.Load().health.Each(func(name string, ok bool, at time.Time) {
		out[name] = HealthStatus{Healthy: ok, CheckedAt: at}
	})
	return out
}

// Stats reports the active generation and its cache sizes.
func (r *Router) Stats() Stats {
	gen := r.gen.Load()
	enabled := 0
	for _, s := range gen.snap.Servers {
		if s.Enabled {
			enabled++
		}
	}
	return Stats{
		Fingerprint:     gen.snap.Fingerprint,
		Servers:         len(gen.snap.Servers),
		EnabledServers:  enabled,
		Rules:           len(gen.snap.Rules),
		RouteCacheSize:  gen.routes.Len(),
		HealthCacheSize: gen.health.Len(),
		Health:          r.Health(),
	}
}

func (r *Router) notify(res *Result, cached bool) {
	if r.observe != nil {
		r.observe(res, cached)
	}
}

func scoreServer(s config.Server, rules []*config.Rule, content map[config.Capability]float64, kind trigger.Kind) float64 {
	score := float64(s.Priority) * priorityWeight
	for _, rule := range rules {
		score += float64(rule.Priority) * ruleWeight
	}
	for _, c := range s.Capabilities {
		score += content[c] * capabilityWeight
	}
	switch {
	case (kind == trigger.KindIssue || kind == trigger.KindPullRequest) && s.HasCapability(config.CapCodeAnalysis):
		score += affinityBonus
	case kind == trigger.KindPush && s.HasCapability(config.CapDeployment):
		score += affinityBonus
	}
	return score
}

func reason(kind trigger.Kind, matches map[string][]*config.Rule, content map[config.Capability]float64) string {
	parts := []string{fmt.Sprintf("Trigger type: %s", kind)}

	total := 0
	for _, rules := range matches {
		total += len(rules)
	}
	if total > 0 {
		parts = append(parts, fmt.Sprintf("Matched %d routing rules", total))
	}

	if top := topCapabilities(content, 3); len(top) > 0 {
		names := make([]string, len(top))
		for i, c := range top {
			names[i] = string(c)
		}
		parts = append(parts, "Content analysis suggests: "+strings.Join(names, ", "))
	}
	return strings.Join(parts, "; ")
}
