package router

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/switchyard/internal/config"
	"github.com/mattjoyce/switchyard/internal/log"
	"github.com/mattjoyce/switchyard/internal/trigger"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func server(name string, priority int, caps ...config.Capability) config.ServerConf {
	return config.ServerConf{
		Name:           name,
		Endpoint:       "http://" + name,
		Capabilities:   caps,
		Priority:       priority,
		Timeout:        5 * time.Second,
		HealthInterval: 60 * time.Second,
	}
}

func compile(t *testing.T, servers []config.ServerConf, rules []config.RuleConf) *config.Snapshot {
	t.Helper()
	cfg := config.Defaults()
	cfg.Servers = servers
	for i := range rules {
		if rules[i].Priority == 0 {
			rules[i].Priority = 1
		}
	}
	cfg.Rules = rules
	snap, err := config.Compile(cfg)
	require.NoError(t, err)
	return snap
}

type countingProbe struct {
	calls     atomic.Int32
	unhealthy map[string]bool
}

func (p *countingProbe) Healthy(_ context.Context, s config.Server) bool {
	p.calls.Add(1)
	return !p.unhealthy[s.Name]
}

func disabled(s config.ServerConf) config.ServerConf {
	f := false
	s.Enabled = &f
	return s
}

func TestRouteIssueMatchesKeywordRule(t *testing.T) {
	snap := compile(t,
		[]config.ServerConf{server("analyzer", 8, config.CapCodeAnalysis)},
		[]config.RuleConf{{
			Name:       "bugs",
			Kinds:      []string{"issue"},
			Conditions: config.ConditionsConf{Keywords: config.StringList{"bug", "error", "fix"}},
			Targets:    []string{"analyzer"},
			Priority:   9,
		}},
	)
	r := New(snap)

	trig := trigger.New(trigger.KindIssue, "github")
	trig.Content = "Critical bug: crash on large files"

	res, err := r.Route(context.Background(), trig)
	require.NoError(t, err)
	assert.Equal(t, []string{"analyzer"}, res.Selected)
	assert.False(t, res.FallbackUsed)
	assert.Contains(t, res.Reason, "Trigger type: issue")
	assert.Contains(t, res.Reason, "Matched 1 routing rules")
	assert.Contains(t, res.Reason, "Content analysis suggests: code_analysis")
	// 0.8 + 2.7 + (1/13)*0.6 + 0.2
	assert.InDelta(t, 0.8+2.7+0.6/13+0.2, res.Scores["analyzer"], 1e-9)
}

func TestRoutePushBranchRuleOrdersByScore(t *testing.T) {
	snap := compile(t,
		[]config.ServerConf{
			server("builder", 3, config.CapTesting),
			server("deployer", 5, config.CapMonitoring),
		},
		[]config.RuleConf{{
			Name:       "mainline",
			Kinds:      []string{"push"},
			Conditions: config.ConditionsConf{Branch: "^(main|master)$"},
			Targets:    []string{"builder", "deployer"},
			Priority:   5,
		}},
	)
	r := New(snap)

	trig := trigger.New(trigger.KindPush, "github")
	trig.Branch = "main"

	res, err := r.Route(context.Background(), trig)
	require.NoError(t, err)
	assert.Equal(t, []string{"deployer", "builder"}, res.Selected)
	assert.Equal(t, "Trigger type: push; Matched 2 routing rules", res.Reason)

	// Branch is not part of the cache key, so use a fresh router.
	trig.Branch = "feature/main"
	res, err = New(snap).Route(context.Background(), trig)
	require.NoError(t, err)
	assert.Equal(t, []string{"deployer", "builder"}, res.Selected, "priority alone still clears the threshold")
	assert.Equal(t, "Trigger type: push", res.Reason)
}

func TestRouteScoreAtThresholdIsNotSelected(t *testing.T) {
	snap := compile(t, []config.ServerConf{server("solo", 1)}, nil)
	r := New(snap)

	res, err := r.Route(context.Background(), trigger.New(trigger.KindUserPrompt, "cli"))
	require.NoError(t, err)
	assert.Empty(t, res.Selected)
	assert.NotNil(t, res.Selected)
	assert.True(t, res.FallbackUsed)
	assert.InDelta(t, 0.1, res.Scores["solo"], 1e-12)
}

func TestRouteNoAvailableServers(t *testing.T) {
	probe := &countingProbe{unhealthy: map[string]bool{"sick": true}}
	snap := compile(t,
		[]config.ServerConf{disabled(server("off", 10)), server("sick", 10)},
		nil,
	)
	r := New(snap, WithHealthProbe(probe))

	trig := trigger.New(trigger.KindIssue, "github")
	a, err := r.Route(context.Background(), trig)
	require.NoError(t, err)
	assert.Empty(t, a.Selected)
	assert.True(t, a.FallbackUsed)
	assert.Equal(t, ReasonNoServers, a.Reason)

	b, err := r.Route(context.Background(), trig)
	require.NoError(t, err)
	assert.NotSame(t, a, b, "unavailable results are not cached")
	assert.Equal(t, int32(1), probe.calls.Load(), "health result is cached")
}

func TestRouteNeverSelectsDisabledOrUnhealthy(t *testing.T) {
	probe := &countingProbe{unhealthy: map[string]bool{"sick": true}}
	snap := compile(t,
		[]config.ServerConf{
			disabled(server("off", 10, config.CapCodeAnalysis)),
			server("sick", 10, config.CapCodeAnalysis),
			server("ok", 2, config.CapCodeAnalysis),
		},
		nil,
	)
	r := New(snap, WithHealthProbe(probe))

	res, err := r.Route(context.Background(), trigger.New(trigger.KindIssue, "github"))
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, res.Selected)
	assert.NotContains(t, res.Scores, "off")
	assert.NotContains(t, res.Scores, "sick")
}

func TestRouteSelectsAtMostThreeWithStableTies(t *testing.T) {
	snap := compile(t,
		[]config.ServerConf{
			server("a", 5), server("b", 6), server("c", 5), server("d", 5), server("e", 2),
		},
		nil,
	)
	r := New(snap)

	res, err := r.Route(context.Background(), trigger.New(trigger.KindWebhook, "hook"))
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a", "c"}, res.Selected)
	assert.Len(t, res.Scores, 5)
}

func TestRouteCacheHitReturnsSameResult(t *testing.T) {
	clock := newFakeClock()
	probe := &countingProbe{}
	var observed []bool
	snap := compile(t, []config.ServerConf{server("a", 5)}, nil)
	r := New(snap,
		WithHealthProbe(probe),
		WithClock(clock.Now),
		WithObserver(func(_ *Result, cached bool) { observed = append(observed, cached) }),
	)

	trig := trigger.New(trigger.KindQuery, "cli")
	trig.Content = "how is the build"

	first, err := r.Route(context.Background(), trig)
	require.NoError(t, err)
	second, err := r.Route(context.Background(), trig)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, int32(1), probe.calls.Load())
	assert.Equal(t, []bool{false, true}, observed)

	// Metadata and timestamps are not part of the cache key.
	other := trig.WithMetadata(map[string]any{"x": 1})
	third, _ := r.Route(context.Background(), other)
	assert.Same(t, first, third)

	clock.Advance(snap.RouteCacheTTL)
	fourth, err := r.Route(context.Background(), trig)
	require.NoError(t, err)
	assert.NotSame(t, first, fourth)
}

func TestHealthRefreshedAfterInterval(t *testing.T) {
	clock := newFakeClock()
	probe := &countingProbe{}
	snap := compile(t, []config.ServerConf{server("a", 5)}, nil)
	r := New(snap, WithHealthProbe(probe), WithClock(clock.Now))

	route := func(content string) {
		trig := trigger.New(trigger.KindQuery, "cli")
		trig.Content = content
		_, err := r.Route(context.Background(), trig)
		require.NoError(t, err)
	}

	route("one")
	route("two")
	assert.Equal(t, int32(1), probe.calls.Load())

	clock.Advance(61 * time.Second)
	route("three")
	assert.Equal(t, int32(2), probe.calls.Load())

	health := r.Health()
	require.Contains(t, health, "a")
	assert.True(t, health["a"].Healthy)
	assert.Equal(t, clock.Now(), health["a"].CheckedAt)
}

func TestReloadInvalidatesCaches(t *testing.T) {
	probe := &countingProbe{}
	snap := compile(t, []config.ServerConf{server("a", 5)}, nil)
	r := New(snap, WithHealthProbe(probe))

	trig := trigger.New(trigger.KindPush, "github")
	first, _ := r.Route(context.Background(), trig)

	stats := r.Stats()
	assert.Equal(t, 1, stats.RouteCacheSize)
	assert.Equal(t, 1, stats.HealthCacheSize)

	next := compile(t, []config.ServerConf{server("a", 5), server("b", 9)}, nil)
	r.Reload(next)

	stats = r.Stats()
	assert.Equal(t, 0, stats.RouteCacheSize)
	assert.Equal(t, 0, stats.HealthCacheSize)
	assert.Equal(t, 2, stats.Servers)
	assert.Same(t, next, r.Snapshot())

	second, _ := r.Route(context.Background(), trig)
	assert.NotSame(t, first, second)
	assert.Equal(t, []string{"b", "a"}, second.Selected)

	r.ClearCaches()
	assert.Equal(t, 0, r.Stats().RouteCacheSize)
	assert.Same(t, next, r.Snapshot())
}

func TestRouteCancelledContext(t *testing.T) {
	snap := compile(t, []config.ServerConf{server("a", 5)}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	probe := HealthProbeFunc(func(context.Context, config.Server) bool {
		cancel()
		return false
	})
	r := New(snap, WithHealthProbe(probe))

	_, err := r.Route(ctx, trigger.New(trigger.KindPush, "github"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, r.Stats().HealthCacheSize, "interrupted probes are not cached")
}

func TestRouteConcurrent(t *testing.T) {
	probe := &countingProbe{}
	snap := compile(t,
		[]config.ServerConf{server("a", 5, config.CapTesting), server("b", 4, config.CapDeployment)},
		nil,
	)
	r := New(snap, WithHealthProbe(probe))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			trig := trigger.New(trigger.KindPush, "github")
			if i%2 == 0 {
				trig.Content = "deploy the release"
			}
			res, err := r.Route(context.Background(), trig)
			assert.NoError(t, err)
			assert.LessOrEqual(t, len(res.Selected), MaxSelected)
			if i%10 == 0 {
				r.Reload(snap)
			}
		}(i)
	}
	wg.Wait()
}
