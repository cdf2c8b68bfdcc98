package orchestrator

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/switchyard/internal/config"
	"github.com/mattjoyce/switchyard/internal/dispatch"
	"github.com/mattjoyce/switchyard/internal/events"
	"github.com/mattjoyce/switchyard/internal/log"
	"github.com/mattjoyce/switchyard/internal/protocol"
	"github.com/mattjoyce/switchyard/internal/router"
	"github.com/mattjoyce/switchyard/internal/trigger"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

type execFunc func(ctx context.Context, server config.Server, req *protocol.Request) (*protocol.Response, error)

func (f execFunc) Execute(ctx context.Context, server config.Server, req *protocol.Request) (*protocol.Response, error) {
	return f(ctx, server, req)
}

func echoExec() execFunc {
	return func(_ context.Context, server config.Server, req *protocol.Request) (*protocol.Response, error) {
		return &protocol.Response{
			Status: protocol.StatusSuccess,
			Data:   map[string]any{"server": server.Name, "metadata": req.Data.Metadata},
		}, nil
	}
}

type recorder struct {
	mu      sync.Mutex
	results []*Result
}

func (r *recorder) Record(_ context.Context, res *Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
	return nil
}

func (r *recorder) all() []*Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Result(nil), r.results...)
}

type loaderFunc func(ctx context.Context) (*config.Config, error)

func (f loaderFunc) Load(ctx context.Context) (*config.Config, error) { return f(ctx) }

type enricherFunc func(ctx context.Context, content string, kind trigger.Kind) ([]string, error)

func (f enricherFunc) Enrich(ctx context.Context, content string, kind trigger.Kind) ([]string, error) {
	return f(ctx, content, kind)
}

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Service.RequestTimeout = 2 * time.Second
	cfg.Service.BackoffUnit = time.Millisecond
	cfg.Servers = []config.ServerConf{
		{Name: "analyzer", Endpoint: "http://a", Capabilities: []config.Capability{config.CapCodeAnalysis}, Priority: 8, Timeout: time.Second, HealthInterval: time.Minute},
		{Name: "docs", Endpoint: "http://d", Capabilities: []config.Capability{config.CapDocumentation}, Priority: 3, Timeout: time.Second, HealthInterval: time.Minute},
	}
	cfg.Rules = []config.RuleConf{{
		Name:       "bugs",
		Kinds:      []string{"issue"},
		Conditions: config.ConditionsConf{Keywords: config.StringList{"bug"}},
		Targets:    []string{"analyzer"},
		Priority:   9,
	}}
	return cfg
}

func testSnapshot(t *testing.T, cfg *config.Config) *config.Snapshot {
	t.Helper()
	snap, err := config.Compile(cfg)
	require.NoError(t, err)
	return snap
}

func issue(content string) trigger.Context {
	trig := trigger.New(trigger.KindIssue, "github")
	trig.Content = content
	return trig
}

func TestProcessSuccess(t *testing.T) {
	rec := &recorder{}
	hub := events.NewHub(32)
	e := New(testSnapshot(t, testConfig()), echoExec(), WithRecorder(rec), WithEvents(hub), WithMetrics())

	res := e.Process(context.Background(), issue("bug: crash while parsing docs"))

	assert.Equal(t, StageDone, res.Stage)
	assert.True(t, res.Success)
	assert.Empty(t, res.Error)
	assert.NotEmpty(t, res.RequestID)
	require.NotNil(t, res.Routing)
	assert.Equal(t, []string{"analyzer", "docs"}, res.Routing.Selected)
	require.Len(t, res.Outcomes, 2)
	assert.True(t, res.Outcomes[0].Success)

	responses := res.Response["responses"].(map[string]any)
	assert.Contains(t, responses, "analyzer")
	assert.Contains(t, responses, "docs")
	assert.Equal(t, 2, res.Response["succeeded"])
	assert.Greater(t, res.Elapsed, time.Duration(0))

	require.Len(t, rec.all(), 1)
	assert.Same(t, res, rec.all()[0])

	var types []string
	for _, ev := range hub.Since(0) {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{
		events.TriggerReceived, events.TriggerRouted, events.TriggerDispatched, events.TriggerCompleted,
	}, types)
}

func TestProcessNoAvailableServers(t *testing.T) {
	probe := router.HealthProbeFunc(func(context.Context, config.Server) bool { return false })
	called := false
	exec := execFunc(func(context.Context, config.Server, *protocol.Request) (*protocol.Response, error) {
		called = true
		return nil, errors.New("unexpected")
	})
	e := New(testSnapshot(t, testConfig()), exec, WithHealthProbe(probe))

	res := e.Process(context.Background(), issue("bug"))
	assert.Equal(t, StageDone, res.Stage)
	assert.False(t, res.Success)
	assert.Nil(t, res.Response)
	assert.True(t, res.Routing.FallbackUsed)
	assert.Equal(t, router.ReasonNoServers, res.Routing.Reason)
	assert.Empty(t, res.Outcomes)
	assert.False(t, called)
}

func TestProcessAllDispatchesFail(t *testing.T) {
	exec := execFunc(func(context.Context, config.Server, *protocol.Request) (*protocol.Response, error) {
		return nil, &protocol.StatusError{Code: 400, Body: "bad"}
	})
	e := New(testSnapshot(t, testConfig()), exec)

	res := e.Process(context.Background(), issue("bug"))
	assert.Equal(t, StageDone, res.Stage)
	assert.False(t, res.Success)
	assert.Nil(t, res.Response)
	require.Len(t, res.Outcomes, 2)
	assert.Equal(t, "HTTP 400: bad", res.Outcomes[0].Error)
}

func TestProcessEnrichment(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]map[string]any{}
	exec := execFunc(func(_ context.Context, s config.Server, req *protocol.Request) (*protocol.Response, error) {
		mu.Lock()
		seen[s.Name] = req.Data.Metadata
		mu.Unlock()
		return &protocol.Response{Status: protocol.StatusSuccess}, nil
	})

	t.Run("applied", func(t *testing.T) {
		e := New(testSnapshot(t, testConfig()), exec, WithEnricher(enricherFunc(
			func(_ context.Context, content string, kind trigger.Kind) ([]string, error) {
				return []string{"prior incident: " + content}, nil
			})))
		trig := issue("bug report")
		res := e.Process(context.Background(), trig)

		mu.Lock()
		md := seen["analyzer"]
		mu.Unlock()
		assert.Equal(t, true, md[MetaEnrichmentApplied])
		assert.Equal(t, []string{"prior incident: bug report"}, md[MetaEnrichmentContext])
		assert.Nil(t, res.Trigger.Metadata, "result carries the original trigger")
	})

	t.Run("failing enricher leaves routing and payload alone", func(t *testing.T) {
		plain := New(testSnapshot(t, testConfig()), exec).Process(context.Background(), issue("bug"))

		e := New(testSnapshot(t, testConfig()), exec, WithEnricher(enricherFunc(
			func(context.Context, string, trigger.Kind) ([]string, error) {
				return nil, errors.New("vector store offline")
			})))
		res := e.Process(context.Background(), issue("bug"))

		assert.True(t, res.Success)
		assert.Equal(t, plain.Routing.Selected, res.Routing.Selected)
		assert.Equal(t, plain.Routing.Scores, res.Routing.Scores)
		mu.Lock()
		assert.NotContains(t, seen["analyzer"], MetaEnrichmentApplied)
		mu.Unlock()
	})
}

func TestProcessInvalidTrigger(t *testing.T) {
	e := New(testSnapshot(t, testConfig()), echoExec())
	res := e.Process(context.Background(), trigger.Context{Kind: "tweet", Source: "x"})
	assert.Equal(t, StageError, res.Stage)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
	assert.Nil(t, res.Routing)
}

func TestProcessCancelledBeforeRouting(t *testing.T) {
	e := New(testSnapshot(t, testConfig()), echoExec())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := e.Process(ctx, issue("bug"))
	assert.Equal(t, StageError, res.Stage)
	assert.Equal(t, "request cancelled", res.Error)
}

func TestProcessCancelledDuringDispatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	exec := execFunc(func(context.Context, config.Server, *protocol.Request) (*protocol.Response, error) {
		cancel()
		return &protocol.Response{Status: protocol.StatusSuccess}, nil
	})
	hub := events.NewHub(8)
	e := New(testSnapshot(t, testConfig()), exec, WithEvents(hub))

	res := e.Process(ctx, issue("bug"))
	assert.Equal(t, StageError, res.Stage)
	assert.False(t, res.Success)
	assert.Equal(t, "request cancelled", res.Error)
	assert.Nil(t, res.Response)
	require.NotNil(t, res.Routing)

	all := hub.Since(0)
	assert.Equal(t, events.TriggerFailed, all[len(all)-1].Type)
}

func TestProcessKeepsSelectionAcrossReload(t *testing.T) {
	next := testConfig()
	next.Servers = next.Servers[1:]
	next.Rules[0].Targets = []string{"docs"}
	nextSnap := testSnapshot(t, next)

	// The enricher runs between routing and dispatch.
	var e *Engine
	e = New(testSnapshot(t, testConfig()), echoExec(), WithEnricher(enricherFunc(
		func(context.Context, string, trigger.Kind) ([]string, error) {
			e.Apply(nextSnap)
			return nil, nil
		})))

	res := e.Process(context.Background(), issue("bug"))
	assert.Equal(t, StageDone, res.Stage)
	assert.Equal(t, []string{"analyzer", "docs"}, res.Routing.Selected)
	require.Len(t, res.Outcomes, 2)
	assert.Equal(t, "analyzer", res.Outcomes[0].Server)
	assert.False(t, res.Outcomes[0].Success)
	assert.Equal(t, `unknown server "analyzer"`, res.Outcomes[0].Error)
	assert.Equal(t, "docs", res.Outcomes[1].Server)
	assert.True(t, res.Outcomes[1].Success)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Response["succeeded"])
}

func TestProcessRecoversPanic(t *testing.T) {
	probe := router.HealthProbeFunc(func(context.Context, config.Server) bool { panic("probe exploded") })
	hub := events.NewHub(8)
	e := New(testSnapshot(t, testConfig()), echoExec(), WithHealthProbe(probe), WithEvents(hub))

	res := e.Process(context.Background(), issue("bug"))
	assert.Equal(t, StageError, res.Stage)
	assert.Equal(t, "internal error: probe exploded", res.Error)
	assert.Equal(t, int64(0), e.Status().ActiveRequests)

	all := hub.Since(0)
	assert.Equal(t, events.TriggerFailed, all[len(all)-1].Type)
}

func TestDispatchByName(t *testing.T) {
	e := New(testSnapshot(t, testConfig()), echoExec())
	out := e.Dispatch(context.Background(), issue("bug"), []string{"docs", "ghost", "analyzer"})
	require.Len(t, out, 3)
	assert.True(t, out[0].Success)
	assert.Equal(t, "ghost", out[1].Server)
	assert.False(t, out[1].Success)
	assert.Equal(t, `unknown server "ghost"`, out[1].Error)
	assert.Equal(t, "analyzer", out[2].Server)
	assert.True(t, out[2].Success)
}

func TestSubmitRespectsConcurrencyLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Service.MaxConcurrentRequests = 1
	release := make(chan struct{})
	entered := make(chan struct{}, 4)
	exec := execFunc(func(ctx context.Context, _ config.Server, _ *protocol.Request) (*protocol.Response, error) {
		entered <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &protocol.Response{Status: protocol.StatusSuccess}, nil
	})
	rec := &recorder{}
	e := New(testSnapshot(t, cfg), exec, WithRecorder(rec))

	id, err := e.Submit(context.Background(), issue("bug"))
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	<-entered

	_, err = e.Submit(context.Background(), issue("bug"))
	assert.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, int64(1), e.Status().ActiveRequests)

	_, err = e.Submit(context.Background(), trigger.Context{})
	assert.Error(t, err, "invalid triggers are rejected up front")

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Shutdown(ctx))

	require.Len(t, rec.all(), 1)
	assert.Equal(t, id, rec.all()[0].RequestID)

	_, err = e.Submit(context.Background(), issue("bug"))
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestShutdownCancelsInflight(t *testing.T) {
	exec := execFunc(func(ctx context.Context, _ config.Server, _ *protocol.Request) (*protocol.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	rec := &recorder{}
	e := New(testSnapshot(t, testConfig()), exec, WithRecorder(rec))

	_, err := e.Submit(context.Background(), issue("bug"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Shutdown(ctx))

	results := rec.all()
	require.Len(t, results, 1)
	assert.Equal(t, StageError, results[0].Stage)
	assert.Equal(t, dispatch.ErrCancelled.Error(), results[0].Error)
	for _, o := range results[0].Outcomes {
		assert.False(t, o.Success)
		assert.Equal(t, dispatch.ErrCancelled.Error(), o.Error)
	}
}

func TestReload(t *testing.T) {
	next := testConfig()
	var loadErr error
	loader := loaderFunc(func(context.Context) (*config.Config, error) {
		if loadErr != nil {
			return nil, loadErr
		}
		return next, nil
	})
	hub := events.NewHub(16)
	initial := testSnapshot(t, testConfig())
	e := New(initial, echoExec(), WithLoader(loader), WithEvents(hub))

	e.Process(context.Background(), issue("bug"))
	assert.Equal(t, 1, e.Status().RouteCacheSize)

	t.Run("valid config installs new generation", func(t *testing.T) {
		next.Service.MaxConcurrentRequests = 3
		next.Servers = append(next.Servers, config.ServerConf{
			Name: "extra", Endpoint: "http://x", Priority: 1, Timeout: time.Second, HealthInterval: time.Minute,
		})
		snap, err := e.Reload(context.Background())
		require.NoError(t, err)
		assert.Same(t, snap, e.Snapshot())
		assert.NotEqual(t, initial.Fingerprint, snap.Fingerprint)

		st := e.Status()
		assert.Equal(t, 0, st.RouteCacheSize)
		assert.Equal(t, 3, st.Servers)
		assert.Equal(t, 3, st.MaxConcurrent)
		assert.Equal(t, snap.Fingerprint, st.Fingerprint)
	})

	t.Run("invalid config keeps active generation", func(t *testing.T) {
		before := e.Snapshot()
		next.Servers[0].Priority = 42
		_, err := e.Reload(context.Background())
		var verr *config.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Same(t, before, e.Snapshot())
	})

	t.Run("load failure is a validation error", func(t *testing.T) {
		before := e.Snapshot()
		loadErr = errors.New("config file not found")
		_, err := e.Reload(context.Background())
		assert.ErrorIs(t, err, config.ErrInvalid)
		assert.Same(t, before, e.Snapshot())
	})

	var types []string
	for _, ev := range hub.Since(0) {
		if ev.Type == events.ConfigReloaded || ev.Type == events.ConfigRejected {
			types = append(types, ev.Type)
		}
	}
	assert.Equal(t, []string{events.ConfigReloaded, events.ConfigRejected, events.ConfigRejected}, types)
}

func TestReloadWithoutLoader(t *testing.T) {
	e := New(testSnapshot(t, testConfig()), echoExec())
	_, err := e.Reload(context.Background())
	assert.ErrorIs(t, err, ErrNoLoader)

	cfg := testConfig()
	cfg.Rules = nil
	snap := testSnapshot(t, cfg)
	e.Apply(snap)
	assert.Equal(t, 0, e.Status().Rules)
}

func TestStatus(t *testing.T) {
	probe := router.HealthProbeFunc(func(_ context.Context, s config.Server) bool { return s.Name != "docs" })
	e := New(testSnapshot(t, testConfig()), echoExec(), WithHealthProbe(probe))

	st := e.Status()
	assert.Equal(t, 2, st.Servers)
	assert.Equal(t, 2, st.EnabledServers)
	assert.Equal(t, 1, st.Rules)
	assert.Empty(t, st.Health, "status never probes")
	assert.Equal(t, 10, st.MaxConcurrent)

	e.Process(context.Background(), issue("bug"))
	st = e.Status()
	assert.Equal(t, 2, st.HealthCacheSize)
	assert.True(t, st.Health["analyzer"].Healthy)
	assert.False(t, st.Health["docs"].Healthy)
	assert.Equal(t, int64(0), st.ActiveRequests)
}
