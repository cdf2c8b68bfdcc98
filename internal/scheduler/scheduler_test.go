package scheduler

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/switchyard/internal/config"
	"github.com/mattjoyce/switchyard/internal/events"
	"github.com/mattjoyce/switchyard/internal/log"
	"github.com/mattjoyce/switchyard/internal/orchestrator"
	"github.com/mattjoyce/switchyard/internal/scheduler/mocks"
	"github.com/mattjoyce/switchyard/internal/trigger"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestJittered(t *testing.T) {
	tests := []struct {
		name     string
		interval time.Duration
		jitter   time.Duration
	}{
		{name: "no jitter", interval: time.Minute},
		{name: "positive jitter", interval: 5 * time.Minute, jitter: 30 * time.Second},
		{name: "large jitter", interval: time.Hour, jitter: 15 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for range 100 {
				got := jittered(tt.interval, tt.jitter)
				if tt.jitter == 0 {
					assert.Equal(t, tt.interval, got)
					continue
				}
				assert.GreaterOrEqual(t, got, tt.interval)
				assert.Less(t, got, tt.interval+tt.jitter)
			}
		})
	}
}

func TestNew(t *testing.T) {
	ctrl := gomock.NewController(t)
	sub := mocks.NewMockSubmitter(ctrl)
	off := false

	s, err := New([]config.ScheduleConfig{
		{Name: "nightly", Every: "daily"},
		{Name: "paused", Every: "hourly", Enabled: &off},
	}, sub)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Len())

	_, err = New([]config.ScheduleConfig{{Name: "bad", Every: "10s"}}, sub)
	assert.ErrorContains(t, err, `schedule "bad"`)
}

func TestTickFiresDueSchedules(t *testing.T) {
	ctrl := gomock.NewController(t)
	sub := mocks.NewMockSubmitter(ctrl)
	clk := newClock()
	hub := events.NewHub(16)

	s, err := New([]config.ScheduleConfig{
		{Name: "health-report", Every: "5m", Content: "summarize deployment status", Repository: "acme/api"},
		{Name: "weekly-audit", Every: "weekly", Source: "cron"},
	}, sub, WithClock(clk.Now), WithEvents(hub))
	require.NoError(t, err)
	ctx := context.Background()

	// Nothing is due before the first interval elapses.
	s.tick(ctx)

	var got []trigger.Context
	sub.EXPECT().Submit(ctx, gomock.Any()).DoAndReturn(func(_ context.Context, trig trigger.Context) (string, error) {
		got = append(got, trig)
		return "req-" + trig.Source, nil
	}).Times(2)

	clk.Advance(5 * time.Minute)
	s.tick(ctx)
	clk.Advance(time.Minute)
	s.tick(ctx) // not due again yet
	clk.Advance(4 * time.Minute)
	s.tick(ctx)

	require.Len(t, got, 2)
	trig := got[0]
	assert.Equal(t, trigger.KindScheduled, trig.Kind)
	assert.Equal(t, "scheduler:health-report", trig.Source)
	assert.Equal(t, "summarize deployment status", trig.Content)
	assert.Equal(t, "acme/api", trig.Repository)
	assert.Equal(t, "health-report", trig.Metadata["schedule"])

	fired := 0
	for _, ev := range hub.Since(0) {
		if ev.Type == events.ScheduleFired {
			fired++
		}
	}
	assert.Equal(t, 2, fired)
	assert.Equal(t, clk.Now().Add(5*time.Minute), s.NextRuns()["health-report"])
}

func TestTickOrdersDueSchedulesByName(t *testing.T) {
	ctrl := gomock.NewController(t)
	sub := mocks.NewMockSubmitter(ctrl)
	clk := newClock()

	s, err := New([]config.ScheduleConfig{
		{Name: "b", Every: "1m"},
		{Name: "a", Every: "1m"},
		{Name: "c", Every: "1m"},
	}, sub, WithClock(clk.Now))
	require.NoError(t, err)

	var order []string
	sub.EXPECT().Submit(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, trig trigger.Context) (string, error) {
		order = append(order, trig.Metadata["schedule"].(string))
		return "id", nil
	}).Times(3)

	clk.Advance(time.Minute)
	s.tick(context.Background())
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestTickSkipsWhenBusy(t *testing.T) {
	ctrl := gomock.NewController(t)
	sub := mocks.NewMockSubmitter(ctrl)
	clk := newClock()
	hub := events.NewHub(16)

	s, err := New([]config.ScheduleConfig{{Name: "poll", Every: "1m"}}, sub, WithClock(clk.Now), WithEvents(hub))
	require.NoError(t, err)

	ctx := context.Background()
	sub.EXPECT().Submit(ctx, gomock.Any()).Return("", orchestrator.ErrBusy)
	clk.Advance(time.Minute)
	s.tick(ctx)

	evs := hub.Since(0)
	require.Len(t, evs, 1)
	assert.Equal(t, events.ScheduleSkipped, evs[0].Type)
	assert.JSONEq(t, `{"schedule":"poll","reason":"busy"}`, string(evs[0].Data))
	assert.Equal(t, clk.Now().Add(time.Minute), s.NextRuns()["poll"], "a skipped run still reschedules")
}

func TestTickPrunesHourly(t *testing.T) {
	ctrl := gomock.NewController(t)
	sub := mocks.NewMockSubmitter(ctrl)
	pruner := mocks.NewMockPruner(ctrl)
	clk := newClock()

	s, err := New(nil, sub, WithClock(clk.Now), WithPruner(pruner, 7*24*time.Hour))
	require.NoError(t, err)
	ctx := context.Background()

	pruner.EXPECT().Prune(ctx, 7*24*time.Hour).Return(int64(3), nil)
	s.tick(ctx)
	clk.Advance(30 * time.Minute)
	s.tick(ctx)

	pruner.EXPECT().Prune(ctx, 7*24*time.Hour).Return(int64(0), errors.New("database is locked"))
	clk.Advance(30 * time.Minute)
	s.tick(ctx)
}

func TestUpdateKeepsNextRun(t *testing.T) {
	ctrl := gomock.NewController(t)
	clk := newClock()
	s, err := New([]config.ScheduleConfig{
		{Name: "keep", Every: "10m"},
		{Name: "retime", Every: "10m"},
		{Name: "drop", Every: "10m"},
	}, mocks.NewMockSubmitter(ctrl), WithClock(clk.Now))
	require.NoError(t, err)
	before := s.NextRuns()

	clk.Advance(3 * time.Minute)
	require.NoError(t, s.Update([]config.ScheduleConfig{
		{Name: "keep", Every: "10m"},
		{Name: "retime", Every: "20m"},
		{Name: "new", Every: "hourly"},
	}))

	after := s.NextRuns()
	assert.Len(t, after, 3)
	assert.Equal(t, before["keep"], after["keep"])
	assert.Equal(t, clk.Now().Add(20*time.Minute), after["retime"])
	assert.Equal(t, clk.Now().Add(time.Hour), after["new"])
	assert.NotContains(t, after, "drop")

	assert.Error(t, s.Update([]config.ScheduleConfig{{Name: "x", Every: "soon"}}))
	assert.Len(t, s.NextRuns(), 3, "a rejected update leaves schedules alone")
}

func TestStartStop(t *testing.T) {
	ctrl := gomock.NewController(t)
	sub := mocks.NewMockSubmitter(ctrl)
	clk := newClock()

	s, err := New([]config.ScheduleConfig{{Name: "tick", Every: "1m"}}, sub,
		WithClock(clk.Now), WithTickInterval(5*time.Millisecond))
	require.NoError(t, err)

	fired := make(chan struct{}, 1)
	sub.EXPECT().Submit(gomock.Any(), gomock.Any()).DoAndReturn(func(context.Context, trigger.Context) (string, error) {
		select {
		case fired <- struct{}{}:
		default:
		}
		return "id", nil
	}).MinTimes(1)

	s.Start(context.Background())
	clk.Advance(time.Minute)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("schedule never fired")
	}
	s.Stop()
	s.Stop() // idempotent
}
