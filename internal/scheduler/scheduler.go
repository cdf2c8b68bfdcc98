// Package scheduler emits "scheduled" triggers on configured cadences and
// keeps the orchestration log trimmed.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/mattjoyce/switchyard/internal/config"
	"github.com/mattjoyce/switchyard/internal/events"
	"github.com/mattjoyce/switchyard/internal/log"
	"github.com/mattjoyce/switchyard/internal/orchestrator"
	"github.com/mattjoyce/switchyard/internal/trigger"
)

const (
	// DefaultTickInterval is how often due schedules are checked.
	DefaultTickInterval = 5 * time.Second
	// pruneEvery spaces history pruning passes.
	pruneEvery   = time.Hour
	sourcePrefix = "scheduler:"
)

type job struct {
	conf     config.ScheduleConfig
	interval time.Duration
	nextRun  time.Time
}

// Scheduler fires schedules from a single tick loop.
type Scheduler struct {
	submitter Submitter
	pruner    Pruner
	maxAge    time.Duration
	events    Publisher
	tickEvery time.Duration
	now       func() time.Time
	logger    *slog.Logger

	mu        sync.Mutex
	jobs      map[string]*job
	lastPrune time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

type Option func(*Scheduler)

// WithPruner prunes history older than maxAge once an hour.
func WithPruner(p Pruner, maxAge time.Duration) Option {
	return func(s *Scheduler) {
		s.pruner = p
		s.maxAge = maxAge
	}
}

func WithEvents(p Publisher) Option { return func(s *Scheduler) { s.events = p } }

func WithTickInterval(d time.Duration) Option { return func(s *Scheduler) { s.tickEvery = d } }

func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

// New builds a scheduler for the enabled entries of schedules. Invalid
// intervals are reported as an error.
func New(schedules []config.ScheduleConfig, sub Submitter, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		submitter: sub,
		tickEvery: DefaultTickInterval,
		now:       time.Now,
		logger:    log.WithComponent("scheduler"),
		jobs:      make(map[string]*job),
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.Update(schedules); err != nil {
		return nil, err
	}
	return s, nil
}

// Update replaces the schedule set. Schedules whose name and interval are
// unchanged keep their next run time.
func (s *Scheduler) Update(schedules []config.ScheduleConfig) error {
	now := s.now()
	next := make(map[string]*job, len(schedules))
	for _, sc := range schedules {
		if !sc.IsEnabled() {
			continue
		}
		interval, err := config.ParseInterval(sc.Every)
		if err != nil {
			return fmt.Errorf("schedule %q: %w", sc.Name, err)
		}
		next[sc.Name] = &job{
			conf:     sc,
			interval: interval,
			nextRun:  now.Add(jittered(interval, sc.Jitter)),
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for name, j := range next {
		if old, ok := s.jobs[name]; ok && old.interval == j.interval {
			j.nextRun = old.nextRun
		}
	}
	s.jobs = next
	return nil
}

// Start runs the tick loop until ctx ends or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("starting scheduler", "schedules", s.Len(), "tick", s.tickEvery)
	s.wg.Add(1)
	go s.tickLoop(ctx)
}

// Stop ends the tick loop and waits for it.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Len counts active schedules.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// NextRuns reports the next fire time of every schedule.
func (s *Scheduler) NextRuns() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.jobs))
	for name, j := range s.jobs {
		out[name] = j.nextRun
	}
	return out
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// tick fires every due schedule, in name order, then prunes if due.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []config.ScheduleConfig
	for _, j := range s.jobs {
		if now.Before(j.nextRun) {
			continue
		}
		due = append(due, j.conf)
		j.nextRun = now.Add(jittered(j.interval, j.conf.Jitter))
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, k int) bool { return due[i].Name < due[k].Name })
	for _, sc := range due {
		s.fire(ctx, sc)
	}

	if s.pruner != nil && s.maxAge > 0 && now.Sub(s.lastPrune) >= pruneEvery {
		s.lastPrune = now
		n, err := s.pruner.Prune(ctx, s.maxAge)
		if err != nil {
			s.logger.Error("failed to prune history", "error", err)
			return
		}
		if n > 0 {
			s.logger.Info("pruned history", "removed", n, "max_age", s.maxAge)
			s.publish(events.HistoryPruned, map[string]any{"removed": n})
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, sc config.ScheduleConfig) {
	id, err := s.submitter.Submit(ctx, scheduledTrigger(sc))
	if err != nil {
		reason := err.Error()
		if errors.Is(err, orchestrator.ErrBusy) {
			reason = "busy"
		}
		s.logger.Warn("scheduled trigger skipped", "schedule", sc.Name, "reason", reason)
		s.publish(events.ScheduleSkipped, map[string]any{"schedule": sc.Name, "reason": reason})
		return
	}
	s.logger.Info("scheduled trigger submitted", "schedule", sc.Name, "request_id", id)
	s.publish(events.ScheduleFired, map[string]any{"schedule": sc.Name, "request_id": id})
}

func scheduledTrigger(sc config.ScheduleConfig) trigger.Context {
	source := sc.Source
	if source == "" {
		source = sourcePrefix + sc.Name
	}
	t := trigger.New(trigger.KindScheduled, source)
	t.Content = sc.Content
	t.Repository = sc.Repository
	return t.WithMetadata(map[string]any{
		"schedule": sc.Name,
		"every":    sc.Every,
	})
}

func (s *Scheduler) publish(eventType string, data any) {
	if s.events != nil {
		s.events.Publish(eventType, data)
	}
}

// jittered adds a uniform random delay in [0, jitter) to interval.
func jittered(interval, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return interval
	}
	return interval + rand.N(jitter)
}
