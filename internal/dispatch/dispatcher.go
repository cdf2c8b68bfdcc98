package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/mattjoyce/switchyard/internal/config"
	"github.com/mattjoyce/switchyard/internal/log"
	"github.com/mattjoyce/switchyard/internal/protocol"
	"github.com/mattjoyce/switchyard/internal/trigger"
)

var (
	// ErrRequestTimeout is reported when a server or the whole dispatch runs
	// out of time.
	ErrRequestTimeout = errors.New("request timeout")
	// ErrCancelled is reported for servers still pending when the caller
	// cancels.
	ErrCancelled = errors.New("request cancelled")
)

// Executor performs one request against one server. ctx carries the
// attempt's deadline; implementations must return promptly once it ends.
// Errors are classified with protocol.IsRetryable.
type Executor interface {
	Execute(ctx context.Context, server config.Server, req *protocol.Request) (*protocol.Response, error)
}

// Outcome is the result of dispatching to one server.
type Outcome struct {
	Server   string         `json:"server"`
	Success  bool           `json:"success"`
	Payload  map[string]any `json:"payload,omitempty"`
	Error    string         `json:"error,omitempty"`
	Attempts int            `json:"attempts"`
	Elapsed  time.Duration  `json:"elapsed"`
	At       time.Time      `json:"at"`
}

// Settings are the dispatch-wide limits of one configuration generation.
type Settings struct {
	RequestTimeout time.Duration
	BackoffUnit    time.Duration
}

// SettingsFrom extracts dispatch settings from a snapshot.
func SettingsFrom(snap *config.Snapshot) Settings {
	return Settings{
		RequestTimeout: snap.RequestTimeout,
		BackoffUnit:    snap.BackoffUnit,
	}
}

// Dispatcher runs concurrent, bounded requests against backend servers.
type Dispatcher struct {
	exec     Executor
	settings atomic.Pointer[Settings]
	observe  func(Outcome)
	logger   *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithObserver registers fn to be called once per produced outcome,
// including synthesized ones.
func WithObserver(fn func(Outcome)) Option {
	return func(d *Dispatcher) { d.observe = fn }
}

// New creates a Dispatcher.
func New(exec Executor, settings Settings, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		exec:   exec,
		logger: log.WithComponent("dispatch"),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.Configure(settings)
	return d
}

// Configure replaces the dispatch settings for subsequent calls.
func (d *Dispatcher) Configure(s Settings) {
	if s.RequestTimeout <= 0 {
		s.RequestTimeout = 60 * time.Second
	}
	if s.BackoffUnit <= 0 {
		s.BackoffUnit = time.Second
	}
	d.settings.Store(&s)
}

// Settings returns the active settings.
func (d *Dispatcher) Settings() Settings {
	return *d.settings.Load()
}

type indexed struct {
	i       int
	outcome Outcome
}

// Dispatch sends trig to every server concurrently and returns one outcome
// per server in the given order. It returns once all servers finish or the
// global deadline passes, whichever is first; it never waits on a server
// past the deadline.
func (d *Dispatcher) Dispatch(ctx context.Context, trig trigger.Context, servers []config.Server) []Outcome {
	outcomes := make([]Outcome, len(servers))
	if len(servers) == 0 {
		return outcomes
	}

	s := d.Settings()
	start := time.Now()
	dctx, cancel := context.WithTimeout(ctx, s.RequestTimeout)
	defer cancel()

	// Buffered so late finishers never block after we return.
	results := make(chan indexed, len(servers))
	for i, srv := range servers {
		go func() {
			results <- indexed{i: i, outcome: d.runServer(dctx, trig, srv, s.BackoffUnit)}
		}()
	}

	finished := make([]bool, len(servers))
	for remaining := len(servers); remaining > 0; remaining-- {
		select {
		case r := <-results:
			outcomes[r.i] = r.outcome
			finished[r.i] = true
			d.emit(r.outcome)
		case <-dctx.Done():
			// Keep results that landed alongside the deadline.
			for drained := false; !drained; {
				select {
				case r := <-results:
					outcomes[r.i] = r.outcome
					finished[r.i] = true
					d.emit(r.outcome)
				default:
					drained = true
				}
			}
			d.seal(ctx, servers, outcomes, finished, s.RequestTimeout, start)
			return outcomes
		}
	}
	return outcomes
}

// seal fills every unfinished slot with a synthetic failure.
func (d *Dispatcher) seal(parent context.Context, servers []config.Server, outcomes []Outcome, finished []bool, timeout time.Duration, start time.Time) {
	reason := ErrRequestTimeout
	elapsed := timeout
	switch {
	case errors.Is(parent.Err(), context.Canceled):
		reason = ErrCancelled
		elapsed = time.Since(start)
	case parent.Err() != nil:
		// Caller's own deadline fired before ours.
		elapsed = time.Since(start)
	}

	now := time.Now()
	for i, srv := range servers {
		if finished[i] {
			continue
		}
		outcomes[i] = Outcome{
			Server:  srv.Name,
			Success: false,
			Error:   reason.Error(),
			Elapsed: elapsed,
			At:      now,
		}
		d.logger.Warn("server abandoned at dispatch deadline", "server", srv.Name, "reason", reason)
		d.emit(outcomes[i])
	}
}

// runServer executes against one server with its timeout and retry policy.
func (d *Dispatcher) runServer(ctx context.Context, trig trigger.Context, srv config.Server, unit time.Duration) (out Outcome) {
	start := time.Now()
	out = Outcome{Server: srv.Name}
	logger := d.logger.With("server", srv.Name, "kind", trig.Kind)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("executor panicked", "panic", r)
			out.Success = false
			out.Payload = nil
			out.Error = fmt.Sprintf("internal error: %v", r)
		}
		out.Elapsed = time.Since(start)
		out.At = time.Now()
	}()

	req := protocol.NewRequest(trig, srv)
	backoff := retry.WithMaxRetries(uint64(max(srv.RetryCount, 0)), retry.NewExponential(unit))

	// srv.Timeout bounds each attempt; ctx (the dispatch deadline) bounds
	// the attempts together with the waits between them.
	var resp *protocol.Response
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		out.Attempts++
		actx, cancel := context.WithTimeout(ctx, srv.Timeout)
		defer cancel()

		r, err := d.exec.Execute(actx, srv, req)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if actx.Err() != nil {
			logger.Warn("attempt timed out", "attempt", out.Attempts, "timeout", srv.Timeout)
			return retry.RetryableError(ErrRequestTimeout)
		}
		if err != nil {
			if protocol.IsRetryable(err) {
				logger.Warn("transient dispatch failure", "attempt", out.Attempts, "error", err)
				return retry.RetryableError(err)
			}
			return err
		}
		resp = r
		return nil
	})

	switch {
	case err == nil:
		out.Success = true
		out.Payload = resp.Payload()
		logger.Debug("dispatch succeeded", "attempts", out.Attempts)
	case ctx.Err() != nil:
		out.Error = ErrRequestTimeout.Error()
		if errors.Is(ctx.Err(), context.Canceled) {
			out.Error = ErrCancelled.Error()
		}
	case errors.Is(err, ErrRequestTimeout):
		out.Error = ErrRequestTimeout.Error()
		logger.Warn("server timed out", "timeout", srv.Timeout, "attempts", out.Attempts)
	default:
		out.Error = err.Error()
		logger.Warn("dispatch failed", "attempts", out.Attempts, "error", err)
	}
	return out
}

func (d *Dispatcher) emit(o Outcome) {
	if d.observe != nil {
		d.observe(o)
	}
}
