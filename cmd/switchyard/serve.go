package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/mattjoyce/switchyard/internal/api"
	"github.com/mattjoyce/switchyard/internal/config"
	"github.com/mattjoyce/switchyard/internal/events"
	"github.com/mattjoyce/switchyard/internal/executor"
	"github.com/mattjoyce/switchyard/internal/history"
	"github.com/mattjoyce/switchyard/internal/lock"
	"github.com/mattjoyce/switchyard/internal/log"
	"github.com/mattjoyce/switchyard/internal/metrics"
	"github.com/mattjoyce/switchyard/internal/orchestrator"
	"github.com/mattjoyce/switchyard/internal/scheduler"
	"github.com/mattjoyce/switchyard/internal/storage"
	"github.com/mattjoyce/switchyard/internal/webhook"
)

const (
	eventBuffer     = 256
	shutdownTimeout = 30 * time.Second
	lockFileName    = "switchyard.lock"
)

func serveCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine with its webhook listener, control API and schedules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, cfg, err := opts.load(cmd)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return serve(cmd.Context(), path, cfg)
		},
	}
}

// lockPath places the instance lock next to the history database.
func lockPath(cfg *config.Config) string {
	return filepath.Join(filepath.Dir(cfg.State.Path), lockFileName)
}

// scheduleLoader reloads configuration from disk and hands the new schedule
// set to the scheduler before the engine installs the rest.
type scheduleLoader struct {
	path  string
	sched *scheduler.Scheduler
}

func (l *scheduleLoader) Load(ctx context.Context) (*config.Config, error) {
	cfg, err := config.FileLoader{Path: l.path}.Load(ctx)
	if err != nil {
		return nil, err
	}
	if l.sched != nil {
		if err := l.sched.Update(cfg.Schedules); err != nil {
			return nil, fmt.Errorf("%w: %v", config.ErrInvalid, err)
		}
	}
	return cfg, nil
}

func serve(parent context.Context, path string, cfg *config.Config) error {
	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("switchyard starting", "version", version, "config", path)

	pid, err := lock.Acquire(lockPath(cfg))
	if err != nil {
		return fmt.Errorf("another instance may be running: %w", err)
	}
	defer pid.Release()
	logger.Info("acquired instance lock", "path", pid.Path())

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return fmt.Errorf("failed to open history database: %w", err)
	}
	defer db.Close()
	logger.Info("history database opened", "path", cfg.State.Path)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return err
	}

	snap, err := config.Compile(cfg)
	if err != nil {
		return err
	}

	hist := history.NewStore(db)
	hub := events.NewHub(eventBuffer)
	exec := executor.New(executor.WithUserAgent("switchyard/" + version))
	loader := &scheduleLoader{path: path}

	engine := orchestrator.New(snap, exec,
		orchestrator.WithHealthProbe(exec),
		orchestrator.WithRecorder(hist),
		orchestrator.WithEvents(hub),
		orchestrator.WithLoader(loader),
		orchestrator.WithMetrics(),
	)

	sched, err := scheduler.New(cfg.Schedules, engine,
		scheduler.WithPruner(hist, cfg.State.HistoryMaxAge),
		scheduler.WithEvents(hub),
	)
	if err != nil {
		return err
	}
	loader.sched = sched

	var wg sync.WaitGroup
	errCh := make(chan error, 2)
	run := func(name string, start func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	if cfg.API.Enabled {
		srv := api.New(api.Config{Listen: cfg.API.Listen, APIKey: cfg.API.Auth.APIKey}, engine,
			api.WithHistory(hist),
			api.WithEvents(hub),
		)
		run("api", srv.Start)
	}
	if cfg.Webhooks != nil && len(cfg.Webhooks.Endpoints) > 0 {
		srv, err := webhook.New(cfg.Webhooks, engine)
		if err != nil {
			return fmt.Errorf("failed to configure webhooks: %w", err)
		}
		run("webhook", srv.Start)
	}
	sched.Start(ctx)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	logger.Info("switchyard running", "servers", len(snap.Servers), "rules", len(snap.Rules), "schedules", sched.Len())

	var runErr error
loop:
	for {
		select {
		case <-hup:
			if s, err := engine.Reload(ctx); err != nil {
				logger.Error("reload rejected", "error", err)
			} else {
				logger.Info("configuration reloaded", "fingerprint", s.Fingerprint)
			}
		case err := <-errCh:
			logger.Error("component failed", "error", err)
			runErr = err
			cancel()
			break loop
		case <-ctx.Done():
			logger.Info("shutdown requested")
			break loop
		}
	}

	sched.Stop()
	wg.Wait()

	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	if err := engine.Shutdown(shutdownCtx); err != nil {
		logger.Warn("in-flight triggers did not finish", "error", err)
	}
	logger.Info("switchyard stopped")
	return runErr
}
