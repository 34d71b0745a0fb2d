// Package daemon wires the watcher, debouncer, sync engine and background
// reconciliation into one long-running process.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/schaermu/gitto/internal/debounce"
	gittosync "github.com/schaermu/gitto/internal/sync"
	"github.com/schaermu/gitto/internal/watcher"
)

// DefaultShutdownTimeout bounds how long Run waits for background work
const DefaultShutdownTimeout = 5 * time.Second

// ChangeSource delivers file change events until stopped
type ChangeSource interface {
	Start(handler func(watcher.ChangeEvent)) error
	Stop() error
}

// Service is an optional background server bound to the daemon's lifetime
type Service interface {
	Start(ctx context.Context) error
}

// Options configures the daemon
type Options struct {
	Dir             string
	LFSTrack        []string
	Debounce        time.Duration
	PullInterval    time.Duration
	ShutdownTimeout time.Duration
	// Webhook is started alongside the reconciler when set
	Webhook Service
}

// Daemon keeps a working directory and its remote in sync
type Daemon struct {
	engine *gittosync.Engine
	guard  *gittosync.Guard
	source ChangeSource
	logger *slog.Logger
	opts   Options
}

// New creates a daemon. guard must be the one the engine was built with.
func New(engine *gittosync.Engine, guard *gittosync.Guard, source ChangeSource, logger *slog.Logger, opts Options) *Daemon {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	return &Daemon{
		engine: engine,
		guard:  guard,
		source: source,
		logger: logger,
		opts:   opts,
	}
}

// Run performs the startup sequence, then syncs on every debounced batch of
// changes and reconciles periodically until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	// An interrupt during startup lets the running step finish but keeps
	// the remaining steps from starting.
	stop := context.AfterFunc(ctx, d.guard.Shutdown)
	defer stop()

	steps := []func(){
		func() { d.engine.RegisterLFS(ctx, d.opts.LFSTrack) },
		func() {
			d.logger.Info("watching directory", "dir", d.opts.Dir)
			d.engine.PullMergePush(ctx)
		},
		func() { d.engine.CheckIfAhead(ctx) },
		func() {
			d.logger.Info("performing initial sync")
			d.engine.SyncChanges(ctx)
		},
	}
	for _, step := range steps {
		if d.interrupted(ctx) {
			d.logger.Info("interrupted during startup")
			return nil
		}
		step()
	}
	if d.interrupted(ctx) {
		d.logger.Info("interrupted during startup")
		return nil
	}

	batches := debounce.New(d.opts.Debounce, func(events []watcher.ChangeEvent) {
		d.logger.Debug("change burst settled", "count", len(events))
		d.engine.SyncChanges(context.Background())
	})
	if err := d.source.Start(func(ev watcher.ChangeEvent) { batches.Add(ev) }); err != nil {
		d.guard.Shutdown()
		batches.Stop()
		return fmt.Errorf("failed to start watcher: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	reconciler := gittosync.NewReconciler(d.engine, d.guard, d.opts.PullInterval, d.logger)
	g.Go(func() error {
		reconciler.Run(gctx)
		return nil
	})
	if d.opts.Webhook != nil {
		g.Go(func() error {
			if err := d.opts.Webhook.Start(gctx); err != nil {
				return fmt.Errorf("webhook server: %w", err)
			}
			return nil
		})
	}

	<-gctx.Done()
	return d.shutdown(g, batches)
}

// interrupted sets the shutdown signal once ctx is done and reports whether
// it is set.
func (d *Daemon) interrupted(ctx context.Context) bool {
	if ctx.Err() != nil {
		d.guard.Shutdown()
	}
	return d.guard.ShuttingDown()
}

func (d *Daemon) shutdown(g *errgroup.Group, batches *debounce.Debouncer[watcher.ChangeEvent]) error {
	d.logger.Info("shutting down")
	d.guard.Shutdown()

	if err := d.source.Stop(); err != nil {
		d.logger.Warn("failed to stop watcher", "error", err)
	}

	finished := make(chan error, 1)
	go func() {
		batches.Stop()
		finished <- g.Wait()
	}()

	timer := time.NewTimer(d.opts.ShutdownTimeout)
	defer timer.Stop()

	select {
	case err := <-finished:
		if err != nil {
			return err
		}
		d.logger.Info("shutdown complete")
	case <-timer.C:
		d.logger.Warn("timed out waiting for background work", "timeout", d.opts.ShutdownTimeout)
	}
	return nil
}
