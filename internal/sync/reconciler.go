package sync

import (
	"context"
	"log/slog"
	"time"
)

// DefaultPullInterval is how often the reconciler pulls when nothing changed locally
const DefaultPullInterval = time.Minute

// Reconciler periodically runs pull-merge-push so remote changes arrive even
// when there are no local edits.
type Reconciler struct {
	target   PullMergePusher
	guard    *Guard
	interval time.Duration
	logger   *slog.Logger
}

// NewReconciler creates a reconciler that calls target every interval
func NewReconciler(target PullMergePusher, guard *Guard, interval time.Duration, logger *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = DefaultPullInterval
	}
	return &Reconciler{
		target:   target,
		guard:    guard,
		interval: interval,
		logger:   logger,
	}
}

// Run sleeps first and then reconciles, once per interval, until shutdown is
// requested or ctx is done. A cycle that has started is not interrupted.
func (r *Reconciler) Run(ctx context.Context) {
	r.logger.Info("periodic reconciliation started", "interval", r.interval)
	defer r.logger.Info("periodic reconciliation stopped")

	for {
		if r.stopping(ctx) {
			return
		}

		timer := time.NewTimer(r.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-r.guard.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if r.stopping(ctx) {
			return
		}
		r.target.PullMergePush(ctx)
	}
}

func (r *Reconciler) stopping(ctx context.Context) bool {
	return r.guard.ShuttingDown() || ctx.Err() != nil
}
