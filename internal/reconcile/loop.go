package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kalambet/marginalia/internal/annotation"
)

// Loop drives a Reconciler from store change notifications and a fixed
// interval until its context is cancelled or the store is closed.
type Loop struct {
	reconciler *Reconciler
	changes    <-chan string
	interval   time.Duration
	logger     *slog.Logger
}

// NewLoop creates a Loop. If interval is <= 0, it defaults to 30s.
func NewLoop(r *Reconciler, interval time.Duration) *Loop {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Loop{
		reconciler: r,
		changes:    r.store.Changes(),
		interval:   interval,
		logger:     slog.Default(),
	}
}

// Run blocks until ctx is cancelled or the store's change feed closes.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-l.changes:
			if !ok {
				return
			}
			l.runOne(ctx, id)
		case <-ticker.C:
			if err := l.reconciler.ReconcileAll(ctx); err != nil && !l.quiet(err) {
				l.logger.Error("reconcile pass failed", "error", err)
			}
		}
	}
}

func (l *Loop) runOne(ctx context.Context, toolCallID string) {
	_, err := l.reconciler.Reconcile(ctx, toolCallID)
	if err != nil && !l.quiet(err) && !errors.Is(err, annotation.ErrToolCallNotReady) {
		l.logger.Error("reconcile failed", "toolcall_id", toolCallID, "error", err)
	}
}

// quiet reports errors that only mean the session is shutting down.
func (l *Loop) quiet(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, annotation.ErrClosed)
}
