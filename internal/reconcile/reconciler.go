package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/marginalia/internal/annotation"
	"github.com/kalambet/marginalia/internal/docstore"
)

// DefaultSkipWindow is how long a fresh write is trusted without re-checking
// the library.
const DefaultSkipWindow = 10 * time.Second

// Persister stores a record's terminal status in the backend.
type Persister interface {
	Persist(ctx context.Context, rec annotation.ToolAnnotation) error
}

type Options struct {
	SkipWindow  time.Duration
	Concurrency int
}

// Result reports what one pass did.
type Result struct {
	Checked int      `json:"checked"`
	Skipped int      `json:"skipped"`
	Deleted []string `json:"deleted"`
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Reconciler detects applied records whose library item was removed out of
// band.
type Reconciler struct {
	store   *annotation.Store
	locator docstore.Locator
	persist Persister
	clock   annotation.Clock
	opts    Options
	logger  *slog.Logger
}

// New creates a Reconciler. persist may be nil.
func New(store *annotation.Store, locator docstore.Locator, persist Persister, opts Options) *Reconciler {
	return NewWithClock(store, locator, persist, opts, realClock{})
}

// NewWithClock creates a Reconciler with a custom clock (for testing).
func NewWithClock(store *annotation.Store, locator docstore.Locator, persist Persister, opts Options, clock annotation.Clock) *Reconciler {
	if opts.SkipWindow <= 0 {
		opts.SkipWindow = DefaultSkipWindow
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	return &Reconciler{
		store:   store,
		locator: locator,
		persist: persist,
		clock:   clock,
		opts:    opts,
		logger:  slog.Default(),
	}
}

type probe struct {
	rec     annotation.ToolAnnotation
	missing bool
}

// Reconcile checks every applied record of a completed tool call. A record
// moves to deleted only when the library confirms it is gone and nothing
// wrote the record while the check was running.
func (r *Reconciler) Reconcile(ctx context.Context, toolCallID string) (Result, error) {
	call, err := r.store.ToolCall(toolCallID)
	if err != nil {
		return Result{}, err
	}
	if call.Status != annotation.ToolCallCompleted {
		return Result{}, fmt.Errorf("tool call %s: %w", toolCallID, annotation.ErrToolCallNotReady)
	}

	var res Result
	now := r.clock.Now()
	var probes []*probe
	for _, rec := range r.store.Get(toolCallID) {
		if rec.Status() != annotation.StatusApplied {
			continue
		}
		if now.Sub(rec.ModifiedAt) < r.opts.SkipWindow {
			res.Skipped++
			continue
		}
		probes = append(probes, &probe{rec: rec})
	}
	res.Checked = len(probes)
	if len(probes) == 0 {
		return res, nil
	}

	var g errgroup.Group
	g.SetLimit(r.opts.Concurrency)
	for _, p := range probes {
		g.Go(func() error {
			_, err := r.locator.Locate(ctx, p.rec.LibraryID, p.rec.ExternalKey())
			switch {
			case err == nil:
			case errors.Is(err, docstore.ErrNotFound):
				p.missing = true
			default:
				r.logger.Debug("locate failed, leaving record as is",
					"toolcall_id", toolCallID, "annotation_id", p.rec.ID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, p := range probes {
		if !p.missing {
			continue
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		ok, err := r.store.UpsertIfVersion(toolCallID, p.rec.ID, p.rec.Version, annotation.ExternallyDeleted())
		if err != nil {
			if errors.Is(err, annotation.ErrClosed) {
				return res, err
			}
			r.logger.Warn("could not mark annotation deleted",
				"toolcall_id", toolCallID, "annotation_id", p.rec.ID, "error", err)
			continue
		}
		if !ok {
			r.logger.Debug("record changed during check, discarding result",
				"toolcall_id", toolCallID, "annotation_id", p.rec.ID)
			continue
		}

		res.Deleted = append(res.Deleted, p.rec.ID)
		r.logger.Info("annotation removed from library, marked deleted",
			"toolcall_id", toolCallID, "annotation_id", p.rec.ID, "external_key", p.rec.ExternalKey())
		if r.persist != nil {
			if rec, err := r.store.Record(toolCallID, p.rec.ID); err == nil {
				_ = r.persist.Persist(ctx, rec)
			}
		}
	}
	return res, nil
}

// ReconcileAll runs Reconcile over every completed tool call.
func (r *Reconciler) ReconcileAll(ctx context.Context) error {
	for _, call := range r.store.ToolCalls() {
		if call.Status != annotation.ToolCallCompleted {
			continue
		}
		if _, err := r.Reconcile(ctx, call.ID); err != nil {
			return err
		}
	}
	return nil
}
