package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kalambet/marginalia/internal/annotation"
	"github.com/kalambet/marginalia/internal/apply"
	"github.com/kalambet/marginalia/internal/docstore"
	"github.com/kalambet/marginalia/internal/reconcile"
)

// Controller handles user-initiated deletes and re-adds.
type Controller struct {
	store   *annotation.Store
	deleter docstore.Deleter
	persist reconcile.Persister
	orch    *apply.Orchestrator
	guard   *apply.Guard
	logger  *slog.Logger
}

// NewController creates a Controller. guard must be the one the orchestrator
// uses.
func NewController(store *annotation.Store, deleter docstore.Deleter, persist reconcile.Persister, orch *apply.Orchestrator, guard *apply.Guard) *Controller {
	return &Controller{
		store:   store,
		deleter: deleter,
		persist: persist,
		orch:    orch,
		guard:   guard,
		logger:  slog.Default(),
	}
}

// Delete removes one record. Applied records are removed from the library
// first; anything else moves to deleted directly. The resulting status is
// always persisted.
func (c *Controller) Delete(ctx context.Context, toolCallID, annotationID string) (annotation.ToolAnnotation, error) {
	release, ok := c.guard.TryAcquire(toolCallID)
	if !ok {
		return annotation.ToolAnnotation{}, fmt.Errorf("tool call %s: %w", toolCallID, apply.ErrBusy)
	}
	defer release()

	call, err := c.store.ToolCall(toolCallID)
	if err != nil {
		return annotation.ToolAnnotation{}, err
	}
	if call.Status == annotation.ToolCallInProgress {
		return annotation.ToolAnnotation{}, fmt.Errorf("tool call %s: %w", toolCallID, annotation.ErrToolCallNotReady)
	}

	rec, err := c.store.Record(toolCallID, annotationID)
	if err != nil {
		return annotation.ToolAnnotation{}, err
	}

	t := annotation.UserDeleted()
	if rec.Status() == annotation.StatusApplied {
		err := c.deleter.Delete(ctx, rec.LibraryID, rec.ExternalKey())
		switch {
		case err == nil:
		case errors.Is(err, docstore.ErrNotFound):
			c.logger.Debug("library item already gone",
				"toolcall_id", toolCallID, "annotation_id", annotationID, "external_key", rec.ExternalKey())
		default:
			c.logger.Warn("deleting library item failed",
				"toolcall_id", toolCallID, "annotation_id", annotationID, "error", err)
			t = annotation.DeleteFailed(err.Error())
		}
	}

	if err := c.store.Upsert(toolCallID, annotationID, t); err != nil {
		return annotation.ToolAnnotation{}, err
	}
	rec, err = c.store.Record(toolCallID, annotationID)
	if err != nil {
		return annotation.ToolAnnotation{}, err
	}
	if c.persist != nil {
		_ = c.persist.Persist(ctx, rec)
	}
	return rec, nil
}

// ReAdd applies one deleted or failed record again.
func (c *Controller) ReAdd(ctx context.Context, toolCallID, annotationID string) (apply.Result, error) {
	return c.orch.Apply(ctx, toolCallID, annotationID)
}
