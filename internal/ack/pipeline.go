package ack

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kalambet/marginalia/internal/annotation"
	"github.com/kalambet/marginalia/internal/backend"
)

// Backend is the acknowledgment API.
type Backend interface {
	MarkApplied(ctx context.Context, threadID, toolCallID string, items []backend.AppliedItem) (backend.MarkAppliedResponse, error)
	UpdateAnnotation(ctx context.Context, annotationID string, update backend.StatusUpdate) error
}

// Pipeline reports applied annotations to the backend and folds its
// rejections back into the record store.
type Pipeline struct {
	store   *annotation.Store
	backend Backend
	logger  *slog.Logger
}

// NewPipeline creates a Pipeline writing corrections into store.
func NewPipeline(store *annotation.Store, b Backend) *Pipeline {
	return &Pipeline{
		store:   store,
		backend: b,
		logger:  slog.Default(),
	}
}

// Acknowledge sends items in one batch. A transport failure leaves the local
// applied state untouched. Each rejected item moves to error and the
// correction is persisted on its own. It returns the rejections it applied.
func (p *Pipeline) Acknowledge(ctx context.Context, toolCallID string, items []backend.AppliedItem) []backend.Rejection {
	if len(items) == 0 {
		return nil
	}

	resp, err := p.backend.MarkApplied(ctx, p.store.ThreadID(), toolCallID, items)
	if err != nil {
		p.logger.Warn("acknowledgment not confirmed, keeping local state",
			"toolcall_id", toolCallID, "count", len(items), "error", err)
		return nil
	}

	sent := make(map[string]bool, len(items))
	for _, it := range items {
		sent[it.AnnotationID] = true
	}

	var applied []backend.Rejection
	for _, rej := range resp.Errors {
		if !sent[rej.AnnotationID] {
			p.logger.Warn("backend rejected an annotation that was not in the batch",
				"toolcall_id", toolCallID, "annotation_id", rej.AnnotationID)
			continue
		}
		reason := rej.Detail
		if reason == "" {
			reason = "rejected by backend"
		}
		if err := p.store.Upsert(toolCallID, rej.AnnotationID, annotation.Rejected(reason)); err != nil {
			p.logger.Warn("could not record acknowledgment rejection",
				"toolcall_id", toolCallID, "annotation_id", rej.AnnotationID, "error", err)
			continue
		}
		rec, err := p.store.Record(toolCallID, rej.AnnotationID)
		if err != nil {
			continue
		}
		_ = p.Persist(ctx, rec)
		applied = append(applied, backend.Rejection{AnnotationID: rej.AnnotationID, Detail: reason})
	}
	return applied
}

// Persist writes a record's current status to the backend. Failures are
// logged and returned; they are never retried here.
func (p *Pipeline) Persist(ctx context.Context, rec annotation.ToolAnnotation) error {
	if err := p.backend.UpdateAnnotation(ctx, rec.ID, backend.UpdateFor(rec)); err != nil {
		p.logger.Warn("persisting annotation status failed",
			"toolcall_id", rec.ToolCallID, "annotation_id", rec.ID, "status", rec.Status(), "error", err)
		return fmt.Errorf("persisting %s: %w", rec.ID, err)
	}
	return nil
}
