package apply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/marginalia/internal/annotation"
	"github.com/kalambet/marginalia/internal/backend"
	"github.com/kalambet/marginalia/internal/docstore"
)

const attachmentNotFoundMessage = "attachment not found"

// Documents is the part of the document store the orchestrator drives.
type Documents interface {
	docstore.Creator
	docstore.Viewer
}

// Acknowledger forwards applied records to the backend.
type Acknowledger interface {
	Acknowledge(ctx context.Context, toolCallID string, items []backend.AppliedItem) []backend.Rejection
	Persist(ctx context.Context, rec annotation.ToolAnnotation) error
}

// Options tunes a batch.
type Options struct {
	// Concurrency bounds parallel create calls. Zero or less means 4.
	Concurrency int
	// CreateTimeout bounds each create call. Zero disables the bound.
	CreateTimeout time.Duration
}

// Result summarizes one batch.
type Result struct {
	Applied  []string `json:"applied"`
	Failed   []string `json:"failed"`
	Rejected []string `json:"rejected,omitempty"`
}

// Orchestrator materializes pending records in the document store.
type Orchestrator struct {
	store  *annotation.Store
	docs   Documents
	acks   Acknowledger
	guard  *Guard
	opts   Options
	logger *slog.Logger
}

// New creates an Orchestrator. guard may be shared with other components that
// must not overlap a batch.
func New(store *annotation.Store, docs Documents, acks Acknowledger, guard *Guard, opts Options) *Orchestrator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if guard == nil {
		guard = NewGuard()
	}
	return &Orchestrator{
		store:  store,
		docs:   docs,
		acks:   acks,
		guard:  guard,
		opts:   opts,
		logger: slog.Default(),
	}
}

type group struct {
	libraryID     int64
	attachmentKey string
	records       []annotation.ToolAnnotation
}

func (g group) minPage() int {
	lowest := -1
	for _, r := range g.records {
		if p := r.Location.MinPageIndex(); lowest < 0 || p < lowest {
			lowest = p
		}
	}
	return lowest
}

// Apply runs one batch for toolCallID: every non-applied record, or only
// annotationID when it is set. Per-record failures land on the records; the
// returned error is reserved for failures that stop the whole batch.
func (o *Orchestrator) Apply(ctx context.Context, toolCallID, annotationID string) (Result, error) {
	release, ok := o.guard.TryAcquire(toolCallID)
	if !ok {
		return Result{}, fmt.Errorf("tool call %s: %w", toolCallID, ErrBusy)
	}
	defer release()

	call, err := o.store.ToolCall(toolCallID)
	if err != nil {
		return Result{}, err
	}
	if call.Status != annotation.ToolCallCompleted {
		return Result{}, fmt.Errorf("tool call %s: %w", toolCallID, annotation.ErrToolCallNotReady)
	}

	targets, err := o.selectTargets(toolCallID, annotationID)
	if err != nil || len(targets) == 0 {
		return Result{}, err
	}

	var retry []annotation.Change
	for i, t := range targets {
		if t.Status() != annotation.StatusPending {
			retry = append(retry, annotation.Change{ID: t.ID, Transition: annotation.Retry()})
			targets[i].State = annotation.Pending{}
		}
	}
	if len(retry) > 0 {
		if err := o.store.UpsertBatch(toolCallID, retry); err != nil {
			return Result{}, fmt.Errorf("resetting records to pending: %w", err)
		}
	}

	var res Result
	ready, openFailed, openErr := o.openDocuments(ctx, targets)
	if len(openFailed) > 0 {
		if err := o.store.UpsertBatch(toolCallID, openFailed); err != nil {
			return Result{}, fmt.Errorf("recording attachment failures: %w", err)
		}
		for _, c := range openFailed {
			res.Failed = append(res.Failed, c.ID)
		}
	}
	if len(ready) == 0 {
		o.persistFailures(ctx, toolCallID, res.Failed)
		return res, fmt.Errorf("tool call %s: %w", toolCallID, openErr)
	}

	changes, created := o.createAll(ctx, ready)
	unrecorded, err := o.store.UpsertEach(toolCallID, changes)
	if err != nil {
		o.logger.Error("created annotations could not be recorded",
			"toolcall_id", toolCallID, "created", len(created), "error", err)
		return res, fmt.Errorf("recording create results: %w", err)
	}
	for id, uerr := range unrecorded {
		if key, ok := created[id]; ok {
			o.logger.Error("created annotation could not be recorded",
				"toolcall_id", toolCallID, "annotation_id", id, "external_key", key, "error", uerr)
			delete(created, id)
		}
	}

	var items []backend.AppliedItem
	for _, r := range ready {
		if key, ok := created[r.ID]; ok {
			items = append(items, backend.AppliedItem{AnnotationID: r.ID, ExternalKey: key})
		} else {
			res.Failed = append(res.Failed, r.ID)
		}
	}

	rejected := make(map[string]bool)
	for _, rej := range o.acks.Acknowledge(ctx, toolCallID, items) {
		rejected[rej.AnnotationID] = true
		res.Rejected = append(res.Rejected, rej.AnnotationID)
	}

	o.persistFailures(ctx, toolCallID, res.Failed)

	var first *annotation.ToolAnnotation
	for i, t := range targets {
		if _, ok := created[t.ID]; !ok || rejected[t.ID] {
			continue
		}
		res.Applied = append(res.Applied, t.ID)
		if first == nil {
			first = &targets[i]
		}
	}
	if first != nil {
		if err := o.docs.OpenAndNavigate(ctx, first.LibraryID, first.AttachmentKey, first.Location.MinPageIndex()); err != nil {
			o.logger.Warn("navigating to applied annotation failed",
				"toolcall_id", toolCallID, "annotation_id", first.ID, "error", err)
		}
	}

	o.logger.Info("apply batch finished",
		"toolcall_id", toolCallID,
		"applied", len(res.Applied),
		"failed", len(res.Failed),
		"rejected", len(res.Rejected),
	)
	return res, nil
}

func (o *Orchestrator) selectTargets(toolCallID, annotationID string) ([]annotation.ToolAnnotation, error) {
	records := o.store.Get(toolCallID)
	var targets []annotation.ToolAnnotation
	found := annotationID == ""
	for _, r := range records {
		if annotationID != "" && r.ID != annotationID {
			continue
		}
		found = true
		if r.Status() == annotation.StatusApplied {
			continue
		}
		targets = append(targets, r)
	}
	if !found {
		return nil, fmt.Errorf("annotation %s: %w", annotationID, annotation.ErrNotFound)
	}
	return targets, nil
}

// openDocuments makes sure the viewer shows each target attachment. Records
// whose attachment cannot be opened come back as failure changes.
func (o *Orchestrator) openDocuments(ctx context.Context, targets []annotation.ToolAnnotation) ([]annotation.ToolAnnotation, []annotation.Change, error) {
	var groups []*group
	index := make(map[string]*group)
	for _, t := range targets {
		k := fmt.Sprintf("%d/%s", t.LibraryID, t.AttachmentKey)
		g, ok := index[k]
		if !ok {
			g = &group{libraryID: t.LibraryID, attachmentKey: t.AttachmentKey}
			index[k] = g
			groups = append(groups, g)
		}
		g.records = append(g.records, t)
	}

	var (
		ready   []annotation.ToolAnnotation
		failed  []annotation.Change
		lastErr error
	)
	for _, g := range groups {
		if o.docs.IsOpen(g.libraryID, g.attachmentKey) {
			ready = append(ready, g.records...)
			continue
		}
		err := o.docs.OpenAndNavigate(ctx, g.libraryID, g.attachmentKey, g.minPage())
		if err == nil {
			ready = append(ready, g.records...)
			continue
		}

		lastErr = err
		msg := attachmentNotFoundMessage
		if !errors.Is(err, docstore.ErrAttachmentNotFound) {
			msg = "opening attachment: " + err.Error()
		}
		o.logger.Warn("attachment could not be opened",
			"library_id", g.libraryID, "attachment_key", g.attachmentKey, "error", err)
		for _, r := range g.records {
			failed = append(failed, annotation.Change{ID: r.ID, Transition: annotation.ApplyFailed(msg)})
		}
	}
	return ready, failed, lastErr
}

type outcome struct {
	key string
	err error
}

// createAll fans the create calls out and joins them. A failing record never
// cancels its siblings.
func (o *Orchestrator) createAll(ctx context.Context, ready []annotation.ToolAnnotation) ([]annotation.Change, map[string]string) {
	outcomes := make([]outcome, len(ready))

	var g errgroup.Group
	g.SetLimit(o.opts.Concurrency)
	for i, r := range ready {
		g.Go(func() error {
			key, err := o.create(ctx, r)
			outcomes[i] = outcome{key: key, err: err}
			return nil
		})
	}
	_ = g.Wait()

	changes := make([]annotation.Change, len(ready))
	created := make(map[string]string)
	for i, r := range ready {
		if err := outcomes[i].err; err != nil {
			o.logger.Warn("creating annotation failed",
				"toolcall_id", r.ToolCallID, "annotation_id", r.ID, "error", err)
			changes[i] = annotation.Change{ID: r.ID, Transition: annotation.ApplyFailed(err.Error())}
			continue
		}
		changes[i] = annotation.Change{ID: r.ID, Transition: annotation.ApplySucceeded(outcomes[i].key)}
		created[r.ID] = outcomes[i].key
	}
	return changes, created
}

func (o *Orchestrator) create(ctx context.Context, r annotation.ToolAnnotation) (string, error) {
	if o.opts.CreateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.CreateTimeout)
		defer cancel()
	}
	key, err := o.docs.Create(ctx, docstore.SpecFor(r))
	if err != nil {
		return "", err
	}
	if key == "" {
		return "", errors.New("library returned an empty key")
	}
	return key, nil
}

// persistFailures pushes error records to the backend one by one. Failures
// are logged by the acknowledger and not retried.
func (o *Orchestrator) persistFailures(ctx context.Context, toolCallID string, ids []string) {
	for _, id := range ids {
		rec, err := o.store.Record(toolCallID, id)
		if err != nil || rec.Status() != annotation.StatusError {
			continue
		}
		_ = o.acks.Persist(ctx, rec)
	}
}
