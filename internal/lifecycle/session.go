// Package lifecycle wires the annotation components of one conversation
// thread into a Session and keeps the open sessions in a Registry.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/marginalia/internal/ack"
	"github.com/kalambet/marginalia/internal/annotation"
	"github.com/kalambet/marginalia/internal/apply"
	"github.com/kalambet/marginalia/internal/docstore"
	"github.com/kalambet/marginalia/internal/reconcile"
	"github.com/kalambet/marginalia/internal/storage"
)

// Ledger keeps proposals across restarts. Status changes reach it through
// the backend.
type Ledger interface {
	SaveProposal(threadID string, rec annotation.ToolAnnotation) error
	SaveToolCall(call annotation.ToolCall) error
	LoadThread(threadID string) ([]storage.ThreadToolCall, error)
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Docs    docstore.Adapter
	Backend ack.Backend
	// Ledger may be nil, in which case sessions start empty.
	Ledger Ledger
	// Clock may be nil.
	Clock annotation.Clock
}

// Options tunes each session.
type Options struct {
	Apply             apply.Options
	Reconcile         reconcile.Options
	ReconcileInterval time.Duration
}

// Session owns the record store of one thread and everything acting on it.
type Session struct {
	threadID   string
	store      *annotation.Store
	ledger     Ledger
	pipeline   *ack.Pipeline
	orch       *apply.Orchestrator
	reconciler *reconcile.Reconciler
	controller *Controller
	loop       *reconcile.Loop

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
	logger *slog.Logger
}

// NewSession wires a session. Start must be called to run reconciliation in
// the background.
func NewSession(threadID string, deps Deps, opts Options) *Session {
	var store *annotation.Store
	if deps.Clock != nil {
		store = annotation.NewStoreWithClock(threadID, deps.Clock)
	} else {
		store = annotation.NewStore(threadID)
	}

	guard := apply.NewGuard()
	pipeline := ack.NewPipeline(store, deps.Backend)
	orch := apply.New(store, deps.Docs, pipeline, guard, opts.Apply)

	var rec *reconcile.Reconciler
	if deps.Clock != nil {
		rec = reconcile.NewWithClock(store, deps.Docs, pipeline, opts.Reconcile, deps.Clock)
	} else {
		rec = reconcile.New(store, deps.Docs, pipeline, opts.Reconcile)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		threadID:   threadID,
		store:      store,
		ledger:     deps.Ledger,
		pipeline:   pipeline,
		orch:       orch,
		reconciler: rec,
		controller: NewController(store, deps.Docs, pipeline, orch, guard),
		loop:       reconcile.NewLoop(rec, opts.ReconcileInterval),
		ctx:        ctx,
		cancel:     cancel,
		logger:     slog.Default().With("thread_id", threadID),
	}
}

// Start runs the reconcile loop until Close.
func (s *Session) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop.Run(s.ctx)
	}()
}

// Close cancels in-flight reconciliation, closes the store and waits for the
// loop to exit. Writes after Close fail with annotation.ErrClosed.
func (s *Session) Close() {
	s.once.Do(func() {
		s.cancel()
		s.store.Close()
		s.wg.Wait()
		s.logger.Info("session closed")
	})
}

func (s *Session) ThreadID() string { return s.threadID }

// bind ties ctx to the session lifetime.
func (s *Session) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// hydrate installs persisted tool calls into the store.
func (s *Session) hydrate(calls []storage.ThreadToolCall) error {
	for _, tc := range calls {
		if err := s.store.Load(tc.Call, tc.Records); err != nil {
			return fmt.Errorf("loading tool call %s: %w", tc.Call.ID, err)
		}
	}
	if len(calls) > 0 {
		s.logger.Info("session hydrated", "tool_calls", len(calls))
	}
	return nil
}

// HandleStreamEvent appends one streamed proposal as pending.
func (s *Session) HandleStreamEvent(_ context.Context, ev annotation.StreamEvent) error {
	rec := ev.Annotation
	if err := s.store.Append(ev.ToolCallID, rec); err != nil {
		return err
	}
	if s.ledger != nil {
		rec.ToolCallID = ev.ToolCallID
		if err := s.ledger.SaveProposal(s.threadID, rec); err != nil {
			s.logger.Warn("recording proposal failed",
				"toolcall_id", ev.ToolCallID, "annotation_id", rec.ID, "error", err)
		}
	}
	return nil
}

// CompleteToolCall makes the tool call's records actionable.
func (s *Session) CompleteToolCall(_ context.Context, toolCallID string) error {
	if err := s.store.Complete(toolCallID); err != nil {
		return err
	}
	s.saveCall(toolCallID)
	return nil
}

// FailToolCall marks the tool call failed; its pending proposals move to
// error.
func (s *Session) FailToolCall(ctx context.Context, toolCallID string) error {
	if err := s.store.Fail(toolCallID); err != nil {
		return err
	}
	s.saveCall(toolCallID)
	for _, rec := range s.store.Get(toolCallID) {
		if rec.Status() == annotation.StatusError {
			_ = s.pipeline.Persist(ctx, rec)
		}
	}
	return nil
}

func (s *Session) saveCall(toolCallID string) {
	if s.ledger == nil {
		return
	}
	call, err := s.store.ToolCall(toolCallID)
	if err != nil {
		return
	}
	if err := s.ledger.SaveToolCall(call); err != nil {
		s.logger.Warn("recording tool call failed", "toolcall_id", toolCallID, "error", err)
	}
}

// ToolCalls returns the thread's tool calls in arrival order.
func (s *Session) ToolCalls() []annotation.ToolCall {
	return s.store.ToolCalls()
}

// GetAnnotations returns the records of a tool call in proposal order.
func (s *Session) GetAnnotations(toolCallID string) ([]annotation.ToolAnnotation, error) {
	if _, err := s.store.ToolCall(toolCallID); err != nil {
		return nil, err
	}
	return s.store.Get(toolCallID), nil
}

// ApplyAll applies every record that is not yet applied.
func (s *Session) ApplyAll(ctx context.Context, toolCallID string) (apply.Result, error) {
	ctx, cancel := s.bind(ctx)
	defer cancel()
	return s.orch.Apply(ctx, toolCallID, "")
}

// ApplyOne applies a single record.
func (s *Session) ApplyOne(ctx context.Context, toolCallID, annotationID string) (apply.Result, error) {
	ctx, cancel := s.bind(ctx)
	defer cancel()
	return s.orch.Apply(ctx, toolCallID, annotationID)
}

// DeleteOne removes a record, and its library item when applied.
func (s *Session) DeleteOne(ctx context.Context, toolCallID, annotationID string) (annotation.ToolAnnotation, error) {
	ctx, cancel := s.bind(ctx)
	defer cancel()
	return s.controller.Delete(ctx, toolCallID, annotationID)
}

// ReAddOne applies a deleted or failed record again.
func (s *Session) ReAddOne(ctx context.Context, toolCallID, annotationID string) (apply.Result, error) {
	ctx, cancel := s.bind(ctx)
	defer cancel()
	return s.controller.ReAdd(ctx, toolCallID, annotationID)
}

// ReconcileNow checks the tool call's applied records against the library.
func (s *Session) ReconcileNow(ctx context.Context, toolCallID string) (reconcile.Result, error) {
	ctx, cancel := s.bind(ctx)
	defer cancel()
	return s.reconciler.Reconcile(ctx, toolCallID)
}
