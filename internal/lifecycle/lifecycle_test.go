package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/marginalia/internal/ack"
	"github.com/kalambet/marginalia/internal/annotation"
	"github.com/kalambet/marginalia/internal/apply"
	"github.com/kalambet/marginalia/internal/backend"
	"github.com/kalambet/marginalia/internal/docstore"
	"github.com/kalambet/marginalia/internal/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// memDocs is an in-memory docstore.Adapter.
type memDocs struct {
	mu        sync.Mutex
	items     map[string]docstore.CreateSpec
	open      map[string]bool
	next      int
	deleteErr error
	deletes   []string
}

func newMemDocs() *memDocs {
	return &memDocs{items: make(map[string]docstore.CreateSpec), open: make(map[string]bool)}
}

func (m *memDocs) Locate(_ context.Context, libraryID int64, key string) (docstore.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	spec, ok := m.items[key]
	if !ok {
		return docstore.Item{}, docstore.ErrNotFound
	}
	return docstore.Item{LibraryID: libraryID, Key: key, AttachmentKey: spec.AttachmentKey}, nil
}

func (m *memDocs) Create(_ context.Context, spec docstore.CreateSpec) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	key := fmt.Sprintf("K%d", m.next)
	m.items[key] = spec
	return key, nil
}

func (m *memDocs) Delete(_ context.Context, _ int64, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes = append(m.deletes, key)
	if m.deleteErr != nil {
		return m.deleteErr
	}
	if _, ok := m.items[key]; !ok {
		return docstore.ErrNotFound
	}
	delete(m.items, key)
	return nil
}

// remove drops an item behind the lifecycle's back.
func (m *memDocs) remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
}

func (m *memDocs) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func (m *memDocs) IsOpen(libraryID int64, attachmentKey string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open[fmt.Sprintf("%d/%s", libraryID, attachmentKey)]
}

func (m *memDocs) OpenAndNavigate(_ context.Context, libraryID int64, attachmentKey string, _ int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open[fmt.Sprintf("%d/%s", libraryID, attachmentKey)] = true
	return nil
}

// ledgerBackend acknowledges straight into a storage ledger.
type ledgerBackend struct {
	store *storage.Store

	mu      sync.Mutex
	updates map[string]backend.StatusUpdate
}

func (b *ledgerBackend) MarkApplied(_ context.Context, threadID, toolCallID string, items []backend.AppliedItem) (backend.MarkAppliedResponse, error) {
	rej, err := b.store.MarkApplied(threadID, toolCallID, items)
	if err != nil {
		return backend.MarkAppliedResponse{}, err
	}
	return backend.MarkAppliedResponse{Errors: rej}, nil
}

func (b *ledgerBackend) UpdateAnnotation(_ context.Context, id string, u backend.StatusUpdate) error {
	b.mu.Lock()
	if b.updates == nil {
		b.updates = make(map[string]backend.StatusUpdate)
	}
	b.updates[id] = u
	b.mu.Unlock()
	return b.store.UpdateAnnotationStatus(id, u)
}

func (b *ledgerBackend) update(id string) (backend.StatusUpdate, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	u, ok := b.updates[id]
	return u, ok
}

var _ ack.Backend = (*ledgerBackend)(nil)

func highlight(id string, page int) annotation.ToolAnnotation {
	return annotation.ToolAnnotation{
		ID:            id,
		Type:          annotation.TypeHighlight,
		LibraryID:     1,
		AttachmentKey: "ATT1",
		Location: annotation.Location{
			Boxes: []annotation.BoxGroup{{PageIndex: page, Rects: []annotation.Rect{{0, 0, 10, 10}}}},
		},
	}
}

type fixture struct {
	docs    *memDocs
	ledger  *storage.Store
	backend *ledgerBackend
	clock   *fakeClock
	reg     *Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	f := &fixture{
		docs:    newMemDocs(),
		ledger:  s,
		backend: &ledgerBackend{store: s},
		clock:   &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
	}
	f.reg = NewRegistry(Deps{Docs: f.docs, Backend: f.backend, Ledger: s, Clock: f.clock},
		Options{ReconcileInterval: time.Hour})
	t.Cleanup(f.reg.Close)
	return f
}

// propose streams the records into tc1 of thread-1 and completes the call.
func (f *fixture) propose(t *testing.T, recs ...annotation.ToolAnnotation) *Session {
	t.Helper()
	s, err := f.reg.Open("thread-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	for _, r := range recs {
		if err := s.HandleStreamEvent(ctx, annotation.StreamEvent{ToolCallID: "tc1", Annotation: r}); err != nil {
			t.Fatalf("HandleStreamEvent(%s): %v", r.ID, err)
		}
	}
	if err := s.CompleteToolCall(ctx, "tc1"); err != nil {
		t.Fatalf("CompleteToolCall: %v", err)
	}
	return s
}

func record(t *testing.T, s *Session, id string) annotation.ToolAnnotation {
	t.Helper()
	recs, err := s.GetAnnotations("tc1")
	if err != nil {
		t.Fatalf("GetAnnotations: %v", err)
	}
	for _, r := range recs {
		if r.ID == id {
			return r
		}
	}
	t.Fatalf("record %s not found", id)
	return annotation.ToolAnnotation{}
}

func TestSession_ApplyAllAcknowledges(t *testing.T) {
	f := newFixture(t)
	s := f.propose(t, highlight("a1", 0), highlight("a2", 1))

	res, err := s.ApplyAll(context.Background(), "tc1")
	if err != nil {
		t.Fatalf("ApplyAll: %v", err)
	}
	if len(res.Applied) != 2 {
		t.Fatalf("applied = %v, want 2", res.Applied)
	}

	for _, id := range []string{"a1", "a2"} {
		r := record(t, s, id)
		if r.Status() != annotation.StatusApplied {
			t.Errorf("%s status = %s, want applied", id, r.Status())
		}
		stored, err := f.ledger.GetToolAnnotation(id)
		if err != nil {
			t.Fatalf("GetToolAnnotation(%s): %v", id, err)
		}
		if stored.ExternalKey() != r.ExternalKey() {
			t.Errorf("%s ledger key = %q, want %q", id, stored.ExternalKey(), r.ExternalKey())
		}
	}
}

func TestSession_ApplyBeforeCompleteRejected(t *testing.T) {
	f := newFixture(t)
	s, err := f.reg.Open("thread-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.HandleStreamEvent(context.Background(), annotation.StreamEvent{ToolCallID: "tc1", Annotation: highlight("a1", 0)}); err != nil {
		t.Fatal(err)
	}

	_, err = s.ApplyAll(context.Background(), "tc1")
	if !errors.Is(err, annotation.ErrToolCallNotReady) {
		t.Errorf("err = %v, want ErrToolCallNotReady", err)
	}
}

func TestDelete_PendingNeedsNoAdapterCall(t *testing.T) {
	f := newFixture(t)
	s := f.propose(t, highlight("a1", 0))

	rec, err := s.DeleteOne(context.Background(), "tc1", "a1")
	if err != nil {
		t.Fatalf("DeleteOne: %v", err)
	}
	if rec.Status() != annotation.StatusDeleted {
		t.Errorf("status = %s, want deleted", rec.Status())
	}
	if len(f.docs.deletes) != 0 {
		t.Errorf("adapter Delete called %d times, want 0", len(f.docs.deletes))
	}
	if u, ok := f.backend.update("a1"); !ok || u.Status != annotation.StatusDeleted {
		t.Errorf("persisted update = %+v, %v; want deleted", u, ok)
	}
}

func TestDelete_AppliedRemovesLibraryItem(t *testing.T) {
	f := newFixture(t)
	s := f.propose(t, highlight("a1", 0))
	if _, err := s.ApplyAll(context.Background(), "tc1"); err != nil {
		t.Fatal(err)
	}
	key := record(t, s, "a1").ExternalKey()

	rec, err := s.DeleteOne(context.Background(), "tc1", "a1")
	if err != nil {
		t.Fatalf("DeleteOne: %v", err)
	}
	if rec.Status() != annotation.StatusDeleted || rec.ExternalKey() != "" {
		t.Errorf("record = %s/%q, want deleted without key", rec.Status(), rec.ExternalKey())
	}
	if len(f.docs.deletes) != 1 || f.docs.deletes[0] != key {
		t.Errorf("adapter deletes = %v, want [%s]", f.docs.deletes, key)
	}
	if f.docs.count() != 0 {
		t.Errorf("library still has %d items", f.docs.count())
	}
	stored, _ := f.ledger.GetToolAnnotation("a1")
	if stored.Status() != annotation.StatusDeleted {
		t.Errorf("ledger status = %s, want deleted", stored.Status())
	}
}

func TestDelete_AlreadyGoneCountsAsSuccess(t *testing.T) {
	f := newFixture(t)
	s := f.propose(t, highlight("a1", 0))
	if _, err := s.ApplyAll(context.Background(), "tc1"); err != nil {
		t.Fatal(err)
	}
	f.docs.remove(record(t, s, "a1").ExternalKey())

	rec, err := s.DeleteOne(context.Background(), "tc1", "a1")
	if err != nil {
		t.Fatalf("DeleteOne: %v", err)
	}
	if rec.Status() != annotation.StatusDeleted {
		t.Errorf("status = %s, want deleted", rec.Status())
	}
}

func TestDelete_AdapterFailureMovesToError(t *testing.T) {
	f := newFixture(t)
	s := f.propose(t, highlight("a1", 0))
	if _, err := s.ApplyAll(context.Background(), "tc1"); err != nil {
		t.Fatal(err)
	}
	f.docs.deleteErr = errors.New("library is read-only")

	rec, err := s.DeleteOne(context.Background(), "tc1", "a1")
	if err != nil {
		t.Fatalf("DeleteOne: %v", err)
	}
	if rec.Status() != annotation.StatusError || rec.ErrorMessage() != "library is read-only" {
		t.Errorf("record = %s/%q, want error/library is read-only", rec.Status(), rec.ErrorMessage())
	}
	if f.docs.count() != 1 {
		t.Errorf("library item should be untouched, have %d items", f.docs.count())
	}
	if u, ok := f.backend.update("a1"); !ok || u.Status != annotation.StatusError {
		t.Errorf("persisted update = %+v, %v; want error", u, ok)
	}
}

func TestController_DeleteWhileBusy(t *testing.T) {
	store := annotation.NewStore("thread-1")
	if err := store.Append("tc1", highlight("a1", 0)); err != nil {
		t.Fatal(err)
	}
	if err := store.Complete("tc1"); err != nil {
		t.Fatal(err)
	}
	guard := apply.NewGuard()
	docs := newMemDocs()
	c := NewController(store, docs, nil, nil, guard)

	release, ok := guard.TryAcquire("tc1")
	if !ok {
		t.Fatal("TryAcquire failed")
	}
	_, err := c.Delete(context.Background(), "tc1", "a1")
	if !errors.Is(err, apply.ErrBusy) {
		t.Errorf("err = %v, want ErrBusy", err)
	}
	release()

	rec, err := c.Delete(context.Background(), "tc1", "a1")
	if err != nil {
		t.Fatalf("Delete after release: %v", err)
	}
	if rec.Status() != annotation.StatusDeleted {
		t.Errorf("status = %s, want deleted", rec.Status())
	}
}

func TestController_DeleteInProgressToolCall(t *testing.T) {
	store := annotation.NewStore("thread-1")
	if err := store.Append("tc1", highlight("a1", 0)); err != nil {
		t.Fatal(err)
	}
	c := NewController(store, newMemDocs(), nil, nil, apply.NewGuard())

	_, err := c.Delete(context.Background(), "tc1", "a1")
	if !errors.Is(err, annotation.ErrToolCallNotReady) {
		t.Errorf("err = %v, want ErrToolCallNotReady", err)
	}
}

func TestReAdd_AppliesDeletedRecordAgain(t *testing.T) {
	f := newFixture(t)
	s := f.propose(t, highlight("a1", 0), highlight("a2", 0))
	ctx := context.Background()
	if _, err := s.ApplyAll(ctx, "tc1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.DeleteOne(ctx, "tc1", "a1"); err != nil {
		t.Fatal(err)
	}

	res, err := s.ReAddOne(ctx, "tc1", "a1")
	if err != nil {
		t.Fatalf("ReAddOne: %v", err)
	}
	if len(res.Applied) != 1 || res.Applied[0] != "a1" {
		t.Errorf("applied = %v, want [a1]", res.Applied)
	}
	r := record(t, s, "a1")
	if r.Status() != annotation.StatusApplied || r.ExternalKey() == "" {
		t.Errorf("a1 = %s/%q, want applied with key", r.Status(), r.ExternalKey())
	}
	if f.docs.count() != 2 {
		t.Errorf("library has %d items, want 2", f.docs.count())
	}
}

func TestFailToolCall(t *testing.T) {
	f := newFixture(t)
	s, err := f.reg.Open("thread-1")
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := s.HandleStreamEvent(ctx, annotation.StreamEvent{ToolCallID: "tc1", Annotation: highlight("a1", 0)}); err != nil {
		t.Fatal(err)
	}

	if err := s.FailToolCall(ctx, "tc1"); err != nil {
		t.Fatalf("FailToolCall: %v", err)
	}
	r := record(t, s, "a1")
	if r.Status() != annotation.StatusError {
		t.Errorf("status = %s, want error", r.Status())
	}
	stored, _ := f.ledger.GetToolAnnotation("a1")
	if stored.Status() != annotation.StatusError {
		t.Errorf("ledger status = %s, want error", stored.Status())
	}
}

func TestReconcileNow_ExternallyDeleted(t *testing.T) {
	f := newFixture(t)
	s := f.propose(t, highlight("a1", 0))
	ctx := context.Background()
	if _, err := s.ApplyAll(ctx, "tc1"); err != nil {
		t.Fatal(err)
	}
	f.docs.remove(record(t, s, "a1").ExternalKey())

	// Inside the skip window nothing changes.
	f.clock.Advance(5 * time.Second)
	res, err := s.ReconcileNow(ctx, "tc1")
	if err != nil {
		t.Fatalf("ReconcileNow: %v", err)
	}
	if len(res.Deleted) != 0 || record(t, s, "a1").Status() != annotation.StatusApplied {
		t.Fatalf("record changed inside the skip window: %+v", res)
	}

	f.clock.Advance(25 * time.Second)
	if _, err := s.ReconcileNow(ctx, "tc1"); err != nil {
		t.Fatalf("ReconcileNow: %v", err)
	}
	r := record(t, s, "a1")
	if r.Status() != annotation.StatusDeleted || r.ExternalKey() != "" {
		t.Errorf("a1 = %s/%q, want deleted without key", r.Status(), r.ExternalKey())
	}
	stored, _ := f.ledger.GetToolAnnotation("a1")
	if stored.Status() != annotation.StatusDeleted {
		t.Errorf("ledger status = %s, want deleted", stored.Status())
	}
}

func TestRegistry_HydratesFromLedger(t *testing.T) {
	f := newFixture(t)
	s := f.propose(t, highlight("a1", 0), highlight("a2", 2))
	if _, err := s.ApplyOne(context.Background(), "tc1", "a2"); err != nil {
		t.Fatal(err)
	}
	key := record(t, s, "a2").ExternalKey()

	if !f.reg.Discard("thread-1") {
		t.Fatal("Discard reported no open session")
	}
	if _, ok := f.reg.Get("thread-1"); ok {
		t.Fatal("session still registered after Discard")
	}

	s2, err := f.reg.Open("thread-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if s2 == s {
		t.Fatal("expected a fresh session")
	}
	calls := s2.ToolCalls()
	if len(calls) != 1 || calls[0].Status != annotation.ToolCallCompleted {
		t.Fatalf("tool calls = %+v, want tc1 completed", calls)
	}
	recs, err := s2.GetAnnotations("tc1")
	if err != nil {
		t.Fatalf("GetAnnotations: %v", err)
	}
	if len(recs) != 2 || recs[0].ID != "a1" || recs[1].ID != "a2" {
		t.Fatalf("records = %+v, want a1, a2 in order", recs)
	}
	if recs[0].Status() != annotation.StatusPending {
		t.Errorf("a1 status = %s, want pending", recs[0].Status())
	}
	if recs[1].Status() != annotation.StatusApplied || recs[1].ExternalKey() != key {
		t.Errorf("a2 = %s/%q, want applied/%s", recs[1].Status(), recs[1].ExternalKey(), key)
	}
}

func TestRegistry_DiscardedSessionRejectsWrites(t *testing.T) {
	f := newFixture(t)
	s := f.propose(t, highlight("a1", 0))
	f.reg.Discard("thread-1")

	_, err := s.ApplyAll(context.Background(), "tc1")
	if !errors.Is(err, annotation.ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
	if f.docs.count() != 0 {
		t.Errorf("closed session created %d library items", f.docs.count())
	}
}

func TestRegistry_OpenReturnsSameSession(t *testing.T) {
	f := newFixture(t)
	a, err := f.reg.Open("thread-1")
	if err != nil {
		t.Fatal(err)
	}
	b, err := f.reg.Open("thread-1")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Error("Open returned different sessions for the same thread")
	}
	if ids := f.reg.Threads(); len(ids) != 1 || ids[0] != "thread-1" {
		t.Errorf("Threads = %v", ids)
	}
	if _, err := f.reg.Open(""); err == nil {
		t.Error("empty thread id should be rejected")
	}
}
