package apply

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/marginalia/internal/annotation"
	"github.com/kalambet/marginalia/internal/backend"
	"github.com/kalambet/marginalia/internal/docstore"
)

// --- mocks ---

type navigation struct {
	attachmentKey string
	page          int
}

type mockDocs struct {
	mu          sync.Mutex
	open        map[string]bool
	missing     map[string]bool
	failCreate  map[string]error // keyed by title
	createCalls int
	navigations []navigation
	createFn    func(ctx context.Context, spec docstore.CreateSpec) (string, error)
}

func newMockDocs() *mockDocs {
	return &mockDocs{
		open:       make(map[string]bool),
		missing:    make(map[string]bool),
		failCreate: make(map[string]error),
	}
}

func (m *mockDocs) IsOpen(_ int64, att string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open[att]
}

func (m *mockDocs) OpenAndNavigate(_ context.Context, _ int64, att string, page int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.missing[att] {
		return docstore.ErrAttachmentNotFound
	}
	m.open = map[string]bool{att: true}
	m.navigations = append(m.navigations, navigation{attachmentKey: att, page: page})
	return nil
}

func (m *mockDocs) Create(ctx context.Context, spec docstore.CreateSpec) (string, error) {
	m.mu.Lock()
	m.createCalls++
	err := m.failCreate[spec.Title]
	fn := m.createFn
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, spec)
	}
	if err != nil {
		return "", err
	}
	return "KEY-" + spec.Title, nil
}

type mockAcks struct {
	mu        sync.Mutex
	batches   [][]backend.AppliedItem
	persisted []annotation.ToolAnnotation
	reject    map[string]string
	store     *annotation.Store
}

func (m *mockAcks) Acknowledge(_ context.Context, tc string, items []backend.AppliedItem) []backend.Rejection {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(items) == 0 {
		return nil
	}
	m.batches = append(m.batches, items)
	var out []backend.Rejection
	for _, it := range items {
		if reason, ok := m.reject[it.AnnotationID]; ok {
			m.store.Upsert(tc, it.AnnotationID, annotation.Rejected(reason))
			out = append(out, backend.Rejection{AnnotationID: it.AnnotationID, Detail: reason})
		}
	}
	return out
}

func (m *mockAcks) Persist(_ context.Context, rec annotation.ToolAnnotation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persisted = append(m.persisted, rec)
	return nil
}

// --- helpers ---

func highlight(id string, page int) annotation.ToolAnnotation {
	return annotation.ToolAnnotation{
		ID:            id,
		Type:          annotation.TypeHighlight,
		LibraryID:     1,
		AttachmentKey: "A",
		Title:         id,
		Color:         "#ffd400",
		Location: annotation.Location{Boxes: []annotation.BoxGroup{
			{PageIndex: page, Rects: []annotation.Rect{{10, 10, 200, 24}}},
		}},
	}
}

func setup(t *testing.T, recs ...annotation.ToolAnnotation) (*Orchestrator, *annotation.Store, *mockDocs, *mockAcks) {
	t.Helper()
	store := annotation.NewStore("thread-1")
	for _, r := range recs {
		if err := store.Append("tc1", r); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := store.Complete("tc1"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	docs := newMockDocs()
	acks := &mockAcks{store: store, reject: map[string]string{}}
	return New(store, docs, acks, NewGuard(), Options{}), store, docs, acks
}

func statusOf(t *testing.T, s *annotation.Store, id string) annotation.ToolAnnotation {
	t.Helper()
	r, err := s.Record("tc1", id)
	if err != nil {
		t.Fatalf("Record(%s): %v", id, err)
	}
	return r
}

// --- tests ---

func TestApplyAll_PartialFailureIsolated(t *testing.T) {
	o, store, docs, acks := setup(t, highlight("a1", 3), highlight("a2", 1), highlight("a3", 2))
	docs.failCreate["a2"] = errors.New("overlap error")

	res, err := o.Apply(context.Background(), "tc1", "")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	a1, a2, a3 := statusOf(t, store, "a1"), statusOf(t, store, "a2"), statusOf(t, store, "a3")
	if a1.Status() != annotation.StatusApplied || a1.ExternalKey() == "" {
		t.Errorf("a1 = %s %q, want applied with key", a1.Status(), a1.ExternalKey())
	}
	if a2.Status() != annotation.StatusError || a2.ErrorMessage() != "overlap error" {
		t.Errorf("a2 = %s %q, want error overlap error", a2.Status(), a2.ErrorMessage())
	}
	if a2.ExternalKey() != "" {
		t.Errorf("a2 has external key %q", a2.ExternalKey())
	}
	if a3.Status() != annotation.StatusApplied || a3.ExternalKey() == "" {
		t.Errorf("a3 = %s %q, want applied with key", a3.Status(), a3.ExternalKey())
	}

	if len(acks.batches) != 1 {
		t.Fatalf("ack batches = %d, want 1", len(acks.batches))
	}
	batch := acks.batches[0]
	if len(batch) != 2 || batch[0].AnnotationID != "a1" || batch[1].AnnotationID != "a3" {
		t.Errorf("ack batch = %+v, want [a1 a3]", batch)
	}

	if len(acks.persisted) != 1 || acks.persisted[0].ID != "a2" || acks.persisted[0].Status() != annotation.StatusError {
		t.Errorf("persisted = %+v, want a2 as error", acks.persisted)
	}

	if len(res.Applied) != 2 || len(res.Failed) != 1 || res.Failed[0] != "a2" {
		t.Errorf("result = %+v", res)
	}

	// open at min page (1), then navigate to the first applied record (a1 on page 3)
	if len(docs.navigations) != 2 {
		t.Fatalf("navigations = %+v", docs.navigations)
	}
	if docs.navigations[0].page != 1 {
		t.Errorf("opened at page %d, want 1", docs.navigations[0].page)
	}
	if docs.navigations[1].page != 3 {
		t.Errorf("navigated to page %d, want 3", docs.navigations[1].page)
	}
}

func TestApplyAll_AlreadyOpenSkipsOpen(t *testing.T) {
	o, _, docs, _ := setup(t, highlight("a1", 5))
	docs.open["A"] = true

	if _, err := o.Apply(context.Background(), "tc1", ""); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	// only the final navigation to the applied record
	if len(docs.navigations) != 1 || docs.navigations[0].page != 5 {
		t.Errorf("navigations = %+v", docs.navigations)
	}
}

func TestApplyAll_AttachmentNotFoundFailsEveryTarget(t *testing.T) {
	o, store, docs, acks := setup(t, highlight("a1", 0), highlight("a2", 0))
	docs.missing["A"] = true

	_, err := o.Apply(context.Background(), "tc1", "")
	if !errors.Is(err, docstore.ErrAttachmentNotFound) {
		t.Fatalf("err = %v, want ErrAttachmentNotFound", err)
	}
	for _, id := range []string{"a1", "a2"} {
		r := statusOf(t, store, id)
		if r.Status() != annotation.StatusError || r.ErrorMessage() != "attachment not found" {
			t.Errorf("%s = %s %q", id, r.Status(), r.ErrorMessage())
		}
	}
	if docs.createCalls != 0 {
		t.Errorf("create calls = %d, want 0", docs.createCalls)
	}
	if len(acks.batches) != 0 {
		t.Errorf("ack batches = %d, want 0", len(acks.batches))
	}
	if len(acks.persisted) != 2 {
		t.Errorf("persisted = %d, want 2", len(acks.persisted))
	}
}

func TestApplyAll_FailingCompletedCallDuringBatch(t *testing.T) {
	o, store, docs, acks := setup(t, highlight("a1", 0), highlight("a2", 0))

	var once sync.Once
	var failErr error
	docs.createFn = func(_ context.Context, spec docstore.CreateSpec) (string, error) {
		once.Do(func() { failErr = store.Fail("tc1") })
		return "KEY-" + spec.Title, nil
	}

	res, err := o.Apply(context.Background(), "tc1", "")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !errors.Is(failErr, annotation.ErrToolCallFinished) {
		t.Errorf("Fail during batch err = %v, want ErrToolCallFinished", failErr)
	}
	for _, id := range []string{"a1", "a2"} {
		r := statusOf(t, store, id)
		if r.Status() != annotation.StatusApplied || r.ExternalKey() != "KEY-"+id {
			t.Errorf("%s = %s %q, want applied KEY-%s", id, r.Status(), r.ExternalKey(), id)
		}
	}
	if len(res.Applied) != 2 {
		t.Errorf("applied = %v, want 2 records", res.Applied)
	}
	if len(acks.batches) != 1 || len(acks.batches[0]) != 2 {
		t.Errorf("ack batches = %+v, want one batch of 2", acks.batches)
	}
	call, _ := store.ToolCall("tc1")
	if call.Status != annotation.ToolCallCompleted {
		t.Errorf("tool call status = %s, want completed", call.Status)
	}
}

func TestApplyAll_UnrecordableResultKeepsSiblings(t *testing.T) {
	o, store, docs, acks := setup(t, highlight("a1", 0), highlight("a2", 0))

	docs.createFn = func(_ context.Context, spec docstore.CreateSpec) (string, error) {
		if spec.Title == "a1" {
			// a1 leaves pending before its result is recorded.
			if err := store.Upsert("tc1", "a1", annotation.ApplyFailed("moved elsewhere")); err != nil {
				t.Errorf("Upsert: %v", err)
			}
		}
		return "KEY-" + spec.Title, nil
	}

	res, err := o.Apply(context.Background(), "tc1", "")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	a1, a2 := statusOf(t, store, "a1"), statusOf(t, store, "a2")
	if a1.Status() != annotation.StatusError || a1.ErrorMessage() != "moved elsewhere" {
		t.Errorf("a1 = %s %q, want untouched error", a1.Status(), a1.ErrorMessage())
	}
	if a2.Status() != annotation.StatusApplied || a2.ExternalKey() != "KEY-a2" {
		t.Errorf("a2 = %s %q, want applied KEY-a2", a2.Status(), a2.ExternalKey())
	}
	if len(acks.batches) != 1 || len(acks.batches[0]) != 1 || acks.batches[0][0].AnnotationID != "a2" {
		t.Errorf("ack batches = %+v, want [a2]", acks.batches)
	}
	if len(res.Applied) != 1 || res.Applied[0] != "a2" {
		t.Errorf("applied = %v, want [a2]", res.Applied)
	}
	if len(res.Failed) != 1 || res.Failed[0] != "a1" {
		t.Errorf("failed = %v, want [a1]", res.Failed)
	}
}

func TestApplyAll_ConcurrentCallsRejected(t *testing.T) {
	o, _, docs, _ := setup(t, highlight("a1", 0))

	started := make(chan struct{})
	unblock := make(chan struct{})
	docs.createFn = func(context.Context, docstore.CreateSpec) (string, error) {
		close(started)
		<-unblock
		return "K1", nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := o.Apply(context.Background(), "tc1", "")
		done <- err
	}()
	<-started

	_, err := o.Apply(context.Background(), "tc1", "")
	if !errors.Is(err, ErrBusy) {
		t.Errorf("second Apply err = %v, want ErrBusy", err)
	}

	close(unblock)
	if err := <-done; err != nil {
		t.Fatalf("first Apply: %v", err)
	}
	if docs.createCalls != 1 {
		t.Errorf("create calls = %d, want 1", docs.createCalls)
	}
}

func TestApplyAll_CreatesRunInParallel(t *testing.T) {
	o, store, docs, _ := setup(t, highlight("a1", 0), highlight("a2", 0), highlight("a3", 0))

	var mu sync.Mutex
	inFlight, peak := 0, 0
	docs.createFn = func(_ context.Context, spec docstore.CreateSpec) (string, error) {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return "K-" + spec.Title, nil
	}

	if _, err := o.Apply(context.Background(), "tc1", ""); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if peak < 2 {
		t.Errorf("peak concurrency = %d, want >= 2", peak)
	}
	for _, r := range store.Get("tc1") {
		if r.Status() != annotation.StatusApplied {
			t.Errorf("%s status = %s", r.ID, r.Status())
		}
	}
}

func TestApplyOne_OnlyTargetsRequestedRecord(t *testing.T) {
	o, store, docs, _ := setup(t, highlight("a1", 0), highlight("a2", 0))

	res, err := o.Apply(context.Background(), "tc1", "a2")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(res.Applied) != 1 || res.Applied[0] != "a2" {
		t.Errorf("applied = %v", res.Applied)
	}
	if statusOf(t, store, "a1").Status() != annotation.StatusPending {
		t.Error("a1 should still be pending")
	}
	if docs.createCalls != 1 {
		t.Errorf("create calls = %d, want 1", docs.createCalls)
	}
}

func TestApplyOne_RetriesErrorRecord(t *testing.T) {
	o, store, docs, _ := setup(t, highlight("a1", 0))
	docs.failCreate["a1"] = errors.New("overlap error")
	if _, err := o.Apply(context.Background(), "tc1", "a1"); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if statusOf(t, store, "a1").Status() != annotation.StatusError {
		t.Fatal("setup: a1 should be in error")
	}

	delete(docs.failCreate, "a1")
	if _, err := o.Apply(context.Background(), "tc1", "a1"); err != nil {
		t.Fatalf("retry Apply: %v", err)
	}
	r := statusOf(t, store, "a1")
	if r.Status() != annotation.StatusApplied || r.ErrorMessage() != "" {
		t.Errorf("a1 = %s %q, want applied without message", r.Status(), r.ErrorMessage())
	}
}

func TestApplyOne_AppliedRecordIsNoop(t *testing.T) {
	o, _, docs, _ := setup(t, highlight("a1", 0))
	if _, err := o.Apply(context.Background(), "tc1", "a1"); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	calls := docs.createCalls

	res, err := o.Apply(context.Background(), "tc1", "a1")
	if err != nil {
		t.Fatalf("second Apply: %v", err)
	}
	if len(res.Applied) != 0 || docs.createCalls != calls {
		t.Errorf("applied record was re-created: %+v", res)
	}
}

func TestApplyOne_UnknownID(t *testing.T) {
	o, _, _, _ := setup(t, highlight("a1", 0))
	_, err := o.Apply(context.Background(), "tc1", "nope")
	if !errors.Is(err, annotation.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestApply_ToolCallNotCompleted(t *testing.T) {
	store := annotation.NewStore("thread-1")
	if err := store.Append("tc1", highlight("a1", 0)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	o := New(store, newMockDocs(), &mockAcks{store: store}, nil, Options{})
	_, err := o.Apply(context.Background(), "tc1", "")
	if !errors.Is(err, annotation.ErrToolCallNotReady) {
		t.Errorf("err = %v, want ErrToolCallNotReady", err)
	}
}

func TestApply_EmptyKeyIsFailure(t *testing.T) {
	o, store, docs, _ := setup(t, highlight("a1", 0))
	docs.createFn = func(context.Context, docstore.CreateSpec) (string, error) { return "", nil }

	if _, err := o.Apply(context.Background(), "tc1", ""); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if statusOf(t, store, "a1").Status() != annotation.StatusError {
		t.Error("a record without a usable key must not be applied")
	}
}

func TestApply_RejectedRecordNotReportedApplied(t *testing.T) {
	o, store, _, acks := setup(t, highlight("a1", 0), highlight("a3", 0))
	acks.reject["a3"] = "duplicate"

	res, err := o.Apply(context.Background(), "tc1", "")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(res.Applied) != 1 || res.Applied[0] != "a1" {
		t.Errorf("applied = %v, want [a1]", res.Applied)
	}
	if len(res.Rejected) != 1 || res.Rejected[0] != "a3" {
		t.Errorf("rejected = %v, want [a3]", res.Rejected)
	}
	if r := statusOf(t, store, "a3"); r.ErrorMessage() != "duplicate" {
		t.Errorf("a3 message = %q", r.ErrorMessage())
	}
}

func TestGuard(t *testing.T) {
	g := NewGuard()
	release, ok := g.TryAcquire("tc1")
	if !ok {
		t.Fatal("first acquire failed")
	}
	if _, ok := g.TryAcquire("tc1"); ok {
		t.Fatal("second acquire should fail")
	}
	if _, ok := g.TryAcquire("tc2"); !ok {
		t.Fatal("other tool calls must not be blocked")
	}
	release()
	release()
	if g.Busy("tc1") {
		t.Fatal("tc1 still busy after release")
	}
}
