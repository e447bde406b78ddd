package annotation

import (
	"fmt"
	"sync"
	"time"
)

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Change pairs a record id with the transition to apply to it.
type Change struct {
	ID         string
	Transition Transition
}

type entry struct {
	call    ToolCall
	records map[string]*ToolAnnotation
}

// Store holds the annotation records of one conversation thread, grouped by
// tool call. It performs no I/O; every write is applied under one lock.
type Store struct {
	threadID string
	clock    Clock

	mu      sync.Mutex
	calls   map[string]*entry
	order   []string
	closed  bool
	changes chan string
}

// NewStore creates an empty store for threadID.
func NewStore(threadID string) *Store {
	return NewStoreWithClock(threadID, realClock{})
}

// NewStoreWithClock creates a store with a custom clock (for testing).
func NewStoreWithClock(threadID string, clock Clock) *Store {
	return &Store{
		threadID: threadID,
		clock:    clock,
		calls:    make(map[string]*entry),
		changes:  make(chan string, 64),
	}
}

// ThreadID returns the thread that owns the store.
func (s *Store) ThreadID() string { return s.threadID }

// Changes delivers the id of a tool call whenever its annotation list changes
// (new proposals, completion, hydration). Status writes are not reported.
// Notifications are dropped while the buffer is full.
func (s *Store) Changes() <-chan string { return s.changes }

func (s *Store) notify(toolCallID string) {
	select {
	case s.changes <- toolCallID:
	default:
	}
}

// Close tears the store down. Later writes fail with ErrClosed.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.changes)
}

func (s *Store) entryLocked(toolCallID string) (*entry, error) {
	if s.closed {
		return nil, ErrClosed
	}
	e, ok := s.calls[toolCallID]
	if !ok {
		return nil, fmt.Errorf("tool call %s: %w", toolCallID, ErrNotFound)
	}
	return e, nil
}

// Begin registers an in-progress tool call. It is a no-op if the call exists.
func (s *Store) Begin(toolCallID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.beginLocked(toolCallID)
	return nil
}

func (s *Store) beginLocked(toolCallID string) *entry {
	if e, ok := s.calls[toolCallID]; ok {
		return e
	}
	e := &entry{
		call:    ToolCall{ID: toolCallID, ThreadID: s.threadID, Status: ToolCallInProgress},
		records: make(map[string]*ToolAnnotation),
	}
	s.calls[toolCallID] = e
	s.order = append(s.order, toolCallID)
	return e
}

// Append adds a streamed proposal as a pending record. Re-delivery of an id
// already present is ignored.
func (s *Store) Append(toolCallID string, a ToolAnnotation) error {
	if toolCallID == "" {
		return fmt.Errorf("tool call id is required")
	}
	if a.ID == "" {
		return fmt.Errorf("annotation id is required")
	}
	if err := a.Location.Validate(a.Type); err != nil {
		return fmt.Errorf("annotation %s: %w", a.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	e := s.beginLocked(toolCallID)
	if e.call.Status != ToolCallInProgress {
		return fmt.Errorf("tool call %s is %s, not accepting proposals", toolCallID, e.call.Status)
	}
	if _, ok := e.records[a.ID]; ok {
		return nil
	}

	a.ToolCallID = toolCallID
	a.State = Pending{}
	a.ModifiedAt = s.clock.Now()
	a.Version = 1
	e.records[a.ID] = &a
	e.call.AnnotationIDs = append(e.call.AnnotationIDs, a.ID)
	s.notify(toolCallID)
	return nil
}

// Complete marks an in-progress tool call as completed, making its records
// actionable.
func (s *Store) Complete(toolCallID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.entryLocked(toolCallID)
	if err != nil {
		return err
	}
	switch e.call.Status {
	case ToolCallCompleted:
		return nil
	case ToolCallError:
		return fmt.Errorf("tool call %s already failed", toolCallID)
	}
	e.call.Status = ToolCallCompleted
	s.notify(toolCallID)
	return nil
}

// Fail marks an in-progress tool call as failed and moves its pending records
// to error. A completed tool call cannot fail.
func (s *Store) Fail(toolCallID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.entryLocked(toolCallID)
	if err != nil {
		return err
	}
	switch e.call.Status {
	case ToolCallError:
		return nil
	case ToolCallCompleted:
		return fmt.Errorf("tool call %s: %w", toolCallID, ErrToolCallFinished)
	}
	e.call.Status = ToolCallError
	return s.applyLocked(e, e.call.AnnotationIDs, func(string) Transition { return ToolCallFailed() })
}

// Load installs a persisted tool call and its records, replacing any
// in-memory copy. Used to hydrate a thread after a restart.
func (s *Store) Load(call ToolCall, records []ToolAnnotation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.calls[call.ID]; !ok {
		s.order = append(s.order, call.ID)
	}
	e := &entry{call: call, records: make(map[string]*ToolAnnotation, len(records))}
	e.call.ThreadID = s.threadID
	e.call.AnnotationIDs = nil
	for i := range records {
		r := records[i]
		if r.State == nil {
			r.State = Pending{}
		}
		if r.Version == 0 {
			r.Version = 1
		}
		r.ToolCallID = call.ID
		e.records[r.ID] = &r
		e.call.AnnotationIDs = append(e.call.AnnotationIDs, r.ID)
	}
	s.calls[call.ID] = e
	s.notify(call.ID)
	return nil
}

// ToolCall returns a copy of the tool call.
func (s *Store) ToolCall(toolCallID string) (ToolCall, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.entryLocked(toolCallID)
	if err != nil {
		return ToolCall{}, err
	}
	return copyCall(e.call), nil
}

// ToolCalls returns every tool call in arrival order.
func (s *Store) ToolCalls() []ToolCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ToolCall, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, copyCall(s.calls[id].call))
	}
	return out
}

func copyCall(c ToolCall) ToolCall {
	c.AnnotationIDs = append([]string(nil), c.AnnotationIDs...)
	return c
}

// Get returns the records of a tool call in proposal order. Unknown tool
// calls yield nil.
func (s *Store) Get(toolCallID string) []ToolAnnotation {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.calls[toolCallID]
	if !ok {
		return nil
	}
	out := make([]ToolAnnotation, 0, len(e.call.AnnotationIDs))
	for _, id := range e.call.AnnotationIDs {
		out = append(out, *e.records[id])
	}
	return out
}

// Record returns one record.
func (s *Store) Record(toolCallID, id string) (ToolAnnotation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.calls[toolCallID]
	if !ok {
		return ToolAnnotation{}, fmt.Errorf("tool call %s: %w", toolCallID, ErrNotFound)
	}
	r, ok := e.records[id]
	if !ok {
		return ToolAnnotation{}, fmt.Errorf("annotation %s: %w", id, ErrNotFound)
	}
	return *r, nil
}

// Upsert applies t to record id, or to every record of the tool call when id
// is empty.
func (s *Store) Upsert(toolCallID, id string, t Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.entryLocked(toolCallID)
	if err != nil {
		return err
	}
	ids := []string{id}
	if id == "" {
		ids = e.call.AnnotationIDs
	}
	return s.applyLocked(e, ids, func(string) Transition { return t })
}

// UpsertBatch applies every change or none of them.
func (s *Store) UpsertBatch(toolCallID string, changes []Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.entryLocked(toolCallID)
	if err != nil {
		return err
	}
	ids := make([]string, len(changes))
	byID := make(map[string]Transition, len(changes))
	for i, c := range changes {
		ids[i] = c.ID
		byID[c.ID] = c.Transition
	}
	return s.applyLocked(e, ids, func(id string) Transition { return byID[id] })
}

// UpsertEach applies every legal change on its own. It returns the error of
// each change that could not be applied, keyed by record id.
func (s *Store) UpsertEach(toolCallID string, changes []Change) (map[string]error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.entryLocked(toolCallID)
	if err != nil {
		return nil, err
	}
	var failed map[string]error
	for _, c := range changes {
		t := c.Transition
		if err := s.applyLocked(e, []string{c.ID}, func(string) Transition { return t }); err != nil {
			if failed == nil {
				failed = make(map[string]error)
			}
			failed[c.ID] = err
		}
	}
	return failed, nil
}

// UpsertIfVersion applies t only while the record is still at version. It
// reports whether the write happened.
func (s *Store) UpsertIfVersion(toolCallID, id string, version uint64, t Transition) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.entryLocked(toolCallID)
	if err != nil {
		return false, err
	}
	r, ok := e.records[id]
	if !ok {
		return false, fmt.Errorf("annotation %s: %w", id, ErrNotFound)
	}
	if r.Version != version {
		return false, nil
	}
	if err := s.applyLocked(e, []string{id}, func(string) Transition { return t }); err != nil {
		return false, err
	}
	return true, nil
}

// applyLocked computes every next state first so a single illegal transition
// leaves the whole batch unwritten.
func (s *Store) applyLocked(e *entry, ids []string, pick func(id string) Transition) error {
	next := make([]State, len(ids))
	for i, id := range ids {
		r, ok := e.records[id]
		if !ok {
			return fmt.Errorf("annotation %s: %w", id, ErrNotFound)
		}
		st, err := pick(id)(r.State)
		if err != nil {
			return fmt.Errorf("annotation %s: %w", id, err)
		}
		next[i] = st
	}
	now := s.clock.Now()
	for i, id := range ids {
		r := e.records[id]
		r.State = next[i]
		r.ModifiedAt = now
		r.Version++
	}
	return nil
}
