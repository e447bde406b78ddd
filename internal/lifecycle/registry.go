package lifecycle

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Registry holds one Session per open thread.
type Registry struct {
	deps Deps
	opts Options

	mu       sync.Mutex
	sessions map[string]*Session
	logger   *slog.Logger
}

func NewRegistry(deps Deps, opts Options) *Registry {
	return &Registry{
		deps:     deps,
		opts:     opts,
		sessions: make(map[string]*Session),
		logger:   slog.Default(),
	}
}

// Open returns the thread's session, creating and hydrating it from the
// ledger on first use.
func (r *Registry) Open(threadID string) (*Session, error) {
	if threadID == "" {
		return nil, fmt.Errorf("thread id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[threadID]; ok {
		return s, nil
	}

	s := NewSession(threadID, r.deps, r.opts)
	if r.deps.Ledger != nil {
		calls, err := r.deps.Ledger.LoadThread(threadID)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("loading thread %s: %w", threadID, err)
		}
		if err := s.hydrate(calls); err != nil {
			s.Close()
			return nil, err
		}
	}
	s.Start()
	r.sessions[threadID] = s
	r.logger.Info("session opened", "thread_id", threadID)
	return s, nil
}

// Get returns an already open session.
func (r *Registry) Get(threadID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[threadID]
	return s, ok
}

// Discard closes and forgets the thread's session. It reports whether one
// was open.
func (r *Registry) Discard(threadID string) bool {
	r.mu.Lock()
	s, ok := r.sessions[threadID]
	delete(r.sessions, threadID)
	r.mu.Unlock()

	if ok {
		s.Close()
	}
	return ok
}

// Threads returns the ids of the open sessions.
func (r *Registry) Threads() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close discards every session.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
