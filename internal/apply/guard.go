package apply

import (
	"errors"
	"sync"
)

// ErrBusy is returned when another batch already holds the tool call.
var ErrBusy = errors.New("apply already in progress")

// Guard is the per-tool-call busy flag. The orchestrator and the delete
// controller share one Guard so a delete never lands in the middle of a batch.
type Guard struct {
	mu   sync.Mutex
	busy map[string]bool
}

func NewGuard() *Guard {
	return &Guard{busy: make(map[string]bool)}
}

// TryAcquire marks toolCallID busy. It returns false if it already was.
func (g *Guard) TryAcquire(toolCallID string) (release func(), ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.busy[toolCallID] {
		return nil, false
	}
	g.busy[toolCallID] = true

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.busy, toolCallID)
			g.mu.Unlock()
		})
	}, true
}

// Busy reports whether a batch currently holds toolCallID.
func (g *Guard) Busy(toolCallID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.busy[toolCallID]
}
