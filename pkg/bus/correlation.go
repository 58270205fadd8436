package bus

import (
	"sync"
)

// waiterState tracks the single-shot correlation lifecycle:
// Pending → Resolved | TimedOut | Cancelled. Transitions happen exactly once.
type waiterState int

const (
	waiterPending waiterState = iota
	waiterResolved
	waiterTimedOut
	waiterCancelled
)

// waiter is a single-shot future keyed by correlation id.
type waiter struct {
	ch    chan map[string]any // buffered(1); receives the resolution value
	mu    sync.Mutex
	state waiterState
}

// correlations owns all pending waiters.
type correlations struct {
	mu      sync.Mutex
	waiters map[string]*waiter
}

func newCorrelations() *correlations {
	return &correlations{waiters: make(map[string]*waiter)}
}

// add registers a pending waiter for the given correlation id.
func (c *correlations) add(id string) *waiter {
	w := &waiter{ch: make(chan map[string]any, 1)}
	c.mu.Lock()
	c.waiters[id] = w
	c.mu.Unlock()
	return w
}

// remove drops the waiter after its emit call has finished with it.
func (c *correlations) remove(id string) {
	c.mu.Lock()
	delete(c.waiters, id)
	c.mu.Unlock()
}

// resolve completes the waiter with a value. Returns false when no waiter is
// pending under that id (already resolved, timed out, or never registered).
func (c *correlations) resolve(id string, result map[string]any) bool {
	c.mu.Lock()
	w, ok := c.waiters[id]
	c.mu.Unlock()
	if !ok {
		return false
	}
	return w.transition(waiterResolved, result)
}

// timeout marks the waiter expired. The emit call produces the TIMEOUT
// envelope itself; this only closes the single-shot window.
func (c *correlations) timeout(id string) bool {
	c.mu.Lock()
	w, ok := c.waiters[id]
	c.mu.Unlock()
	if !ok {
		return false
	}
	return w.transition(waiterTimedOut, nil)
}

// cancelAll cancels every pending waiter (daemon shutdown). Each receives a
// CANCELLED error envelope.
func (c *correlations) cancelAll() {
	c.mu.Lock()
	pending := make([]*waiter, 0, len(c.waiters))
	for _, w := range c.waiters {
		pending = append(pending, w)
	}
	c.waiters = make(map[string]*waiter)
	c.mu.Unlock()

	for _, w := range pending {
		w.transition(waiterCancelled, ErrorResult(CodeCancelled, "daemon shutting down"))
	}
}

// transition performs the single-shot state change. Only the first caller
// wins; later transitions are ignored.
func (w *waiter) transition(to waiterState, result map[string]any) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != waiterPending {
		return false
	}
	w.state = to
	if result != nil {
		w.ch <- result
	}
	return true
}
