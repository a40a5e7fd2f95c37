// Package cancellation provides the process-wide coordinator used to stop
// in-flight workflow runs cooperatively. Any part of the system, including code
// outside the engine, may mark a request id for cancellation; the engine and
// long-running fragment producers consult the coordinator between units of
// work and unwind via the early-termination signal once a mark is observed.
//
// The coordinator's table is the only engine state mutated from outside a
// run's own call stack, so it is the only structure guarded for concurrent
// access.
package cancellation

import "sync"

// Coordinator tracks request ids flagged for cancellation.
// The zero value is not usable; create one with NewCoordinator.
type Coordinator struct {
	mu     sync.Mutex
	marked map[string]struct{}
}

// NewCoordinator creates an empty coordinator
func NewCoordinator() *Coordinator {
	return &Coordinator{
		marked: make(map[string]struct{}),
	}
}

// Request flags a request id for cancellation. Calling it again for an
// already-flagged id is a no-op.
func (c *Coordinator) Request(requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.marked[requestID] = struct{}{}
}

// IsCancelled reports whether a request id is currently flagged.
// It is a pure query and never mutates the table.
func (c *Coordinator) IsCancelled(requestID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.marked[requestID]
	return ok
}

// Acknowledge removes the flag for a request id. It must be called exactly
// once by whichever run level first observes the flag, so that the resulting
// unwind is not re-acted-upon by an outer level. Acknowledging an unmarked id
// is a no-op.
func (c *Coordinator) Acknowledge(requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.marked, requestID)
}

// Cancelled returns a snapshot of all currently flagged request ids
func (c *Coordinator) Cancelled() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.marked))
	for id := range c.marked {
		ids = append(ids, id)
	}
	return ids
}
