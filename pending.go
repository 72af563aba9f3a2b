// ABOUTME: Correlation registry mapping outgoing tool request IDs to pending results.
// ABOUTME: Each entry is resolved exactly once: by result, timeout, or disconnect.

package oblivion

import (
	"sync"
	"time"
)

// pendingRequest is a single-resolution completion token for one tool
// request. The channel is buffered so resolution never blocks the read loop.
type pendingRequest struct {
	id        string
	createdAt time.Time
	ch        chan ToolResultPayload
}

// pendingRegistry tracks outstanding tool requests. Resolution and timeout
// expiry race for each entry; whichever removes the entry first wins and the
// loser becomes a no-op.
type pendingRegistry struct {
	mu      sync.Mutex
	entries map[string]*pendingRequest
}

func newPendingRegistry() *pendingRegistry {
	return &pendingRegistry{entries: make(map[string]*pendingRequest)}
}

// register creates a pending entry for the given request ID. ID uniqueness is
// the caller's responsibility (a fresh UUID per request).
func (r *pendingRegistry) register(id string) *pendingRequest {
	req := &pendingRequest{
		id:        id,
		createdAt: time.Now(),
		ch:        make(chan ToolResultPayload, 1),
	}
	r.mu.Lock()
	r.entries[id] = req
	r.mu.Unlock()
	return req
}

// resolve delivers a result to the pending entry for id and removes it.
// Unknown IDs (already resolved, timed out, or duplicate delivery) are a
// silent no-op. Returns whether a waiter was resolved.
func (r *pendingRegistry) resolve(id string, result ToolResultPayload) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.entries[id]
	if !ok {
		return false
	}
	delete(r.entries, id)
	// Sent under the lock so a discard that loses the race always finds the
	// result already buffered. The channel has capacity for the single
	// resolution, so this never blocks.
	req.ch <- result
	return true
}

// discard removes a pending entry without delivering a result. Used by the
// timeout and cancellation paths. Returns false if the entry was already
// resolved.
func (r *pendingRegistry) discard(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		return false
	}
	delete(r.entries, id)
	return true
}

// failAll resolves every outstanding entry with a failure result. Called on
// disconnect so no caller is left waiting on a request the server will never
// answer.
func (r *pendingRegistry) failAll(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, req := range r.entries {
		req.ch <- ToolResultPayload{RequestID: id, Success: false, Error: reason}
	}
	r.entries = make(map[string]*pendingRequest)
}

// count returns the number of outstanding entries.
func (r *pendingRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
