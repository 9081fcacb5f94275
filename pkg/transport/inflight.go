package transport

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrResponseCancelled is the cancellation cause recorded when a response
// is cancelled through the registry rather than by the client going away.
var ErrResponseCancelled = errors.New("response cancelled")

type inflightEntry struct {
	cancel  context.CancelCauseFunc
	started time.Time
}

// InFlightRegistry tracks streaming responses by id so that a DELETE
// request can cancel one that is still running. All methods are safe for
// concurrent access.
type InFlightRegistry struct {
	mu      sync.Mutex
	entries map[string]inflightEntry
}

// NewInFlightRegistry creates a new empty registry.
func NewInFlightRegistry() *InFlightRegistry {
	return &InFlightRegistry{
		entries: make(map[string]inflightEntry),
	}
}

// Register adds a running response. A second registration under the same
// id replaces the first.
func (r *InFlightRegistry) Register(id string, cancel context.CancelCauseFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = inflightEntry{cancel: cancel, started: time.Now()}
}

// Cancel cancels a running response with ErrResponseCancelled as the cause
// and forgets it. It returns false when the id is unknown (already
// finished or never registered).
func (r *InFlightRegistry) Cancel(id string) bool {
	r.mu.Lock()
	entry, ok := r.entries[id]
	delete(r.entries, id)
	r.mu.Unlock()
	if !ok {
		return false
	}
	entry.cancel(ErrResponseCancelled)
	return true
}

// Remove forgets a response without cancelling it.
func (r *InFlightRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// Len returns the number of running responses.
func (r *InFlightRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Age returns how long a response has been running.
func (r *InFlightRegistry) Age(id string) (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok {
		return 0, false
	}
	return time.Since(entry.started), true
}
