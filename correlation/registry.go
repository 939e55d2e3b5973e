// Package correlation maps provider-assigned correlation ids to the workflow
// instances awaiting their callbacks.
package correlation

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var ErrAlreadyRegistered = errors.New("correlation id already registered")

// Registry is a keyed lookup table from external correlation id to workflow
// id. At most one live mapping exists per correlation id; unregistering is
// idempotent. The registry owns nothing beyond the mapping; callers register
// right after a submission succeeds and unregister once the matching event
// has been consumed.
type Registry interface {
	Register(ctx context.Context, correlationID, workflowID string) error

	Lookup(ctx context.Context, correlationID string) (string, bool, error)

	Unregister(ctx context.Context, correlationID string) error
}

// MemoryRegistry keeps the mapping in process memory. It does not survive a
// restart; use the redis-backed registry for anything shared or durable.
type MemoryRegistry struct {
	mu      sync.Mutex
	entries map[string]string
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		entries: make(map[string]string),
	}
}

func (r *MemoryRegistry) Register(ctx context.Context, correlationID, workflowID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[correlationID]; ok {
		return fmt.Errorf("%w: %s -> %s", ErrAlreadyRegistered, correlationID, existing)
	}

	r.entries[correlationID] = workflowID

	return nil
}

func (r *MemoryRegistry) Lookup(ctx context.Context, correlationID string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	workflowID, ok := r.entries[correlationID]

	return workflowID, ok, nil
}

func (r *MemoryRegistry) Unregister(ctx context.Context, correlationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.entries, correlationID)

	return nil
}

var _ Registry = (*MemoryRegistry)(nil)
