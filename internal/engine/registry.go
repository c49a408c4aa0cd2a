package engine

import (
	"sync"

	"github.com/hatchpad/runway/pkg/schema"
)

// ActiveRegistry tracks which runs have a live executor goroutine. It rejects
// a second launch or resume of the same run while the first is still
// executing.
type ActiveRegistry struct {
	mu     sync.Mutex
	active map[string]struct{}
}

// NewActiveRegistry creates an empty registry.
func NewActiveRegistry() *ActiveRegistry {
	return &ActiveRegistry{active: make(map[string]struct{})}
}

// Acquire marks a run as executing. Returns a conflict error if the run
// already has a live executor.
func (r *ActiveRegistry) Acquire(runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[runID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"run %s is already executing", runID)
	}
	r.active[runID] = struct{}{}
	return nil
}

// Release removes a run from the registry. Idempotent.
func (r *ActiveRegistry) Release(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, runID)
}

// IsActive reports whether a run currently has a live executor.
func (r *ActiveRegistry) IsActive(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[runID]
	return ok
}
