package engine

import (
	"github.com/hatchpad/runway/pkg/schema"
)

// DefaultMaxConcurrentRuns caps run admission when no limit is configured.
const DefaultMaxConcurrentRuns = 32

// AdmissionGate is a bounded semaphore limiting concurrently executing runs.
// A slot is held for the full lifetime of a run loop, including resumed
// executions, and released when the loop exits for any reason.
type AdmissionGate struct {
	slots chan struct{}
}

// NewAdmissionGate creates a gate with the given capacity.
func NewAdmissionGate(capacity int) *AdmissionGate {
	if capacity <= 0 {
		capacity = DefaultMaxConcurrentRuns
	}
	return &AdmissionGate{slots: make(chan struct{}, capacity)}
}

// TryAcquire claims a slot without blocking. Returns a capacity error when
// the engine is saturated; callers must not create any run record in that
// case.
func (g *AdmissionGate) TryAcquire() error {
	select {
	case g.slots <- struct{}{}:
		return nil
	default:
		return schema.NewErrorf(schema.ErrCodeCapacity,
			"maximum concurrent runs reached (%d)", cap(g.slots))
	}
}

// Release returns a slot. Safe to call once per successful TryAcquire.
func (g *AdmissionGate) Release() {
	select {
	case <-g.slots:
	default:
	}
}

// InFlight reports the number of currently held slots.
func (g *AdmissionGate) InFlight() int {
	return len(g.slots)
}

// Capacity reports the configured ceiling.
func (g *AdmissionGate) Capacity() int {
	return cap(g.slots)
}
