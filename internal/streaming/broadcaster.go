package streaming

import (
	"context"

	"github.com/hatchpad/runway/internal/store"
)

// StatusEventType is the event type for run snapshot broadcasts.
const StatusEventType = "run_status"

// HubBroadcaster publishes run snapshots to an EventHub. It satisfies the
// engine's broadcaster contract: publish failures surface as errors for the
// caller to log, never as run failures.
type HubBroadcaster struct {
	hub EventHub
}

// NewHubBroadcaster creates a broadcaster backed by the hub.
func NewHubBroadcaster(hub EventHub) *HubBroadcaster {
	return &HubBroadcaster{hub: hub}
}

// Publish emits a metadata snapshot of the run. Subscribers needing per-step
// detail load the full record from the store.
func (b *HubBroadcaster) Publish(ctx context.Context, run *store.WorkflowRun) error {
	return b.hub.Publish(ctx, RunEvent{
		RunID:      run.ID,
		WorkflowID: run.WorkflowID,
		StepID:     run.CurrentStep,
		EventType:  StatusEventType,
		Payload:    run.Meta(),
	})
}
