package engine

import (
	"context"
	"encoding/json"

	"github.com/hatchpad/runway/internal/store"
	"github.com/hatchpad/runway/pkg/schema"
)

// DefinitionStore loads workflow definitions. Owned externally; the engine
// only reads from it and snapshots what it read.
type DefinitionStore interface {
	// Load returns the definition or a NOT_FOUND error. The returned
	// definition must have a non-empty step list.
	Load(ctx context.Context, workflowID string) (*schema.WorkflowDefinition, error)
}

// StepOutput is what a step execution produces on success.
type StepOutput struct {
	Output     json.RawMessage `json:"output,omitempty"`
	OutputPath string          `json:"output_path,omitempty"`
}

// StepExecutor performs the actual work of a step (an agent invocation, a
// tool call). It must be safe to call repeatedly for the same step;
// idempotency under retry is the executor's responsibility. The engine
// passes its context through but enforces no timeout of its own.
type StepExecutor interface {
	Execute(ctx context.Context, step *schema.Step, run *store.WorkflowRun) (*StepOutput, error)
}

// TaskProvider supplies the optional task payload linked to a run.
// A nil payload with a nil error means the task does not exist.
type TaskProvider interface {
	GetTask(ctx context.Context, taskID string) (map[string]any, error)
}

// Broadcaster receives a snapshot of the run after every persisted state
// change. Publish is fire-and-forget: failures must never fail the run.
type Broadcaster interface {
	Publish(ctx context.Context, run *store.WorkflowRun) error
}

// Authorizer answers permission questions. A denial surfaces to callers as
// a PERMISSION_DENIED error, never as not-found.
type Authorizer interface {
	CanView(ctx context.Context, workflowID, requester string) bool
	CanExecute(ctx context.Context, workflowID, requester string) bool
}

// EventAppender records engine transitions in the audit log.
// Satisfied by *store.EventLog and test mocks.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// NopBroadcaster discards all published snapshots.
type NopBroadcaster struct{}

func (NopBroadcaster) Publish(context.Context, *store.WorkflowRun) error { return nil }

// NopAppender discards all events.
type NopAppender struct{}

func (NopAppender) AppendEvent(context.Context, *store.Event) error { return nil }
