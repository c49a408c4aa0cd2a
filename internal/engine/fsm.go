package engine

import (
	"context"
	"log/slog"

	"github.com/hatchpad/runway/internal/store"
	"github.com/hatchpad/runway/pkg/schema"
)

// ValidRunTransitions defines the allowed state transitions for runs.
// blocked is only reachable from running (escalate-to-human) and only left
// via explicit resume or gate rejection.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusRunning:   {schema.RunStatusBlocked, schema.RunStatusCompleted, schema.RunStatusFailed},
	schema.RunStatusBlocked:   {schema.RunStatusRunning, schema.RunStatusFailed},
	schema.RunStatusCompleted: {},
	schema.RunStatusFailed:    {},
}

// ValidStepTransitions defines the allowed state transitions for step runs.
// failed -> pending is a retry reset; failed -> running is a resume
// re-attempt; completed -> pending is a retry-step target reset.
var ValidStepTransitions = map[schema.StepRunStatus][]schema.StepRunStatus{
	schema.StepPending:   {schema.StepRunning, schema.StepSkipped},
	schema.StepRunning:   {schema.StepCompleted, schema.StepFailed},
	schema.StepFailed:    {schema.StepPending, schema.StepRunning, schema.StepSkipped},
	schema.StepCompleted: {schema.StepPending},
	schema.StepSkipped:   {},
}

// FSM validates run and step transitions against the closed tables above and
// records each one in the event log. Event append is best-effort: the audit
// trail never fails a run.
type FSM struct {
	appender EventAppender
	logger   *slog.Logger
}

// NewFSM creates an FSM emitting events via the given appender.
func NewFSM(appender EventAppender, logger *slog.Logger) *FSM {
	if appender == nil {
		appender = NopAppender{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FSM{appender: appender, logger: logger}
}

// TransitionRun validates and applies a run status change.
func (f *FSM) TransitionRun(ctx context.Context, run *store.WorkflowRun, to schema.RunStatus) error {
	from := run.Status
	if !contains(ValidRunTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": run.ID, "from": string(from), "to": string(to)})
	}
	run.Status = to
	f.emit(ctx, &store.Event{RunID: run.ID, Type: runEventType(to)})
	return nil
}

// TransitionStep validates and applies a step status change.
func (f *FSM) TransitionStep(ctx context.Context, run *store.WorkflowRun, sr *store.StepRun, to schema.StepRunStatus) error {
	from := sr.Status
	if !containsStep(ValidStepTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid step transition: %s -> %s", from, to).
			WithStep(sr.StepID).
			WithDetails(map[string]any{"run_id": run.ID, "from": string(from), "to": string(to)})
	}
	sr.Status = to
	f.emit(ctx, &store.Event{RunID: run.ID, StepID: sr.StepID, Type: stepEventType(from, to)})
	return nil
}

// Emit records an event outside of a transition (run_started, gate decisions).
func (f *FSM) Emit(ctx context.Context, event *store.Event) {
	f.emit(ctx, event)
}

func (f *FSM) emit(ctx context.Context, event *store.Event) {
	if event.Type == "" {
		return
	}
	if err := f.appender.AppendEvent(ctx, event); err != nil {
		f.logger.Warn("event log append failed",
			slog.String("run_id", event.RunID),
			slog.String("event_type", event.Type),
			slog.String("error", err.Error()),
		)
	}
}

func runEventType(to schema.RunStatus) string {
	switch to {
	case schema.RunStatusRunning:
		return schema.EventRunResumed // running is only re-entered via resume
	case schema.RunStatusBlocked:
		return schema.EventRunBlocked
	case schema.RunStatusCompleted:
		return schema.EventRunCompleted
	case schema.RunStatusFailed:
		return schema.EventRunFailed
	default:
		return ""
	}
}

func stepEventType(from schema.StepRunStatus, to schema.StepRunStatus) string {
	switch to {
	case schema.StepRunning:
		return schema.EventStepStarted
	case schema.StepCompleted:
		return schema.EventStepCompleted
	case schema.StepFailed:
		return schema.EventStepFailed
	case schema.StepSkipped:
		return schema.EventStepSkipped
	case schema.StepPending:
		if from == schema.StepCompleted {
			return schema.EventStepRerouted
		}
		return schema.EventStepRetrying
	default:
		return ""
	}
}

func contains(allowed []schema.RunStatus, to schema.RunStatus) bool {
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func containsStep(allowed []schema.StepRunStatus, to schema.StepRunStatus) bool {
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}
