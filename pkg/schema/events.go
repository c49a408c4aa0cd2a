package schema

// Event type constants for the run event log and status broadcasts.
const (
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
	EventRunBlocked   = "run_blocked"
	EventRunResumed   = "run_resumed"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"
	EventStepRetrying  = "step_retrying"
	EventStepRerouted  = "step_rerouted"

	EventGateApproved = "gate_approved"
	EventGateRejected = "gate_rejected"

	EventScheduleFired = "schedule_fired"
)

// RunStatus represents the lifecycle state of a workflow run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusBlocked   RunStatus = "blocked" // awaiting human approval
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether the run status can never change again.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// StepRunStatus represents the lifecycle state of one step within one run.
type StepRunStatus string

const (
	StepPending   StepRunStatus = "pending"
	StepRunning   StepRunStatus = "running"
	StepCompleted StepRunStatus = "completed"
	StepFailed    StepRunStatus = "failed"
	StepSkipped   StepRunStatus = "skipped"
)

// Terminal reports whether the step needs no further execution. A failed
// step is NOT terminal: it is re-attempted after a resume.
func (s StepRunStatus) Terminal() bool {
	return s == StepCompleted || s == StepSkipped
}
