package store

import (
	"encoding/json"
	"time"

	"github.com/hatchpad/runway/pkg/schema"
)

// WorkflowRun is the persisted record of one workflow execution. It is
// created once by start, mutated in place by the executor, and checkpointed
// to disk after every transition.
type WorkflowRun struct {
	ID              string           `json:"id"`
	WorkflowID      string           `json:"workflow_id"`
	WorkflowVersion int              `json:"workflow_version"` // pinned at start time
	TaskID          string           `json:"task_id,omitempty"`
	Status          schema.RunStatus `json:"status"`
	CurrentStep     string           `json:"current_step,omitempty"`
	Context         map[string]any   `json:"context"`
	Steps           []*StepRun       `json:"steps"` // one per definition step, in definition order
	Error           string           `json:"error,omitempty"`
	StartedAt       time.Time        `json:"started_at"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
	LastCheckpoint  time.Time        `json:"last_checkpoint"` // refreshed on every save
}

// StepRun is the mutable execution record for one step within one run.
type StepRun struct {
	StepID      string               `json:"step_id"`
	Status      schema.StepRunStatus `json:"status"`
	Retries     int                  `json:"retries"`
	StartedAt   *time.Time           `json:"started_at,omitempty"`
	CompletedAt *time.Time           `json:"completed_at,omitempty"`
	DurationMs  int64                `json:"duration_ms,omitempty"`
	Output      json.RawMessage      `json:"output,omitempty"`
	OutputPath  string               `json:"output_path,omitempty"`
	Error       string               `json:"error,omitempty"`
}

// StepRunByID returns the StepRun for a step id, or nil.
func (r *WorkflowRun) StepRunByID(stepID string) *StepRun {
	for _, sr := range r.Steps {
		if sr.StepID == stepID {
			return sr
		}
	}
	return nil
}

// AllStepsSettled reports whether every StepRun is completed or skipped,
// which is the only condition under which a run may complete.
func (r *WorkflowRun) AllStepsSettled() bool {
	for _, sr := range r.Steps {
		if !sr.Status.Terminal() {
			return false
		}
	}
	return true
}

// RunMeta is the reduced projection used by listing endpoints so callers do
// not pay for per-step detail they do not need.
type RunMeta struct {
	ID              string           `json:"id"`
	WorkflowID      string           `json:"workflow_id"`
	WorkflowVersion int              `json:"workflow_version"`
	TaskID          string           `json:"task_id,omitempty"`
	Status          schema.RunStatus `json:"status"`
	Error           string           `json:"error,omitempty"`
	StartedAt       time.Time        `json:"started_at"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
	LastCheckpoint  time.Time        `json:"last_checkpoint"`
}

// Meta returns the metadata projection of the run.
func (r *WorkflowRun) Meta() *RunMeta {
	return &RunMeta{
		ID:              r.ID,
		WorkflowID:      r.WorkflowID,
		WorkflowVersion: r.WorkflowVersion,
		TaskID:          r.TaskID,
		Status:          r.Status,
		Error:           r.Error,
		StartedAt:       r.StartedAt,
		CompletedAt:     r.CompletedAt,
		LastCheckpoint:  r.LastCheckpoint,
	}
}

// RunFilter specifies criteria for listing runs. Zero values match all.
type RunFilter struct {
	WorkflowID string           `json:"workflow_id,omitempty"`
	TaskID     string           `json:"task_id,omitempty"`
	Status     schema.RunStatus `json:"status,omitempty"`
}

// Matches reports whether the run metadata passes the filter.
func (f RunFilter) Matches(m *RunMeta) bool {
	if f.WorkflowID != "" && f.WorkflowID != m.WorkflowID {
		return false
	}
	if f.TaskID != "" && f.TaskID != m.TaskID {
		return false
	}
	if f.Status != "" && f.Status != m.Status {
		return false
	}
	return true
}

// Event is an immutable entry in the run event log.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	StepID    string          `json:"step_id,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"` // monotone per run
}

// ScheduledJob is a cron-triggered run start.
type ScheduledJob struct {
	ID             string          `json:"id"`
	WorkflowID     string          `json:"workflow_id"`
	CronExpression string          `json:"cron_expression"`
	InitialContext json.RawMessage `json:"initial_context,omitempty"`
	Requester      string          `json:"requester"`
	Enabled        bool            `json:"enabled"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus  string          `json:"last_run_status,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// ScheduledJobUpdate specifies mutable fields of a scheduled job.
type ScheduledJobUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduledJobFilter specifies criteria for listing scheduled jobs.
type ScheduledJobFilter struct {
	Enabled    *bool  `json:"enabled,omitempty"`
	WorkflowID string `json:"workflow_id,omitempty"`
}
