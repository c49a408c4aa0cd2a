package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/hatchpad/runway/internal/store"
	"github.com/hatchpad/runway/pkg/schema"
)

// RetryContextKey is the run context key recording why a reroute happened.
const RetryContextKey = "_retryContext"

// Outcome is the resolver's decision for one step failure.
type Outcome string

const (
	// OutcomeRetried re-attempts the same step after an optional delay.
	OutcomeRetried Outcome = "retried"
	// OutcomeRerouted replays the run forward from a reset target step.
	OutcomeRerouted Outcome = "rerouted"
	// OutcomeBlocked parks the run awaiting human approval.
	OutcomeBlocked Outcome = "blocked"
	// OutcomeSkipped marks the step skipped and continues the queue.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeUnsupported is an escalation target the engine cannot serve.
	OutcomeUnsupported Outcome = "unsupported"
	// OutcomeUnhandled means no policy applies; the run must fail.
	OutcomeUnhandled Outcome = "unhandled"
)

// Resolution carries the resolver's decision back to the executor loop.
type Resolution struct {
	Outcome Outcome
	// Queue replaces the remaining queue for OutcomeRerouted and prepends
	// the retried step for OutcomeRetried. Nil means keep the current queue.
	Queue []*schema.Step
	// Delay is slept by the loop before continuing, for OutcomeRetried.
	Delay time.Duration
	// Message is the terminal or blocking error to surface on the run.
	Message string
}

// PolicyResolver maps a failed step through its declared failure policy to
// exactly one outcome. It mutates step and run state through the FSM; the
// loop owns persistence and broadcasting afterwards.
type PolicyResolver struct {
	fsm *FSM
}

// NewPolicyResolver creates a resolver using the given FSM.
func NewPolicyResolver(fsm *FSM) *PolicyResolver {
	return &PolicyResolver{fsm: fsm}
}

// Resolve decides the outcome for a failed step. The StepRun must already be
// in failed status with its error recorded.
func (r *PolicyResolver) Resolve(ctx context.Context, def *schema.WorkflowDefinition, run *store.WorkflowRun, step *schema.Step, sr *store.StepRun) (*Resolution, error) {
	switch step.OnFailure.Kind() {
	case schema.PolicyRetry:
		return r.resolveRetry(ctx, run, step, sr)
	case schema.PolicyRetryStep:
		return r.resolveRetryStep(ctx, def, run, step, sr)
	case schema.PolicyEscalateHuman:
		return r.resolveBlock(ctx, run, step, sr)
	case schema.PolicyEscalateSkip:
		return r.resolveSkip(ctx, run, sr)
	case schema.PolicyEscalateAgent:
		return &Resolution{
			Outcome: OutcomeUnsupported,
			Message: fmt.Sprintf("step %s escalates to %q, which is not supported", step.ID, step.OnFailure.Escalate.To),
		}, nil
	default:
		return &Resolution{Outcome: OutcomeUnhandled, Message: sr.Error}, nil
	}
}

func (r *PolicyResolver) resolveRetry(ctx context.Context, run *store.WorkflowRun, step *schema.Step, sr *store.StepRun) (*Resolution, error) {
	policy := step.OnFailure.Retry
	if sr.Retries >= policy.Count {
		return &Resolution{
			Outcome: OutcomeUnhandled,
			Message: fmt.Sprintf("step %s failed after %d retries: %s", step.ID, sr.Retries, sr.Error),
		}, nil
	}
	if err := r.fsm.TransitionStep(ctx, run, sr, schema.StepPending); err != nil {
		return nil, err
	}
	sr.Retries++
	sr.Error = ""
	sr.Output = nil
	sr.OutputPath = ""
	return &Resolution{
		Outcome: OutcomeRetried,
		Queue:   []*schema.Step{step},
		Delay:   time.Duration(policy.DelayMs) * time.Millisecond,
	}, nil
}

func (r *PolicyResolver) resolveRetryStep(ctx context.Context, def *schema.WorkflowDefinition, run *store.WorkflowRun, step *schema.Step, sr *store.StepRun) (*Resolution, error) {
	targetID := step.OnFailure.RetryStep.TargetStepID
	target := run.StepRunByID(targetID)
	if target == nil || def.StepByID(targetID) == nil {
		return &Resolution{
			Outcome: OutcomeUnhandled,
			Message: fmt.Sprintf("step %s reroutes to unknown step %q", step.ID, targetID),
		}, nil
	}

	// The failing step and the target context are recorded so the target
	// can react to why it is being replayed.
	run.Context[RetryContextKey] = map[string]any{
		"failed_step": step.ID,
		"error":       sr.Error,
		"retries":     sr.Retries,
		"target_step": targetID,
	}

	if target.Status != schema.StepPending {
		if err := r.fsm.TransitionStep(ctx, run, target, schema.StepPending); err != nil {
			return nil, err
		}
	}
	target.Retries = 0
	target.Error = ""
	target.Output = nil
	target.OutputPath = ""
	target.StartedAt = nil
	target.CompletedAt = nil
	target.DurationMs = 0

	// Completed steps past the target keep their status; the rebuilt queue
	// skips them, so the replay only covers unsettled work.
	return &Resolution{
		Outcome: OutcomeRerouted,
		Queue:   BuildQueueFromStep(def, run, targetID),
	}, nil
}

func (r *PolicyResolver) resolveBlock(ctx context.Context, run *store.WorkflowRun, step *schema.Step, sr *store.StepRun) (*Resolution, error) {
	message := step.OnFailure.Escalate.Message
	if message == "" {
		message = fmt.Sprintf("step %s failed and requires approval: %s", step.ID, sr.Error)
	}
	if err := r.fsm.TransitionRun(ctx, run, schema.RunStatusBlocked); err != nil {
		return nil, err
	}
	run.Error = message
	return &Resolution{Outcome: OutcomeBlocked, Message: message}, nil
}

func (r *PolicyResolver) resolveSkip(ctx context.Context, run *store.WorkflowRun, sr *store.StepRun) (*Resolution, error) {
	if err := r.fsm.TransitionStep(ctx, run, sr, schema.StepSkipped); err != nil {
		return nil, err
	}
	return &Resolution{Outcome: OutcomeSkipped}, nil
}
