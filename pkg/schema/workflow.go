package schema

// WorkflowDefinition is the declarative step sequence a run executes.
// Definitions are owned by an external store; the engine consumes them and
// snapshots the exact copy used to start each run.
type WorkflowDefinition struct {
	ID        string         `json:"id"`
	Version   int            `json:"version"`
	Steps     []Step         `json:"steps"`
	Variables map[string]any `json:"variables,omitempty"` // defaults merged into every run's context
}

// Step describes a single unit of work in a workflow definition.
type Step struct {
	ID            string         `json:"id"`
	Type          StepType       `json:"type,omitempty"`           // step (default) or gate
	Uses          string         `json:"uses,omitempty"`           // action name resolved by the step executor
	With          map[string]any `json:"with,omitempty"`           // static input passed to the action
	Condition     string         `json:"condition,omitempty"`      // guard expression; false means the step is skipped
	ConditionLang string         `json:"condition_lang,omitempty"` // cel (default) | expr
	OutputQuery   string         `json:"output_query,omitempty"`   // jq filter applied to the step output before context merge
	OnFailure     *FailurePolicy `json:"on_failure,omitempty"`     // nil means a failure fails the whole run
}

// StepType enumerates the kinds of steps in a workflow.
type StepType string

const (
	StepTypeStep StepType = "step"
	StepTypeGate StepType = "gate" // requires human approval to proceed past a failure
)

// IsGate reports whether the step requires human approval handling.
func (s *Step) IsGate() bool {
	return s.Type == StepTypeGate
}

// FailurePolicy is the declared reaction to a step failure. It is a closed
// variant: exactly one of the strategy fields may be set. Kind() gives the
// discriminator so callers can switch exhaustively instead of probing fields.
type FailurePolicy struct {
	Retry     *RetryPolicy     `json:"retry,omitempty"`
	RetryStep *RetryStepPolicy `json:"retry_step,omitempty"`
	Escalate  *EscalatePolicy  `json:"escalate,omitempty"`
}

// RetryPolicy re-attempts the same step in place.
type RetryPolicy struct {
	Count   int `json:"count"`              // max retry attempts beyond the first try
	DelayMs int `json:"delay_ms,omitempty"` // fixed delay before each re-attempt
}

// RetryStepPolicy jumps back to another step and replays forward from there.
type RetryStepPolicy struct {
	TargetStepID string `json:"target_step_id"`
}

// EscalatePolicy hands the failure to a target outside the run.
type EscalatePolicy struct {
	To      string `json:"to"`                // human | skip | agent:<id>
	Message string `json:"message,omitempty"` // surfaced as run.error when blocking
}

// Escalation targets.
const (
	EscalateHuman       = "human"
	EscalateSkip        = "skip"
	EscalateAgentPrefix = "agent:"
)

// PolicyKind discriminates the FailurePolicy variants.
type PolicyKind string

const (
	PolicyNone          PolicyKind = "none"
	PolicyRetry         PolicyKind = "retry"
	PolicyRetryStep     PolicyKind = "retry_step"
	PolicyEscalateHuman PolicyKind = "escalate_human"
	PolicyEscalateSkip  PolicyKind = "escalate_skip"
	PolicyEscalateAgent PolicyKind = "escalate_agent"
)

// Kind returns the discriminator for the policy. A nil policy or a policy
// with no strategy set is PolicyNone (propagate failure to the run).
func (p *FailurePolicy) Kind() PolicyKind {
	switch {
	case p == nil:
		return PolicyNone
	case p.Retry != nil:
		return PolicyRetry
	case p.RetryStep != nil:
		return PolicyRetryStep
	case p.Escalate != nil:
		switch {
		case p.Escalate.To == EscalateHuman:
			return PolicyEscalateHuman
		case p.Escalate.To == EscalateSkip:
			return PolicyEscalateSkip
		default:
			return PolicyEscalateAgent
		}
	default:
		return PolicyNone
	}
}

// Validate checks that at most one strategy is declared and that the
// declared strategy is well-formed.
func (p *FailurePolicy) Validate() error {
	if p == nil {
		return nil
	}
	set := 0
	if p.Retry != nil {
		set++
		if p.Retry.Count < 1 {
			return NewError(ErrCodeValidation, "retry policy requires count >= 1")
		}
		if p.Retry.DelayMs < 0 {
			return NewError(ErrCodeValidation, "retry policy delay_ms must not be negative")
		}
	}
	if p.RetryStep != nil {
		set++
		if p.RetryStep.TargetStepID == "" {
			return NewError(ErrCodeValidation, "retry_step policy requires target_step_id")
		}
	}
	if p.Escalate != nil {
		set++
		if err := validateEscalateTarget(p.Escalate.To); err != nil {
			return err
		}
	}
	if set > 1 {
		return NewError(ErrCodeValidation, "failure policy declares more than one strategy")
	}
	return nil
}

func validateEscalateTarget(to string) error {
	if to == EscalateHuman || to == EscalateSkip {
		return nil
	}
	if len(to) > len(EscalateAgentPrefix) && to[:len(EscalateAgentPrefix)] == EscalateAgentPrefix {
		return nil
	}
	return NewErrorf(ErrCodeValidation, "escalate target %q is not human, skip, or agent:<id>", to)
}

// StepIndex returns the position of a step id in the definition, or -1.
func (d *WorkflowDefinition) StepIndex(stepID string) int {
	for i := range d.Steps {
		if d.Steps[i].ID == stepID {
			return i
		}
	}
	return -1
}

// StepByID returns the step with the given id, or nil.
func (d *WorkflowDefinition) StepByID(stepID string) *Step {
	if i := d.StepIndex(stepID); i >= 0 {
		return &d.Steps[i]
	}
	return nil
}
