package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hatchpad/runway/internal/store"
	"github.com/hatchpad/runway/pkg/schema"
)

// ApprovalContextKey is the run context key carrying the gate decision.
const ApprovalContextKey = "_approval"

// ApproveGate records a human approval of a failed gate step and resumes the
// run. The approval marker is injected into the run context so the
// re-attempted step can observe it.
func (e *Engine) ApproveGate(ctx context.Context, runID, stepID, approver string) (*store.WorkflowRun, error) {
	_, step, err := e.gateTarget(ctx, runID, stepID, approver)
	if err != nil {
		return nil, err
	}

	e.fsm.Emit(ctx, &store.Event{
		RunID:   runID,
		StepID:  step.ID,
		Type:    schema.EventGateApproved,
		Payload: gatePayload(approver, ""),
	})

	return e.Resume(ctx, runID, map[string]any{
		ApprovalContextKey: map[string]any{
			"approved":  true,
			"approver":  approver,
			"step_id":   step.ID,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
	}, approver)
}

// RejectGate records a human rejection of a failed gate step and fails the
// run. The terminal transition is persisted before the call returns.
func (e *Engine) RejectGate(ctx context.Context, runID, stepID, approver, reason string) (*store.WorkflowRun, error) {
	run, step, err := e.gateTarget(ctx, runID, stepID, approver)
	if err != nil {
		return nil, err
	}

	if err := e.fsm.TransitionRun(ctx, run, schema.RunStatusFailed); err != nil {
		return nil, err
	}
	if reason == "" {
		reason = fmt.Sprintf("gate %s rejected by %s", step.ID, approver)
	}
	now := time.Now().UTC()
	run.Error = reason
	run.CompletedAt = &now
	run.Context[ApprovalContextKey] = map[string]any{
		"approved":  false,
		"approver":  approver,
		"step_id":   step.ID,
		"timestamp": now.Format(time.RFC3339),
	}

	if err := e.store.Save(ctx, run); err != nil {
		return nil, err
	}
	e.fsm.Emit(ctx, &store.Event{
		RunID:   runID,
		StepID:  step.ID,
		Type:    schema.EventGateRejected,
		Payload: gatePayload(approver, reason),
	})
	e.broadcast(ctx, run, schema.EventGateRejected)
	return run, nil
}

// gateTarget validates that the run is blocked on a failed gate step and
// that the requester may act on it.
func (e *Engine) gateTarget(ctx context.Context, runID, stepID, requester string) (*store.WorkflowRun, *schema.Step, error) {
	run, err := e.store.Load(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	if !e.canExecute(ctx, run.WorkflowID, requester) {
		return nil, nil, schema.NewErrorf(schema.ErrCodePermissionDenied,
			"requester %q may not act on workflow %s", requester, run.WorkflowID)
	}
	if run.Status != schema.RunStatusBlocked {
		return nil, nil, schema.NewErrorf(schema.ErrCodeValidation,
			"run %s is %s, gate decisions require a blocked run", runID, run.Status)
	}

	def, err := e.store.LoadSnapshot(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	step := def.StepByID(stepID)
	if step == nil {
		return nil, nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"step %s not found in run %s", stepID, runID)
	}
	if !step.IsGate() {
		return nil, nil, schema.NewErrorf(schema.ErrCodeValidation,
			"step %s is not a gate step", stepID)
	}
	sr := run.StepRunByID(stepID)
	if sr == nil || sr.Status != schema.StepFailed {
		return nil, nil, schema.NewErrorf(schema.ErrCodeValidation,
			"step %s is not awaiting approval", stepID)
	}
	return run, step, nil
}

func gatePayload(approver, reason string) json.RawMessage {
	payload := map[string]string{"approver": approver}
	if reason != "" {
		payload["reason"] = reason
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	return data
}
