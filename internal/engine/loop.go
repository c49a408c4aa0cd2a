package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hatchpad/runway/internal/logging"
	"github.com/hatchpad/runway/internal/store"
	"github.com/hatchpad/runway/pkg/schema"
)

// execute drives one launch of a run to a stopping point: completed, failed,
// or blocked. The admission slot and the registry entry are released on every
// exit path, including panics, which are converted into a failed run instead
// of crashing the process.
func (e *Engine) execute(ctx context.Context, def *schema.WorkflowDefinition, run *store.WorkflowRun, queue []*schema.Step) {
	defer e.gate.Release()
	defer e.registry.Release(run.ID)
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("executor panic",
				slog.String("run_id", run.ID),
				slog.Any("panic", r),
			)
			e.markRunFailed(ctx, run, fmt.Sprintf("internal error: %v", r))
		}
	}()

	e.runLoop(ctx, def, run, queue)
}

// runLoop executes the queue in order. Every status transition is persisted
// before it is broadcast; all step failures funnel through the policy
// resolver and never propagate out of the loop.
func (e *Engine) runLoop(ctx context.Context, def *schema.WorkflowDefinition, run *store.WorkflowRun, queue []*schema.Step) {
	for len(queue) > 0 {
		step := queue[0]
		queue = queue[1:]

		sr := run.StepRunByID(step.ID)
		if sr == nil {
			e.markRunFailed(ctx, run, fmt.Sprintf("no step record for %s", step.ID))
			return
		}
		// Queues rebuilt by a reroute can reference steps that settled in
		// the meantime.
		if sr.Status.Terminal() {
			continue
		}

		stepCtx := logging.WithStepID(ctx, step.ID)

		if step.Condition != "" {
			pass, err := e.evalCondition(stepCtx, step, run)
			if err != nil {
				e.markRunFailed(ctx, run, fmt.Sprintf("condition for step %s: %s", step.ID, err.Error()))
				return
			}
			if !pass {
				if terr := e.fsm.TransitionStep(stepCtx, run, sr, schema.StepSkipped); terr != nil {
					e.markRunFailed(ctx, run, terr.Error())
					return
				}
				if !e.checkpoint(stepCtx, run, schema.EventStepSkipped) {
					return
				}
				continue
			}
		}

		outcome, replacement, ok := e.executeStep(stepCtx, def, run, step, sr)
		if !ok {
			return
		}
		switch outcome {
		case OutcomeBlocked:
			return
		case OutcomeRetried:
			queue = append(replacement, queue...)
		case OutcomeRerouted:
			queue = replacement
		}
	}

	if run.Status != schema.RunStatusRunning {
		return
	}
	if !run.AllStepsSettled() {
		e.markRunFailed(ctx, run, "queue drained with unsettled steps")
		return
	}
	now := time.Now().UTC()
	if err := e.fsm.TransitionRun(ctx, run, schema.RunStatusCompleted); err != nil {
		e.markRunFailed(ctx, run, err.Error())
		return
	}
	run.CompletedAt = &now
	run.CurrentStep = ""
	e.checkpoint(ctx, run, schema.EventRunCompleted)
}

// executeStep runs one step attempt and applies its failure policy. ok=false
// means the loop must stop because the run reached a terminal state or a
// persistence write failed.
func (e *Engine) executeStep(ctx context.Context, def *schema.WorkflowDefinition, run *store.WorkflowRun, step *schema.Step, sr *store.StepRun) (Outcome, []*schema.Step, bool) {
	started := time.Now().UTC()
	run.CurrentStep = step.ID
	if err := e.fsm.TransitionStep(ctx, run, sr, schema.StepRunning); err != nil {
		e.markRunFailed(ctx, run, err.Error())
		return "", nil, false
	}
	sr.StartedAt = &started
	if !e.checkpoint(ctx, run, schema.EventStepStarted) {
		return "", nil, false
	}

	result, execErr := e.executor.Execute(ctx, step, run)

	finished := time.Now().UTC()
	sr.CompletedAt = &finished
	sr.DurationMs = finished.Sub(started).Milliseconds()

	if execErr == nil {
		if err := e.completeStep(ctx, run, step, sr, result); err != nil {
			execErr = err
		}
	}
	if execErr == nil {
		if !e.checkpoint(ctx, run, schema.EventStepCompleted) {
			return "", nil, false
		}
		return "", nil, true
	}

	sr.Error = execErr.Error()
	if err := e.fsm.TransitionStep(ctx, run, sr, schema.StepFailed); err != nil {
		e.markRunFailed(ctx, run, err.Error())
		return "", nil, false
	}
	if !e.checkpoint(ctx, run, schema.EventStepFailed) {
		return "", nil, false
	}

	res, err := e.resolver.Resolve(ctx, def, run, step, sr)
	if err != nil {
		e.markRunFailed(ctx, run, err.Error())
		return "", nil, false
	}

	switch res.Outcome {
	case OutcomeBlocked:
		if !e.checkpoint(ctx, run, schema.EventRunBlocked) {
			return "", nil, false
		}
		e.logger.Info("run blocked awaiting approval",
			slog.String("run_id", run.ID),
			slog.String("step_id", step.ID),
		)
		return OutcomeBlocked, nil, true
	case OutcomeRetried:
		if !e.checkpoint(ctx, run, schema.EventStepRetrying) {
			return "", nil, false
		}
		if res.Delay > 0 {
			e.sleep(ctx, res.Delay)
		}
		return OutcomeRetried, res.Queue, true
	case OutcomeRerouted:
		if !e.checkpoint(ctx, run, schema.EventStepRerouted) {
			return "", nil, false
		}
		return OutcomeRerouted, res.Queue, true
	case OutcomeSkipped:
		if !e.checkpoint(ctx, run, schema.EventStepSkipped) {
			return "", nil, false
		}
		return OutcomeSkipped, nil, true
	default:
		// Unhandled and unsupported escalations fail the whole run.
		e.markRunFailed(ctx, run, res.Message)
		return res.Outcome, nil, false
	}
}

// completeStep records a successful attempt: the output is passed through the
// step's jq filter, stored on the StepRun, and merged into the run context
// under the step id so later steps can read it.
func (e *Engine) completeStep(ctx context.Context, run *store.WorkflowRun, step *schema.Step, sr *store.StepRun, result *StepOutput) error {
	var output json.RawMessage
	var outputPath string
	if result != nil {
		output = result.Output
		outputPath = result.OutputPath
	}
	if step.OutputQuery != "" && len(output) > 0 {
		transformed, err := e.transformer.Apply(ctx, step.OutputQuery, output)
		if err != nil {
			return err
		}
		output = transformed
	}
	sr.Output = output
	sr.OutputPath = outputPath

	if len(output) > 0 {
		var value any
		if err := json.Unmarshal(output, &value); err != nil {
			return schema.NewErrorf(schema.ErrCodeExecution,
				"step %s produced invalid JSON output: %s", step.ID, err.Error()).WithCause(err)
		}
		run.Context[step.ID] = value
	}
	return e.fsm.TransitionStep(ctx, run, sr, schema.StepCompleted)
}

// evalCondition runs the step's guard expression. A non-boolean result is a
// definition error, not a silent skip.
func (e *Engine) evalCondition(ctx context.Context, step *schema.Step, run *store.WorkflowRun) (bool, error) {
	lang := step.ConditionLang
	if lang == "" {
		lang = "cel"
	}
	engine, ok := e.conditions[lang]
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown condition language %q", lang)
	}

	stepOutputs := make(map[string]any, len(run.Steps))
	for _, s := range run.Steps {
		if len(s.Output) > 0 {
			var v any
			if err := json.Unmarshal(s.Output, &v); err == nil {
				stepOutputs[s.StepID] = v
			}
		}
	}
	data := map[string]any{
		"context": run.Context,
		"steps":   stepOutputs,
		"run": map[string]any{
			"id":          run.ID,
			"workflow_id": run.WorkflowID,
			"task_id":     run.TaskID,
			"status":      string(run.Status),
		},
	}

	result, err := engine.Evaluate(ctx, step.Condition, data)
	if err != nil {
		return false, err
	}
	pass, ok := result.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"condition for step %s evaluated to %T, want bool", step.ID, result)
	}
	return pass, nil
}

// checkpoint persists the run and broadcasts the change. Returns false when
// the write failed; the caller must stop the loop since in-memory state has
// diverged from disk.
func (e *Engine) checkpoint(ctx context.Context, run *store.WorkflowRun, eventType string) bool {
	if err := e.store.Save(ctx, run); err != nil {
		e.logger.Error("run checkpoint failed",
			slog.String("run_id", run.ID),
			slog.String("error", err.Error()),
		)
		return false
	}
	e.broadcast(ctx, run, eventType)
	return true
}

// markRunFailed forces the run into its terminal failed state and persists
// it. Used for unhandled step failures, internal errors, and panics.
func (e *Engine) markRunFailed(ctx context.Context, run *store.WorkflowRun, message string) {
	if run.Status.Terminal() {
		return
	}
	if err := e.fsm.TransitionRun(ctx, run, schema.RunStatusFailed); err != nil {
		// Both running and blocked may fail; this only trips on corrupt state.
		e.logger.Error("cannot fail run",
			slog.String("run_id", run.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	now := time.Now().UTC()
	run.Error = message
	run.CompletedAt = &now
	e.checkpoint(ctx, run, schema.EventRunFailed)
	e.logger.Error("run failed",
		slog.String("run_id", run.ID),
		slog.String("workflow_id", run.WorkflowID),
		slog.String("error", message),
	)
}

// sleep waits for the retry delay or context cancellation.
func (e *Engine) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
