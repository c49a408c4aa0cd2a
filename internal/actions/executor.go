package actions

import (
	"context"
	"encoding/json"

	"github.com/hatchpad/runway/internal/engine"
	"github.com/hatchpad/runway/internal/expressions"
	"github.com/hatchpad/runway/internal/secrets"
	"github.com/hatchpad/runway/internal/store"
	"github.com/hatchpad/runway/pkg/schema"
)

// StepExecutor resolves a step's "uses" binding against the registry and
// runs the action with the step's "with" input plus the run context. It
// satisfies the engine's step execution contract.
type StepExecutor struct {
	registry     *Registry
	interpolator *expressions.Interpolator
}

// NewStepExecutor creates an executor over the registry. An optional vault
// enables ${{secrets.*}} references in step inputs.
func NewStepExecutor(registry *Registry, vault ...secrets.Vault) *StepExecutor {
	var v secrets.Vault
	if len(vault) > 0 && vault[0] != nil {
		v = vault[0]
	}
	return &StepExecutor{
		registry:     registry,
		interpolator: expressions.NewInterpolator(v),
	}
}

// Execute runs one step attempt. A step without a "uses" binding succeeds
// with no output; gate steps typically carry the action whose failure parks
// the run for approval.
func (e *StepExecutor) Execute(ctx context.Context, step *schema.Step, run *store.WorkflowRun) (*engine.StepOutput, error) {
	if step.Uses == "" {
		return &engine.StepOutput{}, nil
	}

	action, err := e.registry.Get(step.Uses)
	if err != nil {
		return nil, err
	}

	params, err := e.resolveParams(ctx, step, run)
	if err != nil {
		return nil, err
	}
	if err := action.Validate(params); err != nil {
		return nil, err
	}

	out, err := action.Execute(ctx, ActionInput{
		Params:  params,
		Context: run.Context,
	})
	if err != nil {
		return nil, err
	}
	if out == nil || len(out.Data) == 0 {
		return &engine.StepOutput{}, nil
	}
	return &engine.StepOutput{Output: json.RawMessage(out.Data)}, nil
}

// resolveParams applies ${{...}} interpolation to the step's "with" block.
// Inputs without references pass through untouched.
func (e *StepExecutor) resolveParams(ctx context.Context, step *schema.Step, run *store.WorkflowRun) (map[string]any, error) {
	if len(step.With) == 0 {
		return step.With, nil
	}

	raw, err := json.Marshal(step.With)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "encode step input: %v", err).WithStep(step.ID)
	}
	if !expressions.HasInterpolation(raw) {
		return step.With, nil
	}

	resolved, err := e.interpolator.Resolve(ctx, raw, &expressions.Scope{
		Context: run.Context,
		Steps:   stepOutputs(run),
		Run: map[string]any{
			"run_id":      run.ID,
			"workflow_id": run.WorkflowID,
			"task_id":     run.TaskID,
		},
	})
	if err != nil {
		return nil, err
	}

	var params map[string]any
	if err := json.Unmarshal(resolved, &params); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"step input is not valid JSON after interpolation: %v", err).WithStep(step.ID)
	}
	return params, nil
}

func stepOutputs(run *store.WorkflowRun) map[string]any {
	outputs := make(map[string]any, len(run.Steps))
	for _, sr := range run.Steps {
		if len(sr.Output) == 0 {
			continue
		}
		var decoded any
		if err := json.Unmarshal(sr.Output, &decoded); err != nil {
			continue
		}
		outputs[sr.StepID] = decoded
	}
	return outputs
}

// RegisterBuiltins installs the stock action set on the registry.
func RegisterBuiltins(reg *Registry, httpCfg HTTPConfig, shellCfg ShellConfig) error {
	groups := [][]Action{
		HTTPActions(httpCfg),
		ShellActions(shellCfg),
		ExprActions(),
	}
	for _, group := range groups {
		for _, a := range group {
			if err := reg.Register(a); err != nil {
				return err
			}
		}
	}
	return nil
}

var _ engine.StepExecutor = (*StepExecutor)(nil)
