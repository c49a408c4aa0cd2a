package actions

import (
	"context"
	"encoding/json"

	"github.com/hatchpad/runway/internal/expressions"
	"github.com/hatchpad/runway/pkg/schema"
)

// ExprActions returns all expression evaluation actions.
func ExprActions() []Action {
	return []Action{
		&exprEvalAction{engine: expressions.NewExprEngine()},
	}
}

type exprEvalAction struct {
	engine *expressions.ExprEngine
}

func (a *exprEvalAction) Name() string { return "expr.eval" }

func (a *exprEvalAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Evaluate an Expr expression against explicit data or the run context",
	}
}

func (a *exprEvalAction) Validate(input map[string]any) error {
	expr, ok := input["expression"].(string)
	if !ok || expr == "" {
		return schema.NewError(schema.ErrCodeValidation, "expr.eval requires non-empty 'expression' string parameter")
	}
	return nil
}

func (a *exprEvalAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}
	expression, _ := input.Params["expression"].(string)

	scope := make(map[string]any)
	if data, ok := input.Params["data"]; ok {
		scope["data"] = data
	}
	for k, v := range input.Context {
		scope[k] = v
	}

	result, err := a.engine.Evaluate(ctx, expression, scope)
	if err != nil {
		return nil, err
	}

	out, err := json.Marshal(map[string]any{"result": result})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "expr.eval: marshal output: %v", err)
	}
	return &ActionOutput{Data: out}, nil
}
