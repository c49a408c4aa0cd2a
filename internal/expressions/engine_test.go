package expressions

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hatchpad/runway/pkg/schema"
)

func conditionData() map[string]any {
	return map[string]any{
		"context": map[string]any{
			"env":    "prod",
			"deploy": true,
		},
		"steps": map[string]any{
			"build": map[string]any{"exit_code": 0},
		},
		"run": map[string]any{
			"id":          "run-1",
			"workflow_id": "deploy",
		},
	}
}

func TestCELEvaluate(t *testing.T) {
	ctx := context.Background()
	eng, err := NewCELEngine()
	require.NoError(t, err)
	assert.Equal(t, "cel", eng.Name())

	out, err := eng.Evaluate(ctx, `context.env == "prod" && context.deploy`, conditionData())
	require.NoError(t, err)
	assert.Equal(t, true, out)

	out, err = eng.Evaluate(ctx, `steps.build.exit_code == 1`, conditionData())
	require.NoError(t, err)
	assert.Equal(t, false, out)
}

func TestCELMissingVariablesDefaultToEmptyMaps(t *testing.T) {
	eng, err := NewCELEngine()
	require.NoError(t, err)

	out, err := eng.Evaluate(context.Background(), `"env" in context`, nil)
	require.NoError(t, err)
	assert.Equal(t, false, out)
}

func TestCELCompileErrorIsValidation(t *testing.T) {
	eng, err := NewCELEngine()
	require.NoError(t, err)

	_, err = eng.Evaluate(context.Background(), `context.env ==`, conditionData())
	require.Error(t, err)
	var rerr *schema.RunwayError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, schema.ErrCodeValidation, rerr.Code)
}

func TestCELEmptyExpressionRejected(t *testing.T) {
	eng, err := NewCELEngine()
	require.NoError(t, err)

	_, err = eng.Evaluate(context.Background(), "", conditionData())
	require.Error(t, err)
}

func TestCELCacheReturnsSameProgram(t *testing.T) {
	eng, err := NewCELEngine()
	require.NoError(t, err)

	first, err := eng.getOrCompile(`context.deploy`)
	require.NoError(t, err)
	second, err := eng.getOrCompile(`context.deploy`)
	require.NoError(t, err)
	assert.Len(t, eng.cache, 1)
	assert.Equal(t, first, second)
}

func TestExprEvaluate(t *testing.T) {
	ctx := context.Background()
	eng := NewExprEngine()
	assert.Equal(t, "expr", eng.Name())

	out, err := eng.Evaluate(ctx, `context.env == "prod"`, conditionData())
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestExprUndefinedVariablesAllowed(t *testing.T) {
	eng := NewExprEngine()

	out, err := eng.Evaluate(context.Background(), `missing == nil`, conditionData())
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestExprCompileErrorIsValidation(t *testing.T) {
	eng := NewExprEngine()

	_, err := eng.Evaluate(context.Background(), `context.env ==`, conditionData())
	require.Error(t, err)
	var rerr *schema.RunwayError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, schema.ErrCodeValidation, rerr.Code)
}

func TestTransformerApplies(t *testing.T) {
	ctx := context.Background()
	tr := NewOutputTransformer()

	out, err := tr.Apply(ctx, `{status: .result.status}`, json.RawMessage(`{"result":{"status":"ok","noise":[1,2,3]}}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"ok"}`, string(out))
}

func TestTransformerEmptyQueryPassesThrough(t *testing.T) {
	tr := NewOutputTransformer()

	raw := json.RawMessage(`{"a":1}`)
	out, err := tr.Apply(context.Background(), "", raw)
	require.NoError(t, err)
	assert.Equal(t, raw, out)
}

func TestTransformerNoResultsErasesOutput(t *testing.T) {
	tr := NewOutputTransformer()

	out, err := tr.Apply(context.Background(), `.items[]`, json.RawMessage(`{"items":[]}`))
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestTransformerBadFilterIsValidation(t *testing.T) {
	tr := NewOutputTransformer()

	_, err := tr.Apply(context.Background(), `.[foo`, json.RawMessage(`{}`))
	require.Error(t, err)
	var rerr *schema.RunwayError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, schema.ErrCodeValidation, rerr.Code)
}

func TestTransformerNonJSONOutputIsExecutionError(t *testing.T) {
	tr := NewOutputTransformer()

	_, err := tr.Apply(context.Background(), `.a`, json.RawMessage(`not json`))
	require.Error(t, err)
	var rerr *schema.RunwayError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, schema.ErrCodeExecution, rerr.Code)
}
