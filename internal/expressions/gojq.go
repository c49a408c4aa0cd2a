package expressions

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/hatchpad/runway/pkg/schema"
)

// OutputTransformer applies jq filters to step outputs before they are
// merged into the run context. Parsed queries are cached.
type OutputTransformer struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewOutputTransformer creates a new OutputTransformer.
func NewOutputTransformer() *OutputTransformer {
	return &OutputTransformer{
		cache: make(map[string]*gojq.Code),
	}
}

// Apply runs the jq filter against the step output and returns the first
// result re-encoded as JSON. An empty query returns the output unchanged.
func (t *OutputTransformer) Apply(ctx context.Context, query string, output json.RawMessage) (json.RawMessage, error) {
	if query == "" || len(output) == 0 {
		return output, nil
	}

	code, err := t.getOrCompile(query)
	if err != nil {
		return nil, err
	}

	var input any
	if err := json.Unmarshal(output, &input); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"output is not valid JSON for jq filter %q: %s", query, err.Error()).WithCause(err)
	}

	iter := code.RunWithContext(ctx, input)
	v, ok := iter.Next()
	if !ok {
		// Filter produced no results: erase the output.
		return nil, nil
	}
	if err, isErr := v.(error); isErr {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"jq filter %q failed: %s", query, err.Error()).WithCause(err)
	}

	result, err := json.Marshal(v)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"encode jq result for %q: %s", query, err.Error()).WithCause(err)
	}
	return result, nil
}

func (t *OutputTransformer) getOrCompile(query string) (*gojq.Code, error) {
	t.mu.RLock()
	if code, ok := t.cache[query]; ok {
		t.mu.RUnlock()
		return code, nil
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()

	if code, ok := t.cache[query]; ok {
		return code, nil
	}

	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"parse jq filter %q: %s", query, err.Error()).WithCause(err)
	}
	code, err := gojq.Compile(parsed)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"compile jq filter %q: %s", query, err.Error()).WithCause(err)
	}

	t.cache[query] = code
	return code, nil
}
