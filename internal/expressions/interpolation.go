package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/hatchpad/runway/internal/secrets"
	"github.com/hatchpad/runway/pkg/schema"
)

// Scope holds the data available to ${{...}} references in step inputs.
type Scope struct {
	Context map[string]any // run context, including merged step outputs
	Steps   map[string]any // step ID -> decoded output
	Run     map[string]any // run metadata (run_id, workflow_id, task_id)
}

// Interpolator resolves ${{context.*}}, ${{steps.*}}, ${{run.*}} and
// ${{secrets.*}} references in raw JSON step inputs. A nil vault disables the
// secrets namespace.
type Interpolator struct {
	vault secrets.Vault
}

// NewInterpolator creates an Interpolator with an optional vault.
func NewInterpolator(vault secrets.Vault) *Interpolator {
	return &Interpolator{vault: vault}
}

// HasInterpolation reports whether raw contains any ${{...}} reference.
func HasInterpolation(raw json.RawMessage) bool {
	return strings.Contains(string(raw), "${{")
}

// Resolve replaces every ${{...}} token in raw with its resolved value and
// returns the rewritten JSON. Resolution is a single pass; nesting a token
// inside another is rejected.
func (interp *Interpolator) Resolve(ctx context.Context, raw json.RawMessage, scope *Scope) (json.RawMessage, error) {
	if len(raw) == 0 || !HasInterpolation(raw) {
		return raw, nil
	}

	input := string(raw)
	var result strings.Builder
	result.Grow(len(input))

	i := 0
	for i < len(input) {
		idx := strings.Index(input[i:], "${{")
		if idx == -1 {
			result.WriteString(input[i:])
			break
		}

		result.WriteString(input[i : i+idx])
		start := i + idx + 3

		end := strings.Index(input[start:], "}}")
		if end == -1 {
			return nil, schema.NewError(schema.ErrCodeInterpolation, "unclosed ${{ expression")
		}
		end += start

		expr := strings.TrimSpace(input[start:end])
		if expr == "" {
			return nil, schema.NewError(schema.ErrCodeInterpolation, "empty reference: ${{ }}")
		}
		if strings.Contains(expr, "${{") {
			return nil, schema.NewError(schema.ErrCodeInterpolation,
				"nested interpolation not allowed: ${{...}} cannot contain ${{")
		}

		val, err := interp.resolveExpr(ctx, expr, scope)
		if err != nil {
			return nil, err
		}
		result.WriteString(marshalInline(val))

		i = end + 2
	}

	return json.RawMessage(result.String()), nil
}

func (interp *Interpolator) resolveExpr(ctx context.Context, expr string, scope *Scope) (any, error) {
	namespace, path, _ := strings.Cut(expr, ".")
	if path == "" {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid reference %q: expected <namespace>.<path>", expr).
			WithDetails(map[string]any{"expression": expr})
	}

	switch namespace {
	case "context":
		return interp.resolveFromMap(scope.Context, path, expr, "context")
	case "steps":
		return interp.resolveFromMap(scope.Steps, path, expr, "steps")
	case "run":
		return interp.resolveFromMap(scope.Run, path, expr, "run")
	case "secrets":
		return interp.resolveSecret(ctx, path, expr)
	default:
		available := []string{"context", "steps", "run", "secrets"}
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"unknown namespace %q in ${{%s}}; available: %s", namespace, expr, strings.Join(available, ", ")).
			WithDetails(map[string]any{"expression": expr, "available_namespaces": available})
	}
}

func (interp *Interpolator) resolveSecret(ctx context.Context, key, expr string) (any, error) {
	if interp.vault == nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"cannot resolve secret %q: no vault configured", key).
			WithDetails(map[string]any{"expression": expr})
	}
	val, err := interp.vault.Resolve(ctx, key)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"failed to resolve secret %q: %s", key, err.Error()).
			WithDetails(map[string]any{"expression": expr}).WithCause(err)
	}
	return string(val), nil
}

func (interp *Interpolator) resolveFromMap(data map[string]any, path, expr, namespace string) (any, error) {
	if data == nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"cannot resolve %q: %s scope is empty", expr, namespace).
			WithDetails(map[string]any{"expression": expr})
	}

	// Direct lookup first so keys containing dots keep working.
	if val, ok := data[path]; ok {
		return val, nil
	}

	var current any = data
	for _, seg := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"cannot traverse into non-object at %q in %q", seg, expr).
				WithDetails(map[string]any{"expression": expr})
		}
		val, ok := m[seg]
		if !ok {
			available := mapKeys(m)
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"field %q not found in %q; available: [%s]", seg, expr, strings.Join(available, ", ")).
				WithDetails(map[string]any{"expression": expr, "available_fields": available})
		}
		current = val
	}
	return current, nil
}

// marshalInline renders a resolved value where the token stood. Strings embed
// without extra quotes so references inside JSON string literals compose.
func marshalInline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func mapKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
