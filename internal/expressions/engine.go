package expressions

import "context"

// Engine evaluates a guard expression against run data.
// Implementations: CELEngine (default), ExprEngine.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
