package expressions

import "context"

// Engine evaluates expressions within node configs.
// Three implementations: Expr (custom conditions), CEL (cel conditions), GoJQ (loop item queries).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
