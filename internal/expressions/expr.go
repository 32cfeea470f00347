package expressions

import (
	"context"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/flowgraph/pkg/schema"
)

// ExprEngine evaluates custom condition expressions with expr-lang/expr in a
// restricted namespace: only value, compare and the primitives str, int, float
// and len are visible. Builtins are disabled and unknown names fail to compile.
// Thread-safe: compiled *vm.Program objects are cached and reused across goroutines.
type ExprEngine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// exprEnv is the compile-time shape of the namespace. Value is typed any so
// member, index and ordering operators are checked at run time.
type exprEnv struct {
	Value   any    `expr:"value"`
	Compare string `expr:"compare"`
}

// NewExprEngine creates a new restricted Expr engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{
		cache: make(map[string]*vm.Program),
	}
}

// Name returns the engine identifier.
func (e *ExprEngine) Name() string {
	return "expr"
}

// Evaluate runs expression with data["value"] and data["compare"] bound.
// Any other key in data is ignored.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, schema.NewError(schema.ErrCodeExpression, "custom condition requires custom_expression")
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	out, err := vm.Run(prg, exprEnv{
		Value:   data["value"],
		Compare: ToString(data["compare"]),
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"custom expression %q failed: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out, nil
}

// EvaluateBool evaluates and casts the result to a boolean.
func (e *ExprEngine) EvaluateBool(ctx context.Context, expression string, value any, compare string) (bool, error) {
	out, err := e.Evaluate(ctx, expression, map[string]any{"value": value, "compare": compare})
	if err != nil {
		return false, err
	}
	return Truthy(out), nil
}

func (e *ExprEngine) getOrCompile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	opts := []expr.Option{
		expr.Env(exprEnv{}),
		expr.DisableAllBuiltins(),
		expr.Function("str", func(params ...any) (any, error) {
			if len(params) != 1 {
				return nil, fmt.Errorf("str expects 1 argument, got %d", len(params))
			}
			return ToString(params[0]), nil
		}),
		expr.Function("int", func(params ...any) (any, error) {
			if len(params) != 1 {
				return nil, fmt.Errorf("int expects 1 argument, got %d", len(params))
			}
			return toInt(params[0])
		}),
		expr.Function("float", func(params ...any) (any, error) {
			if len(params) != 1 {
				return nil, fmt.Errorf("float expects 1 argument, got %d", len(params))
			}
			f, ok := ToFloat(params[0])
			if !ok {
				return nil, fmt.Errorf("cannot convert %v to float", params[0])
			}
			return f, nil
		}),
		expr.Function("len", func(params ...any) (any, error) {
			if len(params) != 1 {
				return nil, fmt.Errorf("len expects 1 argument, got %d", len(params))
			}
			return length(params[0])
		}),
	}

	prg, err := expr.Compile(expression, opts...)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"custom expression %q is invalid: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = prg
	return prg, nil
}

func toInt(v any) (int, error) {
	if s, ok := v.(string); ok {
		s = strings.TrimSpace(s)
		if n, err := strconv.Atoi(s); err == nil {
			return n, nil
		}
		return 0, fmt.Errorf("cannot convert %q to int", s)
	}
	f, ok := ToFloat(v)
	if !ok {
		return 0, fmt.Errorf("cannot convert %v to int", v)
	}
	return int(math.Trunc(f)), nil
}

func length(v any) (int, error) {
	if s, ok := v.(string); ok {
		return len([]rune(s)), nil
	}
	if v == nil {
		return 0, fmt.Errorf("len of nil value")
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array:
		return rv.Len(), nil
	}
	return 0, fmt.Errorf("len not supported for %T", v)
}

var _ Engine = (*ExprEngine)(nil)
