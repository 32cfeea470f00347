package nodes

import (
	"context"
	"strconv"
	"strings"

	"github.com/rendis/flowgraph/internal/expressions"
	"github.com/rendis/flowgraph/pkg/schema"
)

// Branch labels emitted by condition nodes and matched against edge sourceHandles.
const (
	BranchTrue    = "true"
	BranchFalse   = "false"
	BranchDefault = "default"
)

// Conditions evaluates condition nodes.
type Conditions struct {
	expr *expressions.ExprEngine
	cel  *expressions.CELEngine
}

// NewConditions wires the custom and cel evaluators. cel may be nil, in which
// case cel conditions fail with EXPRESSION_ERROR.
func NewConditions(exprEngine *expressions.ExprEngine, celEngine *expressions.CELEngine) *Conditions {
	if exprEngine == nil {
		exprEngine = expressions.NewExprEngine()
	}
	return &Conditions{expr: exprEngine, cel: celEngine}
}

// Evaluate resolves cfg.Field in inputs and applies the predicate.
func (c *Conditions) Evaluate(ctx context.Context, cfg *schema.ConditionConfig, inputs map[string]any) (map[string]any, error) {
	if cfg == nil || strings.TrimSpace(cfg.Field) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "Condition node requires 'field' in condition_config")
	}
	ctype := cfg.ConditionType
	if ctype == "" {
		ctype = schema.ConditionEquals
	}

	fieldValue, found := Resolve(cfg.Field, inputs)
	if !found && !toleratesMissing(ctype) {
		return nil, schema.NewErrorf(schema.ErrCodeFieldNotFound,
			"Field '%s' not found in inputs", cfg.Field).
			WithDetails(map[string]any{"field": cfg.Field, "available_keys": sortedKeys(inputs)})
	}

	result, err := c.apply(ctx, ctype, fieldValue, cfg)
	if err != nil {
		return nil, err
	}

	branch := BranchFalse
	if result {
		branch = BranchTrue
	}
	return map[string]any{
		"branch":           branch,
		"condition_result": result,
		"field_value":      fieldValue,
		"evaluated_value":  cfg.Value,
		"condition_type":   string(ctype),
	}, nil
}

func toleratesMissing(t schema.ConditionType) bool {
	switch t {
	case schema.ConditionIsEmpty, schema.ConditionEmpty, schema.ConditionIsNotEmpty, schema.ConditionNotEmpty:
		return true
	}
	return false
}

func (c *Conditions) apply(ctx context.Context, t schema.ConditionType, v any, cfg *schema.ConditionConfig) (bool, error) {
	fieldStr := expressions.ToString(v)
	switch t {
	case schema.ConditionEquals:
		return fieldStr == cfg.Value, nil
	case schema.ConditionNotEquals:
		return fieldStr != cfg.Value, nil
	case schema.ConditionContains:
		return strings.Contains(strings.ToLower(fieldStr), strings.ToLower(cfg.Value)), nil
	case schema.ConditionNotContains:
		return !strings.Contains(strings.ToLower(fieldStr), strings.ToLower(cfg.Value)), nil
	case schema.ConditionGreaterThan:
		a, b, ok := numericPair(fieldStr, cfg.Value)
		return ok && a > b, nil
	case schema.ConditionNotGreaterThan:
		a, b, ok := numericPair(fieldStr, cfg.Value)
		return ok && a <= b, nil
	case schema.ConditionLessThan:
		a, b, ok := numericPair(fieldStr, cfg.Value)
		return ok && a < b, nil
	case schema.ConditionNotLessThan:
		a, b, ok := numericPair(fieldStr, cfg.Value)
		return ok && a >= b, nil
	case schema.ConditionIsEmpty, schema.ConditionEmpty:
		return expressions.IsEmpty(v), nil
	case schema.ConditionIsNotEmpty, schema.ConditionNotEmpty:
		return !expressions.IsEmpty(v), nil
	case schema.ConditionCustom:
		return c.expr.EvaluateBool(ctx, cfg.CustomExpression, v, cfg.Value)
	case schema.ConditionCEL:
		if c.cel == nil {
			return false, schema.NewError(schema.ErrCodeExpression, "cel evaluator is not configured")
		}
		out, err := c.cel.Evaluate(ctx, cfg.CustomExpression, map[string]any{"value": v, "compare": cfg.Value})
		if err != nil {
			return false, err
		}
		return expressions.Truthy(out), nil
	default:
		return false, schema.NewErrorf(schema.ErrCodeUnknownConditionType, "Unknown condition type: %s", t)
	}
}

// numericPair parses both string forms as floats; ok is false when either fails.
func numericPair(a, b string) (float64, float64, bool) {
	fa, err := strconv.ParseFloat(strings.TrimSpace(a), 64)
	if err != nil {
		return 0, 0, false
	}
	fb, err := strconv.ParseFloat(strings.TrimSpace(b), 64)
	if err != nil {
		return 0, 0, false
	}
	return fa, fb, true
}
