package nodes

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rendis/flowgraph/internal/expressions"
	"github.com/rendis/flowgraph/pkg/schema"
)

// itemsFallbackKeys are tried when a for_each loop has no items_source.
var itemsFallbackKeys = []string{"data", "output", "items", "results"}

// Loops initializes loop nodes.
type Loops struct {
	jq *expressions.GoJQEngine
}

// NewLoops creates the loop runtime. jq queries in items_source use jqEngine.
func NewLoops(jqEngine *expressions.GoJQEngine) *Loops {
	if jqEngine == nil {
		jqEngine = expressions.NewGoJQEngine()
	}
	return &Loops{jq: jqEngine}
}

// Initialize produces the iteration record for cfg.
func (l *Loops) Initialize(ctx context.Context, cfg *schema.LoopConfig, inputs map[string]any) (map[string]any, error) {
	if cfg == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "Loop node requires loop_config")
	}
	switch cfg.LoopType {
	case schema.LoopForEach, "":
		return l.forEach(ctx, cfg, inputs)
	case schema.LoopWhile, schema.LoopUntil:
		return map[string]any{
			"loop_type":         string(cfg.LoopType),
			"condition":         cfg.Condition,
			"max_iterations":    cfg.MaxIterations,
			"current_iteration": 0,
			"status":            "initialized",
		}, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeUnknownLoopType, "Unknown loop type: %s", cfg.LoopType)
	}
}

func (l *Loops) forEach(ctx context.Context, cfg *schema.LoopConfig, inputs map[string]any) (map[string]any, error) {
	raw, err := l.itemsSource(ctx, cfg, inputs)
	if err != nil {
		return nil, err
	}

	items := CoerceItems(raw)
	if cfg.MaxIterations > 0 && len(items) > cfg.MaxIterations {
		items = items[:cfg.MaxIterations]
	}
	return map[string]any{
		"loop_type":         string(schema.LoopForEach),
		"items":             items,
		"total_iterations":  len(items),
		"current_iteration": 0,
		"status":            "initialized",
	}, nil
}

func (l *Loops) itemsSource(ctx context.Context, cfg *schema.LoopConfig, inputs map[string]any) (any, error) {
	src := strings.TrimSpace(cfg.ItemsSource)
	if src != "" {
		if strings.HasPrefix(src, ".") {
			out, err := l.jq.Evaluate(ctx, src, inputs)
			if err != nil {
				return nil, err
			}
			if out == nil {
				return nil, schema.NewErrorf(schema.ErrCodeNoItemsSource, "Items source '%s' not found in inputs", src)
			}
			return out, nil
		}
		v, ok := Resolve(src, inputs)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeNoItemsSource, "Items source '%s' not found in inputs", src).
				WithDetails(map[string]any{"available_keys": sortedKeys(inputs)})
		}
		return v, nil
	}

	for _, k := range itemsFallbackKeys {
		if v, ok := inputs[k]; ok && v != nil {
			return v, nil
		}
	}
	if len(inputs) == 1 {
		for _, v := range inputs {
			if v != nil {
				return v, nil
			}
		}
	}
	return nil, schema.NewError(schema.ErrCodeNoItemsSource, "for_each loop requires items_source")
}

// CoerceItems turns an items value into a list. JSON array strings decode to
// their elements, other strings are comma-split, structured read results yield
// their lines or batches, and any other value becomes a singleton.
func CoerceItems(v any) []any {
	switch t := v.(type) {
	case nil:
		return []any{}
	case []any:
		return t
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case string:
		trimmed := strings.TrimSpace(t)
		if strings.HasPrefix(trimmed, "[") {
			var arr []any
			if err := json.Unmarshal([]byte(trimmed), &arr); err == nil {
				return arr
			}
		}
		out := []any{}
		for _, part := range strings.Split(t, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		return out
	case map[string]any:
		if rows, ok := structuredRows(t); ok {
			return rows
		}
		return []any{t}
	default:
		return []any{v}
	}
}

// structuredRows extracts lines or batches from a structured read result.
func structuredRows(m map[string]any) ([]any, bool) {
	mode, ok := m["read_mode"].(string)
	if !ok {
		return nil, false
	}
	key := "lines"
	if mode == "batch" {
		key = "batches"
	}
	rows, ok := m[key].([]any)
	return rows, ok
}
