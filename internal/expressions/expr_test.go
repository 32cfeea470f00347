package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowgraph/pkg/schema"
)

func TestNewExprEngine(t *testing.T) {
	e := NewExprEngine()
	assert.NotNil(t, e)
	assert.Equal(t, "expr", e.Name())
}

// --- Restricted namespace ---

func TestExpr_ValueAndCompare(t *testing.T) {
	e := NewExprEngine()

	ok, err := e.EvaluateBool(context.Background(), "value == compare", "yes", "yes")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.EvaluateBool(context.Background(), "value == compare", "no", "yes")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExpr_Primitives(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	t.Run("int", func(t *testing.T) {
		ok, err := e.EvaluateBool(ctx, "int(value) > int(compare)", "7", "3")
		require.NoError(t, err)
		assert.True(t, ok)
	})
	t.Run("float", func(t *testing.T) {
		ok, err := e.EvaluateBool(ctx, "float(value) < 1.5", "1.25", "")
		require.NoError(t, err)
		assert.True(t, ok)
	})
	t.Run("len", func(t *testing.T) {
		ok, err := e.EvaluateBool(ctx, "len(value) == 3", []any{1.0, 2.0, 3.0}, "")
		require.NoError(t, err)
		assert.True(t, ok)
	})
	t.Run("str", func(t *testing.T) {
		ok, err := e.EvaluateBool(ctx, "str(value) == compare", 5.0, "5")
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestExpr_MapAccess(t *testing.T) {
	e := NewExprEngine()
	ok, err := e.EvaluateBool(context.Background(), `value.status == "ok"`, map[string]any{"status": "ok"}, "")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestExpr_ValueOperators(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	tests := []struct {
		name       string
		expression string
		value      any
		want       bool
	}{
		{"member", `value.status == "ok"`, map[string]any{"status": "ok"}, true},
		{"string index", `value["status"] == "ok"`, map[string]any{"status": "bad"}, false},
		{"list index", `value[0] == "a"`, []any{"a", "b"}, true},
		{"ordering", "value > 3", 5.0, true},
		{"ordering false", "value >= 10", 2.0, false},
		{"nested", "value.items[1] == 2", map[string]any{"items": []any{1.0, 2.0}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := e.EvaluateBool(ctx, tt.expression, tt.value, "")
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestExpr_ResultCastToBool(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	ok, err := e.EvaluateBool(ctx, "value", "non-empty", "")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.EvaluateBool(ctx, "len(value)", "", "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExpr_UnknownNamesRejected(t *testing.T) {
	e := NewExprEngine()
	for _, expression := range []string{"os", "env", "secret == compare", "upper(value)", "now()"} {
		_, err := e.EvaluateBool(context.Background(), expression, "x", "y")
		require.Error(t, err, expression)
		assert.Equal(t, schema.ErrCodeExpression, schema.CodeOf(err), expression)
	}
}

func TestExpr_EmptyExpression(t *testing.T) {
	e := NewExprEngine()
	_, err := e.Evaluate(context.Background(), "  ", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeExpression, schema.CodeOf(err))
}

func TestExpr_RuntimeError(t *testing.T) {
	e := NewExprEngine()
	_, err := e.EvaluateBool(context.Background(), "int(value) > 1", "not-a-number", "")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeExpression, schema.CodeOf(err))
}

// --- Caching ---

func TestExpr_CacheReuse(t *testing.T) {
	e := NewExprEngine()
	_, err := e.EvaluateBool(context.Background(), "value == compare", "a", "a")
	require.NoError(t, err)
	_, err = e.EvaluateBool(context.Background(), "value == compare", "b", "a")
	require.NoError(t, err)

	e.mu.RLock()
	assert.Len(t, e.cache, 1)
	e.mu.RUnlock()
}

func TestExpr_ConcurrentEvaluation(t *testing.T) {
	e := NewExprEngine()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ok, err := e.EvaluateBool(context.Background(), "int(value) >= 0", n, "")
			assert.NoError(t, err)
			assert.True(t, ok)
		}(i)
	}
	wg.Wait()
}
