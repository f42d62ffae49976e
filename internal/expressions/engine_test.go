package expressions

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/pkg/schema"
)

func newTestEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	ev, err := NewEvaluator()
	require.NoError(t, err)
	return ev
}

func requireExpressionError(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	var se *schema.StepflowError
	require.True(t, errors.As(err, &se), "expected StepflowError, got %T", err)
	assert.Equal(t, schema.ErrCodeExpression, se.Code)
}

// --- Expr (default dialect) ---

func TestExpr_Arithmetic(t *testing.T) {
	e := NewExprEngine()
	assert.Equal(t, "expr", e.Name())

	out, err := e.Evaluate(context.Background(), "a + b", map[string]any{"a": 10, "b": 3})
	require.NoError(t, err)
	assert.Equal(t, 13, out)
}

func TestExpr_JSONNumbers(t *testing.T) {
	e := NewExprEngine()
	out, err := e.Evaluate(context.Background(), "x > 1", map[string]any{"x": float64(2)})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestExpr_UndefinedVariables(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	out, err := e.Evaluate(ctx, "missing", map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, out)

	out, err = e.Evaluate(ctx, `missing ?? "fallback"`, nil)
	require.NoError(t, err)
	assert.Equal(t, "fallback", out)
}

func TestExpr_MapLiteral(t *testing.T) {
	e := NewExprEngine()
	out, err := e.Evaluate(context.Background(), `{greeting: "hi " + name, n: 1}`, map[string]any{"name": "ada"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"greeting": "hi ada", "n": 1}, out)
}

func TestExpr_ProgramReusedAcrossShapes(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	out, err := e.Evaluate(ctx, "v", map[string]any{"v": "text"})
	require.NoError(t, err)
	assert.Equal(t, "text", out)

	out, err = e.Evaluate(ctx, "v", map[string]any{"v": []any{1.0}})
	require.NoError(t, err)
	assert.Equal(t, []any{1.0}, out)
}

func TestExpr_CompileError(t *testing.T) {
	_, err := NewExprEngine().Evaluate(context.Background(), "1 +", nil)
	requireExpressionError(t, err)
}

func TestExpr_RuntimeError(t *testing.T) {
	_, err := NewExprEngine().Evaluate(context.Background(), "x.y.z", map[string]any{"x": 1})
	requireExpressionError(t, err)
}

func TestExpr_ConcurrentEvaluate(t *testing.T) {
	e := NewExprEngine()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			out, err := e.Evaluate(context.Background(), "n * 2", map[string]any{"n": n})
			assert.NoError(t, err)
			assert.Equal(t, n*2, out)
		}(i)
	}
	wg.Wait()
}

func TestExpr_Helpers(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()
	data := map[string]any{"price": 10.456, "tags": []any{}, "name": "ada"}

	tests := []struct {
		expr string
		want any
	}{
		{"roundTo(price, 2)", 10.46},
		{"roundTo(price)", 10.0},
		{"roundTo(-2.5)", -3.0},
		{"blank(missing)", true},
		{"blank(tags)", true},
		{"blank(name)", false},
		{`blank("")`, true},
		{"blank({})", true},
		{"blank(0)", false},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			out, err := e.Evaluate(ctx, tt.expr, data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}

	_, err := e.Evaluate(ctx, `roundTo("x", 1)`, data)
	requireExpressionError(t, err)
}

func TestExpr_CachesCompiledPrograms(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := e.Evaluate(ctx, "n + 1", map[string]any{"n": i})
		require.NoError(t, err)
	}
	_, err := e.Evaluate(ctx, "1 +", nil)
	requireExpressionError(t, err)

	assert.Equal(t, 1, e.cache.len(), "compile errors are not cached")
}

// --- CEL ---

func TestCEL_ContextAndUser(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	assert.Equal(t, "cel", e.Name())

	data := map[string]any{"x": 2.0, "user": map[string]any{"id": "u1"}}
	out, err := e.Evaluate(context.Background(), "context.x > 1.0 && user.id == 'u1'", data)
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCEL_AggregatesBecomeNative(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), "{'a': 1}", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": int64(1)}, out)

	out, err = e.Evaluate(context.Background(), "['x', 'y']", nil)
	require.NoError(t, err)
	assert.Equal(t, []any{"x", "y"}, out)
}

func TestCEL_Errors(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), "undeclared > 1", nil)
	requireExpressionError(t, err)

	_, err = e.Evaluate(context.Background(), "context.missing", map[string]any{})
	requireExpressionError(t, err)
}

// --- GoJQ ---

func TestGoJQ_Evaluate(t *testing.T) {
	e := NewGoJQEngine()
	assert.Equal(t, "jq", e.Name())
	data := map[string]any{"items": []any{1, 2, 3}, "count": int64(4)}

	out, err := e.Evaluate(context.Background(), ".items | length", data)
	require.NoError(t, err)
	assert.Equal(t, 3, out)

	out, err = e.Evaluate(context.Background(), ".items[]", data)
	require.NoError(t, err)
	assert.Equal(t, []any{1, 2, 3}, out)

	out, err = e.Evaluate(context.Background(), ".count", data)
	require.NoError(t, err)
	assert.Equal(t, float64(4), out)

	out, err = e.Evaluate(context.Background(), "empty", data)
	require.NoError(t, err)
	assert.Nil(t, out)

	out, err = e.Evaluate(context.Background(), "1, halt, 2", data)
	require.NoError(t, err)
	assert.Equal(t, 1, out)
}

func TestGoJQ_EnvBlocked(t *testing.T) {
	out, err := NewGoJQEngine().Evaluate(context.Background(), "$ENV | length", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, 0, out)
}

func TestGoJQ_Errors(t *testing.T) {
	e := NewGoJQEngine()
	_, err := e.Evaluate(context.Background(), ".[", nil)
	requireExpressionError(t, err)

	_, err = e.Evaluate(context.Background(), `error("bad")`, map[string]any{})
	requireExpressionError(t, err)
}

// --- Evaluator ---

func TestEvaluator_DialectDispatch(t *testing.T) {
	ev := newTestEvaluator(t)
	ctx := context.Background()
	data := map[string]any{"x": 5.0}

	out, err := ev.Evaluate(ctx, "x + 1", data)
	require.NoError(t, err)
	assert.Equal(t, 6.0, out)

	out, err = ev.Evaluate(ctx, "expr: x * 2", data)
	require.NoError(t, err)
	assert.Equal(t, 10.0, out)

	out, err = ev.Evaluate(ctx, "cel:context.x == 5.0", data)
	require.NoError(t, err)
	assert.Equal(t, true, out)

	out, err = ev.Evaluate(ctx, "jq:.x", data)
	require.NoError(t, err)
	assert.Equal(t, 5.0, out)

	_, err = ev.Evaluate(ctx, "cel:", data)
	requireExpressionError(t, err)
}

func TestEvaluator_EvaluateRecord(t *testing.T) {
	ev := newTestEvaluator(t)
	ctx := context.Background()

	rec, err := ev.EvaluateRecord(ctx, "{y: x}", map[string]any{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"y": 1}, rec)

	rec, err = ev.EvaluateRecord(ctx, "nil", nil)
	require.NoError(t, err)
	assert.Empty(t, rec)

	_, err = ev.EvaluateRecord(ctx, "42", nil)
	requireExpressionError(t, err)
}

func TestEvaluator_EvaluateList(t *testing.T) {
	ev := newTestEvaluator(t)
	ctx := context.Background()

	items, err := ev.EvaluateList(ctx, "[1, 2]", nil)
	require.NoError(t, err)
	assert.Equal(t, []any{1, 2}, items)

	_, err = ev.EvaluateList(ctx, `"nope"`, nil)
	requireExpressionError(t, err)
}

func TestEvaluator_Engine(t *testing.T) {
	ev := newTestEvaluator(t)
	for _, name := range []string{"", "expr", "cel", "jq"} {
		eng, err := ev.Engine(name)
		require.NoError(t, err)
		assert.NotNil(t, eng)
	}
	_, err := ev.Engine("lua")
	assert.Error(t, err)
}

func TestTruthy(t *testing.T) {
	falsy := []any{nil, false, "", 0, 0.0, int64(0), math.NaN()}
	for _, v := range falsy {
		assert.False(t, Truthy(v), "%#v should be falsy", v)
	}
	truthy := []any{true, "0", 1, -1.5, []any{}, map[string]any{}}
	for _, v := range truthy {
		assert.True(t, Truthy(v), "%#v should be truthy", v)
	}
}
