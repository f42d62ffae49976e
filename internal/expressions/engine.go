package expressions

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/rendis/stepflow/pkg/schema"
)

// Engine evaluates expressions within workflow steps.
// Three implementations: Expr (default), CEL, GoJQ.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Dialect prefixes select an engine other than the default.
const (
	PrefixCEL  = "cel:"
	PrefixJQ   = "jq:"
	PrefixExpr = "expr:"
)

// Evaluator dispatches an expression to the engine named by its dialect prefix.
// Unprefixed expressions use expr-lang.
type Evaluator struct {
	expr *ExprEngine
	cel  *CELEngine
	jq   *GoJQEngine
}

// NewEvaluator creates an Evaluator with all three engines.
func NewEvaluator() (*Evaluator, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Evaluator{
		expr: NewExprEngine(),
		cel:  celEngine,
		jq:   NewGoJQEngine(),
	}, nil
}

// Evaluate runs expression against data. Every failure is an EXPRESSION_ERROR.
func (ev *Evaluator) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	engine, body := ev.dispatch(expression)
	if strings.TrimSpace(body) == "" {
		return nil, schema.NewError(schema.ErrCodeExpression, "empty expression")
	}
	return engine.Evaluate(ctx, body, data)
}

// EvaluateBool evaluates expression and applies Truthy to the result.
func (ev *Evaluator) EvaluateBool(ctx context.Context, expression string, data map[string]any) (bool, error) {
	v, err := ev.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

// EvaluateRecord evaluates expression and requires a record result.
func (ev *Evaluator) EvaluateRecord(ctx context.Context, expression string, data map[string]any) (map[string]any, error) {
	v, err := ev.Evaluate(ctx, expression, data)
	if err != nil {
		return nil, err
	}
	switch m := v.(type) {
	case map[string]any:
		return m, nil
	case nil:
		return map[string]any{}, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"expression %q must produce a record, got %T", expression, v).
			WithDetails(map[string]any{"expression": expression})
	}
}

// EvaluateList evaluates expression and requires an array result.
func (ev *Evaluator) EvaluateList(ctx context.Context, expression string, data map[string]any) ([]any, error) {
	v, err := ev.Evaluate(ctx, expression, data)
	if err != nil {
		return nil, err
	}
	items, ok := toList(v)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"expression %q must produce an array, got %T", expression, v).
			WithDetails(map[string]any{"expression": expression})
	}
	return items, nil
}

// Engine returns the engine for a dialect name ("expr", "cel", "jq").
func (ev *Evaluator) Engine(name string) (Engine, error) {
	switch name {
	case "", "expr":
		return ev.expr, nil
	case "cel":
		return ev.cel, nil
	case "jq":
		return ev.jq, nil
	}
	return nil, fmt.Errorf("unknown expression dialect %q", name)
}

func (ev *Evaluator) dispatch(expression string) (Engine, string) {
	trimmed := strings.TrimSpace(expression)
	switch {
	case strings.HasPrefix(trimmed, PrefixCEL):
		return ev.cel, strings.TrimPrefix(trimmed, PrefixCEL)
	case strings.HasPrefix(trimmed, PrefixJQ):
		return ev.jq, strings.TrimPrefix(trimmed, PrefixJQ)
	case strings.HasPrefix(trimmed, PrefixExpr):
		return ev.expr, strings.TrimPrefix(trimmed, PrefixExpr)
	}
	return ev.expr, trimmed
}

// Truthy applies JavaScript-style truthiness: nil, false, zero numbers and the
// empty string are false; everything else, including empty arrays and records, is true.
func Truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case int:
		return x != 0
	case int32:
		return x != 0
	case int64:
		return x != 0
	case uint:
		return x != 0
	case uint64:
		return x != 0
	case float32:
		return x != 0
	case float64:
		return x != 0 && !math.IsNaN(x)
	}
	return true
}

func toList(v any) ([]any, bool) {
	switch x := v.(type) {
	case []any:
		return x, true
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out, true
	case []int:
		out := make([]any, len(x))
		for i, n := range x {
			out[i] = n
		}
		return out, true
	case []float64:
		out := make([]any, len(x))
		for i, n := range x {
			out[i] = n
		}
		return out, true
	case []map[string]any:
		out := make([]any, len(x))
		for i, m := range x {
			out[i] = m
		}
		return out, true
	case nil:
		return nil, false
	}
	return nil, false
}
