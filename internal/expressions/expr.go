package expressions

import (
	"context"
	"fmt"
	"math"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/stepflow/pkg/schema"
)

// ExprEngine is the default dialect, backed by expr-lang. Context keys are
// top-level variables and unknown names evaluate to nil. Besides the expr
// builtins (filter, map, concat, lower, trim, ??, ?.) it provides:
//
//	roundTo(x, digits)  half-away-from-zero rounding to digits decimals
//	blank(v)            nil, "", empty list or empty record
type ExprEngine struct {
	cache *programCache[*vm.Program]
	opts  []expr.Option
}

// NewExprEngine creates an expr engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{
		cache: newProgramCache[*vm.Program](defaultCacheSize),
		opts: []expr.Option{
			expr.AllowUndefinedVariables(),
			expr.Function("roundTo", roundTo),
			expr.Function("blank", blank),
		},
	}
}

// Name returns the engine identifier.
func (e *ExprEngine) Name() string {
	return "expr"
}

// Evaluate runs expression with data as its environment.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeExpression, "empty expr expression")
	}

	prg, err := e.cache.get(expression, e.compile)
	if err != nil {
		return nil, err
	}

	env := data
	if env == nil {
		env = map[string]any{}
	}
	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, expressionErr("expr", "evaluation", expression, err)
	}
	return out, nil
}

// compile builds an untyped program so one program serves contexts of any shape.
func (e *ExprEngine) compile(expression string) (*vm.Program, error) {
	prg, err := expr.Compile(expression, e.opts...)
	if err != nil {
		return nil, expressionErr("expr", "compile", expression, err)
	}
	return prg, nil
}

func roundTo(params ...any) (any, error) {
	if len(params) == 0 || len(params) > 2 {
		return nil, fmt.Errorf("roundTo expects 1 or 2 arguments, got %d", len(params))
	}
	x, ok := toFloat(params[0])
	if !ok {
		return nil, fmt.Errorf("roundTo: %v is not a number", params[0])
	}
	digits := 0.0
	if len(params) == 2 {
		if digits, ok = toFloat(params[1]); !ok {
			return nil, fmt.Errorf("roundTo: %v is not a number", params[1])
		}
	}
	p := math.Pow(10, math.Trunc(digits))
	return math.Round(x*p) / p, nil
}

func blank(params ...any) (any, error) {
	if len(params) != 1 {
		return nil, fmt.Errorf("blank expects 1 argument, got %d", len(params))
	}
	switch v := params[0].(type) {
	case nil:
		return true, nil
	case string:
		return v == "", nil
	case []any:
		return len(v) == 0, nil
	case map[string]any:
		return len(v) == 0, nil
	}
	return false, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}

var _ Engine = (*ExprEngine)(nil)
