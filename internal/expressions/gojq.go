package expressions

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/itchyny/gojq"

	"github.com/rendis/stepflow/pkg/schema"
)

// GoJQEngine implements the Engine interface using GoJQ for JSON data transformation.
// Selected with the "jq:" prefix; the data map is the input document.
type GoJQEngine struct {
	cache *programCache[*gojq.Code]
}

// NewGoJQEngine creates a new GoJQ expression engine.
func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{
		cache: newProgramCache[*gojq.Code](defaultCacheSize),
	}
}

// Name returns the engine identifier.
func (e *GoJQEngine) Name() string {
	return "jq"
}

// Evaluate runs a jq program against data. A single output is returned as
// is, several are returned as []any and no output yields nil.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	outs, err := e.EvaluateAll(ctx, expression, data)
	if err != nil || len(outs) == 0 {
		return nil, err
	}
	if len(outs) == 1 {
		return outs[0], nil
	}
	return outs, nil
}

// EvaluateAll returns every output of the program. A bare halt ends the
// stream without error.
func (e *GoJQEngine) EvaluateAll(ctx context.Context, expression string, data map[string]any) ([]any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeExpression, "empty jq expression")
	}
	code, err := e.cache.get(expression, compileJQ)
	if err != nil {
		return nil, err
	}

	var outs []any
	iter := code.RunWithContext(ctx, normalizeForJQ(data))
	for v, ok := iter.Next(); ok; v, ok = iter.Next() {
		if err, isErr := v.(error); isErr {
			var halt *gojq.HaltError
			if errors.As(err, &halt) && halt.Value() == nil {
				break
			}
			return nil, expressionErr("jq", "evaluation", expression, err)
		}
		outs = append(outs, v)
	}
	return outs, nil
}

// compileJQ compiles with an empty environment so $ENV and env are blank.
func compileJQ(expression string) (*gojq.Code, error) {
	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, expressionErr("jq", "parse", expression, err)
	}
	code, err := gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, expressionErr("jq", "compile", expression, err)
	}
	return code, nil
}

// normalizeForJQ rewrites data into the value types gojq walks. Values that
// are not plain JSON (times, typed slices, structs) take their JSON form.
func normalizeForJQ(v any) any {
	switch val := v.(type) {
	case nil, bool, int, float64, string:
		return val
	case int64:
		return float64(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeForJQ(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeForJQ(item)
		}
		return out
	}

	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out any
	if json.Unmarshal(b, &out) != nil {
		return nil
	}
	return out
}

var _ Engine = (*GoJQEngine)(nil)
