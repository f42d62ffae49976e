package expressions

import (
	"context"
	"fmt"
	"reflect"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"

	"github.com/rendis/stepflow/pkg/schema"
)

// CELEngine implements the Engine interface using Google's Common Expression Language.
// Selected with the "cel:" prefix. The environment exposes two variables:
//   - context: map(string, dyn), the run context
//   - user:    map(string, dyn), the acting principal
//
type CELEngine struct {
	env   *cel.Env
	cache *programCache[cel.Program]
}

// NewCELEngine creates a new CEL expression engine with a sandboxed environment.
func NewCELEngine() (*CELEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)

	env, err := cel.NewEnv(
		cel.Variable("context", mapType),
		cel.Variable("user", mapType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &CELEngine{
		env:   env,
		cache: newProgramCache[cel.Program](defaultCacheSize),
	}, nil
}

// Name returns the engine identifier.
func (e *CELEngine) Name() string {
	return "cel"
}

// Evaluate runs a CEL expression against data.
// data is bound as `context`; data["user"], when a record, is also bound as `user`.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeExpression, "empty CEL expression")
	}

	prg, err := e.cache.get(expression, e.compile)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.ContextEval(ctx, buildActivation(data))
	if err != nil {
		return nil, expressionErr("cel", "evaluation", expression, err)
	}
	return celToNative(out)
}

func (e *CELEngine) compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, expressionErr("cel", "compile", expression, issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, expressionErr("cel", "program", expression, err)
	}
	return prg, nil
}

// buildActivation creates the evaluation activation map from the data.
// Missing values default to empty maps to prevent CEL runtime nil-ref errors.
func buildActivation(data map[string]any) map[string]any {
	ctxVal := data
	if ctxVal == nil {
		ctxVal = map[string]any{}
	}
	user, _ := data["user"].(map[string]any)
	if user == nil {
		user = map[string]any{}
	}
	return map[string]any{"context": ctxVal, "user": user}
}

var (
	mapNativeType  = reflect.TypeOf(map[string]any{})
	listNativeType = reflect.TypeOf([]any{})
)

// celToNative converts CEL aggregates into plain Go maps and slices.
func celToNative(v ref.Val) (any, error) {
	switch v.(type) {
	case traits.Mapper:
		return v.ConvertToNative(mapNativeType)
	case traits.Lister:
		return v.ConvertToNative(listNativeType)
	}
	return v.Value(), nil
}

var _ Engine = (*CELEngine)(nil)
