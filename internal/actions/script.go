package actions

import (
	"context"
	"encoding/json"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/pkg/schema"
)

// ScriptActionDeps holds the dependencies of the scripting and query actions.
type ScriptActionDeps struct {
	Scripts   *expressions.ScriptRunner
	Evaluator *expressions.Evaluator
	Tables    expressions.TableStore
}

// ScriptActions returns run_js_code, TableQuery and jq.
func ScriptActions(deps ScriptActionDeps) []Action {
	return []Action{
		&runCodeAction{deps: deps},
		&tableQueryAction{deps: deps},
		&jqAction{engine: expressions.NewGoJQEngine()},
	}
}

// scriptEnv binds the run context and the acting principal for user code.
func scriptEnv(input ActionInput) map[string]any {
	return expressions.NewScope(input.Context).WithUser(input.Principal).Map()
}

// --- run_js_code ---

type runCodeAction struct {
	deps ScriptActionDeps
}

func (a *runCodeAction) Name() string { return schema.ActionRunJSCode }

func (a *runCodeAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Run a script against the context; the returned record is merged into it.",
		ConfigSchema: json.RawMessage(`{
  "type": "object",
  "properties": {"code": {"type": "string", "minLength": 1}},
  "required": ["code"]
}`),
	}
}

func (a *runCodeAction) Validate(config map[string]any) error {
	if stringParam(config, "code", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "run_js_code: missing required param 'code'")
	}
	return nil
}

func (a *runCodeAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	if err := a.Validate(input.Config); err != nil {
		return nil, err
	}
	runner := a.deps.Scripts
	if runner == nil {
		runner = expressions.NewScriptRunner(a.deps.Tables)
	}
	out, err := runner.Run(ctx, stringParam(input.Config, "code", ""), scriptEnv(input))
	if err != nil {
		return nil, err
	}
	return &ActionOutput{Delta: out}, nil
}

// --- TableQuery ---

type tableQueryAction struct {
	deps ScriptActionDeps
}

func (a *tableQueryAction) Name() string { return schema.ActionTableQuery }

func (a *tableQueryAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Store the rows of a table matching a filter expression into a context variable.",
		ConfigSchema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "query_table": {"type": "string", "minLength": 1},
    "query_object": {"type": "string"},
    "query_variable": {"type": "string", "minLength": 1}
  },
  "required": ["query_table", "query_variable"]
}`),
	}
}

func (a *tableQueryAction) Validate(config map[string]any) error {
	if stringParam(config, "query_table", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "TableQuery: missing required param 'query_table'")
	}
	if stringParam(config, "query_variable", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "TableQuery: missing required param 'query_variable'")
	}
	return nil
}

func (a *tableQueryAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	if err := a.Validate(input.Config); err != nil {
		return nil, err
	}
	if a.deps.Tables == nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "TableQuery: table store not configured")
	}

	var where map[string]any
	if q := stringParam(input.Config, "query_object", ""); q != "" {
		if a.deps.Evaluator == nil {
			return nil, schema.NewError(schema.ErrCodeExecution, "TableQuery: evaluator not configured")
		}
		rec, err := a.deps.Evaluator.EvaluateRecord(ctx, q, scriptEnv(input))
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "TableQuery: query_object: %s", err.Error()).WithCause(err)
		}
		where = rec
	}

	table := stringParam(input.Config, "query_table", "")
	rows, err := a.deps.Tables.QueryRows(ctx, table, where)
	if err != nil {
		return nil, expressions.TableError("TableQuery: query "+table, err)
	}
	return delta(stringParam(input.Config, "query_variable", ""), expressions.RowsToRecords(rows)), nil
}

// --- jq ---

type jqAction struct {
	engine *expressions.GoJQEngine
}

func (a *jqAction) Name() string { return "jq" }

func (a *jqAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Transform the context with a jq filter and store the result in a variable.",
		ConfigSchema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "filter": {"type": "string", "minLength": 1},
    "variable": {"type": "string", "minLength": 1}
  },
  "required": ["filter", "variable"]
}`),
	}
}

func (a *jqAction) Validate(config map[string]any) error {
	if stringParam(config, "filter", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "jq: missing required param 'filter'")
	}
	if stringParam(config, "variable", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "jq: missing required param 'variable'")
	}
	return nil
}

func (a *jqAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	if err := a.Validate(input.Config); err != nil {
		return nil, err
	}
	out, err := a.engine.Evaluate(ctx, stringParam(input.Config, "filter", ""), input.Context)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "jq: %s", err.Error()).WithCause(err)
	}
	return delta(stringParam(input.Config, "variable", ""), out), nil
}
