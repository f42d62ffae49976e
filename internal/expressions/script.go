package expressions

import (
	"context"
	"errors"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// TableStore is the slice of the store the script toolkit needs.
type TableStore interface {
	InsertRow(ctx context.Context, table string, data map[string]any) (int64, error)
	QueryRows(ctx context.Context, table string, where map[string]any) ([]*store.Row, error)
}

// ScriptRunner evaluates user scripts in the expr language with a host toolkit:
//
//	table_rows(table, where?)  rows whose data matches where, each with its "id"
//	table_insert(table, row)   inserts row, returns the new id
//	fail(message)              aborts the script with an error
//	now()                      current time (expr builtin)
//
// Context keys are bound as top-level variables. A script returns a record
// (merged into the run context) or nil.
type ScriptRunner struct {
	tables TableStore
}

// NewScriptRunner creates a ScriptRunner. tables may be nil, in which case the
// table functions fail when called.
func NewScriptRunner(tables TableStore) *ScriptRunner {
	return &ScriptRunner{tables: tables}
}

// Run compiles and executes code. The toolkit closes over ctx, so programs are
// compiled per call rather than cached.
func (r *ScriptRunner) Run(ctx context.Context, code string, env map[string]any) (map[string]any, error) {
	if code == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "script code is empty")
	}

	prg, err := expr.Compile(code, append(r.toolkit(ctx), expr.AllowUndefinedVariables())...)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "script compile error: %s", err.Error()).WithCause(err)
	}

	if env == nil {
		env = map[string]any{}
	}
	out, err := vm.Run(prg, env)
	if err != nil {
		code := schema.ErrCodeExecution
		if schema.HasCode(err, schema.ErrCodeStore) {
			code = schema.ErrCodeStore
		}
		return nil, schema.NewErrorf(code, "script failed: %s", err.Error()).WithCause(err)
	}

	switch v := out.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return v, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "script must return a record or nil, got %T", out)
	}
}

func (r *ScriptRunner) toolkit(ctx context.Context) []expr.Option {
	return []expr.Option{
		expr.Function("table_rows", func(params ...any) (any, error) {
			if len(params) < 1 || len(params) > 2 {
				return nil, fmt.Errorf("table_rows(table, where?) takes 1 or 2 arguments, got %d", len(params))
			}
			table, ok := params[0].(string)
			if !ok {
				return nil, fmt.Errorf("table_rows: table must be a string, got %T", params[0])
			}
			var where map[string]any
			if len(params) == 2 && params[1] != nil {
				where, ok = params[1].(map[string]any)
				if !ok {
					return nil, fmt.Errorf("table_rows: where must be a record, got %T", params[1])
				}
			}
			return r.queryRows(ctx, table, where)
		}),
		expr.Function("table_insert", func(params ...any) (any, error) {
			if len(params) != 2 {
				return nil, fmt.Errorf("table_insert(table, row) takes 2 arguments, got %d", len(params))
			}
			table, ok := params[0].(string)
			if !ok {
				return nil, fmt.Errorf("table_insert: table must be a string, got %T", params[0])
			}
			row, ok := params[1].(map[string]any)
			if !ok {
				return nil, fmt.Errorf("table_insert: row must be a record, got %T", params[1])
			}
			if r.tables == nil {
				return nil, fmt.Errorf("table_insert: no table store configured")
			}
			id, err := r.tables.InsertRow(ctx, table, row)
			if err != nil {
				return nil, TableError("table_insert", err)
			}
			return int(id), nil
		}),
		expr.Function("fail", func(params ...any) (any, error) {
			msg := "script failed"
			if len(params) > 0 {
				msg = fmt.Sprint(params[0])
			}
			return nil, fmt.Errorf("%s", msg)
		}),
	}
}

func (r *ScriptRunner) queryRows(ctx context.Context, table string, where map[string]any) ([]any, error) {
	if r.tables == nil {
		return nil, fmt.Errorf("table_rows: no table store configured")
	}
	rows, err := r.tables.QueryRows(ctx, table, where)
	if err != nil {
		return nil, TableError("table_rows", err)
	}
	return RowsToRecords(rows), nil
}

// TableError keeps a StepflowError from the table store as is and marks any
// other failure as a STORE_ERROR, so outages are not mistaken for script
// errors.
func TableError(op string, err error) error {
	var se *schema.StepflowError
	if errors.As(err, &se) {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err).WithCause(err)
}

// RowsToRecords flattens store rows into records carrying their "id".
func RowsToRecords(rows []*store.Row) []any {
	out := make([]any, 0, len(rows))
	for _, row := range rows {
		rec := make(map[string]any, len(row.Data)+1)
		for k, v := range row.Data {
			rec[k] = v
		}
		rec["id"] = row.ID
		out = append(out, rec)
	}
	return out
}
