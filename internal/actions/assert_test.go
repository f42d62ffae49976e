package actions

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/validation"
	"github.com/rendis/stepflow/pkg/schema"
)

func findAssertAction(t *testing.T, name string) Action {
	t.Helper()
	v, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)
	for _, a := range AssertActions(v, newInterp(t)) {
		if a.Name() == name {
			return a
		}
	}
	t.Fatalf("action %s not found", name)
	return nil
}

func execAssert(t *testing.T, name string, config, runCtx map[string]any) error {
	t.Helper()
	_, err := findAssertAction(t, name).Execute(context.Background(), ActionInput{Config: config, Context: runCtx})
	return err
}

func requireAssertionFailure(t *testing.T, err error) *schema.StepflowError {
	t.Helper()
	require.Error(t, err)
	var se *schema.StepflowError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, schema.ErrCodeExecution, se.Code)
	return se
}

func TestAssertEquals_AgainstContext(t *testing.T) {
	runCtx := map[string]any{"results": []any{4.0, 5.0}, "n": 2.0}

	assert.NoError(t, execAssert(t, "assert.equals",
		map[string]any{"expected": []any{4, 5}, "actual": "{{ results }}"}, runCtx))
	assert.NoError(t, execAssert(t, "assert.equals",
		map[string]any{"expected": 2, "actual": "{{ n }}"}, runCtx))

	se := requireAssertionFailure(t, execAssert(t, "assert.equals",
		map[string]any{"expected": 3, "actual": "{{ n }}", "message": "n drifted"}, runCtx))
	assert.Equal(t, "n drifted", se.Message)
	assert.Equal(t, 2.0, se.Details["actual"])
}

func TestAssertEquals_DeepMaps(t *testing.T) {
	assert.NoError(t, execAssert(t, "assert.equals", map[string]any{
		"expected": map[string]any{"a": map[string]any{"b": 1}},
		"actual":   map[string]any{"a": map[string]any{"b": 1.0}},
	}, nil))
}

func TestAssertEquals_MissingParam(t *testing.T) {
	err := execAssert(t, "assert.equals", map[string]any{"actual": 1}, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestAssertContains(t *testing.T) {
	runCtx := map[string]any{"tags": []any{"red", "blue"}, "title": "hello world"}

	assert.NoError(t, execAssert(t, "assert.contains", map[string]any{"haystack": "{{ tags }}", "needle": "blue"}, runCtx))
	assert.NoError(t, execAssert(t, "assert.contains", map[string]any{"haystack": "{{ title }}", "needle": "world"}, runCtx))

	requireAssertionFailure(t, execAssert(t, "assert.contains",
		map[string]any{"haystack": "{{ tags }}", "needle": "green"}, runCtx))
	requireAssertionFailure(t, execAssert(t, "assert.contains",
		map[string]any{"haystack": 42, "needle": 4}, runCtx))
}

func TestAssert_RequiredParamsAndSchemas(t *testing.T) {
	for _, a := range AssertActions(nil, nil) {
		err := a.Validate(map[string]any{})
		assert.True(t, schema.HasCode(err, schema.ErrCodeValidation), a.Name())
	}

	eq := findAssertAction(t, "assert.equals")
	assert.NotEmpty(t, eq.Schema().ConfigSchema)
	assert.Empty(t, findAssertAction(t, "assert.contains").Schema().ConfigSchema)
}

func TestAssertMatches(t *testing.T) {
	runCtx := map[string]any{"code": "INV-0042"}

	assert.NoError(t, execAssert(t, "assert.matches",
		map[string]any{"value": "{{ code }}", "pattern": `^INV-\d+$`}, runCtx))
	requireAssertionFailure(t, execAssert(t, "assert.matches",
		map[string]any{"value": "{{ code }}", "pattern": `^PO-`}, runCtx))

	err := execAssert(t, "assert.matches", map[string]any{"value": "x", "pattern": "("}, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestAssertSchema(t *testing.T) {
	s := map[string]any{
		"type":       "object",
		"properties": map[string]any{"qty": map[string]any{"type": "integer", "minimum": 1}},
		"required":   []any{"qty"},
	}

	assert.NoError(t, execAssert(t, "assert.schema",
		map[string]any{"data": "{{ order }}", "schema": s}, map[string]any{"order": map[string]any{"qty": 2.0}}))

	se := requireAssertionFailure(t, execAssert(t, "assert.schema",
		map[string]any{"data": "{{ order }}", "schema": s}, map[string]any{"order": map[string]any{"qty": 0.0}}))
	assert.NotEmpty(t, se.Details["violations"])
}

func TestAssertSchema_NoValidator(t *testing.T) {
	a := AssertActions(nil, nil)[3]
	require.Equal(t, "assert.schema", a.Name())
	_, err := a.Execute(context.Background(), ActionInput{Config: map[string]any{"data": 1, "schema": map[string]any{}}})
	assert.True(t, schema.HasCode(err, schema.ErrCodeExecution))
}
