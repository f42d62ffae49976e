package validation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/pkg/schema"
)

func newValidator(t *testing.T) *JSONSchemaValidator {
	t.Helper()
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	return v
}

func TestValidateDocument_Valid(t *testing.T) {
	v := newValidator(t)
	s := []byte(`{"type":"object","properties":{"n":{"type":"integer"}},"required":["n"]}`)

	assert.NoError(t, v.ValidateDocument(map[string]any{"n": float64(3)}, s))
	assert.NoError(t, v.ValidateDocument(map[string]any{"n": 3}, s))
}

func TestValidateDocument_Invalid(t *testing.T) {
	v := newValidator(t)
	s := []byte(`{"type":"object","properties":{"n":{"type":"integer"}},"required":["n"]}`)

	err := v.ValidateDocument(map[string]any{"n": 2.5}, s)
	require.Error(t, err)

	var se *schema.StepflowError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, schema.ErrCodeValidation, se.Code)
	require.Len(t, Violations(err), 1)
	assert.Contains(t, Violations(err)[0], "/n")
}

func TestValidateDocument_MultipleViolations(t *testing.T) {
	v := newValidator(t)
	s := []byte(`{"type":"object","properties":{"a":{"type":"string"},"b":{"type":"boolean"}}}`)

	err := v.ValidateDocument(map[string]any{"a": 1, "b": "x"}, s)
	require.Error(t, err)
	assert.Len(t, Violations(err), 2)
	assert.Contains(t, err.Error(), "validation failed with 2 errors")
}

func TestValidateDocument_EmptySchemaAcceptsAnything(t *testing.T) {
	v := newValidator(t)
	assert.NoError(t, v.ValidateDocument([]any{1, "two"}, nil))
}

func TestValidateDocument_BadSchema(t *testing.T) {
	v := newValidator(t)
	err := v.ValidateDocument(map[string]any{}, []byte(`{not json`))
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	assert.Contains(t, err.Error(), "invalid schema")
}

func TestValidateDocument_CachesCompiledSchema(t *testing.T) {
	v := newValidator(t)
	s := []byte(`{"type":"string"}`)
	before := len(v.cache)

	require.NoError(t, v.ValidateDocument("a", s))
	require.NoError(t, v.ValidateDocument("b", s))
	assert.Len(t, v.cache, before+1)
}

func TestValidateConfig_Builtins(t *testing.T) {
	v := newValidator(t)

	assert.NoError(t, v.ValidateConfig(schema.ActionSetContext, map[string]any{"ctx_values": "{x: 1}"}))
	assert.Error(t, v.ValidateConfig(schema.ActionSetContext, map[string]any{}))

	assert.NoError(t, v.ValidateConfig(schema.ActionForLoop, map[string]any{
		"array_expression": "[1,2]", "item_variable": "v", "loop_body_initial_step": "body",
	}))
	assert.Error(t, v.ValidateConfig(schema.ActionForLoop, map[string]any{"array_expression": "[1,2]"}))

	assert.NoError(t, v.ValidateConfig(schema.ActionUserForm, map[string]any{
		"user_form_questions": []any{map[string]any{"label": "Age", "var_name": "age", "qtype": "Integer"}},
	}))
	assert.Error(t, v.ValidateConfig(schema.ActionUserForm, map[string]any{
		"user_form_questions": []any{map[string]any{"var_name": "age", "qtype": "Date"}},
	}))

	assert.NoError(t, v.ValidateConfig(schema.ActionWaitNextTick, nil))
	assert.NoError(t, v.ValidateConfig("http.request", map[string]any{}), "registry kinds are not checked here")
}

func TestFormAnswerSchema(t *testing.T) {
	v := newValidator(t)
	questions := []schema.FormQuestion{
		{Label: "OK?", VarName: "ok", QType: schema.QTypeYesNo},
		{Label: "Agree", VarName: "agree", QType: schema.QTypeCheckbox},
		{Label: "Name", VarName: "name", QType: schema.QTypeFreeText},
		{Label: "Color", VarName: "color", QType: schema.QTypeMultipleChoice, Options: "Red, Green ,Blue"},
		{Label: "Age", VarName: "age", QType: schema.QTypeInteger},
		{Label: "Score", VarName: "score", QType: schema.QTypeFloat},
	}
	s := FormAnswerSchema(questions)

	assert.NoError(t, v.ValidateDocument(map[string]any{
		"ok": "Yes", "agree": true, "name": "Ann", "color": "Green", "age": float64(41), "score": 2.5,
	}, s))
	assert.NoError(t, v.ValidateDocument(map[string]any{}, s), "answers are optional")

	cases := map[string]map[string]any{
		"yes/no":          {"ok": "Maybe"},
		"checkbox":        {"agree": "yes"},
		"multiple choice": {"color": "Purple"},
		"integer":         {"age": 41.5},
		"float":           {"score": "high"},
		"unknown key":     {"other": 1},
	}
	for name, values := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, v.ValidateDocument(values, s))
		})
	}
}

func TestSplitOptions(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, SplitOptions(" a, b,,c "))
	assert.Nil(t, SplitOptions(""))
}
