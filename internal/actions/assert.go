package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/validation"
	"github.com/rendis/stepflow/pkg/schema"
)

// AssertActions returns assert.equals, assert.contains, assert.matches and
// assert.schema. Parameters are expanded against the run context first, so
// "{{ total }}" compares live values. A failed assertion is an
// EXECUTION_ERROR carrying the optional "message" parameter, which the run's
// error handler can catch.
func AssertActions(validator *validation.JSONSchemaValidator, interp *expressions.Interpolator) []Action {
	return []Action{
		&assertion{
			name:        "assert.equals",
			description: "Assert that two values are deeply equal",
			required:    []string{"expected", "actual"},
			config:      `{"type":"object","properties":{"expected":{},"actual":{},"message":{"type":"string"}},"required":["expected","actual"]}`,
			interp:      interp,
			check:       checkEquals,
		},
		&assertion{
			name:        "assert.contains",
			description: "Assert that a string or array contains a value",
			required:    []string{"haystack", "needle"},
			interp:      interp,
			check:       checkContains,
		},
		&assertion{
			name:        "assert.matches",
			description: "Assert that a string matches a regular expression",
			required:    []string{"value", "pattern"},
			interp:      interp,
			check:       checkMatches,
		},
		&assertion{
			name:        "assert.schema",
			description: "Assert that data conforms to a JSON Schema",
			required:    []string{"data", "schema"},
			config:      `{"type":"object","properties":{"data":{},"schema":{"type":"object"},"message":{"type":"string"}},"required":["data","schema"]}`,
			interp:      interp,
			check:       schemaCheck(validator),
		},
	}
}

// checkFunc inspects expanded parameters. A non-empty failure fails the
// assertion with details attached; err reports unusable parameters.
type checkFunc func(params map[string]any) (failure string, details map[string]any, err error)

type assertion struct {
	name        string
	description string
	required    []string
	config      string
	interp      *expressions.Interpolator
	check       checkFunc
}

func (a *assertion) Name() string { return a.name }

func (a *assertion) Schema() ActionSchema {
	s := ActionSchema{Description: a.description}
	if a.config != "" {
		s.ConfigSchema = json.RawMessage(a.config)
	}
	return s
}

func (a *assertion) Validate(config map[string]any) error {
	for _, key := range a.required {
		if _, ok := config[key]; !ok {
			return schema.NewErrorf(schema.ErrCodeValidation, "%s requires '%s' parameter", a.name, key)
		}
	}
	return nil
}

func (a *assertion) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	if err := a.Validate(input.Config); err != nil {
		return nil, err
	}
	params, err := expandConfig(ctx, a.interp, input)
	if err != nil {
		return nil, err
	}

	failure, details, err := a.check(params)
	if err != nil {
		return nil, err
	}
	if failure == "" {
		return &ActionOutput{}, nil
	}
	if m := stringParam(params, "message", ""); m != "" {
		failure = m
	}
	return nil, schema.NewError(schema.ErrCodeExecution, failure).WithDetails(details)
}

// sameJSON compares values by their JSON encoding, so 1 and 1.0 are equal
// and map key order does not matter.
func sameJSON(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}
	return bytes.Equal(ja, jb)
}

func checkEquals(p map[string]any) (string, map[string]any, error) {
	if sameJSON(p["expected"], p["actual"]) {
		return "", nil, nil
	}
	return "assertion failed: values are not equal", map[string]any{"expected": p["expected"], "actual": p["actual"]}, nil
}

func checkContains(p map[string]any) (string, map[string]any, error) {
	haystack, needle := p["haystack"], p["needle"]
	found := false
	switch hs := haystack.(type) {
	case string:
		found = strings.Contains(hs, fmt.Sprint(needle))
	case []any:
		for _, item := range hs {
			if sameJSON(item, needle) {
				found = true
				break
			}
		}
	default:
		return fmt.Sprintf("assertion failed: haystack must be a string or array, got %T", haystack),
			map[string]any{"haystack": haystack}, nil
	}
	if found {
		return "", nil, nil
	}
	return "assertion failed: value not found", map[string]any{"haystack": haystack, "needle": needle}, nil
}

func checkMatches(p map[string]any) (string, map[string]any, error) {
	pattern, ok := p["pattern"].(string)
	if !ok {
		return "", nil, schema.NewError(schema.ErrCodeValidation, "assert.matches: 'pattern' must be a string")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", nil, schema.NewErrorf(schema.ErrCodeValidation, "assert.matches: invalid pattern: %v", err)
	}
	value := fmt.Sprint(p["value"])
	if re.MatchString(value) {
		return "", nil, nil
	}
	return "assertion failed: value does not match pattern", map[string]any{"value": value, "pattern": pattern}, nil
}

func schemaCheck(v *validation.JSONSchemaValidator) checkFunc {
	return func(p map[string]any) (string, map[string]any, error) {
		if v == nil {
			return "", nil, schema.NewError(schema.ErrCodeExecution, "assert.schema: validator not configured")
		}
		raw, err := json.Marshal(p["schema"])
		if err != nil {
			return "", nil, schema.NewErrorf(schema.ErrCodeValidation, "assert.schema: encode schema: %v", err)
		}
		err = v.ValidateDocument(p["data"], raw)
		if err == nil {
			return "", nil, nil
		}
		details := map[string]any{"error": err.Error()}
		if violations := validation.Violations(err); violations != nil {
			details["violations"] = violations
		}
		return "assertion failed: data does not match schema", details, nil
	}
}
