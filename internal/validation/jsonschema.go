package validation

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/stepflow/pkg/schema"
)

// JSONSchemaValidator compiles and caches JSON Schema Draft 2020-12 documents
// and validates arbitrary values against them. It is safe for concurrent use.
type JSONSchemaValidator struct {
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a JSONSchemaValidator with the configuration
// schemas of the engine-dispatched step kinds pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	v := &JSONSchemaValidator{cache: make(map[string]*jsonschema.Schema)}
	for kind, raw := range builtinConfigSchemas {
		if _, err := v.getOrCompile([]byte(raw)); err != nil {
			return nil, fmt.Errorf("compile %s config schema: %w", kind, err)
		}
	}
	return v, nil
}

// ValidateDocument validates doc against the JSON Schema in schemaJSON.
// An empty schema accepts everything.
func (v *JSONSchemaValidator) ValidateDocument(doc any, schemaJSON []byte) error {
	if len(schemaJSON) == 0 {
		return nil
	}

	compiled, err := v.getOrCompile(schemaJSON)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid schema").WithCause(err)
	}

	// Numbers must be json.Number for the validator.
	value, err := toJSONValue(doc)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize document").WithCause(err)
	}

	if err := compiled.Validate(value); err != nil {
		return toStepflowError(err)
	}
	return nil
}

// ValidateConfig validates a step configuration against the schema of an
// engine-dispatched kind. Registry kinds pass their own schema to ValidateDocument.
func (v *JSONSchemaValidator) ValidateConfig(actionName string, config map[string]any) error {
	raw, ok := builtinConfigSchemas[actionName]
	if !ok {
		return nil
	}
	if config == nil {
		config = map[string]any{}
	}
	return v.ValidateDocument(config, []byte(raw))
}

// getOrCompile returns the compiled form of schemaBytes, compiling it on
// first use. Two callers racing on a new schema both compile; the first
// stored wins.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	compiled, ok := v.cache[key]
	v.mu.RUnlock()
	if ok {
		return compiled, nil
	}

	compiled, err := compileSchema(key)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if existing, ok := v.cache[key]; ok {
		return existing, nil
	}
	v.cache[key] = compiled
	return compiled, nil
}

// compileSchema compiles one document with its own compiler, addressed by a
// content hash so $ref resolution never crosses schemas.
func compileSchema(raw string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	sum := sha256.Sum256([]byte(raw))
	url := "stepflow://schema/" + hex.EncodeToString(sum[:8]) + ".json"

	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON so that numeric values
// become json.Number.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toStepflowError flattens a jsonschema.ValidationError into a StepflowError
// whose details list every leaf violation as "location: message".
func toStepflowError(err error) *schema.StepflowError {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr, nil)
	switch len(violations) {
	case 0:
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	case 1:
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
			WithDetails(map[string]any{"violations": violations})
	}
}

func collectViolations(verr *jsonschema.ValidationError, out []string) []string {
	if len(verr.Causes) > 0 {
		for _, cause := range verr.Causes {
			out = collectViolations(cause, out)
		}
		return out
	}
	return append(out, "/"+strings.Join(verr.InstanceLocation, "/")+": "+verr.Error())
}

// Violations extracts the violation list attached by ValidateDocument.
func Violations(err error) []string {
	var se *schema.StepflowError
	if !errors.As(err, &se) || se.Details == nil {
		return nil
	}
	v, _ := se.Details["violations"].([]string)
	return v
}
