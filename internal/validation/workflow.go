package validation

import (
	"context"
	"fmt"

	"github.com/rendis/stepflow/pkg/schema"
)

// WorkflowValidator orchestrates the validation pipeline:
// 1. Per step: required fields and configuration schema
// 2. Semantic: cross-step references
// 3. Reachability from the initial step
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	schemas    SchemaLookup
}

// NewWorkflowValidator creates a WorkflowValidator.
// lookup may be nil to skip configuration checks of registry kinds.
func NewWorkflowValidator(lookup SchemaLookup) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{jsonSchema: jsv, schemas: lookup}, nil
}

// ValidateStep checks one step in isolation.
func (wv *WorkflowValidator) ValidateStep(ctx context.Context, step *schema.WorkflowStep) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if step == nil {
		result.AddError("", "/", "step is nil")
		return result
	}
	if step.Name == "" {
		result.AddError("", "name", "step name is empty")
	}
	if step.ActionName == "" {
		result.AddError(step.Name, "action_name", "action_name is empty")
		return result
	}

	config := step.Configuration
	if config == nil {
		config = map[string]any{}
	}

	if schema.EngineActions[step.ActionName] {
		if err := wv.jsonSchema.ValidateConfig(step.ActionName, config); err != nil {
			addSchemaErrors(result, step.Name, err)
		}
		return result
	}

	if wv.schemas == nil {
		return result
	}
	raw, err := wv.schemas(ctx, step.ActionName)
	if err != nil {
		// Workflows invoked by name may be defined after their callers.
		if schema.HasCode(err, schema.ErrCodeActionUnavailable) {
			result.AddWarning(step.Name, "action_name",
				fmt.Sprintf("action %q is neither registered nor a known workflow", step.ActionName))
			return result
		}
		result.AddError(step.Name, "action_name", err.Error())
		return result
	}
	if err := wv.jsonSchema.ValidateDocument(config, raw); err != nil {
		addSchemaErrors(result, step.Name, err)
	}
	return result
}

// ValidateGraph runs every stage over a workflow's full step list.
// Semantic and reachability stages are skipped when a step is invalid.
func (wv *WorkflowValidator) ValidateGraph(ctx context.Context, steps []*schema.WorkflowStep) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	for _, s := range steps {
		result.Merge(wv.ValidateStep(ctx, s))
	}
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(steps))
	if result.Valid() {
		result.Merge(validateReachability(steps))
	}
	return result
}

// ValidateDocument delegates to the underlying JSONSchemaValidator.
func (wv *WorkflowValidator) ValidateDocument(doc any, schemaJSON []byte) error {
	return wv.jsonSchema.ValidateDocument(doc, schemaJSON)
}

// ValidateFormAnswers checks submitted values against the questions of a UserForm.
func (wv *WorkflowValidator) ValidateFormAnswers(questions []schema.FormQuestion, values map[string]any) error {
	if values == nil {
		values = map[string]any{}
	}
	return wv.jsonSchema.ValidateDocument(values, FormAnswerSchema(questions))
}

func addSchemaErrors(result *schema.ValidationResult, step string, err error) {
	violations := Violations(err)
	if len(violations) == 0 {
		result.AddError(step, "configuration", err.Error())
		return
	}
	for _, v := range violations {
		result.AddError(step, "configuration", v)
	}
}
