package validation

import (
	"context"
	"encoding/json"

	"github.com/rendis/stepflow/pkg/schema"
)

// SchemaLookup returns the configuration schema of a registry action kind.
// It returns an ACTION_UNAVAILABLE error for unknown kinds.
type SchemaLookup func(ctx context.Context, actionName string) (json.RawMessage, error)

// Validator checks steps and step graphs before they are stored or run.
type Validator interface {
	ValidateStep(ctx context.Context, step *schema.WorkflowStep) *schema.ValidationResult
	ValidateGraph(ctx context.Context, steps []*schema.WorkflowStep) *schema.ValidationResult
	ValidateDocument(doc any, schemaJSON []byte) error
}
