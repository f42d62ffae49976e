package validation

import (
	"encoding/json"
	"strings"

	"github.com/rendis/stepflow/pkg/schema"
)

// builtinConfigSchemas holds the configuration schema of each engine-dispatched kind.
var builtinConfigSchemas = map[string]string{
	schema.ActionSetContext: `{
  "type": "object",
  "properties": {"ctx_values": {"type": "string", "minLength": 1}},
  "required": ["ctx_values"]
}`,
	schema.ActionForLoop: `{
  "type": "object",
  "properties": {
    "array_expression": {"type": "string", "minLength": 1},
    "item_variable": {"type": "string", "minLength": 1},
    "loop_body_initial_step": {"type": "string", "minLength": 1}
  },
  "required": ["array_expression", "item_variable", "loop_body_initial_step"]
}`,
	schema.ActionSetErrorHandler: `{
  "type": "object",
  "properties": {"error_handling_step": {"type": "string", "minLength": 1}},
  "required": ["error_handling_step"]
}`,
	schema.ActionUserForm: `{
  "type": "object",
  "properties": {
    "user_id_expression": {"type": "string"},
    "user_form_questions": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "label": {"type": "string"},
          "var_name": {"type": "string", "minLength": 1},
          "qtype": {"enum": ["Yes/No", "Checkbox", "Free text", "Multiple choice", "Integer", "Float"]},
          "options": {"type": "string"}
        },
        "required": ["var_name", "qtype"]
      }
    }
  }
}`,
	schema.ActionOutput: `{
  "type": "object",
  "properties": {
    "output_text": {"type": "string"},
    "markdown": {"type": "boolean"}
  },
  "required": ["output_text"]
}`,
	schema.ActionDataOutput: `{
  "type": "object",
  "properties": {"output_expr": {"type": "string", "minLength": 1}},
  "required": ["output_expr"]
}`,
	schema.ActionWaitUntil: `{
  "type": "object",
  "properties": {"resume_at": {"type": "string", "minLength": 1}},
  "required": ["resume_at"]
}`,
	schema.ActionWaitNextTick: `{"type": "object"}`,
}

// BuiltinConfigSchema returns the configuration schema of an engine-dispatched kind.
func BuiltinConfigSchema(actionName string) (json.RawMessage, bool) {
	raw, ok := builtinConfigSchemas[actionName]
	if !ok {
		return nil, false
	}
	return json.RawMessage(raw), true
}

// FormAnswerSchema derives the JSON Schema accepted as answers to a UserForm.
// Answers are optional and keys outside the questions are rejected.
func FormAnswerSchema(questions []schema.FormQuestion) []byte {
	props := make(map[string]any, len(questions))
	for _, q := range questions {
		if q.VarName == "" {
			continue
		}
		props[q.VarName] = answerProperty(q)
	}
	doc := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	b, _ := json.Marshal(doc)
	return b
}

func answerProperty(q schema.FormQuestion) map[string]any {
	switch q.QType {
	case schema.QTypeYesNo:
		return map[string]any{"enum": []string{"Yes", "No"}}
	case schema.QTypeCheckbox:
		return map[string]any{"type": "boolean"}
	case schema.QTypeFreeText:
		return map[string]any{"type": "string"}
	case schema.QTypeMultipleChoice:
		opts := SplitOptions(q.Options)
		if len(opts) == 0 {
			return map[string]any{"type": "string"}
		}
		return map[string]any{"enum": opts}
	case schema.QTypeInteger:
		return map[string]any{"type": "integer"}
	case schema.QTypeFloat:
		return map[string]any{"type": "number"}
	default:
		return map[string]any{}
	}
}

// SplitOptions splits a comma-separated option list, trimming blanks.
func SplitOptions(options string) []string {
	var out []string
	for _, o := range strings.Split(options, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
