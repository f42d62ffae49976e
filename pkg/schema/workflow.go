package schema

import "time"

// Built-in action kinds handled directly by the run engine.
const (
	ActionSetContext      = "SetContext"
	ActionForLoop         = "ForLoop"
	ActionSetErrorHandler = "SetErrorHandler"
	ActionUserForm        = "UserForm"
	ActionOutput          = "Output"
	ActionDataOutput      = "DataOutput"
	ActionWaitUntil       = "WaitUntil"
	ActionWaitNextTick    = "WaitNextTick"
)

// Registry action kinds shipped with stepflow.
const (
	ActionRunJSCode  = "run_js_code"
	ActionTableQuery = "TableQuery"
)

// EngineActions lists the action kinds dispatched by the engine itself rather than the registry.
var EngineActions = map[string]bool{
	ActionSetContext:      true,
	ActionForLoop:         true,
	ActionSetErrorHandler: true,
	ActionUserForm:        true,
	ActionOutput:          true,
	ActionDataOutput:      true,
	ActionWaitUntil:       true,
	ActionWaitNextTick:    true,
}

// IsSuspendingAction reports whether reaching a step of this kind suspends the run.
func IsSuspendingAction(actionName string) bool {
	switch actionName {
	case ActionUserForm, ActionOutput, ActionDataOutput, ActionWaitUntil, ActionWaitNextTick:
		return true
	}
	return false
}

// Workflow is a named, persisted graph of steps.
type Workflow struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// WorkflowStep is one named node of a workflow's step graph.
type WorkflowStep struct {
	ID            string         `json:"id"`
	WorkflowID    string         `json:"workflow_id"`
	Name          string         `json:"name"`
	ActionName    string         `json:"action_name"`
	Configuration map[string]any `json:"configuration,omitempty"`
	NextStep      string         `json:"next_step,omitempty"`
	OnlyIf        string         `json:"only_if,omitempty"`
	InitialStep   bool           `json:"initial_step,omitempty"`
}

// ConfigString returns a string configuration value, or "" when absent or not a string.
func (s *WorkflowStep) ConfigString(key string) string {
	if s.Configuration == nil {
		return ""
	}
	v, _ := s.Configuration[key].(string)
	return v
}

// ConfigBool returns a boolean configuration value, or false when absent.
func (s *WorkflowStep) ConfigBool(key string) bool {
	if s.Configuration == nil {
		return false
	}
	v, _ := s.Configuration[key].(bool)
	return v
}

// Question types accepted by UserForm steps.
const (
	QTypeYesNo          = "Yes/No"
	QTypeCheckbox       = "Checkbox"
	QTypeFreeText       = "Free text"
	QTypeMultipleChoice = "Multiple choice"
	QTypeInteger        = "Integer"
	QTypeFloat          = "Float"
)

// FormQuestion is a single entry of a UserForm step's user_form_questions.
type FormQuestion struct {
	Label   string `json:"label"`
	VarName string `json:"var_name"`
	QType   string `json:"qtype"`
	Options string `json:"options,omitempty"` // comma-separated, Multiple choice only
}

// FormField is the renderable description of a FormQuestion.
type FormField struct {
	Label     string   `json:"label"`
	Name      string   `json:"name"`
	Type      string   `json:"type,omitempty"`
	Options   []string `json:"options,omitempty"`
	FieldView string   `json:"fieldview,omitempty"`
}
