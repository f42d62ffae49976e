package actions

import (
	"context"
	"encoding/json"

	"github.com/rendis/stepflow/pkg/schema"
)

// Action is a registry-dispatched step kind. It receives the step configuration
// and a copy of the run context and returns a delta to merge into the context.
type Action interface {
	Name() string
	Schema() ActionSchema
	Execute(ctx context.Context, input ActionInput) (*ActionOutput, error)
	Validate(config map[string]any) error
}

// ActionRegistry manages the lifecycle and lookup of available actions.
type ActionRegistry interface {
	Register(acts ...Action) error
	Get(name string) (Action, error)
	Lookup(ctx context.Context, name string) (Action, error)
	List() []ActionInfo
}

// ActionSchema describes the configuration contract of an action.
type ActionSchema struct {
	ConfigSchema json.RawMessage `json:"config_schema,omitempty"`
	Description  string          `json:"description,omitempty"`
}

// ActionInput is the data provided to an action at execution time.
type ActionInput struct {
	Config     map[string]any    `json:"config"`
	Context    map[string]any    `json:"context,omitempty"`
	Principal  *schema.Principal `json:"principal,omitempty"`
	WorkflowID string            `json:"workflow_id,omitempty"`
	RunID      string            `json:"run_id,omitempty"`
	Step       string            `json:"step,omitempty"`
}

// ActionOutput is the result of an action execution. Delta is merged
// key-by-key into the run context.
type ActionOutput struct {
	Delta map[string]any `json:"delta,omitempty"`
}

// Action kinds reported by ActionInfo.
const (
	ActionKindEngine   = "engine"
	ActionKindRegistry = "registry"
)

// ActionInfo describes an available action.
type ActionInfo struct {
	Name         string          `json:"name"`
	Kind         string          `json:"kind"`
	Description  string          `json:"description,omitempty"`
	ConfigSchema json.RawMessage `json:"config_schema,omitempty"`
}

// delta is shorthand for an output that sets one context key.
func delta(key string, value any) *ActionOutput {
	return &ActionOutput{Delta: map[string]any{key: value}}
}

// Config lookups. A missing key or a value of the wrong type yields the default.

func param[T any](m map[string]any, key string, defaultVal T) T {
	if v, ok := m[key].(T); ok {
		return v
	}
	return defaultVal
}

func stringParam(m map[string]any, key, defaultVal string) string {
	return param(m, key, defaultVal)
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	return param(m, key, defaultVal)
}

// intParam also accepts the float64 and json.Number forms numbers take after
// a JSON round-trip.
func intParam(m map[string]any, key string, defaultVal int) int {
	switch n := m[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i)
		}
	}
	return defaultVal
}
