package actions

import (
	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/validation"
)

// BuiltinDeps holds what the registry built-ins need.
type BuiltinDeps struct {
	Validator *validation.JSONSchemaValidator
	Interp    *expressions.Interpolator
	Scripts   ScriptActionDeps
	HTTP      HTTPConfig
}

// RegisterBuiltins registers all built-in registry actions. Workflow actions
// are registered separately once the engine exists.
func RegisterBuiltins(reg *Registry, deps BuiltinDeps) error {
	all := make([]Action, 0, 16)
	all = append(all, ScriptActions(deps.Scripts)...)
	all = append(all, HTTPActions(deps.HTTP, deps.Interp)...)
	all = append(all, AssertActions(deps.Validator, deps.Interp)...)

	return reg.Register(all...)
}
