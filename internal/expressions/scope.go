package expressions

import (
	"encoding/json"

	"github.com/rendis/stepflow/pkg/schema"
)

// Scope builds the variable environment for one evaluation.
// Later layers override earlier ones: context keys, then `user`, then step names.
type Scope struct {
	vars map[string]any
}

// NewScope starts a scope from a deep copy of the run context so evaluation
// can never mutate the persisted record.
func NewScope(runCtx map[string]any) *Scope {
	vars := deepCopyMap(runCtx)
	if vars == nil {
		vars = make(map[string]any)
	}
	return &Scope{vars: vars}
}

// WithUser binds the acting principal as `user`.
func (s *Scope) WithUser(p *schema.Principal) *Scope {
	if p == nil {
		s.vars["user"] = map[string]any{}
		return s
	}
	s.vars["user"] = map[string]any{"id": p.ID, "email": p.Email, "role": p.Role}
	return s
}

// WithStepNames binds every step name to itself, overriding same-named context keys.
func (s *Scope) WithStepNames(names []string) *Scope {
	for _, n := range names {
		s.vars[n] = n
	}
	return s
}

// With binds a single variable.
func (s *Scope) With(key string, value any) *Scope {
	s.vars[key] = value
	return s
}

// Map returns the assembled environment.
func (s *Scope) Map() map[string]any {
	return s.vars
}

// DeepCopy returns a deep copy of a JSON-like record.
func DeepCopy(m map[string]any) map[string]any {
	return deepCopyMap(m)
}

// --- Deep copy utilities ---

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively deep-copies a value.
// Handles maps, slices, and primitives (which are inherently immutable).
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}
