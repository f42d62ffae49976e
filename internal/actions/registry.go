package actions

import (
	"context"
	"sort"
	"sync"

	"github.com/rendis/stepflow/pkg/schema"
)

// Resolver supplies actions the registry does not hold statically, such as
// user-defined workflows invoked by name. It returns a NOT_FOUND error when
// the name is unknown.
type Resolver func(ctx context.Context, name string) (Action, error)

// Registry holds the actions a step's action_name can refer to besides the
// engine's own kinds. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	actions  map[string]Action
	resolver Resolver
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		actions: make(map[string]Action),
	}
}

// Register adds actions. Either all of them are added or, on the first
// invalid, reserved or duplicate name, none are.
func (r *Registry) Register(acts ...Action) error {
	batch := make(map[string]Action, len(acts))
	for _, a := range acts {
		if a == nil {
			return schema.NewError(schema.ErrCodeValidation, "action is nil")
		}
		name := a.Name()
		switch {
		case name == "":
			return schema.NewError(schema.ErrCodeValidation, "action name is empty")
		case schema.EngineActions[name]:
			return schema.NewErrorf(schema.ErrCodeConflict, "action %q is reserved for the engine", name)
		}
		if _, dup := batch[name]; dup {
			return schema.NewErrorf(schema.ErrCodeConflict, "action %q registered twice", name)
		}
		batch[name] = a
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for name := range batch {
		if _, exists := r.actions[name]; exists {
			return schema.NewErrorf(schema.ErrCodeConflict, "action %q already registered", name)
		}
	}
	for name, a := range batch {
		r.actions[name] = a
	}
	return nil
}

// SetResolver installs the fallback consulted by Lookup.
func (r *Registry) SetResolver(res Resolver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolver = res
}

// Get retrieves a statically registered action by name.
func (r *Registry) Get(name string) (Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	action, ok := r.actions[name]
	if !ok {
		return nil, unavailable(name)
	}
	return action, nil
}

// Lookup resolves name against the registered actions, then the resolver.
// Resolved actions are not kept.
func (r *Registry) Lookup(ctx context.Context, name string) (Action, error) {
	r.mu.RLock()
	action, ok := r.actions[name]
	res := r.resolver
	r.mu.RUnlock()

	if ok {
		return action, nil
	}
	if res == nil {
		return nil, unavailable(name)
	}
	action, err := res(ctx, name)
	if err != nil {
		if schema.IsNotFound(err) {
			return nil, schema.NewErrorf(schema.ErrCodeActionUnavailable,
				"action %q is neither registered nor a known workflow", name).WithCause(err)
		}
		return nil, err
	}
	return action, nil
}

// List describes every registered action, sorted by name.
func (r *Registry) List() []ActionInfo {
	r.mu.RLock()
	infos := make([]ActionInfo, 0, len(r.actions))
	for name, a := range r.actions {
		s := a.Schema()
		infos = append(infos, ActionInfo{
			Name:         name,
			Kind:         ActionKindRegistry,
			Description:  s.Description,
			ConfigSchema: s.ConfigSchema,
		})
	}
	r.mu.RUnlock()

	sortInfos(infos)
	return infos
}

// Catalog is List plus the engine's own step kinds, which have no schema.
func (r *Registry) Catalog() []ActionInfo {
	infos := r.List()
	for name := range schema.EngineActions {
		infos = append(infos, ActionInfo{Name: name, Kind: ActionKindEngine})
	}
	sortInfos(infos)
	return infos
}

// Has checks if an action is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.actions[name]
	return ok
}

// Len returns the number of registered actions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.actions)
}

func unavailable(name string) *schema.StepflowError {
	return schema.NewErrorf(schema.ErrCodeActionUnavailable, "action %q not registered", name)
}

func sortInfos(infos []ActionInfo) {
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
}

var _ ActionRegistry = (*Registry)(nil)
