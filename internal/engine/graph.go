package engine

import (
	"sort"

	"github.com/rendis/stepflow/pkg/schema"
)

// Graph is the in-memory arena of a workflow's steps, indexed by name.
// Loops, handler jumps and loop-body re-entry are plain name lookups, so
// cyclic step graphs need no special treatment.
type Graph struct {
	WorkflowID string
	steps      []*schema.WorkflowStep
	index      map[string]int
}

// NewGraph indexes steps by name. Duplicate or empty names are rejected.
func NewGraph(workflowID string, steps []*schema.WorkflowStep) (*Graph, error) {
	g := &Graph{
		WorkflowID: workflowID,
		steps:      make([]*schema.WorkflowStep, 0, len(steps)),
		index:      make(map[string]int, len(steps)),
	}
	for i, s := range steps {
		if s == nil || s.Name == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "step at index %d has empty name", i)
		}
		if _, dup := g.index[s.Name]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate step name: %s", s.Name).WithStep(s.Name)
		}
		g.index[s.Name] = len(g.steps)
		g.steps = append(g.steps, s)
	}
	return g, nil
}

// Step returns the step with the given name.
func (g *Graph) Step(name string) (*schema.WorkflowStep, bool) {
	i, ok := g.index[name]
	if !ok {
		return nil, false
	}
	return g.steps[i], true
}

// Has reports whether a step with the given name exists.
func (g *Graph) Has(name string) bool {
	_, ok := g.index[name]
	return ok
}

// Initial returns the first step flagged initial_step.
func (g *Graph) Initial() (*schema.WorkflowStep, bool) {
	for _, s := range g.steps {
		if s.InitialStep {
			return s, true
		}
	}
	return nil, false
}

// Names returns the step names in sorted order.
func (g *Graph) Names() []string {
	names := make([]string, 0, len(g.steps))
	for _, s := range g.steps {
		names = append(names, s.Name)
	}
	sort.Strings(names)
	return names
}

// Steps returns the steps in load order.
func (g *Graph) Steps() []*schema.WorkflowStep {
	return g.steps
}

// Len returns the number of steps.
func (g *Graph) Len() int {
	return len(g.steps)
}
