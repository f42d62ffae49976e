package validation

import (
	"fmt"

	"github.com/rendis/stepflow/pkg/schema"
)

// validateReachability walks the step graph breadth-first from the initial
// step and warns about steps no path reaches. Cycles are legal: loops and
// retry paths point backwards.
func validateReachability(steps []*schema.WorkflowStep) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	names := make(map[string]bool, len(steps))
	byName := make(map[string]*schema.WorkflowStep, len(steps))
	var roots []string
	for _, s := range steps {
		names[s.Name] = true
		byName[s.Name] = s
		if s.InitialStep {
			roots = append(roots, s.Name)
		}
	}
	if len(roots) == 0 {
		return result
	}

	reachable := make(map[string]bool, len(steps))
	queue := make([]string, 0, len(steps))
	for _, r := range roots {
		reachable[r] = true
		queue = append(queue, r)
	}

	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, next := range Successors(byName[node], names) {
			if !reachable[next] {
				reachable[next] = true
				queue = append(queue, next)
			}
		}
	}

	for _, s := range steps {
		if !reachable[s.Name] {
			result.AddWarning(s.Name, "name",
				fmt.Sprintf("step %q is unreachable from the initial step", s.Name))
		}
	}
	return result
}
