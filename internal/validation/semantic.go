package validation

import (
	"fmt"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/pkg/schema"
)

// validateSemantic checks cross-step references of a step graph: unique names,
// a single initial step, literal next_step targets, loop body entries and
// error handler targets.
func validateSemantic(steps []*schema.WorkflowStep) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	names := make(map[string]bool, len(steps))
	initial := 0
	for _, s := range steps {
		if names[s.Name] {
			result.AddError(s.Name, "name", fmt.Sprintf("duplicate step name %q", s.Name))
		}
		names[s.Name] = true
		if s.InitialStep {
			initial++
		}
	}

	switch {
	case len(steps) == 0:
		result.AddWarning("", "steps", "workflow has no steps")
	case initial == 0:
		result.AddWarning("", "initial_step", "no initial step; runs will fail to start")
	case initial > 1:
		result.AddError("", "initial_step", fmt.Sprintf("%d steps are marked initial", initial))
	}

	for _, s := range steps {
		validateStepRefs(s, names, result)
	}
	return result
}

func validateStepRefs(s *schema.WorkflowStep, names map[string]bool, result *schema.ValidationResult) {
	if s.NextStep != "" && !names[s.NextStep] && expressions.IsIdentifier(s.NextStep) {
		result.AddWarning(s.Name, "next_step",
			fmt.Sprintf("next_step %q names no step and will be evaluated as an expression", s.NextStep))
	}

	switch s.ActionName {
	case schema.ActionForLoop:
		body := s.ConfigString("loop_body_initial_step")
		if body != "" && !names[body] {
			result.AddError(s.Name, "configuration.loop_body_initial_step",
				fmt.Sprintf("references non-existent step %q", body))
		}
		if body == s.Name {
			result.AddError(s.Name, "configuration.loop_body_initial_step", "loop body cannot be the loop step itself")
		}
	case schema.ActionSetErrorHandler:
		handler := s.ConfigString("error_handling_step")
		if handler != "" && !names[handler] {
			result.AddError(s.Name, "configuration.error_handling_step",
				fmt.Sprintf("references non-existent step %q", handler))
		}
	}
}

// Successors lists the steps a step can hand control to: its literal next_step,
// every step named inside an expression next_step, a loop body entry and an
// error handler.
func Successors(s *schema.WorkflowStep, names map[string]bool) []string {
	var out []string
	add := func(n string) {
		if names[n] {
			out = append(out, n)
		}
	}

	if s.NextStep != "" {
		if names[s.NextStep] {
			add(s.NextStep)
		} else {
			for _, id := range expressions.Identifiers(s.NextStep) {
				add(id)
			}
		}
	}
	switch s.ActionName {
	case schema.ActionForLoop:
		add(s.ConfigString("loop_body_initial_step"))
	case schema.ActionSetErrorHandler:
		add(s.ConfigString("error_handling_step"))
	}
	return out
}
