package schema

import "fmt"

// ValidationSeverity indicates whether an issue blocks a step graph or is advisory.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is a single problem found in a step or step graph.
type ValidationIssue struct {
	Step     string             `json:"step,omitempty"`
	Path     string             `json:"path"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

// ValidationResult aggregates the issues of one validation pass.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid returns true if there are no errors. Warnings are acceptable.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// AddError records a blocking issue. step is "" for graph-level issues.
func (r *ValidationResult) AddError(step, path, message string) {
	r.Errors = append(r.Errors, newIssue(SeverityError, step, path, message))
}

// AddWarning records an advisory issue.
func (r *ValidationResult) AddWarning(step, path, message string) {
	r.Warnings = append(r.Warnings, newIssue(SeverityWarning, step, path, message))
}

func newIssue(sev ValidationSeverity, step, path, message string) ValidationIssue {
	return ValidationIssue{Step: step, Path: path, Message: message, Severity: sev}
}

// Merge appends the issues of other.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// String renders an issue as `step "name": path: message`, leaving out the
// parts that are empty.
func (i ValidationIssue) String() string {
	msg := i.Message
	if i.Path != "" {
		msg = i.Path + ": " + msg
	}
	if i.Step != "" {
		msg = fmt.Sprintf("step %q: %s", i.Step, msg)
	}
	return msg
}

// ToError returns nil for a valid result. Otherwise it returns a
// VALIDATION_ERROR naming the single issue, or the issue count when there
// are several. The full issue lists are attached as details.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}
	msg := r.Errors[0].String()
	if n := len(r.Errors); n > 1 {
		msg = fmt.Sprintf("validation failed with %d errors", n)
	}
	return NewError(ErrCodeValidation, msg).WithDetails(map[string]any{
		"error_count":   len(r.Errors),
		"warning_count": len(r.Warnings),
		"errors":        r.Errors,
		"warnings":      r.Warnings,
	})
}
