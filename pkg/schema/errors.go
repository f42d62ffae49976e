package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeExpression        = "EXPRESSION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeActionUnavailable = "ACTION_UNAVAILABLE"
	ErrCodeInterpolation     = "INTERPOLATION_ERROR"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeSuspended         = "SUSPENDED"
)

// StepflowError is the structured error type for all stepflow operations.
type StepflowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Step    string         `json:"step,omitempty"`
	Cause   error          `json:"-"`
}

func (e *StepflowError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.Step, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *StepflowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new StepflowError.
func NewError(code, message string) *StepflowError {
	return &StepflowError{Code: code, Message: message}
}

// NewErrorf creates a new StepflowError with a formatted message.
func NewErrorf(code, format string, args ...any) *StepflowError {
	return &StepflowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step name to the error.
func (e *StepflowError) WithStep(step string) *StepflowError {
	e.Step = step
	return e
}

// WithCause attaches an underlying cause.
func (e *StepflowError) WithCause(err error) *StepflowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *StepflowError) WithDetails(details map[string]any) *StepflowError {
	e.Details = details
	return e
}

// HasCode reports whether err is (or wraps) a StepflowError with the given code.
func HasCode(err error, code string) bool {
	var se *StepflowError
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == code
}

// IsNotFound reports whether err is a NOT_FOUND StepflowError.
func IsNotFound(err error) bool {
	return HasCode(err, ErrCodeNotFound)
}
