package engine

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// ErrorHandlerResult describes where a run continues after a failed action.
type ErrorHandlerResult struct {
	// Handled is true when the run jumps to its registered handler step.
	Handled bool
	// HandlerStep is the step the run continues at.
	HandlerStep string
	// UnwoundLoops is the number of loop frames dropped by the jump.
	UnwoundLoops int
}

// HandleStepError redirects a failed action to the run's error handler, if one
// was registered with SetErrorHandler. On a jump it drops all active loop
// frames, records the caught message in RunState.LastError and logs an
// error_handler_invoked event. The caller discards the failed step's delta.
// A failure raised by the handler step itself is not handled again.
func HandleStepError(
	ctx context.Context,
	appender EventAppender,
	graph *Graph,
	run *schema.WorkflowRun,
	step string,
	stepErr error,
) (*ErrorHandlerResult, error) {
	handler := run.State.ErrorHandler
	if handler == "" || handler == step {
		return &ErrorHandlerResult{}, nil
	}
	if graph != nil && !graph.Has(handler) {
		return &ErrorHandlerResult{}, schema.NewErrorf(schema.ErrCodeValidation,
			"error handler step %q not found while handling: %s", handler, errorMessage(stepErr)).
			WithStep(step).WithCause(stepErr)
	}

	unwound := len(run.State.Loops)
	run.State.Loops = nil
	run.State.LastError = errorMessage(stepErr)

	payload, _ := json.Marshal(map[string]any{
		"error":         run.State.LastError,
		"handler":       handler,
		"unwound_loops": unwound,
	})
	if err := appender.AppendEvent(ctx, &store.Event{
		RunID:   run.ID,
		Step:    step,
		Type:    schema.EventErrorHandlerInvoked,
		Payload: payload,
	}); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "emit error handler event: %s", err).WithCause(err)
	}

	return &ErrorHandlerResult{Handled: true, HandlerStep: handler, UnwoundLoops: unwound}, nil
}

// errorMessage returns the human message of err without the code prefix.
func errorMessage(err error) string {
	var se *schema.StepflowError
	if errors.As(err, &se) {
		return se.Message
	}
	return err.Error()
}
