package schema

// Event type constants for the run event log.
const (
	EventRunCreated  = "run_created"
	EventRunStarted  = "run_started"
	EventRunWaiting  = "run_waiting"
	EventRunResumed  = "run_resumed"
	EventRunFinished = "run_finished"
	EventRunFailed   = "run_failed"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepSkipped   = "step_skipped"
	EventStepFailed    = "step_failed"

	EventErrorHandlerSet     = "error_handler_set"
	EventErrorHandlerInvoked = "error_handler_invoked"

	EventLoopIterStarted = "loop_iter_started"
	EventLoopCompleted   = "loop_completed"

	EventFormSubmitted = "form_submitted"
	EventCustom        = "custom"
)
