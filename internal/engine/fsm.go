package engine

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// TransitionHook is called before or after a run changes status.
type TransitionHook func(ctx context.Context, runID string, from, to schema.RunStatus) error

// EventAppender is satisfied by the Store, the EventLog and the runner's event sink.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// ValidRunTransitions lists the allowed status changes of a run.
// Finished and Error are absorbing.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusPending: {schema.RunStatusRunning, schema.RunStatusError},
	schema.RunStatusRunning: {schema.RunStatusWaiting, schema.RunStatusFinished, schema.RunStatusError},
	schema.RunStatusWaiting: {schema.RunStatusRunning, schema.RunStatusFinished, schema.RunStatusError},
}

type runHookKey struct {
	from, to schema.RunStatus
}

// RunFSM validates run status transitions and emits one event per transition.
// The caller persists the new status.
type RunFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[runHookKey][]TransitionHook
	after    map[runHookKey][]TransitionHook
}

// NewRunFSM creates a RunFSM that emits events via the given appender.
func NewRunFSM(appender EventAppender) *RunFSM {
	return &RunFSM{
		appender: appender,
		before:   make(map[runHookKey][]TransitionHook),
		after:    make(map[runHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a transition. A hook error aborts it.
func (f *RunFSM) OnBefore(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a transition event was recorded.
func (f *RunFSM) OnAfter(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates from -> to and records the matching run event.
// A transition to the same status is a no-op.
func (f *RunFSM) Transition(ctx context.Context, runID, step string, from, to schema.RunStatus, payload map[string]any) error {
	if from == to {
		return nil
	}
	if !IsValidRunTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithStep(step).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	f.mu.Lock()
	key := runHookKey{from, to}
	before := append([]TransitionHook(nil), f.before[key]...)
	after := append([]TransitionHook(nil), f.after[key]...)
	f.mu.Unlock()

	for _, hook := range before {
		if err := hook(ctx, runID, from, to); err != nil {
			return err
		}
	}

	event := &store.Event{RunID: runID, Step: step, Type: runEventType(from, to)}
	if len(payload) > 0 {
		raw, err := json.Marshal(payload)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "marshal %s payload: %s", event.Type, err).WithCause(err)
		}
		event.Payload = raw
	}
	if err := f.appender.AppendEvent(ctx, event); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit run event: %s", err.Error()).WithCause(err)
	}

	for _, hook := range after {
		if err := hook(ctx, runID, from, to); err != nil {
			return err
		}
	}
	return nil
}

// IsValidRunTransition reports whether the transition table allows from -> to.
func IsValidRunTransition(from, to schema.RunStatus) bool {
	for _, a := range ValidRunTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func runEventType(from, to schema.RunStatus) string {
	switch to {
	case schema.RunStatusRunning:
		if from == schema.RunStatusWaiting {
			return schema.EventRunResumed
		}
		return schema.EventRunStarted
	case schema.RunStatusWaiting:
		return schema.EventRunWaiting
	case schema.RunStatusFinished:
		return schema.EventRunFinished
	default:
		return schema.EventRunFailed
	}
}
