package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/stepflow/pkg/schema"
)

// EventLog provides replay operations over a run's append-only event log.
type EventLog struct {
	store Store
}

// NewEventLog wraps a Store to provide event-sourcing operations.
func NewEventLog(s Store) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event with a monotonically increasing per-run sequence.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	return el.store.AppendEvent(ctx, event)
}

// GetEvents returns events for a run with sequence > since, ordered by sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, runID, since)
}

// ReplayRun folds all events of a run into a per-step summary.
// Returns an error if sequence gaps are detected.
func (el *EventLog) ReplayRun(ctx context.Context, runID string) (map[string]*StepSummary, error) {
	events, err := el.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Sequence)
		}
	}

	summaries := make(map[string]*StepSummary)
	for _, e := range events {
		if e.Step == "" {
			continue
		}
		ss, ok := summaries[e.Step]
		if !ok {
			ss = &StepSummary{Step: e.Step, Status: "pending"}
			summaries[e.Step] = ss
		}

		switch e.Type {
		case schema.EventStepStarted:
			ss.Status = "running"
			ss.Executions++
		case schema.EventStepCompleted:
			ss.Status = "completed"
		case schema.EventStepSkipped:
			ss.Status = "skipped"
		case schema.EventStepFailed:
			ss.Status = "failed"
			ss.LastError = payloadError(e.Payload)
		case schema.EventRunWaiting:
			ss.Status = "waiting"
		case schema.EventErrorHandlerInvoked:
			// The failing step was already marked by its step_failed event.
		}
	}
	return summaries, nil
}

// payloadError extracts the "error" string from an event payload.
func payloadError(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var p struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return string(raw)
	}
	return p.Error
}
