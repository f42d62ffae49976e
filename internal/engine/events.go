package engine

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/pkg/schema"
)

// eventSink appends run events to the store and mirrors them onto the hub.
// The workflow id of published events comes from the logging context.
type eventSink struct {
	store  store.Store
	hub    streaming.EventHub
	logger *slog.Logger
}

func (s *eventSink) AppendEvent(ctx context.Context, event *store.Event) error {
	if err := s.store.AppendEvent(ctx, event); err != nil {
		return err
	}
	if s.hub == nil {
		return nil
	}

	var payload any
	if len(event.Payload) > 0 {
		_ = json.Unmarshal(event.Payload, &payload)
	}
	err := s.hub.Publish(ctx, streaming.StreamEvent{
		WorkflowID: logging.WorkflowID(ctx),
		RunID:      event.RunID,
		Step:       event.Step,
		EventType:  event.Type,
		Sequence:   event.Sequence,
		Timestamp:  event.Timestamp,
		Payload:    payload,
	})
	if err != nil {
		logging.LogWith(ctx, s.logger).Warn("publish run event failed", "event_type", event.Type, "error", err)
	}
	return nil
}

// emit records a step-level event.
func (s *eventSink) emit(ctx context.Context, runID, step, eventType string, payload map[string]any) error {
	event := &store.Event{RunID: runID, Step: step, Type: eventType}
	if len(payload) > 0 {
		raw, err := json.Marshal(payload)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "marshal %s payload: %s", eventType, err).WithCause(err)
		}
		event.Payload = raw
	}
	if err := s.AppendEvent(ctx, event); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "append %s event: %s", eventType, err).WithCause(err)
	}
	return nil
}
