package streaming

import (
	"context"
	"time"
)

// StreamEvent is a run event mirrored to live subscribers after it has been
// stored. Sequence matches the stored event's per-run sequence.
type StreamEvent struct {
	WorkflowID string    `json:"workflow_id"`
	RunID      string    `json:"run_id"`
	Step       string    `json:"step,omitempty"`
	EventType  string    `json:"event_type"`
	Sequence   int64     `json:"sequence"`
	Timestamp  time.Time `json:"timestamp"`
	Payload    any       `json:"payload,omitempty"`
}

// EventFilter selects events for a subscriber. Empty fields match everything.
type EventFilter struct {
	WorkflowID string   `json:"workflow_id,omitempty"`
	RunID      string   `json:"run_id,omitempty"`
	Step       string   `json:"step,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// Match reports whether e passes the filter.
func (f EventFilter) Match(e StreamEvent) bool {
	switch {
	case f.WorkflowID != "" && f.WorkflowID != e.WorkflowID:
		return false
	case f.RunID != "" && f.RunID != e.RunID:
		return false
	case f.Step != "" && f.Step != e.Step:
		return false
	}
	if len(f.EventTypes) == 0 {
		return true
	}
	for _, t := range f.EventTypes {
		if t == e.EventType {
			return true
		}
	}
	return false
}

// EventHub fans run events out to live subscribers.
//
// Subscribe returns a channel that is closed when the returned cancel func is
// called or ctx ends. Delivery is best effort: a subscriber that falls behind
// misses events rather than stalling the publisher.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
