package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// --- Steps ---

// StepUpdate holds the mutable fields of a WorkflowStep; nil pointers are left untouched.
type StepUpdate struct {
	Name          *string
	ActionName    *string
	Configuration map[string]any
	NextStep      *string
	OnlyIf        *string
	InitialStep   *bool
}

// WorkflowFilter controls ListWorkflows.
type WorkflowFilter struct {
	Limit  int
	Offset int
}

// --- Runs ---

// RunUpdate holds the independently updatable checkpoint fields of a run.
// Only non-nil fields are written.
type RunUpdate struct {
	Context         map[string]any
	CurrentStep     *string
	Status          *schema.RunStatus
	WaitInfo        *schema.WaitInfo
	ClearWait       bool
	State           *schema.RunState
	Error           *string
	// StatusUpdatedAt stamps a Status change. The store clock is used when nil.
	StatusUpdatedAt *time.Time
}

// IsEmpty reports whether the update would write nothing.
func (u RunUpdate) IsEmpty() bool {
	return u.Context == nil && u.CurrentStep == nil && u.Status == nil &&
		u.WaitInfo == nil && !u.ClearWait && u.State == nil && u.Error == nil
}

// RunFilter selects runs for FindRuns.
type RunFilter struct {
	WorkflowID    string
	Status        *schema.RunStatus
	StartedBy     string
	ParentRunID   string
	UpdatedBefore *time.Time
	Limit         int
	Offset        int
}

// --- Traces ---

// Trace is one audit record per executed step.
type Trace struct {
	ID            int64            `json:"id"`
	RunID         string           `json:"run_id"`
	StepName      string           `json:"step_name"`
	Context       map[string]any   `json:"context,omitempty"`
	WaitInfo      *schema.WaitInfo `json:"wait_info,omitempty"`
	Status        schema.RunStatus `json:"status"`
	Error         string           `json:"error,omitempty"`
	UserID        string           `json:"user_id,omitempty"`
	ElapsedMs     int64            `json:"elapsed_ms"`
	StepStartedAt time.Time        `json:"step_started_at"`
}

// --- Events ---

// Event is an append-only entry in a run's event log.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	Step      string          `json:"step,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// EventFilter controls GetEventsByType.
type EventFilter struct {
	RunID string
	Step  string
	Since *time.Time
	Limit int
}

// StepSummary is the replayed per-step view of a run's event log.
type StepSummary struct {
	Step       string `json:"step"`
	Status     string `json:"status"`
	Executions int    `json:"executions"`
	LastError  string `json:"last_error,omitempty"`
}

// --- Tables ---

// Row is one record of a user data table.
type Row struct {
	ID    int64          `json:"id"`
	Table string         `json:"table"`
	Data  map[string]any `json:"data"`
}
