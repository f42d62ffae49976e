package schema

import "time"

// RunStatus represents the lifecycle state of a workflow run.
type RunStatus string

const (
	RunStatusPending  RunStatus = "Pending"
	RunStatusRunning  RunStatus = "Running"
	RunStatusWaiting  RunStatus = "Waiting"
	RunStatusFinished RunStatus = "Finished"
	RunStatusError    RunStatus = "Error"
)

// IsTerminal reports whether the status is absorbing.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusFinished || s == RunStatusError
}

// Principal identifies who drives a run or fills its forms.
type Principal struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Role  int    `json:"role,omitempty"`
}

// PrincipalID returns p.ID, tolerating a nil principal.
func PrincipalID(p *Principal) string {
	if p == nil {
		return ""
	}
	return p.ID
}

// WaitInfo describes an outstanding suspension of a run.
type WaitInfo struct {
	Form      bool       `json:"form,omitempty"`
	UserID    string     `json:"user_id,omitempty"`
	Output    string     `json:"output,omitempty"`
	Markdown  bool       `json:"markdown,omitempty"`
	UntilTime *time.Time `json:"until_time,omitempty"`
}

// Satisfied reports whether the wait condition no longer blocks the run at now.
// A pending form is only cleared by explicit input; a deadline clears once now is past it.
func (w *WaitInfo) Satisfied(now time.Time) bool {
	if w == nil {
		return true
	}
	if w.Form {
		return false
	}
	if w.UntilTime != nil && !now.After(*w.UntilTime) {
		return false
	}
	return true
}

// LoopFrame is the bookkeeping for one active ForLoop.
type LoopFrame struct {
	Step         string `json:"step"`
	Index        int    `json:"index"`
	Items        []any  `json:"items"`
	ItemVariable string `json:"item_variable"`
	BodyStep     string `json:"body_step"`
}

// RunState is engine bookkeeping carried beside the user context so reserved
// slots never collide with user-chosen context keys.
type RunState struct {
	ErrorHandler string      `json:"error_handler,omitempty"`
	LastError    string      `json:"last_error,omitempty"`
	Loops        []LoopFrame `json:"loops,omitempty"`
}

// TopLoop returns the innermost active loop frame, or nil.
func (s *RunState) TopLoop() *LoopFrame {
	if len(s.Loops) == 0 {
		return nil
	}
	return &s.Loops[len(s.Loops)-1]
}

// WorkflowRun is one stateful execution attempt of a workflow.
type WorkflowRun struct {
	ID              string         `json:"id"`
	WorkflowID      string         `json:"workflow_id"`
	ParentRunID     string         `json:"parent_run_id,omitempty"`
	StartedAt       time.Time      `json:"started_at"`
	StartedBy       string         `json:"started_by,omitempty"`
	Context         map[string]any `json:"context"`
	CurrentStep     string         `json:"current_step,omitempty"`
	Status          RunStatus      `json:"status"`
	WaitInfo        *WaitInfo      `json:"wait_info,omitempty"`
	State           RunState       `json:"state"`
	Error           string         `json:"error,omitempty"`
	StatusUpdatedAt *time.Time     `json:"status_updated_at,omitempty"`
}
