package store

import (
	"context"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflows
	CreateWorkflow(ctx context.Context, wf *schema.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error)
	GetWorkflowByName(ctx context.Context, name string) (*schema.Workflow, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error

	// Steps
	CreateStep(ctx context.Context, step *schema.WorkflowStep) error
	GetStep(ctx context.Context, id string) (*schema.WorkflowStep, error)
	ListSteps(ctx context.Context, workflowID string) ([]*schema.WorkflowStep, error)
	UpdateStep(ctx context.Context, id string, update StepUpdate) error
	DeleteStep(ctx context.Context, id string) error

	// Runs (checkpointed state)
	CreateRun(ctx context.Context, run *schema.WorkflowRun) error
	GetRun(ctx context.Context, id string) (*schema.WorkflowRun, error)
	FindRuns(ctx context.Context, filter RunFilter) ([]*schema.WorkflowRun, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	DeleteRun(ctx context.Context, id string) error
	PruneRuns(ctx context.Context, status schema.RunStatus, before time.Time) (int64, error)

	// Traces
	AppendTrace(ctx context.Context, trace *Trace) error
	ListTraces(ctx context.Context, runID string) ([]*Trace, error)

	// Event Log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error)

	// User data tables
	InsertRow(ctx context.Context, table string, data map[string]any) (int64, error)
	QueryRows(ctx context.Context, table string, where map[string]any) ([]*Row, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
