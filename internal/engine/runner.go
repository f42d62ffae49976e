package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/stepflow/internal/actions"
	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/internal/validation"
	"github.com/rendis/stepflow/pkg/schema"
)

// DefaultMaxSteps bounds the steps one Run call executes without suspending.
const DefaultMaxSteps = 10000

// maxSubWorkflowDepth bounds nested sub-workflow invocations.
const maxSubWorkflowDepth = 16

// Deps holds the collaborators of a Runner. Only Store is required; the rest
// default to fresh instances.
type Deps struct {
	Store     store.Store
	Registry  *actions.Registry
	Evaluator *expressions.Evaluator
	Interp    *expressions.Interpolator
	Validator *validation.WorkflowValidator
	Hub       streaming.EventHub
	Logger    *slog.Logger
	Now       func() time.Time
	MaxSteps  int
}

// RunOptions controls a single Run call.
type RunOptions struct {
	// Trace records one trace row per executed step.
	Trace bool
}

// RunOutcome is the state of a run after a Run call returns.
type RunOutcome struct {
	RunID    string           `json:"run_id"`
	Status   schema.RunStatus `json:"status"`
	Context  map[string]any   `json:"context"`
	WaitInfo *schema.WaitInfo `json:"wait_info,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// Runner drives workflow runs through their step graphs. Runs of different ids
// execute concurrently; calls on the same run are serialized.
type Runner struct {
	store     store.Store
	events    *eventSink
	fsm       *RunFSM
	registry  *actions.Registry
	eval      *expressions.Evaluator
	interp    *expressions.Interpolator
	validator *validation.WorkflowValidator
	logger    *slog.Logger
	now       func() time.Time
	maxSteps  int

	mu    sync.Mutex
	locks map[string]*runLock
}

type runLock struct {
	mu   sync.Mutex
	refs int
}

// NewRunner wires a Runner. When deps.Registry is nil a registry with all
// built-in actions is created. Workflow actions and the sub-workflow resolver
// are always installed on the registry.
func NewRunner(deps Deps) (*Runner, error) {
	if deps.Store == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "runner requires a store")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.New(logging.NewCorrelationHandler(slog.NewTextHandler(os.Stderr, nil)))
	}
	eval := deps.Evaluator
	if eval == nil {
		var err error
		if eval, err = expressions.NewEvaluator(); err != nil {
			return nil, err
		}
	}
	interp := deps.Interp
	if interp == nil {
		interp = expressions.NewInterpolator(eval)
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	maxSteps := deps.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}

	r := &Runner{
		store:    deps.Store,
		eval:     eval,
		interp:   interp,
		logger:   logger,
		now:      now,
		maxSteps: maxSteps,
		locks:    make(map[string]*runLock),
	}
	r.events = &eventSink{store: deps.Store, hub: deps.Hub, logger: logger}
	r.fsm = NewRunFSM(r.events)

	reg := deps.Registry
	if reg == nil {
		reg = actions.NewRegistry()
		jsv, err := validation.NewJSONSchemaValidator()
		if err != nil {
			return nil, err
		}
		err = actions.RegisterBuiltins(reg, actions.BuiltinDeps{
			Validator: jsv,
			Interp:    interp,
			Scripts: actions.ScriptActionDeps{
				Scripts:   expressions.NewScriptRunner(deps.Store),
				Evaluator: eval,
				Tables:    deps.Store,
			},
		})
		if err != nil {
			return nil, err
		}
	}
	wfDeps := actions.WorkflowActionDeps{
		RunSubWorkflow: r.runSubWorkflow,
		Store:          deps.Store,
		Hub:            deps.Hub,
		Interp:         interp,
		Logger:         logger,
	}
	if reg.Has("workflow.emit") {
		reg.SetResolver(actions.WorkflowResolver(wfDeps))
	} else if err := actions.RegisterWorkflowActions(reg, wfDeps); err != nil {
		return nil, err
	}
	r.registry = reg

	r.validator = deps.Validator
	if r.validator == nil {
		v, err := validation.NewWorkflowValidator(r.lookupSchema)
		if err != nil {
			return nil, err
		}
		r.validator = v
	}
	return r, nil
}

// Store returns the runner's store.
func (r *Runner) Store() store.Store { return r.store }

// Registry returns the action registry.
func (r *Runner) Registry() *actions.Registry { return r.registry }

// Validator returns the workflow validator.
func (r *Runner) Validator() *validation.WorkflowValidator { return r.validator }

// FSM returns the run state machine, for registering transition hooks.
func (r *Runner) FSM() *RunFSM { return r.fsm }

// lookupSchema adapts the registry to validation.SchemaLookup.
func (r *Runner) lookupSchema(ctx context.Context, actionName string) (json.RawMessage, error) {
	a, err := r.registry.Lookup(ctx, actionName)
	if err != nil {
		return nil, err
	}
	return a.Schema().ConfigSchema, nil
}

// lockRun serializes work on one run id and returns the unlock function.
func (r *Runner) lockRun(id string) func() {
	r.mu.Lock()
	l, ok := r.locks[id]
	if !ok {
		l = &runLock{}
		r.locks[id] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, id)
		}
		r.mu.Unlock()
	}
}

// CreateRun persists a Pending run of wf. parentRunID is set for sub-workflow runs.
func (r *Runner) CreateRun(ctx context.Context, wf *schema.Workflow, runCtx map[string]any, principal *schema.Principal, parentRunID string) (*schema.WorkflowRun, error) {
	initial, err := normalizeRecord(runCtx)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "initial context is not JSON-serializable").WithCause(err)
	}
	run := &schema.WorkflowRun{
		ID:          uuid.New().String(),
		WorkflowID:  wf.ID,
		ParentRunID: parentRunID,
		StartedAt:   r.now().UTC(),
		StartedBy:   schema.PrincipalID(principal),
		Context:     initial,
		Status:      schema.RunStatusPending,
	}
	if err := r.store.CreateRun(ctx, run); err != nil {
		return nil, storeError("create run", err)
	}

	ctx = logging.WithRun(ctx, wf.ID, run.ID)
	payload := map[string]any{"workflow": wf.Name}
	if parentRunID != "" {
		payload["parent_run_id"] = parentRunID
	}
	if err := r.events.emit(ctx, run.ID, "", schema.EventRunCreated, payload); err != nil {
		return nil, err
	}
	logging.LogWith(ctx, r.logger).Debug("run created", "workflow", wf.Name)
	return run, nil
}

// Start creates a run of the named workflow and runs it until it suspends or ends.
func (r *Runner) Start(ctx context.Context, workflowName string, runCtx map[string]any, principal *schema.Principal, opts RunOptions) (*RunOutcome, error) {
	wf, err := r.store.GetWorkflowByName(ctx, workflowName)
	if err != nil {
		return nil, err
	}
	run, err := r.CreateRun(ctx, wf, runCtx, principal, "")
	if err != nil {
		return nil, err
	}
	return r.Run(ctx, run, principal, opts)
}

// Run advances run until it suspends, finishes or fails. The persisted record
// is authoritative: run is refreshed from the store first and updated in place.
// Action and expression failures land in the run's status and error; only
// store failures are returned.
func (r *Runner) Run(ctx context.Context, run *schema.WorkflowRun, principal *schema.Principal, opts RunOptions) (*RunOutcome, error) {
	if run == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "run is nil")
	}
	unlock := r.lockRun(run.ID)
	defer unlock()

	fresh, err := r.store.GetRun(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	*run = *fresh
	return r.execute(ctx, run, principal, opts)
}

// RunByID loads and runs the run with the given id.
func (r *Runner) RunByID(ctx context.Context, runID string, principal *schema.Principal, opts RunOptions) (*RunOutcome, error) {
	unlock := r.lockRun(runID)
	defer unlock()

	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return r.execute(ctx, run, principal, opts)
}

func (r *Runner) execute(ctx context.Context, run *schema.WorkflowRun, principal *schema.Principal, opts RunOptions) (*RunOutcome, error) {
	if run.Status.IsTerminal() {
		return outcomeOf(run), nil
	}
	if run.Context == nil {
		run.Context = map[string]any{}
	}
	ctx = logging.WithRun(ctx, run.WorkflowID, run.ID)

	x := &execution{r: r, run: run, principal: principal, opts: opts}
	graph, err := r.loadGraph(ctx, run.WorkflowID)
	if err != nil {
		if schema.HasCode(err, schema.ErrCodeValidation) {
			return x.fail(ctx, "", err)
		}
		return nil, err
	}
	x.graph = graph
	return x.drive(ctx)
}

func (r *Runner) loadGraph(ctx context.Context, workflowID string) (*Graph, error) {
	steps, err := r.store.ListSteps(ctx, workflowID)
	if err != nil {
		return nil, storeError("load steps", err)
	}
	return NewGraph(workflowID, steps)
}

// GetNextStep resolves the successor name of step. An empty next_step is
// terminal. A literal step name is returned as is; anything else is evaluated
// with the context plus every step name bound to itself, and a result that
// names no step is terminal.
func (r *Runner) GetNextStep(ctx context.Context, graph *Graph, step *schema.WorkflowStep, runCtx map[string]any, principal *schema.Principal) (string, error) {
	next := step.NextStep
	if next == "" {
		return "", nil
	}
	if graph.Has(next) {
		return next, nil
	}

	env := expressions.NewScope(runCtx).WithUser(principal).WithStepNames(graph.Names()).Map()
	v, err := r.eval.Evaluate(ctx, next, env)
	if err != nil {
		return "", expressionError(err, step.Name, "next_step")
	}
	name, ok := v.(string)
	if !ok || !graph.Has(name) {
		return "", nil
	}
	return name, nil
}

type subDepthKey struct{}

// runSubWorkflow runs the named workflow as a child of the calling step and
// satisfies actions.SubWorkflowRunner.
func (r *Runner) runSubWorkflow(ctx context.Context, name string, childCtx map[string]any, parent actions.ActionInput) (map[string]any, error) {
	depth, _ := ctx.Value(subDepthKey{}).(int)
	if depth >= maxSubWorkflowDepth {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "sub-workflow nesting exceeds %d levels", maxSubWorkflowDepth)
	}

	wf, err := r.store.GetWorkflowByName(ctx, name)
	if err != nil {
		return nil, err
	}
	child, err := r.CreateRun(ctx, wf, childCtx, parent.Principal, parent.RunID)
	if err != nil {
		return nil, err
	}
	out, err := r.RunByID(context.WithValue(ctx, subDepthKey{}, depth+1), child.ID, parent.Principal, RunOptions{})
	if err != nil {
		return nil, err
	}

	switch out.Status {
	case schema.RunStatusFinished:
		return out.Context, nil
	case schema.RunStatusWaiting:
		return nil, schema.NewErrorf(schema.ErrCodeSuspended,
			"sub-workflow %s (run %s) suspended waiting for input or time", name, child.ID).
			WithDetails(map[string]any{"child_run_id": child.ID})
	default:
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"sub-workflow %s (run %s) failed: %s", name, child.ID, out.Error).
			WithDetails(map[string]any{"child_run_id": child.ID})
	}
}

func outcomeOf(run *schema.WorkflowRun) *RunOutcome {
	return &RunOutcome{
		RunID:    run.ID,
		Status:   run.Status,
		Context:  run.Context,
		WaitInfo: run.WaitInfo,
		Error:    run.Error,
	}
}

// storeError wraps plain driver errors as STORE_ERROR and passes structured ones through.
func storeError(op string, err error) error {
	var se *schema.StepflowError
	if errors.As(err, &se) {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err).WithCause(err)
}

// normalizeRecord converts a record to its JSON form so numbers are float64
// and values survive a store round trip unchanged.
func normalizeRecord(m map[string]any) (map[string]any, error) {
	if m == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func normalizeValue(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
