package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/pkg/schema"
)

// SubWorkflowRunner executes the named workflow to completion as a child of the
// calling step and returns the child's final context. A child that suspends or
// fails is reported as an error. The engine satisfies this after construction (late-bind).
type SubWorkflowRunner func(ctx context.Context, workflowName string, childCtx map[string]any, parent ActionInput) (map[string]any, error)

// WorkflowActionDeps holds the dependencies injected into workflow actions.
type WorkflowActionDeps struct {
	RunSubWorkflow SubWorkflowRunner
	Store          store.Store
	Hub            streaming.EventHub
	Interp         *expressions.Interpolator
	Logger         *slog.Logger
}

// WorkflowActions returns the workflow-scoped actions.
func WorkflowActions(deps WorkflowActionDeps) []Action {
	return []Action{
		&workflowEmitAction{deps: deps},
		&workflowFailAction{deps: deps},
		&workflowLogAction{deps: deps},
	}
}

// RegisterWorkflowActions registers workflow actions into the given registry and
// installs the resolver that turns workflow names into sub-workflow actions.
// Called after the engine is created so the SubWorkflowRunner can be wired.
func RegisterWorkflowActions(reg *Registry, deps WorkflowActionDeps) error {
	if err := reg.Register(WorkflowActions(deps)...); err != nil {
		return err
	}
	reg.SetResolver(WorkflowResolver(deps))
	return nil
}

// WorkflowResolver resolves an action name to a sub-workflow invocation when a
// workflow with that name exists.
func WorkflowResolver(deps WorkflowActionDeps) Resolver {
	return func(ctx context.Context, name string) (Action, error) {
		if deps.Store == nil {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", name)
		}
		wf, err := deps.Store.GetWorkflowByName(ctx, name)
		if err != nil {
			return nil, err
		}
		return NewSubWorkflowAction(wf.Name, deps.RunSubWorkflow), nil
	}
}

// expandConfig renders template tags inside the configuration against the run context.
func expandConfig(ctx context.Context, interp *expressions.Interpolator, input ActionInput) (map[string]any, error) {
	if interp == nil || input.Config == nil {
		return input.Config, nil
	}
	out, err := interp.ExpandAll(ctx, input.Config, scriptEnv(input))
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

// --- sub-workflow ---

// SubWorkflowAction runs another workflow synchronously. With a subcontext the
// child sees only context[subcontext] and its final context is written back
// there; otherwise the child gets the whole context and its result is merged.
type SubWorkflowAction struct {
	workflow string
	run      SubWorkflowRunner
}

// NewSubWorkflowAction creates the action invoking workflow through run.
func NewSubWorkflowAction(workflow string, run SubWorkflowRunner) *SubWorkflowAction {
	return &SubWorkflowAction{workflow: workflow, run: run}
}

func (a *SubWorkflowAction) Name() string { return a.workflow }

func (a *SubWorkflowAction) Schema() ActionSchema {
	return ActionSchema{
		Description: fmt.Sprintf("Run workflow %q to completion.", a.workflow),
		ConfigSchema: json.RawMessage(`{
  "type": "object",
  "properties": {"subcontext": {"type": "string"}}
}`),
	}
}

func (a *SubWorkflowAction) Validate(config map[string]any) error {
	if v, ok := config["subcontext"]; ok {
		if _, isStr := v.(string); !isStr {
			return schema.NewErrorf(schema.ErrCodeValidation, "%s: 'subcontext' must be a string", a.workflow)
		}
	}
	return nil
}

func (a *SubWorkflowAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	if a.run == nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "sub-workflow runner not configured")
	}

	sub := stringParam(input.Config, "subcontext", "")
	var childCtx map[string]any
	if sub == "" {
		childCtx = expressions.DeepCopy(input.Context)
	} else {
		switch v := input.Context[sub].(type) {
		case map[string]any:
			childCtx = expressions.DeepCopy(v)
		case nil:
			childCtx = map[string]any{}
		default:
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"%s: context[%q] is %T, not a record", a.workflow, sub, v)
		}
	}
	if childCtx == nil {
		childCtx = map[string]any{}
	}

	result, err := a.run(ctx, a.workflow, childCtx, input)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "workflow %s: %s", a.workflow, err.Error()).WithCause(err)
	}
	if sub != "" {
		return delta(sub, result), nil
	}
	return &ActionOutput{Delta: result}, nil
}

// --- workflow.emit ---

type workflowEmitAction struct {
	deps WorkflowActionDeps
}

func (a *workflowEmitAction) Name() string { return "workflow.emit" }

func (a *workflowEmitAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Publish a custom event to the EventHub and the run's event log.",
		ConfigSchema: json.RawMessage(`{
  "type": "object",
  "properties": {"event_type": {"type": "string", "minLength": 1}, "payload": {}},
  "required": ["event_type"]
}`),
	}
}

func (a *workflowEmitAction) Validate(config map[string]any) error {
	if stringParam(config, "event_type", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "workflow.emit: missing required param 'event_type'")
	}
	return nil
}

func (a *workflowEmitAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	cfg, err := expandConfig(ctx, a.deps.Interp, input)
	if err != nil {
		return nil, err
	}
	if err := a.Validate(cfg); err != nil {
		return nil, err
	}
	if a.deps.Hub == nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "workflow.emit: event hub not configured")
	}

	eventType := stringParam(cfg, "event_type", "")
	payload := cfg["payload"]

	err = a.deps.Hub.Publish(ctx, streaming.StreamEvent{
		WorkflowID: input.WorkflowID,
		RunID:      input.RunID,
		Step:       input.Step,
		EventType:  eventType,
		Payload:    payload,
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "workflow.emit: publish failed: %v", err).WithCause(err)
	}

	if a.deps.Store != nil && input.RunID != "" {
		raw, _ := json.Marshal(map[string]any{"event_type": eventType, "payload": payload})
		if err := a.deps.Store.AppendEvent(ctx, &store.Event{
			RunID: input.RunID, Step: input.Step, Type: schema.EventCustom, Payload: raw,
		}); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "workflow.emit: record event").WithCause(err)
		}
	}
	return &ActionOutput{}, nil
}

// --- workflow.fail ---

type workflowFailAction struct {
	deps WorkflowActionDeps
}

func (a *workflowFailAction) Name() string { return "workflow.fail" }

func (a *workflowFailAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Raise an error from the current step with a reason.",
	}
}

func (a *workflowFailAction) Validate(config map[string]any) error {
	if stringParam(config, "reason", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "workflow.fail: missing required param 'reason'")
	}
	return nil
}

func (a *workflowFailAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	cfg, err := expandConfig(ctx, a.deps.Interp, input)
	if err != nil {
		return nil, err
	}
	reason := stringParam(cfg, "reason", "workflow.fail invoked")
	return nil, schema.NewError(schema.ErrCodeExecution, reason)
}

// --- workflow.log ---

type workflowLogAction struct {
	deps WorkflowActionDeps
}

func (a *workflowLogAction) Name() string { return "workflow.log" }

func (a *workflowLogAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Write a structured log entry with run correlation.",
		ConfigSchema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "message": {"type": "string", "minLength": 1},
    "level": {"type": "string", "enum": ["debug", "info", "warn", "error"]},
    "data": {}
  },
  "required": ["message"]
}`),
	}
}

func (a *workflowLogAction) Validate(config map[string]any) error {
	if stringParam(config, "message", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "workflow.log: missing required param 'message'")
	}
	return nil
}

func (a *workflowLogAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	cfg, err := expandConfig(ctx, a.deps.Interp, input)
	if err != nil {
		return nil, err
	}
	if err := a.Validate(cfg); err != nil {
		return nil, err
	}

	logger := a.deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx = logging.WithStep(logging.WithRun(ctx, input.WorkflowID, input.RunID), input.Step)
	logger = logging.LogWith(ctx, logger)

	var attrs []any
	if data, ok := cfg["data"]; ok {
		attrs = append(attrs, slog.Any("data", data))
	}

	message := fmt.Sprint(cfg["message"])
	switch stringParam(cfg, "level", "info") {
	case "debug":
		logger.Debug(message, attrs...)
	case "warn":
		logger.Warn(message, attrs...)
	case "error":
		logger.Error(message, attrs...)
	default:
		logger.Info(message, attrs...)
	}
	return &ActionOutput{}, nil
}
