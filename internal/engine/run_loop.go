package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rendis/stepflow/internal/actions"
	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// execution is the state of one Run call on one run.
type execution struct {
	r           *Runner
	run         *schema.WorkflowRun
	graph       *Graph
	principal   *schema.Principal
	opts        RunOptions
	stepStarted time.Time
}

// stepResult is what a dispatched step hands back to the loop.
type stepResult struct {
	delta map[string]any
	// wait suspends the run when set.
	wait *schema.WaitInfo
	// next overrides successor resolution (loop body entry).
	next *schema.WorkflowStep
}

func (x *execution) drive(ctx context.Context) (*RunOutcome, error) {
	if x.run.Status == schema.RunStatusWaiting {
		step, proceed, err := x.resume(ctx)
		if err != nil || !proceed {
			return x.result(err)
		}
		return x.loop(ctx, step)
	}

	step, err := x.startStep()
	if err != nil {
		return x.fail(ctx, "", err)
	}
	if x.run.Status != schema.RunStatusRunning {
		if err := x.r.fsm.Transition(ctx, x.run.ID, step.Name, x.run.Status, schema.RunStatusRunning, nil); err != nil {
			return nil, err
		}
		x.run.Status = schema.RunStatusRunning
		x.run.CurrentStep = step.Name
		if err := x.persist(ctx, store.RunUpdate{Status: &x.run.Status, CurrentStep: &x.run.CurrentStep}); err != nil {
			return nil, err
		}
	}
	return x.loop(ctx, step)
}

func (x *execution) result(err error) (*RunOutcome, error) {
	if err != nil {
		return nil, err
	}
	return outcomeOf(x.run), nil
}

func (x *execution) startStep() (*schema.WorkflowStep, error) {
	if x.run.CurrentStep != "" {
		step, ok := x.graph.Step(x.run.CurrentStep)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "current step %q not found", x.run.CurrentStep)
		}
		return step, nil
	}
	step, ok := x.graph.Initial()
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no initial step")
	}
	return step, nil
}

// resume clears a satisfied wait and moves to the successor of the waiting step.
// It reports whether the loop should continue.
func (x *execution) resume(ctx context.Context) (*schema.WorkflowStep, bool, error) {
	if !x.run.WaitInfo.Satisfied(x.r.now()) {
		return nil, false, nil
	}

	waiting, ok := x.graph.Step(x.run.CurrentStep)
	if !ok {
		_, err := x.fail(ctx, x.run.CurrentStep,
			schema.NewErrorf(schema.ErrCodeValidation, "waiting step %q not found", x.run.CurrentStep))
		return nil, false, err
	}
	x.run.WaitInfo = nil

	next, err := x.successor(ctx, waiting)
	if err != nil {
		_, err = x.fail(ctx, waiting.Name, err)
		return nil, false, err
	}
	if next == nil {
		return nil, false, x.finish(ctx, waiting.Name)
	}

	if err := x.r.fsm.Transition(ctx, x.run.ID, next.Name, schema.RunStatusWaiting, schema.RunStatusRunning, nil); err != nil {
		return nil, false, err
	}
	x.run.Status = schema.RunStatusRunning
	x.run.CurrentStep = next.Name
	err = x.persist(ctx, store.RunUpdate{
		ClearWait:   true,
		Status:      &x.run.Status,
		CurrentStep: &x.run.CurrentStep,
		Context:     x.run.Context,
		State:       &x.run.State,
	})
	return next, err == nil, err
}

func (x *execution) loop(ctx context.Context, step *schema.WorkflowStep) (*RunOutcome, error) {
	for executed := 0; step != nil; executed++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if executed >= x.r.maxSteps {
			return x.fail(ctx, step.Name, schema.NewErrorf(schema.ErrCodeExecution,
				"run exceeded %d steps without suspending", x.r.maxSteps).WithStep(step.Name))
		}

		// Write-ahead checkpoint: the step about to run is durable before it runs.
		if x.run.CurrentStep != step.Name {
			x.run.CurrentStep = step.Name
			if err := x.persist(ctx, store.RunUpdate{CurrentStep: &x.run.CurrentStep}); err != nil {
				return nil, err
			}
		}

		next, stop, err := x.execStep(logging.WithStep(ctx, step.Name), step)
		if err != nil {
			return nil, err
		}
		if stop {
			break
		}
		step = next
	}
	return outcomeOf(x.run), nil
}

// execStep runs one step. It returns the next step, or stop when the run
// suspended, finished or failed. Only store failures are returned as errors.
func (x *execution) execStep(ctx context.Context, step *schema.WorkflowStep) (*schema.WorkflowStep, bool, error) {
	x.stepStarted = x.r.now()

	if step.OnlyIf != "" {
		ok, err := x.r.eval.EvaluateBool(ctx, step.OnlyIf, x.scope())
		if err != nil {
			return x.abort(ctx, step, expressionError(err, step.Name, "only_if"))
		}
		if !ok {
			if err := x.emit(ctx, step.Name, schema.EventStepSkipped, nil); err != nil {
				return nil, true, err
			}
			return x.advance(ctx, step)
		}
	}

	if err := x.emit(ctx, step.Name, schema.EventStepStarted, map[string]any{"action": step.ActionName}); err != nil {
		return nil, true, err
	}

	var res *stepResult
	if schema.EngineActions[step.ActionName] {
		var err error
		if res, err = x.builtin(ctx, step); err != nil {
			return x.abort(ctx, step, err)
		}
	} else {
		var err error
		if res, err = x.invoke(ctx, step); err != nil {
			return x.redirect(ctx, step, err)
		}
	}

	if res.wait != nil {
		return nil, true, x.suspend(ctx, step, res.wait)
	}

	mergeInto(x.run.Context, res.delta)
	if err := x.emit(ctx, step.Name, schema.EventStepCompleted, deltaPayload(res.delta)); err != nil {
		return nil, true, err
	}
	if err := x.trace(ctx, step.Name, ""); err != nil {
		return nil, true, err
	}

	if res.next != nil {
		x.run.CurrentStep = res.next.Name
		err := x.persist(ctx, store.RunUpdate{Context: x.run.Context, CurrentStep: &x.run.CurrentStep, State: &x.run.State})
		return res.next, err != nil, err
	}
	return x.advance(ctx, step)
}

// advance resolves the successor of step and checkpoints it with the context.
func (x *execution) advance(ctx context.Context, step *schema.WorkflowStep) (*schema.WorkflowStep, bool, error) {
	next, err := x.successor(ctx, step)
	if err != nil {
		return x.abort(ctx, step, err)
	}
	if next == nil {
		return nil, true, x.finish(ctx, step.Name)
	}
	x.run.CurrentStep = next.Name
	err = x.persist(ctx, store.RunUpdate{Context: x.run.Context, CurrentStep: &x.run.CurrentStep, State: &x.run.State})
	return next, err != nil, err
}

// successor resolves next_step, then falls back to the innermost loop frame:
// the next iteration re-enters the body, the last one resolves the loop's own
// successor.
func (x *execution) successor(ctx context.Context, step *schema.WorkflowStep) (*schema.WorkflowStep, error) {
	name, err := x.r.GetNextStep(ctx, x.graph, step, x.run.Context, x.principal)
	if err != nil {
		return nil, err
	}
	if name != "" {
		next, _ := x.graph.Step(name)
		return next, nil
	}

	frame := x.run.State.TopLoop()
	if frame == nil {
		return nil, nil
	}
	frame.Index++
	if frame.Index < len(frame.Items) {
		x.run.Context[frame.ItemVariable] = frame.Items[frame.Index]
		if err := x.emit(ctx, frame.Step, schema.EventLoopIterStarted, map[string]any{"index": frame.Index}); err != nil {
			return nil, err
		}
		body, ok := x.graph.Step(frame.BodyStep)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "loop body step %q not found", frame.BodyStep).WithStep(frame.Step)
		}
		return body, nil
	}

	loopStep := frame.Step
	iterations := len(frame.Items)
	x.run.State.Loops = x.run.State.Loops[:len(x.run.State.Loops)-1]
	if err := x.emit(ctx, loopStep, schema.EventLoopCompleted, map[string]any{"iterations": iterations}); err != nil {
		return nil, err
	}
	owner, ok := x.graph.Step(loopStep)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "loop step %q not found", loopStep)
	}
	return x.successor(ctx, owner)
}

// invoke dispatches a registry action with a private copy of the context.
func (x *execution) invoke(ctx context.Context, step *schema.WorkflowStep) (res *stepResult, err error) {
	action, err := x.r.registry.Lookup(ctx, step.ActionName)
	if err != nil {
		return nil, err
	}

	defer func() {
		if p := recover(); p != nil {
			res = nil
			err = schema.NewErrorf(schema.ErrCodeExecution, "action %s panicked: %v", step.ActionName, p).WithStep(step.Name)
		}
	}()

	out, err := action.Execute(ctx, actions.ActionInput{
		Config:     step.Configuration,
		Context:    expressions.DeepCopy(x.run.Context),
		Principal:  x.principal,
		WorkflowID: x.run.WorkflowID,
		RunID:      x.run.ID,
		Step:       step.Name,
	})
	if err != nil {
		return nil, err
	}
	if out == nil || len(out.Delta) == 0 {
		return &stepResult{}, nil
	}
	delta, err := normalizeRecord(out.Delta)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "action %s returned a non-JSON delta", step.ActionName).
			WithStep(step.Name).WithCause(err)
	}
	return &stepResult{delta: delta}, nil
}

// redirect routes a failed registry action to the error handler, or fails the run.
func (x *execution) redirect(ctx context.Context, step *schema.WorkflowStep, cause error) (*schema.WorkflowStep, bool, error) {
	if schema.HasCode(cause, schema.ErrCodeStore) {
		return nil, true, cause
	}
	if err := x.emit(ctx, step.Name, schema.EventStepFailed, map[string]any{"error": cause.Error()}); err != nil {
		return nil, true, err
	}

	res, err := HandleStepError(ctx, x.r.events, x.graph, x.run, step.Name, cause)
	if err != nil {
		_, err = x.fail(ctx, step.Name, err)
		return nil, true, err
	}
	if !res.Handled {
		_, err = x.fail(ctx, step.Name, cause)
		return nil, true, err
	}

	logging.LogWith(ctx, x.r.logger).Info("action failed, jumping to error handler",
		"handler", res.HandlerStep, "error", cause.Error())
	if err := x.trace(ctx, step.Name, cause.Error()); err != nil {
		return nil, true, err
	}

	handler, _ := x.graph.Step(res.HandlerStep)
	x.run.CurrentStep = handler.Name
	err = x.persist(ctx, store.RunUpdate{CurrentStep: &x.run.CurrentStep, State: &x.run.State})
	return handler, err != nil, err
}

// abort fails the run from inside a step.
func (x *execution) abort(ctx context.Context, step *schema.WorkflowStep, cause error) (*schema.WorkflowStep, bool, error) {
	if schema.HasCode(cause, schema.ErrCodeStore) {
		return nil, true, cause
	}
	if err := x.emit(ctx, step.Name, schema.EventStepFailed, map[string]any{"error": cause.Error()}); err != nil {
		return nil, true, err
	}
	_, err := x.fail(ctx, step.Name, cause)
	return nil, true, err
}

// fail moves the run to Error and persists the message. Store failures are
// returned instead.
func (x *execution) fail(ctx context.Context, step string, cause error) (*RunOutcome, error) {
	if schema.HasCode(cause, schema.ErrCodeStore) {
		return nil, cause
	}

	if err := x.r.fsm.Transition(ctx, x.run.ID, step, x.run.Status, schema.RunStatusError,
		map[string]any{"error": cause.Error()}); err != nil {
		return nil, err
	}
	x.run.Status = schema.RunStatusError
	x.run.Error = cause.Error()
	x.run.WaitInfo = nil
	logging.LogWith(ctx, x.r.logger).Warn("run failed", "error", x.run.Error)

	err := x.persist(ctx, store.RunUpdate{
		Status:    &x.run.Status,
		Error:     &x.run.Error,
		Context:   x.run.Context,
		State:     &x.run.State,
		ClearWait: true,
	})
	if err != nil {
		return nil, err
	}
	if step != "" {
		if err := x.trace(ctx, step, x.run.Error); err != nil {
			return nil, err
		}
	}
	return outcomeOf(x.run), nil
}

func (x *execution) finish(ctx context.Context, step string) error {
	if err := x.r.fsm.Transition(ctx, x.run.ID, step, x.run.Status, schema.RunStatusFinished, nil); err != nil {
		return err
	}
	x.run.Status = schema.RunStatusFinished
	x.run.WaitInfo = nil
	logging.LogWith(ctx, x.r.logger).Debug("run finished", "last_step", step)
	return x.persist(ctx, store.RunUpdate{
		Status:    &x.run.Status,
		Context:   x.run.Context,
		State:     &x.run.State,
		ClearWait: true,
	})
}

// suspend parks the run at step until wait is satisfied.
func (x *execution) suspend(ctx context.Context, step *schema.WorkflowStep, wait *schema.WaitInfo) error {
	if err := x.r.fsm.Transition(ctx, x.run.ID, step.Name, x.run.Status, schema.RunStatusWaiting, waitPayload(wait)); err != nil {
		return err
	}
	x.run.Status = schema.RunStatusWaiting
	x.run.WaitInfo = wait
	err := x.persist(ctx, store.RunUpdate{
		Status:   &x.run.Status,
		WaitInfo: wait,
		Context:  x.run.Context,
		State:    &x.run.State,
	})
	if err != nil {
		return err
	}
	return x.trace(ctx, step.Name, "")
}

func (x *execution) persist(ctx context.Context, update store.RunUpdate) error {
	if update.Status != nil && update.StatusUpdatedAt == nil {
		stamp := x.r.now().UTC()
		update.StatusUpdatedAt = &stamp
		x.run.StatusUpdatedAt = &stamp
	}
	if err := x.r.store.UpdateRun(ctx, x.run.ID, update); err != nil {
		return storeError("checkpoint run", err)
	}
	return nil
}

func (x *execution) emit(ctx context.Context, step, eventType string, payload map[string]any) error {
	return x.r.events.emit(ctx, x.run.ID, step, eventType, payload)
}

func (x *execution) trace(ctx context.Context, step, errMsg string) error {
	if !x.opts.Trace {
		return nil
	}
	now := x.r.now()
	started := x.stepStarted
	if started.IsZero() {
		started = now
	}
	tr := &store.Trace{
		RunID:         x.run.ID,
		StepName:      step,
		Context:       expressions.DeepCopy(x.run.Context),
		WaitInfo:      x.run.WaitInfo,
		Status:        x.run.Status,
		Error:         errMsg,
		UserID:        schema.PrincipalID(x.principal),
		ElapsedMs:     now.Sub(started).Milliseconds(),
		StepStartedAt: started.UTC(),
	}
	if err := x.r.store.AppendTrace(ctx, tr); err != nil {
		return storeError("append trace", err)
	}
	return nil
}

// scope is the evaluation environment of engine expressions: the context plus `user`.
func (x *execution) scope() map[string]any {
	return expressions.NewScope(x.run.Context).WithUser(x.principal).Map()
}

func mergeInto(dst, delta map[string]any) {
	for k, v := range delta {
		dst[k] = v
	}
}

func deltaPayload(delta map[string]any) map[string]any {
	if len(delta) == 0 {
		return nil
	}
	return map[string]any{"keys": sortedKeys(delta)}
}

func waitPayload(w *schema.WaitInfo) map[string]any {
	p := map[string]any{"form": w.Form}
	if w.UserID != "" {
		p["user_id"] = w.UserID
	}
	if w.UntilTime != nil {
		p["until_time"] = w.UntilTime.UTC().Format(time.RFC3339)
	}
	return p
}

// expressionError tags an evaluation failure with the step and field it came from.
func expressionError(err error, step, field string) error {
	if schema.HasCode(err, schema.ErrCodeStore) {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeExpression, "%s: %s", field, errorMessage(err)).
		WithStep(step).WithCause(err)
}

// idString renders a user id expression result.
func idString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		if x == float64(int64(x)) {
			return fmt.Sprintf("%d", int64(x))
		}
	}
	return fmt.Sprint(v)
}
