package engine

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// builtin dispatches the action kinds the engine handles itself. Every error
// returned here fails the run; none is routed to the error handler.
func (x *execution) builtin(ctx context.Context, step *schema.WorkflowStep) (*stepResult, error) {
	switch step.ActionName {
	case schema.ActionSetContext:
		return x.setContext(ctx, step)
	case schema.ActionForLoop:
		return x.forLoop(ctx, step)
	case schema.ActionSetErrorHandler:
		return x.setErrorHandler(ctx, step)
	case schema.ActionUserForm:
		return x.userForm(ctx, step)
	case schema.ActionOutput:
		return x.output(ctx, step)
	case schema.ActionDataOutput:
		return x.dataOutput(ctx, step)
	case schema.ActionWaitUntil:
		return x.waitUntil(ctx, step)
	case schema.ActionWaitNextTick:
		return &stepResult{wait: &schema.WaitInfo{}}, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeActionUnavailable, "unknown engine action %q", step.ActionName).WithStep(step.Name)
}

func (x *execution) setContext(ctx context.Context, step *schema.WorkflowStep) (*stepResult, error) {
	src := step.ConfigString("ctx_values")
	if src == "" {
		return nil, configError(step, "ctx_values")
	}
	values, err := x.r.eval.EvaluateRecord(ctx, src, x.scope())
	if err != nil {
		return nil, expressionError(err, step.Name, "ctx_values")
	}
	delta, err := normalizeRecord(values)
	if err != nil {
		return nil, expressionError(err, step.Name, "ctx_values")
	}
	return &stepResult{delta: delta}, nil
}

// forLoop pushes a loop frame and enters the body with the first item bound.
// An empty array skips straight to the loop's own successor.
func (x *execution) forLoop(ctx context.Context, step *schema.WorkflowStep) (*stepResult, error) {
	arrayExpr := step.ConfigString("array_expression")
	itemVar := step.ConfigString("item_variable")
	bodyName := step.ConfigString("loop_body_initial_step")
	switch {
	case arrayExpr == "":
		return nil, configError(step, "array_expression")
	case itemVar == "":
		return nil, configError(step, "item_variable")
	case bodyName == "":
		return nil, configError(step, "loop_body_initial_step")
	case bodyName == step.Name:
		return nil, schema.NewError(schema.ErrCodeValidation, "loop body cannot be the loop step itself").WithStep(step.Name)
	}
	body, ok := x.graph.Step(bodyName)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "loop body step %q not found", bodyName).WithStep(step.Name)
	}

	list, err := x.r.eval.EvaluateList(ctx, arrayExpr, x.scope())
	if err != nil {
		return nil, expressionError(err, step.Name, "array_expression")
	}
	if len(list) == 0 {
		if err := x.emit(ctx, step.Name, schema.EventLoopCompleted, map[string]any{"iterations": 0}); err != nil {
			return nil, err
		}
		return &stepResult{}, nil
	}

	normalized, err := normalizeValue(list)
	if err != nil {
		return nil, expressionError(err, step.Name, "array_expression")
	}
	items := normalized.([]any)

	x.run.State.Loops = append(x.run.State.Loops, schema.LoopFrame{
		Step:         step.Name,
		Items:        items,
		ItemVariable: itemVar,
		BodyStep:     body.Name,
	})
	if err := x.emit(ctx, step.Name, schema.EventLoopIterStarted, map[string]any{"index": 0}); err != nil {
		return nil, err
	}
	return &stepResult{delta: map[string]any{itemVar: items[0]}, next: body}, nil
}

func (x *execution) setErrorHandler(ctx context.Context, step *schema.WorkflowStep) (*stepResult, error) {
	handler := step.ConfigString("error_handling_step")
	if handler == "" {
		return nil, configError(step, "error_handling_step")
	}
	if !x.graph.Has(handler) {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "error handling step %q not found", handler).WithStep(step.Name)
	}
	x.run.State.ErrorHandler = handler
	if err := x.emit(ctx, step.Name, schema.EventErrorHandlerSet, map[string]any{"handler": handler}); err != nil {
		return nil, err
	}
	return &stepResult{}, nil
}

func (x *execution) userForm(ctx context.Context, step *schema.WorkflowStep) (*stepResult, error) {
	userID, err := x.waitUser(ctx, step)
	if err != nil {
		return nil, err
	}
	return &stepResult{wait: &schema.WaitInfo{Form: true, UserID: userID}}, nil
}

func (x *execution) output(ctx context.Context, step *schema.WorkflowStep) (*stepResult, error) {
	text, err := x.r.interp.Render(ctx, step.ConfigString("output_text"), x.scope())
	if err != nil {
		return nil, expressionError(err, step.Name, "output_text")
	}
	userID, err := x.waitUser(ctx, step)
	if err != nil {
		return nil, err
	}
	return &stepResult{wait: &schema.WaitInfo{
		Form:     true,
		UserID:   userID,
		Output:   text,
		Markdown: step.ConfigBool("markdown"),
	}}, nil
}

func (x *execution) dataOutput(ctx context.Context, step *schema.WorkflowStep) (*stepResult, error) {
	src := step.ConfigString("output_expr")
	if src == "" {
		return nil, configError(step, "output_expr")
	}
	v, err := x.r.eval.Evaluate(ctx, src, x.scope())
	if err != nil {
		return nil, expressionError(err, step.Name, "output_expr")
	}
	v, err = normalizeValue(v)
	if err != nil {
		return nil, expressionError(err, step.Name, "output_expr")
	}
	return &stepResult{wait: &schema.WaitInfo{
		Form:   true,
		UserID: schema.PrincipalID(x.principal),
		Output: DataOutputHTML(v),
	}}, nil
}

func (x *execution) waitUntil(ctx context.Context, step *schema.WorkflowStep) (*stepResult, error) {
	src := step.ConfigString("resume_at")
	if src == "" {
		return nil, configError(step, "resume_at")
	}
	v, err := x.r.eval.Evaluate(ctx, src, x.scope())
	if err != nil {
		return nil, expressionError(err, step.Name, "resume_at")
	}
	at, err := parseDeadline(v)
	if err != nil {
		return nil, expressionError(err, step.Name, "resume_at")
	}
	at = at.UTC()
	return &stepResult{wait: &schema.WaitInfo{UntilTime: &at}}, nil
}

// waitUser picks who may answer a suspension: user_id_expression when set,
// otherwise the principal driving the run.
func (x *execution) waitUser(ctx context.Context, step *schema.WorkflowStep) (string, error) {
	src := step.ConfigString("user_id_expression")
	if src == "" {
		return schema.PrincipalID(x.principal), nil
	}
	v, err := x.r.eval.Evaluate(ctx, src, x.scope())
	if err != nil {
		return "", expressionError(err, step.Name, "user_id_expression")
	}
	return idString(v), nil
}

// parseDeadline accepts a time, an RFC 3339 string or epoch milliseconds.
func parseDeadline(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		s := strings.TrimSpace(t)
		if at, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return at, nil
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.UnixMilli(ms), nil
		}
		return time.Time{}, schema.NewErrorf(schema.ErrCodeExpression, "%q is not an RFC 3339 time or epoch milliseconds", t)
	case float64:
		return time.UnixMilli(int64(t)), nil
	case int:
		return time.UnixMilli(int64(t)), nil
	case int64:
		return time.UnixMilli(t), nil
	}
	return time.Time{}, schema.NewErrorf(schema.ErrCodeExpression, "deadline must be a time, got %T", v)
}

func configError(step *schema.WorkflowStep, field string) error {
	return schema.NewErrorf(schema.ErrCodeValidation, "%s requires configuration %s", step.ActionName, field).WithStep(step.Name)
}
