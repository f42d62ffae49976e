package engine

import (
	"context"
	"encoding/json"

	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/validation"
	"github.com/rendis/stepflow/pkg/schema"
)

// PendingForm describes the input a waiting run expects.
type PendingForm struct {
	RunID    string             `json:"run_id"`
	Step     string             `json:"step"`
	Action   string             `json:"action"`
	UserID   string             `json:"user_id,omitempty"`
	Output   string             `json:"output,omitempty"`
	Markdown bool               `json:"markdown,omitempty"`
	Fields   []schema.FormField `json:"fields,omitempty"`
}

// ProvideFormInput merges values into a waiting run's context and clears its
// form flag. A deadline wait, if any, still applies. The run is not advanced.
func (r *Runner) ProvideFormInput(ctx context.Context, runID string, values map[string]any) error {
	unlock := r.lockRun(runID)
	defer unlock()
	return r.provideFormInput(ctx, runID, values)
}

func (r *Runner) provideFormInput(ctx context.Context, runID string, values map[string]any) error {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != schema.RunStatusWaiting {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %s is %s, not waiting for input", runID, run.Status)
	}
	delta, err := normalizeRecord(values)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "form values are not JSON-serializable").WithCause(err)
	}

	if run.Context == nil {
		run.Context = map[string]any{}
	}
	mergeInto(run.Context, delta)
	wait := schema.WaitInfo{}
	if run.WaitInfo != nil {
		wait = *run.WaitInfo
	}
	wait.Form = false

	err = r.store.UpdateRun(ctx, runID, store.RunUpdate{Context: run.Context, WaitInfo: &wait})
	if err != nil {
		return storeError("provide form input", err)
	}

	ctx = logging.WithRun(ctx, run.WorkflowID, run.ID)
	keys := sortedKeys(delta)
	if err := r.events.emit(ctx, runID, run.CurrentStep, schema.EventFormSubmitted, map[string]any{"fields": keys}); err != nil {
		return err
	}
	logging.LogWith(ctx, r.logger).Debug("form input provided", "step", run.CurrentStep, "fields", keys)
	return nil
}

// SubmitForm answers the pending form of a run on behalf of principal and
// runs it onward. UserForm answers are validated against the step's questions.
func (r *Runner) SubmitForm(ctx context.Context, runID string, principal *schema.Principal, values map[string]any, opts RunOptions) (*RunOutcome, error) {
	unlock := r.lockRun(runID)
	defer unlock()

	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != schema.RunStatusWaiting || run.WaitInfo == nil || !run.WaitInfo.Form {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "run %s has no pending form", runID)
	}
	if !UserAllowedToFillForm(run, principal) {
		return nil, schema.NewErrorf(schema.ErrCodeForbidden, "user %q may not fill the form of run %s",
			schema.PrincipalID(principal), runID)
	}

	steps, err := r.store.ListSteps(ctx, run.WorkflowID)
	if err != nil {
		return nil, storeError("load steps", err)
	}
	for _, s := range steps {
		if s.Name != run.CurrentStep || s.ActionName != schema.ActionUserForm {
			continue
		}
		questions, err := FormQuestions(s)
		if err != nil {
			return nil, err
		}
		if err := r.validator.ValidateFormAnswers(questions, values); err != nil {
			return nil, err
		}
	}

	if err := r.provideFormInput(ctx, runID, values); err != nil {
		return nil, err
	}
	fresh, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return r.execute(ctx, fresh, principal, opts)
}

// GetPendingForm describes what a waiting run expects from its user.
func (r *Runner) GetPendingForm(ctx context.Context, runID string) (*PendingForm, error) {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != schema.RunStatusWaiting || run.WaitInfo == nil || !run.WaitInfo.Form {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "run %s has no pending form", runID)
	}
	pf := &PendingForm{
		RunID:    run.ID,
		Step:     run.CurrentStep,
		UserID:   run.WaitInfo.UserID,
		Output:   run.WaitInfo.Output,
		Markdown: run.WaitInfo.Markdown,
	}

	steps, err := r.store.ListSteps(ctx, run.WorkflowID)
	if err != nil {
		return nil, storeError("load steps", err)
	}
	for _, s := range steps {
		if s.Name != run.CurrentStep {
			continue
		}
		pf.Action = s.ActionName
		if s.ActionName == schema.ActionUserForm {
			if pf.Fields, err = FormFields(s); err != nil {
				return nil, err
			}
		}
	}
	return pf, nil
}

// UserAllowedToFillForm reports whether p may answer the run's pending form.
// A form without a designated user is open to anyone.
func UserAllowedToFillForm(run *schema.WorkflowRun, p *schema.Principal) bool {
	if run.WaitInfo == nil || run.WaitInfo.UserID == "" {
		return true
	}
	return run.WaitInfo.UserID == schema.PrincipalID(p)
}

// FormQuestions decodes the user_form_questions of a UserForm step.
func FormQuestions(step *schema.WorkflowStep) ([]schema.FormQuestion, error) {
	raw, ok := step.Configuration["user_form_questions"]
	if !ok || raw == nil {
		return nil, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "user_form_questions is not JSON").WithStep(step.Name).WithCause(err)
	}
	var questions []schema.FormQuestion
	if err := json.Unmarshal(b, &questions); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "user_form_questions must be a list of questions").
			WithStep(step.Name).WithCause(err)
	}
	return questions, nil
}

// FormFields maps the questions of a UserForm step to renderable fields.
func FormFields(step *schema.WorkflowStep) ([]schema.FormField, error) {
	questions, err := FormQuestions(step)
	if err != nil {
		return nil, err
	}
	fields := make([]schema.FormField, 0, len(questions))
	for _, q := range questions {
		f := schema.FormField{Label: q.Label, Name: q.VarName}
		switch q.QType {
		case schema.QTypeYesNo:
			f.Type = "String"
			f.Options = []string{"Yes", "No"}
			f.FieldView = "radio_group"
		case schema.QTypeCheckbox:
			f.Type = "Bool"
		case schema.QTypeFreeText:
			f.Type = "String"
		case schema.QTypeMultipleChoice:
			f.Type = "String"
			f.Options = validation.SplitOptions(q.Options)
			f.FieldView = "radio_group"
		case schema.QTypeInteger:
			f.Type = "Integer"
		case schema.QTypeFloat:
			f.Type = "Float"
		}
		fields = append(fields, f)
	}
	return fields, nil
}
