package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/stepflow/internal/diagram"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/validation"
	"github.com/rendis/stepflow/pkg/schema"
)

// Steps edits the step graphs of stored workflows.
type Steps struct {
	store     store.Store
	validator *validation.WorkflowValidator
	logger    *slog.Logger
}

// NewSteps creates a step service.
func NewSteps(s store.Store, v *validation.WorkflowValidator, logger *slog.Logger) *Steps {
	if logger == nil {
		logger = slog.Default()
	}
	return &Steps{store: s, validator: v, logger: logger}
}

// Steps returns a step service sharing the runner's store and validator.
func (r *Runner) Steps() *Steps {
	return NewSteps(r.store, r.validator, r.logger)
}

// DefineWorkflow stores a new workflow with its steps. The whole graph is
// validated first; warnings are returned alongside a successful definition.
func (s *Steps) DefineWorkflow(ctx context.Context, wf *schema.Workflow, steps []*schema.WorkflowStep) (*schema.ValidationResult, error) {
	if wf.Name == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow name is empty")
	}
	if _, err := s.store.GetWorkflowByName(ctx, wf.Name); err == nil {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "workflow %q already exists", wf.Name)
	} else if !schema.HasCode(err, schema.ErrCodeNotFound) {
		return nil, storeError("get workflow", err)
	}

	result := s.validator.ValidateGraph(ctx, steps)
	if err := result.ToError(); err != nil {
		return result, err
	}
	if _, err := NewGraph(wf.ID, steps); err != nil {
		return result, err
	}

	if wf.ID == "" {
		wf.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	wf.CreatedAt, wf.UpdatedAt = now, now
	if err := s.store.CreateWorkflow(ctx, wf); err != nil {
		return result, storeError("create workflow", err)
	}
	for _, step := range steps {
		step.WorkflowID = wf.ID
		if step.ID == "" {
			step.ID = uuid.New().String()
		}
		if err := s.store.CreateStep(ctx, step); err != nil {
			return result, storeError("create step", err)
		}
	}
	logging.LogWith(ctx, s.logger).Info("workflow defined", "workflow", wf.Name, "steps", len(steps))
	return result, nil
}

// Create validates and stores one step. Names are unique per workflow, and a
// new initial step takes the flag from any previous one.
func (s *Steps) Create(ctx context.Context, step *schema.WorkflowStep) error {
	if err := s.validator.ValidateStep(ctx, step).ToError(); err != nil {
		return err
	}
	siblings, err := s.List(ctx, step.WorkflowID)
	if err != nil {
		return err
	}
	for _, sib := range siblings {
		if sib.Name == step.Name {
			return schema.NewErrorf(schema.ErrCodeConflict, "step %q already exists in workflow", step.Name).WithStep(step.Name)
		}
	}

	if step.ID == "" {
		step.ID = uuid.New().String()
	}
	if err := s.store.CreateStep(ctx, step); err != nil {
		return storeError("create step", err)
	}
	if step.InitialStep {
		return s.clearInitial(ctx, siblings, step.ID)
	}
	return nil
}

// Update applies a partial update to a step. A rename rewrites every literal
// reference to the old name in the same workflow: next_step, loop bodies and
// error handlers.
func (s *Steps) Update(ctx context.Context, id string, update store.StepUpdate) (*schema.WorkflowStep, error) {
	current, err := s.store.GetStep(ctx, id)
	if err != nil {
		return nil, err
	}
	merged := applyStepUpdate(current, update)
	if err := s.validator.ValidateStep(ctx, merged).ToError(); err != nil {
		return nil, err
	}

	siblings, err := s.List(ctx, current.WorkflowID)
	if err != nil {
		return nil, err
	}
	renamed := merged.Name != current.Name
	if renamed {
		for _, sib := range siblings {
			if sib.ID != id && sib.Name == merged.Name {
				return nil, schema.NewErrorf(schema.ErrCodeConflict, "step %q already exists in workflow", merged.Name)
			}
		}
	}

	if err := s.store.UpdateStep(ctx, id, update); err != nil {
		return nil, storeError("update step", err)
	}
	if update.InitialStep != nil && *update.InitialStep {
		if err := s.clearInitial(ctx, siblings, id); err != nil {
			return nil, err
		}
	}
	if renamed {
		if err := s.rewriteReferences(ctx, current.WorkflowID, current.Name, merged.Name); err != nil {
			return nil, err
		}
		logging.LogWith(ctx, s.logger).Info("step renamed", "from", current.Name, "to", merged.Name)
	}
	return s.store.GetStep(ctx, id)
}

// Delete removes a step. With relink, predecessors whose literal next_step
// named it take over its next_step, loop bodies and error handlers pointing
// at it move to its literal successor, and if it was the initial step that
// successor becomes initial. Relinking is written before the step is removed.
func (s *Steps) Delete(ctx context.Context, id string, relink bool) error {
	victim, err := s.store.GetStep(ctx, id)
	if err != nil {
		return err
	}
	if relink {
		if err := s.relink(ctx, victim); err != nil {
			return err
		}
	}
	if err := s.store.DeleteStep(ctx, id); err != nil {
		return storeError("delete step", err)
	}
	logging.LogWith(ctx, s.logger).Info("step deleted", "step", victim.Name, "relinked", relink)
	return nil
}

func (s *Steps) relink(ctx context.Context, victim *schema.WorkflowStep) error {
	steps, err := s.List(ctx, victim.WorkflowID)
	if err != nil {
		return err
	}
	var successor *schema.WorkflowStep
	for _, step := range steps {
		if step.ID != victim.ID && step.Name == victim.NextStep {
			successor = step
		}
	}

	for _, step := range steps {
		if step.ID == victim.ID {
			continue
		}
		var update store.StepUpdate
		if step.NextStep == victim.Name {
			next := victim.NextStep
			update.NextStep = &next
		}
		if successor != nil {
			if cfg, changed := renameConfigRefs(step, victim.Name, successor.Name); changed {
				update.Configuration = cfg
			}
		}
		if update.NextStep == nil && update.Configuration == nil {
			continue
		}
		if err := s.store.UpdateStep(ctx, step.ID, update); err != nil {
			return storeError("relink step", err)
		}
	}
	if victim.InitialStep && successor != nil {
		off, initial := false, true
		if err := s.store.UpdateStep(ctx, victim.ID, store.StepUpdate{InitialStep: &off}); err != nil {
			return storeError("relink initial step", err)
		}
		if err := s.store.UpdateStep(ctx, successor.ID, store.StepUpdate{InitialStep: &initial}); err != nil {
			return storeError("relink initial step", err)
		}
	}
	return nil
}

// List returns the steps of a workflow.
func (s *Steps) List(ctx context.Context, workflowID string) ([]*schema.WorkflowStep, error) {
	steps, err := s.store.ListSteps(ctx, workflowID)
	if err != nil {
		return nil, storeError("list steps", err)
	}
	return steps, nil
}

// Diagram renders the Mermaid flowchart of a workflow.
func (s *Steps) Diagram(ctx context.Context, workflowID string) (string, error) {
	steps, err := s.List(ctx, workflowID)
	if err != nil {
		return "", err
	}
	return GenerateDiagram(steps)
}

// GenerateDiagram renders steps as Mermaid flowchart text.
func GenerateDiagram(steps []*schema.WorkflowStep) (string, error) {
	model, err := diagram.Build(steps)
	if err != nil {
		return "", err
	}
	return diagram.RenderMermaid(model), nil
}

func (s *Steps) clearInitial(ctx context.Context, steps []*schema.WorkflowStep, keepID string) error {
	off := false
	for _, step := range steps {
		if step.ID == keepID || !step.InitialStep {
			continue
		}
		if err := s.store.UpdateStep(ctx, step.ID, store.StepUpdate{InitialStep: &off}); err != nil {
			return storeError("clear initial step", err)
		}
	}
	return nil
}

func (s *Steps) rewriteReferences(ctx context.Context, workflowID, from, to string) error {
	steps, err := s.List(ctx, workflowID)
	if err != nil {
		return err
	}
	for _, step := range steps {
		var update store.StepUpdate
		if step.NextStep == from {
			update.NextStep = &to
		}
		if cfg, changed := renameConfigRefs(step, from, to); changed {
			update.Configuration = cfg
		}
		if update.NextStep == nil && update.Configuration == nil {
			continue
		}
		if err := s.store.UpdateStep(ctx, step.ID, update); err != nil {
			return storeError("rewrite step reference", err)
		}
	}
	return nil
}

func renameConfigRefs(step *schema.WorkflowStep, from, to string) (map[string]any, bool) {
	var key string
	switch step.ActionName {
	case schema.ActionForLoop:
		key = "loop_body_initial_step"
	case schema.ActionSetErrorHandler:
		key = "error_handling_step"
	default:
		return nil, false
	}
	if step.ConfigString(key) != from {
		return nil, false
	}
	cfg := make(map[string]any, len(step.Configuration))
	for k, v := range step.Configuration {
		cfg[k] = v
	}
	cfg[key] = to
	return cfg, true
}

func applyStepUpdate(step *schema.WorkflowStep, u store.StepUpdate) *schema.WorkflowStep {
	out := *step
	if u.Name != nil {
		out.Name = *u.Name
	}
	if u.ActionName != nil {
		out.ActionName = *u.ActionName
	}
	if u.Configuration != nil {
		out.Configuration = u.Configuration
	}
	if u.NextStep != nil {
		out.NextStep = *u.NextStep
	}
	if u.OnlyIf != nil {
		out.OnlyIf = *u.OnlyIf
	}
	if u.InitialStep != nil {
		out.InitialStep = *u.InitialStep
	}
	return &out
}
