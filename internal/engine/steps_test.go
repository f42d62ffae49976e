package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

func stepsByName(t *testing.T, r *Runner, workflowID string) map[string]*schema.WorkflowStep {
	t.Helper()
	steps, err := r.Steps().List(context.Background(), workflowID)
	require.NoError(t, err)
	out := make(map[string]*schema.WorkflowStep, len(steps))
	for _, s := range steps {
		out[s.Name] = s
	}
	return out
}

func TestDefineWorkflow(t *testing.T) {
	r, _ := newTestRunner(t)
	ctx := context.Background()

	t.Run("duplicate name", func(t *testing.T) {
		define(t, r, "dup", initial(setCtx("a", "{}", "")))
		_, err := r.Steps().DefineWorkflow(ctx, &schema.Workflow{Name: "dup"}, nil)
		requireCode(t, err, schema.ErrCodeConflict)
	})

	t.Run("empty name", func(t *testing.T) {
		_, err := r.Steps().DefineWorkflow(ctx, &schema.Workflow{}, nil)
		requireCode(t, err, schema.ErrCodeValidation)
	})

	t.Run("invalid graph is not stored", func(t *testing.T) {
		_, err := r.Steps().DefineWorkflow(ctx, &schema.Workflow{Name: "twins"}, []*schema.WorkflowStep{
			initial(setCtx("a", "{}", "")),
			setCtx("a", "{}", ""),
		})
		requireCode(t, err, schema.ErrCodeValidation)

		_, err = r.Store().GetWorkflowByName(ctx, "twins")
		requireCode(t, err, schema.ErrCodeNotFound)
	})

	t.Run("warnings are returned", func(t *testing.T) {
		result, err := r.Steps().DefineWorkflow(ctx, &schema.Workflow{Name: "orphans"}, []*schema.WorkflowStep{
			initial(setCtx("a", "{}", "")),
			setCtx("island", "{}", ""),
		})
		require.NoError(t, err)
		assert.NotEmpty(t, result.Warnings)
	})
}

func TestSteps_Create(t *testing.T) {
	r, _ := newTestRunner(t)
	ctx := context.Background()
	wf := define(t, r, "grow", initial(setCtx("a", "{}", "")))

	step := setCtx("b", "{b: 1}", "")
	step.WorkflowID = wf.ID
	require.NoError(t, r.Steps().Create(ctx, step))
	assert.NotEmpty(t, step.ID)

	dup := setCtx("b", "{}", "")
	dup.WorkflowID = wf.ID
	requireCode(t, r.Steps().Create(ctx, dup), schema.ErrCodeConflict)

	head := initial(setCtx("head", "{}", "a"))
	head.WorkflowID = wf.ID
	require.NoError(t, r.Steps().Create(ctx, head))

	steps := stepsByName(t, r, wf.ID)
	assert.True(t, steps["head"].InitialStep)
	assert.False(t, steps["a"].InitialStep, "a new initial step takes the flag")
}

func TestSteps_CreateRejectsBadConfig(t *testing.T) {
	r, _ := newTestRunner(t)
	wf := define(t, r, "strict", initial(setCtx("a", "{}", "")))

	bad := &schema.WorkflowStep{WorkflowID: wf.ID, Name: "loop", ActionName: schema.ActionForLoop,
		Configuration: map[string]any{"item_variable": "v"}}
	requireCode(t, r.Steps().Create(context.Background(), bad), schema.ErrCodeValidation)
}

func TestSteps_RenameRewritesReferences(t *testing.T) {
	r, _ := newTestRunner(t)
	ctx := context.Background()
	wf := define(t, r, "renamer",
		initial(&schema.WorkflowStep{
			Name: "guard", ActionName: schema.ActionSetErrorHandler, NextStep: "loop",
			Configuration: map[string]any{"error_handling_step": "work"},
		}),
		&schema.WorkflowStep{
			Name: "loop", ActionName: schema.ActionForLoop, NextStep: "work",
			Configuration: map[string]any{"array_expression": "[1]", "item_variable": "v", "loop_body_initial_step": "work"},
		},
		setCtx("work", "{}", ""),
		setCtx("branch", "{}", "flag ? work : loop"),
	)
	steps := stepsByName(t, r, wf.ID)

	name := "labor"
	updated, err := r.Steps().Update(ctx, steps["work"].ID, store.StepUpdate{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "labor", updated.Name)

	steps = stepsByName(t, r, wf.ID)
	assert.Equal(t, "labor", steps["loop"].NextStep)
	assert.Equal(t, "labor", steps["loop"].ConfigString("loop_body_initial_step"))
	assert.Equal(t, "labor", steps["guard"].ConfigString("error_handling_step"))
	assert.Equal(t, "flag ? work : loop", steps["branch"].NextStep, "expressions are left alone")

	taken := "guard"
	_, err = r.Steps().Update(ctx, steps["labor"].ID, store.StepUpdate{Name: &taken})
	requireCode(t, err, schema.ErrCodeConflict)
}

func TestSteps_UpdateInitialFlag(t *testing.T) {
	r, _ := newTestRunner(t)
	ctx := context.Background()
	wf := define(t, r, "flags", initial(setCtx("a", "{}", "b")), setCtx("b", "{}", ""))
	steps := stepsByName(t, r, wf.ID)

	on := true
	_, err := r.Steps().Update(ctx, steps["b"].ID, store.StepUpdate{InitialStep: &on})
	require.NoError(t, err)

	steps = stepsByName(t, r, wf.ID)
	assert.True(t, steps["b"].InitialStep)
	assert.False(t, steps["a"].InitialStep)
}

func TestSteps_DeleteRelink(t *testing.T) {
	r, _ := newTestRunner(t)
	ctx := context.Background()
	wf := define(t, r, "chain",
		initial(setCtx("a", "{}", "b")),
		setCtx("b", "{}", "c"),
		setCtx("c", "{}", ""),
	)
	steps := stepsByName(t, r, wf.ID)

	require.NoError(t, r.Steps().Delete(ctx, steps["b"].ID, true))
	steps = stepsByName(t, r, wf.ID)
	require.Len(t, steps, 2)
	assert.Equal(t, "c", steps["a"].NextStep)

	require.NoError(t, r.Steps().Delete(ctx, steps["a"].ID, true))
	steps = stepsByName(t, r, wf.ID)
	require.Len(t, steps, 1)
	assert.True(t, steps["c"].InitialStep, "the successor of a deleted initial step becomes initial")

	out, err := r.Start(ctx, "chain", nil, alice, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFinished, out.Status)
}

func TestSteps_DeleteRelinksLoopBodyAndHandler(t *testing.T) {
	r, _ := newTestRunner(t)
	ctx := context.Background()
	wf := define(t, r, "trimmed",
		initial(&schema.WorkflowStep{
			Name: "guard", ActionName: schema.ActionSetErrorHandler, NextStep: "loop",
			Configuration: map[string]any{"error_handling_step": "notify"},
		}),
		&schema.WorkflowStep{
			Name: "loop", ActionName: schema.ActionForLoop, NextStep: "after",
			Configuration: map[string]any{
				"array_expression":       "[1, 2]",
				"item_variable":          "v",
				"loop_body_initial_step": "prepare",
			},
		},
		setCtx("prepare", "{}", "collect"),
		setCtx("collect", "{seen: concat(seen ?? [], [v])}", ""),
		setCtx("notify", "{}", "report"),
		setCtx("report", "{reported: true}", ""),
		setCtx("after", "{done: true}", ""),
	)
	steps := stepsByName(t, r, wf.ID)

	require.NoError(t, r.Steps().Delete(ctx, steps["prepare"].ID, true))
	require.NoError(t, r.Steps().Delete(ctx, steps["notify"].ID, true))

	steps = stepsByName(t, r, wf.ID)
	assert.Equal(t, "collect", steps["loop"].ConfigString("loop_body_initial_step"))
	assert.Equal(t, "[1, 2]", steps["loop"].ConfigString("array_expression"), "other keys are kept")
	assert.Equal(t, "report", steps["guard"].ConfigString("error_handling_step"))

	out, err := r.Start(ctx, "trimmed", nil, alice, RunOptions{})
	require.NoError(t, err)
	require.Equal(t, schema.RunStatusFinished, out.Status, out.Error)
	assert.Equal(t, []any{1.0, 2.0}, out.Context["seen"])
	assert.Equal(t, true, out.Context["done"])
}

// failingDeleteStore refuses to delete steps.
type failingDeleteStore struct {
	*store.LibSQLStore
}

func (failingDeleteStore) DeleteStep(ctx context.Context, id string) error {
	return errors.New("disk full")
}

func TestSteps_DeleteRelinksBeforeRemoving(t *testing.T) {
	base := newTestStore(t)
	r, err := NewRunner(Deps{Store: failingDeleteStore{base}})
	require.NoError(t, err)
	ctx := context.Background()
	wf := define(t, r, "sturdy",
		initial(setCtx("a", "{}", "b")),
		setCtx("b", "{}", "c"),
		setCtx("c", "{}", ""),
	)
	steps := stepsByName(t, r, wf.ID)

	err = r.Steps().Delete(ctx, steps["b"].ID, true)
	requireCode(t, err, schema.ErrCodeStore)

	steps = stepsByName(t, r, wf.ID)
	require.Len(t, steps, 3)
	assert.Equal(t, "c", steps["a"].NextStep, "predecessors are relinked before the delete")

	out, err := r.Start(ctx, "sturdy", nil, alice, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFinished, out.Status)
}

func TestSteps_DeleteWithoutRelink(t *testing.T) {
	r, _ := newTestRunner(t)
	ctx := context.Background()
	wf := define(t, r, "cut", initial(setCtx("a", "{}", "b")), setCtx("b", "{}", "c"), setCtx("c", "{}", ""))
	steps := stepsByName(t, r, wf.ID)

	require.NoError(t, r.Steps().Delete(ctx, steps["b"].ID, false))
	steps = stepsByName(t, r, wf.ID)
	assert.Equal(t, "b", steps["a"].NextStep, "dangling reference is kept")

	err := r.Steps().Delete(ctx, "missing", true)
	requireCode(t, err, schema.ErrCodeNotFound)
}

func TestSteps_Diagram(t *testing.T) {
	r, _ := newTestRunner(t)
	wf := define(t, r, "drawn",
		initial(setCtx("start", "{}", "end")),
		setCtx("end", "{}", ""),
	)

	out, err := r.Steps().Diagram(context.Background(), wf.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "flowchart TD")
	assert.Contains(t, out, "step_end", "reserved words are escaped")
	assert.NotContains(t, out, "\n    end[")
}

func TestGenerateDiagram_RejectsUnnamedStep(t *testing.T) {
	_, err := GenerateDiagram([]*schema.WorkflowStep{{ActionName: schema.ActionSetContext}})
	requireCode(t, err, schema.ErrCodeValidation)
}
