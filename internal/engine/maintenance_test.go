package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/pkg/schema"
)

func TestRunResumable(t *testing.T) {
	r, s := newTestRunner(t)
	ctx := context.Background()
	define(t, r, "tick", initial(&schema.WorkflowStep{Name: "wait", ActionName: schema.ActionWaitNextTick, NextStep: "after"}),
		setCtx("after", "{resumed_by: user.id}", ""))
	define(t, r, "ask", initial(&schema.WorkflowStep{Name: "form", ActionName: schema.ActionUserForm}))

	var ticking []string
	for _, who := range []string{"ann", "ben", "cat"} {
		out, err := r.Start(ctx, "tick", nil, &schema.Principal{ID: who}, RunOptions{})
		require.NoError(t, err)
		require.Equal(t, schema.RunStatusWaiting, out.Status)
		ticking = append(ticking, out.RunID)
	}
	form, err := r.Start(ctx, "ask", nil, alice, RunOptions{})
	require.NoError(t, err)

	found, err := r.FindResumable(ctx)
	require.NoError(t, err)
	assert.Len(t, found, 3, "form waits are not resumable")

	report, err := r.RunResumable(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, &ResumeReport{Found: 3, Resumed: 3, Finished: 3}, report)

	for i, id := range ticking {
		run, err := s.GetRun(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, schema.RunStatusFinished, run.Status)
		assert.Equal(t, []string{"ann", "ben", "cat"}[i], run.Context["resumed_by"], "runs resume as their starter")
	}

	still, err := s.GetRun(ctx, form.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusWaiting, still.Status)

	report, err = r.RunResumable(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, &ResumeReport{}, report)
}

func TestPrune(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	r, s := newTestRunner(t, func(d *Deps) { d.Now = clock.Now })
	ctx := context.Background()
	define(t, r, "short", initial(setCtx("a", "{}", "")))
	define(t, r, "stuck", initial(&schema.WorkflowStep{Name: "form", ActionName: schema.ActionUserForm}))

	finished, err := r.Start(ctx, "short", nil, alice, RunOptions{})
	require.NoError(t, err)
	waiting, err := r.Start(ctx, "stuck", nil, alice, RunOptions{})
	require.NoError(t, err)

	policy := PrunePolicy{FinishedDays: 1}
	deleted, err := r.Prune(ctx, policy)
	require.NoError(t, err)
	assert.Empty(t, deleted, "nothing is old enough yet")

	clock.Advance(48 * time.Hour)
	deleted, err = r.Prune(ctx, policy)
	require.NoError(t, err)
	assert.Equal(t, map[schema.RunStatus]int64{schema.RunStatusFinished: 1}, deleted)

	_, err = s.GetRun(ctx, finished.RunID)
	requireCode(t, err, schema.ErrCodeNotFound)
	_, err = s.GetRun(ctx, waiting.RunID)
	require.NoError(t, err, "a zero retention keeps runs forever")
}

func TestPrune_StatusTimesFollowRunnerClock(t *testing.T) {
	clock := &fakeClock{now: time.Now().Add(-72 * time.Hour)}
	r, s := newTestRunner(t, func(d *Deps) { d.Now = clock.Now })
	ctx := context.Background()
	define(t, r, "old", initial(setCtx("a", "{}", "")))

	out, err := r.Start(ctx, "old", nil, alice, RunOptions{})
	require.NoError(t, err)
	require.Equal(t, schema.RunStatusFinished, out.Status)

	run, err := s.GetRun(ctx, out.RunID)
	require.NoError(t, err)
	require.NotNil(t, run.StatusUpdatedAt)
	assert.WithinDuration(t, clock.Now(), *run.StatusUpdatedAt, time.Second)

	clock.Advance(72 * time.Hour)
	deleted, err := r.Prune(ctx, PrunePolicy{FinishedDays: 1})
	require.NoError(t, err)
	assert.Equal(t, map[schema.RunStatus]int64{schema.RunStatusFinished: 1}, deleted)
}
