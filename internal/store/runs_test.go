package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/pkg/schema"
)

func TestFindOneRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s, "one")
	run := seedRun(t, s, wf.ID, schema.RunStatusWaiting)

	got, err := FindOneRun(ctx, s, RunFilter{WorkflowID: wf.ID})
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)

	_, err = FindOneRun(ctx, s, RunFilter{WorkflowID: "missing"})
	requireCode(t, err, schema.ErrCodeNotFound)
}

func TestFindResumableRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s, "resumable")
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	tick := seedRun(t, s, wf.ID, schema.RunStatusWaiting)
	require.NoError(t, s.UpdateRun(ctx, tick.ID, RunUpdate{WaitInfo: &schema.WaitInfo{}}))

	due := seedRun(t, s, wf.ID, schema.RunStatusWaiting)
	require.NoError(t, s.UpdateRun(ctx, due.ID, RunUpdate{WaitInfo: &schema.WaitInfo{UntilTime: &past}}))

	later := seedRun(t, s, wf.ID, schema.RunStatusWaiting)
	require.NoError(t, s.UpdateRun(ctx, later.ID, RunUpdate{WaitInfo: &schema.WaitInfo{UntilTime: &future}}))

	form := seedRun(t, s, wf.ID, schema.RunStatusWaiting)
	require.NoError(t, s.UpdateRun(ctx, form.ID, RunUpdate{WaitInfo: &schema.WaitInfo{Form: true}}))

	seedRun(t, s, wf.ID, schema.RunStatusRunning)

	runs, err := FindResumableRuns(ctx, s, now)
	require.NoError(t, err)

	var ids []string
	for _, r := range runs {
		ids = append(ids, r.ID)
	}
	assert.ElementsMatch(t, []string{tick.ID, due.ID}, ids)
}
