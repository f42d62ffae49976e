package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeDriver records calls made by the scheduler.
type fakeDriver struct {
	mu       sync.Mutex
	resumes  int
	prunes   []engine.PrunePolicy
	runByID  []string
	pruneErr error
}

func (f *fakeDriver) RunResumable(context.Context, int) (*engine.ResumeReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumes++
	return &engine.ResumeReport{Found: 2, Resumed: 2, Finished: 2}, nil
}

func (f *fakeDriver) RunByID(_ context.Context, runID string, _ *schema.Principal, _ engine.RunOptions) (*engine.RunOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runByID = append(f.runByID, runID)
	return &engine.RunOutcome{RunID: runID, Status: schema.RunStatusFinished}, nil
}

func (f *fakeDriver) Prune(_ context.Context, p engine.PrunePolicy) (map[schema.RunStatus]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prunes = append(f.prunes, p)
	return map[schema.RunStatus]int64{schema.RunStatusFinished: 3, schema.RunStatusError: 1}, f.pruneErr
}

func (f *fakeDriver) pruneCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prunes)
}

func newRealRunner(t *testing.T) (*engine.Runner, *store.LibSQLStore) {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "sched.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	r, err := engine.NewRunner(engine.Deps{Store: s, Logger: quiet})
	require.NoError(t, err)
	return r, s
}

func TestNewScheduler_BadCron(t *testing.T) {
	_, err := NewScheduler(nil, &fakeDriver{}, Config{PruneSchedule: "every day"}, quiet)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestNewScheduler_Defaults(t *testing.T) {
	s, err := NewScheduler(nil, &fakeDriver{}, Config{}, quiet)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, s.cfg.ResumeInterval)
	assert.Equal(t, 4, s.cfg.Concurrency)
	assert.True(t, s.NextPrune().IsZero(), "no schedule, no pruning")
}

func TestCalculateNextRun(t *testing.T) {
	s, err := NewScheduler(nil, &fakeDriver{}, Config{}, quiet)
	require.NoError(t, err)

	from := time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC)
	next, err := s.CalculateNextRun("0 3 * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 5, 5, 3, 0, 0, 0, time.UTC), next)

	_, err = s.CalculateNextRun("bad", from)
	assert.Error(t, err)
}

func TestTick_PrunesOnSchedule(t *testing.T) {
	driver := &fakeDriver{}
	policy := engine.PrunePolicy{FinishedDays: 7}
	s, err := NewScheduler(nil, driver, Config{PruneSchedule: "0 3 * * *", Policy: policy}, quiet)
	require.NoError(t, err)

	fixed := time.Date(2026, 5, 4, 3, 0, 30, 0, time.UTC)
	s.now = func() time.Time { return fixed }
	s.nextPrune = fixed.Add(-time.Minute)

	s.Tick(context.Background())
	assert.Equal(t, 1, driver.pruneCount())
	assert.Equal(t, policy, driver.prunes[0])
	assert.Equal(t, time.Date(2026, 5, 5, 3, 0, 0, 0, time.UTC), s.NextPrune())

	s.Tick(context.Background())
	assert.Equal(t, 1, driver.pruneCount(), "not due again until tomorrow")

	stats := s.Stats()
	assert.Equal(t, int64(2), stats.Ticks)
	assert.Equal(t, int64(4), stats.Resumed)
	assert.Equal(t, int64(4), stats.Pruned)
}

func TestPruneNow_ReportsError(t *testing.T) {
	driver := &fakeDriver{pruneErr: errors.New("disk full")}
	s, err := NewScheduler(nil, driver, Config{}, quiet)
	require.NoError(t, err)

	n, err := s.PruneNow(context.Background())
	assert.EqualError(t, err, "disk full")
	assert.Equal(t, int64(4), n)
}

func TestTick_ResumesDueRuns(t *testing.T) {
	r, st := newRealRunner(t)
	ctx := context.Background()
	_, err := r.Steps().DefineWorkflow(ctx, &schema.Workflow{Name: "tick"}, []*schema.WorkflowStep{
		{Name: "wait", ActionName: schema.ActionWaitNextTick, InitialStep: true, NextStep: "done"},
		{Name: "done", ActionName: schema.ActionSetContext, Configuration: map[string]any{"ctx_values": "{done: true}"}},
	})
	require.NoError(t, err)

	out, err := r.Start(ctx, "tick", nil, &schema.Principal{ID: "ann"}, engine.RunOptions{})
	require.NoError(t, err)
	require.Equal(t, schema.RunStatusWaiting, out.Status)

	s, err := NewScheduler(st, r, Config{}, quiet)
	require.NoError(t, err)
	s.Tick(ctx)

	run, err := st.GetRun(ctx, out.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFinished, run.Status)
	assert.Equal(t, true, run.Context["done"])
	assert.Equal(t, int64(1), s.Stats().Resumed)
}

func TestRecoverInterrupted(t *testing.T) {
	r, st := newRealRunner(t)
	ctx := context.Background()
	wf := &schema.Workflow{Name: "crashy"}
	_, err := r.Steps().DefineWorkflow(ctx, wf, []*schema.WorkflowStep{
		{Name: "a", ActionName: schema.ActionSetContext, InitialStep: true, NextStep: "b",
			Configuration: map[string]any{"ctx_values": "{a: 1}"}},
		{Name: "b", ActionName: schema.ActionSetContext, Configuration: map[string]any{"ctx_values": "{b: a + 1}"}},
	})
	require.NoError(t, err)

	// A run left Running at step b, as after a crash mid-flight.
	run, err := r.CreateRun(ctx, wf, map[string]any{"a": 1}, &schema.Principal{ID: "ann"}, "")
	require.NoError(t, err)
	running, step := schema.RunStatusRunning, "b"
	require.NoError(t, st.UpdateRun(ctx, run.ID, store.RunUpdate{Status: &running, CurrentStep: &step}))

	s, err := NewScheduler(st, r, Config{StaleAfter: time.Minute}, quiet)
	require.NoError(t, err)

	n, err := s.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "recently active runs are left alone")

	s.now = func() time.Time { return time.Now().Add(time.Hour) }
	n, err = s.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFinished, got.Status)
	assert.Equal(t, 2.0, got.Context["b"])
	assert.Equal(t, int64(1), s.Stats().Recovered)
}

func TestObserve_CountsTransitions(t *testing.T) {
	r, st := newRealRunner(t)
	ctx := context.Background()
	_, err := r.Steps().DefineWorkflow(ctx, &schema.Workflow{Name: "ask"}, []*schema.WorkflowStep{
		{Name: "q", ActionName: schema.ActionUserForm, InitialStep: true},
	})
	require.NoError(t, err)
	_, err = r.Steps().DefineWorkflow(ctx, &schema.Workflow{Name: "boom"}, []*schema.WorkflowStep{
		{Name: "f", ActionName: "workflow.fail", InitialStep: true, Configuration: map[string]any{"reason": "x"}},
	})
	require.NoError(t, err)

	s, err := NewScheduler(st, r, Config{}, quiet)
	require.NoError(t, err)
	s.Observe(r.FSM())

	_, err = r.Start(ctx, "ask", nil, nil, engine.RunOptions{})
	require.NoError(t, err)
	_, err = r.Start(ctx, "boom", nil, nil, engine.RunOptions{})
	require.NoError(t, err)

	stats := s.Stats()
	assert.Equal(t, int64(1), stats.Suspended)
	assert.Equal(t, int64(1), stats.Failed)
}

func TestStartStop(t *testing.T) {
	_, st := newRealRunner(t)
	driver := &fakeDriver{}

	s, err := NewScheduler(st, driver, Config{ResumeInterval: time.Hour}, quiet)
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()), "double start")

	require.Eventually(t, func() bool {
		driver.mu.Lock()
		defer driver.mu.Unlock()
		return driver.resumes >= 1
	}, time.Second, 10*time.Millisecond, "initial tick runs immediately")

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop(), "stop is idempotent")
}
