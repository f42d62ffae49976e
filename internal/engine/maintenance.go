package engine

import (
	"context"
	"time"

	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// PrunePolicy holds, per status, how many days a run is kept after its last
// status change. Zero keeps runs of that status forever.
type PrunePolicy struct {
	FinishedDays int `json:"delete_finished_workflows_days"`
	ErrorDays    int `json:"delete_error_workflows_days"`
	WaitingDays  int `json:"delete_waiting_workflows_days"`
	RunningDays  int `json:"delete_running_workflows_days"`
}

func (p PrunePolicy) days() map[schema.RunStatus]int {
	return map[schema.RunStatus]int{
		schema.RunStatusError:    p.ErrorDays,
		schema.RunStatusFinished: p.FinishedDays,
		schema.RunStatusRunning:  p.RunningDays,
		schema.RunStatusWaiting:  p.WaitingDays,
	}
}

// ResumeReport summarizes a RunResumable pass.
type ResumeReport struct {
	Found    int `json:"found"`
	Resumed  int `json:"resumed"`
	Finished int `json:"finished"`
	Failed   int `json:"failed"`
	Skipped  int `json:"skipped"`
}

// FindResumable lists waiting runs whose wait is satisfied now.
func (r *Runner) FindResumable(ctx context.Context) ([]*schema.WorkflowRun, error) {
	runs, err := store.FindResumableRuns(ctx, r.store, r.now())
	if err != nil {
		return nil, storeError("find resumable runs", err)
	}
	return runs, nil
}

// RunResumable runs every resumable run, at most concurrency at a time. Runs
// are driven by the principal that started them.
func (r *Runner) RunResumable(ctx context.Context, concurrency int) (*ResumeReport, error) {
	runs, err := r.FindResumable(ctx)
	if err != nil {
		return nil, err
	}
	report := &ResumeReport{Found: len(runs)}
	if len(runs) == 0 {
		return report, nil
	}

	logger := logging.LogWith(ctx, r.logger)
	pool := NewWorkerPool(concurrency)
	pool.OnError(func(runID string, err error) {
		logger.Error("resume run failed", "run_id", runID, "error", err)
	})

	outcomes := make(chan *RunOutcome, len(runs))
	for _, run := range runs {
		principal := &schema.Principal{ID: run.StartedBy}
		runID := run.ID
		accepted, err := pool.Submit(ctx, runID, func(ctx context.Context) error {
			out, err := r.RunByID(ctx, runID, principal, RunOptions{})
			if err != nil {
				return err
			}
			outcomes <- out
			return nil
		})
		if err != nil {
			pool.Shutdown()
			return nil, err
		}
		if !accepted {
			report.Skipped++
		}
	}
	pool.Shutdown()
	close(outcomes)

	for out := range outcomes {
		report.Resumed++
		switch out.Status {
		case schema.RunStatusFinished:
			report.Finished++
		case schema.RunStatusError:
			report.Failed++
		}
	}
	report.Failed += int(pool.Metrics().Failed)
	logger.Info("resumed waiting runs", "found", report.Found, "resumed", report.Resumed, "failed", report.Failed)
	return report, nil
}

// Prune deletes runs older than the policy allows, per status. It returns the
// number of deleted runs by status.
func (r *Runner) Prune(ctx context.Context, policy PrunePolicy) (map[schema.RunStatus]int64, error) {
	deleted := map[schema.RunStatus]int64{}
	now := r.now()
	for status, days := range policy.days() {
		if days <= 0 {
			continue
		}
		cutoff := now.Add(-time.Duration(days) * 24 * time.Hour).UTC()
		n, err := r.store.PruneRuns(ctx, status, cutoff)
		if err != nil {
			return deleted, storeError("prune runs", err)
		}
		if n > 0 {
			deleted[status] = n
			logging.LogWith(ctx, r.logger).Info("pruned runs", "status", status, "count", n, "older_than_days", days)
		}
	}
	return deleted, nil
}
