package store

import (
	"context"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// FindOneRun returns the first run matching filter, or NOT_FOUND.
func FindOneRun(ctx context.Context, s Store, filter RunFilter) (*schema.WorkflowRun, error) {
	filter.Limit = 1
	runs, err := s.FindRuns(ctx, filter)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, schema.NewError(schema.ErrCodeNotFound, "no run matches filter")
	}
	return runs[0], nil
}

// FindResumableRuns lists waiting runs that no longer block at now: no pending
// form, and no deadline or a deadline already past.
func FindResumableRuns(ctx context.Context, s Store, now time.Time) ([]*schema.WorkflowRun, error) {
	waiting := schema.RunStatusWaiting
	runs, err := s.FindRuns(ctx, RunFilter{Status: &waiting})
	if err != nil {
		return nil, err
	}
	out := runs[:0]
	for _, run := range runs {
		if run.WaitInfo.Satisfied(now) {
			out = append(out, run)
		}
	}
	return out, nil
}
