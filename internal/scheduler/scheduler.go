package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// RunDriver is the part of the runner the scheduler drives.
type RunDriver interface {
	RunResumable(ctx context.Context, concurrency int) (*engine.ResumeReport, error)
	RunByID(ctx context.Context, runID string, principal *schema.Principal, opts engine.RunOptions) (*engine.RunOutcome, error)
	Prune(ctx context.Context, policy engine.PrunePolicy) (map[schema.RunStatus]int64, error)
}

// Config controls the maintenance loop.
type Config struct {
	// ResumeInterval is the tick period. Waiting runs are resumed once per tick.
	ResumeInterval time.Duration
	// PruneSchedule is a five-field cron expression. Empty disables pruning.
	PruneSchedule string
	Policy        engine.PrunePolicy
	// Concurrency bounds the runs driven at once.
	Concurrency int
	// StaleAfter is how long a Running run must be idle before it counts as
	// interrupted and is recovered.
	StaleAfter time.Duration
}

// Stats counts what the scheduler has done since it was created.
type Stats struct {
	Ticks     int64 `json:"ticks"`
	Resumed   int64 `json:"resumed"`
	Recovered int64 `json:"recovered"`
	Pruned    int64 `json:"pruned"`
	Suspended int64 `json:"suspended"`
	Failed    int64 `json:"failed"`
}

// Scheduler resumes due runs, recovers interrupted ones and prunes old runs.
type Scheduler struct {
	store  store.Store
	driver RunDriver
	cfg    Config
	parser cron.Parser
	prune  cron.Schedule
	pool   *engine.WorkerPool
	logger *slog.Logger
	now    func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	pruneMu   sync.Mutex
	nextPrune time.Time

	ticks, resumed, recovered, pruned, suspended, failed atomic.Int64
}

// NewScheduler creates a Scheduler. The prune schedule is parsed up front.
func NewScheduler(s store.Store, driver RunDriver, cfg Config, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ResumeInterval <= 0 {
		cfg.ResumeInterval = 10 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}

	sch := &Scheduler{
		store:  s,
		driver: driver,
		cfg:    cfg,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		pool:   engine.NewWorkerPool(cfg.Concurrency),
		logger: logger,
		now:    time.Now,
	}
	if cfg.PruneSchedule != "" {
		schedule, err := sch.parser.Parse(cfg.PruneSchedule)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse prune schedule %q: %s", cfg.PruneSchedule, err).WithCause(err)
		}
		sch.prune = schedule
		sch.nextPrune = schedule.Next(sch.now())
	}
	sch.pool.OnError(func(runID string, err error) {
		sch.logger.Error("recover run failed", slog.String("run_id", runID), slog.String("error", err.Error()))
	})
	return sch, nil
}

// Observe counts suspensions and failures reported by the run FSM.
func (s *Scheduler) Observe(fsm *engine.RunFSM) {
	count := func(c *atomic.Int64) engine.TransitionHook {
		return func(context.Context, string, schema.RunStatus, schema.RunStatus) error {
			c.Add(1)
			return nil
		}
	}
	fsm.OnAfter(schema.RunStatusRunning, schema.RunStatusWaiting, count(&s.suspended))
	for _, from := range []schema.RunStatus{schema.RunStatusPending, schema.RunStatusRunning, schema.RunStatusWaiting} {
		fsm.OnAfter(from, schema.RunStatusError, count(&s.failed))
	}
}

// Start recovers interrupted runs once, then launches the background loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	if _, err := s.RecoverInterrupted(schedCtx); err != nil {
		s.logger.Error("failed to recover interrupted runs", slog.String("error", err.Error()))
	}
	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.cfg.ResumeInterval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.ResumeInterval)
	defer ticker.Stop()

	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick resumes every due Waiting run and prunes when the schedule says so.
func (s *Scheduler) Tick(ctx context.Context) {
	s.ticks.Add(1)

	report, err := s.driver.RunResumable(ctx, s.cfg.Concurrency)
	if err != nil {
		s.logger.Error("failed to resume waiting runs", slog.String("error", err.Error()))
	} else {
		s.resumed.Add(int64(report.Resumed))
	}

	if s.pruneDue() {
		if _, err := s.PruneNow(ctx); err != nil {
			s.logger.Error("failed to prune runs", slog.String("error", err.Error()))
		}
	}
}

func (s *Scheduler) pruneDue() bool {
	s.pruneMu.Lock()
	defer s.pruneMu.Unlock()
	if s.prune == nil {
		return false
	}
	now := s.now()
	if now.Before(s.nextPrune) {
		return false
	}
	s.nextPrune = s.prune.Next(now)
	return true
}

// PruneNow applies the prune policy immediately.
func (s *Scheduler) PruneNow(ctx context.Context) (int64, error) {
	deleted, err := s.driver.Prune(ctx, s.cfg.Policy)
	var total int64
	for _, n := range deleted {
		total += n
	}
	s.pruned.Add(total)
	if total > 0 {
		s.logger.Info("pruned runs", slog.Int64("count", total))
	}
	return total, err
}

// RecoverInterrupted drives every Running run that has been idle longer than
// StaleAfter, typically left behind by a crash. Runs already in flight are
// skipped.
func (s *Scheduler) RecoverInterrupted(ctx context.Context) (int, error) {
	running := schema.RunStatusRunning
	before := s.now().Add(-s.cfg.StaleAfter).UTC()
	runs, err := s.store.FindRuns(ctx, store.RunFilter{Status: &running, UpdatedBefore: &before})
	if err != nil {
		return 0, fmt.Errorf("list interrupted runs: %w", err)
	}

	var submitted atomic.Int64
	for _, run := range runs {
		runID, principal := run.ID, &schema.Principal{ID: run.StartedBy}
		accepted, err := s.pool.Submit(ctx, runID, func(ctx context.Context) error {
			out, err := s.driver.RunByID(ctx, runID, principal, engine.RunOptions{})
			if err != nil {
				return err
			}
			s.logger.Info("recovered run", slog.String("run_id", runID), slog.String("status", string(out.Status)))
			submitted.Add(1)
			return nil
		})
		if err != nil {
			return int(submitted.Load()), err
		}
		if !accepted {
			s.logger.Debug("run already in flight", slog.String("run_id", runID))
		}
	}
	s.pool.Wait()

	n := submitted.Load()
	s.recovered.Add(n)
	if n > 0 {
		s.logger.Info("recovered interrupted runs", slog.Int64("count", n))
	}
	return int(n), nil
}

// NextPrune returns when the next prune is due, or the zero time when pruning
// is disabled.
func (s *Scheduler) NextPrune() time.Time {
	s.pruneMu.Lock()
	defer s.pruneMu.Unlock()
	return s.nextPrune
}

// CalculateNextRun computes the next fire time of a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stats returns a snapshot of the counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Ticks:     s.ticks.Load(),
		Resumed:   s.resumed.Load(),
		Recovered: s.recovered.Load(),
		Pruned:    s.pruned.Load(),
		Suspended: s.suspended.Load(),
		Failed:    s.failed.Load(),
	}
}

// Stop gracefully shuts down the scheduler and waits for in-flight recoveries.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.pool.Wait()
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
