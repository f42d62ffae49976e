package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/stepflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Workflows ---

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *schema.Workflow) error {
	wf.CreatedAt = timeOrNow(wf.CreatedAt)
	wf.UpdatedAt = timeOrNow(wf.UpdatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name, description, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		wf.ID, wf.Name, nullStr(wf.Description), wf.CreatedAt, wf.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %q already exists", wf.Name).WithCause(err)
	}
	return err
}

const workflowColumns = `id, name, description, created_at, updated_at`

func scanWorkflow(row interface{ Scan(...any) error }) (*schema.Workflow, error) {
	wf := &schema.Workflow{}
	var desc sql.NullString
	if err := row.Scan(&wf.ID, &wf.Name, &desc, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
		return nil, err
	}
	wf.Description = desc.String
	return wf, nil
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	wf, err := scanWorkflow(s.db.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	return wf, err
}

func (s *LibSQLStore) GetWorkflowByName(ctx context.Context, name string) (*schema.Workflow, error) {
	wf, err := scanWorkflow(s.db.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE name = ?`, name))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", name)
	}
	return wf, err
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows ORDER BY name ASC`
	query += limitClause(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

// --- Steps ---

func (s *LibSQLStore) CreateStep(ctx context.Context, step *schema.WorkflowStep) error {
	cfg, err := marshalMapOrDefault(step.Configuration)
	if err != nil {
		return fmt.Errorf("marshal step configuration: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_steps (id, workflow_id, name, action_name, configuration, next_step, only_if, initial_step)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID, step.WorkflowID, step.Name, step.ActionName, string(cfg),
		nullStr(step.NextStep), nullStr(step.OnlyIf), boolInt(step.InitialStep),
	)
	if isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict, "step %q already exists in workflow", step.Name).
			WithStep(step.Name).WithCause(err)
	}
	return err
}

const stepColumns = `id, workflow_id, name, action_name, configuration, next_step, only_if, initial_step`

func scanStep(row interface{ Scan(...any) error }) (*schema.WorkflowStep, error) {
	st := &schema.WorkflowStep{}
	var (
		cfgJSON         string
		nextStep, onlyIf sql.NullString
		initial         int
	)
	if err := row.Scan(&st.ID, &st.WorkflowID, &st.Name, &st.ActionName, &cfgJSON, &nextStep, &onlyIf, &initial); err != nil {
		return nil, err
	}
	if cfgJSON != "" {
		if err := json.Unmarshal([]byte(cfgJSON), &st.Configuration); err != nil {
			return nil, fmt.Errorf("unmarshal configuration of step %q: %w", st.Name, err)
		}
	}
	st.NextStep = nextStep.String
	st.OnlyIf = onlyIf.String
	st.InitialStep = initial != 0
	return st, nil
}

func (s *LibSQLStore) GetStep(ctx context.Context, id string) (*schema.WorkflowStep, error) {
	st, err := scanStep(s.db.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM workflow_steps WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("step", id)
	}
	return st, err
}

func (s *LibSQLStore) ListSteps(ctx context.Context, workflowID string) ([]*schema.WorkflowStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM workflow_steps WHERE workflow_id = ? ORDER BY initial_step DESC, name ASC`,
		workflowID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*schema.WorkflowStep
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

func (s *LibSQLStore) UpdateStep(ctx context.Context, id string, update StepUpdate) error {
	var sets []string
	var args []any

	if update.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *update.Name)
	}
	if update.ActionName != nil {
		sets = append(sets, "action_name = ?")
		args = append(args, *update.ActionName)
	}
	if update.Configuration != nil {
		cfg, err := json.Marshal(update.Configuration)
		if err != nil {
			return fmt.Errorf("marshal step configuration: %w", err)
		}
		sets = append(sets, "configuration = ?")
		args = append(args, string(cfg))
	}
	if update.NextStep != nil {
		sets = append(sets, "next_step = ?")
		args = append(args, nullStr(*update.NextStep))
	}
	if update.OnlyIf != nil {
		sets = append(sets, "only_if = ?")
		args = append(args, nullStr(*update.OnlyIf))
	}
	if update.InitialStep != nil {
		sets = append(sets, "initial_step = ?")
		args = append(args, boolInt(*update.InitialStep))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE workflow_steps SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if isUniqueViolation(err) {
		return schema.NewError(schema.ErrCodeConflict, "step name already exists in workflow").WithCause(err)
	}
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "step", id)
}

func (s *LibSQLStore) DeleteStep(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflow_steps WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "step", id)
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *schema.WorkflowRun) error {
	runCtx, err := marshalMapOrDefault(run.Context)
	if err != nil {
		return fmt.Errorf("marshal run context: %w", err)
	}
	state, err := json.Marshal(run.State)
	if err != nil {
		return fmt.Errorf("marshal run state: %w", err)
	}
	waitInfo, err := nullJSON(run.WaitInfo)
	if err != nil {
		return fmt.Errorf("marshal wait_info: %w", err)
	}
	if run.Status == "" {
		run.Status = schema.RunStatusPending
	}
	run.StartedAt = timeOrNow(run.StartedAt)
	now := run.StartedAt.UTC()
	if run.StatusUpdatedAt != nil {
		now = run.StatusUpdatedAt.UTC()
	}
	run.StatusUpdatedAt = &now

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_runs (id, workflow_id, parent_run_id, started_at, started_by, context, current_step, status, wait_info, state, error, status_updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, nullStr(run.ParentRunID), run.StartedAt, nullStr(run.StartedBy),
		string(runCtx), nullStr(run.CurrentStep), string(run.Status), waitInfo, string(state),
		nullStr(run.Error), now,
	)
	return err
}

const runColumns = `id, workflow_id, parent_run_id, started_at, started_by, context, current_step, status, wait_info, state, error, status_updated_at`

func scanRun(row interface{ Scan(...any) error }) (*schema.WorkflowRun, error) {
	run := &schema.WorkflowRun{}
	var (
		parentID, startedBy, currentStep, errMsg sql.NullString
		ctxJSON, stateJSON, status               string
		waitJSON                                 sql.NullString
		statusUpdated                            sql.NullTime
	)
	if err := row.Scan(&run.ID, &run.WorkflowID, &parentID, &run.StartedAt, &startedBy, &ctxJSON,
		&currentStep, &status, &waitJSON, &stateJSON, &errMsg, &statusUpdated); err != nil {
		return nil, err
	}
	run.ParentRunID = parentID.String
	run.StartedBy = startedBy.String
	run.CurrentStep = currentStep.String
	run.Status = schema.RunStatus(status)
	run.Error = errMsg.String
	if statusUpdated.Valid {
		run.StatusUpdatedAt = &statusUpdated.Time
	}
	run.Context = map[string]any{}
	if ctxJSON != "" {
		if err := json.Unmarshal([]byte(ctxJSON), &run.Context); err != nil {
			return nil, fmt.Errorf("unmarshal context of run %s: %w", run.ID, err)
		}
	}
	if stateJSON != "" {
		if err := json.Unmarshal([]byte(stateJSON), &run.State); err != nil {
			return nil, fmt.Errorf("unmarshal state of run %s: %w", run.ID, err)
		}
	}
	if raw := rawOrNil(waitJSON); raw != nil && !bytes.Equal(raw, []byte("null")) {
		run.WaitInfo = &schema.WaitInfo{}
		if err := json.Unmarshal(raw, run.WaitInfo); err != nil {
			return nil, fmt.Errorf("unmarshal wait_info of run %s: %w", run.ID, err)
		}
	}
	return run, nil
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*schema.WorkflowRun, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM workflow_runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	return run, err
}

func (s *LibSQLStore) FindRuns(ctx context.Context, filter RunFilter) ([]*schema.WorkflowRun, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.StartedBy != "" {
		where = append(where, "started_by = ?")
		args = append(args, filter.StartedBy)
	}
	if filter.ParentRunID != "" {
		where = append(where, "parent_run_id = ?")
		args = append(args, filter.ParentRunID)
	}
	if filter.UpdatedBefore != nil {
		where = append(where, "status_updated_at < ?")
		args = append(args, *filter.UpdatedBefore)
	}

	query := `SELECT ` + runColumns + ` FROM workflow_runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at ASC"
	query += limitClause(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*schema.WorkflowRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// UpdateRun writes only the fields set on update. A status change also bumps
// status_updated_at, to update.StatusUpdatedAt when given.
func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var sets []string
	var args []any

	if update.Context != nil {
		b, err := json.Marshal(update.Context)
		if err != nil {
			return fmt.Errorf("marshal run context: %w", err)
		}
		sets = append(sets, "context = ?")
		args = append(args, string(b))
	}
	if update.CurrentStep != nil {
		sets = append(sets, "current_step = ?")
		args = append(args, nullStr(*update.CurrentStep))
	}
	if update.Status != nil {
		stamp := time.Now()
		if update.StatusUpdatedAt != nil {
			stamp = *update.StatusUpdatedAt
		}
		sets = append(sets, "status = ?", "status_updated_at = ?")
		args = append(args, string(*update.Status), stamp.UTC())
	}
	if update.ClearWait {
		sets = append(sets, "wait_info = NULL")
	} else if update.WaitInfo != nil {
		b, err := json.Marshal(update.WaitInfo)
		if err != nil {
			return fmt.Errorf("marshal wait_info: %w", err)
		}
		sets = append(sets, "wait_info = ?")
		args = append(args, string(b))
	}
	if update.State != nil {
		b, err := json.Marshal(update.State)
		if err != nil {
			return fmt.Errorf("marshal run state: %w", err)
		}
		sets = append(sets, "state = ?")
		args = append(args, string(b))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, nullStr(*update.Error))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE workflow_runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

func (s *LibSQLStore) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflow_runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

// PruneRuns deletes runs in status whose status last changed before the cutoff.
func (s *LibSQLStore) PruneRuns(ctx context.Context, status schema.RunStatus, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM workflow_runs WHERE status = ? AND status_updated_at < ?`,
		string(status), before,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Traces ---

func (s *LibSQLStore) AppendTrace(ctx context.Context, trace *Trace) error {
	var ctxJSON any
	if trace.Context != nil {
		b, err := json.Marshal(trace.Context)
		if err != nil {
			return fmt.Errorf("marshal trace context: %w", err)
		}
		ctxJSON = string(b)
	}
	waitInfo, err := nullJSON(trace.WaitInfo)
	if err != nil {
		return fmt.Errorf("marshal trace wait_info: %w", err)
	}
	trace.StepStartedAt = timeOrNow(trace.StepStartedAt)

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_traces (run_id, step_name, context, wait_info, status, error, user_id, elapsed_ms, step_started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		trace.RunID, trace.StepName, ctxJSON, waitInfo, string(trace.Status),
		nullStr(trace.Error), nullStr(trace.UserID), trace.ElapsedMs, trace.StepStartedAt,
	)
	if err != nil {
		return err
	}
	trace.ID, _ = res.LastInsertId()
	return nil
}

func (s *LibSQLStore) ListTraces(ctx context.Context, runID string) ([]*Trace, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, step_name, context, wait_info, status, error, user_id, elapsed_ms, step_started_at
		 FROM workflow_traces WHERE run_id = ? ORDER BY id ASC`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var traces []*Trace
	for rows.Next() {
		tr := &Trace{}
		var (
			ctxJSON, waitJSON, errMsg, userID sql.NullString
			status                           string
		)
		if err := rows.Scan(&tr.ID, &tr.RunID, &tr.StepName, &ctxJSON, &waitJSON, &status,
			&errMsg, &userID, &tr.ElapsedMs, &tr.StepStartedAt); err != nil {
			return nil, err
		}
		tr.Status = schema.RunStatus(status)
		tr.Error = errMsg.String
		tr.UserID = userID.String
		if raw := rawOrNil(ctxJSON); raw != nil {
			_ = json.Unmarshal(raw, &tr.Context)
		}
		if raw := rawOrNil(waitJSON); raw != nil && !bytes.Equal(raw, []byte("null")) {
			tr.WaitInfo = &schema.WaitInfo{}
			_ = json.Unmarshal(raw, tr.WaitInfo)
		}
		traces = append(traces, tr)
	}
	return traces, rows.Err()
}

// --- Events ---

// AppendEvent stores event with the next sequence number of its run. The
// sequence is computed inside the INSERT, so the statement's own write lock
// orders concurrent appends; UNIQUE (run_id, sequence) backs that up.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	event.Timestamp = timeOrNow(event.Timestamp)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO run_events (run_id, step, event_type, payload, timestamp, sequence)
		 SELECT ?, ?, ?, ?, ?, COALESCE(MAX(sequence), 0) + 1 FROM run_events WHERE run_id = ?`,
		event.RunID, nullStr(event.Step), event.Type, nullRaw(event.Payload), event.Timestamp, event.RunID,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if err := tx.QueryRowContext(ctx, `SELECT sequence FROM run_events WHERE id = ?`, id).Scan(&event.Sequence); err != nil {
		return fmt.Errorf("read event sequence: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	event.ID = id
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, step, event_type, payload, timestamp, sequence
		 FROM run_events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	where := []string{"event_type = ?"}
	args := []any{eventType}

	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.Step != "" {
		where = append(where, "step = ?")
		args = append(args, filter.Step)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, run_id, step, event_type, payload, timestamp, sequence FROM run_events WHERE ` +
		strings.Join(where, " AND ") + " ORDER BY timestamp DESC"
	query += limitClause(filter.Limit, 0)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var step, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &step, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.Step = step.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Tables ---

func (s *LibSQLStore) InsertRow(ctx context.Context, table string, data map[string]any) (int64, error) {
	if table == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "table name is required")
	}
	b, err := marshalMapOrDefault(data)
	if err != nil {
		return 0, fmt.Errorf("marshal row: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO table_rows (table_name, data) VALUES (?, ?)`, table, string(b))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// QueryRows returns the rows of table whose data equals every key/value in where.
// Values are compared by their JSON encoding so 1 and 1.0 match.
func (s *LibSQLStore) QueryRows(ctx context.Context, table string, where map[string]any) ([]*Row, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, table_name, data FROM table_rows WHERE table_name = ? ORDER BY id ASC`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Row
	for rows.Next() {
		r := &Row{}
		var data string
		if err := rows.Scan(&r.ID, &r.Table, &data); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(data), &r.Data); err != nil {
			return nil, fmt.Errorf("unmarshal row %d of %s: %w", r.ID, table, err)
		}
		if MatchesWhere(r.Data, where) {
			out = append(out, r)
		}
	}
	return out, rows.Err()
}

// MatchesWhere reports whether every key in where is present in data with an equal JSON value.
func MatchesWhere(data, where map[string]any) bool {
	for k, want := range where {
		got, ok := data[k]
		if !ok {
			return false
		}
		if !jsonEqual(got, want) {
			return false
		}
	}
	return true
}

func jsonEqual(a, b any) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.StepflowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func limitClause(limit, offset int) string {
	if limit <= 0 {
		return ""
	}
	clause := fmt.Sprintf(" LIMIT %d", limit)
	if offset > 0 {
		clause += fmt.Sprintf(" OFFSET %d", offset)
	}
	return clause
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func nullJSON(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case *schema.WaitInfo:
		if x == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}
