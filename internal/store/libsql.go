package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/leadwire/flowengine/pkg/schema"
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

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
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

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	def, err := json.Marshal(wf.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name, definition, webhook_id, webhook_secret, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, nullStr(wf.Name), string(def), nullStr(wf.WebhookID), nullStr(wf.WebhookSecret),
		boolInt(wf.IsActive), timeOrNow(wf.CreatedAt), timeOrNow(wf.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	return s.queryWorkflow(ctx,
		`SELECT id, name, definition, webhook_id, webhook_secret, is_active, created_at, updated_at
		 FROM workflows WHERE id = ?`, id, "workflow", id)
}

func (s *LibSQLStore) GetWorkflowByWebhookID(ctx context.Context, webhookID string) (*Workflow, error) {
	return s.queryWorkflow(ctx,
		`SELECT id, name, definition, webhook_id, webhook_secret, is_active, created_at, updated_at
		 FROM workflows WHERE webhook_id = ?`, webhookID, "webhook", webhookID)
}

func (s *LibSQLStore) queryWorkflow(ctx context.Context, query, arg, resource, resourceID string) (*Workflow, error) {
	wf := &Workflow{}
	var (
		name, webhookID, webhookSecret sql.NullString
		defJSON                        string
		isActive                       int
	)
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&wf.ID, &name, &defJSON, &webhookID, &webhookSecret, &isActive,
		&wf.CreatedAt, &wf.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, storeNotFound(resource, resourceID)
	}
	if err != nil {
		return nil, err
	}
	wf.Name = name.String
	wf.WebhookID = webhookID.String
	wf.WebhookSecret = webhookSecret.String
	wf.IsActive = isActive != 0
	if err := json.Unmarshal([]byte(defJSON), &wf.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition for %s: %w", wf.ID, err)
	}
	return wf, nil
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	query := `SELECT id, name, definition, webhook_id, webhook_secret, is_active, created_at, updated_at
	          FROM workflows`
	var conds []string
	var args []any
	if filter.ActiveOnly {
		conds = append(conds, "is_active = 1")
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	query, args = applyLimitOffset(query, args, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*Workflow
	for rows.Next() {
		wf := &Workflow{}
		var (
			name, webhookID, webhookSecret sql.NullString
			defJSON                        string
			isActive                       int
		)
		if err := rows.Scan(&wf.ID, &name, &defJSON, &webhookID, &webhookSecret, &isActive,
			&wf.CreatedAt, &wf.UpdatedAt); err != nil {
			return nil, err
		}
		wf.Name = name.String
		wf.WebhookID = webhookID.String
		wf.WebhookSecret = webhookSecret.String
		wf.IsActive = isActive != 0
		if err := json.Unmarshal([]byte(defJSON), &wf.Definition); err != nil {
			return nil, fmt.Errorf("unmarshal definition for %s: %w", wf.ID, err)
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	def, err := json.Marshal(run.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	vars, err := marshalMapOrDefault(run.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	payload, err := marshalMapOrDefault(run.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	frontier, err := marshalSliceOrDefault(run.Frontier)
	if err != nil {
		return fmt.Errorf("marshal frontier: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, workflow_id, definition, status, variables, payload, frontier, error,
		                   pause_requested, cancel_requested, version, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, string(def), string(run.Status),
		string(vars), string(payload), string(frontier), nullRaw(run.Error),
		boolInt(run.PauseRequested), boolInt(run.CancelRequested), run.Version,
		timeOrNow(run.CreatedAt), nullTime(run.StartedAt), nullTime(run.CompletedAt), timeOrNow(run.UpdatedAt),
	)
	return err
}

const runColumns = `id, workflow_id, definition, status, variables, payload, frontier, error,
	pause_requested, cancel_requested, version, created_at, started_at, completed_at, updated_at`

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	return run, err
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var conds []string
	var args []any
	if filter.WorkflowID != "" {
		conds = append(conds, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.CreatedAfter != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, *filter.CreatedAfter)
	}
	if filter.CreatedBefore != nil {
		conds = append(conds, "created_at < ?")
		args = append(args, *filter.CreatedBefore)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	query, args = applyLimitOffset(query, args, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	run := &Run{}
	var (
		defJSON, varsJSON, frontierJSON string
		payloadJSON, errorJSON          sql.NullString
		status                          string
		pauseReq, cancelReq             int
		startedAt, completedAt          sql.NullTime
	)
	err := row.Scan(&run.ID, &run.WorkflowID, &defJSON, &status, &varsJSON, &payloadJSON,
		&frontierJSON, &errorJSON, &pauseReq, &cancelReq, &run.Version,
		&run.CreatedAt, &startedAt, &completedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	run.Status = schema.RunStatus(status)
	run.PauseRequested = pauseReq != 0
	run.CancelRequested = cancelReq != 0
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	if err := json.Unmarshal([]byte(defJSON), &run.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition for run %s: %w", run.ID, err)
	}
	if err := json.Unmarshal([]byte(varsJSON), &run.Variables); err != nil {
		return nil, fmt.Errorf("unmarshal variables for run %s: %w", run.ID, err)
	}
	if payloadJSON.Valid && payloadJSON.String != "" {
		if err := json.Unmarshal([]byte(payloadJSON.String), &run.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload for run %s: %w", run.ID, err)
		}
	}
	if err := json.Unmarshal([]byte(frontierJSON), &run.Frontier); err != nil {
		return nil, fmt.Errorf("unmarshal frontier for run %s: %w", run.ID, err)
	}
	if errorJSON.Valid && errorJSON.String != "" {
		run.Error = json.RawMessage(errorJSON.String)
	}
	return run, nil
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, version int64, update RunUpdate) error {
	return s.execRunUpdate(ctx, s.db, id, version, update)
}

// execer covers *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *LibSQLStore) execRunUpdate(ctx context.Context, db execer, id string, version int64, update RunUpdate) error {
	sets := []string{"version = version + 1", "updated_at = ?"}
	args := []any{time.Now().UTC()}

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Variables != nil {
		vars, err := json.Marshal(update.Variables)
		if err != nil {
			return fmt.Errorf("marshal variables: %w", err)
		}
		sets = append(sets, "variables = ?")
		args = append(args, string(vars))
	}
	if update.Frontier != nil {
		frontier, err := marshalSliceOrDefault(update.Frontier)
		if err != nil {
			return fmt.Errorf("marshal frontier: %w", err)
		}
		sets = append(sets, "frontier = ?")
		args = append(args, string(frontier))
	}
	if len(update.Error) > 0 {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if update.ClearPauseFlag {
		sets = append(sets, "pause_requested = 0")
	}
	if update.ClearCancelFlag {
		sets = append(sets, "cancel_requested = 0")
	}

	query := fmt.Sprintf(`UPDATE runs SET %s WHERE id = ? AND version = ?`, strings.Join(sets, ", "))
	args = append(args, id, version)

	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE id = ?`, id).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return storeNotFound("run", id)
		}
		return schema.NewErrorf(schema.ErrCodeConflict,
			"run %q modified concurrently (expected version %d)", id, version)
	}
	return nil
}

func (s *LibSQLStore) RequestPause(ctx context.Context, id string) error {
	return s.setRequestFlag(ctx, id, "pause_requested",
		[]string{string(schema.RunStatusRunning), string(schema.RunStatusPending)})
}

func (s *LibSQLStore) RequestCancel(ctx context.Context, id string) error {
	return s.setRequestFlag(ctx, id, "cancel_requested",
		[]string{string(schema.RunStatusPending), string(schema.RunStatusRunning), string(schema.RunStatusPaused)})
}

func (s *LibSQLStore) setRequestFlag(ctx context.Context, id, column string, statuses []string) error {
	placeholders := strings.Repeat("?, ", len(statuses))
	placeholders = strings.TrimSuffix(placeholders, ", ")
	args := make([]any, 0, len(statuses)+1)
	args = append(args, id)
	for _, st := range statuses {
		args = append(args, st)
	}

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE runs SET %s = 1 WHERE id = ? AND status IN (%s)`, column, placeholders),
		args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var status string
		err := s.db.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = ?`, id).Scan(&status)
		if err == sql.ErrNoRows {
			return storeNotFound("run", id)
		}
		if err != nil {
			return err
		}
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"run %q is %s", id, status)
	}
	return nil
}

// --- Node records ---

func (s *LibSQLStore) AppendNodeRecord(ctx context.Context, rec *NodeRecord) error {
	return appendNodeRecord(ctx, s.db, rec)
}

func appendNodeRecord(ctx context.Context, db execer, rec *NodeRecord) error {
	output, err := nullableMap(rec.Output)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	// INSERT OR IGNORE: replaying an append after a crash is a no-op.
	_, err = db.ExecContext(ctx,
		`INSERT OR IGNORE INTO node_records (run_id, node_id, attempt, status, output, branch, error, started_at, finished_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.NodeID, rec.Attempt, string(rec.Status), output,
		nullStr(rec.Branch), nullStr(rec.Error),
		timeOrNow(rec.StartedAt), timeOrNow(rec.FinishedAt), rec.DurationMs,
	)
	return err
}

func (s *LibSQLStore) ListNodeRecords(ctx context.Context, runID string) ([]*NodeRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, node_id, attempt, status, output, branch, error, started_at, finished_at, duration_ms
		 FROM node_records WHERE run_id = ? ORDER BY node_id, attempt`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*NodeRecord
	for rows.Next() {
		rec := &NodeRecord{}
		var status, output, branch, rerr sql.NullString
		if err := rows.Scan(&rec.RunID, &rec.NodeID, &rec.Attempt, &status, &output,
			&branch, &rerr, &rec.StartedAt, &rec.FinishedAt, &rec.DurationMs); err != nil {
			return nil, err
		}
		rec.Status = schema.NodeStatus(status.String)
		rec.Branch = branch.String
		rec.Error = rerr.String
		if output.Valid && output.String != "" {
			if err := json.Unmarshal([]byte(output.String), &rec.Output); err != nil {
				return nil, fmt.Errorf("unmarshal output for %s/%s: %w", rec.RunID, rec.NodeID, err)
			}
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *LibSQLStore) ApplyNodeResult(ctx context.Context, runID string, version int64, rec *NodeRecord, update RunUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if rec != nil {
		if err := appendNodeRecord(ctx, tx, rec); err != nil {
			return err
		}
	}
	if err := s.execRunUpdate(ctx, tx, runID, version, update); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Scheduled triggers ---

func (s *LibSQLStore) CreateScheduledTrigger(ctx context.Context, trig *ScheduledTrigger) error {
	payload, err := nullableMap(trig.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scheduled_triggers (id, workflow_id, cron_expr, payload, enabled, last_run_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		trig.ID, trig.WorkflowID, trig.CronExpr, payload,
		boolInt(trig.Enabled), nullTime(trig.LastRunAt), timeOrNow(trig.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) ListScheduledTriggers(ctx context.Context, enabledOnly bool) ([]*ScheduledTrigger, error) {
	query := `SELECT id, workflow_id, cron_expr, payload, enabled, last_run_at, created_at FROM scheduled_triggers`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var triggers []*ScheduledTrigger
	for rows.Next() {
		trig := &ScheduledTrigger{}
		var (
			payload   sql.NullString
			enabled   int
			lastRunAt sql.NullTime
		)
		if err := rows.Scan(&trig.ID, &trig.WorkflowID, &trig.CronExpr, &payload,
			&enabled, &lastRunAt, &trig.CreatedAt); err != nil {
			return nil, err
		}
		trig.Enabled = enabled != 0
		if lastRunAt.Valid {
			trig.LastRunAt = &lastRunAt.Time
		}
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &trig.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal payload for trigger %s: %w", trig.ID, err)
			}
		}
		triggers = append(triggers, trig)
	}
	return triggers, rows.Err()
}

func (s *LibSQLStore) MarkScheduledTriggerRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_triggers SET last_run_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled trigger", id)
}

func (s *LibSQLStore) DeleteScheduledTrigger(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_triggers WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled trigger", id)
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.EngineError {
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

func applyLimitOffset(query string, args []any, limit, offset int) (string, []any) {
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
		if offset > 0 {
			query += " OFFSET ?"
			args = append(args, offset)
		}
	}
	return query, args
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
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

func nullableMap(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

func marshalSliceOrDefault(s []string) (json.RawMessage, error) {
	if len(s) == 0 {
		return json.RawMessage("[]"), nil
	}
	return json.Marshal(s)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ Store = (*LibSQLStore)(nil)
