// Package sqlstore implements store.Store on database/sql for SQLite and
// MySQL.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/andrej220/fleetexec/internal/errors"
	"github.com/andrej220/fleetexec/internal/store"
	"github.com/andrej220/fleetexec/pkg/lg"
	"github.com/andrej220/fleetexec/pkg/models"
)

const (
	DriverSQLite = "sqlite3"
	DriverMySQL  = "mysql"
)

// timeLayout is fixed width UTC so stored timestamps compare correctly as
// strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type SQLStore struct {
	db      *sql.DB
	dialect string
	logger  lg.Logger
}

var _ store.Store = (*SQLStore)(nil)

// Open connects to the database, applies connection settings and creates
// the schema.
func Open(ctx context.Context, driver, dsn string, logger lg.Logger) (*SQLStore, error) {
	if driver != DriverSQLite && driver != DriverMySQL {
		return nil, errors.Newf("unsupported sql driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	if driver == DriverSQLite {
		// a single connection serialises writers and keeps :memory: databases alive
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{"PRAGMA journal_mode = WAL", "PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000"} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				db.Close()
				return nil, errors.Wrapf(err, "failed to apply %s", pragma)
			}
		}
	} else {
		db.SetMaxOpenConns(25)
		db.SetConnMaxLifetime(5 * time.Minute)
	}
	s := New(db, driver, logger)
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	s.logger.Info("Database opened", lg.String("driver", driver))
	return s, nil
}

// New wraps an already opened database. The schema is not touched.
func New(db *sql.DB, dialect string, logger lg.Logger) *SQLStore {
	if logger == nil {
		logger = lg.Discard
	}
	return &SQLStore{db: db, dialect: dialect, logger: logger}
}

func (s *SQLStore) Close() error { return s.db.Close() }

func fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "parse timestamp %q", v)
	}
	return t, nil
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// Jobs

func (s *SQLStore) SaveJob(ctx context.Context, job *models.Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "marshal job")
	}
	return inTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, job.ID); err != nil {
			return errors.Wrapf(err, "replace job %s", job.ID)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO jobs (id, name, active, body, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
			job.ID, job.Name, boolInt(job.Active), string(body), fmtTime(job.CreatedAt), fmtTime(job.UpdatedAt))
		return errors.Wrapf(err, "insert job %s", job.ID)
	})
}

func (s *SQLStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM jobs WHERE id = ?`, id).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("job %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get job %s", id)
	}
	var job models.Job
	if err := json.Unmarshal([]byte(body), &job); err != nil {
		return nil, errors.Wrapf(err, "decode job %s", id)
	}
	return &job, nil
}

func (s *SQLStore) DeleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return errors.Wrapf(err, "delete job %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("job %s", id)
	}
	return nil
}

// Executions

func (s *SQLStore) NextExecutionSerial(ctx context.Context) (int64, error) {
	var serial int64
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE counters SET value = value + 1 WHERE name = 'execution_serial'`); err != nil {
			return errors.Wrap(err, "bump execution serial")
		}
		err := tx.QueryRowContext(ctx, `SELECT value FROM counters WHERE name = 'execution_serial'`).Scan(&serial)
		return errors.Wrap(err, "read execution serial")
	})
	return serial, err
}

func (s *SQLStore) CreateExecution(ctx context.Context, e *models.Execution) error {
	actions, err := json.Marshal(e.Actions)
	if err != nil {
		return errors.Wrap(err, "marshal actions")
	}
	targets, err := json.Marshal(e.TargetIDs)
	if err != nil {
		return errors.Wrap(err, "marshal target ids")
	}
	return inTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO executions
			(id, serial, job_id, status, cancel_requested, reason, triggered_by, actions, target_ids, created_at, started_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.Serial, e.JobID, string(e.Status), boolInt(e.CancelRequested), string(e.Reason), e.TriggeredBy,
			string(actions), string(targets), fmtTime(e.CreatedAt), nullTime(e.StartedAt), nullTime(e.CompletedAt))
		if err != nil {
			return errors.Wrapf(err, "insert execution %s", e.ID)
		}
		for pos, b := range e.Branches {
			_, err := tx.ExecContext(ctx, `INSERT INTO branches
				(execution_id, target_id, position, status, reason, started_at, completed_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
				e.ID, b.TargetID, pos, string(b.Status), string(b.Reason), nullTime(b.StartedAt), nullTime(b.CompletedAt))
			if err != nil {
				return errors.Wrapf(err, "insert branch %s", b.ID)
			}
			for _, r := range b.Results {
				if err := insertResult(ctx, tx, e.ID, b.TargetID, r); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func insertResult(ctx context.Context, tx *sql.Tx, executionID, targetID string, r models.ActionResult) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO action_results
		(execution_id, target_id, action_index, action_name, status, exit_code, stdout, stderr, attempt_count, reason, started_at, completed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		executionID, targetID, r.ActionIndex, r.ActionName, string(r.Status), nullInt(r.ExitCode), r.Stdout, r.Stderr,
		r.AttemptCount, string(r.Reason), nullTime(r.StartedAt), nullTime(r.CompletedAt), fmtTime(r.UpdatedAt))
	return errors.Wrapf(err, "insert action result %s", r.ID)
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

const executionColumns = `id, serial, job_id, status, cancel_requested, reason, triggered_by, actions, target_ids, created_at, started_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*models.Execution, error) {
	var (
		e                      models.Execution
		status, reason         string
		cancel                 int
		actions, targets       string
		created                string
		started, completed     sql.NullString
	)
	if err := row.Scan(&e.ID, &e.Serial, &e.JobID, &status, &cancel, &reason, &e.TriggeredBy,
		&actions, &targets, &created, &started, &completed); err != nil {
		return nil, err
	}
	e.Status = models.ExecutionStatus(status)
	e.Reason = models.Reason(reason)
	e.CancelRequested = cancel != 0
	if err := json.Unmarshal([]byte(actions), &e.Actions); err != nil {
		return nil, errors.Wrapf(err, "decode actions of %s", e.ID)
	}
	if err := json.Unmarshal([]byte(targets), &e.TargetIDs); err != nil {
		return nil, errors.Wrapf(err, "decode target ids of %s", e.ID)
	}
	var err error
	if e.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if e.StartedAt, err = parseNullTime(started); err != nil {
		return nil, err
	}
	if e.CompletedAt, err = parseNullTime(completed); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *SQLStore) loadBranches(ctx context.Context, e *models.Execution) error {
	rows, err := s.db.QueryContext(ctx, `SELECT target_id, status, reason, started_at, completed_at
		FROM branches WHERE execution_id = ? ORDER BY position`, e.ID)
	if err != nil {
		return errors.Wrapf(err, "query branches of %s", e.ID)
	}
	defer rows.Close()
	e.Branches = nil
	for rows.Next() {
		var (
			b                  models.Branch
			status, reason     string
			started, completed sql.NullString
		)
		if err := rows.Scan(&b.TargetID, &status, &reason, &started, &completed); err != nil {
			return errors.Wrap(err, "scan branch")
		}
		b.ID = models.BranchID(e.ID, b.TargetID)
		b.Status = models.BranchStatus(status)
		b.Reason = models.Reason(reason)
		if b.StartedAt, err = parseNullTime(started); err != nil {
			return err
		}
		if b.CompletedAt, err = parseNullTime(completed); err != nil {
			return err
		}
		e.Branches = append(e.Branches, b)
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "iterate branches")
	}
	rows.Close()

	rrows, err := s.db.QueryContext(ctx, `SELECT target_id, action_index, action_name, status, exit_code, stdout, stderr,
		attempt_count, reason, started_at, completed_at, updated_at
		FROM action_results WHERE execution_id = ? ORDER BY target_id, action_index`, e.ID)
	if err != nil {
		return errors.Wrapf(err, "query action results of %s", e.ID)
	}
	defer rrows.Close()
	for rrows.Next() {
		var (
			r                  models.ActionResult
			targetID           string
			status, reason     string
			exitCode           sql.NullInt64
			started, completed sql.NullString
			updated            string
		)
		if err := rrows.Scan(&targetID, &r.ActionIndex, &r.ActionName, &status, &exitCode, &r.Stdout, &r.Stderr,
			&r.AttemptCount, &reason, &started, &completed, &updated); err != nil {
			return errors.Wrap(err, "scan action result")
		}
		r.ID = models.ResultID(e.ID, targetID, r.ActionIndex)
		r.Status = models.ActionStatus(status)
		r.Reason = models.Reason(reason)
		if exitCode.Valid {
			r.ExitCode = models.IntPtr(int(exitCode.Int64))
		}
		if r.StartedAt, err = parseNullTime(started); err != nil {
			return err
		}
		if r.CompletedAt, err = parseNullTime(completed); err != nil {
			return err
		}
		if r.UpdatedAt, err = parseTime(updated); err != nil {
			return err
		}
		b := e.Branch(targetID)
		if b == nil {
			continue
		}
		b.Results = append(b.Results, r)
	}
	return errors.Wrap(rrows.Err(), "iterate action results")
}

func (s *SQLStore) GetExecution(ctx context.Context, id string) (*models.Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	e, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("execution %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get execution %s", id)
	}
	if err := s.loadBranches(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

func whereExecutions(f store.ExecutionFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if f.JobID != "" {
		clauses = append(clauses, "job_id = ?")
		args = append(args, f.JobID)
	}
	if len(f.Statuses) > 0 {
		clauses = append(clauses, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	if f.CompletedAfter != nil {
		clauses = append(clauses, "completed_at > ?")
		args = append(args, fmtTime(*f.CompletedAfter))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (s *SQLStore) ListExecutions(ctx context.Context, f store.ExecutionFilter) ([]*models.Execution, error) {
	where, args := whereExecutions(f)
	query := `SELECT ` + executionColumns + ` FROM executions` + where + ` ORDER BY serial`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list executions")
	}
	var out []*models.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan execution")
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, errors.Wrap(err, "iterate executions")
	}
	rows.Close()

	for _, e := range out {
		if err := s.loadBranches(ctx, e); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SQLStore) CountExecutions(ctx context.Context, f store.ExecutionFilter) (map[models.ExecutionStatus]int, error) {
	where, args := whereExecutions(f)
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM executions`+where+` GROUP BY status`, args...)
	if err != nil {
		return nil, errors.Wrap(err, "count executions")
	}
	defer rows.Close()
	counts := make(map[models.ExecutionStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "scan count")
		}
		counts[models.ExecutionStatus(status)] = n
	}
	return counts, errors.Wrap(rows.Err(), "iterate counts")
}

func (s *SQLStore) UpdateExecution(ctx context.Context, id string, p store.ExecutionPatch) error {
	var (
		sets []string
		args []any
	)
	if p.Status != nil {
		sets, args = append(sets, "status = ?"), append(args, string(*p.Status))
	}
	if p.Reason != nil {
		sets, args = append(sets, "reason = ?"), append(args, string(*p.Reason))
	}
	if p.CancelRequested != nil {
		sets, args = append(sets, "cancel_requested = ?"), append(args, boolInt(*p.CancelRequested))
	}
	if p.StartedAt != nil {
		sets, args = append(sets, "started_at = ?"), append(args, fmtTime(*p.StartedAt))
	}
	if p.CompletedAt != nil {
		sets, args = append(sets, "completed_at = ?"), append(args, fmtTime(*p.CompletedAt))
	}
	if len(sets) > 0 {
		query := `UPDATE executions SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
		args = append(args, id)
		if len(p.IfStatus) > 0 {
			query += " AND status IN (" + placeholders(len(p.IfStatus)) + ")"
			for _, st := range p.IfStatus {
				args = append(args, string(st))
			}
		}
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return errors.Wrapf(err, "update execution %s", id)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
	}
	// nothing changed: tell not-found from a failed precondition
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM executions WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return errors.NewNotFoundError("execution %s", id)
	}
	if err != nil {
		return errors.Wrapf(err, "read execution %s", id)
	}
	if !p.Allows(models.ExecutionStatus(status)) {
		return errors.Wrapf(errors.ErrInvalidState, "execution %s is %s", id, status)
	}
	return nil
}

func (s *SQLStore) UpdateBranch(ctx context.Context, executionID, targetID string, p store.BranchPatch) error {
	var (
		sets []string
		args []any
	)
	if p.Status != nil {
		sets, args = append(sets, "status = ?"), append(args, string(*p.Status))
	}
	if p.Reason != nil {
		sets, args = append(sets, "reason = ?"), append(args, string(*p.Reason))
	}
	if p.StartedAt != nil {
		sets, args = append(sets, "started_at = ?"), append(args, fmtTime(*p.StartedAt))
	}
	if p.CompletedAt != nil {
		sets, args = append(sets, "completed_at = ?"), append(args, fmtTime(*p.CompletedAt))
	}
	if len(sets) > 0 {
		query := `UPDATE branches SET ` + strings.Join(sets, ", ") + ` WHERE execution_id = ? AND target_id = ?`
		args = append(args, executionID, targetID)
		if len(p.IfStatus) > 0 {
			query += " AND status IN (" + placeholders(len(p.IfStatus)) + ")"
			for _, st := range p.IfStatus {
				args = append(args, string(st))
			}
		}
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return errors.Wrapf(err, "update branch %s", models.BranchID(executionID, targetID))
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
	}
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM branches WHERE execution_id = ? AND target_id = ?`,
		executionID, targetID).Scan(&status)
	if err == sql.ErrNoRows {
		return errors.NewNotFoundError("branch %s", models.BranchID(executionID, targetID))
	}
	if err != nil {
		return errors.Wrap(err, "read branch")
	}
	if !p.Allows(models.BranchStatus(status)) {
		return errors.Wrapf(errors.ErrInvalidState, "branch %s is %s", models.BranchID(executionID, targetID), status)
	}
	return nil
}

func (s *SQLStore) UpdateActionResult(ctx context.Context, executionID, targetID string, r models.ActionResult, ifBranch ...models.BranchStatus) error {
	query := `UPDATE action_results SET
		action_name = ?, status = ?, exit_code = ?, stdout = ?, stderr = ?, attempt_count = ?, reason = ?,
		started_at = ?, completed_at = ?, updated_at = ?
		WHERE execution_id = ? AND target_id = ? AND action_index = ?`
	args := []any{
		r.ActionName, string(r.Status), nullInt(r.ExitCode), r.Stdout, r.Stderr, r.AttemptCount, string(r.Reason),
		nullTime(r.StartedAt), nullTime(r.CompletedAt), fmtTime(r.UpdatedAt),
		executionID, targetID, r.ActionIndex,
	}
	if len(ifBranch) > 0 {
		query += ` AND EXISTS (SELECT 1 FROM branches WHERE execution_id = ? AND target_id = ? AND status IN (` +
			placeholders(len(ifBranch)) + `))`
		args = append(args, executionID, targetID)
		for _, st := range ifBranch {
			args = append(args, string(st))
		}
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrapf(err, "update action result %s", models.ResultID(executionID, targetID, r.ActionIndex))
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM action_results WHERE execution_id = ? AND target_id = ? AND action_index = ?`,
		executionID, targetID, r.ActionIndex).Scan(&one)
	if err == sql.ErrNoRows {
		return errors.NewNotFoundError("action result %s", models.ResultID(executionID, targetID, r.ActionIndex))
	}
	if err != nil {
		return errors.Wrap(err, "read action result")
	}
	if len(ifBranch) == 0 {
		// Same values rewritten: MySQL reports zero changed rows.
		return nil
	}
	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM branches WHERE execution_id = ? AND target_id = ?`,
		executionID, targetID).Scan(&status)
	if err != nil {
		return errors.Wrap(err, "read branch")
	}
	if (store.BranchPatch{IfStatus: ifBranch}).Allows(models.BranchStatus(status)) {
		return nil
	}
	return errors.Wrapf(errors.ErrInvalidState, "branch %s is %s", models.BranchID(executionID, targetID), status)
}

// Schedules

func (s *SQLStore) SaveSchedule(ctx context.Context, sc *models.Schedule) error {
	body, err := json.Marshal(sc)
	if err != nil {
		return errors.Wrap(err, "marshal schedule")
	}
	return inTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, sc.ID); err != nil {
			return errors.Wrapf(err, "replace schedule %s", sc.ID)
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO schedules (id, job_id, active, next_run_at, body) VALUES (?, ?, ?, ?, ?)`,
			sc.ID, sc.JobID, boolInt(sc.Active), fmtTime(sc.NextRunAt), string(body))
		return errors.Wrapf(err, "insert schedule %s", sc.ID)
	})
}

func (s *SQLStore) querySchedules(ctx context.Context, query string, args ...any) ([]*models.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query schedules")
	}
	defer rows.Close()
	var out []*models.Schedule
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, errors.Wrap(err, "scan schedule")
		}
		var sc models.Schedule
		if err := json.Unmarshal([]byte(body), &sc); err != nil {
			return nil, errors.Wrap(err, "decode schedule")
		}
		out = append(out, &sc)
	}
	return out, errors.Wrap(rows.Err(), "iterate schedules")
}

func (s *SQLStore) GetSchedule(ctx context.Context, id string) (*models.Schedule, error) {
	list, err := s.querySchedules(ctx, `SELECT body FROM schedules WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, errors.NewNotFoundError("schedule %s", id)
	}
	return list[0], nil
}

func (s *SQLStore) ListSchedules(ctx context.Context, jobID string) ([]*models.Schedule, error) {
	if jobID == "" {
		return s.querySchedules(ctx, `SELECT body FROM schedules ORDER BY id`)
	}
	return s.querySchedules(ctx, `SELECT body FROM schedules WHERE job_id = ? ORDER BY id`, jobID)
}

func (s *SQLStore) ListDueSchedules(ctx context.Context, now time.Time) ([]*models.Schedule, error) {
	return s.querySchedules(ctx, `SELECT body FROM schedules WHERE active = 1 AND next_run_at <= ? ORDER BY next_run_at, id`,
		fmtTime(now))
}

func (s *SQLStore) AppendScheduleRun(ctx context.Context, run models.ScheduleRun) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO schedule_runs (schedule_id, fired_at, execution_id, error) VALUES (?, ?, ?, ?)`,
		run.ScheduleID, fmtTime(run.FiredAt), run.ExecutionID, run.Error)
	return errors.Wrapf(err, "record run of schedule %s", run.ScheduleID)
}

func (s *SQLStore) ListScheduleRuns(ctx context.Context, scheduleID string, limit int) ([]models.ScheduleRun, error) {
	query := `SELECT fired_at, execution_id, error FROM schedule_runs WHERE schedule_id = ? ORDER BY fired_at DESC`
	args := []any{scheduleID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list schedule runs")
	}
	defer rows.Close()
	var out []models.ScheduleRun
	for rows.Next() {
		var (
			fired string
			run   = models.ScheduleRun{ScheduleID: scheduleID}
		)
		if err := rows.Scan(&fired, &run.ExecutionID, &run.Error); err != nil {
			return nil, errors.Wrap(err, "scan schedule run")
		}
		if run.FiredAt, err = parseTime(fired); err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, errors.Wrap(rows.Err(), "iterate schedule runs")
}
