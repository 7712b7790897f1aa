package sqlstore

import (
	"context"
	"database/sql"

	"github.com/go-sql-driver/mysql"

	"github.com/andrej220/fleetexec/internal/errors"
)

// The DDL sticks to the subset SQLite and MySQL share: VARCHAR(191) keys
// fit MySQL's utf8mb4 index limit and MEDIUMTEXT holds captured output.
var tables = []string{
	`CREATE TABLE IF NOT EXISTS counters (
		name  VARCHAR(64) NOT NULL PRIMARY KEY,
		value BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS jobs (
		id         VARCHAR(191) NOT NULL PRIMARY KEY,
		name       VARCHAR(255) NOT NULL,
		active     INTEGER NOT NULL,
		body       MEDIUMTEXT NOT NULL,
		created_at VARCHAR(32) NOT NULL,
		updated_at VARCHAR(32) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS executions (
		id               VARCHAR(191) NOT NULL PRIMARY KEY,
		serial           BIGINT NOT NULL,
		job_id           VARCHAR(191) NOT NULL,
		status           VARCHAR(32) NOT NULL,
		cancel_requested INTEGER NOT NULL DEFAULT 0,
		reason           VARCHAR(64) NOT NULL DEFAULT '',
		triggered_by     VARCHAR(255) NOT NULL DEFAULT '',
		actions          MEDIUMTEXT NOT NULL,
		target_ids       MEDIUMTEXT NOT NULL,
		created_at       VARCHAR(32) NOT NULL,
		started_at       VARCHAR(32) NULL,
		completed_at     VARCHAR(32) NULL
	)`,
	`CREATE TABLE IF NOT EXISTS branches (
		execution_id VARCHAR(191) NOT NULL,
		target_id    VARCHAR(191) NOT NULL,
		position     INTEGER NOT NULL,
		status       VARCHAR(32) NOT NULL,
		reason       VARCHAR(64) NOT NULL DEFAULT '',
		started_at   VARCHAR(32) NULL,
		completed_at VARCHAR(32) NULL,
		PRIMARY KEY (execution_id, target_id)
	)`,
	`CREATE TABLE IF NOT EXISTS action_results (
		execution_id  VARCHAR(191) NOT NULL,
		target_id     VARCHAR(191) NOT NULL,
		action_index  INTEGER NOT NULL,
		action_name   VARCHAR(255) NOT NULL DEFAULT '',
		status        VARCHAR(32) NOT NULL,
		exit_code     INTEGER NULL,
		stdout        MEDIUMTEXT NOT NULL,
		stderr        MEDIUMTEXT NOT NULL,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		reason        VARCHAR(64) NOT NULL DEFAULT '',
		started_at    VARCHAR(32) NULL,
		completed_at  VARCHAR(32) NULL,
		updated_at    VARCHAR(32) NOT NULL,
		PRIMARY KEY (execution_id, target_id, action_index)
	)`,
	`CREATE TABLE IF NOT EXISTS schedules (
		id          VARCHAR(191) NOT NULL PRIMARY KEY,
		job_id      VARCHAR(191) NOT NULL,
		active      INTEGER NOT NULL,
		next_run_at VARCHAR(32) NOT NULL,
		body        MEDIUMTEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS schedule_runs (
		schedule_id  VARCHAR(191) NOT NULL,
		fired_at     VARCHAR(32) NOT NULL,
		execution_id VARCHAR(191) NOT NULL DEFAULT '',
		error        MEDIUMTEXT NOT NULL
	)`,
}

var indexes = []string{
	`CREATE INDEX idx_executions_status ON executions (status)`,
	`CREATE INDEX idx_executions_job ON executions (job_id)`,
	`CREATE INDEX idx_schedules_due ON schedules (active, next_run_at)`,
	`CREATE INDEX idx_schedule_runs ON schedule_runs (schedule_id, fired_at)`,
}

// mysqlDupKeyName is ER_DUP_KEYNAME, returned when an index already exists.
const mysqlDupKeyName = 1061

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range tables {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "create table")
		}
	}
	for _, stmt := range indexes {
		if s.dialect == DriverSQLite {
			stmt = "CREATE INDEX IF NOT EXISTS" + stmt[len("CREATE INDEX"):]
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			var myErr *mysql.MySQLError
			if errors.As(err, &myErr) && myErr.Number == mysqlDupKeyName {
				continue
			}
			return errors.Wrap(err, "create index")
		}
	}
	insert := "INSERT IGNORE INTO"
	if s.dialect == DriverSQLite {
		insert = "INSERT OR IGNORE INTO"
	}
	if _, err := s.db.ExecContext(ctx, insert+" counters (name, value) VALUES ('execution_serial', 0)"); err != nil {
		return errors.Wrap(err, "seed counters")
	}
	return nil
}

func inTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit transaction")
	}
	return nil
}
