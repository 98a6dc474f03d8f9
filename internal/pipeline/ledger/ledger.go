// Package ledger keeps a durable history of pipeline runs and step attempts.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"userpipe/internal/pipeline"
	"userpipe/pkg/platform/sentinel"
)

const schema = `
CREATE TABLE IF NOT EXISTS pipeline_runs (
	execution_id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	logical_date DATETIME NOT NULL,
	state TEXT NOT NULL,
	failed_step TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	cleanup_error TEXT NOT NULL DEFAULT '',
	started_at DATETIME NOT NULL,
	ended_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_pipeline_runs_run_id ON pipeline_runs (run_id, started_at);
CREATE TABLE IF NOT EXISTS step_attempts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	execution_id TEXT NOT NULL,
	step TEXT NOT NULL,
	attempt INTEGER NOT NULL,
	result TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	started_at DATETIME NOT NULL,
	ended_at DATETIME NOT NULL
);
`

// Run is one execution as recorded in the ledger.
type Run struct {
	ExecutionID  string            `json:"execution_id"`
	RunID        string            `json:"run_id"`
	LogicalDate  time.Time         `json:"logical_date"`
	State        pipeline.State    `json:"state"`
	FailedStep   pipeline.StepName `json:"failed_step,omitempty"`
	Error        string            `json:"error,omitempty"`
	CleanupError string            `json:"cleanup_error,omitempty"`
	StartedAt    time.Time         `json:"started_at"`
	EndedAt      *time.Time        `json:"ended_at,omitempty"`
	Attempts     []Attempt         `json:"attempts"`
}

// Attempt is one recorded step attempt.
type Attempt struct {
	Step      pipeline.StepName `json:"step"`
	Number    int               `json:"attempt"`
	Result    string            `json:"result"`
	Error     string            `json:"error,omitempty"`
	StartedAt time.Time         `json:"started_at"`
	EndedAt   time.Time         `json:"ended_at"`
}

// Store is the SQLite-backed ledger.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the ledger database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("ledger path is required")
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create ledger tables: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// RunStarted records a new execution in the pending state.
func (s *Store) RunStarted(ctx context.Context, rc *pipeline.RunContext, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pipeline_runs (execution_id, run_id, logical_date, state, started_at)
		VALUES (?, ?, ?, ?, ?)`,
		rc.ExecutionID, rc.RunID, rc.LogicalDate, pipeline.StatePending, startedAt.UTC())
	if err != nil {
		return fmt.Errorf("record run start: %w", err)
	}
	return nil
}

// AttemptFinished appends a step attempt and moves the run into the step's state.
func (s *Store) AttemptFinished(ctx context.Context, rc *pipeline.RunContext, a pipeline.Attempt) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin attempt record: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO step_attempts (execution_id, step, attempt, result, error_message, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rc.ExecutionID, a.Step, a.Number, a.Result(), errString(a.Err), a.StartedAt.UTC(), a.EndedAt.UTC()); err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE pipeline_runs SET state = ? WHERE execution_id = ?`,
		a.Step.State(), rc.ExecutionID); err != nil {
		return fmt.Errorf("update run state: %w", err)
	}
	return tx.Commit()
}

// RunFinished stores the terminal outcome.
func (s *Store) RunFinished(ctx context.Context, o pipeline.Outcome) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_runs
		SET state = ?, failed_step = ?, error_message = ?, cleanup_error = ?, ended_at = ?
		WHERE execution_id = ?`,
		o.State, o.FailedStep, errString(o.Cause), errString(o.CleanupErr), o.EndedAt.UTC(), o.ExecutionID)
	if err != nil {
		return fmt.Errorf("record run outcome: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("record run outcome %s: %w", o.ExecutionID, sentinel.ErrNotFound)
	}
	return nil
}

// LatestRun returns the most recent execution of runID with its attempts.
func (s *Store) LatestRun(ctx context.Context, runID string) (*Run, error) {
	var (
		r       Run
		endedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT execution_id, run_id, logical_date, state, failed_step, error_message, cleanup_error, started_at, ended_at
		FROM pipeline_runs
		WHERE run_id = ?
		ORDER BY started_at DESC
		LIMIT 1`, runID).
		Scan(&r.ExecutionID, &r.RunID, &r.LogicalDate, &r.State, &r.FailedStep, &r.Error, &r.CleanupError, &r.StartedAt, &endedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("run %s: %w", runID, sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	if endedAt.Valid {
		t := endedAt.Time
		r.EndedAt = &t
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT step, attempt, result, error_message, started_at, ended_at
		FROM step_attempts
		WHERE execution_id = ?
		ORDER BY id`, r.ExecutionID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	r.Attempts = []Attempt{}
	for rows.Next() {
		var a Attempt
		if err := rows.Scan(&a.Step, &a.Number, &a.Result, &a.Error, &a.StartedAt, &a.EndedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		r.Attempts = append(r.Attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return &r, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
