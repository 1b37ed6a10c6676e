// Package transcript persists run history: one row per run and one row
// per tool invocation, append-only, for auditing and debugging agent
// behavior after the fact.
package transcript

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/opalsh/opal/internal/agent"
)

// RunSummary is one persisted run, as returned by RecentRuns.
type RunSummary struct {
	ID         string
	Started    time.Time
	Finished   time.Time
	Input      string
	Outcome    string
	Iterations int
	Failures   int
	ToolCalls  int
}

// Store is an append-only SQLite transcript store. Safe for concurrent
// use; SQLite serializes writes.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the transcript database at path.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open transcript database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate transcript schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id          TEXT PRIMARY KEY,
		started     TEXT NOT NULL,
		finished    TEXT NOT NULL,
		input       TEXT NOT NULL,
		outcome     TEXT NOT NULL,
		iterations  INTEGER NOT NULL,
		failures    INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS tool_calls (
		id          TEXT PRIMARY KEY,
		run_id      TEXT NOT NULL,
		seq         INTEGER NOT NULL,
		tool        TEXT NOT NULL,
		ok          INTEGER NOT NULL,
		exit_code   INTEGER,
		duration_ms INTEGER NOT NULL,
		error       TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_run ON tool_calls(run_id, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// RecordRun persists a finished run.
func (s *Store) RecordRun(ctx context.Context, r agent.RunRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, started, finished, input, outcome, iterations, failures)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID,
		r.Started.UTC().Format(time.RFC3339Nano),
		r.Finished.UTC().Format(time.RFC3339Nano),
		r.Input,
		r.Outcome,
		r.Iterations,
		r.Failures,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// RecordToolCall persists one tool invocation of a run.
func (s *Store) RecordToolCall(ctx context.Context, c agent.ToolCallRecord) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate tool call ID: %w", err)
	}

	var exitCode any
	if c.ExitCode != nil {
		exitCode = *c.ExitCode
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tool_calls (id, run_id, seq, tool, ok, exit_code, duration_ms, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id.String(),
		c.RunID,
		c.Seq,
		c.Tool,
		boolToInt(c.OK),
		exitCode,
		c.Duration.Milliseconds(),
		c.Error,
	)
	if err != nil {
		return fmt.Errorf("insert tool call: %w", err)
	}
	return nil
}

// RecentRuns returns the most recent runs, newest first, with their
// tool call counts.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id, r.started, r.finished, r.input, r.outcome, r.iterations, r.failures,
		        (SELECT COUNT(*) FROM tool_calls tc WHERE tc.run_id = r.id)
		 FROM runs r
		 ORDER BY r.started DESC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var rs RunSummary
		var started, finished string
		if err := rows.Scan(&rs.ID, &started, &finished, &rs.Input, &rs.Outcome,
			&rs.Iterations, &rs.Failures, &rs.ToolCalls); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		rs.Started, _ = time.Parse(time.RFC3339Nano, started)
		rs.Finished, _ = time.Parse(time.RFC3339Nano, finished)
		out = append(out, rs)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
