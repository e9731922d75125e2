// Package store persists pipeline runs in SQLite. The full run document is
// stored as JSON alongside a few indexed columns, so a run suspended for
// approval survives restarts with its complete state.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stormguard/stormguard/internal/model"
)

// ErrNotFound is returned when no run exists with the given ID.
var ErrNotFound = errors.New("run not found")

// ErrTerminal is returned when an update would overwrite a run that already
// reached a terminal status. Terminal runs are immutable.
var ErrTerminal = errors.New("run already terminal")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id             TEXT PRIMARY KEY,
	status         TEXT NOT NULL,
	current_stage  TEXT NOT NULL DEFAULT '',
	failure_reason TEXT NOT NULL DEFAULT '',
	data           BLOB NOT NULL,
	created_at     TEXT NOT NULL,
	updated_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
`

// Store is a SQLite-backed run repository. Safe for concurrent use.
type Store struct {
	db *sql.DB
}

// DefaultPath returns ~/.stormguard/runs.db.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "runs.db"
	}
	return filepath.Join(home, ".stormguard", "runs.db")
}

// Open opens (creating if necessary) the run database at path. Pass
// ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open run store: %w", err)
	}
	// The driver serializes access per connection; a single connection
	// avoids table-lock errors under concurrent writers.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create inserts a new run. Fails if the ID already exists.
func (s *Store) Create(ctx context.Context, run *model.PipelineRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, status, current_stage, failure_reason, data, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, string(run.Status), string(run.CurrentStage), run.FailureReason,
		data, run.CreatedAt.UTC().Format(time.RFC3339Nano), run.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.ID, err)
	}
	return nil
}

// Update replaces the stored run document. Fails with ErrNotFound if the
// run does not exist, and with ErrTerminal if it already completed or
// failed: the status predicate in the UPDATE makes the terminal transition
// a compare-and-swap, so two racing writers cannot both land one.
func (s *Store) Update(ctx context.Context, run *model.PipelineRun) error {
	run.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, current_stage = ?, failure_reason = ?, data = ?, updated_at = ?
		 WHERE id = ? AND status NOT IN (?, ?)`,
		string(run.Status), string(run.CurrentStage), run.FailureReason,
		data, run.UpdatedAt.Format(time.RFC3339Nano), run.ID,
		string(model.StatusCompleted), string(model.StatusFailed))
	if err != nil {
		return fmt.Errorf("update run %s: %w", run.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var status string
		err := s.db.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = ?`, run.ID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("update run %s: %w", run.ID, err)
		}
		return fmt.Errorf("%w: %s is %s", ErrTerminal, run.ID, status)
	}
	return nil
}

// Get loads a run by ID.
func (s *Store) Get(ctx context.Context, id string) (*model.PipelineRun, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM runs WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", id, err)
	}
	var run model.PipelineRun
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("decode run %s: %w", id, err)
	}
	return &run, nil
}

// ListByStatus returns runs in the given status, most recent first.
func (s *Store) ListByStatus(ctx context.Context, status model.RunStatus) ([]*model.PipelineRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM runs WHERE status = ? ORDER BY created_at DESC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list runs by status %s: %w", status, err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// List returns all runs, most recent first, capped at limit (0 = no cap).
func (s *Store) List(ctx context.Context, limit int) ([]*model.PipelineRun, error) {
	q := `SELECT data FROM runs ORDER BY created_at DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

func scanRuns(rows *sql.Rows) ([]*model.PipelineRun, error) {
	var out []*model.PipelineRun
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var run model.PipelineRun
		if err := json.Unmarshal(data, &run); err != nil {
			return nil, fmt.Errorf("decode run: %w", err)
		}
		out = append(out, &run)
	}
	return out, rows.Err()
}
