// File: internal/history/history.go
// Brief: SQLite-backed run ledger and rollout stage activation store.

// Package history persists what happened on this host: one row per update
// run (the audit trail behind `shipctl history`) and one row per observed
// rollout stage activation (the persistence behind the wait-time gate).
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const (
	createRunsTableStmt = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    version TEXT NOT NULL,
    outcome TEXT NOT NULL,
    reason TEXT,
    rolled_back INTEGER NOT NULL DEFAULT 0,
    host_id TEXT,
    started_at TEXT NOT NULL,
    finished_at TEXT NOT NULL
);`
	createActivationsTableStmt = `
CREATE TABLE IF NOT EXISTS stage_activations (
    version TEXT NOT NULL,
    stage TEXT NOT NULL,
    activated_at TEXT NOT NULL,
    PRIMARY KEY (version, stage)
);`
)

// Run is one recorded pipeline invocation.
type Run struct {
	ID         string
	Version    string
	Outcome    string
	Reason     string
	RolledBack bool
	HostID     string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Store wraps the state database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the state database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	for _, stmt := range []string{createRunsTableStmt, createActivationsTableStmt} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init state db: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// NewRunID returns a fresh run identifier.
func NewRunID() string { return uuid.NewString() }

// RecordRun inserts one finished run.
func (s *Store) RecordRun(ctx context.Context, run Run) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO runs (id, version, outcome, reason, rolled_back, host_id, started_at, finished_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Version, run.Outcome, run.Reason, boolToInt(run.RolledBack),
		run.HostID, run.StartedAt.UTC().Format(time.RFC3339Nano),
		run.FinishedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

// RecentRuns returns the newest runs first, at most limit of them.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, version, outcome, reason, rolled_back, host_id, started_at, finished_at
FROM runs ORDER BY finished_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()
	var runs []Run
	for rows.Next() {
		var run Run
		var rolledBack int
		var started, finished string
		if err := rows.Scan(&run.ID, &run.Version, &run.Outcome, &run.Reason,
			&rolledBack, &run.HostID, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.RolledBack = rolledBack != 0
		run.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		run.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// StageActivation reports when this host first observed the given rollout
// stage for a manifest version, if ever.
func (s *Store) StageActivation(version, stage string) (time.Time, bool, error) {
	var raw string
	err := s.db.QueryRow(`
SELECT activated_at FROM stage_activations WHERE version = ? AND stage = ?`,
		version, stage).Scan(&raw)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("query stage activation: %w", err)
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse stage activation: %w", err)
	}
	return at, true, nil
}

// RecordStageActivation stores the first-observation instant for a stage.
// Re-recording an existing stage is a no-op so the original instant wins.
func (s *Store) RecordStageActivation(version, stage string, at time.Time) error {
	_, err := s.db.Exec(`
INSERT INTO stage_activations (version, stage, activated_at) VALUES (?, ?, ?)
ON CONFLICT (version, stage) DO NOTHING`,
		version, stage, at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record stage activation: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
