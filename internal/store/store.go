// Package store persists the lifecycle history of supervised processes.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"botvisor/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS run_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT NOT NULL,
	run_id     TEXT NOT NULL,
	kind       TEXT NOT NULL,
	pid        INTEGER NOT NULL DEFAULT 0,
	exit_code  INTEGER NOT NULL DEFAULT 0,
	reason     TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS run_events_name ON run_events (name, id);
`

const insertEventSQL = `
INSERT INTO run_events (name, run_id, kind, pid, exit_code, reason, created_at)
VALUES (:name, :run_id, :kind, :pid, :exit_code, :reason, :created_at)
`

const historySQL = `
SELECT id, name, run_id, kind, pid, exit_code, reason, created_at
FROM run_events
WHERE name = ?
ORDER BY id DESC
LIMIT ?
`

// Store records run events. Implementations must be safe for concurrent
// use.
type Store interface {
	Record(ctx context.Context, ev models.RunEvent) error
	History(ctx context.Context, name string, limit int) ([]models.RunEvent, error)
	Close() error
}

type SQLiteStore struct {
	db *sqlx.DB
}

// Open connects to the SQLite database at path and ensures the schema.
// ":memory:" gives a private in-memory database.
func Open(path string) (*SQLiteStore, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open run history %s: %w", path, err)
	}
	// One writer keeps sqlite from returning SQLITE_BUSY and keeps an
	// in-memory database on a single connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create run history schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Record(ctx context.Context, ev models.RunEvent) error {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	if _, err := s.db.NamedExecContext(ctx, insertEventSQL, ev); err != nil {
		return fmt.Errorf("record %s event for %s: %w", ev.Kind, ev.Name, err)
	}
	return nil
}

// History returns the newest events for name first.
func (s *SQLiteStore) History(ctx context.Context, name string, limit int) ([]models.RunEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	events := []models.RunEvent{}
	if err := s.db.SelectContext(ctx, &events, historySQL, name, limit); err != nil {
		return nil, fmt.Errorf("load history for %s: %w", name, err)
	}
	return events, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
