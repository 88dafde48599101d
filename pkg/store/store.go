// Package store implements the durable side of the hive core: the persistent
// worker store, the dependency-gated spawn queue, and the runtime event log,
// all backed by a single SQLite database in WAL mode.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"hive/pkg/protocol"
)

// timeFormat matches SQLite's datetime('now') output.
const timeFormat = "2006-01-02 15:04:05"

// Store wraps the hive runtime database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the runtime database at path, enables WAL,
// and initializes the schema. Failure here is fatal to startup: the core
// never runs without its durable store.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(protocol.SchemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing database handle. The schema must already be
// initialized. Used by tests and by callers that share one handle.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close releases the database connection. Safe to call multiple times.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// LogEvent appends a row to the durable event log.
func (s *Store) LogEvent(ctx context.Context, evType, source, workerID, handle, payload string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (type, source, worker_id, handle, payload) VALUES (?, ?, ?, ?, ?)`,
		evType, source, workerID, handle, payload)
	if err != nil {
		return fmt.Errorf("log event: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
