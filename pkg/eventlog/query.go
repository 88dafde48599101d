// Package eventlog provides read-only access to the hive SQLite event log,
// for the logs CLI and other tooling that must not block the daemon.
package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// Event is a single row from the runtime event log.
type Event struct {
	ID        int64
	Type      string
	Source    string
	WorkerID  string
	Handle    string
	Payload   string
	CreatedAt time.Time
}

// QueryOpts specifies filter criteria for querying events.
type QueryOpts struct {
	// WorkerID filters events to a specific worker.
	WorkerID string

	// Handle filters events to a specific worker handle.
	Handle string

	// EventType filters to a specific event type (e.g. "spawn", "exit",
	// "unhealthy").
	EventType string

	// After filters events created at or after this time.
	After *time.Time

	// Before filters events created at or before this time.
	Before *time.Time

	// Limit restricts the number of results (0 = no limit).
	Limit int
}

// Reader provides read-only access to the event log.
type Reader struct {
	db *sql.DB
}

// NewReader opens the hive database in read-only mode with WAL so queries
// never block the daemon's writes.
func NewReader(dbPath string) (*Reader, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("database not found: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?mode=ro&_journal_mode=WAL", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Reader{db: db}, nil
}

// Close releases the database connection. Safe to call multiple times.
func (r *Reader) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Query retrieves events matching the filter, newest first. Returns an
// empty slice when nothing matches.
func (r *Reader) Query(ctx context.Context, opts QueryOpts) ([]Event, error) {
	query, args := buildQuery(opts)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var workerID, handle, payload sql.NullString
		var createdAtStr string
		if err := rows.Scan(&e.ID, &e.Type, &e.Source, &workerID, &handle, &payload, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.WorkerID = workerID.String
		e.Handle = handle.String
		e.Payload = payload.String

		if createdAtStr != "" {
			t, err := time.Parse("2006-01-02 15:04:05", createdAtStr)
			if err != nil {
				t, err = time.Parse(time.RFC3339, createdAtStr)
				if err != nil {
					return nil, fmt.Errorf("parse created_at: %w", err)
				}
			}
			e.CreatedAt = t
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// buildQuery constructs the SQL query and arguments from QueryOpts.
func buildQuery(opts QueryOpts) (string, []any) {
	var conditions []string
	var args []any

	query := "SELECT id, type, source, worker_id, handle, payload, created_at FROM events WHERE 1=1"

	if opts.WorkerID != "" {
		conditions = append(conditions, "worker_id = ?")
		args = append(args, opts.WorkerID)
	}
	if opts.Handle != "" {
		conditions = append(conditions, "handle = ?")
		args = append(args, opts.Handle)
	}
	if opts.EventType != "" {
		conditions = append(conditions, "type = ?")
		args = append(args, opts.EventType)
	}
	if opts.After != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, opts.After.Format("2006-01-02 15:04:05"))
	}
	if opts.Before != nil {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, opts.Before.Format("2006-01-02 15:04:05"))
	}

	if len(conditions) > 0 {
		query += " AND " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY id DESC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	return query, args
}
