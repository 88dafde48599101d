package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"hive/pkg/protocol"
)

// CreateWorker inserts a new durable worker record. The caller owns id
// allocation; CreatedAt/UpdatedAt default to now when zero.
func (s *Store) CreateWorker(ctx context.Context, rec *protocol.WorkerRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workers (id, handle, team, role, status, pid, session_id, workdir,
		                      swarm_id, depth_level, restarts, last_heartbeat, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Handle, rec.Team, rec.Role, string(rec.Status), rec.PID, rec.SessionID,
		rec.WorkDir, rec.SwarmID, rec.DepthLevel, rec.Restarts,
		formatTime(rec.LastHeartbeat), formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create worker %s: %w", rec.ID, err)
	}
	return nil
}

// SetWorkerStatus updates the durable status of a worker.
func (s *Store) SetWorkerStatus(ctx context.Context, id string, status protocol.WorkerStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE workers SET status=?, updated_at=datetime('now') WHERE id=?`,
		string(status), id)
	if err != nil {
		return fmt.Errorf("set worker %s status: %w", id, err)
	}
	return nil
}

// SetWorkerSession records the session pointer announced by the worker's
// init event.
func (s *Store) SetWorkerSession(ctx context.Context, id, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE workers SET session_id=?, updated_at=datetime('now') WHERE id=?`,
		sessionID, id)
	if err != nil {
		return fmt.Errorf("set worker %s session: %w", id, err)
	}
	return nil
}

// SetWorkerPID refreshes the recorded native process id, used on restart and
// recovery respawn.
func (s *Store) SetWorkerPID(ctx context.Context, id string, pid int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE workers SET pid=?, updated_at=datetime('now') WHERE id=?`,
		pid, id)
	if err != nil {
		return fmt.Errorf("set worker %s pid: %w", id, err)
	}
	return nil
}

// TouchHeartbeat persists the last observed activity timestamp.
func (s *Store) TouchHeartbeat(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE workers SET last_heartbeat=?, updated_at=datetime('now') WHERE id=?`,
		formatTime(at), id)
	if err != nil {
		return fmt.Errorf("touch heartbeat %s: %w", id, err)
	}
	return nil
}

// GetWorker returns one worker record by id, or nil when absent.
func (s *Store) GetWorker(ctx context.Context, id string) (*protocol.WorkerRecord, error) {
	row := s.db.QueryRowContext(ctx, workerSelect+` WHERE id=?`, id)
	rec, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// FindWorker resolves a worker by id first, then by the newest non-terminal
// record holding the ref as a handle. Returns nil when neither matches.
func (s *Store) FindWorker(ctx context.Context, ref string) (*protocol.WorkerRecord, error) {
	rec, err := s.GetWorker(ctx, ref)
	if err != nil || rec != nil {
		return rec, err
	}
	row := s.db.QueryRowContext(ctx,
		workerSelect+` WHERE handle=? AND status NOT IN ('dismissed', 'error')
		 ORDER BY created_at DESC LIMIT 1`, ref)
	rec, err = scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// ActiveWorkers returns every record whose durable status is non-terminal.
// Recovery drains this set on startup.
func (s *Store) ActiveWorkers(ctx context.Context) ([]protocol.WorkerRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		workerSelect+` WHERE status NOT IN ('dismissed', 'error') ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("query active workers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []protocol.WorkerRecord
	for rows.Next() {
		rec, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workers: %w", err)
	}
	return out, nil
}

// ReleaseHandle deletes terminal records holding the given handle so it can
// be reused by a fresh spawn. Records still marked live are left alone.
func (s *Store) ReleaseHandle(ctx context.Context, handle string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM workers WHERE handle=? AND status IN ('dismissed', 'error')`, handle)
	if err != nil {
		return fmt.Errorf("release handle %s: %w", handle, err)
	}
	return nil
}

const workerSelect = `SELECT id, handle, team, role, status, pid, session_id, workdir,
       swarm_id, depth_level, restarts, last_heartbeat, created_at, updated_at
FROM workers`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorker(row rowScanner) (*protocol.WorkerRecord, error) {
	var rec protocol.WorkerRecord
	var status, heartbeat, created, updated string
	if err := row.Scan(&rec.ID, &rec.Handle, &rec.Team, &rec.Role, &status, &rec.PID,
		&rec.SessionID, &rec.WorkDir, &rec.SwarmID, &rec.DepthLevel, &rec.Restarts,
		&heartbeat, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan worker: %w", err)
	}
	rec.Status = protocol.WorkerStatus(status)
	rec.LastHeartbeat = parseTime(heartbeat)
	rec.CreatedAt = parseTime(created)
	rec.UpdatedAt = parseTime(updated)
	return &rec, nil
}
