package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"hive/pkg/protocol"
)

// Enqueue inserts a new spawn queue item. The item's BlockedBy is computed
// here from its DependsOn set: a dependency counts as unresolved unless an
// item with that id has already reached the spawned status. Unknown
// dependency ids count as unresolved.
func (s *Store) Enqueue(ctx context.Context, item *protocol.SpawnQueueItem) error {
	deps, err := json.Marshal(depsOrEmpty(item.DependsOn))
	if err != nil {
		return fmt.Errorf("marshal depends_on: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("enqueue begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	blocked := 0
	for _, dep := range item.DependsOn {
		var status string
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM spawn_queue WHERE id=?`, dep).Scan(&status)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			blocked++
		case err != nil:
			return fmt.Errorf("check dependency %s: %w", dep, err)
		case protocol.QueueStatus(status) != protocol.QueueSpawned:
			blocked++
		}
	}
	item.BlockedBy = blocked
	item.Status = protocol.QueuePending

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO spawn_queue (id, requester, role, depth_level, swarm_id, priority,
		                          status, task, depends_on, blocked_by)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.Requester, item.Role, item.Depth, item.SwarmID, int(item.Priority),
		string(item.Status), item.Task, string(deps), item.BlockedBy); err != nil {
		return fmt.Errorf("enqueue %s: %w", item.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("enqueue commit: %w", err)
	}
	return nil
}

// GetItem returns one queue item by id, or nil when absent.
func (s *Store) GetItem(ctx context.Context, id string) (*protocol.SpawnQueueItem, error) {
	row := s.db.QueryRowContext(ctx, queueSelect+` WHERE id=?`, id)
	item, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return item, err
}

// ReadySet returns pending items with no unresolved dependencies, highest
// priority first, oldest first within a priority. limit <= 0 means no limit.
func (s *Store) ReadySet(ctx context.Context, limit int) ([]protocol.SpawnQueueItem, error) {
	q := queueSelect + ` WHERE status='pending' AND blocked_by=0
		ORDER BY priority DESC, created_at, id`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = s.db.QueryContext(ctx, q+` LIMIT ?`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, q)
	}
	if err != nil {
		return nil, fmt.Errorf("query ready set: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectItems(rows)
}

// PendingItems returns every pending item, blocked or ready.
func (s *Store) PendingItems(ctx context.Context) ([]protocol.SpawnQueueItem, error) {
	rows, err := s.db.QueryContext(ctx,
		queueSelect+` WHERE status='pending' ORDER BY priority DESC, created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query pending items: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectItems(rows)
}

// MarkSpawned transitions an item to spawned, records the resulting worker
// id, and decrements blocked_by on every pending item whose DependsOn lists
// this item — all in one transaction, so each completion unblocks each
// dependent exactly once. Returns the ids of items that became ready.
func (s *Store) MarkSpawned(ctx context.Context, id, workerID string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("mark spawned begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE spawn_queue SET status='spawned', worker_id=?, updated_at=datetime('now')
		 WHERE id=? AND status='pending'`, workerID, id)
	if err != nil {
		return nil, fmt.Errorf("mark spawned %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("queue item %s is not pending", id)
	}

	dependents, err := dependentsOf(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	var unblocked []string
	for _, dep := range dependents {
		var blocked int
		err := tx.QueryRowContext(ctx,
			`UPDATE spawn_queue SET blocked_by = blocked_by - 1, updated_at=datetime('now')
			 WHERE id=? AND blocked_by > 0
			 RETURNING blocked_by`, dep).Scan(&blocked)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("unblock dependent %s: %w", dep, err)
		}
		if blocked == 0 {
			unblocked = append(unblocked, dep)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("mark spawned commit: %w", err)
	}
	return unblocked, nil
}

// MarkRejected transitions an item to rejected with a reason. Dependents are
// deliberately NOT unblocked: a failed prerequisite leaves them blocked.
func (s *Store) MarkRejected(ctx context.Context, id, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE spawn_queue SET status='rejected', reason=?, updated_at=datetime('now')
		 WHERE id=? AND status='pending'`, reason, id)
	if err != nil {
		return fmt.Errorf("mark rejected %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("queue item %s is not pending", id)
	}
	return nil
}

// dependentsOf scans pending items and returns the ids of those whose
// depends_on set lists id. The relationship is derived by scanning, not
// stored as a graph edge.
func dependentsOf(ctx context.Context, tx *sql.Tx, id string) ([]string, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT id, depends_on FROM spawn_queue WHERE status='pending' AND blocked_by > 0`)
	if err != nil {
		return nil, fmt.Errorf("query dependents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var depID, depsJSON string
		if err := rows.Scan(&depID, &depsJSON); err != nil {
			return nil, fmt.Errorf("scan dependent: %w", err)
		}
		var deps []string
		if err := json.Unmarshal([]byte(depsJSON), &deps); err != nil {
			continue
		}
		if slices.Contains(deps, id) {
			out = append(out, depID)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dependents: %w", err)
	}
	return out, nil
}

func depsOrEmpty(deps []string) []string {
	if deps == nil {
		return []string{}
	}
	return deps
}

const queueSelect = `SELECT id, requester, role, depth_level, swarm_id, priority, status,
       task, depends_on, blocked_by, worker_id, reason, created_at, updated_at
FROM spawn_queue`

func scanQueueItem(row rowScanner) (*protocol.SpawnQueueItem, error) {
	var item protocol.SpawnQueueItem
	var priority int
	var status, depsJSON, created, updated string
	if err := row.Scan(&item.ID, &item.Requester, &item.Role, &item.Depth, &item.SwarmID,
		&priority, &status, &item.Task, &depsJSON, &item.BlockedBy,
		&item.WorkerID, &item.Reason, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan queue item: %w", err)
	}
	item.Priority = protocol.Priority(priority)
	item.Status = protocol.QueueStatus(status)
	if err := json.Unmarshal([]byte(depsJSON), &item.DependsOn); err != nil {
		item.DependsOn = nil
	}
	item.CreatedAt = parseTime(created)
	item.UpdatedAt = parseTime(updated)
	return &item, nil
}

func collectItems(rows *sql.Rows) ([]protocol.SpawnQueueItem, error) {
	var out []protocol.SpawnQueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue items: %w", err)
	}
	return out, nil
}
