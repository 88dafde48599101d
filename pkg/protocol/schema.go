package protocol

// SchemaDDL defines the SQLite schema for the hive runtime database.
// Tables: workers, spawn_queue, events.
// Execute against a SQLite database with: db.Exec(SchemaDDL)
const SchemaDDL = `
-- Durable worker records: one row per spawned worker, never deleted except
-- on explicit handle reuse
CREATE TABLE IF NOT EXISTS workers (
    id TEXT PRIMARY KEY,
    handle TEXT NOT NULL,
    team TEXT NOT NULL DEFAULT '',
    role TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'pending',
    pid INTEGER NOT NULL DEFAULT 0,
    session_id TEXT NOT NULL DEFAULT '',
    workdir TEXT NOT NULL DEFAULT '',
    swarm_id TEXT NOT NULL DEFAULT '',
    depth_level INTEGER NOT NULL DEFAULT 0,
    restarts INTEGER NOT NULL DEFAULT 0,
    last_heartbeat TEXT NOT NULL DEFAULT (datetime('now')),
    created_at TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS workers_status_idx ON workers(status);
CREATE INDEX IF NOT EXISTS workers_handle_idx ON workers(handle);

-- Dependency-gated spawn requests. blocked_by counts unresolved entries in
-- depends_on; an item is ready iff status='pending' AND blocked_by=0.
CREATE TABLE IF NOT EXISTS spawn_queue (
    id TEXT PRIMARY KEY,
    requester TEXT NOT NULL,
    role TEXT NOT NULL,
    depth_level INTEGER NOT NULL DEFAULT 0,
    swarm_id TEXT NOT NULL DEFAULT '',
    priority INTEGER NOT NULL DEFAULT 1,
    status TEXT NOT NULL DEFAULT 'pending',
    task TEXT NOT NULL DEFAULT '',
    depends_on TEXT NOT NULL DEFAULT '[]',
    blocked_by INTEGER NOT NULL DEFAULT 0,
    worker_id TEXT NOT NULL DEFAULT '',
    reason TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS spawn_queue_ready_idx ON spawn_queue(status, blocked_by);

-- Runtime event log: all supervisor/admission lifecycle events
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY,
    type TEXT NOT NULL,
    source TEXT NOT NULL,
    worker_id TEXT,
    handle TEXT,
    payload TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);
`
