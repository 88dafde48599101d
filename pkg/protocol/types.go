// Package protocol defines the shared types of the hive runtime: durable
// record shapes for the worker store and spawn queue, lifecycle and health
// enums, spawn priorities, admission decisions, and the SQLite schema.
// Both the supervisor and the admission controller speak these types; neither
// imports the other.
package protocol

import "time"

// WorkerState is the lifecycle phase of a supervised worker.
type WorkerState string

// Worker lifecycle states. A worker loops ready <-> working while its agent
// process is alive; error is reachable from any state.
const (
	WorkerStarting WorkerState = "starting"
	WorkerReady    WorkerState = "ready"
	WorkerWorking  WorkerState = "working"
	WorkerStopping WorkerState = "stopping"
	WorkerStopped  WorkerState = "stopped"
	WorkerError    WorkerState = "error"
)

// Terminal reports whether the state is final for this worker entry.
func (s WorkerState) Terminal() bool {
	return s == WorkerStopped || s == WorkerError
}

// Health is the liveness classification of a worker, independent of its
// lifecycle state. It is derived from heartbeat age by the supervisor's
// health loop.
type Health string

// Health classifications, ordered by increasing heartbeat age.
const (
	Healthy   Health = "healthy"
	Degraded  Health = "degraded"
	Unhealthy Health = "unhealthy"
)

// WorkerStatus is the durable status stored in the workers table. It is a
// coarser projection of WorkerState chosen so that recovery after a daemon
// crash can tell live work from finished work.
type WorkerStatus string

// Durable worker statuses.
const (
	StatusPending   WorkerStatus = "pending"
	StatusReady     WorkerStatus = "ready"
	StatusWorking   WorkerStatus = "working"
	StatusDismissed WorkerStatus = "dismissed"
	StatusError     WorkerStatus = "error"
)

// TerminalStatus reports whether the durable status is final.
func (s WorkerStatus) TerminalStatus() bool {
	return s == StatusDismissed || s == StatusError
}

// WorkerRecord is the durable twin of an in-memory worker. It is created on
// spawn and updated on every persisted transition; it is never deleted except
// on explicit handle reuse.
type WorkerRecord struct {
	ID            string       `json:"id"`
	Handle        string       `json:"handle"`
	Team          string       `json:"team"`
	Role          string       `json:"role"`
	Status        WorkerStatus `json:"status"`
	PID           int          `json:"pid"`
	SessionID     string       `json:"session_id"`
	WorkDir       string       `json:"workdir"`
	SwarmID       string       `json:"swarm_id,omitempty"`
	DepthLevel    int          `json:"depth_level"`
	Restarts      int          `json:"restarts"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Priority orders spawn queue items. Higher values drain first.
type Priority int

// Spawn priorities, critical > high > normal > low.
const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 1
	PriorityHigh     Priority = 2
	PriorityCritical Priority = 3
)

// ParsePriority maps a priority name to its value. Unknown names map to
// PriorityNormal.
func ParsePriority(s string) Priority {
	switch s {
	case "critical":
		return PriorityCritical
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// QueueStatus is the durable status of a spawn queue item.
type QueueStatus string

// Queue item statuses. An item becomes terminal (spawned or rejected)
// exactly once and is never re-queued.
const (
	QueuePending  QueueStatus = "pending"
	QueueSpawned  QueueStatus = "spawned"
	QueueRejected QueueStatus = "rejected"
)

// SpawnQueueItem is a durable, dependency-gated spawn request.
//
// Invariant: BlockedBy always equals the number of entries in DependsOn whose
// owning item has not yet reached the spawned status. An item is ready iff
// Status == QueuePending and BlockedBy == 0.
type SpawnQueueItem struct {
	ID        string      `json:"id"`
	Requester string      `json:"requester"`
	Role      string      `json:"role"`
	Depth     int         `json:"depth_level"`
	SwarmID   string      `json:"swarm_id,omitempty"`
	Priority  Priority    `json:"priority"`
	Status    QueueStatus `json:"status"`
	Task      string      `json:"task"`
	DependsOn []string    `json:"depends_on,omitempty"`
	BlockedBy int         `json:"blocked_by"`
	WorkerID  string      `json:"worker_id,omitempty"` // set once spawned
	Reason    string      `json:"reason,omitempty"`    // set once rejected
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// SpawnRequest carries everything the supervisor needs to start one worker
// process.
type SpawnRequest struct {
	Handle        string `json:"handle"`
	Team          string `json:"team"`
	Role          string `json:"role"`
	Requester     string `json:"requester,omitempty"`
	SwarmID       string `json:"swarm_id,omitempty"`
	DepthLevel    int    `json:"depth_level"`
	Task          string `json:"task,omitempty"`
	ResumeSession string `json:"resume_session,omitempty"` // session token to resume
	Restarts      int    `json:"restarts,omitempty"`       // carried over on restart
	UseWorktree   bool   `json:"use_worktree,omitempty"`
}

// Decision is the structured result of an admission check. Denials are
// reported here, never as errors.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`  // set when denied
	Warning string `json:"warning,omitempty"` // set when allowed near capacity
}

// Event represents a row in the events SQLite table: the durable log of
// supervisor and admission lifecycle events.
type Event struct {
	ID        int64  `json:"id"`
	Type      string `json:"type"`
	Source    string `json:"source"`
	WorkerID  string `json:"worker_id"`
	Handle    string `json:"handle"`
	Payload   string `json:"payload"`
	CreatedAt string `json:"created_at"`
}
