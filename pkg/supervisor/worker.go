// Package supervisor owns the lifecycle of hive worker processes: spawning
// agent subprocesses, parsing their line-oriented event streams, monitoring
// heartbeats, restarting unhealthy workers within bounds, and recovering
// state from the persistent worker store after a daemon crash.
package supervisor

import (
	"io"
	"os"
	"sync"
	"time"

	"hive/pkg/protocol"
)

// worker is the in-memory entry for one supervised process. All fields are
// guarded by the Supervisor's mutex except exited, which is closed exactly
// once by the exit handler.
type worker struct {
	id      string
	handle  string
	team    string
	role    string
	swarmID string
	depth   int
	workDir string
	task    string

	state         protocol.WorkerState
	health        protocol.Health
	sessionID     string
	lastHeartbeat time.Time
	restarts      int

	pid             int
	proc            *os.Process
	stdin           io.WriteCloser
	output          *outputRing
	intentionalStop bool
	exited          chan struct{}
}

// WorkerInfo is a point-in-time snapshot of a supervised worker, safe to
// hand to collaborators.
type WorkerInfo struct {
	ID            string                `json:"id"`
	Handle        string                `json:"handle"`
	Team          string                `json:"team"`
	Role          string                `json:"role"`
	SwarmID       string                `json:"swarm_id,omitempty"`
	DepthLevel    int                   `json:"depth_level"`
	State         protocol.WorkerState  `json:"state"`
	Health        protocol.Health       `json:"health"`
	SessionID     string                `json:"session_id,omitempty"`
	PID           int                   `json:"pid"`
	Restarts      int                   `json:"restarts"`
	LastHeartbeat time.Time             `json:"last_heartbeat"`
	RecentOutput  []string              `json:"recent_output,omitempty"`
}

func (w *worker) snapshot() WorkerInfo {
	return WorkerInfo{
		ID:            w.id,
		Handle:        w.handle,
		Team:          w.team,
		Role:          w.role,
		SwarmID:       w.swarmID,
		DepthLevel:    w.depth,
		State:         w.state,
		Health:        w.health,
		SessionID:     w.sessionID,
		PID:           w.pid,
		Restarts:      w.restarts,
		LastHeartbeat: w.lastHeartbeat,
		RecentOutput:  w.output.Snapshot(),
	}
}

// outputRing is a bounded FIFO of recent output lines. When full, the
// oldest line is evicted.
type outputRing struct {
	mu    sync.Mutex
	lines []string
	cap   int
}

func newOutputRing(capacity int) *outputRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &outputRing{
		lines: make([]string, 0, capacity),
		cap:   capacity,
	}
}

// Add appends a line, evicting the oldest when at capacity.
func (r *outputRing) Add(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.lines) >= r.cap {
		copy(r.lines, r.lines[1:])
		r.lines[len(r.lines)-1] = line
	} else {
		r.lines = append(r.lines, line)
	}
}

// Snapshot returns a copy of the buffered lines, oldest first.
func (r *outputRing) Snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.lines) == 0 {
		return nil
	}
	out := make([]string, len(r.lines))
	copy(out, r.lines)
	return out
}

// Len returns the number of buffered lines.
func (r *outputRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lines)
}
