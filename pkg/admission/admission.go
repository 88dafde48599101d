// Package admission implements the spawn admission controller: a stateless
// decision gate over capacity and hierarchy limits, an in-memory live-worker
// counter keyed by native process id, and the drain loop that turns durable
// spawn queue items into actual process creation.
//
// The controller owns no processes. It answers "may X spawn role Y at depth Z
// right now?", and delegates approved queue items to a Spawner.
package admission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"hive/pkg/bus"
	"hive/pkg/config"
	"hive/pkg/protocol"
	"hive/pkg/store"
)

// Spawner starts worker processes. The supervisor implements it.
type Spawner interface {
	SpawnWorker(ctx context.Context, req protocol.SpawnRequest) (workerID string, err error)
}

// RoleResolver maps a live worker handle to its role, used when re-validating
// queued requests whose requester may since have changed or gone away.
type RoleResolver interface {
	RoleOfHandle(handle string) (role string, ok bool)
}

// Limits holds the capacity and role configuration the controller decides
// against. It is replaceable at runtime via SetLimits (config hot reload).
type Limits struct {
	SoftLimit int
	HardLimit int
	Roles     config.Roles
}

type liveEntry struct {
	handle   string
	workerID string
}

// Controller is the spawn admission controller.
type Controller struct {
	mu     sync.Mutex
	limits Limits
	live   map[int]liveEntry // keyed by native process id

	queue    *store.Store // nil means no durable queue wired in
	spawner  Spawner      // nil until the supervisor is attached
	resolver RoleResolver // optional
	events   *bus.Bus

	drainStop chan struct{}
	drainDone chan struct{}
}

// New creates a Controller. queue may be nil: queueSpawn and processQueue
// then degrade to no-ops. The spawner is attached later via SetSpawner to
// break the construction cycle with the supervisor.
func New(limits Limits, queue *store.Store, events *bus.Bus) *Controller {
	if limits.Roles == nil {
		limits.Roles = config.Roles{}
	}
	return &Controller{
		limits: limits,
		live:   make(map[int]liveEntry),
		queue:  queue,
		events: events,
	}
}

// SetSpawner attaches the process spawner (late binding).
func (c *Controller) SetSpawner(s Spawner) {
	c.mu.Lock()
	c.spawner = s
	c.mu.Unlock()
}

// SetRoleResolver attaches an optional requester-role lookup.
func (c *Controller) SetRoleResolver(r RoleResolver) {
	c.mu.Lock()
	c.resolver = r
	c.mu.Unlock()
}

// SetLimits swaps the capacity/role configuration. Live registrations are
// unaffected; the next decision uses the new limits.
func (c *Controller) SetLimits(limits Limits) {
	if limits.Roles == nil {
		limits.Roles = config.Roles{}
	}
	c.mu.Lock()
	c.limits = limits
	c.mu.Unlock()
}

// LiveCount returns the number of registered live workers.
func (c *Controller) LiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.live)
}

// CanSpawn decides whether a worker of requesterRole at currentDepth may
// spawn a worker of targetRole. Checks run in a fixed order so the first
// applicable denial is the one reported:
//
//  1. live count at the hard limit        -> deny, notify limit:hard
//  2. target depth past the role ceiling  -> deny
//  3. requester role cannot spawn at all  -> deny
//  4. live count at the soft limit        -> allow with warning, notify limit:soft
//  5. allow
//
// CanSpawn is pure over (live count, limits, role catalog): identical inputs
// yield identical decisions.
func (c *Controller) CanSpawn(requesterRole string, currentDepth int, targetRole string) protocol.Decision {
	c.mu.Lock()
	liveCount := len(c.live)
	limits := c.limits
	c.mu.Unlock()

	d := decide(liveCount, limits, requesterRole, currentDepth, targetRole, false)
	c.notifyLimit(d, liveCount, limits)
	return d
}

// decide is the pure decision function. skipCapability drops check 3, for
// queued requests whose requester can no longer be resolved to a role.
func decide(liveCount int, limits Limits, requesterRole string, currentDepth int, targetRole string, skipCapability bool) protocol.Decision {
	if liveCount >= limits.HardLimit {
		return protocol.Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("hard limit reached: %d live workers (max %d)", liveCount, limits.HardLimit),
		}
	}

	targetDepth := currentDepth + 1
	target := limits.Roles[targetRole]
	if targetDepth > target.MaxDepth {
		return protocol.Decision{
			Allowed: false,
			Reason: fmt.Sprintf("depth %d exceeds role %q maximum depth %d",
				targetDepth, targetRole, target.MaxDepth),
		}
	}

	if !skipCapability {
		requester, known := limits.Roles[requesterRole]
		if !known || !requester.CanSpawn {
			return protocol.Decision{
				Allowed: false,
				Reason:  fmt.Sprintf("role %q is not permitted to spawn workers", requesterRole),
			}
		}
	}

	if liveCount >= limits.SoftLimit {
		return protocol.Decision{
			Allowed: true,
			Warning: fmt.Sprintf("soft limit reached: %d live workers (soft %d, hard %d)", liveCount, limits.SoftLimit, limits.HardLimit),
		}
	}

	return protocol.Decision{Allowed: true}
}

func (c *Controller) notifyLimit(d protocol.Decision, liveCount int, limits Limits) {
	if c.events == nil {
		return
	}
	switch {
	case !d.Allowed && liveCount >= limits.HardLimit:
		c.events.Publish(bus.Event{Kind: bus.KindLimitHard, Payload: d.Reason})
	case d.Allowed && d.Warning != "":
		c.events.Publish(bus.Event{Kind: bus.KindLimitSoft, Payload: d.Warning})
	}
}

// RegisterSpawn records a live worker under its native process id.
func (c *Controller) RegisterSpawn(pid int, handle, workerID string) {
	if pid <= 0 {
		return
	}
	c.mu.Lock()
	c.live[pid] = liveEntry{handle: handle, workerID: workerID}
	c.mu.Unlock()
}

// UnregisterSpawn removes a live registration. Unknown pids are a safe
// no-op; the counter never goes negative.
func (c *Controller) UnregisterSpawn(pid int, handle string) {
	c.mu.Lock()
	if entry, ok := c.live[pid]; ok && (handle == "" || entry.handle == handle) {
		delete(c.live, pid)
	}
	c.mu.Unlock()
}

// publish is a nil-safe bus publish helper.
func (c *Controller) publish(ev bus.Event) {
	if c.events != nil {
		ev.Time = time.Now()
		c.events.Publish(ev)
	}
}

// QueueOptions carries the optional fields of a queued spawn request.
type QueueOptions struct {
	Priority  protocol.Priority
	SwarmID   string
	DependsOn []string
}

// QueueSpawn validates the request against the target role's depth ceiling
// (independent of current load) and enqueues a durable item. It returns the
// new item id, or an error when validation fails or no durable queue is
// wired in.
func (c *Controller) QueueSpawn(ctx context.Context, requester, targetRole string, depthLevel int, task string, opts QueueOptions) (string, error) {
	c.mu.Lock()
	queue := c.queue
	limits := c.limits
	c.mu.Unlock()

	if queue == nil {
		return "", fmt.Errorf("no durable spawn queue available")
	}

	target := limits.Roles[targetRole]
	if depthLevel > target.MaxDepth {
		return "", fmt.Errorf("depth %d exceeds role %q maximum depth %d", depthLevel, targetRole, target.MaxDepth)
	}

	item := &protocol.SpawnQueueItem{
		ID:        uuid.NewString(),
		Requester: requester,
		Role:      targetRole,
		Depth:     depthLevel,
		SwarmID:   opts.SwarmID,
		Priority:  opts.Priority,
		Task:      task,
		DependsOn: opts.DependsOn,
	}
	if err := queue.Enqueue(ctx, item); err != nil {
		return "", err
	}

	c.publish(bus.Event{Kind: bus.KindQueued, Payload: item.ID})
	_ = queue.LogEvent(ctx, "queued", "admission", "", requester,
		fmt.Sprintf(`{"item":%q,"role":%q,"depth":%d}`, item.ID, targetRole, depthLevel))
	return item.ID, nil
}

// ProcessQueue drains one batch of the ready set. For each item, in priority
// order, it re-validates admission (conditions may have changed since
// enqueue) and on approval delegates to the Spawner. Spawned items unblock
// their dependents; rejected or failed items do not. Returns the number of
// items spawned in this pass.
func (c *Controller) ProcessQueue(ctx context.Context, batchLimit int) int {
	c.mu.Lock()
	queue := c.queue
	spawner := c.spawner
	c.mu.Unlock()

	if queue == nil || spawner == nil {
		return 0
	}

	ready, err := queue.ReadySet(ctx, batchLimit)
	if err != nil {
		_ = queue.LogEvent(ctx, "drain_error", "admission", "", "", err.Error())
		return 0
	}

	spawned := 0
	for i := range ready {
		item := &ready[i]
		if c.processItem(ctx, queue, spawner, item) {
			spawned++
		}
	}
	return spawned
}

// processItem admits and spawns a single ready item. Returns true on spawn.
func (c *Controller) processItem(ctx context.Context, queue *store.Store, spawner Spawner, item *protocol.SpawnQueueItem) bool {
	d := c.decideForItem(item)
	if !d.Allowed {
		c.rejectItem(ctx, queue, item, d.Reason)
		return false
	}

	workerID, err := spawner.SpawnWorker(ctx, protocol.SpawnRequest{
		Handle:     item.ID[:8] + "-" + item.Role,
		Role:       item.Role,
		Requester:  item.Requester,
		SwarmID:    item.SwarmID,
		DepthLevel: item.Depth,
		Task:       item.Task,
	})
	if err != nil {
		c.rejectItem(ctx, queue, item, err.Error())
		return false
	}

	if _, err := queue.MarkSpawned(ctx, item.ID, workerID); err != nil {
		_ = queue.LogEvent(ctx, "drain_error", "admission", workerID, item.Requester, err.Error())
		return false
	}
	c.publish(bus.Event{Kind: bus.KindCompleted, WorkerID: workerID, Payload: item.ID})
	_ = queue.LogEvent(ctx, "completed", "admission", workerID, item.Requester,
		fmt.Sprintf(`{"item":%q}`, item.ID))
	return true
}

// decideForItem re-runs the admission decision for a queued item. The
// requester's role is resolved through the optional RoleResolver; when the
// requester is no longer resolvable (it may have exited since enqueue) the
// role-capability check is skipped — the request was already accepted once,
// and capacity and depth are the conditions that change over time.
func (c *Controller) decideForItem(item *protocol.SpawnQueueItem) protocol.Decision {
	c.mu.Lock()
	liveCount := len(c.live)
	limits := c.limits
	resolver := c.resolver
	c.mu.Unlock()

	role, resolved := "", false
	if resolver != nil {
		role, resolved = resolver.RoleOfHandle(item.Requester)
	}
	d := decide(liveCount, limits, role, item.Depth-1, item.Role, !resolved)
	c.notifyLimit(d, liveCount, limits)
	return d
}

func (c *Controller) rejectItem(ctx context.Context, queue *store.Store, item *protocol.SpawnQueueItem, reason string) {
	if err := queue.MarkRejected(ctx, item.ID, reason); err != nil {
		_ = queue.LogEvent(ctx, "drain_error", "admission", "", item.Requester, err.Error())
		return
	}
	c.publish(bus.Event{Kind: bus.KindRejected, Payload: item.ID + ": " + reason})
	_ = queue.LogEvent(ctx, "rejected", "admission", "", item.Requester,
		fmt.Sprintf(`{"item":%q,"reason":%q}`, item.ID, reason))
}

// defaultDrainBatch bounds one automatic drain pass.
const defaultDrainBatch = 16

// StartDrain begins draining the queue at the given interval. Starting an
// already-running drain is a no-op.
func (c *Controller) StartDrain(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	c.mu.Lock()
	if c.drainStop != nil {
		c.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	c.drainStop = stop
	c.drainDone = done
	c.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				c.ProcessQueue(ctx, defaultDrainBatch)
			}
		}
	}()
}

// StopDrain stops the drain timer and waits for the loop to exit. Stopping
// a stopped drain is a no-op.
func (c *Controller) StopDrain() {
	c.mu.Lock()
	stop := c.drainStop
	done := c.drainDone
	c.drainStop = nil
	c.drainDone = nil
	c.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}
