package supervisor

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"hive/pkg/bus"
	"hive/pkg/protocol"
)

// classify maps heartbeat age to a health level. Health degrades
// monotonically with age; any fresh stream line resets it in handleLine.
func classify(age, healthy, unhealthy time.Duration) protocol.Health {
	switch {
	case age < healthy:
		return protocol.Healthy
	case age < unhealthy:
		return protocol.Degraded
	default:
		return protocol.Unhealthy
	}
}

// StartHealthLoop runs the periodic health check until ctx is cancelled.
func (s *Supervisor) StartHealthLoop(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.HealthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.checkHealth(ctx)
			}
		}
	}()
}

// checkHealth reclassifies every live worker by heartbeat age. Notification
// and intervention fire on the transition into unhealthy, not on every tick.
func (s *Supervisor) checkHealth(ctx context.Context) {
	now := s.nowFunc()

	type action struct {
		id, handle string
		pid        int
		age        time.Duration
		kill       bool
	}
	var unhealthy []action

	s.mu.Lock()
	for _, w := range s.workers {
		if w.state == protocol.WorkerStopping || w.state.Terminal() {
			continue
		}
		age := now.Sub(w.lastHeartbeat)
		next := classify(age, s.cfg.HealthyThreshold, s.cfg.UnhealthyLimit)
		prev := w.health
		w.health = next
		if next == protocol.Unhealthy && prev != protocol.Unhealthy {
			kill := s.cfg.AutoRestart && w.restarts < s.cfg.MaxRestarts
			unhealthy = append(unhealthy, action{w.id, w.handle, w.pid, age, kill})
		}
	}
	s.mu.Unlock()

	for _, a := range unhealthy {
		_ = s.db.LogEvent(ctx, "unhealthy", "supervisor", a.id, a.handle,
			fmt.Sprintf(`{"heartbeat_age_secs":%.0f}`, a.age.Seconds()))
		s.publish(bus.Event{Kind: bus.KindUnhealthy, WorkerID: a.id, Handle: a.handle,
			Payload: a.age.String(), Time: now})
		if a.kill {
			// Kill the hung process group; the exit reaper classifies the
			// exit as a failure and performs the bounded restart.
			_ = syscall.Kill(-a.pid, syscall.SIGKILL)
		}
	}
}
