package supervisor

import (
	"context"
	"testing"
	"time"

	"hive/pkg/bus"
	"hive/pkg/protocol"
)

func TestClassify(t *testing.T) {
	healthy := 2 * time.Minute
	unhealthy := 5 * time.Minute

	cases := []struct {
		age  time.Duration
		want protocol.Health
	}{
		{0, protocol.Healthy},
		{time.Minute, protocol.Healthy},
		{2*time.Minute - time.Second, protocol.Healthy},
		{2 * time.Minute, protocol.Degraded},
		{4 * time.Minute, protocol.Degraded},
		{5 * time.Minute, protocol.Unhealthy},
		{time.Hour, protocol.Unhealthy},
	}
	for _, tc := range cases {
		if got := classify(tc.age, healthy, unhealthy); got != tc.want {
			t.Errorf("classify(%v) = %s, want %s", tc.age, got, tc.want)
		}
	}
}

func TestCheckHealthDegradesByHeartbeatAge(t *testing.T) {
	s, _, _ := newTestSupervisor(t, Config{})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.nowFunc = func() time.Time { return now }

	fresh := addTestWorker(s, "w-fresh", "fresh")
	stale := addTestWorker(s, "w-stale", "stale")
	dead := addTestWorker(s, "w-dead", "dead")
	s.mu.Lock()
	fresh.lastHeartbeat = now.Add(-time.Minute)
	stale.lastHeartbeat = now.Add(-3 * time.Minute)
	dead.lastHeartbeat = now.Add(-10 * time.Minute)
	s.mu.Unlock()

	s.checkHealth(context.Background())

	s.mu.Lock()
	defer s.mu.Unlock()
	if fresh.health != protocol.Healthy {
		t.Errorf("fresh = %s", fresh.health)
	}
	if stale.health != protocol.Degraded {
		t.Errorf("stale = %s", stale.health)
	}
	if dead.health != protocol.Unhealthy {
		t.Errorf("dead = %s", dead.health)
	}
}

// The unhealthy notification fires on the transition, not on every tick.
func TestCheckHealthNotifiesOnTransitionOnly(t *testing.T) {
	s, _, events := newTestSupervisor(t, Config{})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.nowFunc = func() time.Time { return now }
	sub := events.Subscribe(bus.KindUnhealthy)
	defer sub.Close()

	w := addTestWorker(s, "w-1", "builder-1")
	s.mu.Lock()
	w.lastHeartbeat = now.Add(-10 * time.Minute)
	s.mu.Unlock()

	ctx := context.Background()
	s.checkHealth(ctx)
	waitEvent(t, sub, bus.KindUnhealthy)

	s.checkHealth(ctx)
	select {
	case ev := <-sub.C:
		t.Errorf("second tick re-notified: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCheckHealthSkipsStoppingWorkers(t *testing.T) {
	s, _, events := newTestSupervisor(t, Config{})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.nowFunc = func() time.Time { return now }
	sub := events.Subscribe(bus.KindUnhealthy)
	defer sub.Close()

	w := addTestWorker(s, "w-1", "builder-1")
	s.mu.Lock()
	w.state = protocol.WorkerStopping
	w.lastHeartbeat = now.Add(-time.Hour)
	s.mu.Unlock()

	s.checkHealth(context.Background())

	select {
	case ev := <-sub.C:
		t.Errorf("stopping worker flagged unhealthy: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}
