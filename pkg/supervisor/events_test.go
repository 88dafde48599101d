package supervisor

import (
	"strings"
	"testing"
	"time"

	"hive/pkg/bus"
	"hive/pkg/protocol"
	"hive/pkg/stream"
)

// addTestWorker inserts a bare worker into the live map for white-box
// stream handling tests.
func addTestWorker(s *Supervisor, id, handle string) *worker {
	w := &worker{
		id:     id,
		handle: handle,
		role:   "worker",
		state:  protocol.WorkerStarting,
		health: protocol.Healthy,
		output: newOutputRing(10),
		exited: make(chan struct{}),
		pid:    1,
	}
	s.mu.Lock()
	s.workers[id] = w
	s.mu.Unlock()
	return w
}

func stateOf(s *Supervisor, w *worker) protocol.WorkerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return w.state
}

func TestHandleLineInitMovesToReady(t *testing.T) {
	s, _, events := newTestSupervisor(t, Config{})
	sub := events.Subscribe(bus.KindReady)
	defer sub.Close()
	w := addTestWorker(s, "w-1", "builder-1")

	line := stream.ParseLine([]byte(`{"type":"system","subtype":"init","session_id":"sess-7"}`))
	s.handleLine(w, line)

	if got := stateOf(s, w); got != protocol.WorkerReady {
		t.Errorf("state = %s, want ready", got)
	}
	s.mu.Lock()
	session := w.sessionID
	s.mu.Unlock()
	if session != "sess-7" {
		t.Errorf("sessionID = %q, want sess-7", session)
	}
	ev := waitEvent(t, sub, bus.KindReady)
	if ev.Payload != "sess-7" {
		t.Errorf("payload = %v", ev.Payload)
	}
}

func TestHandleLineAssistantMovesToWorking(t *testing.T) {
	s, _, events := newTestSupervisor(t, Config{})
	sub := events.Subscribe(bus.KindOutput)
	defer sub.Close()
	w := addTestWorker(s, "w-1", "builder-1")

	line := stream.ParseLine([]byte(`{"type":"assistant","message":{"content":[` +
		`{"type":"text","text":"compiling"},{"type":"tool_use","name":"Bash"}]}}`))
	s.handleLine(w, line)

	if got := stateOf(s, w); got != protocol.WorkerWorking {
		t.Errorf("state = %s, want working", got)
	}
	out := w.output.Snapshot()
	if len(out) != 2 || out[0] != "compiling" || out[1] != "[tool] Bash" {
		t.Errorf("output = %v", out)
	}
	waitEvent(t, sub, bus.KindOutput)
}

func TestHandleLineResultReturnsToReady(t *testing.T) {
	s, _, events := newTestSupervisor(t, Config{})
	sub := events.Subscribe(bus.KindResult)
	defer sub.Close()
	w := addTestWorker(s, "w-1", "builder-1")

	s.handleLine(w, stream.ParseLine([]byte(`{"type":"assistant","message":{"content":[{"type":"text","text":"x"}]}}`)))
	s.handleLine(w, stream.ParseLine([]byte(`{"type":"result","result":"all done","duration_ms":100}`)))

	if got := stateOf(s, w); got != protocol.WorkerReady {
		t.Errorf("state = %s, want ready", got)
	}
	ev := waitEvent(t, sub, bus.KindResult)
	res, ok := ev.Payload.(ResultPayload)
	if !ok {
		t.Fatalf("payload = %T %v, want ResultPayload", ev.Payload, ev.Payload)
	}
	if res.Text != "all done" || res.DurationMS != 100 || res.IsError {
		t.Errorf("payload = %+v", res)
	}
}

func TestStderrLineNotifiedAsError(t *testing.T) {
	s, _, events := newTestSupervisor(t, Config{})
	sub := events.Subscribe(bus.KindError)
	defer sub.Close()
	w := addTestWorker(s, "w-1", "builder-1")

	line := stream.ParseLine([]byte("panic: something broke"))
	line.StdErr = true
	s.handleLine(w, line)

	if got := stateOf(s, w); got != protocol.WorkerStarting {
		t.Errorf("state = %s, stderr must not transition", got)
	}
	ev := waitEvent(t, sub, bus.KindError)
	if ev.Payload != "panic: something broke" {
		t.Errorf("payload = %v", ev.Payload)
	}
	if out := w.output.Snapshot(); len(out) != 1 || out[0] != "panic: something broke" {
		t.Errorf("output = %v", out)
	}
}

// A stderr line that happens to parse as stream JSON is still plain error
// text: it never drives the state machine.
func TestStderrJSONDoesNotDriveStateMachine(t *testing.T) {
	s, _, events := newTestSupervisor(t, Config{})
	sub := events.Subscribe(bus.KindError)
	defer sub.Close()
	w := addTestWorker(s, "w-1", "builder-1")

	raw := `{"type":"system","subtype":"init","session_id":"sneaky"}`
	s.wg.Add(1)
	s.readStderr(w, strings.NewReader(raw+"\n"))

	if got := stateOf(s, w); got != protocol.WorkerStarting {
		t.Errorf("state = %s, want starting", got)
	}
	s.mu.Lock()
	session := w.sessionID
	s.mu.Unlock()
	if session != "" {
		t.Errorf("sessionID = %q, want empty", session)
	}
	ev := waitEvent(t, sub, bus.KindError)
	if ev.Payload != raw {
		t.Errorf("payload = %v", ev.Payload)
	}
}

func TestStderrBenignNoiseDropped(t *testing.T) {
	s, _, _ := newTestSupervisor(t, Config{})
	w := addTestWorker(s, "w-1", "builder-1")

	s.wg.Add(1)
	s.readStderr(w, strings.NewReader("(node:1) ExperimentalWarning: fetch is experimental\n"))

	if got := w.output.Len(); got != 0 {
		t.Errorf("buffered %d lines, want 0", got)
	}
}

func TestHandleLinePlainTextBuffersWithoutTransition(t *testing.T) {
	s, _, _ := newTestSupervisor(t, Config{})
	w := addTestWorker(s, "w-1", "builder-1")

	s.handleLine(w, stream.ParseLine([]byte("npm WARN deprecated thing")))

	if got := stateOf(s, w); got != protocol.WorkerStarting {
		t.Errorf("state = %s, plain text must not transition", got)
	}
	if out := w.output.Snapshot(); len(out) != 1 || out[0] != "npm WARN deprecated thing" {
		t.Errorf("output = %v", out)
	}
}

// Every line, event or not, is a heartbeat and restores degraded health.
func TestHandleLineResetsHeartbeatAndHealth(t *testing.T) {
	s, _, _ := newTestSupervisor(t, Config{})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.nowFunc = func() time.Time { return now }
	w := addTestWorker(s, "w-1", "builder-1")

	s.mu.Lock()
	w.health = protocol.Unhealthy
	w.lastHeartbeat = now.Add(-10 * time.Minute)
	s.mu.Unlock()

	s.handleLine(w, stream.ParseLine([]byte("still alive")))

	s.mu.Lock()
	defer s.mu.Unlock()
	if !w.lastHeartbeat.Equal(now) {
		t.Errorf("heartbeat = %v, want %v", w.lastHeartbeat, now)
	}
	if w.health != protocol.Healthy {
		t.Errorf("health = %s, want healthy", w.health)
	}
}

func TestOutputRingEvictsOldest(t *testing.T) {
	r := newOutputRing(3)
	for _, line := range []string{"a", "b", "c", "d", "e"} {
		r.Add(line)
	}
	got := r.Snapshot()
	if len(got) != 3 || got[0] != "c" || got[2] != "e" {
		t.Errorf("snapshot = %v, want [c d e]", got)
	}
	if r.Len() != 3 {
		t.Errorf("len = %d", r.Len())
	}
}
