package supervisor

import (
	"context"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"hive/pkg/protocol"
)

// deadPID returns the pid of a process that has already exited and been
// reaped.
func deadPID(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Fatalf("run true: %v", err)
	}
	return cmd.Process.Pid
}

func persistWorker(t *testing.T, s *Supervisor, id, handle, session string, pid, restarts int) {
	t.Helper()
	now := time.Now().UTC()
	err := s.db.CreateWorker(context.Background(), &protocol.WorkerRecord{
		ID:            id,
		Handle:        handle,
		Role:          "worker",
		Status:        protocol.StatusWorking,
		PID:           pid,
		SessionID:     session,
		DepthLevel:    1,
		Restarts:      restarts,
		LastHeartbeat: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestRecoverRespawnsDeadWorkerWithSession(t *testing.T) {
	s, db, _ := newTestSupervisor(t, Config{})
	var resumed []protocol.SpawnRequest
	s.SetCmdFactory(func(req protocol.SpawnRequest, dir string) *exec.Cmd {
		resumed = append(resumed, req)
		return exec.Command("cat")
	})
	ctx := context.Background()

	persistWorker(t, s, "w-old", "builder-1", "sess-42", deadPID(t), 1)

	if err := s.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	defer func() { _ = s.DismissWorker(ctx, "builder-1") }()

	if len(resumed) != 1 {
		t.Fatalf("respawned %d workers, want 1", len(resumed))
	}
	req := resumed[0]
	if req.Handle != "builder-1" || req.ResumeSession != "sess-42" || req.Restarts != 2 {
		t.Errorf("request = %+v", req)
	}
	if got := s.LiveWorkers(); got != 1 {
		t.Errorf("live = %d, want 1", got)
	}

	// The stale row retired; the replacement has a fresh id.
	old, _ := db.GetWorker(ctx, "w-old")
	if old.Status != protocol.StatusError {
		t.Errorf("old status = %s, want error", old.Status)
	}
}

func TestRecoverAbandonsWorkerPastRestartBound(t *testing.T) {
	s, db, _ := newTestSupervisor(t, Config{MaxRestarts: 2})
	spawned := 0
	s.SetCmdFactory(func(protocol.SpawnRequest, string) *exec.Cmd {
		spawned++
		return exec.Command("cat")
	})
	ctx := context.Background()

	persistWorker(t, s, "w-old", "builder-1", "sess-42", deadPID(t), 2)

	if err := s.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	if spawned != 0 {
		t.Errorf("spawned %d workers, want 0", spawned)
	}
	rec, _ := db.GetWorker(ctx, "w-old")
	if rec.Status != protocol.StatusError {
		t.Errorf("status = %s, want error", rec.Status)
	}
}

func TestRecoverMarksSessionlessWorkerErrored(t *testing.T) {
	s, db, _ := newTestSupervisor(t, Config{})
	spawned := 0
	s.SetCmdFactory(func(protocol.SpawnRequest, string) *exec.Cmd {
		spawned++
		return exec.Command("cat")
	})
	ctx := context.Background()

	// Died before emitting its init event: nothing to resume.
	persistWorker(t, s, "w-old", "builder-1", "", deadPID(t), 0)

	if err := s.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	if spawned != 0 {
		t.Errorf("spawned %d workers, want 0", spawned)
	}
	rec, _ := db.GetWorker(ctx, "w-old")
	if rec.Status != protocol.StatusError {
		t.Errorf("status = %s, want error", rec.Status)
	}
}

func TestRecoverLeavesLiveProcessAlone(t *testing.T) {
	s, db, _ := newTestSupervisor(t, Config{})
	spawned := 0
	s.SetCmdFactory(func(protocol.SpawnRequest, string) *exec.Cmd {
		spawned++
		return exec.Command("cat")
	})
	ctx := context.Background()

	// A process that outlives the recovering daemon.
	live := exec.Command("cat")
	stdin, err := live.StdinPipe()
	if err != nil {
		t.Fatal(err)
	}
	if err := live.Start(); err != nil {
		t.Fatal(err)
	}
	defer func() {
		_ = stdin.Close()
		_ = live.Wait()
	}()

	persistWorker(t, s, "w-live", "builder-1", "sess-42", live.Process.Pid, 0)

	if err := s.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	if spawned != 0 {
		t.Errorf("spawned %d workers, want 0", spawned)
	}
	if err := live.Process.Signal(syscall.Signal(0)); err != nil {
		t.Errorf("live process was signalled: %v", err)
	}
	rec, _ := db.GetWorker(ctx, "w-live")
	if rec.Status != protocol.StatusWorking {
		t.Errorf("status = %s, want working record left as-is", rec.Status)
	}
}

func TestRecoverWithEmptyStoreIsNoop(t *testing.T) {
	s, _, _ := newTestSupervisor(t, Config{})
	if err := s.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if got := s.LiveWorkers(); got != 0 {
		t.Errorf("live = %d", got)
	}
}
