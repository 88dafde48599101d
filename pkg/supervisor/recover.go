package supervisor

import (
	"context"
	"fmt"
	"os"
	"syscall"

	"hive/pkg/protocol"
)

// Recover reconciles the persistent worker store with reality after a
// daemon restart. A persisted worker whose process is still running is left
// alone: its stream pipes died with the old daemon and cannot be reattached,
// and killing an in-flight session would discard its work. Dead workers are
// respawned with their saved session, within the restart bound; dead workers
// with no session to resume, or past the bound, are marked errored. Run once
// before StartHealthLoop.
func (s *Supervisor) Recover(ctx context.Context) error {
	records, err := s.db.ActiveWorkers(ctx)
	if err != nil {
		return fmt.Errorf("load active workers: %w", err)
	}

	for _, rec := range records {
		if rec.PID > 0 && pidAlive(rec.PID) {
			_ = s.db.LogEvent(ctx, "untracked", "supervisor", rec.ID, rec.Handle,
				fmt.Sprintf(`{"pid":%d}`, rec.PID))
			continue
		}

		if rec.SessionID == "" {
			if err := s.db.SetWorkerStatus(ctx, rec.ID, protocol.StatusError); err != nil {
				fmt.Fprintf(os.Stderr, "warning: mark errored %s: %v\n", rec.ID, err)
			}
			_ = s.db.LogEvent(ctx, "recover_abandoned", "supervisor", rec.ID, rec.Handle,
				`{"reason":"no session to resume"}`)
			continue
		}

		if rec.Restarts >= s.cfg.MaxRestarts {
			if err := s.db.SetWorkerStatus(ctx, rec.ID, protocol.StatusError); err != nil {
				fmt.Fprintf(os.Stderr, "warning: mark errored %s: %v\n", rec.ID, err)
			}
			_ = s.db.LogEvent(ctx, "recover_abandoned", "supervisor", rec.ID, rec.Handle,
				fmt.Sprintf(`{"restarts":%d}`, rec.Restarts))
			continue
		}

		// The old row stays terminal; the replacement is a fresh worker id
		// carrying the handle, session, and restart count forward.
		if err := s.db.SetWorkerStatus(ctx, rec.ID, protocol.StatusError); err != nil {
			fmt.Fprintf(os.Stderr, "warning: retire stale worker %s: %v\n", rec.ID, err)
		}
		req := protocol.SpawnRequest{
			Handle:        rec.Handle,
			Team:          rec.Team,
			Role:          rec.Role,
			SwarmID:       rec.SwarmID,
			DepthLevel:    rec.DepthLevel,
			ResumeSession: rec.SessionID,
			Restarts:      rec.Restarts + 1,
		}
		newID, err := s.spawn(ctx, req, true)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: recover %s: %v\n", rec.Handle, err)
			continue
		}
		_ = s.db.LogEvent(ctx, "recovered", "supervisor", newID, rec.Handle,
			fmt.Sprintf(`{"previous":%q,"session_id":%q}`, rec.ID, rec.SessionID))
	}
	return nil
}

// pidAlive probes a pid with signal 0.
func pidAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
