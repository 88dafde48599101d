package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"hive/pkg/bus"
	"hive/pkg/protocol"
	"hive/pkg/stream"
)

// readStdout consumes the worker's stream-json stdout until EOF. Lines for
// one worker are handled sequentially on this goroutine, so state
// transitions observe the emission order.
func (s *Supervisor) readStdout(w *worker, r io.Reader) {
	defer s.wg.Done()
	err := stream.Scan(r, func(line stream.Line) {
		s.handleLine(w, line)
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: stdout stream %s: %v\n", w.handle, err)
	}
}

// readStderr consumes the worker's stderr. Known-benign runtime noise is
// dropped; everything else counts as a heartbeat and is surfaced on the
// error kind, as raw text. Stderr never drives the state machine, even when
// a line happens to parse as stream JSON.
func (s *Supervisor) readStderr(w *worker, r io.Reader) {
	defer s.wg.Done()
	err := stream.Scan(r, func(line stream.Line) {
		text := line.Text
		if text == "" {
			text = string(line.Raw)
		}
		if text == "" || stream.BenignStderr(text) {
			return
		}
		s.handleLine(w, stream.Line{Raw: line.Raw, Text: text, StdErr: true})
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: stderr stream %s: %v\n", w.handle, err)
	}
}

// ResultPayload is the bus payload of a result notification: the turn's
// final text plus its duration.
type ResultPayload struct {
	Text       string  `json:"text"`
	DurationMS float64 `json:"duration_ms"`
	IsError    bool    `json:"is_error"`
}

// handleLine applies one stream line to the worker: every line is a
// heartbeat, stdout events drive the state machine, plain text lands in the
// output buffer, stderr is notified as an error.
func (s *Supervisor) handleLine(w *worker, line stream.Line) {
	ctx := context.Background()
	now := s.nowFunc()

	s.mu.Lock()
	w.lastHeartbeat = now
	// Any stream activity proves the process is alive, so a degraded or
	// unhealthy worker recovers here rather than waiting for the next tick.
	w.health = protocol.Healthy

	// Error-channel lines are buffered and notified as errors; they never
	// enter the event switch.
	if line.StdErr {
		if line.Text != "" {
			w.output.Add(line.Text)
		}
		handle, id := w.handle, w.id
		s.mu.Unlock()
		_ = s.db.TouchHeartbeat(ctx, id, now)
		if line.Text != "" {
			s.publish(bus.Event{Kind: bus.KindError, WorkerID: id, Handle: handle, Payload: line.Text, Time: now})
		}
		return
	}

	if line.Event == nil {
		if line.Text != "" {
			w.output.Add(line.Text)
		}
		handle, id := w.handle, w.id
		s.mu.Unlock()
		_ = s.db.TouchHeartbeat(ctx, id, now)
		if line.Text != "" {
			s.publish(bus.Event{Kind: bus.KindOutput, WorkerID: id, Handle: handle, Payload: line.Text, Time: now})
		}
		return
	}

	ev := line.Event
	switch ev.Type {
	case stream.TypeSystem:
		if ev.Subtype != stream.SubtypeInit {
			s.mu.Unlock()
			_ = s.db.TouchHeartbeat(ctx, w.id, now)
			return
		}
		w.state = protocol.WorkerReady
		w.sessionID = ev.SessionID
		handle, id, session := w.handle, w.id, w.sessionID
		s.mu.Unlock()

		if err := s.db.SetWorkerSession(ctx, id, session); err != nil {
			fmt.Fprintf(os.Stderr, "warning: persist session %s: %v\n", id, err)
		}
		if err := s.db.SetWorkerStatus(ctx, id, protocol.StatusReady); err != nil {
			fmt.Fprintf(os.Stderr, "warning: persist status %s: %v\n", id, err)
		}
		_ = s.db.TouchHeartbeat(ctx, id, now)
		_ = s.db.LogEvent(ctx, "ready", "worker", id, handle, fmt.Sprintf(`{"session_id":%q}`, session))
		s.publish(bus.Event{Kind: bus.KindReady, WorkerID: id, Handle: handle, Payload: session, Time: now})

	case stream.TypeAssistant:
		w.state = protocol.WorkerWorking
		if text := ev.Message.Text(); text != "" {
			w.output.Add(text)
		}
		for _, tool := range ev.Message.ToolUses() {
			w.output.Add("[tool] " + tool)
		}
		handle, id := w.handle, w.id
		text := ev.Message.Text()
		s.mu.Unlock()

		_ = s.db.SetWorkerStatus(ctx, id, protocol.StatusWorking)
		_ = s.db.TouchHeartbeat(ctx, id, now)
		if text != "" {
			s.publish(bus.Event{Kind: bus.KindOutput, WorkerID: id, Handle: handle, Payload: text, Time: now})
		}

	case stream.TypeResult:
		// Turn complete: back to ready, awaiting the next directive.
		w.state = protocol.WorkerReady
		if ev.Result != "" {
			w.output.Add(ev.Result)
		}
		handle, id := w.handle, w.id
		s.mu.Unlock()

		_ = s.db.SetWorkerStatus(ctx, id, protocol.StatusReady)
		_ = s.db.TouchHeartbeat(ctx, id, now)
		_ = s.db.LogEvent(ctx, "result", "worker", id, handle,
			fmt.Sprintf(`{"duration_ms":%.0f,"is_error":%t}`, ev.DurationMS, ev.IsError))
		s.publish(bus.Event{Kind: bus.KindResult, WorkerID: id, Handle: handle,
			Payload: ResultPayload{Text: ev.Result, DurationMS: ev.DurationMS, IsError: ev.IsError}, Time: now})

	default:
		s.mu.Unlock()
		_ = s.db.TouchHeartbeat(ctx, w.id, now)
	}
}

// reap waits for the worker process to exit, classifies the exit, and
// removes the worker from the live map. An exit during an intentional stop
// is a clean dismissal; anything else is a failure and may trigger a
// bounded restart.
func (s *Supervisor) reap(w *worker, cmd *exec.Cmd) {
	defer s.wg.Done()
	waitErr := cmd.Wait()
	close(w.exited)

	ctx := context.Background()
	now := s.nowFunc()

	s.mu.Lock()
	intentional := w.intentionalStop
	restarts := w.restarts
	s.mu.Unlock()

	// A dismissal persisted by another process (the CLI) counts as
	// intentional even though this daemon never flagged it.
	if !intentional {
		if rec, err := s.db.GetWorker(ctx, w.id); err == nil && rec != nil && rec.Status == protocol.StatusDismissed {
			intentional = true
		}
	}

	s.mu.Lock()
	if intentional {
		w.state = protocol.WorkerStopped
	} else {
		w.state = protocol.WorkerError
	}
	delete(s.workers, w.id)
	adm := s.admission
	workdirs := s.workdirs
	s.mu.Unlock()

	exitCode := 0
	if waitErr != nil {
		exitCode = -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
	}

	if adm != nil {
		// Idempotent when DismissWorker already unregistered.
		adm.UnregisterSpawn(w.pid, w.handle)
	}

	if intentional {
		if err := s.db.SetWorkerStatus(ctx, w.id, protocol.StatusDismissed); err != nil {
			fmt.Fprintf(os.Stderr, "warning: persist dismissal %s: %v\n", w.id, err)
		}
		_ = s.db.LogEvent(ctx, "exit", "supervisor", w.id, w.handle,
			fmt.Sprintf(`{"code":%d,"dismissed":true}`, exitCode))
		s.publish(bus.Event{Kind: bus.KindExit, WorkerID: w.id, Handle: w.handle, Payload: exitCode, Time: now})
		s.cleanupWorkDir(ctx, workdirs, w)
		return
	}

	// Unexpected exit.
	if err := s.db.SetWorkerStatus(ctx, w.id, protocol.StatusError); err != nil {
		fmt.Fprintf(os.Stderr, "warning: persist error status %s: %v\n", w.id, err)
	}
	_ = s.db.LogEvent(ctx, "exit", "supervisor", w.id, w.handle,
		fmt.Sprintf(`{"code":%d,"dismissed":false}`, exitCode))
	s.publish(bus.Event{Kind: bus.KindError, WorkerID: w.id, Handle: w.handle,
		Payload: fmt.Sprintf("process exited with code %d", exitCode), Time: now})
	s.publish(bus.Event{Kind: bus.KindExit, WorkerID: w.id, Handle: w.handle, Payload: exitCode, Time: now})

	if s.cfg.AutoRestart && restarts < s.cfg.MaxRestarts {
		s.restartWorker(ctx, w, "process exit")
		return
	}
	s.cleanupWorkDir(ctx, workdirs, w)
}

// restartWorker spawns a replacement for a failed worker, carrying over the
// handle, role, session, and an incremented restart counter. The replacement
// is a new worker id; admission is skipped because the failed worker already
// held a slot.
func (s *Supervisor) restartWorker(ctx context.Context, w *worker, cause string) {
	s.mu.Lock()
	s.restartHistory = append(s.restartHistory, s.nowFunc())
	s.mu.Unlock()

	req := protocol.SpawnRequest{
		Handle:        w.handle,
		Team:          w.team,
		Role:          w.role,
		SwarmID:       w.swarmID,
		DepthLevel:    w.depth,
		Task:          w.task,
		ResumeSession: w.sessionID,
		Restarts:      w.restarts + 1,
	}
	_ = s.db.LogEvent(ctx, "restart", "supervisor", w.id, w.handle,
		fmt.Sprintf(`{"cause":%q,"attempt":%d}`, cause, req.Restarts))

	newID, err := s.spawn(ctx, req, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: restart %s: %v\n", w.handle, err)
		s.publish(bus.Event{Kind: bus.KindError, WorkerID: w.id, Handle: w.handle,
			Payload: fmt.Sprintf("restart failed: %v", err), Time: s.nowFunc()})
		return
	}
	s.publish(bus.Event{Kind: bus.KindRestart, WorkerID: newID, Handle: w.handle, Payload: cause, Time: s.nowFunc()})
}

func (s *Supervisor) cleanupWorkDir(ctx context.Context, workdirs WorkDirProvider, w *worker) {
	if workdirs == nil || w.workDir == "" {
		return
	}
	if err := workdirs.Remove(ctx, w.workDir); err != nil {
		fmt.Fprintf(os.Stderr, "warning: cleanup workdir %s: %v\n", w.workDir, err)
	}
}
