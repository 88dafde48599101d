package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"hive/pkg/bus"
	"hive/pkg/config"
	"hive/pkg/protocol"
	"hive/pkg/store"
)

// Admission is the optional spawn gate consulted before process creation.
// The admission controller implements it; the supervisor works without one.
type Admission interface {
	CanSpawn(requesterRole string, currentDepth int, targetRole string) protocol.Decision
	RegisterSpawn(pid int, handle, workerID string)
	UnregisterSpawn(pid int, handle string)
}

// WorkDirProvider resolves an isolated working directory for a new worker.
// The worktree manager implements it; nil falls back to plain directories
// under Config.WorkersDir.
type WorkDirProvider interface {
	Create(ctx context.Context, handle string) (path string, err error)
	Remove(ctx context.Context, path string) error
}

// CmdFactory builds the exec.Cmd for a worker process. Tests override it to
// spawn controllable dummy processes.
type CmdFactory func(req protocol.SpawnRequest, workDir string) *exec.Cmd

// Config holds Supervisor configuration.
type Config struct {
	AgentCommand     string        // agent CLI binary (default "claude")
	CallbackAddr     string        // orchestration callback address for workers
	WorkersDir       string        // base dir for worker workdirs (default ".hive/workers")
	RootRole         string        // role attributed to direct callers with no live handle (default "orchestrator")
	HardCap          int           // absolute live process cap (default 12)
	HealthyThreshold time.Duration // heartbeat age below which a worker is healthy (default 2m)
	UnhealthyLimit   time.Duration // heartbeat age beyond which a worker is unhealthy (default 5m)
	HealthInterval   time.Duration // health loop tick (default 30s)
	ForceKillTimeout time.Duration // SIGTERM-to-SIGKILL grace (default 5s)
	MaxRestarts      int           // bounded automatic restart attempts (default 3)
	AutoRestart      bool          // restart unhealthy workers automatically
	OutputBufferSize int           // ring buffer capacity (default 200)
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.AgentCommand == "" {
		out.AgentCommand = "claude"
	}
	if out.WorkersDir == "" {
		out.WorkersDir = ".hive/workers"
	}
	if out.RootRole == "" {
		out.RootRole = "orchestrator"
	}
	if out.HardCap == 0 {
		out.HardCap = 12
	}
	if out.HealthyThreshold == 0 {
		out.HealthyThreshold = 2 * time.Minute
	}
	if out.UnhealthyLimit == 0 {
		out.UnhealthyLimit = 5 * time.Minute
	}
	if out.HealthInterval == 0 {
		out.HealthInterval = 30 * time.Second
	}
	if out.ForceKillTimeout == 0 {
		out.ForceKillTimeout = 5 * time.Second
	}
	if out.MaxRestarts == 0 {
		out.MaxRestarts = 3
	}
	if out.OutputBufferSize == 0 {
		out.OutputBufferSize = 200
	}
	return out
}

// Supervisor owns the authoritative map of live workers.
type Supervisor struct {
	cfg    Config
	db     *store.Store
	events *bus.Bus

	mu             sync.Mutex
	workers        map[string]*worker // keyed by worker id
	roles          config.Roles
	admission      Admission       // nil until wired in
	workdirs       WorkDirProvider // nil falls back to plain dirs
	cmdFactory     CmdFactory
	restartHistory []time.Time

	wg      sync.WaitGroup
	nowFunc func() time.Time
}

// New creates a Supervisor. The store is mandatory; everything else is
// optional and late-bound. Call Recover before StartHealthLoop.
func New(cfg Config, db *store.Store, events *bus.Bus) *Supervisor {
	resolved := cfg.withDefaults()
	s := &Supervisor{
		cfg:     resolved,
		db:      db,
		events:  events,
		workers: make(map[string]*worker),
		roles:   config.Roles{},
		nowFunc: time.Now,
	}
	s.cmdFactory = s.defaultCmdFactory
	return s
}

// SetAdmission wires in the optional admission controller.
func (s *Supervisor) SetAdmission(a Admission) {
	s.mu.Lock()
	s.admission = a
	s.mu.Unlock()
}

// SetWorkDirProvider wires in the optional isolated-checkout provider.
func (s *Supervisor) SetWorkDirProvider(p WorkDirProvider) {
	s.mu.Lock()
	s.workdirs = p
	s.mu.Unlock()
}

// SetRoles swaps the role catalog used for briefings (config hot reload).
func (s *Supervisor) SetRoles(roles config.Roles) {
	if roles == nil {
		roles = config.Roles{}
	}
	s.mu.Lock()
	s.roles = roles
	s.mu.Unlock()
}

// SetCmdFactory replaces the process command factory (tests only).
func (s *Supervisor) SetCmdFactory(f CmdFactory) {
	s.mu.Lock()
	s.cmdFactory = f
	s.mu.Unlock()
}

// defaultCmdFactory builds the production agent command: a headless agent
// session emitting stream-json events on stdout, reading its briefing on
// stdin.
func (s *Supervisor) defaultCmdFactory(req protocol.SpawnRequest, workDir string) *exec.Cmd {
	args := []string{"-p", "--output-format", "stream-json", "--verbose"}
	if req.ResumeSession != "" {
		args = append(args, "--resume", req.ResumeSession)
	}
	//nolint:gosec // intentionally spawning the configured agent binary
	cmd := exec.Command(s.cfg.AgentCommand, args...)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(),
		"HIVE_TEAM="+req.Team,
		"HIVE_ROLE="+req.Role,
		"HIVE_HANDLE="+req.Handle,
		"HIVE_CALLBACK="+s.cfg.CallbackAddr,
	)
	if req.SwarmID != "" {
		cmd.Env = append(cmd.Env, "HIVE_SWARM="+req.SwarmID)
	}
	return cmd
}

// SpawnWorker starts a new worker process for the request. Preconditions:
// live count below the hard cap, no live worker with the same handle, and —
// when an admission controller is wired in — an allowed canSpawn decision.
// Each precondition fails fast with a typed error and no partial side
// effects. Returns the new worker id.
func (s *Supervisor) SpawnWorker(ctx context.Context, req protocol.SpawnRequest) (string, error) {
	return s.spawn(ctx, req, false)
}

func (s *Supervisor) spawn(ctx context.Context, req protocol.SpawnRequest, skipAdmission bool) (string, error) {
	id := uuid.NewString()
	now := s.nowFunc()

	s.mu.Lock()
	if len(s.workers) >= s.cfg.HardCap {
		live := len(s.workers)
		s.mu.Unlock()
		return "", &protocol.CapacityError{Live: live, Limit: s.cfg.HardCap}
	}
	for _, w := range s.workers {
		if w.handle == req.Handle && !w.state.Terminal() {
			s.mu.Unlock()
			return "", &protocol.DuplicateHandleError{Handle: req.Handle}
		}
	}
	adm := s.admission
	requesterRole := s.roleOfHandleLocked(req.Requester)
	briefing := s.roles[req.Role].Briefing
	if req.Team == "" {
		req.Team = s.roles[req.Role].Team
	}
	workdirs := s.workdirs
	factory := s.cmdFactory
	// Reserve the slot and the handle before releasing the lock; a
	// concurrent spawn must not pass the cap or uniqueness checks while this
	// one is between precondition and process start.
	w := &worker{
		id:            id,
		handle:        req.Handle,
		team:          req.Team,
		role:          req.Role,
		swarmID:       req.SwarmID,
		depth:         req.DepthLevel,
		task:          req.Task,
		state:         protocol.WorkerStarting,
		health:        protocol.Healthy,
		sessionID:     req.ResumeSession,
		lastHeartbeat: now,
		restarts:      req.Restarts,
		output:        newOutputRing(s.cfg.OutputBufferSize),
		exited:        make(chan struct{}),
	}
	s.workers[id] = w
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		delete(s.workers, id)
		s.mu.Unlock()
	}

	if adm != nil && !skipAdmission {
		d := adm.CanSpawn(requesterRole, req.DepthLevel-1, req.Role)
		if !d.Allowed {
			release()
			return "", &protocol.AdmissionDeniedError{Reason: d.Reason}
		}
	}

	workDir, err := s.resolveWorkDir(ctx, workdirs, req)
	if err != nil {
		release()
		return "", fmt.Errorf("resolve workdir for %s: %w", req.Handle, err)
	}

	cmd := factory(req, workDir)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		release()
		return "", fmt.Errorf("stdout pipe for %s: %w", req.Handle, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		release()
		return "", fmt.Errorf("stderr pipe for %s: %w", req.Handle, err)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		release()
		return "", fmt.Errorf("stdin pipe for %s: %w", req.Handle, err)
	}
	// Each worker gets its own process group so termination reaches the
	// whole subprocess tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		release()
		return "", &protocol.ProcessFailureError{Handle: req.Handle, Reason: err.Error()}
	}

	s.mu.Lock()
	w.workDir = workDir
	w.pid = cmd.Process.Pid
	w.proc = cmd.Process
	w.stdin = stdin
	s.mu.Unlock()

	if err := s.db.ReleaseHandle(ctx, req.Handle); err != nil {
		fmt.Fprintf(os.Stderr, "warning: release handle %s: %v\n", req.Handle, err)
	}
	rec := &protocol.WorkerRecord{
		ID:            id,
		Handle:        req.Handle,
		Team:          req.Team,
		Role:          req.Role,
		Status:        protocol.StatusPending,
		PID:           w.pid,
		SessionID:     req.ResumeSession,
		WorkDir:       workDir,
		SwarmID:       req.SwarmID,
		DepthLevel:    req.DepthLevel,
		Restarts:      req.Restarts,
		LastHeartbeat: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.db.CreateWorker(ctx, rec); err != nil {
		fmt.Fprintf(os.Stderr, "warning: persist worker %s: %v\n", id, err)
	}
	_ = s.db.LogEvent(ctx, "spawn", "supervisor", id, req.Handle,
		fmt.Sprintf(`{"role":%q,"depth":%d,"pid":%d}`, req.Role, req.DepthLevel, w.pid))

	if adm != nil {
		adm.RegisterSpawn(w.pid, req.Handle, id)
	}

	// Deliver the role briefing and any task text on the process's stdin.
	s.deliverBriefing(w, briefing, req.Task)

	// Stream readers and the exit reaper. Lines for one worker are handled
	// sequentially, preserving emission order.
	s.wg.Add(3)
	go s.readStdout(w, stdout)
	go s.readStderr(w, stderr)
	go s.reap(w, cmd)

	return id, nil
}

func (s *Supervisor) resolveWorkDir(ctx context.Context, workdirs WorkDirProvider, req protocol.SpawnRequest) (string, error) {
	if workdirs != nil && req.UseWorktree {
		return workdirs.Create(ctx, req.Handle)
	}
	dir := filepath.Join(s.cfg.WorkersDir, req.Handle)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

// deliverBriefing writes the role briefing plus task text to the worker's
// stdin. Best-effort: a worker that refuses input is still supervised.
func (s *Supervisor) deliverBriefing(w *worker, briefing, task string) {
	text := briefing
	if task != "" {
		if text != "" {
			text += "\n\n"
		}
		text += task
	}
	if text == "" {
		return
	}
	if _, err := fmt.Fprintln(w.stdin, text); err != nil {
		fmt.Fprintf(os.Stderr, "warning: briefing for %s: %v\n", w.handle, err)
	}
}

// DismissWorker gracefully terminates a worker by id or handle: it marks
// the worker stopping, unregisters the live count, persists a dismissed
// status, closes stdin, sends SIGTERM, and arms a force-kill timer. It
// returns once the process has exited or the timer has fired, whichever is
// first. Dismissing an unknown or already-stopped worker is a no-op.
func (s *Supervisor) DismissWorker(ctx context.Context, ref string) error {
	s.mu.Lock()
	w := s.findLocked(ref)
	if w == nil || w.state.Terminal() || w.state == protocol.WorkerStopping {
		s.mu.Unlock()
		return nil
	}
	w.state = protocol.WorkerStopping
	w.intentionalStop = true
	adm := s.admission
	s.mu.Unlock()

	if adm != nil {
		adm.UnregisterSpawn(w.pid, w.handle)
	}
	if err := s.db.SetWorkerStatus(ctx, w.id, protocol.StatusDismissed); err != nil {
		fmt.Fprintf(os.Stderr, "warning: persist dismissal %s: %v\n", w.id, err)
	}
	_ = s.db.LogEvent(ctx, "dismiss", "supervisor", w.id, w.handle, "")

	if w.stdin != nil {
		_ = w.stdin.Close()
	}
	if w.pid <= 0 {
		// Slot reserved but the process never started; nothing to signal.
		return nil
	}
	// Polite termination for the whole process group; force-kill past the
	// grace period.
	_ = syscall.Kill(-w.pid, syscall.SIGTERM)

	timer := time.NewTimer(s.cfg.ForceKillTimeout)
	defer timer.Stop()
	select {
	case <-w.exited:
		return nil
	case <-timer.C:
		_ = syscall.Kill(-w.pid, syscall.SIGKILL)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// findLocked resolves a worker by id or handle. Caller holds s.mu.
func (s *Supervisor) findLocked(ref string) *worker {
	if w, ok := s.workers[ref]; ok {
		return w
	}
	for _, w := range s.workers {
		if w.handle == ref {
			return w
		}
	}
	return nil
}

// RoleOfHandle returns the role of a live worker by handle. Implements
// admission.RoleResolver.
func (s *Supervisor) RoleOfHandle(handle string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.workers {
		if w.handle == handle && !w.state.Terminal() {
			return w.role, true
		}
	}
	return "", false
}

// roleOfHandleLocked resolves a requester handle to a role, falling back to
// the configured root role for callers with no live worker entry (the
// orchestration layer itself).
func (s *Supervisor) roleOfHandleLocked(handle string) string {
	if handle != "" {
		for _, w := range s.workers {
			if w.handle == handle && !w.state.Terminal() {
				return w.role
			}
		}
	}
	return s.cfg.RootRole
}

// LiveWorkers returns the number of workers in the live map.
func (s *Supervisor) LiveWorkers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// Workers returns snapshots of every live worker.
func (s *Supervisor) Workers() []WorkerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WorkerInfo, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w.snapshot())
	}
	return out
}

// Worker returns a snapshot of one worker by id or handle.
func (s *Supervisor) Worker(ref string) (WorkerInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.findLocked(ref)
	if w == nil {
		return WorkerInfo{}, &protocol.WorkerNotFoundError{Ref: ref}
	}
	return w.snapshot(), nil
}

// RestartsLastHour returns the number of restart events in the rolling
// last-hour window.
func (s *Supervisor) RestartsLastHour() int {
	cutoff := s.nowFunc().Add(-time.Hour)
	s.mu.Lock()
	defer s.mu.Unlock()
	// Drop expired entries while counting; history stays bounded.
	kept := s.restartHistory[:0]
	for _, t := range s.restartHistory {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.restartHistory = kept
	return len(kept)
}

// Shutdown dismisses every live worker and waits for stream readers and
// reapers to drain, bounded by ctx.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.DismissWorker(ctx, id); err != nil && !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "warning: dismiss %s: %v\n", id, err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) publish(ev bus.Event) {
	if s.events != nil {
		s.events.Publish(ev)
	}
}
