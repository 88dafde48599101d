// Package worktree isolates worker working directories in git worktrees so
// concurrent agent sessions never edit the same checkout.
package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

// Dir is the directory under the repo root holding worker worktrees.
const Dir = ".hive/worktrees"

// BranchPrefix is prepended to the worker handle to form the branch name.
const BranchPrefix = "hive/"

var handlePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// validateHandle rejects handles that could escape the worktrees directory
// when used as a path component.
func validateHandle(handle string) error {
	if handle == "" {
		return fmt.Errorf("empty handle")
	}
	if !handlePattern.MatchString(handle) {
		return fmt.Errorf("handle %q contains characters outside [a-zA-Z0-9_-]", handle)
	}
	return nil
}

// CommandRunner executes an external command and returns its combined
// output. Tests substitute a fake.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// ExecRunner is the production CommandRunner.
type ExecRunner struct{}

// Run executes the command and returns its combined output.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// Manager creates and removes git worktrees under the repo root. It
// implements the supervisor's WorkDirProvider.
type Manager struct {
	repoRoot string
	branch   string // base branch for new worktrees
	runner   CommandRunner
}

// New returns a Manager backed by real git commands. baseBranch defaults
// to main.
func New(repoRoot, baseBranch string, runner CommandRunner) *Manager {
	if baseBranch == "" {
		baseBranch = "main"
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Manager{repoRoot: repoRoot, branch: baseBranch, runner: runner}
}

// Create runs `git worktree add <path> -b hive/<handle> <base>` and returns
// the worktree path.
func (m *Manager) Create(ctx context.Context, handle string) (string, error) {
	if err := validateHandle(handle); err != nil {
		return "", fmt.Errorf("invalid handle: %w", err)
	}

	path := filepath.Join(m.repoRoot, Dir, handle)
	branch := BranchPrefix + handle

	if _, err := m.runner.Run(ctx, "git", "-C", m.repoRoot,
		"worktree", "add", path, "-b", branch, m.branch,
	); err != nil {
		return "", fmt.Errorf("worktree add %s: %w", handle, err)
	}
	return path, nil
}

// Remove runs `git worktree remove <path> --force`.
func (m *Manager) Remove(ctx context.Context, path string) error {
	if _, err := m.runner.Run(ctx, "git", "-C", m.repoRoot,
		"worktree", "remove", path, "--force",
	); err != nil {
		return fmt.Errorf("worktree remove %s: %w", path, err)
	}
	return nil
}

// Prune cleans up orphaned worktree state left by a previous crash: git's
// internal bookkeeping first, then any leftover directories. Errors never
// prevent startup; Prune always returns nil.
func (m *Manager) Prune(ctx context.Context) error {
	_, _ = m.runner.Run(ctx, "git", "-C", m.repoRoot, "worktree", "prune")

	dir := filepath.Join(m.repoRoot, Dir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil //nolint:nilerr // missing dir means nothing to clean
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		_ = os.RemoveAll(filepath.Join(dir, entry.Name()))
	}
	return nil
}
