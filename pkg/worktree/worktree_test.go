package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// fakeRunner records commands and returns canned results.
type fakeRunner struct {
	calls [][]string
	err   error
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (string, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	return "", f.err
}

func TestCreateBuildsPathAndBranch(t *testing.T) {
	runner := &fakeRunner{}
	m := New("/repo", "", runner)

	path, err := m.Create(context.Background(), "builder-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if want := filepath.Join("/repo", Dir, "builder-1"); path != want {
		t.Errorf("path = %q, want %q", path, want)
	}

	if len(runner.calls) != 1 {
		t.Fatalf("calls = %v", runner.calls)
	}
	cmd := strings.Join(runner.calls[0], " ")
	if !strings.Contains(cmd, "worktree add") || !strings.Contains(cmd, "-b hive/builder-1") {
		t.Errorf("unexpected command %q", cmd)
	}
	if !strings.HasSuffix(cmd, " main") {
		t.Errorf("base branch not defaulted to main: %q", cmd)
	}
}

func TestCreateRejectsTraversalHandles(t *testing.T) {
	m := New("/repo", "main", &fakeRunner{})

	for _, handle := range []string{"", "../escape", "a/b", "a b", "x;rm"} {
		if _, err := m.Create(context.Background(), handle); err == nil {
			t.Errorf("Create(%q) succeeded, want error", handle)
		}
	}
}

func TestCreateWrapsGitFailure(t *testing.T) {
	runner := &fakeRunner{err: fmt.Errorf("fatal: branch exists")}
	m := New("/repo", "main", runner)

	if _, err := m.Create(context.Background(), "builder-1"); err == nil {
		t.Error("expected error from failing git")
	}
}

func TestRemoveForces(t *testing.T) {
	runner := &fakeRunner{}
	m := New("/repo", "main", runner)

	if err := m.Remove(context.Background(), "/repo/.hive/worktrees/builder-1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	cmd := strings.Join(runner.calls[0], " ")
	if !strings.Contains(cmd, "worktree remove") || !strings.Contains(cmd, "--force") {
		t.Errorf("unexpected command %q", cmd)
	}
}

func TestPruneRemovesLeftoverDirs(t *testing.T) {
	root := t.TempDir()
	leftover := filepath.Join(root, Dir, "stale-worker")
	if err := os.MkdirAll(leftover, 0o755); err != nil {
		t.Fatal(err)
	}

	m := New(root, "main", &fakeRunner{})
	if err := m.Prune(context.Background()); err != nil {
		t.Fatalf("Prune: %v", err)
	}

	if _, err := os.Stat(leftover); !os.IsNotExist(err) {
		t.Error("stale worktree directory survived prune")
	}
}

func TestPruneToleratesMissingDir(t *testing.T) {
	m := New(t.TempDir(), "main", &fakeRunner{})
	if err := m.Prune(context.Background()); err != nil {
		t.Errorf("Prune on empty repo: %v", err)
	}
}
