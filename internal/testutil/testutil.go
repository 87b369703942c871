// Package testutil provides small fixtures shared by package tests: a
// throwaway git repository and a scratch sqlite path. Ported from
// internals/testutil in the teacher repo.
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// TempRepo creates a fresh git repository with one commit, suitable as a
// base_repo for workspace.Manager.
func TempRepo(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	run(t, root, "git", "init")
	run(t, root, "git", "config", "user.email", "test@example.com")
	run(t, root, "git", "config", "user.name", "Test User")
	readme := filepath.Join(root, "README.md")
	if err := os.WriteFile(readme, []byte("test"), 0o644); err != nil {
		t.Fatalf("write README: %v", err)
	}
	run(t, root, "git", "add", "README.md")
	run(t, root, "git", "commit", "-m", "init")
	return root
}

// TempWorktreeRoot returns a scratch directory to hold worktrees.
func TempWorktreeRoot(t *testing.T) string {
	t.Helper()
	return t.TempDir()
}

// TempDBPath returns a path to a not-yet-existing sqlite file inside a
// scratch directory.
func TempDBPath(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	return filepath.Join(root, "tasks.db")
}

func run(t *testing.T, dir string, name string, args ...string) {
	t.Helper()
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	if output, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("%s %v failed: %v\n%s", name, args, err, string(output))
	}
}
