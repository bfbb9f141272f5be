package worktree_test

import (
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"

	"github.com/attemptengine/attemptd/internal/worktree"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %s: %v", args, out, err)
		}
	}
	run("init", "-b", "main")
	run("config", "user.name", "test")
	run("config", "user.email", "test@test")
	if err := os.WriteFile(filepath.Join(dir, "f.txt"), []byte("a"), 0644); err != nil {
		t.Fatal(err)
	}
	run("add", "-A")
	run("commit", "-m", "init")
	run("branch", "feature")
	return dir
}

func TestEnsureExistsCreatesWorktree(t *testing.T) {
	repo := initRepo(t)
	m := worktree.NewManager()
	wtPath := filepath.Join(t.TempDir(), "wt")

	if err := m.EnsureExists(repo, "feature", wtPath); err != nil {
		t.Fatalf("EnsureExists: %v", err)
	}
	if _, err := os.Stat(wtPath); err != nil {
		t.Fatalf("worktree path missing: %v", err)
	}
}

func TestEnsureExistsIsIdempotent(t *testing.T) {
	repo := initRepo(t)
	m := worktree.NewManager()
	wtPath := filepath.Join(t.TempDir(), "wt")

	if err := m.EnsureExists(repo, "feature", wtPath); err != nil {
		t.Fatalf("first EnsureExists: %v", err)
	}
	if err := m.EnsureExists(repo, "feature", wtPath); err != nil {
		t.Fatalf("second EnsureExists: %v", err)
	}
}

func TestConcurrentEnsureExistsSerializes(t *testing.T) {
	repo := initRepo(t)
	m := worktree.NewManager()
	wtPath := filepath.Join(t.TempDir(), "wt")

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.EnsureExists(repo, "feature", wtPath)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("goroutine %d: %v", i, err)
		}
	}
	if _, err := os.Stat(wtPath); err != nil {
		t.Fatalf("worktree path missing: %v", err)
	}
}

func TestCleanupRemovesWorktree(t *testing.T) {
	repo := initRepo(t)
	m := worktree.NewManager()
	wtPath := filepath.Join(t.TempDir(), "wt")

	if err := m.EnsureExists(repo, "feature", wtPath); err != nil {
		t.Fatalf("EnsureExists: %v", err)
	}
	if err := m.Cleanup(repo, wtPath); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if _, err := os.Stat(wtPath); !os.IsNotExist(err) {
		t.Fatalf("expected worktree path removed, got err=%v", err)
	}
}

func TestCleanupSucceedsWhenRepoMissing(t *testing.T) {
	m := worktree.NewManager()
	wtPath := t.TempDir()
	if err := os.WriteFile(filepath.Join(wtPath, "x"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := m.Cleanup(filepath.Join(wtPath, "does-not-exist-repo"), wtPath); err != nil {
		t.Fatalf("Cleanup with missing repo: %v", err)
	}
	if _, err := os.Stat(wtPath); !os.IsNotExist(err) {
		t.Fatalf("expected path removed")
	}
}

func TestInferRepoRoot(t *testing.T) {
	repo := initRepo(t)
	m := worktree.NewManager()
	wtPath := filepath.Join(t.TempDir(), "wt")
	if err := m.EnsureExists(repo, "feature", wtPath); err != nil {
		t.Fatalf("EnsureExists: %v", err)
	}

	root, err := worktree.InferRepoRoot(wtPath)
	if err != nil {
		t.Fatalf("InferRepoRoot: %v", err)
	}
	absRepo, _ := filepath.EvalSymlinks(repo)
	absRoot, _ := filepath.EvalSymlinks(root)
	if absRoot != absRepo {
		t.Fatalf("InferRepoRoot = %s, want %s", absRoot, absRepo)
	}
}
