package container_test

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/attemptengine/attemptd/internal/container"
	"github.com/attemptengine/attemptd/internal/model"
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
	if err := os.WriteFile(filepath.Join(dir, "f.txt"), []byte("a\n"), 0644); err != nil {
		t.Fatal(err)
	}
	run("add", "-A")
	run("commit", "-m", "init")
	return dir
}

func TestBranchNameDeterministic(t *testing.T) {
	a := container.BranchName("attempt-1")
	b := container.BranchName("attempt-1")
	c := container.BranchName("attempt-2")
	if a != b {
		t.Fatalf("BranchName not deterministic: %s != %s", a, b)
	}
	if a == c {
		t.Fatalf("BranchName collided for distinct attempt ids")
	}
}

func TestCreateAndGetDiff(t *testing.T) {
	repo := initRepo(t)
	wm := worktree.NewManager()
	svc := container.NewService(wm)

	attempt := &model.TaskAttempt{ID: "attempt-xyz", BaseBranch: "main"}
	if err := svc.Create(repo, attempt); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if attempt.ContainerRef == "" || attempt.Branch == "" {
		t.Fatalf("Create did not populate ContainerRef/Branch: %+v", attempt)
	}
	defer os.RemoveAll(attempt.ContainerRef)

	if err := os.WriteFile(filepath.Join(attempt.ContainerRef, "new.txt"), []byte("new content\n"), 0644); err != nil {
		t.Fatal(err)
	}

	committed, hash, err := svc.TryCommitChanges(attempt)
	if err != nil {
		t.Fatalf("TryCommitChanges: %v", err)
	}
	if !committed || hash == "" {
		t.Fatal("expected a commit to be produced")
	}

	diff, err := svc.GetDiff(attempt, "main")
	if err != nil {
		t.Fatalf("GetDiff: %v", err)
	}
	found := false
	for _, e := range diff {
		if e.Path == "new.txt" {
			found = true
			if e.Kind != container.ChangeAdded {
				t.Fatalf("new.txt kind = %s, want added", e.Kind)
			}
			if e.Content != "new content\n" {
				t.Fatalf("new.txt content = %q", e.Content)
			}
		}
	}
	if !found {
		t.Fatal("expected new.txt in diff entries")
	}
}

func TestDeleteMarksWorktreeDeleted(t *testing.T) {
	repo := initRepo(t)
	wm := worktree.NewManager()
	svc := container.NewService(wm)

	attempt := &model.TaskAttempt{ID: "attempt-del", BaseBranch: "main"}
	if err := svc.Create(repo, attempt); err != nil {
		t.Fatalf("Create: %v", err)
	}

	killed := false
	err := svc.Delete(repo, attempt, func(attemptID string) error {
		killed = true
		if attemptID != attempt.ID {
			t.Fatalf("kill called with %s, want %s", attemptID, attempt.ID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !killed {
		t.Fatal("expected kill callback to be invoked")
	}
	if !attempt.WorktreeDeleted {
		t.Fatal("expected WorktreeDeleted = true")
	}
	if _, err := os.Stat(attempt.ContainerRef); !os.IsNotExist(err) {
		t.Fatalf("expected worktree removed, got err=%v", err)
	}
}

func TestCopyProjectFiles(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "template.env"), []byte("KEY=1\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := container.CopyProjectFiles(src, dst, []string{"template.env", "optional-missing.txt"}); err != nil {
		t.Fatalf("CopyProjectFiles: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dst, "template.env"))
	if err != nil {
		t.Fatalf("reading copied file: %v", err)
	}
	if string(data) != "KEY=1\n" {
		t.Fatalf("copied content = %q", data)
	}
}
