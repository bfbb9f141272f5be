// Package worktree implements per-path serialized creation, recreation and
// cleanup of Git worktrees (spec §4.2), with metadata reconciliation and
// cross-platform path fix-ups.
package worktree

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/attemptengine/attemptd/internal/git"
)

// Manager serializes worktree lifecycle operations per absolute path, the
// way the teacher's WORKTREE_CREATION_LOCKS map does conceptually, except
// here it also guards cleanup (not just create) since the two must never
// race against each other for the same path (spec §4.2, invariant 4 in §8).
type Manager struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager constructs an empty Manager.
func NewManager() *Manager {
	return &Manager{locks: make(map[string]*sync.Mutex)}
}

func (m *Manager) lockFor(path string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[path]
	if !ok {
		l = &sync.Mutex{}
		m.locks[path] = l
	}
	return l
}

// EnsureExists returns success if the worktree path already exists on disk
// and is registered with the repository's worktree list; otherwise it
// performs Recreate. Concurrent calls for the same path serialize so only
// one `git worktree add` is ever spawned (spec §8 invariant 4).
func (m *Manager) EnsureExists(repoDir, branch, path string) error {
	lock := m.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	if m.isRegistered(repoDir, path) {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
	}
	return m.recreateLocked(repoDir, branch, path)
}

func (m *Manager) isRegistered(repoDir, path string) bool {
	repo := git.NewRepo(repoDir)
	worktrees, err := repo.WorktreeList()
	if err != nil {
		return false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	for _, wt := range worktrees {
		wtAbs, err := filepath.Abs(wt)
		if err != nil {
			wtAbs = wt
		}
		if wtAbs == abs {
			return true
		}
	}
	return false
}

// Recreate tears down any existing worktree at path and creates a fresh
// one bound to branch. Exposed for callers (e.g. ContainerService) that
// know recreation is unconditionally required.
func (m *Manager) Recreate(repoDir, branch, path string) error {
	lock := m.lockFor(path)
	lock.Lock()
	defer lock.Unlock()
	return m.recreateLocked(repoDir, branch, path)
}

func (m *Manager) recreateLocked(repoDir, branch, path string) error {
	if err := m.cleanupLocked(repoDir, path); err != nil {
		return fmt.Errorf("worktree: cleanup before recreate: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("worktree: creating parent directory: %w", err)
	}

	repo := git.NewRepo(repoDir)
	name := filepath.Base(path)
	if err := repo.CreateWorktreeRetryingMetadata(path, branch, name); err != nil {
		return fmt.Errorf("worktree: creating worktree at %s: %w", path, err)
	}

	if err := fixWSL2CommonDir(repoDir, name); err != nil {
		return fmt.Errorf("worktree: fixing WSL2 commondir: %w", err)
	}

	return nil
}

// Cleanup removes the worktree registration, prunes stale entries, deletes
// the `.git/worktrees/<name>` metadata directory, then removes the working
// directory itself. Cleanup must succeed even if the repository is missing
// entirely — it falls back to a plain directory removal.
func (m *Manager) Cleanup(repoDir, path string) error {
	lock := m.lockFor(path)
	lock.Lock()
	defer lock.Unlock()
	return m.cleanupLocked(repoDir, path)
}

func (m *Manager) cleanupLocked(repoDir, path string) error {
	if repoDir == "" {
		return os.RemoveAll(path)
	}
	if _, err := os.Stat(filepath.Join(repoDir, ".git")); err != nil {
		// Repository itself is gone: nothing to unregister, just remove
		// the directory.
		return os.RemoveAll(path)
	}

	repo := git.NewRepo(repoDir)
	name := filepath.Base(path)

	_ = repo.WorktreeRemove(path, true) // best-effort; path may not exist
	_ = repo.WorktreePrune()

	metaDir := filepath.Join(repoDir, ".git", "worktrees", name)
	if err := os.RemoveAll(metaDir); err != nil {
		return fmt.Errorf("worktree: removing metadata dir %s: %w", metaDir, err)
	}

	return os.RemoveAll(path)
}

// InferRepoRoot resolves the repository root for a path the caller only
// knows as a worktree path, via `git rev-parse --git-common-dir`
// (spec §4.2 "Path inference").
func InferRepoRoot(worktreePath string) (string, error) {
	commonDir, err := git.GitCommonDir(worktreePath)
	if err != nil {
		return "", err
	}
	return filepath.Dir(commonDir), nil
}

// fixWSL2CommonDir rewrites .git/worktrees/<name>/commondir from an
// absolute /mnt/c/... path to a relative one when running Linux-under-WSL2,
// verifying via canonicalization that the rewrite still resolves to the
// same directory. It is a no-op on any other platform (spec §4.2).
func fixWSL2CommonDir(repoDir, name string) error {
	if runtime.GOOS != "linux" || !isWSL2() {
		return nil
	}

	commondirPath := filepath.Join(repoDir, ".git", "worktrees", name, "commondir")
	data, err := os.ReadFile(commondirPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	current := strings.TrimSpace(string(data))
	if !strings.HasPrefix(current, "/mnt/") {
		return nil // not the WSL2 cross-filesystem case
	}

	original := filepath.Clean(current)

	relative, err := filepath.Rel(filepath.Dir(commondirPath), original)
	if err != nil {
		return err
	}

	resolved, err := filepath.Abs(filepath.Join(filepath.Dir(commondirPath), relative))
	if err != nil {
		return err
	}
	if resolved != original {
		return fmt.Errorf("worktree: WSL2 commondir rewrite does not resolve to the same directory")
	}

	return os.WriteFile(commondirPath, []byte(relative+"\n"), 0644)
}

// isWSL2 detects WSL2 by checking /proc/version for the "microsoft" marker
// kernels built for WSL2 carry.
func isWSL2() bool {
	data, err := os.ReadFile("/proc/version")
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(string(data)), "microsoft")
}
