// Package container implements ContainerService (spec §4.5): the worktree
// lifecycle bound to a TaskAttempt, plus diff building and templated file
// seeding.
package container

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	gitignore "github.com/sabhiram/go-gitignore"

	"github.com/attemptengine/attemptd/internal/fileutil"
	"github.com/attemptengine/attemptd/internal/git"
	"github.com/attemptengine/attemptd/internal/model"
	"github.com/attemptengine/attemptd/internal/worktree"
)

// ProcessKiller stops every live execution process belonging to an
// attempt; Delete calls it before tearing down the worktree so no process
// is left writing into a directory about to be removed.
type ProcessKiller func(attemptID string) error

// Service is the ContainerService described in spec §4.5.
type Service struct {
	worktrees *worktree.Manager
}

// NewService constructs a Service sharing wm across every attempt it
// manages, so concurrent create/cleanup calls for the same path still
// serialize through the single underlying lock map.
func NewService(wm *worktree.Manager) *Service {
	return &Service{worktrees: wm}
}

// BranchName deterministically derives a branch name from an attempt id,
// so repeated calls for the same attempt (e.g. after a crash) agree
// without consulting any stored state.
func BranchName(attemptID string) string {
	sum := sha1.Sum([]byte(attemptID))
	return "attemptd/" + hex.EncodeToString(sum[:])[:12]
}

// Create chooses a branch name deterministically from the attempt id,
// creates the branch off BaseBranch, creates a worktree under the
// canonical temp dir, and persists ContainerRef/Branch onto attempt
// (spec §4.5 "create").
func (s *Service) Create(gitRepoPath string, attempt *model.TaskAttempt) error {
	repo := git.NewRepo(gitRepoPath)
	repo.EnsureIdentity()

	branch := BranchName(attempt.ID)
	if !repo.BranchExists(branch) {
		if err := repo.CreateBranch(branch, attempt.BaseBranch); err != nil {
			return fmt.Errorf("container: creating branch %s off %s: %w", branch, attempt.BaseBranch, err)
		}
	}

	path := filepath.Join(fileutil.WorktreeBaseDir(), attempt.ID)
	if err := s.worktrees.EnsureExists(gitRepoPath, branch, path); err != nil {
		return fmt.Errorf("container: creating worktree: %w", err)
	}

	attempt.Branch = branch
	attempt.ContainerRef = path
	attempt.WorktreeDeleted = false
	return nil
}

// EnsureContainerExists idempotently recreates the worktree when it is
// missing or has been garbage-collected. Must be called before any log
// stream is re-derived from persisted logs (spec §4.5).
func (s *Service) EnsureContainerExists(gitRepoPath string, attempt *model.TaskAttempt) error {
	if attempt.Branch == "" {
		return s.Create(gitRepoPath, attempt)
	}
	path := attempt.ContainerRef
	if path == "" {
		path = filepath.Join(fileutil.WorktreeBaseDir(), attempt.ID)
	}
	if err := s.worktrees.EnsureExists(gitRepoPath, attempt.Branch, path); err != nil {
		return fmt.Errorf("container: ensuring worktree exists: %w", err)
	}
	attempt.ContainerRef = path
	attempt.WorktreeDeleted = false
	return nil
}

// Delete stops all live processes for the attempt via kill, then cleans
// up the worktree and marks it deleted (spec §4.5 "delete").
func (s *Service) Delete(gitRepoPath string, attempt *model.TaskAttempt, kill ProcessKiller) error {
	if kill != nil {
		if err := kill(attempt.ID); err != nil {
			return fmt.Errorf("container: stopping live processes: %w", err)
		}
	}
	if err := s.worktrees.Cleanup(gitRepoPath, attempt.ContainerRef); err != nil {
		return fmt.Errorf("container: cleaning up worktree: %w", err)
	}
	attempt.WorktreeDeleted = true
	return nil
}

// TryCommitChanges stages and commits any uncommitted changes in the
// attempt's worktree with a synthetic message. Returns whether a commit
// was produced, and its hash, if so (spec §4.5 "try_commit_changes").
func (s *Service) TryCommitChanges(attempt *model.TaskAttempt) (bool, string, error) {
	repo := git.NewRepo(attempt.ContainerRef)
	repo.EnsureIdentity()

	changed, err := repo.HasChanges()
	if err != nil {
		return false, "", fmt.Errorf("container: checking for changes: %w", err)
	}
	if !changed {
		return false, "", nil
	}

	if err := repo.StageAll(); err != nil {
		return false, "", fmt.Errorf("container: staging changes: %w", err)
	}
	msg := fmt.Sprintf("Task attempt %s — Final changes", attempt.ID)
	if err := repo.Commit(msg); err != nil {
		return false, "", fmt.Errorf("container: committing changes: %w", err)
	}
	hash, err := repo.HeadCommit(attempt.Branch)
	if err != nil {
		return true, "", fmt.Errorf("container: resolving committed HEAD: %w", err)
	}
	return true, hash, nil
}

// GetDiff streams structured diff entries between the attempt's branch
// and baseBranch, using a temporary index seeded from HEAD so rename
// detection includes currently-untracked files. Binary files have their
// content omitted (spec §4.5 "get_diff").
func (s *Service) GetDiff(attempt *model.TaskAttempt, baseBranch string) ([]DiffEntry, error) {
	repo := git.NewRepo(attempt.ContainerRef)

	nameStatus, err := repo.DiffWithUntracked(baseBranch, attempt.Branch)
	if err != nil {
		return nil, fmt.Errorf("container: diffing against %s: %w", baseBranch, err)
	}
	entries := parseNameStatus(nameStatus)

	numstat, err := repo.DiffNumstatWithUntracked(baseBranch, attempt.Branch)
	if err == nil {
		applyNumstat(entries, numstat)
	}

	matcher := loadGitignore(attempt.ContainerRef)
	entries = filterIgnored(entries, matcher)

	for i := range entries {
		if entries[i].Binary || entries[i].Kind == ChangeDeleted {
			continue
		}
		content, err := repo.ShowFileAtRef(attempt.Branch, entries[i].Path)
		if err != nil {
			continue // file may be untracked-but-deleted mid-diff; leave content empty
		}
		if isBinaryContent(content) {
			entries[i].Binary = true
			continue
		}
		entries[i].Content = content
	}

	return entries, nil
}

func loadGitignore(worktreePath string) *gitignore.GitIgnore {
	path := filepath.Join(worktreePath, ".gitignore")
	matcher, err := gitignore.CompileIgnoreFile(path)
	if err != nil {
		return nil
	}
	return matcher
}

// CopyProjectFiles copies a configured file whitelist from the project
// tree into a worktree, used for templated setup (spec §4.5
// "copy_project_files").
func CopyProjectFiles(src, dst string, copyFiles []string) error {
	for _, rel := range copyFiles {
		from := filepath.Join(src, rel)
		to := filepath.Join(dst, rel)
		if err := copyOne(from, to); err != nil {
			return fmt.Errorf("container: copying %s: %w", rel, err)
		}
	}
	return nil
}

func copyOne(from, to string) error {
	info, err := os.Stat(from)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // whitelist entries are best-effort; the project may not have every optional file
		}
		return err
	}
	if info.IsDir() {
		return copyDir(from, to)
	}
	return copyFile(from, to, info.Mode())
}

func copyDir(from, to string) error {
	entries, err := os.ReadDir(from)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(to, 0755); err != nil {
		return err
	}
	for _, e := range entries {
		if err := copyOne(filepath.Join(from, e.Name()), filepath.Join(to, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(from, to string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(to), 0755); err != nil {
		return err
	}
	in, err := os.Open(from)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(to, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
