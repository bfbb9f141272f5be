package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/attemptengine/attemptd/internal/model"
)

// CreateTaskAttempt inserts attempt.
func (d *DB) CreateTaskAttempt(a *model.TaskAttempt) error {
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	_, err := d.Exec(`
		INSERT INTO task_attempts (id, task_id, container_ref, branch, base_branch, merge_commit, profile,
			pr_url, pr_number, pr_status, pr_merged_at, worktree_deleted, setup_completed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TaskID, a.ContainerRef, a.Branch, a.BaseBranch, nullIfEmpty(a.MergeCommit), a.Profile,
		nullIfEmpty(a.PRUrl), nullIfZeroInt(a.PRNumber), nullIfEmpty(a.PRStatus), nullIfTime(a.PRMergedAt),
		boolToInt(a.WorktreeDeleted), nullIfTime(a.SetupCompletedAt),
		a.CreatedAt.Format(time.RFC3339Nano), a.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("db: inserting task attempt %s: %w", a.ID, err)
	}
	return nil
}

// GetTaskAttempt fetches an attempt by id.
func (d *DB) GetTaskAttempt(id string) (*model.TaskAttempt, error) {
	row := d.QueryRow(attemptSelect+` WHERE id = ?`, id)
	return scanTaskAttempt(row)
}

// ListTaskAttemptsForTask returns every attempt belonging to taskID.
func (d *DB) ListTaskAttemptsForTask(taskID string) ([]*model.TaskAttempt, error) {
	rows, err := d.Query(attemptSelect+` WHERE task_id = ? ORDER BY created_at`, taskID)
	if err != nil {
		return nil, fmt.Errorf("db: listing attempts for task %s: %w", taskID, err)
	}
	defer rows.Close()

	var out []*model.TaskAttempt
	for rows.Next() {
		a, err := scanTaskAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateTaskAttemptContainer persists the ContainerRef/Branch/WorktreeDeleted
// fields ContainerService mutates across create/ensure/delete.
func (d *DB) UpdateTaskAttemptContainer(a *model.TaskAttempt) error {
	_, err := d.Exec(`
		UPDATE task_attempts SET container_ref = ?, branch = ?, worktree_deleted = ?, updated_at = ?
		WHERE id = ?`,
		a.ContainerRef, a.Branch, boolToInt(a.WorktreeDeleted), time.Now().UTC().Format(time.RFC3339Nano), a.ID)
	if err != nil {
		return fmt.Errorf("db: updating attempt %s container state: %w", a.ID, err)
	}
	return nil
}

// UpdateTaskAttemptMergeCommit records the commit TryCommitChanges produced
// (or left unchanged if there was nothing to commit).
func (d *DB) UpdateTaskAttemptMergeCommit(id, mergeCommit string) error {
	_, err := d.Exec(`
		UPDATE task_attempts SET merge_commit = ?, updated_at = ? WHERE id = ?`,
		nullIfEmpty(mergeCommit), time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("db: updating attempt %s merge commit: %w", id, err)
	}
	return nil
}

// MarkTaskAttemptSetupCompleted stamps SetupCompletedAt to now.
func (d *DB) MarkTaskAttemptSetupCompleted(id string) error {
	now := time.Now().UTC()
	_, err := d.Exec(`
		UPDATE task_attempts SET setup_completed_at = ?, updated_at = ? WHERE id = ?`,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("db: marking attempt %s setup completed: %w", id, err)
	}
	return nil
}

const attemptSelect = `
	SELECT id, task_id, container_ref, branch, base_branch, merge_commit, profile,
		pr_url, pr_number, pr_status, pr_merged_at, worktree_deleted, setup_completed_at, created_at, updated_at
	FROM task_attempts`

func scanTaskAttempt(row rowScanner) (*model.TaskAttempt, error) {
	var a model.TaskAttempt
	var mergeCommit, prURL, prStatus, prMergedAt, setupCompletedAt sql.NullString
	var prNumber sql.NullInt64
	var worktreeDeleted int
	var createdAt, updatedAt string

	err := row.Scan(&a.ID, &a.TaskID, &a.ContainerRef, &a.Branch, &a.BaseBranch, &mergeCommit, &a.Profile,
		&prURL, &prNumber, &prStatus, &prMergedAt, &worktreeDeleted, &setupCompletedAt, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db: scanning task attempt: %w", err)
	}

	a.MergeCommit = mergeCommit.String
	a.PRUrl = prURL.String
	a.PRStatus = prStatus.String
	a.PRNumber = int(prNumber.Int64)
	a.WorktreeDeleted = worktreeDeleted != 0

	if prMergedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, prMergedAt.String)
		if err != nil {
			return nil, err
		}
		a.PRMergedAt = &t
	}
	if setupCompletedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, setupCompletedAt.String)
		if err != nil {
			return nil, err
		}
		a.SetupCompletedAt = &t
	}
	if a.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, err
	}
	if a.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func nullIfZeroInt(n int) interface{} {
	if n == 0 {
		return nil
	}
	return n
}

func nullIfTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
