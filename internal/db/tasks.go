package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/attemptengine/attemptd/internal/model"
)

// CreateTask inserts t after validating its parent-attempt invariant.
func (d *DB) CreateTask(t *model.Task) error {
	if err := model.ValidateParentAttempt(t.ID, t.ParentTaskAttempt); err != nil {
		return err
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = model.TaskTodo
	}

	_, err := d.Exec(`
		INSERT INTO tasks (id, project_id, title, description, status, parent_task_attempt, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ProjectID, t.Title, t.Description, string(t.Status), nullIfEmpty(t.ParentTaskAttempt),
		t.CreatedAt.Format(time.RFC3339Nano), t.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("db: inserting task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask fetches a task by id.
func (d *DB) GetTask(id string) (*model.Task, error) {
	row := d.QueryRow(`
		SELECT id, project_id, title, description, status, parent_task_attempt, created_at, updated_at
		FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// ListTasksForProject returns every task belonging to projectID.
func (d *DB) ListTasksForProject(projectID string) ([]*model.Task, error) {
	rows, err := d.Query(`
		SELECT id, project_id, title, description, status, parent_task_attempt, created_at, updated_at
		FROM tasks WHERE project_id = ? ORDER BY created_at`, projectID)
	if err != nil {
		return nil, fmt.Errorf("db: listing tasks for project %s: %w", projectID, err)
	}
	defer rows.Close()

	var out []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTaskStatus sets a task's status, stamping UpdatedAt.
func (d *DB) UpdateTaskStatus(id string, status model.TaskStatus) error {
	res, err := d.Exec(`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("db: updating task %s status: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanTask(row rowScanner) (*model.Task, error) {
	var t model.Task
	var status string
	var parentAttempt sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Description, &status, &parentAttempt, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db: scanning task: %w", err)
	}
	t.Status = model.TaskStatus(status)
	t.ParentTaskAttempt = parentAttempt.String
	if t.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
