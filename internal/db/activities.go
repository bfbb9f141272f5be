package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/attemptengine/attemptd/internal/model"
)

// CreateActivity inserts a timeline note, stamping CreatedAt if zero.
func (d *DB) CreateActivity(a *model.Activity) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	res, err := d.Exec(`
		INSERT INTO activities (task_attempt_id, execution_process_id, kind, note, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		a.TaskAttemptID, nullIfEmpty(a.ExecutionProcessID), string(a.Kind), a.Note,
		a.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("db: inserting activity for attempt %s: %w", a.TaskAttemptID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("db: reading activity id: %w", err)
	}
	a.ID = id
	return nil
}

// ListActivitiesForAttempt returns every activity note for an attempt,
// oldest first.
func (d *DB) ListActivitiesForAttempt(attemptID string) ([]*model.Activity, error) {
	rows, err := d.Query(`
		SELECT id, task_attempt_id, execution_process_id, kind, note, created_at
		FROM activities WHERE task_attempt_id = ? ORDER BY id`, attemptID)
	if err != nil {
		return nil, fmt.Errorf("db: listing activities for attempt %s: %w", attemptID, err)
	}
	defer rows.Close()

	var out []*model.Activity
	for rows.Next() {
		var a model.Activity
		var executionProcessID sql.NullString
		var kind, createdAt string
		if err := rows.Scan(&a.ID, &a.TaskAttemptID, &executionProcessID, &kind, &a.Note, &createdAt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("db: scanning activity: %w", err)
		}
		a.ExecutionProcessID = executionProcessID.String
		a.Kind = model.ActivityKind(kind)
		if a.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
