package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/attemptengine/attemptd/internal/model"
)

// CreateExecutionProcess inserts p with status Running.
func (d *DB) CreateExecutionProcess(p *model.ExecutionProcess) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.StartedAt.IsZero() {
		p.StartedAt = now
	}
	p.UpdatedAt = now
	if p.Status == "" {
		p.Status = model.ExecRunning
	}

	_, err := d.Exec(`
		INSERT INTO execution_processes (id, task_attempt_id, run_reason, executor_action, status, exit_code,
			started_at, completed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.TaskAttemptID, string(p.RunReason), string(p.ExecutorAction), string(p.Status),
		nullIfNilIntPtr(p.ExitCode), p.StartedAt.Format(time.RFC3339Nano), nullIfTime(p.CompletedAt),
		p.CreatedAt.Format(time.RFC3339Nano), p.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("db: inserting execution process %s: %w", p.ID, err)
	}
	return nil
}

// CompleteExecutionProcess transitions p to a terminal status with an
// optional exit code and completion timestamp.
func (d *DB) CompleteExecutionProcess(id string, status model.ExecutionStatus, exitCode *int) error {
	if !status.Terminal() {
		return fmt.Errorf("db: %s is not a terminal execution status", status)
	}
	now := time.Now().UTC()
	_, err := d.Exec(`
		UPDATE execution_processes SET status = ?, exit_code = ?, completed_at = ?, updated_at = ?
		WHERE id = ?`,
		string(status), nullIfNilIntPtr(exitCode), now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("db: completing execution process %s: %w", id, err)
	}
	return nil
}

// GetExecutionProcess fetches a process by id.
func (d *DB) GetExecutionProcess(id string) (*model.ExecutionProcess, error) {
	row := d.QueryRow(executionProcessSelect+` WHERE id = ?`, id)
	return scanExecutionProcess(row)
}

// ListRunningExecutionProcesses returns every process whose status is
// Running, used by the monitor's polling reconciliation pass.
func (d *DB) ListRunningExecutionProcesses() ([]*model.ExecutionProcess, error) {
	rows, err := d.Query(executionProcessSelect+` WHERE status = ?`, string(model.ExecRunning))
	if err != nil {
		return nil, fmt.Errorf("db: listing running execution processes: %w", err)
	}
	defer rows.Close()

	var out []*model.ExecutionProcess
	for rows.Next() {
		p, err := scanExecutionProcess(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListExecutionProcessesForAttempt returns every process belonging to
// attemptID, oldest first.
func (d *DB) ListExecutionProcessesForAttempt(attemptID string) ([]*model.ExecutionProcess, error) {
	rows, err := d.Query(executionProcessSelect+` WHERE task_attempt_id = ? ORDER BY created_at`, attemptID)
	if err != nil {
		return nil, fmt.Errorf("db: listing execution processes for attempt %s: %w", attemptID, err)
	}
	defer rows.Close()

	var out []*model.ExecutionProcess
	for rows.Next() {
		p, err := scanExecutionProcess(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const executionProcessSelect = `
	SELECT id, task_attempt_id, run_reason, executor_action, status, exit_code, started_at, completed_at,
		created_at, updated_at
	FROM execution_processes`

func scanExecutionProcess(row rowScanner) (*model.ExecutionProcess, error) {
	var p model.ExecutionProcess
	var runReason, executorAction, status string
	var exitCode sql.NullInt64
	var startedAt, completedAt, createdAt, updatedAt sql.NullString

	err := row.Scan(&p.ID, &p.TaskAttemptID, &runReason, &executorAction, &status, &exitCode,
		&startedAt, &completedAt, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db: scanning execution process: %w", err)
	}

	p.RunReason = model.RunReason(runReason)
	p.ExecutorAction = []byte(executorAction)
	p.Status = model.ExecutionStatus(status)
	if exitCode.Valid {
		v := int(exitCode.Int64)
		p.ExitCode = &v
	}
	if p.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt.String); err != nil {
		return nil, err
	}
	if completedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, completedAt.String)
		if err != nil {
			return nil, err
		}
		p.CompletedAt = &t
	}
	if p.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt.String); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt.String); err != nil {
		return nil, err
	}
	return &p, nil
}

func nullIfNilIntPtr(p *int) interface{} {
	if p == nil {
		return nil
	}
	return *p
}
