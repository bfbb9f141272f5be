package db

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/attemptengine/attemptd/internal/model"
)

// CreateExecutorSession inserts session metadata for a coding-agent
// ExecutionProcess (spec §4.7.3).
func (d *DB) CreateExecutorSession(s *model.ExecutorSession) error {
	_, err := d.Exec(`
		INSERT INTO executor_sessions (execution_process_id, task_attempt_id, prompt, session_id)
		VALUES (?, ?, ?, ?)`,
		s.ExecutionProcessID, s.TaskAttemptID, s.Prompt, s.SessionID)
	if err != nil {
		return fmt.Errorf("db: inserting executor session %s: %w", s.ExecutionProcessID, err)
	}
	return nil
}

// UpdateExecutorSessionID records the agent-reported session id, called
// from the durable-log pump on the first SessionId message (spec §4.7.7).
func (d *DB) UpdateExecutorSessionID(executionProcessID, sessionID string) error {
	_, err := d.Exec(`UPDATE executor_sessions SET session_id = ? WHERE execution_process_id = ?`,
		sessionID, executionProcessID)
	if err != nil {
		return fmt.Errorf("db: updating executor session %s: %w", executionProcessID, err)
	}
	return nil
}

// GetExecutorSession fetches session metadata by execution process id.
func (d *DB) GetExecutorSession(executionProcessID string) (*model.ExecutorSession, error) {
	var s model.ExecutorSession
	err := d.QueryRow(`
		SELECT execution_process_id, task_attempt_id, prompt, session_id
		FROM executor_sessions WHERE execution_process_id = ?`, executionProcessID).
		Scan(&s.ExecutionProcessID, &s.TaskAttemptID, &s.Prompt, &s.SessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db: scanning executor session %s: %w", executionProcessID, err)
	}
	return &s, nil
}
