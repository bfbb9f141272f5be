package db

import (
	"encoding/json"
	"fmt"

	"github.com/attemptengine/attemptd/internal/model"
)

// AppendExecutionProcessLog persists one LogRecord line for an execution
// process, the durable fallback store raw/normalized log streaming reads
// from once a live MsgStore has been evicted (spec §4.7.7, §6 "Raw and
// normalized logs must be available even after the in-memory MsgStore has
// been evicted").
func (d *DB) AppendExecutionProcessLog(executionProcessID string, rec model.LogRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("db: marshaling log record: %w", err)
	}
	_, err = d.Exec(`INSERT INTO execution_process_logs (execution_process_id, line) VALUES (?, ?)`,
		executionProcessID, string(line))
	if err != nil {
		return fmt.Errorf("db: appending log for process %s: %w", executionProcessID, err)
	}
	return nil
}

// ReadExecutionProcessLogs returns every persisted LogRecord for a
// process, in append order, used to recompute normalization into a
// temporary store (spec §6).
func (d *DB) ReadExecutionProcessLogs(executionProcessID string) ([]model.LogRecord, error) {
	rows, err := d.Query(`
		SELECT line FROM execution_process_logs WHERE execution_process_id = ? ORDER BY id`,
		executionProcessID)
	if err != nil {
		return nil, fmt.Errorf("db: reading logs for process %s: %w", executionProcessID, err)
	}
	defer rows.Close()

	var out []model.LogRecord
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, fmt.Errorf("db: scanning log line: %w", err)
		}
		var rec model.LogRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, fmt.Errorf("db: unmarshaling log line: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
