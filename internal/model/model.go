// Package model defines the persisted entities of the task-attempt
// execution engine: Project, Task, TaskAttempt, ExecutionProcess,
// ExecutorSession and ExecutionProcessLogs.
package model

import (
	"errors"
	"time"
)

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskTodo       TaskStatus = "todo"
	TaskInProgress TaskStatus = "inprogress"
	TaskInReview   TaskStatus = "inreview"
	TaskDone       TaskStatus = "done"
	TaskCancelled  TaskStatus = "cancelled"
)

// RunReason classifies an ExecutionProcess within an attempt's pipeline.
type RunReason string

const (
	RunSetupScript   RunReason = "setupscript"
	RunCleanupScript RunReason = "cleanupscript"
	RunCodingAgent   RunReason = "codingagent"
	RunDevServer     RunReason = "devserver"
)

// ExecutionStatus is the lifecycle state of an ExecutionProcess.
type ExecutionStatus string

const (
	ExecRunning   ExecutionStatus = "running"
	ExecCompleted ExecutionStatus = "completed"
	ExecFailed    ExecutionStatus = "failed"
	ExecKilled    ExecutionStatus = "killed"
)

// Terminal reports whether the status is one of the terminal states.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecCompleted, ExecFailed, ExecKilled:
		return true
	}
	return false
}

// Project owns a Git repository and the scripts run against its attempts.
type Project struct {
	ID            string
	Name          string
	GitRepoPath   string
	SetupScript   string
	DevScript     string
	CleanupScript string
	CopyFiles     []string // whitelist copied into a fresh worktree by ContainerService.CopyProjectFiles
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Task is a unit of work within a project.
type Task struct {
	ID                string
	ProjectID         string
	Title             string
	Description       string
	Status            TaskStatus
	ParentTaskAttempt string // empty if none
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ErrSelfParent is returned when a task's parent_task_attempt would create
// a self-reference (the one cycle form validated at write time per spec §3).
var ErrSelfParent = errors.New("model: task cannot be its own parent attempt's task")

// ValidateParentAttempt checks the one invariant the model enforces eagerly:
// a task may not name an attempt that belongs to itself as its parent.
// Deeper cycles across the attempt DAG are not checked.
func ValidateParentAttempt(taskID string, parentAttemptTaskID string) error {
	if taskID != "" && taskID == parentAttemptTaskID {
		return ErrSelfParent
	}
	return nil
}

// TaskAttempt is one run of an agent against a task.
type TaskAttempt struct {
	ID                string
	TaskID            string
	ContainerRef      string // absolute worktree path
	Branch            string
	BaseBranch        string
	MergeCommit       string
	Profile           string
	PRUrl             string
	PRNumber          int
	PRStatus          string
	PRMergedAt        *time.Time
	WorktreeDeleted   bool
	SetupCompletedAt  *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ExecutionProcess is one child invocation belonging to an attempt.
type ExecutionProcess struct {
	ID             string
	TaskAttemptID  string
	RunReason      RunReason
	ExecutorAction []byte // JSON-encoded action.Action tree
	Status         ExecutionStatus
	ExitCode       *int
	StartedAt      time.Time
	CompletedAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ExecutorSession is per-process session metadata for coding-agent processes.
type ExecutorSession struct {
	ExecutionProcessID string
	TaskAttemptID      string
	Prompt             string
	SessionID          string
}

// LogRecord is one JSONL entry in an ExecutionProcessLogs append-only file.
type LogRecord struct {
	Stdout    []byte `json:"stdout,omitempty"`
	Stderr    []byte `json:"stderr,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Finished  bool   `json:"finished,omitempty"`
}

// ActivityKind classifies an Activity row, emitted by the monitor (§4.7)
// as it dispatches completions.
type ActivityKind string

const (
	ActivitySetupComplete    ActivityKind = "setupcomplete"
	ActivitySetupFailed      ActivityKind = "setupfailed"
	ActivityExecutorComplete ActivityKind = "executorcomplete"
	ActivityExecutorFailed   ActivityKind = "executorfailed"
)

// Activity is a timeline note attached to an attempt (and, where
// applicable, the execution process that produced it).
type Activity struct {
	ID                 int64
	TaskAttemptID      string
	ExecutionProcessID string // empty if not tied to a single process
	Kind               ActivityKind
	Note               string
	CreatedAt          time.Time
}
