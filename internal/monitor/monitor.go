// Package monitor implements ExecutionMonitor (C7): a polling loop that
// reconciles the in-memory registry of live processes against persisted
// state, dispatches per-run-reason completion handlers, chains the next
// action in an executor-action pipeline, and detects orphans left behind
// by a crash or restart (spec §4.7).
package monitor

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/attemptengine/attemptd/internal/action"
	"github.com/attemptengine/attemptd/internal/command"
	"github.com/attemptengine/attemptd/internal/container"
	"github.com/attemptengine/attemptd/internal/db"
	"github.com/attemptengine/attemptd/internal/model"
	"github.com/attemptengine/attemptd/internal/supervisor"
)

// reconcileConcurrency bounds how many completions are drained in
// parallel per pass, keeping a burst of simultaneous exits from opening
// unbounded SQLite writers at once.
const reconcileConcurrency = 4

// Notifier fires the optional notification on agent completion. The daemon
// wires a sound-only (terminal bell) implementation; no push notification
// is sent. Tests use a no-op.
type Notifier interface {
	NotifyAgentComplete(attempt *model.TaskAttempt, success bool)
}

// NoopNotifier discards every notification.
type NoopNotifier struct{}

// NotifyAgentComplete implements Notifier.
func (NoopNotifier) NotifyAgentComplete(*model.TaskAttempt, bool) {}

const (
	// DefaultInterval is the monitor loop's polling period.
	DefaultInterval = 5 * time.Second
	// orphanGuard is how long a Running row must sit untouched before the
	// monitor treats it as orphaned — the race guard spec §4.7 step 2 and
	// §5's "10 s recently updated guard" describe.
	orphanGuard = 10 * time.Second
	// interScanDelay separates the completions pass from the orphan scan,
	// per spec §4.7 step 2 ("sleep 100 ms, then scan").
	interScanDelay = 100 * time.Millisecond
)

// Monitor is ExecutionMonitor (C7).
type Monitor struct {
	DB         *db.DB
	Supervisor *supervisor.Supervisor
	Container  *container.Service
	Notifier   Notifier
	Interval   time.Duration
}

// New constructs a Monitor with DefaultInterval and a NoopNotifier.
func New(database *db.DB, sup *supervisor.Supervisor, containerSvc *container.Service) *Monitor {
	return &Monitor{DB: database, Supervisor: sup, Container: containerSvc, Notifier: NoopNotifier{}, Interval: DefaultInterval}
}

// Run loops RunOnce on Interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	interval := m.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

// RunOnce performs one reconciliation pass: completions, then (after a
// short delay) orphan detection (spec §4.7 "Monitor loop").
func (m *Monitor) RunOnce(ctx context.Context) {
	m.reconcileCompletions()

	select {
	case <-ctx.Done():
		return
	case <-time.After(interScanDelay):
	}
	m.detectOrphans()
}

// reconcileCompletions is step 1: drain every registered process whose
// wait() has resolved and dispatch its completion handler. Completions for
// distinct processes touch distinct rows, so they run concurrently bounded
// by reconcileConcurrency rather than one at a time.
func (m *Monitor) reconcileCompletions() {
	reg := m.Supervisor.Registry
	var g errgroup.Group
	g.SetLimit(reconcileConcurrency)

	for _, id := range reg.Snapshot() {
		id := id
		live, ok := reg.Get(id)
		if !ok {
			continue
		}
		status, err := live.Handle.TryWait()
		if err != nil || status == nil {
			continue // still running, or an unreadable handle we leave for the orphan scan
		}
		killed := live.Killed
		g.Go(func() error {
			m.completeProcess(id, *status, killed)
			reg.Remove(id)
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Monitor) completeProcess(processID string, status command.ExitStatus, killed bool) {
	proc, err := m.DB.GetExecutionProcess(processID)
	if err != nil {
		return
	}

	finalStatus := model.ExecCompleted
	switch {
	case killed:
		finalStatus = model.ExecKilled
	case !status.Success:
		finalStatus = model.ExecFailed
	}
	if err := m.DB.CompleteExecutionProcess(processID, finalStatus, status.Code); err != nil {
		return
	}
	proc.Status = finalStatus

	attempt, err := m.DB.GetTaskAttempt(proc.TaskAttemptID)
	if err != nil {
		return
	}

	act, err := action.Unmarshal(proc.ExecutorAction)
	if err != nil {
		return
	}

	switch proc.RunReason {
	case model.RunSetupScript:
		m.dispatchSetupScript(attempt, proc, act, finalStatus)
	case model.RunCodingAgent:
		m.dispatchCodingAgent(attempt, proc, act, finalStatus)
	case model.RunDevServer:
		// Record completion on the row only; no task/attempt side effects.
	case model.RunCleanupScript:
		m.dispatchCleanupScript(attempt, proc, finalStatus)
	}
}

func (m *Monitor) dispatchSetupScript(attempt *model.TaskAttempt, proc *model.ExecutionProcess, act *action.Action, status model.ExecutionStatus) {
	if status == model.ExecCompleted {
		_ = m.DB.MarkTaskAttemptSetupCompleted(attempt.ID)
		_ = m.DB.CreateActivity(&model.Activity{
			TaskAttemptID: attempt.ID, ExecutionProcessID: proc.ID,
			Kind: model.ActivitySetupComplete, Note: "Setup script completed",
		})

		next, err := act.NextOrErr()
		if err != nil {
			_ = m.DB.CreateActivity(&model.Activity{
				TaskAttemptID: attempt.ID, ExecutionProcessID: proc.ID,
				Kind: model.ActivitySetupFailed, Note: err.Error(),
			})
			_ = m.DB.UpdateTaskStatus(attempt.TaskID, model.TaskInReview)
			return
		}
		if next != nil {
			runReason, err := next.RunReason()
			if err != nil {
				return
			}
			_, _ = m.Supervisor.StartExecution(attempt, next, runReason)
		}
		return
	}

	_ = m.DB.CreateActivity(&model.Activity{
		TaskAttemptID: attempt.ID, ExecutionProcessID: proc.ID,
		Kind: model.ActivitySetupFailed, Note: "Setup script failed",
	})
	_ = m.DB.UpdateTaskStatus(attempt.TaskID, model.TaskInReview)
}

func (m *Monitor) dispatchCodingAgent(attempt *model.TaskAttempt, proc *model.ExecutionProcess, act *action.Action, status model.ExecutionStatus) {
	success := status == model.ExecCompleted
	m.Notifier.NotifyAgentComplete(attempt, success)

	if m.Container != nil {
		if _, hash, err := m.Container.TryCommitChanges(attempt); err == nil && hash != "" {
			_ = m.DB.UpdateTaskAttemptMergeCommit(attempt.ID, hash)
		}
	}

	kind, note := model.ActivityExecutorComplete, "Coding agent completed"
	if !success {
		kind, note = model.ActivityExecutorFailed, "Coding agent failed"
	}
	_ = m.DB.CreateActivity(&model.Activity{
		TaskAttemptID: attempt.ID, ExecutionProcessID: proc.ID, Kind: kind, Note: note,
	})
	_ = m.DB.UpdateTaskStatus(attempt.TaskID, model.TaskInReview)

	next, err := act.NextOrErr()
	if err == nil && next != nil {
		runReason, err := next.RunReason()
		if err == nil {
			_, _ = m.Supervisor.StartExecution(attempt, next, runReason)
		}
	}
}

func (m *Monitor) dispatchCleanupScript(attempt *model.TaskAttempt, proc *model.ExecutionProcess, status model.ExecutionStatus) {
	kind, note := model.ActivityExecutorComplete, "Cleanup script completed"
	if status != model.ExecCompleted {
		kind, note = model.ActivityExecutorFailed, "Cleanup script failed"
	}
	_ = m.DB.CreateActivity(&model.Activity{
		TaskAttemptID: attempt.ID, ExecutionProcessID: proc.ID, Kind: kind, Note: note,
	})
}

// detectOrphans is step 2: a Running row not present in the in-memory
// registry, whose updated_at is older than orphanGuard, was abandoned by a
// crash or restart — mark it Failed and push the task back to InReview.
func (m *Monitor) detectOrphans() {
	running, err := m.DB.ListRunningExecutionProcesses()
	if err != nil {
		return
	}
	cutoff := time.Now().UTC().Add(-orphanGuard)

	for _, proc := range running {
		if _, ok := m.Supervisor.Registry.Get(proc.ID); ok {
			continue
		}
		if proc.UpdatedAt.After(cutoff) {
			continue // recently touched; could still complete its natural path
		}

		if err := m.DB.CompleteExecutionProcess(proc.ID, model.ExecFailed, nil); err != nil {
			continue
		}
		attempt, err := m.DB.GetTaskAttempt(proc.TaskAttemptID)
		if err != nil {
			continue
		}
		_ = m.DB.CreateActivity(&model.Activity{
			TaskAttemptID: attempt.ID, ExecutionProcessID: proc.ID,
			Kind: model.ActivityExecutorFailed, Note: "Execution lost (server restart or crash)",
		})
		if proc.RunReason == model.RunCodingAgent || proc.RunReason == model.RunSetupScript {
			_ = m.DB.UpdateTaskStatus(attempt.TaskID, model.TaskInReview)
		}
	}
}

// StopExecution implements cancellation: kill the live handle; the next
// reconciliation pass observes the exit and applies the standard
// completion path, recording status Killed because the process was
// explicitly stopped via this path (spec §4.7 "Cancellation").
func (m *Monitor) StopExecution(processID string) error {
	live, ok := m.Supervisor.Registry.Get(processID)
	if !ok {
		return fmt.Errorf("monitor: process %s is not registered", processID)
	}
	m.Supervisor.Registry.MarkKilled(processID)
	if err := live.Handle.Kill(); err != nil {
		return fmt.Errorf("monitor: killing process %s: %w", processID, err)
	}
	return nil
}
