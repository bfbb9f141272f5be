package acceptance_test

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/attemptengine/attemptd/internal/action"
	"github.com/attemptengine/attemptd/internal/command"
	"github.com/attemptengine/attemptd/internal/container"
	"github.com/attemptengine/attemptd/internal/db"
	"github.com/attemptengine/attemptd/internal/model"
	"github.com/attemptengine/attemptd/internal/monitor"
	"github.com/attemptengine/attemptd/internal/profiles"
	"github.com/attemptengine/attemptd/internal/supervisor"
	"github.com/attemptengine/attemptd/internal/worktree"
)

// fakeHandle is an already-finished ProcessHandle, standing in for the
// real coding-agent/script subprocess so these scenarios exercise the
// supervisor/monitor/container wiring deterministically rather than an
// actual externally-installed agent binary.
type fakeHandle struct{ id string }

func (h *fakeHandle) TryWait() (*command.ExitStatus, error) {
	return &command.ExitStatus{Success: true, Code: intPtr(0)}, nil
}
func (h *fakeHandle) Wait() (command.ExitStatus, error) {
	return command.ExitStatus{Success: true, Code: intPtr(0)}, nil
}
func (h *fakeHandle) Kill() error { return nil }
func (h *fakeHandle) Stream() (command.Streams, error) {
	return command.Streams{Stdout: io.NopCloser(strings.NewReader("")), Stderr: io.NopCloser(strings.NewReader(""))}, nil
}
func (h *fakeHandle) ProcessID() string { return h.id }

func intPtr(n int) *int { return &n }

type fakeRunner struct{ calls int }

// Spawn simulates a coding agent by writing a file into the attempt's
// worktree, so TryCommitChanges has something real to commit once the
// process is reported complete.
func (r *fakeRunner) Spawn(req command.Request) (command.ProcessHandle, error) {
	r.calls++
	if req.WorkingDir != "" {
		_ = os.WriteFile(filepath.Join(req.WorkingDir, "agent-output.txt"), []byte("changed\n"), 0644)
	}
	return &fakeHandle{id: req.Command}, nil
}

// initGitRepo creates a throwaway git repository with one commit on main,
// the base every attempt's worktree branches from.
func initGitRepo() string {
	dir, err := os.MkdirTemp("", "attemptd-acceptance-*")
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(func() { _ = os.RemoveAll(dir) })

	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		Expect(err).NotTo(HaveOccurred(), "git %v: %s", args, out)
	}
	run("init", "-b", "main")
	run("config", "user.name", "test")
	run("config", "user.email", "test@test")
	Expect(os.WriteFile(filepath.Join(dir, "f.txt"), []byte("a\n"), 0644)).To(Succeed())
	run("add", "-A")
	run("commit", "-m", "init")
	return dir
}

// harness wires C6 (supervisor), C7 (monitor), C5 (container) and C10 (db)
// together exactly as cmd/attemptd does, against a scratch SQLite file and
// a deterministic fake command.Runner standing in for real child processes.
type harness struct {
	DB         *db.DB
	Supervisor *supervisor.Supervisor
	Monitor    *monitor.Monitor
	Container  *container.Service
	GitRepo    string
}

func newHarness() *harness {
	f, err := os.CreateTemp("", "attemptd-acceptance-*.sqlite")
	Expect(err).NotTo(HaveOccurred())
	dbPath := f.Name()
	_ = f.Close()
	DeferCleanup(func() { _ = os.Remove(dbPath) })

	database, err := db.Open(dbPath, nil)
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(func() { _ = database.Close() })

	cat, err := profiles.Load("")
	Expect(err).NotTo(HaveOccurred())

	sup := supervisor.New(database, &fakeRunner{}, cat)
	containerSvc := container.NewService(worktree.NewManager())
	mon := monitor.New(database, sup, containerSvc)

	return &harness{DB: database, Supervisor: sup, Monitor: mon, Container: containerSvc, GitRepo: initGitRepo()}
}

// seedAttempt creates a project/task/attempt row and a live worktree for it.
func (h *harness) seedAttempt(id string) *model.TaskAttempt {
	Expect(h.DB.CreateProject(&model.Project{ID: "proj-" + id, Name: "demo", GitRepoPath: h.GitRepo})).To(Succeed())
	Expect(h.DB.CreateTask(&model.Task{ID: "task-" + id, ProjectID: "proj-" + id, Title: "demo task"})).To(Succeed())

	attempt := &model.TaskAttempt{ID: "attempt-" + id, TaskID: "task-" + id, BaseBranch: "main"}
	Expect(h.Container.Create(h.GitRepo, attempt)).To(Succeed())
	Expect(h.DB.CreateTaskAttempt(attempt)).To(Succeed())
	return attempt
}

var _ = Describe("setup script chains into a coding agent", func() {
	It("starts the coding agent once the setup script completes, then commits and moves to review", func() {
		h := newHarness()
		attempt := h.seedAttempt("chain")

		chain := action.Chain("true", "", action.CodingAgentInitialRequest{
			Prompt: "implement the feature", ExecutorProfileID: "claude-code",
		})
		proc, err := h.Supervisor.StartExecution(attempt, chain, model.RunSetupScript)
		Expect(err).NotTo(HaveOccurred())

		h.Monitor.RunOnce(context.Background())

		updated, err := h.DB.GetExecutionProcess(proc.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(updated.Status).To(Equal(model.ExecCompleted))

		activities, err := h.DB.ListActivitiesForAttempt(attempt.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(activities).NotTo(BeEmpty())
		Expect(activities[0].Kind).To(Equal(model.ActivitySetupComplete))

		procs, err := h.DB.ListExecutionProcessesForAttempt(attempt.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(procs).To(HaveLen(2), "setup completion should have started the coding-agent step")
		Expect(procs[1].RunReason).To(Equal(model.RunCodingAgent))

		h.Monitor.RunOnce(context.Background())

		task, err := h.DB.GetTask(attempt.TaskID)
		Expect(err).NotTo(HaveOccurred())
		Expect(task.Status).To(Equal(model.TaskInReview))

		finalAttempt, err := h.DB.GetTaskAttempt(attempt.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(finalAttempt.MergeCommit).NotTo(BeEmpty(), "the coding agent's changes should have been committed")
	})
})

var _ = Describe("orphan recovery", func() {
	It("marks a stale Running row Failed and pushes the task back to review", func() {
		h := newHarness()
		attempt := h.seedAttempt("orphan")

		act := &action.Action{Typ: action.TypeCodingAgentInitialRequest, AgentInit: &action.CodingAgentInitialRequest{
			Prompt: "hi", ExecutorProfileID: "claude-code",
		}}
		actionJSON, err := act.Marshal()
		Expect(err).NotTo(HaveOccurred())

		proc := &model.ExecutionProcess{
			ID: "orphan-proc", TaskAttemptID: attempt.ID, RunReason: model.RunCodingAgent,
			Status: model.ExecRunning, ExecutorAction: actionJSON,
		}
		Expect(h.DB.CreateExecutionProcess(proc)).To(Succeed())
		// Backdate updated_at past the monitor's 10s orphan guard directly,
		// since no public accessor exposes that timestamp for writing and
		// this row is never registered in the supervisor's in-memory
		// registry in the first place (simulating the crash/restart case).
		_, err = h.DB.Exec(`UPDATE execution_processes SET updated_at = ? WHERE id = ?`,
			time.Now().UTC().Add(-20*time.Second).Format(time.RFC3339Nano), proc.ID)
		Expect(err).NotTo(HaveOccurred())

		h.Monitor.RunOnce(context.Background())

		final, err := h.DB.GetExecutionProcess(proc.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(final.Status).To(Equal(model.ExecFailed))

		activities, err := h.DB.ListActivitiesForAttempt(attempt.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(activities).To(HaveLen(1))
		Expect(activities[0].Note).To(ContainSubstring("Execution lost"))

		task, err := h.DB.GetTask(attempt.TaskID)
		Expect(err).NotTo(HaveOccurred())
		Expect(task.Status).To(Equal(model.TaskInReview))
	})
})
