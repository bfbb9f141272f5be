package supervisor_test

import (
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/attemptengine/attemptd/internal/action"
	"github.com/attemptengine/attemptd/internal/command"
	"github.com/attemptengine/attemptd/internal/db"
	"github.com/attemptengine/attemptd/internal/model"
	"github.com/attemptengine/attemptd/internal/profiles"
	"github.com/attemptengine/attemptd/internal/supervisor"
)

type fakeHandle struct {
	stdout *strings.Reader
	done   chan struct{}
}

func (f *fakeHandle) TryWait() (*command.ExitStatus, error) {
	select {
	case <-f.done:
		code := 0
		return &command.ExitStatus{Code: &code, Success: true}, nil
	default:
		return nil, nil
	}
}
func (f *fakeHandle) Wait() (command.ExitStatus, error) {
	code := 0
	return command.ExitStatus{Code: &code, Success: true}, nil
}
func (f *fakeHandle) Kill() error { return nil }
func (f *fakeHandle) Stream() (command.Streams, error) {
	return command.Streams{
		Stdout: io.NopCloser(f.stdout),
		Stderr: io.NopCloser(strings.NewReader("")),
	}, nil
}
func (f *fakeHandle) ProcessID() string { return "fake-1" }

type fakeRunner struct {
	lastReq command.Request
}

func (r *fakeRunner) Spawn(req command.Request) (command.ProcessHandle, error) {
	r.lastReq = req
	return &fakeHandle{
		stdout: strings.NewReader(`{"type":"assistant","text":"hi","done":true}` + "\n"),
		done:   closedChan(),
	}, nil
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func setupDB(t *testing.T) *db.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "db.sqlite")
	d, err := db.Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })

	if err := d.CreateProject(&model.Project{ID: "proj-1", Name: "demo", GitRepoPath: "/x"}); err != nil {
		t.Fatal(err)
	}
	if err := d.CreateTask(&model.Task{ID: "task-1", ProjectID: "proj-1", Title: "x"}); err != nil {
		t.Fatal(err)
	}
	if err := d.CreateTaskAttempt(&model.TaskAttempt{ID: "attempt-1", TaskID: "task-1", BaseBranch: "main"}); err != nil {
		t.Fatal(err)
	}
	return d
}

func TestStartExecutionCodingAgent(t *testing.T) {
	d := setupDB(t)
	cat, err := profiles.Load("")
	if err != nil {
		t.Fatal(err)
	}
	runner := &fakeRunner{}
	sup := supervisor.New(d, runner, cat)

	attempt, err := d.GetTaskAttempt("attempt-1")
	if err != nil {
		t.Fatal(err)
	}
	attempt.ContainerRef = t.TempDir()

	act := &action.Action{Typ: action.TypeCodingAgentInitialRequest, AgentInit: &action.CodingAgentInitialRequest{
		Prompt: "build the thing", ExecutorProfileID: "claude-code",
	}}

	proc, err := sup.StartExecution(attempt, act, model.RunCodingAgent)
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	if proc.Status != model.ExecRunning {
		t.Fatalf("status = %s, want running", proc.Status)
	}
	if runner.lastReq.Command != "claude" {
		t.Fatalf("spawned command = %q, want claude", runner.lastReq.Command)
	}
	if runner.lastReq.Stdin != "build the thing" {
		t.Fatalf("stdin = %q, want the prompt", runner.lastReq.Stdin)
	}

	task, err := d.GetTask("task-1")
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != model.TaskInProgress {
		t.Fatalf("task status = %s, want inprogress", task.Status)
	}

	session, err := d.GetExecutorSession(proc.ID)
	if err != nil {
		t.Fatalf("GetExecutorSession: %v", err)
	}
	if session.Prompt != "build the thing" {
		t.Fatalf("session prompt = %q", session.Prompt)
	}

	// The durable log pump runs asynchronously; give it a moment to drain
	// the finished stdout stream before asserting on persisted logs.
	deadline := time.Now().Add(2 * time.Second)
	var logs []model.LogRecord
	for time.Now().Before(deadline) {
		logs, err = d.ReadExecutionProcessLogs(proc.ID)
		if err != nil {
			t.Fatal(err)
		}
		if len(logs) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(logs) == 0 {
		t.Fatal("expected at least one durable log line to have been written")
	}
}
