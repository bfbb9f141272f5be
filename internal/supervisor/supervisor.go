// Package supervisor implements ExecutionSupervisor (C6): starting one
// execution process, wiring its I/O into a MsgStore, normalizer, and
// durable log, per spec §4.7.
package supervisor

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/attemptengine/attemptd/internal/action"
	"github.com/attemptengine/attemptd/internal/command"
	"github.com/attemptengine/attemptd/internal/db"
	"github.com/attemptengine/attemptd/internal/model"
	"github.com/attemptengine/attemptd/internal/msgstore"
	"github.com/attemptengine/attemptd/internal/normalize"
	"github.com/attemptengine/attemptd/internal/profiles"
)

// Registry tracks the live MsgStore and ProcessHandle for every running
// execution process, mirroring spec §5's MSG_STORES map. The monitor (C7)
// reads it to reconcile completions and detect orphans.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Live
}

// Live is one registered execution process's in-memory state.
type Live struct {
	Handle  command.ProcessHandle
	Store   *msgstore.MsgStore
	WAL     *msgstore.WAL
	Started time.Time
	// Killed is set by StopExecution before signaling the handle, so the
	// monitor's completion pass can record a Killed status instead of
	// inferring Completed/Failed from the exit code (spec §4.7
	// "Cancellation").
	Killed bool
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry { return &Registry{entries: make(map[string]*Live)} }

func (r *Registry) put(id string, live *Live) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = live
}

// Get returns the Live entry for a process id, if still registered.
func (r *Registry) Get(id string) (*Live, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	live, ok := r.entries[id]
	return live, ok
}

// Remove unregisters a process id (called once it is known terminal).
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// MarkKilled flags a registered process as explicitly stopped, so the
// monitor's completion pass records status Killed rather than inferring
// Completed/Failed from the exit code.
func (r *Registry) MarkKilled(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if live, ok := r.entries[id]; ok {
		live.Killed = true
	}
}

// Snapshot returns every currently-registered process id.
func (r *Registry) Snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}

// Supervisor is ExecutionSupervisor (C6).
type Supervisor struct {
	DB       *db.DB
	Runner   command.Runner
	Profiles *profiles.Catalog
	Registry *Registry
}

// New constructs a Supervisor.
func New(database *db.DB, runner command.Runner, catalog *profiles.Catalog) *Supervisor {
	return &Supervisor{DB: database, Runner: runner, Profiles: catalog, Registry: NewRegistry()}
}

// StartExecution implements spec §4.7's numbered steps 1-7.
func (s *Supervisor) StartExecution(attempt *model.TaskAttempt, act *action.Action, runReason model.RunReason) (*model.ExecutionProcess, error) {
	// Step 1.
	if runReason != model.RunDevServer {
		task, err := s.DB.GetTask(attempt.TaskID)
		if err != nil {
			return nil, fmt.Errorf("supervisor: loading task %s: %w", attempt.TaskID, err)
		}
		if task.Status != model.TaskInProgress {
			if err := s.DB.UpdateTaskStatus(task.ID, model.TaskInProgress); err != nil {
				return nil, fmt.Errorf("supervisor: marking task in progress: %w", err)
			}
		}
	}

	// Step 2.
	actionJSON, err := act.Marshal()
	if err != nil {
		return nil, fmt.Errorf("supervisor: marshaling action: %w", err)
	}
	proc := &model.ExecutionProcess{
		ID:             uuid.NewString(),
		TaskAttemptID:  attempt.ID,
		RunReason:      runReason,
		ExecutorAction: actionJSON,
		Status:         model.ExecRunning,
	}
	if err := s.DB.CreateExecutionProcess(proc); err != nil {
		return nil, fmt.Errorf("supervisor: recording execution process: %w", err)
	}

	// Step 3.
	prompt, profileID, followUpSessionID := promptAndProfile(act)
	if act.Typ == action.TypeCodingAgentInitialRequest || act.Typ == action.TypeCodingAgentFollowUpRequest {
		if err := s.DB.CreateExecutorSession(&model.ExecutorSession{
			ExecutionProcessID: proc.ID, TaskAttemptID: attempt.ID, Prompt: prompt,
		}); err != nil {
			return nil, fmt.Errorf("supervisor: recording executor session: %w", err)
		}
	}

	// Step 4.
	req, err := s.buildRequest(act, attempt, prompt, profileID, followUpSessionID)
	if err != nil {
		return nil, err
	}
	handle, err := s.Runner.Spawn(req)
	if err != nil {
		return nil, fmt.Errorf("supervisor: spawning process: %w", err)
	}

	// Step 5 & 6.
	store := msgstore.New()
	streams, err := handle.Stream()
	if err != nil {
		return nil, fmt.Errorf("supervisor: opening process streams: %w", err)
	}

	index := normalize.NewEntryIndexProvider(0)
	sink := normalize.NewStoreSink(store)
	if act.Typ == action.TypeCodingAgentInitialRequest {
		index = normalize.NewEntryIndexProvider(1)
		sink.PushPatch(mustUserMessagePatch(prompt))
	}

	normalizer := s.normalizerFor(act, profileID, attempt.ContainerRef, index, sink)

	wal := msgstore.NewWAL(msgstore.DefaultCompactionThresholds)
	s.Registry.put(proc.ID, &Live{Handle: handle, Store: store, WAL: wal, Started: time.Now()})

	var pumps sync.WaitGroup
	pumps.Add(2)
	go func() {
		defer pumps.Done()
		pumpAndNormalize(streams.Stdout, store.PushStdout, normalizer.FeedStdout)
	}()
	go func() {
		defer pumps.Done()
		pumpAndNormalizeStderr(streams.Stderr, store.PushStderr, normalizer.FeedStderr)
	}()
	// Once both streams have hit EOF the process is done producing
	// output; push Finished so subscribers see the terminal marker and
	// durableLogPump can drain and exit (spec §4.3, §4.7.7, §9 graceful
	// shutdown).
	go func() {
		pumps.Wait()
		store.PushFinished()
	}()

	// Step 7.
	go s.durableLogPump(proc.ID, store, wal)

	return proc, nil
}

func promptAndProfile(act *action.Action) (prompt, profileID, followUpSessionID string) {
	switch act.Typ {
	case action.TypeCodingAgentInitialRequest:
		return act.AgentInit.Prompt, act.AgentInit.ExecutorProfileID, ""
	case action.TypeCodingAgentFollowUpRequest:
		return act.AgentFollow.Prompt, act.AgentFollow.ExecutorProfileID, act.AgentFollow.SessionID
	default:
		return "", "", ""
	}
}

func (s *Supervisor) buildRequest(act *action.Action, attempt *model.TaskAttempt, prompt, profileID, followUpSessionID string) (command.Request, error) {
	switch act.Typ {
	case action.TypeScriptRequest:
		return command.Request{
			Command:    "bash",
			Args:       []string{"-c", act.Script.Script},
			WorkingDir: attempt.ContainerRef,
		}, nil
	case action.TypeDevServerRequest:
		return command.Request{
			Command:    "bash",
			Args:       []string{"-c", act.DevServer.Script},
			WorkingDir: attempt.ContainerRef,
		}, nil
	case action.TypeCodingAgentInitialRequest, action.TypeCodingAgentFollowUpRequest:
		builder, err := s.Profiles.Resolve(profileID)
		if err != nil {
			return command.Request{}, fmt.Errorf("supervisor: resolving executor profile: %w", err)
		}
		var argv []string
		if followUpSessionID != "" {
			argv = builder.BuildFollowUp([]string{"--resume", followUpSessionID})
		} else {
			argv = builder.BuildInitial()
		}
		return command.Request{
			Command:    argv[0],
			Args:       argv[1:],
			WorkingDir: attempt.ContainerRef,
			Stdin:      prompt,
		}, nil
	default:
		return command.Request{}, fmt.Errorf("supervisor: unknown action type %q", act.Typ)
	}
}

func (s *Supervisor) normalizerFor(act *action.Action, profileID, worktreeRoot string, index *normalize.EntryIndexProvider, sink normalize.Sink) normalize.StreamNormalizer {
	if act.Typ != action.TypeCodingAgentInitialRequest && act.Typ != action.TypeCodingAgentFollowUpRequest {
		return normalize.NewPlainTextOnly(normalize.EntrySystemMessage, index, sink)
	}
	if strings.Contains(profileID, "cursor") {
		return normalize.NewCursorStreamNormalizer(decodeGenericJSONLine, worktreeRoot, index, sink)
	}
	if strings.Contains(profileID, "aider") {
		return normalize.NewAiderStreamNormalizer(index, sink)
	}
	return normalize.NewJSONLWithStderr(decodeGenericJSONLine, worktreeRoot, index, sink)
}

func mustUserMessagePatch(prompt string) []msgstore.PatchOp {
	entry := normalize.UserMessage(prompt)
	value, err := json.Marshal(entry)
	if err != nil {
		panic(err)
	}
	return []msgstore.PatchOp{{Op: "add", Path: "/entries/0", Value: value}}
}

func pumpAndNormalize(r io.ReadCloser, push func([]byte), feed func([]byte) error) {
	if r == nil {
		return
	}
	defer r.Close()
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			push(chunk)
			_ = feed(chunk)
		}
		if err != nil {
			return
		}
	}
}

func pumpAndNormalizeStderr(r io.ReadCloser, push func([]byte), feed func([]byte)) {
	if r == nil {
		return
	}
	defer r.Close()
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			push(chunk)
			feed(chunk)
		}
		if err != nil {
			return
		}
	}
}

// durableLogPump is step 7: for every Stdout/Stderr message, serialize it
// as a JSONL line and append it; for every SessionId message, update the
// ExecutorSession; every JsonPatch batch is folded into wal so resumable
// normalized-log streaming survives past the live MsgStore; on Finished,
// return (spec §4.7.7).
func (s *Supervisor) durableLogPump(processID string, store *msgstore.MsgStore, wal *msgstore.WAL) {
	recv := store.GetReceiver()
	defer recv.Close()

	for msg := range recv.Messages {
		switch msg.Kind {
		case msgstore.KindStdout:
			_ = s.DB.AppendExecutionProcessLog(processID, model.LogRecord{Stdout: msg.Bytes})
		case msgstore.KindStderr:
			_ = s.DB.AppendExecutionProcessLog(processID, model.LogRecord{Stderr: msg.Bytes})
		case msgstore.KindSessionID:
			_ = s.DB.UpdateExecutorSessionID(processID, msg.SessionID)
			_ = s.DB.AppendExecutionProcessLog(processID, model.LogRecord{SessionID: msg.SessionID})
		case msgstore.KindJSONPatch:
			_, _ = wal.Append(msg.Patch)
		case msgstore.KindFinished:
			_ = s.DB.AppendExecutionProcessLog(processID, model.LogRecord{Finished: true})
			return
		}
	}
}

// ReplayNormalizer rebuilds the same StreamNormalizer and seed state
// StartExecution would have built for act, for re-deriving normalized
// entries from persisted raw logs once the live MsgStore has been evicted
// (spec §6 "recomputing normalization into a temporary store").
func (s *Supervisor) ReplayNormalizer(act *action.Action, worktreeRoot string, sink normalize.Sink) normalize.StreamNormalizer {
	prompt, profileID, _ := promptAndProfile(act)
	index := normalize.NewEntryIndexProvider(0)
	if act.Typ == action.TypeCodingAgentInitialRequest {
		index = normalize.NewEntryIndexProvider(1)
		sink.PushPatch(mustUserMessagePatch(prompt))
	}
	return s.normalizerFor(act, profileID, worktreeRoot, index, sink)
}
