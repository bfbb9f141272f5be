// Package httpapi mounts the SSE event surface spec §6 describes
// ("/events/..." endpoints) on top of EventService (C8). It deliberately
// does not implement the broader task/project CRUD REST surface, GitHub
// OAuth, or PR-creation endpoints — those are external collaborators per
// spec §1 and out of scope here.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/attemptengine/attemptd/internal/action"
	"github.com/attemptengine/attemptd/internal/db"
	"github.com/attemptengine/attemptd/internal/events"
	"github.com/attemptengine/attemptd/internal/msgstore"
	"github.com/attemptengine/attemptd/internal/normalize"
	"github.com/attemptengine/attemptd/internal/supervisor"
)

// Server exposes EventService's subscriptions, plus the raw/normalized
// per-execution-process log streams, as SSE streams and a health check,
// using the same `{success, data, error}` envelope the remote
// command-runner wire protocol uses (spec §6).
type Server struct {
	Events     *events.Service
	DB         *db.DB
	Supervisor *supervisor.Supervisor
}

// NewServer constructs a Server.
func NewServer(svc *events.Service, database *db.DB, sup *supervisor.Supervisor) *Server {
	return &Server{Events: svc, DB: database, Supervisor: sup}
}

// Router builds the chi mux.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}))
	r.Get("/health", s.handleHealth)
	r.Get("/events/projects/{projectID}/tasks", s.handleTasksStream)
	r.Get("/events/task-attempts/{attemptID}/execution-processes", s.handleExecutionProcessesStream)
	r.Get("/events/execution-processes/{processID}/raw-logs", s.handleRawLogsStream)
	r.Get("/events/execution-processes/{processID}/normalized-logs", s.handleNormalizedLogsStream)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "data": "ok"})
}

// handleTasksStream opens an SSE stream scoped to a project, emitting the
// initial snapshot as one `add` event per task, followed by live patches.
// No whole-document `replace` event is sent ahead of the snapshot.
func (s *Server) handleTasksStream(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	snapshot, sub, err := s.Events.SubscribeTasks(projectID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer sub.Close()
	streamSSE(w, r, snapshot, sub.Patches)
}

// handleExecutionProcessesStream opens an SSE stream scoped to one attempt.
func (s *Server) handleExecutionProcessesStream(w http.ResponseWriter, r *http.Request) {
	attemptID := chi.URLParam(r, "attemptID")
	snapshot, sub, err := s.Events.SubscribeExecutionProcesses(attemptID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer sub.Close()
	streamSSE(w, r, snapshot, sub.Patches)
}

func streamSSE(w http.ResponseWriter, r *http.Request, snapshot []events.Patch, live <-chan events.Patch) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for _, p := range snapshot {
		writeSSEPatch(w, p)
	}
	flusher.Flush()

	ping := time.NewTicker(15 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case p, ok := <-live:
			if !ok {
				return
			}
			writeSSEPatch(w, p)
			flusher.Flush()
		case <-ping.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		}
	}
}

func writeSSEPatch(w http.ResponseWriter, p events.Patch) {
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	_, _ = w.Write([]byte("data: "))
	_, _ = w.Write(data)
	_, _ = w.Write([]byte("\n\n"))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleRawLogsStream streams a process's raw stdout/stderr bytes (spec §6
// "/events/execution-processes/{id}/raw-logs"). A live process streams its
// MsgStore's history-plus-live-tail; a terminated or evicted one falls back
// to the persisted ExecutionProcessLogs rows, replayed once with no tail.
func (s *Server) handleRawLogsStream(w http.ResponseWriter, r *http.Request) {
	processID := chi.URLParam(r, "processID")

	if live, ok := s.Supervisor.Registry.Get(processID); ok {
		snapshot, recv := live.Store.HistoryPlusStream()
		defer recv.Close()
		streamRawMsgs(w, r, snapshot, rawMsgChan(recv))
		return
	}

	records, err := s.DB.ReadExecutionProcessLogs(processID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	var snapshot []msgstore.LogMsg
	for _, rec := range records {
		if len(rec.Stdout) > 0 {
			snapshot = append(snapshot, msgstore.Stdout(rec.Stdout))
		}
		if len(rec.Stderr) > 0 {
			snapshot = append(snapshot, msgstore.Stderr(rec.Stderr))
		}
	}
	streamRawMsgs(w, r, snapshot, nil)
}

// handleNormalizedLogsStream streams the JSON-patch document for a process's
// normalized conversation log (spec §6
// "/events/execution-processes/{id}/normalized-logs"). A live process
// streams from its WAL, honoring an SSE `Last-Event-ID` resume cursor; a
// terminated or evicted one recomputes normalization from the persisted raw
// logs into a temporary MsgStore and streams that once, with no tail.
func (s *Server) handleNormalizedLogsStream(w http.ResponseWriter, r *http.Request) {
	processID := chi.URLParam(r, "processID")

	if live, ok := s.Supervisor.Registry.Get(processID); ok {
		var batches []msgstore.PatchBatch
		if cursor, err := strconv.ParseUint(r.Header.Get("Last-Event-ID"), 10, 64); err == nil {
			batches = live.WAL.BatchesSince(cursor)
		} else {
			base, pending := live.WAL.Snapshot()
			batches = append([]msgstore.PatchBatch{{
				Patches: []msgstore.PatchOp{{Op: "replace", Path: "", Value: base}},
			}}, pending...)
		}

		recv := live.Store.GetReceiver()
		defer recv.Close()
		streamPatchBatches(w, r, batches, patchMsgChan(recv))
		return
	}

	snapshot, err := s.replayNormalizedLogs(processID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	streamPatchBatches(w, r, snapshot, nil)
}

// replayNormalizedLogs recomputes normalization for a terminated execution
// process from its persisted raw logs into a throwaway MsgStore, then
// collects every resulting JsonPatch as synthetic batches for replay (spec
// §6 "recomputing normalization into a temporary store").
func (s *Server) replayNormalizedLogs(processID string) ([]msgstore.PatchBatch, error) {
	proc, err := s.DB.GetExecutionProcess(processID)
	if err != nil {
		return nil, err
	}
	attempt, err := s.DB.GetTaskAttempt(proc.TaskAttemptID)
	if err != nil {
		return nil, err
	}
	act, err := action.Unmarshal(proc.ExecutorAction)
	if err != nil {
		return nil, err
	}
	records, err := s.DB.ReadExecutionProcessLogs(processID)
	if err != nil {
		return nil, err
	}

	tmp := msgstore.New()
	normalizer := s.Supervisor.ReplayNormalizer(act, attempt.ContainerRef, normalize.NewStoreSink(tmp))
	for _, rec := range records {
		if len(rec.Stdout) > 0 {
			_ = normalizer.FeedStdout(rec.Stdout)
		}
		if len(rec.Stderr) > 0 {
			normalizer.FeedStderr(rec.Stderr)
		}
	}
	normalizer.Flush()

	var batches []msgstore.PatchBatch
	for _, msg := range tmp.History() {
		if msg.Kind == msgstore.KindJSONPatch {
			batches = append(batches, msgstore.PatchBatch{Patches: msg.Patch})
		}
	}
	return batches, nil
}

// rawMsgChan filters a Receiver down to Stdout/Stderr messages only.
func rawMsgChan(recv *msgstore.Receiver) <-chan msgstore.LogMsg {
	out := make(chan msgstore.LogMsg)
	go func() {
		defer close(out)
		for msg := range recv.Messages {
			if msg.Kind == msgstore.KindStdout || msg.Kind == msgstore.KindStderr {
				out <- msg
			}
		}
	}()
	return out
}

// patchMsgChan filters a Receiver down to JsonPatch messages, repackaged as
// single-batch PatchBatch values for a uniform streaming shape.
func patchMsgChan(recv *msgstore.Receiver) <-chan msgstore.PatchBatch {
	out := make(chan msgstore.PatchBatch)
	go func() {
		defer close(out)
		for msg := range recv.Messages {
			if msg.Kind == msgstore.KindJSONPatch {
				out <- msgstore.PatchBatch{Patches: msg.Patch}
			}
		}
	}()
	return out
}

func streamRawMsgs(w http.ResponseWriter, r *http.Request, snapshot []msgstore.LogMsg, live <-chan msgstore.LogMsg) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for _, msg := range snapshot {
		writeSSERawMsg(w, msg)
	}
	flusher.Flush()
	if live == nil {
		return
	}

	ping := time.NewTicker(15 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-live:
			if !ok {
				return
			}
			writeSSERawMsg(w, msg)
			flusher.Flush()
		case <-ping.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		}
	}
}

func writeSSERawMsg(w http.ResponseWriter, msg msgstore.LogMsg) {
	payload := map[string]interface{}{"stream": "stdout", "data": string(msg.Bytes)}
	if msg.Kind == msgstore.KindStderr {
		payload["stream"] = "stderr"
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_, _ = w.Write([]byte("data: "))
	_, _ = w.Write(data)
	_, _ = w.Write([]byte("\n\n"))
}

func streamPatchBatches(w http.ResponseWriter, r *http.Request, snapshot []msgstore.PatchBatch, live <-chan msgstore.PatchBatch) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for _, batch := range snapshot {
		writeSSEPatchBatch(w, batch)
	}
	flusher.Flush()
	if live == nil {
		return
	}

	ping := time.NewTicker(15 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case batch, ok := <-live:
			if !ok {
				return
			}
			writeSSEPatchBatch(w, batch)
			flusher.Flush()
		case <-ping.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		}
	}
}

func writeSSEPatchBatch(w http.ResponseWriter, batch msgstore.PatchBatch) {
	data, err := json.Marshal(batch.Patches)
	if err != nil {
		return
	}
	if batch.BatchID != 0 {
		_, _ = w.Write([]byte("id: "))
		_, _ = w.Write([]byte(strconv.FormatUint(batch.BatchID, 10)))
		_, _ = w.Write([]byte("\n"))
	}
	_, _ = w.Write([]byte("data: "))
	_, _ = w.Write(data)
	_, _ = w.Write([]byte("\n\n"))
}
