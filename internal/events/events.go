// Package events implements EventService (C8): it turns SQLite row-change
// notifications from internal/db into JSON-patch operations against a
// public document tree (`/tasks/<id>`, scoped execution-process streams)
// and fans them out to subscribers, with an initial snapshot on subscribe
// (spec §4.8).
package events

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/attemptengine/attemptd/internal/db"
	"github.com/attemptengine/attemptd/internal/model"
)

// Patch is one RFC 6902-shaped operation against the public document tree.
type Patch struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
}

const subscriberBufferSize = 256

// Subscription is a live feed of patches scoped to either a project (tasks
// stream) or a single attempt (execution-processes stream).
type Subscription struct {
	Patches <-chan Patch

	svc *Service
	id  int
}

// Close unregisters the subscription.
func (s *Subscription) Close() {
	s.svc.remove(s.id)
}

type subscriberKind int

const (
	kindTasks subscriberKind = iota
	kindExecutionProcesses
)

type subscriber struct {
	kind      subscriberKind
	projectID string // kindTasks: empty means "all projects"
	attemptID string // kindExecutionProcesses
	ch        chan Patch
}

// Service is EventService (C8).
type Service struct {
	mu          sync.Mutex
	db          *db.DB
	nextID      int
	subs        map[int]*subscriber
	taskOwner   map[string]string // task id -> project id, cached for delete-time scoping
	attemptTask map[string]string // attempt id -> task id
	procAttempt map[string]string // execution process id -> attempt id

	rowTask    map[int64]string // tasks rowid -> task id
	rowAttempt map[int64]string // task_attempts rowid -> attempt id
	rowProc    map[int64]string // execution_processes rowid -> process id
}

// NewService constructs a Service with no DB attached yet. Callers must
// call AttachDB once db.Open has returned, before any mutation the hook
// needs to observe — see Dispatch.
func NewService() *Service {
	return &Service{
		subs:        make(map[int]*subscriber),
		taskOwner:   make(map[string]string),
		attemptTask: make(map[string]string),
		procAttempt: make(map[string]string),
		rowTask:     make(map[int64]string),
		rowAttempt:  make(map[int64]string),
		rowProc:     make(map[int64]string),
	}
}

// AttachDB wires the Service to the database it reads views from. Pass
// Service.Dispatch as the ChangeHook to db.Open, then call AttachDB with
// the *db.DB it returns.
func (s *Service) AttachDB(database *db.DB) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.db = database
}

// TaskView is the enriched `/tasks/<id>` document entry (spec §4.8).
type TaskView struct {
	ID                   string           `json:"id"`
	ProjectID            string           `json:"project_id"`
	Title                string           `json:"title"`
	Description          string           `json:"description"`
	Status               model.TaskStatus `json:"status"`
	HasInProgressAttempt bool             `json:"has_in_progress_attempt"`
	LastAttemptFailed    bool             `json:"last_attempt_failed"`
	Profile              string           `json:"profile,omitempty"`
}

// SubscribeTasks opens a tasks stream scoped to projectID (empty = every
// project), returning an initial snapshot built from a fresh query and a
// live Subscription.
func (s *Service) SubscribeTasks(projectID string) ([]Patch, *Subscription, error) {
	s.mu.Lock()
	database := s.db
	s.mu.Unlock()
	if database == nil {
		return nil, nil, fmt.Errorf("events: service has no database attached")
	}

	var tasks []*model.Task
	var err error
	if projectID == "" {
		tasks, err = listAllTasks(database)
	} else {
		tasks, err = database.ListTasksForProject(projectID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("events: building tasks snapshot: %w", err)
	}

	snapshot := make([]Patch, 0, len(tasks))
	for _, t := range tasks {
		view, err := buildTaskView(database, t.ID)
		if err != nil {
			continue
		}
		value, err := json.Marshal(view)
		if err != nil {
			continue
		}
		snapshot = append(snapshot, Patch{Op: "add", Path: "/tasks/" + t.ID, Value: value})
	}

	sub := s.add(&subscriber{kind: kindTasks, projectID: projectID, ch: make(chan Patch, subscriberBufferSize)})
	return snapshot, sub, nil
}

// SubscribeExecutionProcesses opens an execution-processes stream scoped
// to one attempt.
func (s *Service) SubscribeExecutionProcesses(attemptID string) ([]Patch, *Subscription, error) {
	s.mu.Lock()
	database := s.db
	s.mu.Unlock()
	if database == nil {
		return nil, nil, fmt.Errorf("events: service has no database attached")
	}

	procs, err := database.ListExecutionProcessesForAttempt(attemptID)
	if err != nil {
		return nil, nil, fmt.Errorf("events: building execution-processes snapshot: %w", err)
	}
	snapshot := make([]Patch, 0, len(procs))
	for _, p := range procs {
		value, err := json.Marshal(p)
		if err != nil {
			continue
		}
		snapshot = append(snapshot, Patch{Op: "add", Path: "/execution_processes/" + p.ID, Value: value})
	}

	sub := s.add(&subscriber{kind: kindExecutionProcesses, attemptID: attemptID, ch: make(chan Patch, subscriberBufferSize)})
	return snapshot, sub, nil
}

func (s *Service) add(sub *subscriber) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.subs[id] = sub
	return &Subscription{Patches: sub.ch, svc: s, id: id}
}

func (s *Service) remove(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subs[id]; ok {
		close(sub.ch)
		delete(s.subs, id)
	}
}

// Dispatch is the db.ChangeHook: for every committed row mutation, it
// resolves the affected document entry and broadcasts the corresponding
// patch to matching subscribers (spec §4.8).
func (s *Service) Dispatch(change db.Change) {
	s.mu.Lock()
	database := s.db
	s.mu.Unlock()
	if database == nil {
		return
	}

	switch change.Table {
	case "tasks":
		s.dispatchTask(database, change)
	case "task_attempts":
		s.dispatchTaskAttempt(database, change)
	case "execution_processes":
		s.dispatchExecutionProcess(database, change)
	}
}

func (s *Service) dispatchTask(database *db.DB, change db.Change) {
	if change.Op == db.ChangeDelete {
		s.mu.Lock()
		taskID, ok := s.rowTask[change.RowID]
		projectID := s.taskOwner[taskID]
		delete(s.rowTask, change.RowID)
		delete(s.taskOwner, taskID)
		s.mu.Unlock()
		if !ok {
			return // unknown row: spec tolerates an unfiltered, valueless signal we have nothing to build here
		}
		s.broadcastTasks(projectID, Patch{Op: "remove", Path: "/tasks/" + taskID})
		return
	}

	var id string
	if err := database.QueryRow(`SELECT id FROM tasks WHERE rowid = ?`, change.RowID).Scan(&id); err != nil {
		return
	}
	s.mu.Lock()
	s.rowTask[change.RowID] = id
	s.mu.Unlock()
	s.publishTaskView(database, id, change.Op == db.ChangeInsert)
}

func (s *Service) dispatchTaskAttempt(database *db.DB, change db.Change) {
	if change.Op == db.ChangeDelete {
		s.mu.Lock()
		attemptID, ok := s.rowAttempt[change.RowID]
		taskID := s.attemptTask[attemptID]
		delete(s.rowAttempt, change.RowID)
		delete(s.attemptTask, attemptID)
		s.mu.Unlock()
		if !ok || taskID == "" {
			return
		}
		s.publishTaskView(database, taskID, false)
		return
	}

	var attemptID, taskID string
	if err := database.QueryRow(`SELECT id, task_id FROM task_attempts WHERE rowid = ?`, change.RowID).
		Scan(&attemptID, &taskID); err != nil {
		return
	}
	s.mu.Lock()
	s.rowAttempt[change.RowID] = attemptID
	s.attemptTask[attemptID] = taskID
	s.mu.Unlock()
	s.publishTaskView(database, taskID, false)
}

func (s *Service) dispatchExecutionProcess(database *db.DB, change db.Change) {
	if change.Op == db.ChangeDelete {
		s.mu.Lock()
		procID, ok := s.rowProc[change.RowID]
		attemptID := s.procAttempt[procID]
		delete(s.rowProc, change.RowID)
		delete(s.procAttempt, procID)
		s.mu.Unlock()
		if !ok {
			return
		}
		s.broadcastProcesses(attemptID, Patch{Op: "remove", Path: "/execution_processes/" + procID})
		return
	}

	var procID, attemptID string
	if err := database.QueryRow(`SELECT id, task_attempt_id FROM execution_processes WHERE rowid = ?`, change.RowID).
		Scan(&procID, &attemptID); err != nil {
		return
	}
	s.mu.Lock()
	s.rowProc[change.RowID] = procID
	s.procAttempt[procID] = attemptID
	s.mu.Unlock()

	proc, err := database.GetExecutionProcess(procID)
	if err != nil {
		return
	}
	value, err := json.Marshal(proc)
	if err != nil {
		return
	}
	op := "replace"
	if change.Op == db.ChangeInsert {
		op = "add"
	}
	s.broadcastProcesses(attemptID, Patch{Op: op, Path: "/execution_processes/" + procID, Value: value})
}

func (s *Service) publishTaskView(database *db.DB, taskID string, isNew bool) {
	view, err := buildTaskView(database, taskID)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.taskOwner[taskID] = view.ProjectID
	s.mu.Unlock()

	value, err := json.Marshal(view)
	if err != nil {
		return
	}
	op := "replace"
	if isNew {
		op = "add"
	}
	s.broadcastTasks(view.ProjectID, Patch{Op: op, Path: "/tasks/" + taskID, Value: value})
}

func (s *Service) broadcastTasks(projectID string, p Patch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sub := range s.subs {
		if sub.kind != kindTasks {
			continue
		}
		if sub.projectID != "" && projectID != "" && sub.projectID != projectID {
			continue
		}
		s.sendLocked(id, sub, p)
	}
}

func (s *Service) broadcastProcesses(attemptID string, p Patch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sub := range s.subs {
		if sub.kind != kindExecutionProcesses || sub.attemptID != attemptID {
			continue
		}
		s.sendLocked(id, sub, p)
	}
}

// sendLocked drops the patch (closing the subscriber) if its buffer is
// full, mirroring the MsgStore broadcast's lag-drop semantics (spec §5
// "Backpressure").
func (s *Service) sendLocked(id int, sub *subscriber, p Patch) {
	select {
	case sub.ch <- p:
	default:
		close(sub.ch)
		delete(s.subs, id)
	}
}

func buildTaskView(database *db.DB, taskID string) (*TaskView, error) {
	var v TaskView
	var status string
	var description sql.NullString
	var hasInProgress, lastFailed sql.NullInt64
	var profile sql.NullString

	err := database.QueryRow(`
		SELECT t.id, t.project_id, t.title, t.description, t.status,
			EXISTS(
				SELECT 1 FROM task_attempts ta
				JOIN execution_processes ep ON ep.task_attempt_id = ta.id
				WHERE ta.task_id = t.id AND ep.status = 'running'
			),
			COALESCE((
				SELECT ep2.status = 'failed'
				FROM task_attempts ta2
				JOIN execution_processes ep2 ON ep2.task_attempt_id = ta2.id
				WHERE ta2.task_id = t.id
				ORDER BY ep2.created_at DESC LIMIT 1
			), 0),
			(SELECT ta3.profile FROM task_attempts ta3 WHERE ta3.task_id = t.id ORDER BY ta3.created_at DESC LIMIT 1)
		FROM tasks t WHERE t.id = ?`, taskID).
		Scan(&v.ID, &v.ProjectID, &v.Title, &description, &status, &hasInProgress, &lastFailed, &profile)
	if err != nil {
		return nil, fmt.Errorf("events: building task view for %s: %w", taskID, err)
	}
	v.Status = model.TaskStatus(status)
	v.Description = description.String
	v.HasInProgressAttempt = hasInProgress.Int64 != 0
	v.LastAttemptFailed = lastFailed.Int64 != 0
	v.Profile = profile.String
	return &v, nil
}

func listAllTasks(database *db.DB) ([]*model.Task, error) {
	rows, err := database.Query(`SELECT id FROM tasks`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Task
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		t, err := database.GetTask(id)
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
