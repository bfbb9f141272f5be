package command

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// Server implements the companion HTTP runner service's wire protocol
// (spec §6) on top of a LocalRunner. It is the "remote" half that a
// RemoteRunner talks to; tests run both ends of the wire in-process so the
// echo/cat/pwd/env/sleep/exit-code suite can be run identically against
// local and remote backends.
type Server struct {
	runner *LocalRunner

	mu        sync.Mutex
	processes map[string]*serverProcess
}

type serverProcess struct {
	handle     ProcessHandle
	streams    Streams
	streamOnce sync.Once
	streamErr  error
}

// NewServer constructs a Server.
func NewServer() *Server {
	return &Server{runner: NewLocalRunner(), processes: make(map[string]*serverProcess)}
}

// Router builds the chi mux exposing the wire protocol endpoints.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Post("/commands", s.handleCreate)
	r.Delete("/commands/{id}", s.handleDelete)
	r.Get("/commands/{id}/status", s.handleStatus)
	r.Get("/commands/{id}/stdout", s.handleStream(true))
	r.Get("/commands/{id}/stderr", s.handleStream(false))
	r.Get("/health", s.handleHealth)
	return r
}

func writeEnvelope(w http.ResponseWriter, status int, success bool, data interface{}, errMsg string) {
	var raw json.RawMessage
	if data != nil {
		raw, _ = json.Marshal(data)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(wireEnvelope{Success: success, Data: raw, Error: errMsg})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body createCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeEnvelope(w, http.StatusBadRequest, false, nil, err.Error())
		return
	}

	handle, err := s.runner.Spawn(Request{
		Command:    body.Command,
		Args:       body.Args,
		WorkingDir: body.WorkingDir,
		EnvVars:    body.EnvVars,
		Stdin:      body.Stdin,
	})
	if err != nil {
		writeEnvelope(w, http.StatusInternalServerError, false, nil, err.Error())
		return
	}

	id := uuid.NewString()
	s.mu.Lock()
	s.processes[id] = &serverProcess{handle: handle}
	s.mu.Unlock()

	writeEnvelope(w, http.StatusOK, true, createCommandData{ProcessID: id}, "")
}

func (s *Server) lookup(id string) (*serverProcess, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.processes[id]
	return p, ok
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, ok := s.lookup(id)
	if !ok {
		writeEnvelope(w, http.StatusNotFound, false, nil, "process not found")
		return
	}
	if err := p.handle.Kill(); err != nil && err != ErrProcessNotStarted {
		writeEnvelope(w, http.StatusInternalServerError, false, nil, err.Error())
		return
	}
	writeEnvelope(w, http.StatusOK, true, "killed", "")
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, ok := s.lookup(id)
	if !ok {
		writeEnvelope(w, http.StatusNotFound, false, nil, "process not found")
		return
	}

	status, err := p.handle.TryWait()
	if err == ErrProcessNotStarted {
		// Already consumed by a prior wait/kill: report last-known completed.
		writeEnvelope(w, http.StatusOK, true, statusData{ProcessID: id, Running: false}, "")
		return
	}
	if err != nil {
		writeEnvelope(w, http.StatusInternalServerError, false, nil, err.Error())
		return
	}
	if status == nil {
		writeEnvelope(w, http.StatusOK, true, statusData{ProcessID: id, Running: true}, "")
		return
	}
	writeEnvelope(w, http.StatusOK, true, statusData{
		ProcessID: id,
		Running:   false,
		ExitCode:  status.Code,
		Success:   &status.Success,
	}, "")
}

func (s *Server) handleStream(stdout bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		p, ok := s.lookup(id)
		if !ok {
			writeEnvelope(w, http.StatusNotFound, false, nil, "process not found")
			return
		}

		p.streamOnce.Do(func() {
			p.streams, p.streamErr = p.handle.Stream()
		})
		if p.streamErr != nil {
			writeEnvelope(w, http.StatusGone, false, nil, p.streamErr.Error())
			return
		}

		reader := p.streams.Stdout
		if !stdout {
			reader = p.streams.Stderr
		}
		if reader == nil {
			w.WriteHeader(http.StatusGone)
			return
		}

		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		buf := make([]byte, 32*1024)
		for {
			n, err := reader.Read(buf)
			if n > 0 {
				w.Write(buf[:n])
				if flusher != nil {
					flusher.Flush()
				}
			}
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeEnvelope(w, http.StatusOK, true, "ok", "")
}
