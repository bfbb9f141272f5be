package command

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// statusPollPeriod is the interval Wait() polls the remote status endpoint.
const statusPollPeriod = 20 * time.Millisecond

// RemoteRunner spawns processes on a companion HTTP runner service reachable
// at BaseURL, implementing the wire protocol documented in spec §6.
type RemoteRunner struct {
	BaseURL string
	Client  *http.Client
}

// NewRemoteRunner constructs a RemoteRunner against baseURL.
func NewRemoteRunner(baseURL string) *RemoteRunner {
	return &RemoteRunner{BaseURL: baseURL, Client: &http.Client{}}
}

type wireEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type createCommandRequest struct {
	Command    string     `json:"command"`
	Args       []string   `json:"args"`
	WorkingDir string     `json:"working_dir,omitempty"`
	EnvVars    [][2]string `json:"env_vars,omitempty"`
	Stdin      string     `json:"stdin,omitempty"`
}

type createCommandData struct {
	ProcessID string `json:"process_id"`
}

type statusData struct {
	ProcessID string `json:"process_id"`
	Running   bool   `json:"running"`
	ExitCode  *int   `json:"exit_code,omitempty"`
	Success   *bool  `json:"success,omitempty"`
}

func (r *RemoteRunner) client() *http.Client {
	if r.Client != nil {
		return r.Client
	}
	return http.DefaultClient
}

func (r *RemoteRunner) Spawn(req Request) (ProcessHandle, error) {
	body := createCommandRequest{
		Command:    req.Command,
		Args:       req.Args,
		WorkingDir: req.WorkingDir,
		EnvVars:    req.EnvVars,
		Stdin:      req.Stdin,
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("command: encoding remote request: %w", err)
	}

	resp, err := r.client().Post(r.BaseURL+"/commands", "application/json", bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("command: remote spawn failed for %q: %w", req.Command, err)
	}
	defer resp.Body.Close()

	var env wireEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("command: decoding remote spawn response: %w", err)
	}
	if !env.Success {
		return nil, fmt.Errorf("command: remote spawn failed: %s", env.Error)
	}
	var data createCommandData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("command: decoding remote spawn data: %w", err)
	}

	return &remoteHandle{runner: r, id: data.ProcessID}, nil
}

type remoteHandle struct {
	runner *RemoteRunner
	id     string

	mu         sync.Mutex
	stdoutOpen bool
	stderrOpen bool
	consumed   bool
}

func (h *remoteHandle) ProcessID() string { return h.id }

func (h *remoteHandle) fetchStatus() (statusData, error) {
	resp, err := h.runner.client().Get(h.runner.BaseURL + "/commands/" + h.id + "/status")
	if err != nil {
		return statusData{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return statusData{}, ErrProcessNotStarted
	}
	var env wireEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return statusData{}, err
	}
	if !env.Success {
		return statusData{}, fmt.Errorf("command: remote status failed: %s", env.Error)
	}
	var data statusData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return statusData{}, err
	}
	return data, nil
}

func (h *remoteHandle) TryWait() (*ExitStatus, error) {
	h.mu.Lock()
	if h.consumed {
		h.mu.Unlock()
		return nil, ErrProcessNotStarted
	}
	h.mu.Unlock()

	data, err := h.fetchStatus()
	if err != nil {
		return nil, err
	}
	if data.Running {
		return nil, nil
	}
	status := remoteStatusToExit(data)
	h.mu.Lock()
	h.consumed = true
	h.mu.Unlock()
	return &status, nil
}

func remoteStatusToExit(data statusData) ExitStatus {
	success := false
	if data.Success != nil {
		success = *data.Success
	}
	return ExitStatus{
		Code:            data.ExitCode,
		Success:         success,
		RemoteProcessID: data.ProcessID,
	}
}

func (h *remoteHandle) Wait() (ExitStatus, error) {
	for {
		data, err := h.fetchStatus()
		if err != nil {
			return ExitStatus{}, err
		}
		if !data.Running {
			h.mu.Lock()
			h.consumed = true
			h.mu.Unlock()
			return remoteStatusToExit(data), nil
		}
		time.Sleep(statusPollPeriod)
	}
}

// Kill issues DELETE; a 404 ("not found") is treated as success since the
// process has already completed (spec §4.1, §9 open question).
func (h *remoteHandle) Kill() error {
	h.mu.Lock()
	if h.consumed {
		h.mu.Unlock()
		return ErrProcessNotStarted
	}
	h.mu.Unlock()

	req, err := http.NewRequest(http.MethodDelete, h.runner.BaseURL+"/commands/"+h.id, nil)
	if err != nil {
		return err
	}
	resp, err := h.runner.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	h.mu.Lock()
	h.consumed = true
	h.mu.Unlock()

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	var env wireEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err == nil && !env.Success {
		return fmt.Errorf("command: remote kill failed: %s", env.Error)
	}
	return nil
}

// Stream opens both stdout and stderr GET requests before returning either
// body, so neither stream can head-of-line-block the other while both
// requests are in flight (spec §4.1).
func (h *remoteHandle) Stream() (Streams, error) {
	h.mu.Lock()
	if h.stdoutOpen || h.stderrOpen {
		h.mu.Unlock()
		return Streams{}, ErrAlreadyTaken
	}
	h.stdoutOpen = true
	h.stderrOpen = true
	h.mu.Unlock()

	stdoutResp, stdoutErr := h.runner.client().Get(h.runner.BaseURL + "/commands/" + h.id + "/stdout")
	stderrResp, stderrErr := h.runner.client().Get(h.runner.BaseURL + "/commands/" + h.id + "/stderr")

	if stdoutErr != nil {
		if stderrResp != nil {
			stderrResp.Body.Close()
		}
		return Streams{}, stdoutErr
	}
	if stderrErr != nil {
		stdoutResp.Body.Close()
		return Streams{}, stderrErr
	}
	if stdoutResp.StatusCode == http.StatusGone || stderrResp.StatusCode == http.StatusGone {
		stdoutResp.Body.Close()
		stderrResp.Body.Close()
		return Streams{}, ErrAlreadyTaken
	}

	return Streams{Stdout: stdoutResp.Body, Stderr: stderrResp.Body}, nil
}
