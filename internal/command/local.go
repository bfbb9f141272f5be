package command

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// killSignalPause is the interval between SIGINT, SIGTERM and SIGKILL when
// tearing down a process group. Matches the teacher's invokeAgent PTY
// handling in spirit: give the tree a real chance to exit between signals.
var killSignalPause = 2 * time.Second

// LocalRunner spawns processes directly with os/exec, allocating a PTY for
// stdout/stderr so line-buffered agents stream in real time (the same
// rationale as the teacher's invokeAgent: a PTY makes agents that only
// line-buffer on a terminal behave the same way under the runner).
type LocalRunner struct{}

// NewLocalRunner constructs a LocalRunner.
func NewLocalRunner() *LocalRunner { return &LocalRunner{} }

type localHandle struct {
	mu        sync.Mutex
	cmd       *exec.Cmd
	ptmx      *os.File
	pts       *os.File
	stdinW    *os.File
	stdoutR   io.ReadCloser
	stderrR   io.ReadCloser
	taken     bool
	consumed  bool
	waitOnce  sync.Once
	waitErr   error
	waitState ExitStatus
	pid       int
}

// Spawn starts a new process group so Kill can target the whole descendant
// tree, pipes stdin if provided, and allocates a PTY that both stdout and
// stderr are attached to (mirroring invokeAgent's single-pts approach).
func (r *LocalRunner) Spawn(req Request) (ProcessHandle, error) {
	cmd := exec.Command(req.Command, req.Args...)
	if req.WorkingDir != "" {
		cmd.Dir = req.WorkingDir
	}
	if len(req.EnvVars) > 0 {
		env := os.Environ()
		for _, kv := range req.EnvVars {
			env = append(env, kv[0]+"="+kv[1])
		}
		cmd.Env = env
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	ptmx, pts, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("command: opening pty: %w", err)
	}

	cmd.Stdout = pts
	cmd.Stderr = pts

	var stdinW *os.File
	if req.Stdin != "" {
		pr, pw, perr := os.Pipe()
		if perr != nil {
			ptmx.Close()
			pts.Close()
			return nil, fmt.Errorf("command: creating stdin pipe: %w", perr)
		}
		cmd.Stdin = pr
		stdinW = pw
	}

	if err := cmd.Start(); err != nil {
		ptmx.Close()
		pts.Close()
		if stdinW != nil {
			stdinW.Close()
		}
		return nil, fmt.Errorf("command: spawn failed for %q: %w", req.Command, err)
	}
	pts.Close() // parent no longer needs the slave; the child has its own fd

	if stdinW != nil {
		go func() {
			io.Copy(stdinW, strings.NewReader(req.Stdin))
			stdinW.Close()
		}()
	}

	h := &localHandle{
		cmd:     cmd,
		ptmx:    ptmx,
		pts:     pts,
		stdinW:  stdinW,
		stdoutR: ptmx,
		stderrR: io.NopCloser(eofReader{}),
		pid:     cmd.Process.Pid,
	}
	return h, nil
}

// eofReader is a Reader that always reports EOF; used for the stderr side
// of a PTY-backed handle, since a single PTY already multiplexes both
// streams onto stdout the way invokeAgent's pts does.
type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }

func (h *localHandle) ProcessID() string {
	return strconv.Itoa(h.pid)
}

func (h *localHandle) Stream() (Streams, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.taken {
		return Streams{}, ErrAlreadyTaken
	}
	h.taken = true
	return Streams{Stdout: h.stdoutR, Stderr: h.stderrR}, nil
}

func (h *localHandle) TryWait() (*ExitStatus, error) {
	h.mu.Lock()
	if h.consumed {
		h.mu.Unlock()
		return nil, ErrProcessNotStarted
	}
	h.mu.Unlock()

	done := make(chan struct{})
	var status ExitStatus
	var waitErr error
	go func() {
		status, waitErr = h.doWait()
		close(done)
	}()

	select {
	case <-done:
		return &status, waitErr
	default:
		// Non-blocking poll: check process state without consuming Wait.
		proc, err := os.FindProcess(h.pid)
		if err != nil {
			return nil, nil
		}
		if sigErr := proc.Signal(syscall.Signal(0)); sigErr != nil {
			// Process no longer exists; fall through to a real wait to
			// reap it and obtain the exit status.
			<-done
			return &status, waitErr
		}
		return nil, nil
	}
}

func (h *localHandle) Wait() (ExitStatus, error) {
	return h.doWait()
}

func (h *localHandle) doWait() (ExitStatus, error) {
	h.waitOnce.Do(func() {
		err := h.cmd.Wait()
		h.ptmx.Close()
		code := 0
		success := true
		var sig *int
		if err != nil {
			success = false
			if exitErr, ok := err.(*exec.ExitError); ok {
				code = exitErr.ExitCode()
				if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
					s := int(ws.Signal())
					sig = &s
				}
			} else {
				h.waitErr = err
			}
		}
		c := code
		h.waitState = ExitStatus{Code: &c, Success: success, Signal: sig}
	})
	h.mu.Lock()
	h.consumed = true
	h.mu.Unlock()
	return h.waitState, h.waitErr
}

// Kill sends SIGINT, then SIGTERM, then SIGKILL to the process group, with a
// pause between each, reaping early if the group exits. The handle is
// consumed afterward.
func (h *localHandle) Kill() error {
	h.mu.Lock()
	if h.consumed {
		h.mu.Unlock()
		return ErrProcessNotStarted
	}
	h.mu.Unlock()

	pgid, err := syscall.Getpgid(h.pid)
	if err != nil {
		// Process is already gone.
		h.markConsumed()
		return nil
	}

	reaped := make(chan struct{})
	go func() {
		h.doWait()
		close(reaped)
	}()

	for _, sig := range []syscall.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGKILL} {
		_ = syscall.Kill(-pgid, sig)
		select {
		case <-reaped:
			return nil
		case <-time.After(killSignalPause):
		}
	}
	<-reaped
	return nil
}

func (h *localHandle) markConsumed() {
	h.mu.Lock()
	h.consumed = true
	h.mu.Unlock()
}
