// Package command implements the CommandRunner abstraction: a uniform
// handle over local child processes and remote processes executed on a
// companion HTTP runner service.
package command

import (
	"errors"
	"io"
)

// Request describes one invocation, local or remote.
type Request struct {
	Command    string
	Args       []string
	WorkingDir string
	EnvVars    [][2]string
	Stdin      string
}

// ExitStatus is the outcome of a completed process.
type ExitStatus struct {
	Code               *int
	Success            bool
	Signal             *int
	RemoteProcessID    string
	RemoteSessionID    string
}

// ErrProcessNotStarted is returned by operations on a handle that has
// already been consumed by kill() or whose process never started.
var ErrProcessNotStarted = errors.New("command: process not started")

// ErrAlreadyTaken is returned by Stream when a stream has already been
// taken by a previous caller.
var ErrAlreadyTaken = errors.New("command: stream already taken")

// Streams holds the one-shot byte readers taken from a process.
type Streams struct {
	Stdout io.ReadCloser
	Stderr io.ReadCloser
}

// ProcessHandle is the uniform capability set exposed by both the local and
// remote executors. Implementations: *localHandle, *remoteHandle.
type ProcessHandle interface {
	// TryWait is non-blocking. nil, nil means still running.
	TryWait() (*ExitStatus, error)
	// Wait blocks until the process completes.
	Wait() (ExitStatus, error)
	// Kill terminates the process and its entire descendant tree. After a
	// successful kill the handle is consumed; further operations return
	// ErrProcessNotStarted.
	Kill() error
	// Stream takes ownership of the stdout/stderr readers. Calling it twice
	// returns ErrAlreadyTaken.
	Stream() (Streams, error)
	// ProcessID is a stable identifier: OS pid for local, server-assigned
	// UUID for remote.
	ProcessID() string
}

// Runner spawns a ProcessHandle for a Request.
type Runner interface {
	Spawn(req Request) (ProcessHandle, error)
}
