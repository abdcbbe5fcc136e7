//go:build linux

package cgi

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// State is the lifecycle position of a CGI child.
type State int

const (
	StateSpawned State = iota
	StateRunning
	StateExited
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateSpawned:
		return "spawned"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateTimedOut:
		return "timed-out"
	default:
		return "unknown"
	}
}

// ErrOutputTooLarge is returned by ReadOutput once the child has written more
// than the configured maximum.
var ErrOutputTooLarge = errors.New("cgi: output exceeds limit")

const readChunk = 64 << 10

// Process is one running CGI child. Stdin and Stdout are the parent's
// non-blocking pipe ends, or -1 once closed. A Process is owned by a single
// goroutine.
type Process struct {
	Pid     int
	Stdin   int
	Stdout  int
	Started time.Time
	State   State

	input     []byte
	output    []byte
	maxOutput int
	deadline  time.Time
	status    unix.WaitStatus
	reaped    bool
}

// Expired reports whether the child has outlived its timeout.
func (p *Process) Expired(now time.Time) bool {
	return !p.reaped && now.After(p.deadline)
}

// OutputOpen reports whether stdout has not yet reached EOF.
func (p *Process) OutputOpen() bool {
	return p.Stdout >= 0
}

// Output returns the bytes read from stdout so far.
func (p *Process) Output() []byte {
	return p.output
}

func (p *Process) running() {
	if p.State == StateSpawned {
		p.State = StateRunning
	}
}

// WriteInput writes queued body bytes to stdin. It returns true once stdin is
// closed, either fully written or because the child stopped reading.
func (p *Process) WriteInput() (bool, error) {
	if p.Stdin < 0 {
		return true, nil
	}
	p.running()
	n, err := unix.Write(p.Stdin, p.input)
	switch {
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
		return false, nil
	case errors.Is(err, unix.EPIPE):
		p.closeStdin()
		return true, nil
	case err != nil:
		p.closeStdin()
		return true, err
	}
	p.input = p.input[n:]
	if len(p.input) == 0 {
		p.closeStdin()
		return true, nil
	}
	return false, nil
}

// ReadOutput performs one read from stdout. It returns true at EOF.
func (p *Process) ReadOutput() (bool, error) {
	if p.Stdout < 0 {
		return true, nil
	}
	p.running()
	buf := make([]byte, readChunk)
	n, err := unix.Read(p.Stdout, buf)
	switch {
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
		return false, nil
	case err != nil:
		p.closeStdout()
		return true, err
	case n == 0:
		p.closeStdout()
		return true, nil
	}
	p.output = append(p.output, buf[:n]...)
	if p.maxOutput > 0 && len(p.output) > p.maxOutput {
		return false, ErrOutputTooLarge
	}
	return false, nil
}

// Reap collects the exit status without blocking. It returns true once the
// child is gone.
func (p *Process) Reap() (bool, error) {
	if p.reaped {
		return true, nil
	}
	var ws unix.WaitStatus
	wpid, err := unix.Wait4(p.Pid, &ws, unix.WNOHANG, nil)
	switch {
	case errors.Is(err, unix.EINTR):
		return false, nil
	case errors.Is(err, unix.ECHILD):
		p.finish(ws)
		return true, nil
	case err != nil:
		return false, err
	case wpid == 0:
		return false, nil
	}
	p.finish(ws)
	return true, nil
}

func (p *Process) finish(ws unix.WaitStatus) {
	p.status = ws
	p.reaped = true
	if p.State != StateTimedOut {
		p.State = StateExited
	}
}

// Kill sends SIGKILL. The child still has to be reaped.
func (p *Process) Kill() {
	if p.reaped {
		return
	}
	unix.Kill(p.Pid, unix.SIGKILL)
}

// Timeout marks the child timed out and kills it.
func (p *Process) Timeout() {
	p.State = StateTimedOut
	p.Kill()
}

// CloseFds closes whichever parent pipe ends are still open.
func (p *Process) CloseFds() {
	p.closeStdin()
	p.closeStdout()
}

func (p *Process) closeStdin() {
	if p.Stdin >= 0 {
		unix.Close(p.Stdin)
		p.Stdin = -1
	}
}

func (p *Process) closeStdout() {
	if p.Stdout >= 0 {
		unix.Close(p.Stdout)
		p.Stdout = -1
	}
}

// Err returns nil for a child that exited with status 0, and an *ExitError
// otherwise. Only meaningful once the child is reaped.
func (p *Process) Err() error {
	switch {
	case p.State == StateTimedOut:
		return &ExitError{Pid: p.Pid, TimedOut: true}
	case p.status.Signaled():
		return &ExitError{Pid: p.Pid, Code: -1, Signal: p.status.Signal()}
	case p.status.Exited() && p.status.ExitStatus() != 0:
		return &ExitError{Pid: p.Pid, Code: p.status.ExitStatus()}
	}
	return nil
}
