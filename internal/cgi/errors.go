package cgi

import (
	"fmt"
	"syscall"
)

// ExitError describes a child that did not finish cleanly.
type ExitError struct {
	Pid      int
	Code     int            // exit status, -1 when killed by a signal
	Signal   syscall.Signal // set when killed by a signal
	TimedOut bool
}

func (e *ExitError) Error() string {
	switch {
	case e.TimedOut:
		return fmt.Sprintf("cgi: child %d timed out", e.Pid)
	case e.Signal != 0:
		return fmt.Sprintf("cgi: child %d killed by %v", e.Pid, e.Signal)
	default:
		return fmt.Sprintf("cgi: child %d exited with status %d", e.Pid, e.Code)
	}
}

// MalformedOutputError is returned when a child's output has no valid
// CGI header block.
type MalformedOutputError struct {
	Reason string
}

func (e *MalformedOutputError) Error() string {
	return "cgi: malformed output: " + e.Reason
}
