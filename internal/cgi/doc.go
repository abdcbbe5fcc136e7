// Package cgi runs CGI/1.1 scripts as child processes without blocking the
// caller.
//
// Start creates two close-on-exec pipes, hands the blocking child ends to the
// interpreter as stdin and stdout, and returns a Process holding the
// non-blocking parent ends. The caller registers those descriptors with its
// poller and calls WriteInput and ReadOutput on readiness. Children are
// collected with Reap, which wraps wait4 with WNOHANG; the runtime's own
// Wait is never used so no goroutine is parked per child.
//
// Lifecycle:
//
//	Spawned -> Running -> Exited
//	                  \-> TimedOut (Timeout kills, Reap collects)
//
// When stdout reaches EOF and the child is reaped, ParseOutput turns the
// captured bytes into a status, header and body.
package cgi
