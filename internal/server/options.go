package server

import (
	"sync/atomic"
	"time"
)

// Options tunes the reactor. Zero fields take the values from DefaultOptions.
type Options struct {
	// IdleTimeout closes connections with no I/O for this long.
	// Default: 60 seconds
	IdleTimeout time.Duration

	// CGITimeout kills CGI children that run longer than this.
	// Default: 30 seconds
	CGITimeout time.Duration

	// ShutdownGrace is how long in-flight CGI children may keep running
	// once a stop is requested.
	// Default: 5 seconds
	ShutdownGrace time.Duration

	// PollInterval bounds each wait so timeouts are evaluated regularly.
	// Default: 1 second
	PollInterval time.Duration

	// ReapInterval replaces PollInterval while a child awaits reaping.
	// Default: 10 milliseconds
	ReapInterval time.Duration

	// LingerTimeout bounds how long input is drained after an error
	// response that closes the connection.
	// Default: 2 seconds
	LingerTimeout time.Duration

	// Backlog is the listen(2) backlog.
	// Default: 128
	Backlog int

	// MaxCGIOutput bounds the bytes read from one CGI child.
	// Default: 8 MiB
	MaxCGIOutput int
}

// DefaultOptions returns the built-in timeouts and limits.
func DefaultOptions() Options {
	return Options{
		IdleTimeout:   60 * time.Second,
		CGITimeout:    30 * time.Second,
		ShutdownGrace: 5 * time.Second,
		PollInterval:  time.Second,
		ReapInterval:  10 * time.Millisecond,
		LingerTimeout: 2 * time.Second,
		Backlog:       128,
		MaxCGIOutput:  8 << 20,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = d.IdleTimeout
	}
	if o.CGITimeout <= 0 {
		o.CGITimeout = d.CGITimeout
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = d.ShutdownGrace
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.ReapInterval <= 0 {
		o.ReapInterval = d.ReapInterval
	}
	if o.LingerTimeout <= 0 {
		o.LingerTimeout = d.LingerTimeout
	}
	if o.Backlog <= 0 {
		o.Backlog = d.Backlog
	}
	if o.MaxCGIOutput <= 0 {
		o.MaxCGIOutput = d.MaxCGIOutput
	}
	return o
}

// Stats is a snapshot of the reactor's counters.
type Stats struct {
	Accepted  int64 // connections accepted since start
	Active    int64 // connections currently open
	Requests  int64 // request heads parsed
	ActiveCGI int64 // CGI children not yet reaped
	Timeouts  int64 // idle connections closed plus CGI children timed out
}

// counters are written by the reactor goroutine and read from anywhere.
type counters struct {
	accepted  atomic.Int64
	active    atomic.Int64
	requests  atomic.Int64
	activeCGI atomic.Int64
	timeouts  atomic.Int64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Accepted:  c.accepted.Load(),
		Active:    c.active.Load(),
		Requests:  c.requests.Load(),
		ActiveCGI: c.activeCGI.Load(),
		Timeouts:  c.timeouts.Load(),
	}
}
