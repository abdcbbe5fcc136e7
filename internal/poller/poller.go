// Package poller provides the readiness multiplexer driven by the server's
// reactor. It is level-triggered: a descriptor keeps reporting readiness until
// the condition is consumed.
package poller

import (
	"errors"
	"time"
)

// Interest is the set of readiness conditions a descriptor is watched for.
type Interest uint8

const (
	Read Interest = 1 << iota
	Write
)

// Has reports whether all bits of x are set.
func (i Interest) Has(x Interest) bool {
	return i&x == x
}

func (i Interest) String() string {
	switch i {
	case 0:
		return "none"
	case Read:
		return "read"
	case Write:
		return "write"
	case Read | Write:
		return "read|write"
	default:
		return "invalid"
	}
}

// Event is one readiness notification returned by Wait.
type Event struct {
	Fd       int
	Readable bool
	Writable bool
	Hangup   bool // peer hung up or the descriptor is in an error state
}

// ErrUnsupported is returned by New on platforms without a backend.
var ErrUnsupported = errors.New("poller: this platform is not supported")

// Poller is the contract implemented per platform.
type Poller interface {
	// Add starts watching fd. Adding a watched descriptor is an error.
	Add(fd int, interest Interest) error
	// Modify replaces the interest set of a watched descriptor.
	Modify(fd int, interest Interest) error
	// Remove stops watching fd. Removing an unknown descriptor is a no-op.
	Remove(fd int) error
	// Interest returns the current interest set and whether fd is watched.
	Interest(fd int) (Interest, bool)
	// Wait blocks for at most timeout and fills events. An interrupted wait
	// returns zero events and no error so the caller re-checks its state.
	Wait(events []Event, timeout time.Duration) (int, error)
	// Close releases the kernel object.
	Close() error
}
