//go:build !linux

package poller

// New returns ErrUnsupported on platforms without an epoll backend.
func New() (Poller, error) {
	return nil, ErrUnsupported
}
