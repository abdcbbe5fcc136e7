//go:build linux

package poller

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// epoll is the Linux backend. The interest table mirrors what the kernel holds
// so callers can sync without issuing redundant epoll_ctl calls.
type epoll struct {
	epfd     int
	raw      []unix.EpollEvent
	interest map[int]Interest
}

// New constructs the Linux epoll poller.
func New() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	return &epoll{
		epfd:     epfd,
		raw:      make([]unix.EpollEvent, 128),
		interest: make(map[int]Interest),
	}, nil
}

// toEpoll maps an interest set to epoll flags. HUP and ERR are always
// reported by the kernel; RDHUP only while reads are wanted.
func toEpoll(i Interest) uint32 {
	var ev uint32
	if i.Has(Read) {
		ev |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if i.Has(Write) {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func (p *epoll) Add(fd int, interest Interest) error {
	if _, ok := p.interest[fd]; ok {
		return fmt.Errorf("epoll ctl add: fd %d already registered", fd)
	}
	ev := unix.EpollEvent{Events: toEpoll(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl add: %w", err)
	}
	p.interest[fd] = interest
	return nil
}

func (p *epoll) Modify(fd int, interest Interest) error {
	cur, ok := p.interest[fd]
	if !ok {
		return fmt.Errorf("epoll ctl mod: fd %d not registered", fd)
	}
	if cur == interest {
		return nil
	}
	ev := unix.EpollEvent{Events: toEpoll(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl mod: %w", err)
	}
	p.interest[fd] = interest
	return nil
}

func (p *epoll) Remove(fd int) error {
	if _, ok := p.interest[fd]; !ok {
		return nil
	}
	delete(p.interest, fd)
	// The kernel drops closed descriptors on its own; EBADF/ENOENT here only
	// means the owner closed first.
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil && !errors.Is(err, unix.EBADF) && !errors.Is(err, unix.ENOENT) {
		return fmt.Errorf("epoll ctl del: %w", err)
	}
	return nil
}

func (p *epoll) Interest(fd int) (Interest, bool) {
	i, ok := p.interest[fd]
	return i, ok
}

func (p *epoll) Wait(events []Event, timeout time.Duration) (int, error) {
	if len(p.raw) < len(events) {
		p.raw = make([]unix.EpollEvent, len(events))
	}
	msec := -1
	if timeout >= 0 {
		msec = int(timeout.Milliseconds())
	}

	n, err := unix.EpollWait(p.epfd, p.raw[:len(events)], msec)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, fmt.Errorf("epoll wait: %w", err)
	}

	for i := 0; i < n; i++ {
		raw := p.raw[i]
		events[i] = Event{
			Fd:       int(raw.Fd),
			Readable: raw.Events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0,
			Writable: raw.Events&unix.EPOLLOUT != 0,
			Hangup:   raw.Events&(unix.EPOLLHUP|unix.EPOLLERR) != 0,
		}
	}
	return n, nil
}

func (p *epoll) Close() error {
	p.interest = nil
	return unix.Close(p.epfd)
}
