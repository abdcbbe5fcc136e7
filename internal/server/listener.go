//go:build linux

package server

import (
	"fmt"
	"net"
	"strconv"

	"github.com/muurk/webserv/internal/config"
	"github.com/muurk/webserv/internal/router"
	"golang.org/x/sys/unix"
)

// Listener is one bound, non-blocking listening socket and the virtual
// hosts that share it.
type Listener struct {
	fd      int
	address string
	port    int
	router  *router.Router
}

// listen creates, binds and listens on the socket for sock.
func listen(sock config.Socket, backlog int, policy config.StatusPolicy) (*Listener, error) {
	ip := net.ParseIP(sock.Address)
	if ip == nil {
		return nil, fmt.Errorf("invalid listen address %q", sock.Address)
	}

	family := unix.AF_INET
	var sa unix.Sockaddr
	if ip4 := ip.To4(); ip4 != nil {
		sa = &unix.SockaddrInet4{Port: sock.Port, Addr: [4]byte(ip4)}
	} else {
		family = unix.AF_INET6
		sa = &unix.SockaddrInet6{Port: sock.Port, Addr: [16]byte(ip.To16())}
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", net.JoinHostPort(sock.Address, strconv.Itoa(sock.Port)), err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen %s: %w", net.JoinHostPort(sock.Address, strconv.Itoa(sock.Port)), err)
	}

	l := &Listener{
		fd:      fd,
		address: sock.Address,
		port:    sock.Port,
		router:  router.New(sock.Hosts, policy),
	}
	if sock.Port == 0 {
		bound, err := unix.Getsockname(fd)
		if err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("getsockname: %w", err)
		}
		l.port = sockaddrPort(bound)
	}
	return l, nil
}

// Addr returns the bound address as host:port.
func (l *Listener) Addr() string {
	return net.JoinHostPort(l.address, strconv.Itoa(l.port))
}

// Port returns the bound port.
func (l *Listener) Port() int {
	return l.port
}

// Hosts returns the virtual hosts served on this socket; the first is the
// default.
func (l *Listener) Hosts() []*config.VirtualHost {
	return l.router.Hosts()
}

// accept takes one pending connection. The new descriptor is non-blocking
// and close-on-exec.
func (l *Listener) accept() (int, unix.Sockaddr, error) {
	return unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
}

func (l *Listener) close() {
	if l.fd >= 0 {
		unix.Close(l.fd)
		l.fd = -1
	}
}

func sockaddrPort(sa unix.Sockaddr) int {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return a.Port
	case *unix.SockaddrInet6:
		return a.Port
	}
	return 0
}

// sockaddrIP splits a peer address into IP string and port.
func sockaddrIP(sa unix.Sockaddr) (string, int) {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.IP(a.Addr[:]).String(), a.Port
	case *unix.SockaddrInet6:
		return net.IP(a.Addr[:]).String(), a.Port
	}
	return "", 0
}
