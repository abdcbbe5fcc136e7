//go:build !linux

package server

import (
	"github.com/muurk/webserv/internal/config"
	"github.com/muurk/webserv/internal/poller"
)

// Listener is unavailable on this platform.
type Listener struct{}

// Addr returns an empty address.
func (l *Listener) Addr() string { return "" }

// Port returns 0.
func (l *Listener) Port() int { return 0 }

// Hosts returns nil.
func (l *Listener) Hosts() []*config.VirtualHost { return nil }

// Cluster is unavailable on this platform.
type Cluster struct{}

// New reports that the reactor needs an epoll backend.
func New(cfg *config.Config, opts Options) (*Cluster, error) {
	return nil, poller.ErrUnsupported
}

func (c *Cluster) Run() error { return poller.ErrUnsupported }
func (c *Cluster) RequestStop() {}
func (c *Cluster) Listeners() []*Listener { return nil }
func (c *Cluster) Stats() Stats { return Stats{} }
