package discovery

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// Instance is a webserv virtual host found on the local network.
type Instance struct {
	// Name is the mDNS instance name (e.g., "docs.example" or "webserv-8080")
	Name string

	// Hostname is the advertising machine's mDNS hostname (e.g., "build01.local.")
	Hostname string

	// IP is the preferred address, IPv4 when one was announced
	IP string

	// Port is the listening port
	Port int

	// Metadata holds the TXT record fields ("server", "version", "path")
	Metadata map[string]string

	// DiscoveredAt is when the instance was seen
	DiscoveredAt time.Time
}

// String returns a human-readable description of the instance.
func (i *Instance) String() string {
	return fmt.Sprintf("%s (%s) at %s", i.Name, i.Hostname, net.JoinHostPort(i.IP, strconv.Itoa(i.Port)))
}

// BaseURL returns the HTTP base URL of the instance.
func (i *Instance) BaseURL() string {
	return "http://" + net.JoinHostPort(i.IP, strconv.Itoa(i.Port)) + i.GetMetadata("path")
}

// GetMetadata retrieves a TXT value by key, or "" when absent.
func (i *Instance) GetMetadata(key string) string {
	if i.Metadata == nil {
		return ""
	}
	return i.Metadata[key]
}
