// Package discovery advertises webserv virtual hosts over multicast DNS and
// browses the local network for other instances.
//
// Each virtual host is published as an "_http._tcp" service named after its
// first server_name (or "webserv-<port>" when it has none). TXT records carry
// "server=webserv", the build version and the base path, which lets a Scanner
// tell webserv instances apart from other HTTP services on the segment.
//
// # Usage Example
//
//	ads := discovery.Advertisements(cfg, boundPorts)
//	announcer, err := discovery.Announce(ads)
//	if err != nil {
//	    return err
//	}
//	defer announcer.Shutdown()
//
// # Network Requirements
//
// - Requires multicast support on the network interface
// - Firewall must allow mDNS (UDP port 5353)
package discovery
