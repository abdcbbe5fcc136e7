package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/muurk/webserv/internal/config"
	"github.com/muurk/webserv/internal/logging"
	"github.com/muurk/webserv/internal/version"
	"go.uber.org/zap"
)

const (
	// ServiceType is the mDNS service type virtual hosts are advertised under
	ServiceType = "_http._tcp"

	// ServiceDomain is the mDNS domain
	ServiceDomain = "local."

	// DefaultScanTimeout is the default browse duration
	DefaultScanTimeout = 5 * time.Second

	// serverTag marks TXT records published by this server
	serverTag = "server=webserv"
)

// Advertisement is one service to publish.
type Advertisement struct {
	Instance string
	Port     int
	Text     []string
}

// Advertisements derives one advertisement per virtual host. Hosts without
// a server_name are published as "webserv-<port>"; duplicate instance names
// on the same port collapse into one.
func Advertisements(cfg *config.Config, ports map[string]int) []Advertisement {
	var ads []Advertisement
	seen := make(map[string]bool)

	for _, vh := range cfg.Servers {
		port := vh.Port
		if p, ok := ports[listenKey(vh.Address, vh.Port)]; ok {
			port = p
		}

		name := "webserv-" + strconv.Itoa(port)
		if len(vh.ServerName) > 0 {
			name = vh.ServerName[0]
		}
		key := name + "/" + strconv.Itoa(port)
		if seen[key] {
			continue
		}
		seen[key] = true

		ads = append(ads, Advertisement{
			Instance: name,
			Port:     port,
			Text: []string{
				serverTag,
				"version=" + version.Version,
				"path=/",
			},
		})
	}
	return ads
}

// ListenKey identifies a configured socket in the ports map passed to
// Advertisements; it lets ephemeral ports resolve to the bound ones.
func ListenKey(address string, port int) string {
	return listenKey(address, port)
}

func listenKey(address string, port int) string {
	return net.JoinHostPort(address, strconv.Itoa(port))
}

// Announcer publishes advertisements until Shutdown is called.
type Announcer struct {
	mu      sync.Mutex
	servers []*zeroconf.Server
}

// Announce registers every advertisement. Registration failures are logged
// and skipped; an error is returned only when nothing could be published.
func Announce(ads []Advertisement) (*Announcer, error) {
	a := &Announcer{}
	var errs []error

	for _, ad := range ads {
		srv, err := zeroconf.Register(ad.Instance, ServiceType, ServiceDomain, ad.Port, ad.Text, nil)
		if err != nil {
			logging.Warn("Failed to announce virtual host",
				zap.String("instance", ad.Instance),
				zap.Int("port", ad.Port),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("%s: %w", ad.Instance, err))
			continue
		}
		logging.Info("Announced virtual host",
			zap.String("instance", ad.Instance),
			zap.String("service", ServiceType),
			zap.Int("port", ad.Port),
		)
		a.servers = append(a.servers, srv)
	}

	if len(a.servers) == 0 && len(errs) > 0 {
		return nil, fmt.Errorf("failed to announce over mDNS: %w", errors.Join(errs...))
	}
	return a, nil
}

// Shutdown withdraws every advertisement. It is safe to call more than once.
func (a *Announcer) Shutdown() {
	if a == nil {
		return
	}
	a.mu.Lock()
	servers := a.servers
	a.servers = nil
	a.mu.Unlock()

	for _, srv := range servers {
		srv.Shutdown()
	}
}

// Scanner browses the local network for webserv instances.
type Scanner struct {
	// Timeout is the maximum time to wait for responses
	Timeout time.Duration
}

// NewScanner creates a scanner with default settings
func NewScanner() *Scanner {
	return &Scanner{
		Timeout: DefaultScanTimeout,
	}
}

// Scan collects instances until the timeout expires.
func (s *Scanner) Scan() ([]*Instance, error) {
	return s.ScanWithContext(context.Background())
}

// ScanWithContext collects instances until ctx is done or the timeout expires.
func (s *Scanner) ScanWithContext(ctx context.Context) ([]*Instance, error) {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	collected := make(chan []*Instance, 1)

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS resolver: %w", err)
	}

	go func() {
		var found []*Instance
		for entry := range entries {
			if inst := parseServiceEntry(entry); inst != nil {
				found = append(found, inst)
			}
		}
		collected <- found
	}()

	if err := resolver.Browse(ctx, ServiceType, ServiceDomain, entries); err != nil {
		return nil, fmt.Errorf("failed to browse for mDNS services: %w", err)
	}

	<-ctx.Done()

	// the resolver closes entries once ctx is done
	select {
	case found := <-collected:
		return sortInstances(found), nil
	case <-time.After(time.Second):
		return nil, errors.New("mDNS resolver did not finish")
	}
}

func sortInstances(found []*Instance) []*Instance {
	slices.SortFunc(found, func(a, b *Instance) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return a.Port - b.Port
	})
	return found
}

// parseServiceEntry converts a zeroconf entry to an Instance. Entries not
// published by webserv yield nil.
func parseServiceEntry(entry *zeroconf.ServiceEntry) *Instance {
	if entry == nil || !slices.Contains(entry.Text, serverTag) {
		return nil
	}

	// prefer IPv4
	var ip string
	if len(entry.AddrIPv4) > 0 {
		ip = entry.AddrIPv4[0].String()
	} else if len(entry.AddrIPv6) > 0 {
		ip = entry.AddrIPv6[0].String()
	}
	if ip == "" || entry.Port == 0 {
		return nil
	}

	metadata := make(map[string]string)
	for _, txt := range entry.Text {
		key, value, _ := strings.Cut(txt, "=")
		metadata[key] = value
	}

	return &Instance{
		Name:         entry.Instance,
		Hostname:     entry.HostName,
		IP:           ip,
		Port:         entry.Port,
		Metadata:     metadata,
		DiscoveredAt: time.Now(),
	}
}
