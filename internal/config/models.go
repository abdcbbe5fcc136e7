package config

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config represents the entire configuration file: a list of virtual hosts
// plus the status codes used for each error class.
type Config struct {
	Servers      []*VirtualHost `yaml:"servers"`
	StatusPolicy StatusPolicy   `yaml:"status_policy,omitempty"`
}

// VirtualHost is one `servers` entry. Settings apply to every request routed to
// the host unless a matching Location overrides them.
type VirtualHost struct {
	Listen     string      `yaml:"listen,omitempty"`      // "port", "addr:port" or "[v6]:port"
	ServerName []string    `yaml:"server_name,omitempty"` // Names matched against the Host header
	Settings   `yaml:",inline"`
	Locations  []*Location `yaml:"location,omitempty"`

	// Derived from Listen during validation.
	Address string `yaml:"-"`
	Port    int    `yaml:"-"`
}

// Location overrides a subset of Settings for request paths under Path.
// Paths containing glob metacharacters are matched as doublestar patterns.
type Location struct {
	Path     string `yaml:"path"`
	Settings `yaml:",inline"`
}

// Settings holds the per-host directives that a Location may override.
// Nil/empty values mean "inherit".
type Settings struct {
	Root              string              `yaml:"root,omitempty"`
	Index             string              `yaml:"index,omitempty"`
	AllowMethods      []string            `yaml:"allow_methods,omitempty"`
	ErrorPage         map[int]string      `yaml:"error_page,omitempty"`           // status -> URI under root
	ClientMaxBodySize *ByteSize           `yaml:"client_max_body_size,omitempty"` // 0 = unlimited
	CGIPass           map[string]string   `yaml:"cgi_pass,omitempty"`             // ".py" -> interpreter
	Redirect          map[string]Redirect `yaml:"redirect,omitempty"`             // request path -> target
	Autoindex         *bool               `yaml:"autoindex,omitempty"`
	Alias             map[string]string   `yaml:"alias,omitempty"` // path prefix -> filesystem path
}

// Redirect is a configured redirect. A bare scalar in YAML is a 301 target.
type Redirect struct {
	Target string `yaml:"target"`
	Status int    `yaml:"status,omitempty"`
}

// StatusPolicy selects the status code sent for each error class.
// Zero fields take the defaults from DefaultStatusPolicy.
type StatusPolicy struct {
	MethodNotAllowed   int `yaml:"method_not_allowed,omitempty"`
	PayloadTooLarge    int `yaml:"payload_too_large,omitempty"`
	DirectoryForbidden int `yaml:"directory_forbidden,omitempty"`
	CGIFailure         int `yaml:"cgi_failure,omitempty"`
	CGITimeout         int `yaml:"cgi_timeout,omitempty"`
}

// ByteSize is a size directive such as "10", "512K" or "1MiB".
type ByteSize int64

// Defaults applied to hosts that leave a directive unset.
const (
	DefaultListen      = "0.0.0.0:80"
	DefaultIndex       = "index.html"
	DefaultMaxBodySize = ByteSize(1 << 20)
)

// DefaultMethods is the allow_methods value for hosts that do not set one.
var DefaultMethods = []string{"GET", "HEAD"}

// KnownMethods lists the methods the engine can serve.
var KnownMethods = []string{"GET", "HEAD", "POST", "PUT", "DELETE"}

// DefaultStatusPolicy returns the built-in status codes.
func DefaultStatusPolicy() StatusPolicy {
	return StatusPolicy{
		MethodNotAllowed:   405,
		PayloadTooLarge:    413,
		DirectoryForbidden: 403,
		CGIFailure:         500,
		CGITimeout:         504,
	}
}

// withDefaults fills zero fields from DefaultStatusPolicy.
func (p StatusPolicy) withDefaults() StatusPolicy {
	d := DefaultStatusPolicy()
	if p.MethodNotAllowed == 0 {
		p.MethodNotAllowed = d.MethodNotAllowed
	}
	if p.PayloadTooLarge == 0 {
		p.PayloadTooLarge = d.PayloadTooLarge
	}
	if p.DirectoryForbidden == 0 {
		p.DirectoryForbidden = d.DirectoryForbidden
	}
	if p.CGIFailure == 0 {
		p.CGIFailure = d.CGIFailure
	}
	if p.CGITimeout == 0 {
		p.CGITimeout = d.CGITimeout
	}
	return p
}

// UnmarshalYAML parses sizes with go-humanize ("1M" is 10^6, "1MiB" is 2^20).
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar", value.Line)
	}
	n, err := humanize.ParseBytes(strings.TrimSpace(value.Value))
	if err != nil {
		return fmt.Errorf("line %d: invalid size %q: %w", value.Line, value.Value, err)
	}
	*b = ByteSize(n)
	return nil
}

// String renders the size in IEC units.
func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// UnmarshalYAML accepts either "target" or {target: ..., status: ...}.
func (r *Redirect) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		r.Target = value.Value
		r.Status = 301
		return nil
	}
	type plain Redirect
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*r = Redirect(p)
	if r.Status == 0 {
		r.Status = 301
	}
	return nil
}

// Merge returns s with every directive set in over applied on top.
// Scalars and method lists are replaced; maps are merged key by key.
func (s Settings) Merge(over Settings) Settings {
	out := s
	if over.Root != "" {
		out.Root = over.Root
	}
	if over.Index != "" {
		out.Index = over.Index
	}
	if len(over.AllowMethods) > 0 {
		out.AllowMethods = slices.Clone(over.AllowMethods)
	}
	if over.ClientMaxBodySize != nil {
		out.ClientMaxBodySize = over.ClientMaxBodySize
	}
	if over.Autoindex != nil {
		out.Autoindex = over.Autoindex
	}
	out.ErrorPage = mergeMap(s.ErrorPage, over.ErrorPage)
	out.CGIPass = mergeMap(s.CGIPass, over.CGIPass)
	out.Redirect = mergeMap(s.Redirect, over.Redirect)
	out.Alias = mergeMap(s.Alias, over.Alias)
	return out
}

func mergeMap[K comparable, V any](base, over map[K]V) map[K]V {
	if len(over) == 0 {
		return base
	}
	out := make(map[K]V, len(base)+len(over))
	maps.Copy(out, base)
	maps.Copy(out, over)
	return out
}

// BodyLimit returns the effective body limit in bytes; -1 means unlimited.
func (s Settings) BodyLimit() int64 {
	if s.ClientMaxBodySize == nil {
		return int64(DefaultMaxBodySize)
	}
	if *s.ClientMaxBodySize == 0 {
		return -1
	}
	return int64(*s.ClientMaxBodySize)
}

// AutoindexEnabled reports whether directory listings are on.
func (s Settings) AutoindexEnabled() bool {
	return s.Autoindex != nil && *s.Autoindex
}

// Allows reports whether method is permitted. HEAD is implied by GET.
func (s Settings) Allows(method string) bool {
	methods := s.AllowMethods
	if len(methods) == 0 {
		methods = DefaultMethods
	}
	for _, m := range methods {
		if m == method || (method == "HEAD" && m == "GET") {
			return true
		}
	}
	return false
}

// Methods returns the allowed methods in the order configured.
func (s Settings) Methods() []string {
	if len(s.AllowMethods) == 0 {
		return slices.Clone(DefaultMethods)
	}
	return slices.Clone(s.AllowMethods)
}

// IsPattern reports whether the location path is a glob pattern.
func (l *Location) IsPattern() bool {
	return strings.ContainsAny(l.Path, "*?[{")
}

// Name returns the first server name, or the listen address for unnamed hosts.
func (v *VirtualHost) Name() string {
	if len(v.ServerName) > 0 {
		return v.ServerName[0]
	}
	return v.Address
}

// HasName reports whether host (without port) matches one of the server names.
func (v *VirtualHost) HasName(host string) bool {
	for _, n := range v.ServerName {
		if strings.EqualFold(n, host) {
			return true
		}
	}
	return false
}

// Socket is one unique (address, port) pair and the hosts sharing it, in
// declaration order. The first host is the default for the socket.
type Socket struct {
	Address string
	Port    int
	Hosts   []*VirtualHost
}

// Sockets groups the virtual hosts by listen address, in first-seen order.
func (c *Config) Sockets() []Socket {
	var out []Socket
	index := make(map[string]int)
	for _, vh := range c.Servers {
		key := fmt.Sprintf("%s|%d", vh.Address, vh.Port)
		i, ok := index[key]
		if !ok {
			i = len(out)
			index[key] = i
			out = append(out, Socket{Address: vh.Address, Port: vh.Port})
		}
		out[i].Hosts = append(out[i].Hosts, vh)
	}
	return out
}

// Status returns the effective status policy.
func (c *Config) Status() StatusPolicy {
	return c.StatusPolicy.withDefaults()
}
