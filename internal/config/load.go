package config

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// ErrNoServers is returned when the file declares no virtual hosts.
var ErrNoServers = errors.New("configuration declares no servers")

// Load reads, parses and validates the configuration file at path.
// Relative roots and aliases are resolved against the file's directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}

	cfg, err := Parse(data, filepath.Dir(abs))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML data and validates it. baseDir anchors relative paths.
func Parse(data []byte, baseDir string) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.normalize(baseDir); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize(baseDir string) error {
	if len(c.Servers) == 0 {
		return ErrNoServers
	}

	for i, vh := range c.Servers {
		if vh == nil {
			return fmt.Errorf("servers[%d]: empty server block", i)
		}
		if err := vh.normalize(baseDir); err != nil {
			return fmt.Errorf("servers[%d] (%s): %w", i, vh.Listen, err)
		}
	}

	if err := validatePolicy(c.StatusPolicy); err != nil {
		return fmt.Errorf("status_policy: %w", err)
	}

	return c.checkDuplicateNames()
}

func (v *VirtualHost) normalize(baseDir string) error {
	if v.Listen == "" {
		v.Listen = DefaultListen
	}
	addr, port, err := ParseListen(v.Listen)
	if err != nil {
		return err
	}
	v.Address, v.Port = addr, port

	if v.Root == "" {
		return errors.New("root is required")
	}
	if v.Index == "" {
		v.Index = DefaultIndex
	}
	if len(v.AllowMethods) == 0 {
		v.AllowMethods = slices.Clone(DefaultMethods)
	}
	if v.ClientMaxBodySize == nil {
		size := DefaultMaxBodySize
		v.ClientMaxBodySize = &size
	}

	if err := v.Settings.normalize(baseDir); err != nil {
		return err
	}

	for i, loc := range v.Locations {
		if loc == nil {
			return fmt.Errorf("location[%d]: empty location block", i)
		}
		if !strings.HasPrefix(loc.Path, "/") {
			return fmt.Errorf("location[%d]: path %q must start with /", i, loc.Path)
		}
		if loc.IsPattern() && !doublestar.ValidatePattern(loc.Path) {
			return fmt.Errorf("location[%d]: invalid pattern %q", i, loc.Path)
		}
		if err := loc.Settings.normalize(baseDir); err != nil {
			return fmt.Errorf("location %s: %w", loc.Path, err)
		}
	}
	return nil
}

func (s *Settings) normalize(baseDir string) error {
	if s.Root != "" {
		s.Root = anchor(baseDir, s.Root)
	}

	for i, m := range s.AllowMethods {
		m = strings.ToUpper(strings.TrimSpace(m))
		if !slices.Contains(KnownMethods, m) {
			return fmt.Errorf("allow_methods: unsupported method %q", m)
		}
		s.AllowMethods[i] = m
	}

	for code, page := range s.ErrorPage {
		if code < 300 || code > 599 {
			return fmt.Errorf("error_page: status %d out of range", code)
		}
		if !strings.HasPrefix(page, "/") {
			return fmt.Errorf("error_page %d: %q must start with /", code, page)
		}
	}

	for ext, interp := range s.CGIPass {
		if !strings.HasPrefix(ext, ".") || len(ext) < 2 {
			return fmt.Errorf("cgi_pass: extension %q must look like .ext", ext)
		}
		if interp == "" {
			return fmt.Errorf("cgi_pass %s: interpreter is empty", ext)
		}
	}

	for from, r := range s.Redirect {
		if !strings.HasPrefix(from, "/") {
			return fmt.Errorf("redirect: path %q must start with /", from)
		}
		if r.Target == "" {
			return fmt.Errorf("redirect %s: target is empty", from)
		}
		switch r.Status {
		case 301, 302, 303, 307, 308:
		default:
			return fmt.Errorf("redirect %s: status %d is not a redirect", from, r.Status)
		}
	}

	for prefix, dir := range s.Alias {
		if !strings.HasPrefix(prefix, "/") {
			return fmt.Errorf("alias: prefix %q must start with /", prefix)
		}
		if dir == "" {
			return fmt.Errorf("alias %s: path is empty", prefix)
		}
		s.Alias[prefix] = anchor(baseDir, dir)
	}
	return nil
}

// anchor makes p absolute relative to baseDir, preserving a trailing slash.
func anchor(baseDir, p string) string {
	trailing := strings.HasSuffix(p, "/")
	if !filepath.IsAbs(p) && baseDir != "" {
		p = filepath.Join(baseDir, p)
	}
	p = filepath.Clean(p)
	if trailing && !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// ParseListen splits a listen directive into address and port.
// A bare port listens on all IPv4 interfaces.
func ParseListen(listen string) (string, int, error) {
	listen = strings.TrimSpace(listen)
	host, portStr := "", listen
	if strings.Contains(listen, ":") {
		var err error
		host, portStr, err = net.SplitHostPort(listen)
		if err != nil {
			return "", 0, fmt.Errorf("listen %q: %w", listen, err)
		}
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return "", 0, fmt.Errorf("listen %q: invalid port", listen)
	}

	switch host {
	case "", "*":
		host = "0.0.0.0"
	case "localhost":
		host = "127.0.0.1"
	}
	if net.ParseIP(host) == nil {
		return "", 0, fmt.Errorf("listen %q: %q is not an IP address", listen, host)
	}
	return host, port, nil
}

func validatePolicy(p StatusPolicy) error {
	checks := map[string]int{
		"method_not_allowed":  p.MethodNotAllowed,
		"payload_too_large":   p.PayloadTooLarge,
		"directory_forbidden": p.DirectoryForbidden,
		"cgi_failure":         p.CGIFailure,
		"cgi_timeout":         p.CGITimeout,
	}
	for name, code := range checks {
		if code != 0 && (code < 400 || code > 599) {
			return fmt.Errorf("%s: %d is not an error status", name, code)
		}
	}
	return nil
}

func (c *Config) checkDuplicateNames() error {
	for _, sock := range c.Sockets() {
		seen := make(map[string]bool)
		for _, vh := range sock.Hosts {
			for _, name := range vh.ServerName {
				key := strings.ToLower(name)
				if seen[key] {
					return fmt.Errorf("server_name %q declared twice on %s:%d", name, sock.Address, sock.Port)
				}
				seen[key] = true
			}
		}
	}
	return nil
}
