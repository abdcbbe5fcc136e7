package router

import (
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/muurk/webserv/internal/config"
)

// Mode is how a routed request is served.
type Mode int

const (
	ModeStatic Mode = iota
	ModeDirectory
	ModeRedirect
	ModeCGI
	ModeUpload
	ModeDelete
)

func (m Mode) String() string {
	switch m {
	case ModeStatic:
		return "static"
	case ModeDirectory:
		return "directory"
	case ModeRedirect:
		return "redirect"
	case ModeCGI:
		return "cgi"
	case ModeUpload:
		return "upload"
	case ModeDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Route is the outcome of matching one request against a listener's hosts.
// Select fills the host, location and effective settings; Resolve fills the
// serving decision.
type Route struct {
	Host     *config.VirtualHost
	Location *config.Location // nil when no location matched
	Settings config.Settings  // host settings with the location applied

	Mode        Mode
	Path        string // request path the decision was made for
	FilePath    string // file to serve, store, delete or execute
	Redirect    config.Redirect
	Interpreter string // CGI interpreter for ModeCGI
	ScriptName  string // URI path of the CGI script
	PathInfo    string // request path after ScriptName
	Exists      bool   // ModeUpload: FilePath already existed
}

// BodyLimit is the effective client_max_body_size; -1 means unlimited.
func (r *Route) BodyLimit() int64 {
	return r.Settings.BodyLimit()
}

// Router routes requests for the virtual hosts sharing one socket.
type Router struct {
	hosts  []*config.VirtualHost
	policy config.StatusPolicy
}

// New returns a router over hosts. hosts[0] is the socket's default host.
func New(hosts []*config.VirtualHost, policy config.StatusPolicy) *Router {
	return &Router{hosts: hosts, policy: policy}
}

// Hosts returns the hosts in declaration order.
func (r *Router) Hosts() []*config.VirtualHost {
	return r.hosts
}

// SelectHost matches host (port already stripped) against server names,
// falling back to the first host on the socket.
func (r *Router) SelectHost(host string) *config.VirtualHost {
	for _, vh := range r.hosts {
		if vh.HasName(host) {
			return vh
		}
	}
	return r.hosts[0]
}

// Select picks the virtual host and location for a request and computes the
// effective settings. It does not touch the filesystem.
func (r *Router) Select(host, reqPath string) *Route {
	vh := r.SelectHost(host)
	loc := Match(vh, reqPath)
	settings := vh.Settings
	if loc != nil {
		settings = settings.Merge(loc.Settings)
	}
	return &Route{Host: vh, Location: loc, Settings: settings, Path: reqPath}
}

// Match returns the location that applies to reqPath, or nil. Pattern
// locations win in declaration order; otherwise the longest prefix wins.
func Match(vh *config.VirtualHost, reqPath string) *config.Location {
	for _, loc := range vh.Locations {
		if loc.IsPattern() {
			if ok, _ := doublestar.Match(loc.Path, reqPath); ok {
				return loc
			}
		}
	}

	var best *config.Location
	for _, loc := range vh.Locations {
		if loc.IsPattern() || !hasPathPrefix(reqPath, loc.Path) {
			continue
		}
		if best == nil || len(strings.TrimSuffix(loc.Path, "/")) > len(strings.TrimSuffix(best.Path, "/")) {
			best = loc
		}
	}
	return best
}

// hasPathPrefix is a segment-aware prefix test: "/img" matches "/img" and
// "/img/a" but not "/images".
func hasPathPrefix(p, prefix string) bool {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return true
	}
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}

// Translate maps a request path to the filesystem. The longest matching alias
// prefix replaces its part of the path; without one the path is joined to root.
func Translate(s config.Settings, reqPath string) string {
	bestPrefix, bestDir := "", ""
	for prefix, dir := range s.Alias {
		if hasPathPrefix(reqPath, prefix) && len(prefix) > len(bestPrefix) {
			bestPrefix, bestDir = prefix, dir
		}
	}
	if bestPrefix != "" {
		rest := strings.TrimPrefix(reqPath, strings.TrimSuffix(bestPrefix, "/"))
		return filepath.Join(bestDir, filepath.FromSlash(rest))
	}
	return filepath.Join(s.Root, filepath.FromSlash(reqPath))
}

// Resolve decides how rt is served for method. Failures come back as
// *RouteError carrying the status to answer with.
func (r *Router) Resolve(rt *Route, method string) error {
	s := rt.Settings
	if !s.Allows(method) {
		return &RouteError{
			Status:    r.policy.MethodNotAllowed,
			Message:   "method " + method + " is not allowed",
			Retryable: false,
			Allow:     allowList(s.Methods()),
		}
	}

	if red, ok := s.Redirect[rt.Path]; ok {
		rt.Mode = ModeRedirect
		rt.Redirect = red
		return nil
	}

	rt.FilePath = Translate(s, rt.Path)
	switch method {
	case "DELETE":
		return r.resolveDelete(rt)
	case "POST", "PUT":
		return r.resolveWrite(rt)
	default:
		return r.resolveRead(rt)
	}
}

func (r *Router) resolveRead(rt *Route) error {
	info, err := os.Stat(rt.FilePath)
	if err != nil {
		if errors.Is(err, syscall.ENOTDIR) && r.splitScript(rt) {
			return nil
		}
		return statError(err, rt.Path)
	}

	if info.IsDir() {
		if !strings.HasSuffix(rt.Path, "/") {
			rt.Mode = ModeRedirect
			rt.Redirect = config.Redirect{Target: rt.Path + "/", Status: 301}
			return nil
		}
		index := filepath.Join(rt.FilePath, rt.Settings.Index)
		if fi, err := os.Stat(index); err == nil && fi.Mode().IsRegular() {
			rt.FilePath = index
			rt.ScriptName = path.Join(rt.Path, rt.Settings.Index)
			if r.setCGI(rt) {
				return nil
			}
			rt.Mode = ModeStatic
			return nil
		}
		if rt.Settings.AutoindexEnabled() {
			rt.Mode = ModeDirectory
			return nil
		}
		return &RouteError{Status: r.policy.DirectoryForbidden, Message: "directory listing is disabled"}
	}

	if !info.Mode().IsRegular() {
		return &RouteError{Status: 403, Message: "not a regular file"}
	}
	rt.ScriptName = rt.Path
	if r.setCGI(rt) {
		return nil
	}
	rt.Mode = ModeStatic
	return nil
}

func (r *Router) resolveWrite(rt *Route) error {
	info, err := os.Stat(rt.FilePath)
	switch {
	case err == nil && info.IsDir():
		return &RouteError{Status: r.policy.DirectoryForbidden, Message: "cannot store a body over a directory"}
	case err == nil:
		rt.ScriptName = rt.Path
		if r.setCGI(rt) {
			return nil
		}
		if !info.Mode().IsRegular() {
			return &RouteError{Status: 403, Message: "not a regular file"}
		}
		rt.Exists = true
	case errors.Is(err, syscall.ENOTDIR) && r.splitScript(rt):
		return nil
	case !errors.Is(err, fs.ErrNotExist):
		return statError(err, rt.Path)
	}

	if strings.HasSuffix(rt.Path, "/") {
		return &RouteError{Status: r.policy.DirectoryForbidden, Message: "cannot store a body over a directory"}
	}
	dir, err := os.Stat(filepath.Dir(rt.FilePath))
	if err != nil {
		return statError(err, rt.Path)
	}
	if !dir.IsDir() {
		return &RouteError{Status: 404, Message: "parent is not a directory"}
	}
	rt.Mode = ModeUpload
	return nil
}

func (r *Router) resolveDelete(rt *Route) error {
	info, err := os.Lstat(rt.FilePath)
	if err != nil {
		return statError(err, rt.Path)
	}
	if info.IsDir() {
		return &RouteError{Status: r.policy.DirectoryForbidden, Message: "refusing to delete a directory"}
	}
	rt.Mode = ModeDelete
	return nil
}

func (r *Router) setCGI(rt *Route) bool {
	interp, ok := rt.Settings.CGIPass[filepath.Ext(rt.FilePath)]
	if !ok {
		return false
	}
	rt.Mode = ModeCGI
	rt.Interpreter = interp
	return true
}

// splitScript handles paths that continue past a CGI script, such as
// /cgi/run.sh/extra. The leading segments naming the script become
// ScriptName and the remainder PathInfo.
func (r *Router) splitScript(rt *Route) bool {
	for i := 1; i < len(rt.Path); i++ {
		if rt.Path[i] != '/' {
			continue
		}
		prefix := rt.Path[:i]
		file := Translate(rt.Settings, prefix)
		info, err := os.Stat(file)
		if err != nil || info.IsDir() {
			continue
		}
		if !info.Mode().IsRegular() {
			return false
		}
		rt.FilePath = file
		if !r.setCGI(rt) {
			return false
		}
		rt.ScriptName = prefix
		rt.PathInfo = rt.Path[i:]
		return true
	}
	return false
}

func statError(err error, reqPath string) error {
	switch {
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, syscall.ENOTDIR):
		return &RouteError{Status: 404, Message: reqPath + " not found", Err: err}
	case errors.Is(err, fs.ErrPermission):
		return &RouteError{Status: 403, Message: "permission denied", Err: err}
	default:
		return &RouteError{Status: 500, Message: "cannot access " + reqPath, Retryable: true, Err: err}
	}
}

// allowList adds the implied HEAD to a method list.
func allowList(methods []string) []string {
	hasGet, hasHead := false, false
	for _, m := range methods {
		hasGet = hasGet || m == "GET"
		hasHead = hasHead || m == "HEAD"
	}
	if hasGet && !hasHead {
		methods = append(methods, "HEAD")
	}
	return methods
}

// ErrorPagePath returns the configured error page file for status.
func ErrorPagePath(s config.Settings, status int) (string, bool) {
	page, ok := s.ErrorPage[status]
	if !ok {
		return "", false
	}
	return filepath.Join(s.Root, filepath.FromSlash(page)), true
}
