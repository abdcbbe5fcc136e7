//go:build linux

package server

import (
	"errors"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/muurk/webserv/internal/cgi"
	"github.com/muurk/webserv/internal/config"
	"github.com/muurk/webserv/internal/http1"
	"github.com/muurk/webserv/internal/logging"
	"github.com/muurk/webserv/internal/router"
	"github.com/muurk/webserv/internal/version"
	"go.uber.org/zap"
)

var serverSoftware = version.ServerSoftware()

// maxErrorPage bounds configured error page files read into memory.
const maxErrorPage = 1 << 20

// serve resolves the current request and produces its response.
func (c *Cluster) serve(cn *conn, now time.Time) {
	rt := cn.route
	if err := cn.ln.router.Resolve(rt, cn.req.Method); err != nil {
		status := router.StatusOf(err)
		if router.IsRetryable(err) {
			logging.Warn("Route failed", zap.String("conn_id", cn.id), zap.Int("status", status), zap.Error(err))
		} else {
			logging.Debug("Route rejected", zap.String("conn_id", cn.id), zap.Int("status", status), zap.Error(err))
		}
		var allow []string
		var re *router.RouteError
		if errors.As(err, &re) {
			allow = re.Allow
		}
		c.respondError(cn, status, allow, now)
		return
	}

	switch rt.Mode {
	case router.ModeRedirect:
		c.serveRedirect(cn, rt.Redirect, now)
	case router.ModeStatic:
		c.serveStatic(cn, now)
	case router.ModeDirectory:
		c.serveDirectory(cn, now)
	case router.ModeCGI:
		c.startCGI(cn, now)
	case router.ModeUpload:
		c.serveUpload(cn, now)
	case router.ModeDelete:
		c.serveDelete(cn, now)
	}
}

// respondError sends status with the host's error page when one is
// configured and readable, otherwise a generated page.
func (c *Cluster) respondError(cn *conn, status int, allow []string, now time.Time) {
	resp := http1.NewResponse(status)
	if len(allow) > 0 {
		resp.Header.Set("Allow", strings.Join(allow, ", "))
	}

	if body, ctype, ok := c.errorPage(cn, status); ok {
		resp.SetBody(ctype, body)
	} else {
		resp.SetBody("text/html; charset=utf-8", http1.ErrorPage(status, "", serverSoftware))
	}
	c.queue(cn, resp, nil, "error", now)
}

func (c *Cluster) errorPage(cn *conn, status int) ([]byte, string, bool) {
	var settings config.Settings
	switch {
	case cn.route != nil:
		settings = cn.route.Settings
	case cn.req != nil:
		settings = cn.ln.router.SelectHost(cn.req.Host).Settings
	default:
		settings = cn.ln.Hosts()[0].Settings
	}

	path, ok := router.ErrorPagePath(settings, status)
	if !ok {
		return nil, "", false
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() || info.Size() > maxErrorPage {
		logging.Debug("Configured error page unavailable", zap.String("path", path), zap.Error(err))
		return nil, "", false
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, "", false
	}
	return body, contentType(path), true
}

func (c *Cluster) serveRedirect(cn *conn, red config.Redirect, now time.Time) {
	resp := http1.NewResponse(red.Status)
	resp.Header.Set("Location", red.Target)
	resp.SetBody("text/html; charset=utf-8", http1.ErrorPage(red.Status, "", serverSoftware))
	c.queue(cn, resp, nil, "redirect", now)
}

func (c *Cluster) serveStatic(cn *conn, now time.Time) {
	f, err := os.Open(cn.route.FilePath)
	if err != nil {
		c.respondError(cn, fsStatus(err), nil, now)
		return
	}
	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		f.Close()
		c.respondError(cn, http.StatusForbidden, nil, now)
		return
	}

	resp := http1.NewResponse(http.StatusOK)
	resp.Header.Set("Content-Type", contentType(cn.route.FilePath))
	resp.Header.Set("Last-Modified", info.ModTime().UTC().Format(http.TimeFormat))
	resp.ContentLength = info.Size()
	c.queue(cn, resp, f, "static", now)
}

func (c *Cluster) serveDirectory(cn *conn, now time.Time) {
	body, err := renderIndex(cn.req.Path, cn.route.FilePath)
	if err != nil {
		c.respondError(cn, fsStatus(err), nil, now)
		return
	}
	resp := http1.NewResponse(http.StatusOK)
	resp.SetBody("text/html; charset=utf-8", body)
	c.queue(cn, resp, nil, "directory", now)
}

func (c *Cluster) serveUpload(cn *conn, now time.Time) {
	path := cn.route.FilePath
	if err := os.WriteFile(path, cn.req.Body, 0o644); err != nil {
		logging.Warn("Failed to store upload", zap.String("conn_id", cn.id), zap.String("path", path), zap.Error(err))
		c.respondError(cn, fsStatus(err), nil, now)
		return
	}

	status := http.StatusCreated
	if cn.route.Exists {
		status = http.StatusOK
	}
	resp := http1.NewResponse(status)
	if status == http.StatusCreated {
		resp.Header.Set("Location", cn.req.Path)
	}
	resp.SetBody("text/plain; charset=utf-8", []byte("stored "+strconv.Itoa(len(cn.req.Body))+" bytes\n"))
	c.queue(cn, resp, nil, "upload", now)
}

func (c *Cluster) serveDelete(cn *conn, now time.Time) {
	if err := os.Remove(cn.route.FilePath); err != nil {
		c.respondError(cn, fsStatus(err), nil, now)
		return
	}
	c.queue(cn, http1.NewResponse(http.StatusNoContent), nil, "delete", now)
}

func (c *Cluster) startCGI(cn *conn, now time.Time) {
	rt, req := cn.route, cn.req
	p, err := c.executor.Start(&cgi.Request{
		Interpreter:    rt.Interpreter,
		ScriptFilename: rt.FilePath,
		ScriptName:     rt.ScriptName,
		DocumentRoot:   rt.Settings.Root,
		Method:         req.Method,
		URI:            req.Target,
		PathInfo:       rt.PathInfo,
		Query:          req.RawQuery,
		Proto:          req.Proto,
		Header:         req.Header,
		Body:           req.Body,
		ServerName:     rt.Host.Name(),
		ServerPort:     cn.ln.Port(),
		RemoteAddr:     cn.remoteIP,
		RemotePort:     cn.remotePort,
		ServerSoftware: serverSoftware,
	})
	if err != nil {
		logging.Warn("Failed to start CGI", zap.String("conn_id", cn.id), zap.String("script", rt.FilePath), zap.Error(err))
		c.respondError(cn, c.policy.CGIFailure, nil, now)
		return
	}

	cn.state = stateCGI
	c.startJob(cn, p)
}

// respondCGI answers a connection whose child has been reaped.
func (c *Cluster) respondCGI(cn *conn, job *cgiJob, now time.Time) {
	if job.overflow {
		c.respondError(cn, http.StatusBadGateway, nil, now)
		return
	}
	if err := job.proc.Err(); err != nil {
		var ee *cgi.ExitError
		status := c.policy.CGIFailure
		if errors.As(err, &ee) && ee.TimedOut {
			status = c.policy.CGITimeout
		}
		logging.LogCGI(cn.id, job.proc.Pid, "failed", zap.Error(err))
		c.respondError(cn, status, nil, now)
		return
	}

	out, err := cgi.ParseOutput(job.proc.Output())
	if err != nil {
		logging.LogCGI(cn.id, job.proc.Pid, "bad_output", zap.Error(err))
		c.respondError(cn, http.StatusBadGateway, nil, now)
		return
	}

	resp := http1.NewResponse(out.Status)
	resp.Header = out.Header
	resp.Body = out.Body
	c.queue(cn, resp, nil, "cgi", now)
}

func fsStatus(err error) int {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, fs.ErrPermission):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func contentType(path string) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return "application/octet-stream"
}
