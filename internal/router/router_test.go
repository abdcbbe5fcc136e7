package router

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/muurk/webserv/internal/config"
)

const routerConfig = `
servers:
  - listen: 127.0.0.1:8080
    server_name: [default.test]
    root: www
    allow_methods: [GET, POST, DELETE]
    cgi_pass: {.py: /usr/bin/python3}
    redirect: {/old: /new}
    alias: {/static/: assets/, /static/deep/: deep/}
    error_page: {404: /errors/404.html}
    location:
      - path: /upload
        allow_methods: [POST]
        client_max_body_size: 10
      - path: /upload/big
        client_max_body_size: 0
      - path: /listing/
        autoindex: true
      - path: "/**/*.php"
        cgi_pass: {.php: /usr/bin/php-cgi}
  - listen: 127.0.0.1:8080
    server_name: [other.test]
    root: other
`

func newRouter(t *testing.T) (*Router, string) {
	t.Helper()
	base := t.TempDir()

	files := map[string]string{
		"www/index.html":          "home",
		"www/page.txt":            "text",
		"www/run.py":              "print()",
		"www/app/index.php":       "<?php",
		"www/listing/a.txt":       "a",
		"www/noindex/b.txt":       "b",
		"www/pyindex/index.html":  "x",
		"www/upload/existing.txt": "old",
		"assets/logo.png":         "png",
		"deep/x.css":              "css",
		"other/index.html":        "other",
	}
	for name, body := range files {
		p := filepath.Join(base, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	cfg, err := config.Parse([]byte(routerConfig), base)
	if err != nil {
		t.Fatalf("config.Parse() error = %v", err)
	}
	socks := cfg.Sockets()
	if len(socks) != 1 {
		t.Fatalf("len(Sockets()) = %d, want 1", len(socks))
	}
	return New(socks[0].Hosts, cfg.Status()), base
}

func TestSelectHost(t *testing.T) {
	r, _ := newRouter(t)

	tests := []struct {
		host string
		want string
	}{
		{"default.test", "default.test"},
		{"other.test", "other.test"},
		{"OTHER.TEST", "other.test"},
		{"unknown.test", "default.test"},
		{"", "default.test"},
	}
	for _, tt := range tests {
		if got := r.SelectHost(tt.host).Name(); got != tt.want {
			t.Errorf("SelectHost(%q) = %s, want %s", tt.host, got, tt.want)
		}
	}
}

func TestMatch(t *testing.T) {
	r, _ := newRouter(t)
	vh := r.Hosts()[0]

	tests := []struct {
		path string
		want string
	}{
		{"/upload", "/upload"},
		{"/upload/file", "/upload"},
		{"/uploads", ""},
		{"/upload/big/x", "/upload/big"},
		{"/listing/", "/listing/"},
		{"/listing", "/listing/"},
		{"/app/index.php", "/**/*.php"},
		{"/upload/a.php", "/**/*.php"},
		{"/", ""},
	}
	for _, tt := range tests {
		loc := Match(vh, tt.path)
		got := ""
		if loc != nil {
			got = loc.Path
		}
		if got != tt.want {
			t.Errorf("Match(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestSelectBodyLimit(t *testing.T) {
	r, _ := newRouter(t)

	tests := []struct {
		path string
		want int64
	}{
		{"/", int64(config.DefaultMaxBodySize)},
		{"/upload", 10},
		{"/upload/big/file", -1},
	}
	for _, tt := range tests {
		if got := r.Select("default.test", tt.path).BodyLimit(); got != tt.want {
			t.Errorf("BodyLimit(%q) = %d, want %d", tt.path, got, tt.want)
		}
	}
}

func TestResolve(t *testing.T) {
	r, base := newRouter(t)
	www := filepath.Join(base, "www")

	tests := []struct {
		name     string
		host     string
		method   string
		path     string
		mode     Mode
		filePath string
		interp   string
	}{
		{"index", "default.test", "GET", "/", ModeStatic, filepath.Join(www, "index.html"), ""},
		{"static", "default.test", "GET", "/page.txt", ModeStatic, filepath.Join(www, "page.txt"), ""},
		{"head implied by get", "default.test", "HEAD", "/page.txt", ModeStatic, filepath.Join(www, "page.txt"), ""},
		{"cgi", "default.test", "GET", "/run.py", ModeCGI, filepath.Join(www, "run.py"), "/usr/bin/python3"},
		{"cgi post", "default.test", "POST", "/run.py", ModeCGI, filepath.Join(www, "run.py"), "/usr/bin/python3"},
		{"glob location cgi", "default.test", "GET", "/app/index.php", ModeCGI, filepath.Join(www, "app", "index.php"), "/usr/bin/php-cgi"},
		{"autoindex", "default.test", "GET", "/listing/", ModeDirectory, filepath.Join(www, "listing"), ""},
		{"redirect", "default.test", "GET", "/old", ModeRedirect, "", ""},
		{"directory slash redirect", "default.test", "GET", "/listing", ModeRedirect, filepath.Join(www, "listing"), ""},
		{"alias", "default.test", "GET", "/static/logo.png", ModeStatic, filepath.Join(base, "assets", "logo.png"), ""},
		{"longest alias", "default.test", "GET", "/static/deep/x.css", ModeStatic, filepath.Join(base, "deep", "x.css"), ""},
		{"upload new", "default.test", "POST", "/upload/new.txt", ModeUpload, filepath.Join(www, "upload", "new.txt"), ""},
		{"delete", "default.test", "DELETE", "/page.txt", ModeDelete, filepath.Join(www, "page.txt"), ""},
		{"other host", "other.test", "GET", "/", ModeStatic, filepath.Join(base, "other", "index.html"), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := r.Select(tt.host, tt.path)
			if err := r.Resolve(rt, tt.method); err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if rt.Mode != tt.mode {
				t.Errorf("Mode = %v, want %v", rt.Mode, tt.mode)
			}
			if tt.filePath != "" && rt.FilePath != tt.filePath {
				t.Errorf("FilePath = %q, want %q", rt.FilePath, tt.filePath)
			}
			if rt.Interpreter != tt.interp {
				t.Errorf("Interpreter = %q, want %q", rt.Interpreter, tt.interp)
			}
		})
	}
}

func TestResolvePathInfo(t *testing.T) {
	r, base := newRouter(t)

	tests := []struct {
		method     string
		path       string
		scriptName string
		pathInfo   string
	}{
		{"GET", "/run.py", "/run.py", ""},
		{"GET", "/run.py/extra/path", "/run.py", "/extra/path"},
		{"GET", "/run.py/", "/run.py", "/"},
		{"POST", "/run.py/items/7", "/run.py", "/items/7"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rt := r.Select("default.test", tt.path)
			if err := r.Resolve(rt, tt.method); err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if rt.Mode != ModeCGI {
				t.Fatalf("Mode = %v, want cgi", rt.Mode)
			}
			if rt.FilePath != filepath.Join(base, "www", "run.py") {
				t.Errorf("FilePath = %q", rt.FilePath)
			}
			if rt.ScriptName != tt.scriptName || rt.PathInfo != tt.pathInfo {
				t.Errorf("ScriptName, PathInfo = %q, %q, want %q, %q", rt.ScriptName, rt.PathInfo, tt.scriptName, tt.pathInfo)
			}
		})
	}
}

func TestResolveRedirectTargets(t *testing.T) {
	r, _ := newRouter(t)

	rt := r.Select("default.test", "/old")
	if err := r.Resolve(rt, "GET"); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if rt.Redirect.Target != "/new" || rt.Redirect.Status != 301 {
		t.Errorf("Redirect = %+v, want /new 301", rt.Redirect)
	}

	rt = r.Select("default.test", "/listing")
	if err := r.Resolve(rt, "GET"); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if rt.Redirect.Target != "/listing/" {
		t.Errorf("Redirect.Target = %q, want /listing/", rt.Redirect.Target)
	}
}

func TestResolveErrors(t *testing.T) {
	r, _ := newRouter(t)

	tests := []struct {
		name   string
		method string
		path   string
		status int
	}{
		{"missing", "GET", "/nope.html", 404},
		{"file as directory", "GET", "/page.txt/x", 404},
		{"no index no autoindex", "GET", "/noindex/", 403},
		{"method not allowed", "PUT", "/page.txt", 405},
		{"location restricts methods", "GET", "/upload/existing.txt", 405},
		{"delete missing", "DELETE", "/gone.txt", 404},
		{"delete directory", "DELETE", "/listing", 403},
		{"upload without parent", "POST", "/upload/missing/dir.txt", 404},
		{"upload over directory", "POST", "/upload/", 403},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := r.Select("default.test", tt.path)
			err := r.Resolve(rt, tt.method)
			if err == nil {
				t.Fatalf("Resolve() error = nil, mode %v", rt.Mode)
			}
			if got := StatusOf(err); got != tt.status {
				t.Errorf("StatusOf(%v) = %d, want %d", err, got, tt.status)
			}
		})
	}
}

func TestMethodNotAllowedIsNotRetryable(t *testing.T) {
	r, _ := newRouter(t)

	rt := r.Select("default.test", "/page.txt")
	err := r.Resolve(rt, "PUT")

	var re *RouteError
	if !errors.As(err, &re) {
		t.Fatalf("Resolve() error = %T, want *RouteError", err)
	}
	if re.Retryable || IsRetryable(err) {
		t.Error("method-not-allowed must not be retryable")
	}
	want := []string{"GET", "POST", "DELETE", "HEAD"}
	if !slices.Equal(re.Allow, want) {
		t.Errorf("Allow = %v, want %v", re.Allow, want)
	}
}

func TestRoutingIsDeterministic(t *testing.T) {
	r, _ := newRouter(t)

	first := r.Select("default.test", "/static/deep/x.css")
	if err := r.Resolve(first, "GET"); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	for i := 0; i < 50; i++ {
		rt := r.Select("default.test", "/static/deep/x.css")
		if err := r.Resolve(rt, "GET"); err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if rt.Mode != first.Mode || rt.FilePath != first.FilePath || rt.Location != first.Location {
			t.Fatalf("iteration %d routed to %v %s, first was %v %s", i, rt.Mode, rt.FilePath, first.Mode, first.FilePath)
		}
	}
}

func TestErrorPagePath(t *testing.T) {
	r, base := newRouter(t)
	s := r.Select("default.test", "/").Settings

	got, ok := ErrorPagePath(s, 404)
	if !ok || got != filepath.Join(base, "www", "errors", "404.html") {
		t.Errorf("ErrorPagePath(404) = %q, %v", got, ok)
	}
	if _, ok := ErrorPagePath(s, 500); ok {
		t.Error("ErrorPagePath(500) should not be configured")
	}
}
