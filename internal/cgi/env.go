package cgi

import (
	"net/http"
	"slices"
	"strconv"
	"strings"
)

// Request carries what a CGI child needs to know about the client request.
type Request struct {
	Interpreter    string
	ScriptFilename string // absolute path of the script on disk
	ScriptName     string // URI path of the script
	DocumentRoot   string

	Method     string
	URI        string // request-target as received
	PathInfo   string // decoded request path after ScriptName
	Query      string
	Proto      string
	Header     http.Header
	Body       []byte
	ServerName string
	ServerPort int
	RemoteAddr string
	RemotePort int

	ServerSoftware string
}

// Env builds the CGI/1.1 environment for r. Request headers are exported as
// HTTP_* in sorted order so the environment is deterministic.
func Env(r *Request, path string) []string {
	contentLength := ""
	if len(r.Body) > 0 {
		contentLength = strconv.Itoa(len(r.Body))
	}

	env := []string{
		"GATEWAY_INTERFACE=CGI/1.1",
		"SERVER_SOFTWARE=" + r.ServerSoftware,
		"SERVER_PROTOCOL=" + r.Proto,
		"SERVER_NAME=" + r.ServerName,
		"SERVER_PORT=" + strconv.Itoa(r.ServerPort),
		"REQUEST_METHOD=" + r.Method,
		"REQUEST_URI=" + r.URI,
		"SCRIPT_NAME=" + r.ScriptName,
		"SCRIPT_FILENAME=" + r.ScriptFilename,
		"PATH_INFO=" + r.PathInfo,
		"QUERY_STRING=" + r.Query,
		"DOCUMENT_ROOT=" + r.DocumentRoot,
		"CONTENT_LENGTH=" + contentLength,
		"CONTENT_TYPE=" + r.Header.Get("Content-Type"),
		"REMOTE_ADDR=" + r.RemoteAddr,
		"REMOTE_PORT=" + strconv.Itoa(r.RemotePort),
		"REDIRECT_STATUS=200",
		"PATH=" + path,
	}

	names := make([]string, 0, len(r.Header))
	for name := range r.Header {
		switch name {
		case "Content-Type", "Content-Length", "Proxy":
			continue
		}
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		key := "HTTP_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		env = append(env, key+"="+strings.Join(r.Header[name], ", "))
	}
	return env
}
