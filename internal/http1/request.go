package http1

import (
	"net"
	"net/http"
	"strings"
)

// Request is one parsed request head plus its decoded body.
type Request struct {
	Method     string
	Target     string // request-target exactly as received
	Path       string // percent-decoded, cleaned, always starts with "/"
	RawQuery   string
	Proto      string // "HTTP/1.0" or "HTTP/1.1"
	ProtoMinor int
	Header     http.Header
	Host       string // Host header without port, lower-cased

	ContentLength int64 // -1 when the request did not declare one
	Chunked       bool
	Body          []byte
}

// HasBody reports whether framing announces a body.
func (r *Request) HasBody() bool {
	return r.Chunked || r.ContentLength > 0
}

// KeepAlive reports whether the client allows the connection to be reused.
// HTTP/1.1 defaults to persistent, HTTP/1.0 must opt in.
func (r *Request) KeepAlive() bool {
	conn := strings.ToLower(r.Header.Get("Connection"))
	if r.ProtoMinor >= 1 {
		return !hasToken(conn, "close")
	}
	return hasToken(conn, "keep-alive")
}

func hasToken(list, token string) bool {
	for _, t := range strings.Split(list, ",") {
		if strings.TrimSpace(t) == token {
			return true
		}
	}
	return false
}

// stripPort removes an optional ":port" from a Host header value.
func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return strings.Trim(host, "[]")
}
