package cgi

import (
	"bytes"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// Output is a child's response split into status, header fields and body.
type Output struct {
	Status int
	Header http.Header
	Body   []byte
}

// ParseOutput splits CGI output at the first blank line. A Status field sets
// the status; a Location without one means 302; otherwise 200.
func ParseOutput(out []byte) (*Output, error) {
	head, body, ok := splitHead(out)
	if !ok {
		return nil, &MalformedOutputError{Reason: "missing header terminator"}
	}

	res := &Output{Status: http.StatusOK, Header: make(http.Header), Body: body}
	hasStatus := false
	for _, line := range strings.Split(string(head), "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			continue
		}
		name, value, found := strings.Cut(line, ":")
		if !found || !httpguts.ValidHeaderFieldName(name) {
			return nil, &MalformedOutputError{Reason: "bad header line " + strconv.Quote(line)}
		}
		value = strings.TrimSpace(value)
		if !httpguts.ValidHeaderFieldValue(value) {
			return nil, &MalformedOutputError{Reason: "bad value for " + name}
		}

		if http.CanonicalHeaderKey(name) == "Status" {
			code, _, _ := strings.Cut(value, " ")
			n, err := strconv.Atoi(code)
			if err != nil || n < 200 || n > 599 {
				return nil, &MalformedOutputError{Reason: "bad status " + strconv.Quote(value)}
			}
			res.Status = n
			hasStatus = true
			continue
		}
		res.Header.Add(name, value)
	}

	if !hasStatus && res.Header.Get("Location") != "" {
		res.Status = http.StatusFound
	}
	if res.Header.Get("Content-Type") == "" && len(res.Body) > 0 {
		res.Header.Set("Content-Type", "text/html")
	}
	// Framing is recomputed by the server.
	res.Header.Del("Content-Length")
	res.Header.Del("Transfer-Encoding")
	res.Header.Del("Connection")
	return res, nil
}

func splitHead(out []byte) (head, body []byte, ok bool) {
	crlf := bytes.Index(out, []byte("\r\n\r\n"))
	lf := bytes.Index(out, []byte("\n\n"))
	switch {
	case crlf >= 0 && (lf < 0 || crlf < lf):
		return out[:crlf], out[crlf+4:], true
	case lf >= 0:
		return out[:lf], out[lf+2:], true
	}
	return nil, nil, false
}
