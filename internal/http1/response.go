package http1

import (
	"html"
	"net/http"
	"slices"
	"strconv"
	"time"
)

// Response is a status line, header set and either an in-memory body or a
// declared length for a body streamed separately.
type Response struct {
	Status int
	Header http.Header
	Body   []byte

	// ContentLength overrides len(Body) when non-negative, for bodies the
	// caller writes after the head (file streaming).
	ContentLength int64
}

// NewResponse returns an empty response with the given status.
func NewResponse(status int) *Response {
	return &Response{Status: status, Header: make(http.Header), ContentLength: -1}
}

// SetBody replaces the body and its Content-Type.
func (r *Response) SetBody(contentType string, body []byte) {
	r.Body = body
	r.ContentLength = -1
	if contentType != "" {
		r.Header.Set("Content-Type", contentType)
	}
}

// Length is the value sent as Content-Length.
func (r *Response) Length() int64 {
	if r.ContentLength >= 0 {
		return r.ContentLength
	}
	return int64(len(r.Body))
}

// AppendHead appends the serialized status line and headers to dst. Framing
// headers (Content-Length, Connection, Date) are owned by this method and
// override any caller-supplied values.
func (r *Response) AppendHead(dst []byte, keepAlive bool, now time.Time) []byte {
	dst = append(dst, "HTTP/1.1 "...)
	dst = strconv.AppendInt(dst, int64(r.Status), 10)
	dst = append(dst, ' ')
	dst = append(dst, StatusText(r.Status)...)
	dst = append(dst, "\r\n"...)

	h := r.Header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	h.Set("Date", now.UTC().Format(http.TimeFormat))
	if bodyAllowed(r.Status) {
		h.Set("Content-Length", strconv.FormatInt(r.Length(), 10))
	} else {
		h.Del("Content-Length")
	}
	if keepAlive {
		h.Set("Connection", "keep-alive")
	} else {
		h.Set("Connection", "close")
	}

	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		for _, v := range h[k] {
			dst = append(dst, k...)
			dst = append(dst, ": "...)
			dst = append(dst, v...)
			dst = append(dst, "\r\n"...)
		}
	}
	return append(dst, "\r\n"...)
}

// BodyAllowed reports whether the response status may carry a body.
func (r *Response) BodyAllowed() bool {
	return bodyAllowed(r.Status)
}

// bodyAllowed reports whether a status may carry a message body.
func bodyAllowed(status int) bool {
	return status >= 200 && status != http.StatusNoContent && status != http.StatusNotModified
}

// StatusText returns the reason phrase for a status code.
func StatusText(status int) string {
	if s := http.StatusText(status); s != "" {
		return s
	}
	return "Status " + strconv.Itoa(status)
}

// ErrorPage renders the built-in HTML body for a status.
func ErrorPage(status int, detail, software string) []byte {
	title := strconv.Itoa(status) + " " + html.EscapeString(StatusText(status))
	b := make([]byte, 0, 256)
	b = append(b, "<!DOCTYPE html>\n<html><head><title>"...)
	b = append(b, title...)
	b = append(b, "</title></head>\n<body>\n<h1>"...)
	b = append(b, title...)
	b = append(b, "</h1>\n"...)
	if detail != "" {
		b = append(b, "<p>"...)
		b = append(b, html.EscapeString(detail)...)
		b = append(b, "</p>\n"...)
	}
	b = append(b, "<hr><address>"...)
	b = append(b, html.EscapeString(software)...)
	b = append(b, "</address>\n</body></html>\n"...)
	return b
}
