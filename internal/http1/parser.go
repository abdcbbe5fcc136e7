package http1

import (
	"bytes"
	"errors"
	"math"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// Size limits enforced while parsing a request head.
const (
	MaxRequestLine = 8 << 10
	MaxHeadBytes   = 32 << 10
	maxChunkLine   = 4 << 10
)

// Stage is the parser's position within the current request.
type Stage int

const (
	StageRequestLine Stage = iota
	StageHeaders
	StageBody
	StageDone
)

func (s Stage) String() string {
	switch s {
	case StageRequestLine:
		return "request-line"
	case StageHeaders:
		return "headers"
	case StageBody:
		return "body"
	case StageDone:
		return "done"
	default:
		return "Stage(" + strconv.Itoa(int(s)) + ")"
	}
}

type chunkPhase int

const (
	chunkSize chunkPhase = iota
	chunkData
	chunkDataEnd
	chunkTrailer
)

// Parser incrementally decodes HTTP/1.x requests from bytes handed to Feed.
// It never blocks: each call consumes what is buffered and reports whether
// more input is needed. Only the unconsumed tail is rescanned.
type Parser struct {
	buf   []byte
	start int // first unconsumed byte
	scan  int // bytes before this offset hold no line terminator
	stage Stage
	req   *Request

	headStart int
	absHost   string

	limit     int64
	remaining int64
	phase     chunkPhase
	chunkLeft int64
}

// NewParser returns a parser positioned at a request line.
func NewParser() *Parser {
	return &Parser{limit: -1}
}

// Feed appends bytes read from the connection.
func (p *Parser) Feed(b []byte) {
	p.buf = append(p.buf, b...)
}

// Buffered returns the number of bytes not yet consumed.
func (p *Parser) Buffered() int {
	return len(p.buf) - p.start
}

// Unread returns the bytes not yet consumed. The slice aliases the
// parser buffer and is only valid until the next Feed.
func (p *Parser) Unread() []byte {
	return p.buf[p.start:]
}

// Stage returns the current parse stage.
func (p *Parser) Stage() Stage {
	return p.stage
}

// SetBodyLimit bounds the decoded body size; negative means unlimited.
func (p *Parser) SetBodyLimit(n int64) {
	p.limit = n
}

// Reset prepares for the next request on the same connection, keeping any
// pipelined bytes that follow the finished request.
func (p *Parser) Reset() {
	n := copy(p.buf, p.buf[p.start:])
	p.buf = p.buf[:n]
	if cap(p.buf) > 64<<10 && n < 4<<10 {
		p.buf = append([]byte(nil), p.buf...)
	}
	*p = Parser{buf: p.buf, limit: -1}
}

// Discard drops everything buffered. Used once the connection is going to
// close and further input cannot be interpreted.
func (p *Parser) Discard() {
	p.buf = p.buf[:0]
	p.start, p.scan = 0, 0
}

func (p *Parser) line() ([]byte, bool) {
	from := max(p.scan, p.start)
	i := bytes.IndexByte(p.buf[from:], '\n')
	if i < 0 {
		p.scan = len(p.buf)
		return nil, false
	}
	end := from + i
	line := p.buf[p.start:end]
	p.start = end + 1
	p.scan = p.start
	return bytes.TrimSuffix(line, []byte{'\r'}), true
}

func (p *Parser) advance(n int) {
	p.start += n
	p.scan = p.start
}

// ParseHead consumes the request line and header block. It returns a nil
// request and nil error while more input is needed.
func (p *Parser) ParseHead() (*Request, error) {
	for p.stage == StageRequestLine {
		line, ok := p.line()
		if !ok {
			if p.Buffered() > MaxRequestLine {
				return nil, protoErr(414, "request line too long")
			}
			return nil, nil
		}
		if len(line) == 0 {
			continue
		}
		if len(line) > MaxRequestLine {
			return nil, protoErr(414, "request line too long")
		}
		req, absHost, err := parseRequestLine(string(line))
		if err != nil {
			return nil, err
		}
		p.req, p.absHost = req, absHost
		p.headStart = p.start
		p.stage = StageHeaders
	}

	for p.stage == StageHeaders {
		line, ok := p.line()
		if !ok {
			if len(p.buf)-p.headStart > MaxHeadBytes {
				return nil, protoErr(431, "request header fields too large")
			}
			return nil, nil
		}
		if p.start-p.headStart > MaxHeadBytes {
			return nil, protoErr(431, "request header fields too large")
		}
		if len(line) == 0 {
			if err := p.finishHead(); err != nil {
				return nil, err
			}
			p.stage = StageBody
			return p.req, nil
		}
		if line[0] == ' ' || line[0] == '\t' {
			return nil, protoErr(400, "obsolete header line folding")
		}
		if err := parseHeaderLine(p.req.Header, string(line)); err != nil {
			return nil, err
		}
	}

	return p.req, nil
}

func (p *Parser) finishHead() error {
	r := p.req

	hosts := r.Header.Values("Host")
	switch {
	case len(hosts) > 1:
		return protoErr(400, "multiple Host headers")
	case p.absHost != "":
		r.Host = strings.ToLower(stripPort(p.absHost))
	case len(hosts) == 1:
		r.Host = strings.ToLower(stripPort(hosts[0]))
	case r.ProtoMinor >= 1:
		return protoErr(400, "missing Host header")
	}

	if te := r.Header.Values("Transfer-Encoding"); len(te) > 0 {
		codings := strings.Split(strings.ToLower(strings.Join(te, ",")), ",")
		for i := range codings {
			codings[i] = strings.TrimSpace(codings[i])
		}
		if len(codings) != 1 || codings[0] != "chunked" {
			return protoErr(501, "unsupported transfer coding %q", strings.Join(te, ", "))
		}
		if len(r.Header.Values("Content-Length")) > 0 {
			return protoErr(400, "both Content-Length and Transfer-Encoding present")
		}
		r.Chunked = true
		return nil
	}

	if cl := r.Header.Values("Content-Length"); len(cl) > 0 {
		first := strings.TrimSpace(cl[0])
		for _, v := range cl[1:] {
			if strings.TrimSpace(v) != first {
				return protoErr(400, "conflicting Content-Length headers")
			}
		}
		n, err := strconv.ParseInt(first, 10, 64)
		if err != nil || first[0] < '0' || first[0] > '9' {
			return protoErr(400, "invalid Content-Length %q", first)
		}
		r.ContentLength = n
		p.remaining = n
	}
	return nil
}

// ParseBody consumes body bytes. It reports true once the body is complete,
// and fails with ErrBodyTooLarge as soon as the limit is known to be exceeded.
func (p *Parser) ParseBody() (bool, error) {
	switch p.stage {
	case StageDone:
		return true, nil
	case StageBody:
	default:
		return false, errors.New("http1: ParseBody called before the head was parsed")
	}

	r := p.req
	if r.Chunked {
		return p.parseChunked()
	}
	if r.ContentLength <= 0 {
		p.stage = StageDone
		return true, nil
	}
	if p.limit >= 0 && r.ContentLength > p.limit {
		return false, ErrBodyTooLarge
	}
	if r.Body == nil {
		r.Body = make([]byte, 0, min(r.ContentLength, 64<<10))
	}

	n := min(int64(p.Buffered()), p.remaining)
	r.Body = append(r.Body, p.buf[p.start:p.start+int(n)]...)
	p.advance(int(n))
	p.remaining -= n
	if p.remaining > 0 {
		return false, nil
	}
	p.stage = StageDone
	return true, nil
}

func (p *Parser) parseChunked() (bool, error) {
	r := p.req
	for {
		switch p.phase {
		case chunkSize:
			line, ok := p.line()
			if !ok {
				if p.Buffered() > maxChunkLine {
					return false, protoErr(400, "chunk size line too long")
				}
				return false, nil
			}
			s := string(line)
			if i := strings.IndexByte(s, ';'); i >= 0 {
				s = s[:i]
			}
			n, err := strconv.ParseInt(strings.TrimSpace(s), 16, 64)
			if err != nil || n < 0 {
				return false, protoErr(400, "invalid chunk size %q", string(line))
			}
			if n == 0 {
				p.phase = chunkTrailer
				continue
			}
			// compare against the space left so huge sizes cannot overflow
			if n > math.MaxInt-int64(len(r.Body)) {
				return false, ErrBodyTooLarge
			}
			if p.limit >= 0 && n > p.limit-int64(len(r.Body)) {
				return false, ErrBodyTooLarge
			}
			p.chunkLeft = n
			p.phase = chunkData

		case chunkData:
			avail := int64(p.Buffered())
			if avail == 0 {
				return false, nil
			}
			n := min(avail, p.chunkLeft)
			r.Body = append(r.Body, p.buf[p.start:p.start+int(n)]...)
			p.advance(int(n))
			p.chunkLeft -= n
			if p.chunkLeft > 0 {
				return false, nil
			}
			p.phase = chunkDataEnd

		case chunkDataEnd:
			line, ok := p.line()
			if !ok {
				if p.Buffered() > 2 {
					return false, protoErr(400, "missing CRLF after chunk data")
				}
				return false, nil
			}
			if len(line) != 0 {
				return false, protoErr(400, "missing CRLF after chunk data")
			}
			p.phase = chunkSize

		case chunkTrailer:
			line, ok := p.line()
			if !ok {
				if p.Buffered() > MaxHeadBytes {
					return false, protoErr(431, "trailer section too large")
				}
				return false, nil
			}
			if len(line) == 0 {
				r.ContentLength = int64(len(r.Body))
				p.stage = StageDone
				return true, nil
			}
			// trailer fields are read and dropped
		}
	}
}

func parseRequestLine(line string) (*Request, string, error) {
	parts := strings.Split(line, " ")
	if len(parts) != 3 {
		return nil, "", protoErr(400, "malformed request line")
	}
	method, target, proto := parts[0], parts[1], parts[2]

	if !httpguts.ValidHeaderFieldName(method) {
		return nil, "", protoErr(400, "invalid method %q", method)
	}
	major, minor, ok := http.ParseHTTPVersion(proto)
	if !ok {
		return nil, "", protoErr(400, "malformed protocol version %q", proto)
	}
	if major != 1 || minor > 1 {
		return nil, "", protoErr(505, "HTTP version %q not supported", proto)
	}

	req := &Request{
		Method:        method,
		Target:        target,
		Proto:         proto,
		ProtoMinor:    minor,
		Header:        make(http.Header),
		ContentLength: -1,
	}

	var rawPath, absHost string
	switch {
	case strings.HasPrefix(target, "/"):
		rawPath, req.RawQuery, _ = strings.Cut(target, "?")
		rawPath, _, _ = strings.Cut(rawPath, "#")
	case strings.HasPrefix(target, "http://"), strings.HasPrefix(target, "https://"):
		u, err := url.Parse(target)
		if err != nil || u.Host == "" {
			return nil, "", protoErr(400, "malformed absolute target")
		}
		absHost = u.Host
		rawPath, req.RawQuery = u.EscapedPath(), u.RawQuery
		if rawPath == "" {
			rawPath = "/"
		}
	default:
		return nil, "", protoErr(400, "unsupported request target %q", target)
	}

	decoded, err := url.PathUnescape(rawPath)
	if err != nil || strings.IndexByte(decoded, 0) >= 0 {
		return nil, "", protoErr(400, "malformed request path")
	}
	req.Path = CleanPath(decoded)
	return req, absHost, nil
}

// CleanPath resolves dot segments without ever climbing above "/", and keeps
// a trailing slash.
func CleanPath(p string) string {
	if p == "" || p[0] != '/' {
		p = "/" + p
	}
	cleaned := path.Clean(p)
	if strings.HasSuffix(p, "/") && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned
}

func parseHeaderLine(h http.Header, line string) error {
	name, value, ok := strings.Cut(line, ":")
	if !ok || !httpguts.ValidHeaderFieldName(name) {
		return protoErr(400, "malformed header line")
	}
	value = strings.Trim(value, " \t")
	if !httpguts.ValidHeaderFieldValue(value) {
		return protoErr(400, "invalid value for header %q", name)
	}
	h.Add(name, value)
	return nil
}
