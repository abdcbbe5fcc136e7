//go:build linux

package server

import (
	"errors"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/muurk/webserv/internal/http1"
	"github.com/muurk/webserv/internal/logging"
	"github.com/muurk/webserv/internal/poller"
	"github.com/muurk/webserv/internal/router"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// connState is where a connection is in its request lifecycle. Reading is
// refined by the parser stage (request line, headers, body).
type connState int

const (
	stateReading connState = iota
	stateCGI
	stateWriting
	stateLinger
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateReading:
		return "reading"
	case stateCGI:
		return "cgi"
	case stateWriting:
		return "writing"
	case stateLinger:
		return "linger"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const fileChunk = 64 << 10

// conn is one accepted client socket.
type conn struct {
	id         string
	fd         int
	ln         *Listener
	remoteIP   string
	remotePort int

	state  connState
	parser *http1.Parser
	req    *http1.Request
	route  *router.Route
	job    *cgiJob

	keepAlive bool
	linger    bool // drain input after the response instead of closing

	out      []byte
	outPos   int
	file     *os.File
	fileLeft int64

	lastActivity time.Time
	lingerUntil  time.Time
}

func newConn(fd int, ln *Listener, sa unix.Sockaddr, now time.Time) *conn {
	ip, port := sockaddrIP(sa)
	return &conn{
		id:           uuid.NewString(),
		fd:           fd,
		ln:           ln,
		remoteIP:     ip,
		remotePort:   port,
		state:        stateReading,
		parser:       http1.NewParser(),
		lastActivity: now,
	}
}

func (cn *conn) remote() string {
	return net.JoinHostPort(cn.remoteIP, strconv.Itoa(cn.remotePort))
}

// interest is the readiness the connection currently waits for.
func (cn *conn) interest() poller.Interest {
	switch cn.state {
	case stateReading, stateLinger:
		return poller.Read
	case stateWriting:
		return poller.Write
	default:
		return 0
	}
}

func (cn *conn) pending() int {
	return len(cn.out) - cn.outPos
}

func (cn *conn) closeFile() {
	if cn.file != nil {
		cn.file.Close()
		cn.file = nil
	}
}

func (c *Cluster) handleConn(cn *conn, ev poller.Event, now time.Time) {
	if ev.Hangup && !ev.Readable {
		c.closeConn(cn, "hangup")
		return
	}
	if ev.Readable && (cn.state == stateReading || cn.state == stateLinger) {
		c.handleRead(cn, now)
	}
	if ev.Writable && cn.state == stateWriting {
		c.handleWrite(cn, now)
	}
}

// handleRead performs one read and advances the state machine.
func (c *Cluster) handleRead(cn *conn, now time.Time) {
	n, err := unix.Read(cn.fd, c.readBuf)
	switch {
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
		return
	case err != nil:
		c.closeConn(cn, "read_error")
		return
	case n == 0:
		c.closeConn(cn, "peer_closed")
		return
	}
	cn.lastActivity = now

	if cn.state == stateLinger {
		return
	}
	cn.parser.Feed(c.readBuf[:n])
	c.advance(cn, now)
}

// advance parses as far as the buffered bytes allow and serves each
// complete request.
func (c *Cluster) advance(cn *conn, now time.Time) {
	for cn.state == stateReading {
		if cn.req == nil {
			req, err := cn.parser.ParseHead()
			if err != nil {
				logging.Debug("Malformed request", zap.String("conn_id", cn.id), zap.Error(err))
				logging.LogRawBytes("Unparsed request bytes", cn.parser.Unread())
				c.fail(cn, http1.StatusOf(err), now)
				return
			}
			if req == nil {
				return
			}
			if !c.beginRequest(cn, req) {
				return
			}
		}

		done, err := cn.parser.ParseBody()
		if errors.Is(err, http1.ErrBodyTooLarge) {
			logging.Debug("Request body exceeds limit",
				zap.String("conn_id", cn.id),
				zap.Int64("limit", cn.route.BodyLimit()),
			)
			c.fail(cn, c.policy.PayloadTooLarge, now)
			return
		}
		if err != nil {
			c.fail(cn, http1.StatusOf(err), now)
			return
		}
		if !done {
			return
		}
		c.serve(cn, now)
	}
}

// beginRequest selects host and location as soon as the head is known so
// the body limit applies while the body is read. It returns false when
// the connection was closed.
func (c *Cluster) beginRequest(cn *conn, req *http1.Request) bool {
	cn.req = req
	cn.keepAlive = req.KeepAlive()
	cn.route = cn.ln.router.Select(req.Host, req.Path)
	cn.parser.SetBodyLimit(cn.route.BodyLimit())
	c.stats.requests.Add(1)
	logging.LogRequest(cn.id, req.Method, req.Target, req.Host)

	if req.HasBody() && req.Header.Get("Expect") == "100-continue" {
		limit := cn.route.BodyLimit()
		if limit < 0 || req.ContentLength <= limit {
			// the output buffer is empty while reading, so a short write
			// means the peer is unreachable
			if n, err := unix.Write(cn.fd, continueLine); err != nil || n != len(continueLine) {
				logging.Debug("Interim response failed", zap.String("conn_id", cn.id), zap.Int("written", n), zap.Error(err))
				c.closeConn(cn, "write_error")
				return false
			}
		}
	}
	return true
}

var continueLine = []byte("HTTP/1.1 100 Continue\r\n\r\n")

// fail answers with an error status and closes afterwards; the input
// stream can no longer be trusted.
func (c *Cluster) fail(cn *conn, status int, now time.Time) {
	cn.keepAlive = false
	cn.linger = true
	cn.parser.Discard()
	c.respondError(cn, status, nil, now)
}

// queue serializes resp and switches to writing. file, when set, is
// streamed after the head for resp.ContentLength bytes.
func (c *Cluster) queue(cn *conn, resp *http1.Response, file *os.File, mode string, now time.Time) {
	resp.Header.Set("Server", serverSoftware)

	headOnly := (cn.req != nil && cn.req.Method == "HEAD") || !resp.BodyAllowed()
	cn.out = resp.AppendHead(cn.out[:0], cn.keepAlive, now)
	cn.outPos = 0
	if !headOnly {
		cn.out = append(cn.out, resp.Body...)
	}

	cn.closeFile()
	if file != nil {
		if headOnly || resp.ContentLength <= 0 {
			file.Close()
		} else {
			cn.file = file
			cn.fileLeft = resp.ContentLength
		}
	}

	cn.state = stateWriting
	logging.LogResponse(cn.id, resp.Status, mode, cn.keepAlive)
}

// handleWrite flushes pending bytes, refilling from the open file.
func (c *Cluster) handleWrite(cn *conn, now time.Time) {
	if cn.pending() == 0 && cn.file != nil {
		if !c.refill(cn) {
			c.closeConn(cn, "file_error")
			return
		}
	}

	if cn.pending() > 0 {
		n, err := unix.Write(cn.fd, cn.out[cn.outPos:])
		switch {
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
			return
		case err != nil:
			c.closeConn(cn, "write_error")
			return
		}
		cn.outPos += n
		cn.lastActivity = now
	}

	if cn.pending() == 0 && cn.file == nil {
		c.finishResponse(cn, now)
	}
}

// refill reads the next chunk of the file being streamed.
func (c *Cluster) refill(cn *conn) bool {
	want := min(int64(fileChunk), cn.fileLeft)
	if cap(cn.out) < int(want) {
		cn.out = make([]byte, want)
	}
	buf := cn.out[:want]
	n, err := io.ReadFull(cn.file, buf)
	if err != nil {
		logging.Warn("File shrank or failed while streaming",
			zap.String("conn_id", cn.id),
			zap.String("file", cn.file.Name()),
			zap.Error(err),
		)
		cn.closeFile()
		return false
	}
	cn.out = buf[:n]
	cn.outPos = 0
	cn.fileLeft -= int64(n)
	if cn.fileLeft == 0 {
		cn.closeFile()
	}
	return true
}

// finishResponse closes, lingers or readies the connection for the next
// request.
func (c *Cluster) finishResponse(cn *conn, now time.Time) {
	if !cn.keepAlive {
		if cn.linger {
			unix.Shutdown(cn.fd, unix.SHUT_WR)
			cn.state = stateLinger
			cn.lingerUntil = now.Add(c.opts.LingerTimeout)
			return
		}
		c.closeConn(cn, "response_complete")
		return
	}

	cn.parser.Reset()
	cn.req = nil
	cn.route = nil
	cn.out = cn.out[:0]
	cn.outPos = 0
	cn.state = stateReading
	cn.lastActivity = now

	if cn.parser.Buffered() > 0 {
		c.advance(cn, now)
	}
}
