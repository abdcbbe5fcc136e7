//go:build linux

package server

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/muurk/webserv/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
servers:
  - listen: 127.0.0.1:0
    server_name: [main.test]
    root: www
    allow_methods: [GET, POST, DELETE]
    error_page: {404: /errors/404.html}
    cgi_pass: {.sh: /bin/sh}
    redirect: {/old: {target: /index.html, status: 302}}
    location:
      - path: /upload
        client_max_body_size: 10
      - path: /files/
        autoindex: true
      - path: /readonly
        allow_methods: [GET]
`

var testFiles = map[string]string{
	"www/index.html":       "welcome home",
	"www/errors/404.html":  "custom not found",
	"www/files/a.txt":      "aaa",
	"www/files/b.txt":      "bbbb",
	"www/files/sub/c.txt":  "c",
	"www/readonly/x.txt":   "x",
	"www/upload/.keep":     "",
	"www/cgi/hello.sh":     "printf 'Content-Type: text/plain\\r\\n\\r\\n'\nprintf 'hello %s' \"$QUERY_STRING\"\n",
	"www/cgi/echo.sh":      "printf 'Status: 201 Created\\r\\nContent-Type: text/plain\\r\\n\\r\\n'\ncat\n",
	"www/cgi/slow.sh":      "exec sleep 30\n",
	"www/cgi/fail.sh":      "exit 2\n",
	"www/cgi/redirect.sh":  "printf 'Location: /index.html\\r\\n\\r\\n'\n",
	"www/cgi/nocontent.sh": "printf 'Status: 204 No Content\\r\\n\\r\\nJUNK'\n",
	"www/cgi/pathinfo.sh":  "printf 'Content-Type: text/plain\\r\\n\\r\\n'\nprintf '%s|%s' \"$SCRIPT_NAME\" \"$PATH_INFO\"\n",
}

type testServer struct {
	cluster *Cluster
	base    string
	addr    string
	stop    func() error
}

func startServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	base := t.TempDir()
	for name, body := range testFiles {
		p := filepath.Join(base, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o755))
	}

	cfg, err := config.Parse([]byte(testConfig), base)
	require.NoError(t, err)

	cluster, err := New(cfg, opts)
	require.NoError(t, err)
	require.Len(t, cluster.Listeners(), 1)

	done := make(chan error, 1)
	go func() { done <- cluster.Run() }()

	stop := sync.OnceValue(func() error {
		cluster.RequestStop()
		select {
		case err := <-done:
			return err
		case <-time.After(10 * time.Second):
			return fmt.Errorf("Run did not return after RequestStop")
		}
	})
	t.Cleanup(func() {
		if err := stop(); err != nil {
			t.Error(err)
		}
	})

	return &testServer{
		cluster: cluster,
		base:    base,
		addr:    cluster.Listeners()[0].Addr(),
		stop:    stop,
	}
}

type client struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func (s *testServer) dial(t *testing.T) *client {
	t.Helper()
	conn, err := net.DialTimeout("tcp", s.addr, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))
	return &client{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *client) send(raw string) {
	c.t.Helper()
	_, err := io.WriteString(c.conn, raw)
	require.NoError(c.t, err)
}

func (c *client) read(method string) (*http.Response, string) {
	c.t.Helper()
	resp, err := http.ReadResponse(c.r, &http.Request{Method: method})
	require.NoError(c.t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	resp.Body.Close()
	return resp, string(body)
}

func (c *client) do(method, target, extra, body string) (*http.Response, string) {
	c.t.Helper()
	req := fmt.Sprintf("%s %s HTTP/1.1\r\nHost: main.test\r\n%s", method, target, extra)
	if body != "" {
		req += fmt.Sprintf("Content-Length: %d\r\n", len(body))
	}
	c.send(req + "\r\n" + body)
	return c.read(method)
}

// expectClosed asserts the server closes the connection.
func (c *client) expectClosed() {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err := c.r.ReadByte()
	require.ErrorIs(c.t, err, io.EOF)
}

func fastOptions() Options {
	return Options{
		PollInterval:  20 * time.Millisecond,
		ShutdownGrace: 300 * time.Millisecond,
		LingerTimeout: 200 * time.Millisecond,
	}
}

func TestGetIndex(t *testing.T) {
	s := startServer(t, fastOptions())
	c := s.dial(t)

	resp, body := c.do("GET", "/", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "welcome home", body)
	assert.Equal(t, "text/html; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, resp.Header.Get("Date"))
	assert.True(t, strings.HasPrefix(resp.Header.Get("Server"), "webserv/"))
	assert.Equal(t, "keep-alive", resp.Header.Get("Connection"))
}

func TestHeadOmitsBody(t *testing.T) {
	s := startServer(t, fastOptions())
	c := s.dial(t)

	resp, body := c.do("HEAD", "/index.html", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(len("welcome home")), resp.ContentLength)
	assert.Empty(t, body)

	// the connection is still in sync
	resp, body = c.do("GET", "/files/a.txt", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "aaa", body)
}

func TestKeepAliveAndPipelining(t *testing.T) {
	s := startServer(t, fastOptions())
	c := s.dial(t)

	for i := 0; i < 3; i++ {
		resp, body := c.do("GET", "/files/b.txt", "", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "bbbb", body)
	}

	c.send("GET /files/a.txt HTTP/1.1\r\nHost: main.test\r\n\r\n" +
		"GET /files/b.txt HTTP/1.1\r\nHost: main.test\r\n\r\n")
	_, first := c.read("GET")
	_, second := c.read("GET")
	assert.Equal(t, "aaa", first)
	assert.Equal(t, "bbbb", second)

	assert.Equal(t, int64(5), s.cluster.Stats().Requests)
	assert.Equal(t, int64(1), s.cluster.Stats().Accepted)
}

func TestConnectionCloseHonored(t *testing.T) {
	s := startServer(t, fastOptions())
	c := s.dial(t)

	resp, _ := c.do("GET", "/", "Connection: close\r\n", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "close", resp.Header.Get("Connection"))
	c.expectClosed()
}

func TestHTTP10ClosesByDefault(t *testing.T) {
	s := startServer(t, fastOptions())
	c := s.dial(t)

	c.send("GET / HTTP/1.0\r\n\r\n")
	resp, body := c.read("GET")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "welcome home", body)
	c.expectClosed()
}

func TestBodyTooLargeClosesConnection(t *testing.T) {
	s := startServer(t, fastOptions())
	c := s.dial(t)

	resp, _ := c.do("POST", "/upload/x.txt", "", "hello world")
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Equal(t, "close", resp.Header.Get("Connection"))
	c.expectClosed()

	_, err := os.Stat(filepath.Join(s.base, "www", "upload", "x.txt"))
	assert.True(t, os.IsNotExist(err), "oversized body must not be stored")
}

func TestChunkedBodyTooLarge(t *testing.T) {
	s := startServer(t, fastOptions())
	c := s.dial(t)

	c.send("POST /upload/x.txt HTTP/1.1\r\nHost: main.test\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"6\r\nhello \r\n5\r\nworld\r\n0\r\n\r\n")
	resp, _ := c.read("POST")
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	c.expectClosed()
}

func TestUploadGetDelete(t *testing.T) {
	s := startServer(t, fastOptions())
	c := s.dial(t)

	resp, _ := c.do("POST", "/upload/note.txt", "", "0123456789")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "/upload/note.txt", resp.Header.Get("Location"))

	resp, body := c.do("GET", "/upload/note.txt", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "0123456789", body)

	resp, _ = c.do("DELETE", "/upload/note.txt", "", "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = c.do("GET", "/upload/note.txt", "", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "custom not found", body)
}

func TestChunkedUpload(t *testing.T) {
	s := startServer(t, fastOptions())
	c := s.dial(t)

	c.send("POST /upload/chunked.txt HTTP/1.1\r\nHost: main.test\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"4\r\nabcd\r\n2\r\nef\r\n0\r\n\r\n")
	resp, _ := c.read("POST")
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	data, err := os.ReadFile(filepath.Join(s.base, "www", "upload", "chunked.txt"))
	require.NoError(t, err)
	assert.Equal(t, "abcdef", string(data))
}

func TestAutoindexListsEntries(t *testing.T) {
	s := startServer(t, fastOptions())
	c := s.dial(t)

	resp, body := c.do("GET", "/files/", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	for _, entry := range []string{"a.txt", "b.txt", "sub/"} {
		assert.Contains(t, body, ">"+entry+"<")
	}
	assert.NotContains(t, body, "c.txt")

	resp, _ = c.do("GET", "/files", "", "")
	require.Equal(t, http.StatusMovedPermanently, resp.StatusCode)
	assert.Equal(t, "/files/", resp.Header.Get("Location"))
}

func TestRedirect(t *testing.T) {
	s := startServer(t, fastOptions())
	c := s.dial(t)

	resp, _ := c.do("GET", "/old", "", "")
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/index.html", resp.Header.Get("Location"))
}

func TestMethodNotAllowed(t *testing.T) {
	s := startServer(t, fastOptions())
	c := s.dial(t)

	resp, _ := c.do("POST", "/readonly/x.txt", "", "data")
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, "GET, HEAD", resp.Header.Get("Allow"))

	// a rejected method does not break the connection
	resp, _ = c.do("GET", "/readonly/x.txt", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMalformedRequest(t *testing.T) {
	s := startServer(t, fastOptions())
	c := s.dial(t)

	c.send("GARBAGE\r\n\r\n")
	resp, _ := c.read("GET")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	c.expectClosed()
}

func TestCGI(t *testing.T) {
	s := startServer(t, fastOptions())
	c := s.dial(t)

	resp, body := c.do("GET", "/cgi/hello.sh?name=x", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello name=x", body)
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))

	resp, body = c.do("POST", "/cgi/echo.sh", "", "ping")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "ping", body)

	resp, _ = c.do("GET", "/cgi/redirect.sh", "", "")
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/index.html", resp.Header.Get("Location"))

	resp, _ = c.do("GET", "/cgi/fail.sh", "", "")
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	require.Eventually(t, func() bool { return s.cluster.Stats().ActiveCGI == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestCGITimeout(t *testing.T) {
	opts := fastOptions()
	opts.CGITimeout = 200 * time.Millisecond
	s := startServer(t, opts)
	c := s.dial(t)

	start := time.Now()
	resp, _ := c.do("GET", "/cgi/slow.sh", "", "")
	require.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, int64(0), s.cluster.Stats().ActiveCGI)
	assert.GreaterOrEqual(t, s.cluster.Stats().Timeouts, int64(1))
}

func TestIdleTimeout(t *testing.T) {
	opts := fastOptions()
	opts.IdleTimeout = 200 * time.Millisecond
	s := startServer(t, opts)
	c := s.dial(t)

	c.expectClosed()
	require.Eventually(t, func() bool { return s.cluster.Stats().Active == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, s.cluster.Stats().Timeouts, int64(1))
}

func TestShutdownWithOpenConnectionsAndCGI(t *testing.T) {
	s := startServer(t, fastOptions())

	idle := s.dial(t)
	busy := s.dial(t)
	busy.send("GET /cgi/slow.sh HTTP/1.1\r\nHost: main.test\r\n\r\n")
	require.Eventually(t, func() bool { return s.cluster.Stats().ActiveCGI == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, int64(2), s.cluster.Stats().Active)

	start := time.Now()
	require.NoError(t, s.stop())
	assert.Less(t, time.Since(start), 5*time.Second)

	idle.expectClosed()
	busy.expectClosed()
	stats := s.cluster.Stats()
	assert.Equal(t, int64(0), stats.Active)
	assert.Equal(t, int64(0), stats.ActiveCGI)

	_, err := net.DialTimeout("tcp", s.addr, time.Second)
	assert.Error(t, err, "listener must be closed after shutdown")
}

func TestBindIsAllOrNothing(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()
	port := taken.Addr().(*net.TCPAddr).Port

	free, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	freePort := free.Addr().(*net.TCPAddr).Port
	free.Close()

	base := t.TempDir()
	cfg, err := config.Parse([]byte(fmt.Sprintf(`
servers:
  - listen: 127.0.0.1:%d
    root: www
  - listen: 127.0.0.1:%d
    root: www
`, freePort, port)), base)
	require.NoError(t, err)

	_, err = New(cfg, fastOptions())
	require.Error(t, err)

	// the first socket was released again
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", freePort))
	require.NoError(t, err)
	ln.Close()
}

func TestChunkSizeOverflowRejected(t *testing.T) {
	s := startServer(t, fastOptions())
	c := s.dial(t)

	c.send("POST /upload/x.txt HTTP/1.1\r\nHost: main.test\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"1\r\nA\r\n7fffffffffffffff\r\n" + strings.Repeat("B", 1000))
	resp, _ := c.read("POST")
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	c.expectClosed()

	_, err := os.Stat(filepath.Join(s.base, "www", "upload", "x.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestCGINoContentKeepsFraming(t *testing.T) {
	s := startServer(t, fastOptions())
	c := s.dial(t)

	resp, body := c.do("GET", "/cgi/nocontent.sh", "", "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, body)

	// a body on a 204 would be read as the next status line
	resp, body = c.do("GET", "/files/a.txt", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "aaa", body)
}

func TestLargeStaticFileStreams(t *testing.T) {
	s := startServer(t, fastOptions())

	data := make([]byte, 1<<20+12345)
	_, err := rand.Read(data)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(s.base, "www", "files", "big.bin"), data, 0o644))

	c := s.dial(t)
	resp, body := c.do("GET", "/files/big.bin", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(len(data)), resp.ContentLength)
	assert.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))
	assert.True(t, bytes.Equal(data, []byte(body)), "streamed file differs from disk")

	resp, body = c.do("GET", "/files/b.txt", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "bbbb", body)
}

func TestExpectContinue(t *testing.T) {
	s := startServer(t, fastOptions())
	c := s.dial(t)

	c.send("POST /upload/cont.txt HTTP/1.1\r\nHost: main.test\r\nContent-Length: 5\r\nExpect: 100-continue\r\n\r\n")
	resp, body := c.read("POST")
	require.Equal(t, http.StatusContinue, resp.StatusCode)
	assert.Empty(t, body)

	c.send("hello")
	resp, _ = c.read("POST")
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	data, err := os.ReadFile(filepath.Join(s.base, "www", "upload", "cont.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestExpectContinueOverLimit(t *testing.T) {
	s := startServer(t, fastOptions())
	c := s.dial(t)

	c.send("POST /upload/big.txt HTTP/1.1\r\nHost: main.test\r\nContent-Length: 50\r\nExpect: 100-continue\r\n\r\n")
	resp, _ := c.read("POST")
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	c.expectClosed()
}

func TestCGIPathInfo(t *testing.T) {
	s := startServer(t, fastOptions())
	c := s.dial(t)

	resp, body := c.do("GET", "/cgi/pathinfo.sh/extra/path", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/cgi/pathinfo.sh|/extra/path", body)

	resp, body = c.do("GET", "/cgi/pathinfo.sh", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/cgi/pathinfo.sh|", body)
}
