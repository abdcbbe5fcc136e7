// Package server implements the single-threaded HTTP/1.x reactor.
//
// A Cluster owns every listening socket, client connection and CGI child and
// drives them all from the goroutine that calls Run. Each loop iteration:
//
//   - observes the stop flag set by RequestStop
//   - pushes each connection's wanted interest (read while parsing, write
//     while a response is pending, nothing while a CGI child runs) to the
//     poller
//   - waits for readiness with a bounded tick
//   - dispatches every ready descriptor to its owner through a tagged
//     descriptor table (wake pipe, listener, connection, CGI stdin, CGI
//     stdout)
//   - sweeps idle connections, expired CGI children and exited children
//
// # Request Lifecycle
//
// A connection reads once per readiness event and feeds the bytes to an
// incremental http1.Parser. As soon as the head is parsed the virtual host
// and location are selected so client_max_body_size applies while the body
// is read. Complete requests are resolved by the router and served as a
// redirect, a static file (streamed in 64 KiB chunks), a directory listing,
// an upload, a delete or a CGI child. Persistent connections keep any
// pipelined bytes and continue with the next request.
//
// Framing errors and oversized bodies are answered with Connection: close;
// the write side is then shut down and input drained briefly before the
// socket is closed so the client sees the response.
//
// # Shutdown
//
// RequestStop only sets an atomic flag and writes to a wake pipe; it is
// safe to call from a signal goroutine:
//
//	sigs := make(chan os.Signal, 1)
//	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
//	go func() {
//	    <-sigs
//	    cluster.RequestStop()
//	}()
//	err := cluster.Run()
//
// Once the loop sees the flag it closes every listener and connection, lets
// running CGI children finish within the grace period, then kills and reaps
// the rest before Run returns.
//
// The reactor requires Linux (epoll). On other platforms New returns
// poller.ErrUnsupported.
package server
