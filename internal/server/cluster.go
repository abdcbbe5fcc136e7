//go:build linux

package server

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/muurk/webserv/internal/cgi"
	"github.com/muurk/webserv/internal/config"
	"github.com/muurk/webserv/internal/logging"
	"github.com/muurk/webserv/internal/poller"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// ownerKind tags what a polled descriptor belongs to.
type ownerKind uint8

const (
	ownerWake ownerKind = iota
	ownerListener
	ownerConn
	ownerCGIIn
	ownerCGIOut
)

func (k ownerKind) String() string {
	switch k {
	case ownerWake:
		return "wake"
	case ownerListener:
		return "listener"
	case ownerConn:
		return "conn"
	case ownerCGIIn:
		return "cgi-stdin"
	case ownerCGIOut:
		return "cgi-stdout"
	default:
		return "unknown"
	}
}

// owner is one entry of the descriptor table.
type owner struct {
	kind ownerKind
	ln   *Listener
	conn *conn
	job  *cgiJob
}

// cgiJob is a running CGI child and the connection waiting for it. conn is
// nil once the client is gone.
type cgiJob struct {
	proc     *cgi.Process
	conn     *conn
	inFd     int // registered stdin descriptor, -1 when released
	outFd    int // registered stdout descriptor, -1 when released
	overflow bool
}

// Cluster is the reactor: it owns every listener, connection and CGI child
// and drives them from a single goroutine.
type Cluster struct {
	cfg       *config.Config
	opts      Options
	policy    config.StatusPolicy
	poll      poller.Poller
	executor  *cgi.Executor
	listeners []*Listener
	owners    map[int]owner
	conns     map[int]*conn
	jobs      []*cgiJob
	zombies   []*cgi.Process
	events    []poller.Event
	readBuf   []byte
	stats     counters

	stop         atomic.Bool
	wakeMu       sync.Mutex
	wakeR, wakeW int
	wakeClosed   bool

	stopping      bool
	graceDeadline time.Time
}

// New opens every listening socket in cfg. Binding is all-or-nothing: on
// any failure the sockets opened so far are closed and an error returned.
func New(cfg *config.Config, opts Options) (*Cluster, error) {
	opts = opts.withDefaults()

	p, err := poller.New()
	if err != nil {
		return nil, err
	}

	var wake [2]int
	if err := unix.Pipe2(wake[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to create wake pipe: %w", err)
	}

	cgiCfg := cgi.DefaultConfig()
	cgiCfg.Timeout = opts.CGITimeout
	cgiCfg.MaxOutput = opts.MaxCGIOutput

	c := &Cluster{
		cfg:      cfg,
		opts:     opts,
		policy:   cfg.Status(),
		poll:     p,
		executor: cgi.NewExecutor(cgiCfg, logging.GetLogger()),
		owners:   make(map[int]owner),
		conns:    make(map[int]*conn),
		events:   make([]poller.Event, 256),
		readBuf:  make([]byte, 64<<10),
		wakeR:    wake[0],
		wakeW:    wake[1],
	}

	if err := c.register(c.wakeR, poller.Read, owner{kind: ownerWake}); err != nil {
		c.release()
		return nil, err
	}

	for _, sock := range cfg.Sockets() {
		ln, err := listen(sock, opts.Backlog, c.policy)
		if err != nil {
			c.release()
			return nil, fmt.Errorf("failed to open listener: %w", err)
		}
		c.listeners = append(c.listeners, ln)
		if err := c.register(ln.fd, poller.Read, owner{kind: ownerListener, ln: ln}); err != nil {
			c.release()
			return nil, err
		}
		logging.Info("Listening",
			zap.String("addr", ln.Addr()),
			zap.Int("hosts", len(sock.Hosts)),
		)
	}
	return c, nil
}

// Listeners returns the open listeners in configuration order.
func (c *Cluster) Listeners() []*Listener {
	return slices.Clone(c.listeners)
}

// Stats returns a snapshot of the counters. Safe from any goroutine.
func (c *Cluster) Stats() Stats {
	return c.stats.snapshot()
}

// RequestStop asks Run to shut down. It only sets a flag and wakes the
// poller, so it is safe from a signal-handling goroutine.
func (c *Cluster) RequestStop() {
	c.stop.Store(true)
	c.wakeMu.Lock()
	defer c.wakeMu.Unlock()
	if !c.wakeClosed {
		unix.Write(c.wakeW, []byte{1})
	}
}

// Run drives the reactor until a requested stop has completed.
func (c *Cluster) Run() error {
	defer c.release()

	for {
		if c.stop.Load() && !c.stopping {
			c.beginShutdown(time.Now())
		}
		if c.stopping && len(c.jobs) == 0 && len(c.zombies) == 0 {
			logging.Info("Shutdown complete")
			return nil
		}

		c.syncInterest()

		n, err := c.poll.Wait(c.events, c.tick())
		if err != nil {
			c.closeAll()
			return fmt.Errorf("poll: %w", err)
		}

		now := time.Now()
		for i := 0; i < n; i++ {
			c.dispatch(c.events[i], now)
		}
		c.sweep(now)
	}
}

// tick is the wait bound: short while a child awaits reaping.
func (c *Cluster) tick() time.Duration {
	if len(c.zombies) > 0 {
		return c.opts.ReapInterval
	}
	for _, j := range c.jobs {
		if j.outFd < 0 || j.proc.State == cgi.StateTimedOut {
			return c.opts.ReapInterval
		}
	}
	if c.stopping {
		left := time.Until(c.graceDeadline) + time.Millisecond
		return min(c.opts.PollInterval, max(left, c.opts.ReapInterval))
	}
	return c.opts.PollInterval
}

// syncInterest pushes each connection's wanted interest to the poller. The
// poller skips entries whose interest did not change.
func (c *Cluster) syncInterest() {
	for fd, cn := range c.conns {
		if err := c.poll.Modify(fd, cn.interest()); err != nil {
			logging.Warn("Failed to update poll interest", zap.String("conn_id", cn.id), zap.Error(err))
			c.closeConn(cn, "poll_error")
		}
	}
}

func (c *Cluster) register(fd int, interest poller.Interest, o owner) error {
	if err := c.poll.Add(fd, interest); err != nil {
		return fmt.Errorf("failed to register %s descriptor: %w", o.kind, err)
	}
	c.owners[fd] = o
	return nil
}

// forget drops fd from the table and the poller. The caller closes it.
func (c *Cluster) forget(fd int) {
	if err := c.poll.Remove(fd); err != nil {
		logging.Debug("Failed to remove descriptor from poller", zap.Int("fd", fd), zap.Error(err))
	}
	delete(c.owners, fd)
}

func (c *Cluster) dispatch(ev poller.Event, now time.Time) {
	o, ok := c.owners[ev.Fd]
	if !ok {
		return
	}

	switch o.kind {
	case ownerWake:
		c.drainWake()
	case ownerListener:
		if !c.stopping {
			c.acceptAll(o.ln, now)
		}
	case ownerConn:
		c.handleConn(o.conn, ev, now)
	case ownerCGIIn:
		c.handleCGIInput(o.job)
	case ownerCGIOut:
		c.handleCGIOutput(o.job, now)
	}
}

func (c *Cluster) drainWake() {
	var buf [64]byte
	for {
		n, err := unix.Read(c.wakeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// acceptAll drains the listener's backlog.
func (c *Cluster) acceptAll(ln *Listener, now time.Time) {
	for {
		fd, sa, err := ln.accept()
		switch {
		case err == nil:
			c.addConn(ln, fd, sa, now)
		case errors.Is(err, unix.EAGAIN):
			return
		case errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED):
			continue
		case errors.Is(err, unix.EMFILE), errors.Is(err, unix.ENFILE):
			logging.Warn("Descriptor limit reached, deferring accepts",
				zap.String("addr", ln.Addr()),
				zap.Error(err),
			)
			return
		default:
			logging.Warn("Failed to accept connection",
				zap.String("addr", ln.Addr()),
				zap.Error(err),
			)
			return
		}
	}
}

func (c *Cluster) addConn(ln *Listener, fd int, sa unix.Sockaddr, now time.Time) {
	cn := newConn(fd, ln, sa, now)
	if err := c.register(fd, cn.interest(), owner{kind: ownerConn, conn: cn}); err != nil {
		logging.Warn("Failed to register connection", zap.Error(err))
		unix.Close(fd)
		return
	}
	c.conns[fd] = cn
	c.stats.accepted.Add(1)
	c.stats.active.Add(1)
	logging.LogConnection(cn.id, cn.remote(), "connection_accepted")
}

// closeConn tears down a connection. A CGI child it was waiting for is
// killed and handed to the reap list, except during shutdown when it keeps
// running until the grace period ends.
func (c *Cluster) closeConn(cn *conn, reason string) {
	if cn.state == stateClosed {
		return
	}
	c.forget(cn.fd)
	delete(c.conns, cn.fd)
	unix.Close(cn.fd)
	cn.state = stateClosed
	cn.closeFile()

	if job := cn.job; job != nil {
		cn.job = nil
		job.conn = nil
		if !c.stopping {
			c.abandonJob(job)
		}
	}

	c.stats.active.Add(-1)
	logging.LogConnection(cn.id, cn.remote(), reason)
}

// startJob registers a freshly spawned child's pipes.
func (c *Cluster) startJob(cn *conn, p *cgi.Process) {
	job := &cgiJob{proc: p, conn: cn, inFd: -1, outFd: -1}
	if p.Stdin >= 0 {
		if err := c.register(p.Stdin, poller.Write, owner{kind: ownerCGIIn, job: job}); err == nil {
			job.inFd = p.Stdin
		}
	}
	if p.Stdout >= 0 {
		if err := c.register(p.Stdout, poller.Read, owner{kind: ownerCGIOut, job: job}); err == nil {
			job.outFd = p.Stdout
		}
	}
	cn.job = job
	c.jobs = append(c.jobs, job)
	c.stats.activeCGI.Add(1)
	logging.LogCGI(cn.id, p.Pid, "spawned")

	if job.outFd < 0 {
		p.Kill()
		p.CloseFds()
		c.releaseJobFds(job)
	}
}

// releaseJobFds forgets pipe descriptors the process has closed.
func (c *Cluster) releaseJobFds(job *cgiJob) {
	if job.inFd >= 0 && job.proc.Stdin != job.inFd {
		c.forget(job.inFd)
		job.inFd = -1
	}
	if job.outFd >= 0 && job.proc.Stdout != job.outFd {
		c.forget(job.outFd)
		job.outFd = -1
	}
}

func (c *Cluster) handleCGIInput(job *cgiJob) {
	if _, err := job.proc.WriteInput(); err != nil {
		logging.Debug("CGI stdin write failed", zap.Int("pid", job.proc.Pid), zap.Error(err))
	}
	c.releaseJobFds(job)
}

func (c *Cluster) handleCGIOutput(job *cgiJob, now time.Time) {
	eof, err := job.proc.ReadOutput()
	switch {
	case errors.Is(err, cgi.ErrOutputTooLarge):
		logging.Warn("CGI output exceeds limit, killing child", zap.Int("pid", job.proc.Pid))
		job.overflow = true
		job.proc.Kill()
		job.proc.CloseFds()
	case err != nil:
		logging.Debug("CGI stdout read failed", zap.Int("pid", job.proc.Pid), zap.Error(err))
		job.proc.CloseFds()
	case eof:
		// stdin may still be open if the child never read its input
		job.proc.CloseFds()
	}
	c.releaseJobFds(job)

	if job.outFd < 0 {
		c.tryFinishJob(job, now)
	}
}

// tryFinishJob reaps the child without blocking and, once it is gone,
// answers its connection.
func (c *Cluster) tryFinishJob(job *cgiJob, now time.Time) {
	done, err := job.proc.Reap()
	if err != nil {
		logging.Warn("Failed to reap CGI child", zap.Int("pid", job.proc.Pid), zap.Error(err))
	}
	if !done {
		return
	}

	c.removeJob(job)
	connID := ""
	if job.conn != nil {
		connID = job.conn.id
	}
	logging.LogCGI(connID, job.proc.Pid, "reaped",
		zap.Stringer("state", job.proc.State),
		zap.Int("output_size", len(job.proc.Output())),
		zap.Duration("elapsed", now.Sub(job.proc.Started)),
	)

	if cn := job.conn; cn != nil {
		cn.job = nil
		job.conn = nil
		c.respondCGI(cn, job, now)
	}
}

func (c *Cluster) removeJob(job *cgiJob) {
	if i := slices.Index(c.jobs, job); i >= 0 {
		c.jobs = slices.Delete(c.jobs, i, i+1)
		c.stats.activeCGI.Add(-1)
	}
}

// abandonJob kills a child whose connection went away.
func (c *Cluster) abandonJob(job *cgiJob) {
	job.proc.Kill()
	job.proc.CloseFds()
	c.releaseJobFds(job)
	c.removeJob(job)
	if done, _ := job.proc.Reap(); !done {
		c.zombies = append(c.zombies, job.proc)
	}
	logging.LogCGI("", job.proc.Pid, "abandoned")
}

// sweep enforces timeouts and collects exited children.
func (c *Cluster) sweep(now time.Time) {
	for _, job := range slices.Clone(c.jobs) {
		switch {
		case job.outFd < 0:
			c.tryFinishJob(job, now)
		case job.proc.Expired(now) && job.proc.State != cgi.StateTimedOut:
			connID := ""
			if job.conn != nil {
				connID = job.conn.id
			}
			logging.LogCGI(connID, job.proc.Pid, "timeout")
			c.stats.timeouts.Add(1)
			job.proc.Timeout()
			job.proc.CloseFds()
			c.releaseJobFds(job)
			c.tryFinishJob(job, now)
		}
	}

	live := c.zombies[:0]
	for _, p := range c.zombies {
		if done, _ := p.Reap(); !done {
			live = append(live, p)
		}
	}
	clear(c.zombies[len(live):])
	c.zombies = live

	for _, cn := range c.conns {
		switch {
		case cn.state == stateLinger && now.After(cn.lingerUntil):
			c.closeConn(cn, "linger_done")
		case cn.state != stateCGI && now.Sub(cn.lastActivity) > c.opts.IdleTimeout:
			c.stats.timeouts.Add(1)
			c.closeConn(cn, "idle_timeout")
		}
	}

	if c.stopping && now.After(c.graceDeadline) {
		for _, job := range slices.Clone(c.jobs) {
			logging.LogCGI("", job.proc.Pid, "grace_expired")
			c.abandonJob(job)
		}
	}
}

// beginShutdown stops accepting, closes every client and listener and lets
// in-flight CGI children run out their grace period.
func (c *Cluster) beginShutdown(now time.Time) {
	c.stopping = true
	c.graceDeadline = now.Add(c.opts.ShutdownGrace)
	logging.Info("Stopping",
		zap.Int("connections", len(c.conns)),
		zap.Int("cgi_children", len(c.jobs)),
		zap.Duration("grace", c.opts.ShutdownGrace),
	)

	for _, ln := range c.listeners {
		c.forget(ln.fd)
		ln.close()
	}
	for _, cn := range c.conns {
		c.closeConn(cn, "shutdown")
	}
}

// closeAll releases every entity immediately; used when the poller fails.
func (c *Cluster) closeAll() {
	c.stopping = true
	for _, ln := range c.listeners {
		c.forget(ln.fd)
		ln.close()
	}
	for _, cn := range c.conns {
		c.closeConn(cn, "shutdown")
	}
	for _, job := range slices.Clone(c.jobs) {
		c.abandonJob(job)
	}
	for _, p := range c.zombies {
		var ws unix.WaitStatus
		unix.Wait4(p.Pid, &ws, 0, nil)
	}
	c.zombies = nil
}

// release closes the poller, the wake pipe and any listener still open.
func (c *Cluster) release() {
	for _, ln := range c.listeners {
		ln.close()
	}
	if c.poll != nil {
		c.poll.Close()
	}
	c.wakeMu.Lock()
	if !c.wakeClosed {
		unix.Close(c.wakeR)
		unix.Close(c.wakeW)
		c.wakeClosed = true
	}
	c.wakeMu.Unlock()
}
