//go:build linux

package cgi

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Config holds the limits applied to every CGI child.
type Config struct {
	// Timeout is how long a child may run before it is killed.
	// Default: 30 seconds
	Timeout time.Duration

	// MaxOutput bounds the bytes read from a child's stdout.
	// Default: 8 MiB
	MaxOutput int

	// Path is exported to children as PATH.
	// Default: the server's own PATH
	Path string
}

// DefaultConfig returns a Config with the built-in limits.
func DefaultConfig() Config {
	path := os.Getenv("PATH")
	if path == "" {
		path = "/usr/local/bin:/usr/bin:/bin"
	}
	return Config{
		Timeout:   30 * time.Second,
		MaxOutput: 8 << 20,
		Path:      path,
	}
}

// Executor spawns CGI children whose pipes are driven by the caller's
// event loop. It never blocks and never waits on a child.
type Executor struct {
	config Config
	logger *zap.Logger
}

// NewExecutor creates an executor with the given configuration.
func NewExecutor(config Config, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{config: config, logger: logger}
}

// Start spawns the interpreter for req. The returned process has
// non-blocking parent pipe ends ready for registration with a poller. The
// request body is queued for WriteInput.
func (e *Executor) Start(req *Request) (*Process, error) {
	if req.Interpreter == "" {
		return nil, errors.New("cgi: no interpreter configured")
	}

	var in, out [2]int
	if err := unix.Pipe2(in[:], unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	if err := unix.Pipe2(out[:], unix.O_CLOEXEC); err != nil {
		unix.Close(in[0])
		unix.Close(in[1])
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	// Child ends stay blocking; exec dups them onto fds 0 and 1.
	childIn := os.NewFile(uintptr(in[0]), "cgi-stdin")
	childOut := os.NewFile(uintptr(out[1]), "cgi-stdout")

	cmd := exec.Command(req.Interpreter, req.ScriptFilename)
	cmd.Env = Env(req, e.config.Path)
	cmd.Dir = filepath.Dir(req.ScriptFilename)
	cmd.Stdin = childIn
	cmd.Stdout = childOut
	cmd.Stderr = os.Stderr

	err := cmd.Start()
	childIn.Close()
	childOut.Close()
	if err != nil {
		unix.Close(in[1])
		unix.Close(out[0])
		return nil, fmt.Errorf("failed to start %s: %w", req.Interpreter, err)
	}

	pid := cmd.Process.Pid
	// The reactor reaps with wait4; drop the runtime's handle on the child.
	cmd.Process.Release()

	p := &Process{
		Pid:       pid,
		Stdin:     in[1],
		Stdout:    out[0],
		Started:   time.Now(),
		State:     StateSpawned,
		input:     req.Body,
		maxOutput: e.config.MaxOutput,
		deadline:  time.Now().Add(e.config.Timeout),
	}
	for _, fd := range []int{p.Stdin, p.Stdout} {
		if err := unix.SetNonblock(fd, true); err != nil {
			p.Kill()
			p.CloseFds()
			var ws unix.WaitStatus
			unix.Wait4(pid, &ws, 0, nil)
			return nil, fmt.Errorf("failed to set pipe non-blocking: %w", err)
		}
	}
	if len(p.input) == 0 {
		p.closeStdin()
	}

	e.logger.Debug("spawned CGI child",
		zap.Int("pid", pid),
		zap.String("interpreter", req.Interpreter),
		zap.String("script", req.ScriptFilename),
		zap.Int("body_size", len(req.Body)),
	)
	return p, nil
}
