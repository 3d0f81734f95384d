// Package session implements C5 (PTY Session) and C6 (Session Manager):
// the supervised child process that backs one terminal session, and the
// registry that multiplexes many of them to at most one attached client
// each.
package session

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"

	"github.com/ccr-dev/ccr/src/ringbuffer"
)

// Defaults per spec.md §3/§4.5.
const (
	DefaultCols        = 80
	DefaultRows        = 24
	DefaultIdleTimeout = 30 * time.Minute
)

// Options configures a new Session.
type Options struct {
	ID            string
	Name          string
	Cwd           string
	Cols          uint16
	Rows          uint16
	ChildCommand  string // overrides the candidate list below
	MaxScrollback int
	IdleTimeout   time.Duration
	Logger        *logrus.Logger
}

// Session supervises one child process in a PTY: the unit of
// serialization for its own scrollback and activity clock, per spec.md
// §4.5's rationale. The ring buffer is filled only by the readLoop
// goroutine; bufMu guards it because GetScrollback (called from an
// attaching client's goroutine) reads it and Kill clears it.
type Session struct {
	ID   string
	Name string
	Cwd  string

	logger      *logrus.Logger
	idleTimeout time.Duration

	mu           sync.Mutex
	cols, rows   uint16
	pid          int
	exited       bool
	exitCode     int
	exitSignal   string
	createdAt    time.Time
	lastActivity time.Time
	listener     func([]byte)
	onExit       func(code int, signal string)

	bufMu sync.Mutex
	ring  *ringbuffer.RingBuffer

	ptmx    *os.File
	cmd     *exec.Cmd
	usePgrp bool

	doneCh    chan struct{}
	closeOnce sync.Once
}

// New resolves the child binary, spawns it attached to a fresh PTY with
// the requested size and cwd, and starts the goroutines that pump its
// output into the scrollback and watch for process exit.
func New(opts Options) (*Session, error) {
	cols, rows := opts.Cols, opts.Rows
	if cols == 0 {
		cols = DefaultCols
	}
	if rows == 0 {
		rows = DefaultRows
	}
	idleTimeout := opts.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	childPath, err := resolveChildCommand(opts.ChildCommand)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(childPath)
	if opts.Cwd != "" {
		cmd.Dir = opts.Cwd
	}
	cmd.Env = buildChildEnv()

	usePgrp := runtime.GOOS == "linux"
	if usePgrp {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, fmt.Errorf("session: start child %q: %w", childPath, err)
	}

	now := time.Now()
	pid := 0
	if cmd.Process != nil {
		pid = cmd.Process.Pid
	}

	s := &Session{
		ID:           opts.ID,
		Name:         opts.Name,
		Cwd:          opts.Cwd,
		logger:       logger,
		idleTimeout:  idleTimeout,
		cols:         cols,
		rows:         rows,
		pid:          pid,
		createdAt:    now,
		lastActivity: now,
		ring:         ringbuffer.New(opts.MaxScrollback),
		ptmx:         ptmx,
		cmd:          cmd,
		usePgrp:      usePgrp,
		doneCh:       make(chan struct{}),
	}

	go s.readLoop()
	go s.waitLoop()
	return s, nil
}

// childCandidates returns the env-override-first fallback chain from
// SPEC_FULL.md §4.5: $CCR_CHILD_CMD, then claude, claude-code, then
// $SHELL, then /bin/sh.
func childCandidates(override string) []string {
	if override != "" {
		return []string{override}
	}
	candidates := []string{"claude", "claude-code"}
	if shell := os.Getenv("SHELL"); shell != "" {
		candidates = append(candidates, shell)
	}
	candidates = append(candidates, "/bin/sh")
	return candidates
}

func resolveChildCommand(override string) (string, error) {
	var lastErr error
	for _, candidate := range childCandidates(override) {
		if resolved, err := exec.LookPath(candidate); err == nil {
			return resolved, nil
		} else {
			lastErr = err
		}
		// A candidate that is already an absolute, executable path (e.g.
		// $SHELL or /bin/sh on a minimal PATH) passes even if LookPath
		// can't resolve it through PATH.
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("session: no child command found (tried %v): %w", childCandidates(override), lastErr)
}

// buildChildEnv copies the broker's environment, forcing TERM and
// COLORTERM so the child gets full-color terminal emulation regardless
// of the environment it inherited, matching the teacher's
// NewTerminalSession env-construction loop.
func buildChildEnv() []string {
	systemEnv := os.Environ()
	finalEnv := make([]string, 0, len(systemEnv)+2)
	for _, kv := range systemEnv {
		finalEnv = append(finalEnv, kv)
	}
	finalEnv = append(finalEnv, "TERM=xterm-256color", "COLORTERM=truecolor")
	return finalEnv
}

// SetListener installs the single subscriber that receives every
// data(bytes) event. Passing nil detaches the current listener. The
// session manager is responsible for ensuring only one client holds this
// at a time (spec.md §4.6's single-attacher invariant).
func (s *Session) SetListener(fn func([]byte)) {
	s.mu.Lock()
	s.listener = fn
	s.mu.Unlock()
}

// SetExitListener installs the callback invoked once, after the child
// process exits.
func (s *Session) SetExitListener(fn func(code int, signal string)) {
	s.mu.Lock()
	s.onExit = fn
	s.mu.Unlock()
}

func (s *Session) readLoop() {
	buf := make([]byte, 32*1024)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])

			s.bufMu.Lock()
			s.ring.Push(data)
			s.bufMu.Unlock()

			s.mu.Lock()
			s.lastActivity = time.Now()
			listener := s.listener
			s.mu.Unlock()

			if listener != nil {
				listener(data)
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) waitLoop() {
	err := s.cmd.Wait()

	code := 0
	signal := ""
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
				signal = status.Signal().String()
				code = -1
			}
		} else {
			code = -1
		}
	}

	s.mu.Lock()
	s.exited = true
	s.exitCode = code
	s.exitSignal = signal
	onExit := s.onExit
	s.mu.Unlock()

	s.closeOnce.Do(func() { close(s.doneCh) })
	if onExit != nil {
		onExit(code, signal)
	}
	s.logger.WithFields(logrus.Fields{"session": s.ID, "code": code, "signal": signal}).Info("session: child exited")
}

// Write forwards to the PTY master if the child hasn't exited yet, and
// updates lastActivity.
func (s *Session) Write(p []byte) (int, error) {
	s.mu.Lock()
	if s.exited {
		s.mu.Unlock()
		return 0, fmt.Errorf("session: %s has exited", s.ID)
	}
	s.mu.Unlock()

	n, err := s.ptmx.Write(p)
	if err == nil {
		s.mu.Lock()
		s.lastActivity = time.Now()
		s.mu.Unlock()
	}
	return n, err
}

// Resize forwards WINCH to the PTY; a no-op once the child has exited.
func (s *Session) Resize(cols, rows uint16) error {
	s.mu.Lock()
	if s.exited {
		s.mu.Unlock()
		return nil
	}
	s.cols, s.rows = cols, rows
	s.mu.Unlock()

	return pty.Setsize(s.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

// GetScrollback returns the concatenated ring buffer contents.
func (s *Session) GetScrollback() []byte {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	return s.ring.Contents()
}

// IsIdle reports whether more than the session's idle timeout has
// elapsed since the last byte was written by or read from the child.
func (s *Session) IsIdle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity) > s.idleTimeout
}

// Snapshot is a point-in-time, race-free copy of the session's metadata,
// used by the manager to build SESSION_LIST entries.
type Snapshot struct {
	ID           string
	Name         string
	Cwd          string
	Cols, Rows   uint16
	Pid          int
	Exited       bool
	ExitCode     int
	ExitSignal   string
	CreatedAt    time.Time
	LastActivity time.Time
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:           s.ID,
		Name:         s.Name,
		Cwd:          s.Cwd,
		Cols:         s.cols,
		Rows:         s.rows,
		Pid:          s.pid,
		Exited:       s.exited,
		ExitCode:     s.exitCode,
		ExitSignal:   s.exitSignal,
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
	}
}

// Done returns a channel closed once after the child process exits.
func (s *Session) Done() <-chan struct{} {
	return s.doneCh
}

// Kill terminates the child if still running, clears the scrollback, and
// detaches any listener. Idempotent. From then on the session counts as
// exited: Write fails and Resize is a no-op.
func (s *Session) Kill() {
	s.mu.Lock()
	exited := s.exited
	s.exited = true
	s.mu.Unlock()

	if !exited && s.cmd.Process != nil {
		pid := s.cmd.Process.Pid
		if s.usePgrp {
			_ = syscall.Kill(-pid, syscall.SIGKILL)
		} else {
			_ = s.cmd.Process.Kill()
		}
	}
	_ = s.ptmx.Close()

	s.bufMu.Lock()
	s.ring.Clear()
	s.bufMu.Unlock()

	s.SetListener(nil)
}
