// Package relay implements C10, the raw terminal relay: it puts the
// local terminal into raw mode and pipes stdin/stdout through a Client
// (C9) connection, overlaid with a tmux-style Ctrl+B prefix-key command
// layer. Grounded on the pack's PTY-CLI examples (egg.go in
// ehrlich-b-wingthing) which use the same term.MakeRaw/Restore and
// SIGWINCH-via-signal.Notify idiom for an identical purpose.
package relay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/term"

	"github.com/ccr-dev/ccr/src/client"
	"github.com/ccr-dev/ccr/src/protocol"
)

const prefixKey = 0x02 // Ctrl+B
const prefixWindow = 2 * time.Second

// ErrReconnectExhausted is returned by Run when the underlying client
// gives up reconnecting, per spec.md's exit code 1.
var ErrReconnectExhausted = fmt.Errorf("relay: reconnect attempts exhausted")

// Relay drives one interactive terminal session: raw-mode stdin/stdout
// piped through a client.Client, with a prefix-key command overlay for
// switching between sessions without leaving the terminal.
type Relay struct {
	c      *client.Client
	logger *logrus.Logger
	stdin  io.Reader
	stdout io.Writer
	fd     int

	mu          sync.Mutex
	sessions    []protocol.SessionListEntry
	attachedID  string
	prefixArmed bool
	prefixTimer *time.Timer

	done chan struct{}
	exit error
}

// New creates a Relay over c. Stdin/stdout default to os.Stdin/os.Stdout.
func New(c *client.Client, logger *logrus.Logger) *Relay {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Relay{
		c:      c,
		logger: logger,
		stdin:  os.Stdin,
		stdout: os.Stdout,
		fd:     int(os.Stdin.Fd()),
		done:   make(chan struct{}),
	}
}

// Run puts the terminal in raw mode, attaches the client's event
// callbacks, and blocks until the context is canceled or reconnection is
// exhausted; detaching from a session (prefix d) does not end it.
// Restores the terminal before returning.
func (r *Relay) Run(ctx context.Context) error {
	var oldState *term.State
	if term.IsTerminal(r.fd) {
		var err error
		oldState, err = term.MakeRaw(r.fd)
		if err != nil {
			r.logger.WithError(err).Warn("relay: failed to enter raw mode")
		} else {
			defer term.Restore(r.fd, oldState)
		}
	}

	r.c.SetEvents(client.Events{
		OnConnected: func() {
			r.logger.Info("relay: connected")
		},
		OnAuthenticated: func() {
			r.logger.Info("relay: authenticated")
		},
		OnData: func(sessionID string, data []byte) {
			r.stdout.Write(data)
		},
		OnSessions: func(entries []protocol.SessionListEntry) {
			r.mu.Lock()
			r.sessions = entries
			r.mu.Unlock()
		},
		OnServerError: func(code, message string) {
			r.logger.WithFields(logrus.Fields{"code": code}).Warn(message)
		},
		OnDisconnected: func() {
			r.logger.Warn("relay: disconnected, attempting to reconnect")
		},
		OnReconnecting: func(attempt int, delay time.Duration) {
			r.logger.Infof("relay: reconnecting (attempt %d) in %s", attempt, delay)
		},
		OnReconnectFailed: func() {
			r.finish(ErrReconnectExhausted)
		},
	})

	if err := r.c.Connect(); err != nil {
		return fmt.Errorf("relay: connect: %w", err)
	}

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)
	go r.winchLoop(winch)

	go r.stdinLoop()

	select {
	case <-ctx.Done():
		r.c.Disconnect()
		return ctx.Err()
	case <-r.done:
		return r.exit
	}
}

func (r *Relay) finish(err error) {
	r.mu.Lock()
	select {
	case <-r.done:
	default:
		r.exit = err
		close(r.done)
	}
	r.mu.Unlock()
}

func (r *Relay) winchLoop(winch chan os.Signal) {
	for range winch {
		if !term.IsTerminal(r.fd) {
			continue
		}
		cols, rows, err := term.GetSize(r.fd)
		if err != nil {
			continue
		}
		body, err := protocol.EncodeResize(cols, rows)
		if err != nil {
			continue
		}
		r.c.Send(body)
	}
}

// stdinLoop reads raw stdin in a tight loop, splitting each chunk on
// prefixKey per spec.md §4.10's positional rule: bytes before the key
// flush to the child, the byte after is consumed as a command, and the
// remainder continues to be scanned for further occurrences.
func (r *Relay) stdinLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := r.stdin.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			r.processChunk(chunk)
		}
		if err != nil {
			return
		}
	}
}

func (r *Relay) processChunk(data []byte) {
	r.mu.Lock()
	armed := r.prefixArmed
	if armed {
		r.prefixArmed = false
		if r.prefixTimer != nil {
			r.prefixTimer.Stop()
		}
	}
	r.mu.Unlock()

	if armed && len(data) > 0 {
		r.runCommand(data[0])
		data = data[1:]
	}

	for len(data) > 0 {
		idx := bytes.IndexByte(data, prefixKey)
		if idx == -1 {
			r.sendInput(data)
			return
		}
		if idx > 0 {
			r.sendInput(data[:idx])
		}
		if idx+1 < len(data) {
			r.runCommand(data[idx+1])
			data = data[idx+2:]
			continue
		}
		// Ctrl+B was the last byte of this chunk: arm the prefix
		// window and wait for the command byte on a future read.
		r.armPrefix()
		return
	}
}

func (r *Relay) armPrefix() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prefixArmed = true
	if r.prefixTimer != nil {
		r.prefixTimer.Stop()
	}
	r.prefixTimer = time.AfterFunc(prefixWindow, func() {
		r.mu.Lock()
		r.prefixArmed = false
		r.mu.Unlock()
	})
}

func (r *Relay) sendInput(data []byte) {
	r.c.Send(protocol.EncodeTerminalData(data))
}

// runCommand dispatches one prefix-key command byte per spec.md §4.10:
// c create, n/p next/prev, l list, d detach, ? help, 0-9 switch by index.
func (r *Relay) runCommand(b byte) {
	switch {
	case b == 'c':
		r.create()
	case b == 'n':
		r.cycle(1)
	case b == 'p':
		r.cycle(-1)
	case b == 'l':
		r.printSessions()
	case b == 'd':
		r.detach()
	case b == '?':
		r.printHelp()
	case b >= '0' && b <= '9':
		r.switchToIndex(int(b - '0'))
	}
}

func (r *Relay) create() {
	body, err := protocol.EncodeSessionControl(protocol.SessionControlPayload{Action: "create"})
	if err != nil {
		return
	}
	r.c.Send(body)
}

func (r *Relay) attach(id string) {
	body, err := protocol.EncodeSessionControl(protocol.SessionControlPayload{Action: "attach", SessionID: id})
	if err != nil {
		return
	}
	if err := r.c.Send(body); err == nil {
		r.c.SetAttachedSessionID(id)
		r.mu.Lock()
		r.attachedID = id
		r.mu.Unlock()
	}
}

func (r *Relay) detach() {
	body, err := protocol.EncodeSessionControl(protocol.SessionControlPayload{Action: "detach"})
	if err != nil {
		return
	}
	r.c.Send(body)
	r.c.SetAttachedSessionID("")
	r.mu.Lock()
	r.attachedID = ""
	r.mu.Unlock()
}

func (r *Relay) cycle(delta int) {
	r.mu.Lock()
	entries := r.sessions
	cur := r.attachedID
	r.mu.Unlock()
	if len(entries) == 0 {
		return
	}
	idx := 0
	for i, e := range entries {
		if e.ID == cur {
			idx = i
			break
		}
	}
	idx = (idx + delta + len(entries)) % len(entries)
	r.attach(entries[idx].ID)
}

func (r *Relay) switchToIndex(i int) {
	r.mu.Lock()
	entries := r.sessions
	r.mu.Unlock()
	if i < 0 || i >= len(entries) {
		return
	}
	r.attach(entries[i].ID)
}

func (r *Relay) printSessions() {
	r.mu.Lock()
	entries := append([]protocol.SessionListEntry(nil), r.sessions...)
	cur := r.attachedID
	r.mu.Unlock()
	fmt.Fprint(r.stdout, "\r\n")
	for i, e := range entries {
		marker := " "
		if e.ID == cur {
			marker = "*"
		}
		fmt.Fprintf(r.stdout, "%s %d: %s  %s\r\n", marker, i, e.ID, e.Cwd)
	}
}

func (r *Relay) printHelp() {
	fmt.Fprint(r.stdout, "\r\nctrl-b c create, n/p next/prev, l list, d detach, 0-9 switch, ? help\r\n")
}
