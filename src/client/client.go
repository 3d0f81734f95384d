// Package client implements C9, the client side of one ccr WebSocket
// connection: dial, authenticate, reconnect with backoff, and surface
// events upward via callbacks. Built on the same gorilla/websocket dial
// APIs the broker (C8) uses for the server side, for symmetry.
package client

import (
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/ccr-dev/ccr/src/protocol"
)

// State is one of the client's connection states, per spec.md §4.9.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAuthenticated
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

const (
	heartbeatPeriod = 30 * time.Second
	reconnectBase   = time.Second
	reconnectCap    = 30 * time.Second
	maxReconnects   = 10
)

// Events is the set of callbacks a caller may set before Connect. Each is
// optional; a nil callback is simply not invoked. Callbacks run on the
// client's internal goroutines (the read loop, and the reconnect loop for
// OnReconnecting/OnReconnectFailed; OnConnected runs on whichever
// goroutine dialed) and must not block.
type Events struct {
	OnConnected       func()
	OnAuthenticated   func()
	OnData            func(sessionID string, data []byte)
	OnSessions        func(entries []protocol.SessionListEntry)
	OnServerError     func(code, message string)
	OnPong            func(latency time.Duration)
	OnDisconnected    func()
	OnReconnecting    func(attempt int, delay time.Duration)
	OnReconnectFailed func()
	OnError           func(err error)
}

// Client is one logical connection to a ccr broker, including its
// reconnect policy.
type Client struct {
	url    string
	token  string
	events Events
	logger *logrus.Logger

	mu               sync.Mutex
	state            State
	conn             *websocket.Conn
	writeMu          sync.Mutex
	attempts         int
	autoReconnect    bool
	lastAttachedID   string
	pingSentAt       time.Time
	stop             chan struct{}
}

// New creates a Client targeting wsURL (e.g. "ws://host:3100/ws") with
// bearer token. autoReconnect enables the spec.md §4.9 reconnect policy.
func New(wsURL, token string, autoReconnect bool, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Client{
		url:           wsURL,
		token:         token,
		logger:        logger,
		autoReconnect: autoReconnect,
		state:         StateDisconnected,
	}
}

// SetEvents installs the event callbacks. Call before Connect.
func (c *Client) SetEvents(e Events) {
	c.mu.Lock()
	c.events = e
	c.mu.Unlock()
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// State returns the client's current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the broker, authenticating via the Authorization: Bearer
// header per spec.md §4.8 — this client is a headless CLI, not a browser,
// so it isn't subject to the "can't set arbitrary WS headers" restriction
// that forces browser clients onto the ?token= query path. Starts the
// read/heartbeat loops and blocks until the initial connection attempt
// resolves.
func (c *Client) Connect() error {
	c.mu.Lock()
	c.stop = make(chan struct{})
	c.mu.Unlock()
	return c.dial()
}

func (c *Client) dial() error {
	c.setState(StateConnecting)

	conn, _, err := websocket.DefaultDialer.Dial(c.url, bearerHeader(c.token))
	if err != nil {
		return fmt.Errorf("client: dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.attempts = 0
	c.mu.Unlock()

	c.setState(StateConnected)
	c.emitConnected()

	go c.readLoop(conn)
	go c.heartbeatLoop(conn)

	return nil
}

func (c *Client) emitConnected() {
	c.mu.Lock()
	cb := c.events.OnConnected
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect()
			return
		}
		frame, err := protocol.Decode(data)
		if err != nil {
			c.emitError(err)
			continue
		}
		c.handleFrame(frame)
	}
}

func (c *Client) handleFrame(frame protocol.Frame) {
	c.mu.Lock()
	ev := c.events
	c.mu.Unlock()

	switch frame.Kind {
	case protocol.OpAuthOK:
		c.setState(StateAuthenticated)
		if ev.OnAuthenticated != nil {
			ev.OnAuthenticated()
		}
		c.reattachIfNeeded()
	case protocol.OpSessionList:
		entries, err := protocol.DecodeSessionList(frame)
		if err != nil {
			c.emitError(err)
			return
		}
		if ev.OnSessions != nil {
			ev.OnSessions(entries)
		}
	case protocol.OpSessionOutput:
		id, data, err := protocol.DecodeSessionOutput(frame)
		if err != nil {
			c.emitError(err)
			return
		}
		if ev.OnData != nil {
			ev.OnData(id, data)
		}
	case protocol.OpTerminalData:
		if ev.OnData != nil {
			ev.OnData(c.AttachedSessionID(), protocol.DecodeTerminalData(frame))
		}
	case protocol.OpPong:
		c.mu.Lock()
		sentAt := c.pingSentAt
		c.mu.Unlock()
		if ev.OnPong != nil && !sentAt.IsZero() {
			ev.OnPong(time.Since(sentAt))
		}
	case protocol.OpError:
		p, err := protocol.DecodeError(frame)
		if err != nil {
			c.emitError(err)
			return
		}
		if ev.OnServerError != nil {
			ev.OnServerError(p.Code, p.Message)
		}
	}
}

// AttachedSessionID returns the session id the caller last successfully
// attached to, used to auto-reattach after reconnect.
func (c *Client) AttachedSessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastAttachedID
}

// SetAttachedSessionID records the session id for reconnect replay; the
// caller updates this whenever an attach/create/detach succeeds.
func (c *Client) SetAttachedSessionID(id string) {
	c.mu.Lock()
	c.lastAttachedID = id
	c.mu.Unlock()
}

func (c *Client) reattachIfNeeded() {
	id := c.AttachedSessionID()
	if id == "" {
		return
	}
	body, err := protocol.EncodeSessionControl(protocol.SessionControlPayload{Action: "attach", SessionID: id})
	if err != nil {
		return
	}
	_ = c.Send(body)
}

func (c *Client) heartbeatLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(heartbeatPeriod)
	defer ticker.Stop()
	c.mu.Lock()
	stop := c.stop
	c.mu.Unlock()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			c.pingSentAt = time.Now()
			c.mu.Unlock()
			if err := c.Send(protocol.EncodePing()); err != nil {
				return
			}
		}
	}
}

// Send writes a raw frame to the socket. Safe for concurrent use.
func (c *Client) Send(frame []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("client: not connected")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (c *Client) emitError(err error) {
	c.mu.Lock()
	cb := c.events.OnError
	c.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

func (c *Client) handleDisconnect() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	ev := c.events
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	c.setState(StateDisconnected)
	if ev.OnDisconnected != nil {
		ev.OnDisconnected()
	}

	c.mu.Lock()
	auto := c.autoReconnect
	c.mu.Unlock()
	if auto {
		go c.reconnectLoop()
	}
}

// reconnectLoop implements spec.md §4.9's policy: exponential backoff
// with jitter, base 1s, cap 30s, up to maxReconnects attempts, counter
// reset on success.
func (c *Client) reconnectLoop() {
	c.setState(StateReconnecting)
	for {
		c.mu.Lock()
		c.attempts++
		attempt := c.attempts
		stop := c.stop
		c.mu.Unlock()

		if attempt > maxReconnects {
			c.mu.Lock()
			ev := c.events
			c.mu.Unlock()
			if ev.OnReconnectFailed != nil {
				ev.OnReconnectFailed()
			}
			return
		}

		delay := backoffDelay(attempt)
		c.mu.Lock()
		ev := c.events
		c.mu.Unlock()
		if ev.OnReconnecting != nil {
			ev.OnReconnecting(attempt, delay)
		}

		select {
		case <-stop:
			return
		case <-time.After(delay):
		}

		if err := c.dial(); err == nil {
			return
		}
	}
}

func backoffDelay(attempt int) time.Duration {
	backoff := reconnectBase * time.Duration(1<<uint(attempt-1))
	jitter := time.Duration(rand.Int63n(int64(time.Second)))
	delay := backoff + jitter
	if delay > reconnectCap {
		delay = reconnectCap
	}
	return delay
}

// Disconnect disables reconnection and closes the socket.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.autoReconnect = false
	conn := c.conn
	stop := c.stop
	c.mu.Unlock()
	if stop != nil {
		select {
		case <-stop:
		default:
			close(stop)
		}
	}
	if conn != nil {
		conn.Close()
	}
	c.setState(StateDisconnected)
}

// bearerHeader builds an Authorization header value, used by callers that
// prefer the header path over the query-token path (headless CLIs).
func bearerHeader(token string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	return h
}
