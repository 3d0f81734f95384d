package broker

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/ccr-dev/ccr/src/files"
	"github.com/ccr-dev/ccr/src/protocol"
	"github.com/ccr-dev/ccr/src/session"
)

// Conn is one accepted WebSocket's state, per spec.md §4.8: isAlive for
// the heartbeat, authenticated/currentSessionID for the session-control
// sub-protocol. Besides its message loop and heartbeat ticker, a Conn is
// reached from the attached session's onData callback, the file watch
// callback and other connections' SESSION_LIST broadcasts, so mu guards
// its fields and writeMu serializes socket writes.
type Conn struct {
	server       *Server
	ws           *websocket.Conn
	logger       *logrus.Logger
	rateLimitKey string

	writeMu sync.Mutex

	mu               sync.Mutex
	isAlive          bool
	authenticated    bool
	currentSessionID string
	watch            *files.Watch
	watchedDir       string
}

func newConn(s *Server, ws *websocket.Conn, remoteAddr string) *Conn {
	return &Conn{
		server:       s,
		ws:           ws,
		logger:       s.logger,
		rateLimitKey: rateLimitKeyFromAddr(remoteAddr),
		isAlive:      true,
		watch:        files.NewWatch(s.logger),
	}
}

// rateLimitKeyFromAddr strips the ephemeral port from an upgrade request's
// RemoteAddr per spec.md §4.2's "per remote address" budget: keying on the
// full host:port would let a client reset its window by reconnecting from a
// new source port.
func rateLimitKeyFromAddr(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

func (c *Conn) isAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// writeFrame serializes concurrent writers: the message loop and the
// session onData callback both write to the same socket.
func (c *Conn) writeFrame(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

func (c *Conn) sendError(code, message string) {
	_ = c.writeFrame(protocol.EncodeError(code, message))
}

// run drives one connection end to end: authenticate, then loop reading
// frames until the socket closes. Always runs on its own goroutine
// (handleUpgrade's calling goroutine).
func (c *Conn) run(r *http.Request) {
	defer c.teardown()

	c.ws.SetPongHandler(func(string) error {
		c.mu.Lock()
		c.isAlive = true
		c.mu.Unlock()
		return nil
	})

	if !c.authenticate(r) {
		return
	}

	_ = c.writeFrame(protocol.EncodeAuthOK())
	c.sendSessionList()

	stopHeartbeat := make(chan struct{})
	go c.heartbeatLoop(stopHeartbeat)
	defer close(stopHeartbeat)

	c.messageLoop()
}

// authenticate implements the three-path AUTH state machine: header
// bearer, query token, or a single AUTH frame within authTimeout.
func (c *Conn) authenticate(r *http.Request) bool {
	if token := bearerFromHeader(r); token != "" {
		return c.completeAuth(token)
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return c.completeAuth(token)
	}

	type result struct {
		token string
		err   error
	}
	frameCh := make(chan result, 1)
	go func() {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			frameCh <- result{"", err}
			return
		}
		frame, err := protocol.Decode(data)
		if err != nil {
			frameCh <- result{"", err}
			return
		}
		if frame.Kind != protocol.OpAuth {
			frameCh <- result{"", nil}
			return
		}
		p, err := protocol.DecodeAuth(frame)
		if err != nil {
			frameCh <- result{"", err}
			return
		}
		frameCh <- result{p.Token, nil}
	}()

	select {
	case res := <-frameCh:
		if res.token == "" {
			c.sendError("AUTH_FAILED", "first frame was not a valid AUTH message")
			return false
		}
		return c.completeAuth(res.token)
	case <-time.After(authTimeout):
		c.sendError("AUTH_TIMEOUT", "no AUTH frame received within 5s")
		return false
	}
}

func bearerFromHeader(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(h, prefix) {
		return strings.TrimPrefix(h, prefix)
	}
	return ""
}

func (c *Conn) completeAuth(token string) bool {
	if !c.server.verifyToken(token) {
		c.sendError("AUTH_FAILED", "invalid or expired token")
		return false
	}
	c.mu.Lock()
	c.authenticated = true
	c.mu.Unlock()
	return true
}

func (c *Conn) heartbeatLoop(stop chan struct{}) {
	ticker := time.NewTicker(heartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			alive := c.isAlive
			c.isAlive = false
			c.mu.Unlock()
			if !alive {
				c.ws.Close()
				return
			}
			c.writeMu.Lock()
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// messageLoop implements spec.md §4.8's main loop: rate-limit, decode,
// dispatch by opcode.
func (c *Conn) messageLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		if !c.server.limiter.Check(c.rateLimitKey) {
			c.sendError("RATE_LIMITED", "too many requests")
			continue
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			c.sendError("PARSE_ERROR", err.Error())
			continue
		}

		c.dispatch(frame)
	}
}

func (c *Conn) dispatch(frame protocol.Frame) {
	switch frame.Kind {
	case protocol.OpTerminalData:
		c.handleTerminalData(frame)
	case protocol.OpResize:
		c.handleResize(frame)
	case protocol.OpPing:
		_ = c.writeFrame(protocol.EncodePong())
	case protocol.OpSessionControl:
		c.handleSessionControl(frame)
	case protocol.OpFileList:
		c.handleFileList(frame)
	case protocol.OpFileRead:
		c.handleFileRead(frame)
	case protocol.OpFileWrite:
		c.handleFileWrite(frame)
	case protocol.OpFileSearch:
		c.handleFileSearch(frame)
	default:
		c.sendError("PARSE_ERROR", "unsupported frame kind for this direction")
	}
}

func (c *Conn) attachedSessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentSessionID
}

func (c *Conn) handleTerminalData(frame protocol.Frame) {
	id := c.attachedSessionID()
	if id == "" {
		c.sendError("NO_SESSION", "no session attached")
		return
	}
	sess, ok := c.server.manager.GetSession(id)
	if !ok {
		c.sendError("NO_SESSION", "attached session no longer exists")
		return
	}
	_, _ = sess.Write(protocol.DecodeTerminalData(frame))
}

func (c *Conn) handleResize(frame protocol.Frame) {
	id := c.attachedSessionID()
	if id == "" {
		return
	}
	sess, ok := c.server.manager.GetSession(id)
	if !ok {
		return
	}
	p, err := protocol.DecodeResize(frame)
	if err != nil {
		c.sendError("PARSE_ERROR", err.Error())
		return
	}
	_ = sess.Resize(uint16(p.Cols), uint16(p.Rows))
}

// attachTo implements spec.md §4.8's attach procedure: detach, look up,
// register onData, set currentSessionId, replay scrollback.
func (c *Conn) attachTo(id string) bool {
	c.detach()

	sess, ok := c.server.manager.GetSession(id)
	if !ok {
		c.sendError("SESSION_NOT_FOUND", "no such session: "+id)
		return false
	}

	ok = c.server.manager.AttachClient(id, c, func(data []byte) {
		_ = c.writeFrame(protocol.EncodeSessionOutput(id, data))
	})
	if !ok {
		c.sendError("SESSION_NOT_FOUND", "no such session: "+id)
		return false
	}

	c.mu.Lock()
	c.currentSessionID = id
	c.mu.Unlock()

	if scrollback := sess.GetScrollback(); len(scrollback) > 0 {
		_ = c.writeFrame(protocol.EncodeTerminalData(scrollback))
	}
	return true
}

func (c *Conn) detach() {
	id := c.attachedSessionID()
	if id == "" {
		return
	}
	c.server.manager.DetachClient(id)
	c.watch.Close()
	c.mu.Lock()
	c.currentSessionID = ""
	c.watchedDir = ""
	c.mu.Unlock()
}

func (c *Conn) sendSessionList() {
	entries := c.server.manager.ListSessions()
	id := c.attachedSessionID()
	wire := make([]protocol.SessionListEntry, 0, len(entries))
	for _, e := range entries {
		wire = append(wire, protocol.SessionListEntry{
			ID:           e.ID,
			Name:         e.Name,
			Cwd:          e.Cwd,
			CreatedAt:    e.CreatedAt.UnixMilli(),
			LastActivity: e.LastActivity.UnixMilli(),
			Connected:    e.ID == id || e.Connected,
			Pid:          e.Pid,
			GitBranch:    e.GitBranch,
			GitDirty:     e.GitDirty,
		})
	}
	body, err := protocol.EncodeSessionList(wire)
	if err != nil {
		return
	}
	_ = c.writeFrame(body)
}

func (c *Conn) handleSessionControl(frame protocol.Frame) {
	p, err := protocol.DecodeSessionControl(frame)
	if err != nil {
		c.sendError("PARSE_ERROR", err.Error())
		return
	}

	switch p.Action {
	case "create":
		sess, err := c.server.manager.CreateSession(session.CreateOptions{
			Name: p.Name,
			Cwd:  p.Cwd,
			Cols: uint16(p.Cols),
			Rows: uint16(p.Rows),
		})
		if err != nil {
			c.sendError("INTERNAL_ERROR", err.Error())
			return
		}
		c.attachTo(sess.ID)
		c.server.broadcastSessionList()

	case "attach":
		if p.SessionID == "" {
			c.sendError("MISSING_SESSION_ID", "attach requires sessionId")
			return
		}
		c.attachTo(p.SessionID)

	case "detach":
		c.detach()

	case "destroy":
		if p.SessionID == "" {
			c.sendError("MISSING_SESSION_ID", "destroy requires sessionId")
			return
		}
		if c.attachedSessionID() == p.SessionID {
			c.detach()
		}
		c.server.manager.DestroySession(p.SessionID)
		c.server.broadcastSessionList()

	case "list":
		c.sendSessionList()

	default:
		c.sendError("PARSE_ERROR", "unknown SESSION_CONTROL action: "+p.Action)
	}
}

func (c *Conn) handleFileList(frame protocol.Frame) {
	id := c.attachedSessionID()
	if id == "" {
		c.sendError("NO_SESSION", "no session attached")
		return
	}
	p, err := protocol.DecodeFileList(frame)
	if err != nil {
		c.sendError("PARSE_ERROR", err.Error())
		return
	}
	c.pushFileList(id, p.Path)
}

// pushFileList lists and pushes the listing, then (re)targets the C13
// watch at this directory so subsequent filesystem changes re-push it
// unsolicited.
func (c *Conn) pushFileList(sessionID, path string) {
	entries, err := c.server.files.ListFiles(sessionID, path)
	if err != nil {
		c.sendError("FILE_ERROR", err.Error())
		return
	}
	wire := make([]protocol.FileEntry, 0, len(entries))
	for _, e := range entries {
		wire = append(wire, protocol.FileEntry{Name: e.Name, Type: e.Type, Size: e.Size})
	}
	body, err := protocol.EncodeFileList(protocol.FileListPayload{Path: path, Files: wire})
	if err != nil {
		return
	}
	_ = c.writeFrame(body)

	c.mu.Lock()
	alreadyWatching := c.watchedDir == path
	c.watchedDir = path
	c.mu.Unlock()
	if !alreadyWatching {
		dir := c.server.files.Root(sessionID) + "/" + path
		c.watch.SetDirectory(dir, func() {
			c.pushFileList(sessionID, path)
		})
	}
}

func (c *Conn) handleFileRead(frame protocol.Frame) {
	id := c.attachedSessionID()
	if id == "" {
		c.sendError("NO_SESSION", "no session attached")
		return
	}
	p, err := protocol.DecodeFileRead(frame)
	if err != nil {
		c.sendError("PARSE_ERROR", err.Error())
		return
	}
	content, err := c.server.files.ReadFile(id, p.Path)
	if err != nil {
		c.sendError("FILE_ERROR", err.Error())
		return
	}
	body, err := protocol.EncodeFileContent(protocol.FileContentPayload{
		Path:     p.Path,
		Content:  content.Content,
		Language: content.Language,
	})
	if err != nil {
		return
	}
	_ = c.writeFrame(body)
}

func (c *Conn) handleFileWrite(frame protocol.Frame) {
	id := c.attachedSessionID()
	if id == "" {
		c.sendError("NO_SESSION", "no session attached")
		return
	}
	p, err := protocol.DecodeFileWrite(frame)
	if err != nil {
		c.sendError("PARSE_ERROR", err.Error())
		return
	}
	if err := c.server.files.WriteFile(id, p.Path, p.Content); err != nil {
		c.sendError("FILE_ERROR", err.Error())
	}
}

func (c *Conn) handleFileSearch(frame protocol.Frame) {
	id := c.attachedSessionID()
	if id == "" {
		c.sendError("NO_SESSION", "no session attached")
		return
	}
	p, err := protocol.DecodeFileSearch(frame)
	if err != nil {
		c.sendError("PARSE_ERROR", err.Error())
		return
	}
	results, err := c.server.files.SearchFiles(id, p.Query)
	if err != nil {
		c.sendError("SEARCH_ERROR", err.Error())
		return
	}
	wire := make([]protocol.FileSearchResult, 0, len(results))
	for _, r := range results {
		wire = append(wire, protocol.FileSearchResult{Name: r.Path, Type: r.Type, Size: r.Size, Score: r.Score})
	}
	body, err := protocol.EncodeFileSearch(protocol.FileSearchPayload{Path: p.Path, Query: p.Query, Results: wire})
	if err != nil {
		return
	}
	_ = c.writeFrame(body)
}

func (c *Conn) teardown() {
	c.detach()
	c.watch.Close()
	c.ws.Close()
}
