// Package broker implements C8, the broker/WebSocket server: a single
// gin-routed HTTP+WS listener authenticating clients, dispatching binary
// protocol frames to session/file operations, and broadcasting session
// list changes to every authenticated socket.
//
// Grounded on the teacher's src/api.SetupRouter for the middleware chain
// and on its terminal WebSocket handler for the upgrade-then-message-loop
// shape,
// generalized from the teacher's JSON TerminalMessage envelope to this
// project's binary opcode framing (src/protocol) and from its
// single-shell-per-query-param model to the full multi-session
// authenticate/attach/detach/destroy/list sub-protocol.
package broker

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/ccr-dev/ccr/src/auth"
	"github.com/ccr-dev/ccr/src/files"
	"github.com/ccr-dev/ccr/src/ratelimit"
	"github.com/ccr-dev/ccr/src/session"
)

const (
	authTimeout      = 5 * time.Second
	heartbeatPeriod  = 30 * time.Second
	idleReaperPeriod = 5 * time.Minute
)

// Server owns the HTTP engine, the session registry, the file handler,
// and the set of currently connected sockets (for SESSION_LIST broadcast).
type Server struct {
	logger    *logrus.Logger
	secretHex string
	manager   *session.Manager
	files     *files.Handler
	limiter   *ratelimit.Limiter
	upgrader  websocket.Upgrader

	connsMu sync.Mutex
	conns   map[*Conn]struct{}

	httpServer *http.Server
}

// New builds a Server around an already-constructed session manager and
// file handler, sharing the broker's config-derived JWT secret.
func New(secretHex string, manager *session.Manager, fileHandler *files.Handler, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Server{
		logger:    logger,
		secretHex: secretHex,
		manager:   manager,
		files:     fileHandler,
		limiter:   ratelimit.New(ratelimit.DefaultMaxRequests, ratelimit.DefaultWindow),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: make(map[*Conn]struct{}),
	}
}

// Router builds the gin engine: recovery, no-cache and request logging on
// every route, permissive CORS on /api/health only, then the
// authenticating WebSocket upgrade route. These two routes are the whole
// HTTP surface; no static assets are served.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(noCacheMiddleware())
	r.Use(requestLogMiddleware(s.logger))

	r.GET("/api/health", corsMiddleware(), s.handleHealth)
	r.OPTIONS("/api/health", corsMiddleware())
	r.GET("/ws", s.handleUpgrade)

	return r
}

// handleHealth answers spec.md §6's fixed health shape.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"sessions": s.manager.Count(),
	})
}

func (s *Server) handleUpgrade(c *gin.Context) {
	wsConn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.WithError(err).Warn("broker: websocket upgrade failed")
		return
	}

	conn := newConn(s, wsConn, c.Request.RemoteAddr)
	s.register(conn)
	defer s.unregister(conn)

	conn.run(c.Request)
}

func (s *Server) register(c *Conn) {
	s.connsMu.Lock()
	s.conns[c] = struct{}{}
	s.connsMu.Unlock()
}

func (s *Server) unregister(c *Conn) {
	s.connsMu.Lock()
	delete(s.conns, c)
	s.connsMu.Unlock()
	s.limiter.Remove(c.rateLimitKey)
}

// broadcastSessionList pushes a fresh SESSION_LIST to every authenticated
// socket, used after CREATE/DESTROY per spec.md §4.8.
func (s *Server) broadcastSessionList() {
	s.connsMu.Lock()
	targets := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		targets = append(targets, c)
	}
	s.connsMu.Unlock()

	for _, c := range targets {
		if c.isAuthenticated() {
			c.sendSessionList()
		}
	}
}

// verifyToken validates a bearer token against the broker's configured
// secret, delegating entirely to the C3 auth package.
func (s *Server) verifyToken(token string) bool {
	_, err := auth.VerifyAccessToken(token, s.secretHex)
	return err == nil
}

// Run starts the idle reaper and serves HTTP until the context is
// cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.Router()}

	reaperDone := make(chan struct{})
	go s.idleReaperLoop(ctx, reaperDone)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.manager.DestroyAll()
		<-reaperDone
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) idleReaperLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(idleReaperPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.manager.CleanupIdleSessions(); n > 0 {
				s.logger.WithField("count", n).Info("broker: reaped idle sessions")
			}
		}
	}
}
