package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/room4-2/uirelay/config"
	"github.com/room4-2/uirelay/gemini"
	"github.com/room4-2/uirelay/logging"
	"github.com/room4-2/uirelay/messages"
	"github.com/room4-2/uirelay/metrics"
	"github.com/room4-2/uirelay/session"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Deps are the shared collaborators every connection is built from
type Deps struct {
	Open     session.OpenFunc
	Registry *session.Registry
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

type Server struct {
	httpServer *http.Server
	upgrader   websocket.Upgrader
	config     *config.Config

	open     session.OpenFunc
	registry *session.Registry
	metrics  *metrics.Metrics
	logger   *slog.Logger

	// baseCtx is the parent of every connection; Shutdown cancels it
	baseCtx context.Context
	cancel  context.CancelFunc

	active atomic.Int64

	// mu guards closing and every conns.Add, so no connection is accepted
	// once Shutdown has started waiting.
	mu           sync.Mutex
	closing      bool
	conns        sync.WaitGroup
	shutdownDone chan struct{}
	shutdownOnce sync.Once
}

// OpenGemini adapts a Dialer to the connection's OpenFunc
func OpenGemini(d *gemini.Dialer) session.OpenFunc {
	return func(ctx context.Context) (session.Upstream, error) {
		s, err := d.Open(ctx)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

func NewServerWebsocket(cfg *config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	baseCtx, cancel := context.WithCancel(context.Background())

	s := &Server{
		config:   cfg,
		open:     deps.Open,
		registry: deps.Registry,
		metrics:  deps.Metrics,
		logger:   logger,
		baseCtx:  baseCtx,
		cancel:   cancel,

		shutdownDone: make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024, // 64KB for audio chunks
			WriteBufferSize: 64 * 1024, // 64KB for audio chunks
			CheckOrigin: func(r *http.Request) bool {
				// Check allowed origins
				origin := r.Header.Get("Origin")
				for _, allowed := range cfg.AllowedOrigins {
					if allowed == "*" || allowed == origin {
						return true
					}
				}
				return false
			},
		},
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the HTTP routes: the relay endpoint, health and metrics
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", s.metrics.Handler())
	return mux
}

// Start begins listening for connections. After Shutdown it returns nil, but
// only once Shutdown has finished tearing down the live connections.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.config.Addr())
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Serve accepts connections on l. It behaves like Start.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("🚀 WebSocket server starting", "addr", l.Addr().String())
	s.logger.Info("📡 WebSocket endpoint", "url", "ws://"+l.Addr().String()+"/ws")
	if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-s.shutdownDone
	return nil
}

// Shutdown stops accepting connections, tears down every live one and waits
// for them to finish or for ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	defer s.shutdownOnce.Do(func() { close(s.shutdownDone) })

	s.logger.Info("🛑 Shutting down server...")
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	s.cancel()
	err := s.httpServer.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("⚠️ connections still open at shutdown deadline", "active", s.active.Load())
		return errors.Join(err, ctx.Err())
	}
	return err
}

// ActiveConnections reports connections currently being relayed
func (s *Server) ActiveConnections() int64 {
	return s.active.Load()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.track() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.conns.Done()

	if !s.reserve() {
		s.logger.Warn("⚠️ connection rejected, at capacity", "remote", r.RemoteAddr, "max", s.config.MaxConnections)
		s.writeHTTPError(w, http.StatusServiceUnavailable, messages.ErrCodeCapacity, "too many connections")
		return
	}
	defer s.release()

	// Upgrade HTTP to WebSocket
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	if s.config.ReadLimit > 0 {
		conn.SetReadLimit(s.config.ReadLimit)
	}

	c := session.NewConnection(conn, session.Options{
		ID:           uuid.NewString(),
		RemoteAddr:   r.RemoteAddr,
		Open:         s.open,
		Logger:       s.logger,
		Metrics:      s.metrics,
		Registry:     s.registry,
		WriteTimeout: s.config.WriteTimeout,
	})

	// Blocks until the connection is fully released
	if err := c.Run(s.baseCtx); err != nil {
		s.logger.Warn("connection ended with error", "conn", c.ID, "error", err)
	}
}

// track registers a request with the shutdown wait group. It fails once
// Shutdown has begun.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns.Add(1)
	return true
}

// reserve claims a connection slot. A non-positive limit means unlimited.
func (s *Server) reserve() bool {
	n := s.active.Add(1)
	if limit := s.config.MaxConnections; limit > 0 && n > int64(limit) {
		s.active.Add(-1)
		return false
	}
	return true
}

func (s *Server) release() {
	s.active.Add(-1)
}

type healthResponse struct {
	Status      string `json:"status"`
	Connections int64  `json:"connections"`
	Registered  *int64 `json:"registered,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Connections: s.active.Load()}
	if s.registry != nil {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		defer cancel()
		if n, err := s.registry.ActiveCount(ctx); err == nil {
			resp.Registered = &n
		}
	}
	if s.baseCtx.Err() != nil {
		resp.Status = "shutting_down"
	}

	body, err := sonic.ConfigStd.Marshal(resp)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) writeHTTPError(w http.ResponseWriter, status int, code, msg string) {
	body, err := messages.Marshal(messages.NewErrorMessage(code, msg))
	if err != nil {
		http.Error(w, msg, status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
