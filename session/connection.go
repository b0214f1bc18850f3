package session

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/room4-2/uirelay/logging"
	"github.com/room4-2/uirelay/messages"
	"github.com/room4-2/uirelay/metrics"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

const (
	defaultWriteTimeout = 10 * time.Second
	registryTimeout     = 2 * time.Second
)

var (
	// ErrClientClosed means the client went away: read failure, close frame or
	// write failure. It is the normal way for a connection to end.
	ErrClientClosed = errors.New("client connection closed")
	// ErrConnectionClosed is the cancellation cause when Close is called while
	// the forwarders are still running.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrUpstreamOpen wraps the failure to open the upstream session
	ErrUpstreamOpen = errors.New("open upstream session")
	// ErrUpstreamEnded means the upstream session stopped accepting or
	// producing messages.
	ErrUpstreamEnded = errors.New("upstream session ended")
)

// ClientConn is the client side of a relayed connection. *websocket.Conn
// satisfies it.
type ClientConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Upstream is the live model session bound to one connection
type Upstream interface {
	Send(ctx context.Context, frame messages.UpstreamFrame) error
	Turn(ctx context.Context) iter.Seq2[messages.UpstreamEvent, error]
	Close() error
}

// OpenFunc opens the upstream session for a new connection
type OpenFunc func(ctx context.Context) (Upstream, error)

// State is the lifecycle stage of a Connection
type State int

const (
	StateAccepting State = iota
	StateHandshaking
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAccepting:
		return "accepting"
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options configures a Connection
type Options struct {
	ID           string
	RemoteAddr   string
	Open         OpenFunc
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
	Registry     *Registry
	WriteTimeout time.Duration
}

// Connection supervises one client connection and the upstream session opened
// for it. It owns both handles and the two forwarders; nothing else holds them.
type Connection struct {
	ID         string
	RemoteAddr string
	CreatedAt  time.Time

	conn         ClientConn
	open         OpenFunc
	logger       *slog.Logger
	metrics      *metrics.Metrics
	registry     *Registry
	writeTimeout time.Duration

	mu             sync.Mutex
	state          State
	upstream       Upstream
	cancel         context.CancelCauseFunc
	forwardersDone chan struct{}
	registered     bool

	// writeMu serializes the handshake writes with the close frame written
	// by Close. The outbound forwarder writes alone and does not take it.
	writeMu sync.Mutex

	closeOnce sync.Once
}

// NewConnection wraps an accepted client connection
func NewConnection(conn ClientConn, opts Options) *Connection {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}

	return &Connection{
		ID:           opts.ID,
		RemoteAddr:   opts.RemoteAddr,
		CreatedAt:    time.Now(),
		conn:         conn,
		open:         opts.Open,
		logger:       logger.With("conn", opts.ID),
		metrics:      opts.Metrics,
		registry:     opts.Registry,
		writeTimeout: writeTimeout,
		state:        StateAccepting,
	}
}

// State returns the current lifecycle stage
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	c.logger.Debug("connection state", "from", prev.String(), "to", s.String())
}

// Run performs the handshake, relays until either side ends, then releases
// everything. It returns nil when the client went away and the termination
// cause otherwise. Cancelling ctx tears the connection down.
func (c *Connection) Run(ctx context.Context) error {
	c.metrics.ConnectionOpened()
	cause := c.run(ctx)
	_ = c.Close()

	c.metrics.ConnectionClosed(resultLabel(cause), time.Since(c.CreatedAt).Seconds())
	c.logger.Info("🔌 connection closed", "cause", causeText(cause), "duration", time.Since(c.CreatedAt).Round(time.Millisecond))

	if errors.Is(cause, ErrClientClosed) {
		return nil
	}
	return cause
}

func (c *Connection) run(ctx context.Context) (cause error) {
	defer func() {
		if r := recover(); r != nil {
			cause = fmt.Errorf("connection panic: %v", r)
		}
	}()

	c.logger.Info("✅ client connected", "remote", c.RemoteAddr)
	c.setState(StateHandshaking)

	// Ack right away so the client does not time out while the upstream
	// session is being established.
	if err := c.writeJSON(messages.NewServerReady()); err != nil {
		return fmt.Errorf("%w: server_ready: %w", ErrClientClosed, err)
	}

	c.logger.Info("⏳ opening Gemini session")
	up, err := c.open(ctx)
	if err != nil {
		c.logger.Error("❌ failed to open Gemini session", "error", err)
		if werr := c.writeJSON(messages.NewErrorMessage(messages.ErrCodeSessionFailed, "upstream session unavailable")); werr != nil {
			c.logger.Debug("could not report session failure", "error", werr)
		}
		return fmt.Errorf("%w: %w", ErrUpstreamOpen, err)
	}

	c.mu.Lock()
	if c.state != StateHandshaking {
		// Close ran while we were connecting
		c.mu.Unlock()
		_ = up.Close()
		return ErrConnectionClosed
	}
	c.upstream = up
	c.mu.Unlock()
	c.logger.Info("✅ Gemini session established")

	if err := c.writeJSON(messages.NewGeminiReady()); err != nil {
		return fmt.Errorf("%w: gemini_ready: %w", ErrClientClosed, err)
	}

	return c.relay(ctx, up)
}

// relay runs both forwarders until the first one stops, then cancels the
// other and waits for it.
func (c *Connection) relay(parent context.Context, up Upstream) error {
	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)

	c.mu.Lock()
	if c.state != StateHandshaking {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	c.state = StateActive
	c.cancel = cancel
	c.forwardersDone = make(chan struct{})
	done := c.forwardersDone
	c.mu.Unlock()
	defer close(done)

	c.logger.Debug("connection state", "from", StateHandshaking.String(), "to", StateActive.String())
	c.register(parent)

	// ReadMessage has no context; a past deadline is what unblocks it
	stopAfter := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stopAfter()

	in := &inboundForwarder{conn: c.conn, upstream: up, logger: c.logger, metrics: c.metrics}
	out := &outboundForwarder{conn: c.conn, upstream: up, logger: c.logger, metrics: c.metrics, writeTimeout: c.writeTimeout}

	var g errgroup.Group
	g.Go(c.supervise("inbound", cancel, func() error { return in.run(ctx) }))
	g.Go(c.supervise("outbound", cancel, func() error { return out.run(ctx) }))
	_ = g.Wait()

	return context.Cause(ctx)
}

// supervise wraps a forwarder so that its exit, for whatever reason, cancels
// its sibling. Panics become the termination cause.
func (c *Connection) supervise(name string, cancel context.CancelCauseFunc, fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%s forwarder panic: %v", name, r)
				c.logger.Error("💥 forwarder panicked", "forwarder", name, "panic", r)
			}
			if err == nil {
				err = fmt.Errorf("%s forwarder stopped", name)
			}
			cancel(err)
			c.logger.Info("⏹️ forwarder terminated", "forwarder", name, "cause", causeText(err))
		}()
		return fn()
	}
}

// Close tears the connection down: it stops the forwarders, closes the
// upstream session, then the client connection. It may be called from any
// goroutine, including while Run is still handshaking. Calling it again is a
// no-op.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosing
		cancel := c.cancel
		done := c.forwardersDone
		c.mu.Unlock()
		c.logger.Debug("connection state", "to", StateClosing.String())

		if cancel != nil {
			cancel(ErrConnectionClosed)
		}
		if done != nil {
			<-done
		}

		c.mu.Lock()
		up := c.upstream
		c.mu.Unlock()
		if up != nil {
			if err := up.Close(); err != nil {
				c.logger.Debug("upstream close", "error", err)
			}
		}

		c.unregister()

		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = c.conn.Close()
		c.writeMu.Unlock()

		c.setState(StateClosed)
	})
	return nil
}

func (c *Connection) writeJSON(msg any) error {
	payload, err := messages.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *Connection) register(parent context.Context) {
	if c.registry == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), registryTimeout)
	defer cancel()

	if err := c.registry.Register(ctx, Info{ID: c.ID, RemoteAddr: c.RemoteAddr, CreatedAt: c.CreatedAt}); err != nil {
		c.logger.Warn("⚠️ failed to register session", "error", err)
		return
	}
	c.mu.Lock()
	c.registered = true
	c.mu.Unlock()
}

func (c *Connection) unregister() {
	c.mu.Lock()
	registered := c.registered
	c.mu.Unlock()
	if !registered {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
	defer cancel()
	if err := c.registry.Unregister(ctx, c.ID); err != nil {
		c.logger.Warn("⚠️ failed to unregister session", "error", err)
	}
}

func resultLabel(cause error) string {
	switch {
	case cause == nil, errors.Is(cause, ErrClientClosed):
		return "client_closed"
	case errors.Is(cause, ErrUpstreamOpen):
		return "connect_failed"
	case errors.Is(cause, ErrUpstreamEnded):
		return "upstream_closed"
	case errors.Is(cause, ErrConnectionClosed), errors.Is(cause, context.Canceled):
		return "shutdown"
	default:
		return "error"
	}
}

func causeText(cause error) string {
	if cause == nil {
		return "none"
	}
	return cause.Error()
}
