package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rickgao/adminlive/internal/reconnect"
)

// Transport is a single WebSocket connection backing one channel.
type Transport interface {
	// ID returns the connection id used in logs.
	ID() string

	// Events returns the transport's notifications. The channel is closed
	// after the final CloseEvent.
	Events() <-chan Event

	// Send writes one text frame. Returns ErrNotConnected unless open.
	Send(data []byte) error

	// Close starts a close handshake with the given code and reason.
	Close(code int, reason string) error

	// IsOpen reports whether the handshake completed and the transport has
	// not closed since.
	IsOpen() bool
}

// Dialer constructs transports. Dial validates the endpoint and returns
// immediately; the handshake result arrives as an OpenEvent or as
// ErrorEvent + CloseEvent.
type Dialer interface {
	Dial(endpoint string) (Transport, error)
}

// NewDialer returns a Dialer backed by gorilla/websocket.
func NewDialer(cfg ClientConfig, logger *slog.Logger) Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = DefaultClientConfig().BufferSize
	}
	return &wsDialer{cfg: cfg, logger: logger}
}

type wsDialer struct {
	cfg    ClientConfig
	logger *slog.Logger
}

// Dial implements Dialer.
func (d *wsDialer) Dial(endpoint string) (Transport, error) {
	if err := validateEndpoint(endpoint); err != nil {
		return nil, err
	}

	c := newClient(d.cfg, endpoint, d.logger)
	go c.run()
	return c, nil
}

func validateEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: scheme %q", ErrInvalidEndpoint, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidEndpoint)
	}
	return nil
}

// client implements Transport over gorilla/websocket.
type client struct {
	id       string
	cfg      ClientConfig
	endpoint string
	logger   *slog.Logger

	conn *websocket.Conn

	// Output channel
	events chan Event

	// Dial cancellation and goroutine shutdown
	ctx    context.Context
	cancel context.CancelFunc

	// Write serialization
	writeMu sync.Mutex

	// State
	mu          sync.RWMutex
	open        bool
	closing     bool
	closeCode   int
	closeReason string
	abortErr    error
	lastPingAt  time.Time
}

func newClient(cfg ClientConfig, endpoint string, logger *slog.Logger) *client {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())

	return &client{
		id:       id,
		cfg:      cfg,
		endpoint: endpoint,
		logger:   logger.With("conn_id", id),
		events:   make(chan Event, cfg.BufferSize),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// ID returns the connection id.
func (c *client) ID() string {
	return c.id
}

// Events returns the event channel.
func (c *client) Events() <-chan Event {
	return c.events
}

// IsOpen returns the current connection state.
func (c *client) IsOpen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.open
}

// Send writes raw bytes to the connection.
func (c *client) Send(data []byte) error {
	c.mu.RLock()
	if !c.open {
		c.mu.RUnlock()
		return ErrNotConnected
	}
	conn := c.conn
	c.mu.RUnlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame and tears down the connection. The final
// CloseEvent reports the code given here.
func (c *client) Close(code int, reason string) error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.closeCode = code
	c.closeReason = reason
	c.open = false
	conn := c.conn
	c.mu.Unlock()

	// Aborts an in-flight handshake and stops the heartbeat.
	c.cancel()

	if conn == nil {
		return nil
	}

	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second),
	)
	return conn.Close()
}

// run dials, then reads until the connection ends. It is the only
// goroutine that emits control events, so they arrive in order.
func (c *client) run() {
	defer close(c.events)
	defer c.cancel()

	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}

	conn, _, err := dialer.DialContext(c.ctx, c.endpoint, c.cfg.Header)
	if err != nil {
		if code, reason, ok := c.localClose(); ok {
			c.events <- CloseEvent{Code: code, Reason: reason}
			return
		}
		c.logger.Debug("websocket dial failed", "error", err)
		c.events <- ErrorEvent{Err: fmt.Errorf("dial: %w", err)}
		c.events <- CloseEvent{Code: reconnect.AbnormalClosure, Reason: "dial failed"}
		return
	}

	c.mu.Lock()
	if c.closing {
		code, reason := c.closeCode, c.closeReason
		c.mu.Unlock()
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(time.Second),
		)
		conn.Close()
		c.events <- CloseEvent{Code: code, Reason: reason}
		return
	}
	c.conn = conn
	c.open = true
	c.lastPingAt = time.Now()
	c.mu.Unlock()

	// Server sends ping, we respond with pong
	conn.SetPingHandler(func(data string) error {
		c.touch()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	conn.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	c.logger.Debug("websocket connected", "url", redactEndpoint(c.endpoint))
	c.events <- OpenEvent{}

	if c.cfg.PingInterval > 0 {
		go c.heartbeatLoop(conn)
	}

	code, reason := c.readLoop(conn)
	conn.Close()
	c.events <- CloseEvent{Code: code, Reason: reason}
}

// readLoop forwards frames until the connection fails and returns the
// close code to report.
func (c *client) readLoop(conn *websocket.Conn) (int, string) {
	for {
		_, data, err := conn.ReadMessage()
		receivedAt := time.Now() // Capture timestamp immediately

		if err != nil {
			c.mu.Lock()
			c.open = false
			abortErr := c.abortErr
			c.mu.Unlock()

			if code, reason, ok := c.localClose(); ok {
				return code, reason
			}
			if abortErr != nil {
				c.events <- ErrorEvent{Err: abortErr}
				return reconnect.AbnormalClosure, abortErr.Error()
			}

			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return closeErr.Code, closeErr.Text
			}

			c.events <- ErrorEvent{Err: err}
			return reconnect.AbnormalClosure, err.Error()
		}

		select {
		case c.events <- MessageEvent{Data: data, ReceivedAt: receivedAt}:
		default:
			c.logger.Warn("event buffer full, dropping message")
		}
	}
}

// heartbeatLoop pings the server and aborts the connection when neither
// pings nor pongs arrive within PingTimeout.
func (c *client) heartbeatLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline); err != nil {
				c.logger.Debug("failed to send ping", "error", err)
			}

			c.mu.RLock()
			lastPing := c.lastPingAt
			c.mu.RUnlock()

			if c.cfg.PingTimeout > 0 && time.Since(lastPing) > c.cfg.PingTimeout {
				c.logger.Warn("no ping received, connection stale",
					"last_ping", lastPing,
					"timeout", c.cfg.PingTimeout,
				)
				c.mu.Lock()
				c.abortErr = ErrStaleConnection
				c.mu.Unlock()
				conn.Close()
				return
			}
		}
	}
}

func (c *client) touch() {
	c.mu.Lock()
	c.lastPingAt = time.Now()
	c.mu.Unlock()
}

func (c *client) localClose() (int, string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closeCode, c.closeReason, c.closing
}

// redactEndpoint strips the query so tokens never reach the logs.
func redactEndpoint(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return ""
	}
	u.RawQuery = ""
	return u.String()
}
