package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/chatlink/internal/connection"
)

// Dialer opens hub connections. It implements connection.Dialer.
type Dialer struct {
	cfg    Config
	logger *slog.Logger
}

// NewDialer creates a hub dialer.
func NewDialer(cfg Config, logger *slog.Logger) *Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{cfg: cfg, logger: logger.With("component", "transport")}
}

// Dial connects and waits for the welcome frame. ctx bounds the handshake only.
func (d *Dialer) Dial(ctx context.Context, l connection.Listener) (connection.Conn, error) {
	c := &client{
		cfg:      d.cfg,
		logger:   d.logger,
		listener: l,
		pending:  make(map[int64]chan completion),
		done:     make(chan struct{}),
	}

	ws, id, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.attach(ws, id)

	go c.heartbeatLoop()

	return c, nil
}

// client is one logical hub connection. The underlying socket is replaced
// on automatic reconnect; the client itself lives until Close or exhaustion.
type client struct {
	cfg      Config
	logger   *slog.Logger
	listener connection.Listener

	// Write serialization
	writeMu sync.Mutex

	// State
	mu         sync.RWMutex
	ws         *websocket.Conn
	id         string
	lastPongAt time.Time
	closed     bool
	done       chan struct{}

	// Invocation/completion correlation
	pendingMu sync.Mutex
	pending   map[int64]chan completion
	cmdID     int64 // Atomic counter
}

// dial opens a socket and reads the welcome frame.
func (c *client) dial(ctx context.Context) (*websocket.Conn, string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, "", fmt.Errorf("parse hub url: %w", err)
	}
	if c.cfg.DeviceID != "" {
		q := u.Query()
		q.Set("deviceId", c.cfg.DeviceID)
		u.RawQuery = q.Encode()
	}

	header := http.Header{}
	if c.cfg.AccessToken != "" {
		header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	}
	if c.cfg.ClientVersion != "" {
		header.Set("X-Client-Version", c.cfg.ClientVersion)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}

	ws, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, "", fmt.Errorf("dial hub: %w (status %d)", err, resp.StatusCode)
		}
		return nil, "", fmt.Errorf("dial hub: %w", err)
	}

	if c.cfg.HandshakeTimeout > 0 {
		ws.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	}
	_, data, err := ws.ReadMessage()
	if err != nil {
		ws.Close()
		return nil, "", fmt.Errorf("%w: read welcome: %v", ErrHandshake, err)
	}
	ws.SetReadDeadline(time.Time{})

	var welcome serverFrame
	if err := json.Unmarshal(data, &welcome); err != nil || welcome.Type != frameWelcome {
		ws.Close()
		return nil, "", fmt.Errorf("%w: unexpected first frame %q", ErrHandshake, truncate(data, 64))
	}

	ws.SetPongHandler(func(string) error {
		c.mu.Lock()
		c.lastPongAt = time.Now()
		c.mu.Unlock()
		return nil
	})

	// Server pings count as liveness too
	ws.SetPingHandler(func(data string) error {
		c.mu.Lock()
		c.lastPongAt = time.Now()
		c.mu.Unlock()

		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	c.logger.Debug("hub connected", "url", c.cfg.URL, "connection_id", welcome.ConnectionID)
	return ws, welcome.ConnectionID, nil
}

// attach installs a fresh socket and starts its read loop.
func (c *client) attach(ws *websocket.Conn, id string) {
	c.mu.Lock()
	c.ws = ws
	c.id = id
	c.lastPongAt = time.Now()
	c.mu.Unlock()

	go c.readLoop(ws)
}

// ID returns the current connection ID.
func (c *client) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

// Invoke sends a method call and waits for its completion or ctx.
func (c *client) Invoke(ctx context.Context, method string, args ...any) error {
	c.mu.RLock()
	ws, closed := c.ws, c.closed
	c.mu.RUnlock()

	if closed {
		return connection.ErrAlreadyClosed
	}
	if ws == nil {
		return connection.ErrNotConnected
	}

	id := atomic.AddInt64(&c.cmdID, 1)
	respCh := make(chan completion, 1)

	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if args == nil {
		args = []any{}
	}
	data, err := json.Marshal(invokeFrame{
		Type:      frameInvoke,
		ID:        id,
		Target:    method,
		Arguments: args,
	})
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}

	if err := c.write(ws, data); err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return connection.ErrAlreadyClosed
	case resp := <-respCh:
		if resp.err != nil {
			return resp.err
		}
		if resp.message != "" {
			return &connection.InvokeError{Method: method, Message: resp.message}
		}
		return nil
	}
}

func (c *client) write(ws *websocket.Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.cfg.WriteTimeout > 0 {
		ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	return ws.WriteMessage(websocket.TextMessage, data)
}

// Close gracefully closes the connection without emitting lifecycle signals.
func (c *client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()

	// Signal goroutines to stop
	close(c.done)
	c.failPending(connection.ErrAlreadyClosed)

	if ws != nil {
		c.writeMu.Lock()
		ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		return ws.Close()
	}

	return nil
}

func (c *client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// readLoop reads frames from one socket until it fails.
func (c *client) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			// Ignore errors after Close() is called
			if c.isClosed() {
				return
			}
			c.handleDrop(ws, err)
			return
		}

		c.handleFrame(data)
	}
}

func (c *client) handleFrame(data []byte) {
	var frame serverFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.logger.Warn("failed to parse frame", "error", err)
		return
	}

	switch frame.Type {
	case frameCompletion:
		c.pendingMu.Lock()
		ch, ok := c.pending[frame.ID]
		c.pendingMu.Unlock()
		if !ok {
			c.logger.Debug("completion for unknown invocation", "id", frame.ID)
			return
		}
		select {
		case ch <- completion{message: frame.Error}:
		default:
		}

	case frameEvent:
		if frame.Target == "" {
			c.logger.Warn("event frame without target")
			return
		}
		c.listener.HandleEvent(frame.Target, frame.Payload)

	default:
		c.logger.Debug("ignoring frame", "type", frame.Type)
	}
}

// handleDrop retires a failed socket and starts the reconnect schedule.
func (c *client) handleDrop(ws *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.closed || c.ws != ws {
		c.mu.Unlock()
		return
	}
	c.ws = nil
	c.id = ""
	c.mu.Unlock()

	ws.Close()
	c.failPending(ErrConnectionLost)

	go c.reconnect(cause)
}

// reconnect redials on the configured delay schedule.
func (c *client) reconnect(cause error) {
	c.logger.Warn("hub connection dropped", "error", cause)
	c.listener.HandleReconnecting(cause)

	lastErr := cause
	for i, delay := range c.cfg.ReconnectDelays {
		select {
		case <-c.done:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-c.done:
				cancel()
			case <-ctx.Done():
			}
		}()
		ws, id, err := c.dial(ctx)
		cancel()

		if err != nil {
			lastErr = err
			c.logger.Warn("reconnect attempt failed",
				"attempt", i+1,
				"max_attempts", len(c.cfg.ReconnectDelays),
				"error", err,
			)
			continue
		}

		if c.isClosed() {
			ws.Close()
			return
		}

		c.attach(ws, id)
		c.logger.Info("hub reconnected", "connection_id", id)
		c.listener.HandleReconnected(id)
		return
	}

	if c.isClosed() {
		return
	}
	c.shutdown()
	c.listener.HandleClosed(lastErr)
}

// shutdown marks the client closed after the reconnect schedule ran out.
func (c *client) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	close(c.done)
}

func (c *client) failPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	for _, ch := range c.pending {
		select {
		case ch <- completion{err: err}:
		default:
		}
	}
}

// heartbeatLoop pings the hub and drops stale sockets.
func (c *client) heartbeatLoop() {
	if c.cfg.PingInterval <= 0 {
		return
	}

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.RLock()
			ws := c.ws
			lastPong := c.lastPongAt
			c.mu.RUnlock()

			if ws == nil {
				continue
			}

			c.writeMu.Lock()
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := ws.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline); err != nil {
				c.logger.Debug("failed to send ping", "error", err)
			}
			c.writeMu.Unlock()

			if c.cfg.PingTimeout > 0 && time.Since(lastPong) > c.cfg.PingTimeout {
				c.logger.Warn("no pong received, connection stale",
					"last_pong", lastPong,
					"timeout", c.cfg.PingTimeout,
				)
				c.handleDrop(ws, connection.ErrStaleConnection)
			}
		}
	}
}

func truncate(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}
	return string(data[:n]) + "..."
}
