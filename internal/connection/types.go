package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Errors
var (
	ErrNotConnected      = errors.New("not connected")
	ErrConnectFailed     = errors.New("connect failed")
	ErrRetriesExhausted  = errors.New("reconnect retries exhausted")
	ErrInvocationTimeout = errors.New("invocation timeout")
	ErrAttemptCancelled  = errors.New("connect attempt superseded")
	ErrAlreadyClosed     = errors.New("already closed")
	ErrStaleConnection   = errors.New("connection stale (no pong)")
)

// InvokeError is a failure reported by the hub for one invocation.
type InvokeError struct {
	Method  string
	Message string
}

func (e *InvokeError) Error() string {
	return fmt.Sprintf("hub rejected %s: %s", e.Method, e.Message)
}

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Status is a snapshot of the manager's connection state.
type Status struct {
	State               State
	ConnectionID        string    // Set only while Connected
	ConsecutiveFailures int       // Reset on every successful connect
	LastAttemptAt       time.Time // Start of the most recent connect attempt
	Exhausted           bool      // True once retries stopped; cleared by ManualRetry
	RetryScheduled      bool      // True while an automatic retry is pending
}

// Conn is a live transport connection. Implementations must be safe for
// concurrent Invoke calls.
type Conn interface {
	// ID returns the server-assigned connection identifier.
	ID() string

	// Invoke calls a hub method and waits for its acknowledgement or ctx.
	Invoke(ctx context.Context, method string, args ...any) error

	// Close tears the connection down. It emits no lifecycle signal.
	Close() error
}

// Listener receives inbound traffic and lifecycle signals from a Conn.
type Listener interface {
	HandleEvent(name string, payload json.RawMessage)
	HandleReconnecting(err error)
	HandleReconnected(connectionID string)
	HandleClosed(err error)
}

// Dialer opens transport connections.
type Dialer interface {
	Dial(ctx context.Context, l Listener) (Conn, error)
}

// EventSink consumes inbound events. The event router implements it.
type EventSink interface {
	Publish(event string, payload json.RawMessage) bool
}

// Hooks lets dependent subsystems react to lifecycle transitions. Hooks run
// outside the manager's lock and may call Invoke.
type Hooks interface {
	// OnConnected runs after a fresh connect succeeds.
	OnConnected(ctx context.Context)

	// OnReconnected runs after the transport restores a dropped connection.
	OnReconnected(ctx context.Context)

	// OnConnectionLost runs when the connection closes without recovery.
	OnConnectionLost()

	// OnDisconnect runs on an explicit Disconnect, before the transport closes.
	OnDisconnect(ctx context.Context)
}

// ManagerConfig configures the Connection Manager.
type ManagerConfig struct {
	HandshakeAttempts int             // Handshake tries per Connect. Default: 3
	HandshakeDelays   []time.Duration // Waits before the 2nd, 3rd... try. Default: 500ms, 1s
	AutoReconnect     bool            // Schedule retries after a hard close. Default: true
	MaxFailures       int             // Consecutive failures before giving up. Default: 5
	BackoffStep       time.Duration   // Retry delay per failure. Default: 5s
	BackoffMax        time.Duration   // Retry delay cap. Default: 30s
	InvokeTimeout     time.Duration   // Default bound for Invoke. Default: 3s
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		HandshakeAttempts: 3,
		HandshakeDelays:   []time.Duration{500 * time.Millisecond, time.Second},
		AutoReconnect:     true,
		MaxFailures:       5,
		BackoffStep:       5 * time.Second,
		BackoffMax:        30 * time.Second,
		InvokeTimeout:     3 * time.Second,
	}
}

// RetryDelay returns the wait before the next automatic retry after
// failures consecutive failures: min(step*failures, max).
func (c ManagerConfig) RetryDelay(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	d := c.BackoffStep * time.Duration(failures)
	if c.BackoffMax > 0 && d > c.BackoffMax {
		d = c.BackoffMax
	}
	return d
}
