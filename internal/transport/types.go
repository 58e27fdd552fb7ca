package transport

import (
	"encoding/json"
	"errors"
	"time"
)

// Errors
var (
	ErrHandshake      = errors.New("hub handshake failed")
	ErrConnectionLost = errors.New("connection lost before completion")
)

// Frame types on the wire.
const (
	frameWelcome    = "welcome"
	frameInvoke     = "invoke"
	frameCompletion = "completion"
	frameEvent      = "event"
)

// invokeFrame is a client-to-hub method call.
type invokeFrame struct {
	Type      string `json:"type"`
	ID        int64  `json:"id"`
	Target    string `json:"target"`
	Arguments []any  `json:"arguments"`
}

// serverFrame is any hub-to-client frame.
type serverFrame struct {
	Type         string          `json:"type"`
	ID           int64           `json:"id,omitempty"`           // completion
	Error        string          `json:"error,omitempty"`        // completion
	Target       string          `json:"target,omitempty"`       // event
	Payload      json.RawMessage `json:"payload,omitempty"`      // event
	ConnectionID string          `json:"connectionId,omitempty"` // welcome
}

// completion resolves a pending invocation.
type completion struct {
	message string // Hub-reported error, empty on success
	err     error  // Local failure (connection lost, closed)
}

// Config configures the hub transport.
type Config struct {
	URL              string          // Hub URL (e.g., wss://chat.example.com/hubs/social)
	AccessToken      string          // Bearer token for the Authorization header
	DeviceID         string          // Sent as the deviceId query parameter
	ClientVersion    string          // Sent as X-Client-Version
	HandshakeTimeout time.Duration   // Dial plus welcome frame
	WriteTimeout     time.Duration   // Write deadline for sends
	PingInterval     time.Duration   // Keepalive ping period
	PingTimeout      time.Duration   // Max time without pong before the connection is stale
	ReconnectDelays  []time.Duration // Waits before each automatic redial
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		PingInterval:     15 * time.Second,
		PingTimeout:      45 * time.Second,
		ReconnectDelays:  []time.Duration{0, 2 * time.Second, 10 * time.Second, 30 * time.Second},
	}
}
