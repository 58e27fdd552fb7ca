package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultHandshakeAttempts = 3
	DefaultMaxFailures       = 5
	DefaultBackoffStep       = 5 * time.Second
	DefaultBackoffMax        = 30 * time.Second
	DefaultInvokeTimeout     = 3 * time.Second
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultWriteTimeout      = 5 * time.Second
	DefaultWSPingInterval    = 15 * time.Second
	DefaultWSPingTimeout     = 45 * time.Second
	DefaultPresencePing      = 20 * time.Second
	DefaultPresenceTick      = 2 * time.Second
	DefaultTouchGap          = 3 * time.Second
	DefaultMinPingGap        = 8 * time.Second
	DefaultTypingOnTTL       = 5 * time.Second
	DefaultTypingOffTTL      = 800 * time.Millisecond
	DefaultTypingIdle        = 1500 * time.Millisecond
	DefaultTypingHardCap     = 20 * time.Second
	DefaultTypingClearGrace  = 300 * time.Millisecond
	DefaultStreamSendTimeout = 15 * time.Second
	DefaultQueueCapacity     = 256
	DefaultDBPort            = 5432
	DefaultDBSSLMode         = "prefer"
	DefaultMaxConns          = 4
	DefaultMinConns          = 1
	DefaultMetricsPort       = 9090
	DefaultMetricsPath       = "/metrics"
)

// DefaultHandshakeDelays are the waits between handshake attempts.
var DefaultHandshakeDelays = []time.Duration{500 * time.Millisecond, time.Second}

// DefaultReconnectDelays are the transport's redial waits after a drop.
var DefaultReconnectDelays = []time.Duration{0, 2 * time.Second, 10 * time.Second, 30 * time.Second}

func (c *ClientConfig) applyDefaults() {
	// Connection defaults
	if c.Connection.HandshakeAttempts == 0 {
		c.Connection.HandshakeAttempts = DefaultHandshakeAttempts
	}
	if c.Connection.HandshakeDelays == nil {
		c.Connection.HandshakeDelays = append([]time.Duration(nil), DefaultHandshakeDelays...)
	}
	if c.Connection.MaxFailures == 0 {
		c.Connection.MaxFailures = DefaultMaxFailures
	}
	if c.Connection.BackoffStep == 0 {
		c.Connection.BackoffStep = DefaultBackoffStep
	}
	if c.Connection.BackoffMax == 0 {
		c.Connection.BackoffMax = DefaultBackoffMax
	}
	if c.Connection.InvokeTimeout == 0 {
		c.Connection.InvokeTimeout = DefaultInvokeTimeout
	}
	if c.Connection.HandshakeTimeout == 0 {
		c.Connection.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Connection.WriteTimeout == 0 {
		c.Connection.WriteTimeout = DefaultWriteTimeout
	}
	if c.Connection.PingInterval == 0 {
		c.Connection.PingInterval = DefaultWSPingInterval
	}
	if c.Connection.PingTimeout == 0 {
		c.Connection.PingTimeout = DefaultWSPingTimeout
	}
	if c.Connection.ReconnectDelays == nil {
		c.Connection.ReconnectDelays = append([]time.Duration(nil), DefaultReconnectDelays...)
	}

	// Presence defaults
	if c.Presence.PingInterval == 0 {
		c.Presence.PingInterval = DefaultPresencePing
	}
	if c.Presence.TickInterval == 0 {
		c.Presence.TickInterval = DefaultPresenceTick
	}
	if c.Presence.TouchGap == 0 {
		c.Presence.TouchGap = DefaultTouchGap
	}
	if c.Presence.MinPingGap == 0 {
		c.Presence.MinPingGap = DefaultMinPingGap
	}

	// Typing defaults
	if c.Typing.OnTTL == 0 {
		c.Typing.OnTTL = DefaultTypingOnTTL
	}
	if c.Typing.OffTTL == 0 {
		c.Typing.OffTTL = DefaultTypingOffTTL
	}
	if c.Typing.IdleTimeout == 0 {
		c.Typing.IdleTimeout = DefaultTypingIdle
	}
	if c.Typing.HardCap == 0 {
		c.Typing.HardCap = DefaultTypingHardCap
	}
	if c.Typing.ClearGrace == 0 {
		c.Typing.ClearGrace = DefaultTypingClearGrace
	}

	// Stream and router defaults
	if c.Stream.SendTimeout == 0 {
		c.Stream.SendTimeout = DefaultStreamSendTimeout
	}
	if c.Router.QueueCapacity == 0 {
		c.Router.QueueCapacity = DefaultQueueCapacity
	}

	// Database defaults
	applyDBDefaults(&c.Database.Postgres)

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
