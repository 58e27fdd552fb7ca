package config

import (
	"errors"
	"fmt"
	"net/url"
)

// Validate checks that all required fields are set and values are valid.
func (c *ClientConfig) Validate() error {
	if c.Server.URL == "" {
		return errors.New("server.url is required")
	}
	u, err := url.Parse(c.Server.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return fmt.Errorf("server.url must be a ws:// or wss:// URL, got %q", c.Server.URL)
	}
	if c.Server.UserID == "" {
		return errors.New("server.user_id is required")
	}

	if c.Connection.HandshakeAttempts < 1 {
		return errors.New("connection.handshake_attempts must be >= 1")
	}
	if c.Connection.MaxFailures < 1 {
		return errors.New("connection.max_failures must be >= 1")
	}
	if c.Connection.BackoffMax < c.Connection.BackoffStep {
		return fmt.Errorf("connection.backoff_max (%v) cannot be less than backoff_step (%v)",
			c.Connection.BackoffMax, c.Connection.BackoffStep)
	}
	if c.Connection.InvokeTimeout <= 0 {
		return errors.New("connection.invoke_timeout must be > 0")
	}

	if c.Presence.MinPingGap > c.Presence.PingInterval {
		return fmt.Errorf("presence.min_ping_gap (%v) cannot exceed ping_interval (%v)",
			c.Presence.MinPingGap, c.Presence.PingInterval)
	}
	if c.Presence.TickInterval <= 0 {
		return errors.New("presence.tick_interval must be > 0")
	}

	if c.Typing.IdleTimeout >= c.Typing.HardCap {
		return fmt.Errorf("typing.idle_timeout (%v) must be less than hard_cap (%v)",
			c.Typing.IdleTimeout, c.Typing.HardCap)
	}

	if c.Router.QueueCapacity < 1 {
		return errors.New("router.queue_capacity must be >= 1")
	}

	if c.Database.Enabled {
		if err := c.Database.Postgres.validate("database.postgres"); err != nil {
			return err
		}
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
