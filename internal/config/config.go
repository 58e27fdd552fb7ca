package config

import "time"

// ClientConfig is the root configuration for a chat client.
type ClientConfig struct {
	Server     ServerConfig     `yaml:"server"`
	Connection ConnectionConfig `yaml:"connection"`
	Presence   PresenceConfig   `yaml:"presence"`
	Typing     TypingConfig     `yaml:"typing"`
	Stream     StreamConfig     `yaml:"stream"`
	Router     RouterConfig     `yaml:"router"`
	Database   DatabaseConfig   `yaml:"database"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ServerConfig identifies the hub and the session running against it.
type ServerConfig struct {
	URL         string `yaml:"url"`
	AccessToken string `yaml:"access_token"`
	DeviceID    string `yaml:"device_id"`
	UserID      string `yaml:"user_id"`
}

// ConnectionConfig holds connection manager and transport settings.
type ConnectionConfig struct {
	AutoReconnect     *bool           `yaml:"auto_reconnect"` // nil means enabled
	HandshakeAttempts int             `yaml:"handshake_attempts"`
	HandshakeDelays   []time.Duration `yaml:"handshake_delays"`
	MaxFailures       int             `yaml:"max_failures"`
	BackoffStep       time.Duration   `yaml:"backoff_step"`
	BackoffMax        time.Duration   `yaml:"backoff_max"`
	InvokeTimeout     time.Duration   `yaml:"invoke_timeout"`
	HandshakeTimeout  time.Duration   `yaml:"handshake_timeout"`
	WriteTimeout      time.Duration   `yaml:"write_timeout"`
	PingInterval      time.Duration   `yaml:"ping_interval"`
	PingTimeout       time.Duration   `yaml:"ping_timeout"`
	ReconnectDelays   []time.Duration `yaml:"reconnect_delays"`
}

// AutoReconnectEnabled reports the effective auto-reconnect policy.
func (c ConnectionConfig) AutoReconnectEnabled() bool {
	return c.AutoReconnect == nil || *c.AutoReconnect
}

// PresenceConfig holds room heartbeat settings.
type PresenceConfig struct {
	PingInterval time.Duration `yaml:"ping_interval"`
	TickInterval time.Duration `yaml:"tick_interval"`
	TouchGap     time.Duration `yaml:"touch_gap"`
	MinPingGap   time.Duration `yaml:"min_ping_gap"`
}

// TypingConfig holds typing indicator settings.
type TypingConfig struct {
	OnTTL       time.Duration `yaml:"on_ttl"`
	OffTTL      time.Duration `yaml:"off_ttl"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	HardCap     time.Duration `yaml:"hard_cap"`
	ClearGrace  time.Duration `yaml:"clear_grace"`
}

// StreamConfig holds streamed message settings.
type StreamConfig struct {
	SendTimeout time.Duration `yaml:"send_timeout"`
}

// RouterConfig holds event router settings.
type RouterConfig struct {
	QueueCapacity int `yaml:"queue_capacity"`
}

// DatabaseConfig holds the optional PostgreSQL message store.
// When disabled, messages are kept in memory.
type DatabaseConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Postgres DBConfig `yaml:"postgres"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// MetricsConfig holds the health and Prometheus endpoint settings.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}
