package main

import (
	"github.com/rickgao/chatlink/internal/config"
	"github.com/rickgao/chatlink/internal/connection"
	"github.com/rickgao/chatlink/internal/model"
	"github.com/rickgao/chatlink/internal/presence"
	"github.com/rickgao/chatlink/internal/router"
	"github.com/rickgao/chatlink/internal/session"
	"github.com/rickgao/chatlink/internal/transport"
	"github.com/rickgao/chatlink/internal/typing"
	"github.com/rickgao/chatlink/internal/version"
)

// sessionConfig maps a validated client config onto the session components.
func sessionConfig(cfg *config.ClientConfig) session.Config {
	c := cfg.Connection
	return session.Config{
		Manager: connection.ManagerConfig{
			HandshakeAttempts: c.HandshakeAttempts,
			HandshakeDelays:   c.HandshakeDelays,
			AutoReconnect:     c.AutoReconnectEnabled(),
			MaxFailures:       c.MaxFailures,
			BackoffStep:       c.BackoffStep,
			BackoffMax:        c.BackoffMax,
			InvokeTimeout:     c.InvokeTimeout,
		},
		Router: router.Config{
			QueueCapacity: cfg.Router.QueueCapacity,
		},
		Presence: presence.Config{
			PingInterval: cfg.Presence.PingInterval,
			TickInterval: cfg.Presence.TickInterval,
			TouchGap:     cfg.Presence.TouchGap,
			MinPingGap:   cfg.Presence.MinPingGap,
		},
		Typing: typing.Config{
			OnTTL:       cfg.Typing.OnTTL,
			OffTTL:      cfg.Typing.OffTTL,
			IdleTimeout: cfg.Typing.IdleTimeout,
			HardCap:     cfg.Typing.HardCap,
			ClearGrace:  cfg.Typing.ClearGrace,
		},
		StreamSendTimeout: cfg.Stream.SendTimeout,
	}
}

// transportConfig maps a validated client config onto the hub transport.
func transportConfig(cfg *config.ClientConfig) transport.Config {
	c := cfg.Connection
	return transport.Config{
		URL:              cfg.Server.URL,
		AccessToken:      cfg.Server.AccessToken,
		DeviceID:         cfg.Server.DeviceID,
		ClientVersion:    version.ClientVersion(),
		HandshakeTimeout: c.HandshakeTimeout,
		WriteTimeout:     c.WriteTimeout,
		PingInterval:     c.PingInterval,
		PingTimeout:      c.PingTimeout,
		ReconnectDelays:  c.ReconnectDelays,
	}
}

// sessionContext is the identity the session runs under.
func sessionContext(cfg *config.ClientConfig) model.SessionContext {
	return model.SessionContext{
		CurrentUserID: model.UserID(cfg.Server.UserID),
		AccessToken:   cfg.Server.AccessToken,
		DeviceID:      cfg.Server.DeviceID,
	}
}
