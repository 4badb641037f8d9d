package config

import (
	"io"
	"log/slog"

	"github.com/rickgao/adminlive/internal/connection"
	"github.com/rickgao/adminlive/internal/reconnect"
)

// Policy returns the reconnection policy described by the section.
func (cc ConnectionsConfig) Policy() reconnect.Policy {
	return reconnect.Policy{
		BaseDelay:   cc.ReconnectBaseDelay,
		MaxDelay:    cc.ReconnectMaxDelay,
		MaxAttempts: cc.MaxAttempts,
	}
}

// ManagerConfig returns the connection manager settings.
func (cc ConnectionsConfig) ManagerConfig() connection.ManagerConfig {
	return connection.ManagerConfig{
		Policy:    cc.Policy(),
		QueueSize: cc.QueueSize,
	}
}

// ClientConfig returns the WebSocket transport settings.
func (cc ConnectionsConfig) ClientConfig() connection.ClientConfig {
	return connection.ClientConfig{
		HandshakeTimeout: cc.HandshakeTimeout,
		WriteTimeout:     cc.WriteTimeout,
		PingInterval:     cc.PingInterval,
		PingTimeout:      cc.PingTimeout,
		BufferSize:       cc.BufferSize,
	}
}

// SlogLevel maps the configured level name to a slog.Level.
func (lc LogConfig) SlogLevel() slog.Level {
	switch lc.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger returns a slog logger writing to w in the configured format.
func (lc LogConfig) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: lc.SlogLevel()}
	if lc.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
