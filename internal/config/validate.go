package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if c.Backend.Host == "" {
		return errors.New("backend.host is required")
	}
	if strings.Contains(c.Backend.Host, "://") {
		return fmt.Errorf("backend.host must not include a scheme, got %q", c.Backend.Host)
	}
	if c.Backend.TokenPath == "" && !c.Backend.TokenOptional {
		return errors.New("backend.token_path is required unless backend.token_optional is set")
	}

	if err := c.Connections.validate(); err != nil {
		return err
	}

	if len(c.Channels) == 0 {
		return errors.New("channels must list at least one channel")
	}
	seen := make(map[string]bool, len(c.Channels))
	for i, ch := range c.Channels {
		if ch == "" || strings.ContainsAny(ch, "/?# ") {
			return fmt.Errorf("channels[%d] is not a valid channel name: %q", i, ch)
		}
		if seen[ch] {
			return fmt.Errorf("channels[%d] duplicates %q", i, ch)
		}
		seen[ch] = true
	}

	if c.Snapshot.Enabled {
		if c.Snapshot.Interval <= 0 {
			return errors.New("snapshot.interval must be > 0")
		}
		if c.Snapshot.Table == "" {
			return errors.New("snapshot.table is required")
		}
		if err := c.Snapshot.Database.validate("snapshot.database"); err != nil {
			return err
		}
	}

	if c.Relay.Enabled {
		if c.Relay.Addr == "" {
			return errors.New("relay.addr is required")
		}
		if c.Relay.DB < 0 {
			return fmt.Errorf("relay.db must be >= 0, got %d", c.Relay.DB)
		}
	}

	if c.Health.Port < 1 || c.Health.Port > 65535 {
		return fmt.Errorf("health.port must be between 1 and 65535, got %d", c.Health.Port)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error; got %q", c.Log.Level)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	return nil
}

func (cc *ConnectionsConfig) validate() error {
	if cc.ReconnectBaseDelay <= 0 {
		return errors.New("connections.reconnect_base_delay must be > 0")
	}
	if cc.ReconnectMaxDelay < cc.ReconnectBaseDelay {
		return fmt.Errorf("connections.reconnect_max_delay (%s) cannot be less than reconnect_base_delay (%s)",
			cc.ReconnectMaxDelay, cc.ReconnectBaseDelay)
	}
	if cc.MaxAttempts < 1 {
		return errors.New("connections.max_attempts must be >= 1")
	}
	if cc.BufferSize < 1 {
		return errors.New("connections.buffer_size must be >= 1")
	}
	if cc.QueueSize < 1 {
		return errors.New("connections.queue_size must be >= 1")
	}
	if cc.PingInterval > 0 && cc.PingTimeout > 0 && cc.PingTimeout <= cc.PingInterval {
		return fmt.Errorf("connections.ping_timeout (%s) must exceed ping_interval (%s)",
			cc.PingTimeout, cc.PingInterval)
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
