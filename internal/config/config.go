package config

import "time"

// Config is the root configuration for a dashsync instance.
type Config struct {
	Instance    InstanceConfig    `yaml:"instance"`
	Backend     BackendConfig     `yaml:"backend"`
	Connections ConnectionsConfig `yaml:"connections"`
	Channels    []string          `yaml:"channels"`
	Snapshot    SnapshotConfig    `yaml:"snapshot"`
	Relay       RelayConfig       `yaml:"relay"`
	Health      HealthConfig      `yaml:"health"`
	Log         LogConfig         `yaml:"log"`
}

// InstanceConfig identifies this instance.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// BackendConfig locates the admin backend's WebSocket server.
type BackendConfig struct {
	Host          string `yaml:"host"`           // host[:port]
	Secure        bool   `yaml:"secure"`         // Use wss://
	TokenPath     string `yaml:"token_path"`     // File holding the bearer token
	TokenOptional bool   `yaml:"token_optional"` // Connect without a token if the file is missing
}

// ConnectionsConfig holds WebSocket connection manager settings.
type ConnectionsConfig struct {
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
	MaxAttempts        int           `yaml:"max_attempts"`
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	PingInterval       time.Duration `yaml:"ping_interval"`
	PingTimeout        time.Duration `yaml:"ping_timeout"`
	BufferSize         int           `yaml:"buffer_size"`
	QueueSize          int           `yaml:"queue_size"`
}

// SnapshotConfig holds dashboard snapshot persistence settings.
type SnapshotConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Table    string        `yaml:"table"`
	Database DBConfig      `yaml:"database"`
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

// RelayConfig holds Redis relay settings.
type RelayConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Addr           string        `yaml:"addr"`
	Password       string        `yaml:"password"`
	DB             int           `yaml:"db"`
	Prefix         string        `yaml:"prefix"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

// HealthConfig holds the health/snapshot HTTP server settings.
type HealthConfig struct {
	Port int `yaml:"port"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}
