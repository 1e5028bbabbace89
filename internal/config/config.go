// Package config provides YAML-based configuration loading for relayq.
package config

import (
	"time"
)

// Config is the root application configuration.
type Config struct {
	// Server holds the wire listener settings
	Server ServerConfig `mapstructure:"server" yaml:"server" validate:"required"`

	// Store selects and configures the task store
	Store StoreConfig `mapstructure:"store" yaml:"store" validate:"required"`

	// Scheduler controls the worker pool that executes tasks
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler" validate:"required"`

	// Exec configures the local command connector
	Exec ExecConfig `mapstructure:"exec" yaml:"exec"`

	// Log holds logging configuration
	Log LogConfig `mapstructure:"log" yaml:"log" validate:"required"`
}

// ServerConfig defines the TCP wire listener and the optional HTTP surface.
type ServerConfig struct {
	// Addr is the TCP listen address for the wire protocol
	Addr string `mapstructure:"addr" yaml:"addr" validate:"required,hostname_port"`
	// HTTPAddr enables the HTTP health/state endpoints when non-empty
	HTTPAddr string `mapstructure:"http_addr" yaml:"http_addr" validate:"omitempty,hostname_port"`
	// Codec is the payload codec: json or cbor. Both peers must agree.
	Codec string `mapstructure:"codec" yaml:"codec" validate:"required,oneof=json cbor"`
	// MaxFrameBytes limits one inbound payload; 0 disables the limit
	MaxFrameBytes uint64 `mapstructure:"max_frame_bytes" yaml:"max_frame_bytes"`
}

// StoreConfig selects the store backend.
type StoreConfig struct {
	// Driver: sqlite or memory
	Driver string `mapstructure:"driver" yaml:"driver" validate:"required,oneof=sqlite memory"`
	// Path of the SQLite database file
	Path string `mapstructure:"path" yaml:"path" validate:"required_if=Driver sqlite"`
	// PullPollInterval bounds how long a blocked retrieval waits before
	// re-reading the task, so results written by other processes are seen
	PullPollInterval time.Duration `mapstructure:"pull_poll_interval" yaml:"pull_poll_interval" validate:"gte=0"`
}

// SchedulerConfig defines the worker pool.
type SchedulerConfig struct {
	// Enabled runs the worker pool inside the server process
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// GlobalMax is the maximum number of concurrent workers across all connectors
	GlobalMax int `mapstructure:"global_max" yaml:"global_max" validate:"gte=1"`
	// ByConnector defines per-connector concurrency limits
	ByConnector map[string]int `mapstructure:"by_connector" yaml:"by_connector"`
	// PollInterval is how often the scheduler looks for pending tasks
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval" validate:"gt=0"`
}

// GetConnectorLimit returns the concurrency limit for a connector.
func (c SchedulerConfig) GetConnectorLimit(connectorName string) int {
	if limit, ok := c.ByConnector[connectorName]; ok {
		return limit
	}
	// Default limit if not specified
	return 1
}

// ExecConfig configures the local command connector.
type ExecConfig struct {
	// WorkDir is the working directory for executed commands
	WorkDir string `mapstructure:"work_dir" yaml:"work_dir"`
	// Allow maps a command to its permitted first arguments. An empty list
	// permits any arguments.
	Allow map[string][]string `mapstructure:"allow" yaml:"allow"`
	// Timeout bounds a single execution; 0 means no limit
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"gte=0"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level" yaml:"level" validate:"required,oneof=debug info warn warning error"`
	// Format: console or json
	Format string `mapstructure:"format" yaml:"format" validate:"required,oneof=console json"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs" yaml:"outputs" validate:"required,min=1"`
	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation" yaml:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development" yaml:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable" yaml:"enable"`
	Filename   string `mapstructure:"filename" yaml:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:          "127.0.0.1:7465",
			Codec:         "json",
			MaxFrameBytes: 64 << 20,
		},
		Store: StoreConfig{
			Driver:           "sqlite",
			Path:             "relayq.db",
			PullPollInterval: time.Second,
		},
		Scheduler: SchedulerConfig{
			Enabled:   true,
			GlobalMax: 10,
			ByConnector: map[string]int{
				"localexec": 5,
			},
			PollInterval: 200 * time.Millisecond,
		},
		Exec: ExecConfig{
			Allow: map[string][]string{
				"echo": {},
				"go":   {"test"},
				"git":  {"diff", "status"},
			},
		},
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stderr"},
			Development: false,
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/relayq.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
	}
}
