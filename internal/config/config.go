// ABOUTME: Configuration loading and parsing for coven-relay
// ABOUTME: Supports YAML files with environment variable expansion, defaults and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when a field is absent from the file.
const (
	DefaultHTTPAddr       = "0.0.0.0:8000"
	DefaultUploadsDir     = "./uploads"
	DefaultMaxUploadBytes = 100 << 20
	DefaultPollLimit      = 10
	DefaultRecentCommands = 20
	DefaultObserverBuffer = 64
	DefaultSendTimeout    = 5 * time.Second
)

// Config represents the complete coven-relay configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	Uploads   UploadsConfig   `yaml:"uploads"`
	Relay     RelayConfig     `yaml:"relay"`
	Sinks     SinksConfig     `yaml:"sinks"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds server address configuration.
// An empty GRPCAddr disables the gRPC agent stream.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// UploadsConfig holds file upload storage configuration
type UploadsConfig struct {
	Dir      string `yaml:"dir"`
	MaxBytes int64  `yaml:"max_bytes"`
}

// RelayConfig holds command relay tuning
type RelayConfig struct {
	PollLimit      int           `yaml:"poll_limit"`
	RecentCommands int           `yaml:"recent_commands"`
	ObserverBuffer int           `yaml:"observer_buffer"`
	SendTimeout    time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	SendTimeoutRaw string `yaml:"send_timeout"`
}

// SinksConfig holds optional external event sinks
type SinksConfig struct {
	NATS  NATSConfig  `yaml:"nats"`
	Redis RedisConfig `yaml:"redis"`
}

// NATSConfig configures publishing fan-out events to NATS
type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
	Name    string `yaml:"name"`
}

// RedisConfig configures publishing fan-out events to a Redis pub/sub channel
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse builds a Config from raw YAML.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyEnvOverrides(&cfg)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyEnvOverrides lets RELAY_DB_PATH point a packaged config at another database.
func applyEnvOverrides(cfg *Config) {
	if p := os.Getenv("RELAY_DB_PATH"); p != "" {
		cfg.Database.Path = p
	}
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Uploads.Dir == "" {
		c.Uploads.Dir = DefaultUploadsDir
	}
	if c.Uploads.MaxBytes == 0 {
		c.Uploads.MaxBytes = DefaultMaxUploadBytes
	}
	if c.Relay.PollLimit == 0 {
		c.Relay.PollLimit = DefaultPollLimit
	}
	if c.Relay.RecentCommands == 0 {
		c.Relay.RecentCommands = DefaultRecentCommands
	}
	if c.Relay.ObserverBuffer == 0 {
		c.Relay.ObserverBuffer = DefaultObserverBuffer
	}
	if c.Relay.SendTimeout == 0 {
		c.Relay.SendTimeout = DefaultSendTimeout
	}
	if c.Sinks.NATS.Subject == "" {
		c.Sinks.NATS.Subject = "relay.events"
	}
	if c.Sinks.NATS.Name == "" {
		c.Sinks.NATS.Name = "coven-relay"
	}
	if c.Sinks.Redis.Channel == "" {
		c.Sinks.Redis.Channel = "relay:events"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Relay.PollLimit < 0 || c.Relay.RecentCommands < 0 || c.Relay.ObserverBuffer < 0 {
		return fmt.Errorf("relay limits must not be negative")
	}

	if c.Uploads.MaxBytes < 0 {
		return fmt.Errorf("uploads.max_bytes must not be negative")
	}

	if c.Sinks.NATS.Enabled && c.Sinks.NATS.URL == "" {
		return fmt.Errorf("sinks.nats.url is required when the nats sink is enabled")
	}

	if c.Sinks.Redis.Enabled && c.Sinks.Redis.Addr == "" {
		return fmt.Errorf("sinks.redis.addr is required when the redis sink is enabled")
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Relay.SendTimeoutRaw != "" {
		cfg.Relay.SendTimeout, err = time.ParseDuration(cfg.Relay.SendTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing send_timeout %q: %w", cfg.Relay.SendTimeoutRaw, err)
		}
		if cfg.Relay.SendTimeout < 0 {
			return fmt.Errorf("send_timeout must not be negative")
		}
	}

	return nil
}
