// ABOUTME: Configuration loading for fake-agent
// ABOUTME: TOML file with ${VAR} expansion; every section is optional

package main

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Gateway GatewayConfig `toml:"gateway"`
	Agent   AgentConfig   `toml:"agent"`
	Poll    PollConfig    `toml:"poll"`
	Logging LoggingConfig `toml:"logging"`
}

type GatewayConfig struct {
	URL string `toml:"url"`
}

// AgentConfig describes the agent. ID reuses an earlier registration.
type AgentConfig struct {
	ID       string   `toml:"id"`
	Name     string   `toml:"name"`
	OS       string   `toml:"os"`
	User     string   `toml:"user"`
	Hostname string   `toml:"hostname"`
	Tags     []string `toml:"tags"`
	Push     *bool    `toml:"push"`
}

type PollConfig struct {
	Interval duration `toml:"interval"`
	Limit    int      `toml:"limit"`
}

type LoggingConfig struct {
	Level string `toml:"level"`
}

// duration decodes TOML strings like "5s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// defaultConfig is used when no file is given.
func defaultConfig() *Config {
	host, _ := os.Hostname()
	return &Config{
		Gateway: GatewayConfig{URL: "http://localhost:8000"},
		Agent:   AgentConfig{Name: "fake-agent", OS: "fake", User: os.Getenv("USER"), Hostname: host},
		Poll:    PollConfig{Interval: duration{5 * time.Second}, Limit: 10},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads config from path over the defaults, expanding environment variables.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if _, err := toml.Decode(expandEnvVars(string(data)), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}"))
	})
}

// Validate checks that required config fields are present and valid.
func (c *Config) Validate() error {
	if c.Gateway.URL == "" {
		return fmt.Errorf("gateway.url is required")
	}
	u, err := url.Parse(c.Gateway.URL)
	if err != nil {
		return fmt.Errorf("gateway.url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("gateway.url must use http or https scheme")
	}
	if c.Agent.ID == "" && c.Agent.Name == "" {
		return fmt.Errorf("agent.name is required when agent.id is not set")
	}
	if c.Poll.Interval.Duration < 0 {
		return fmt.Errorf("poll.interval must not be negative")
	}
	return nil
}

// PushEnabled reports whether to hold a push channel; defaults to true.
func (c *Config) PushEnabled() bool {
	return c.Agent.Push == nil || *c.Agent.Push
}
