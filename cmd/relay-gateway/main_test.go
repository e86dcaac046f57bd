package main

import (
	"bytes"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"

	"github.com/2389/coven-relay/internal/config"
)

func TestGetConfigPath(t *testing.T) {
	t.Setenv("RELAY_CONFIG", "/etc/relay.yaml")
	assert.Equal(t, "/etc/relay.yaml", getConfigPath())

	t.Setenv("RELAY_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	assert.Equal(t, filepath.Join("/xdg", "coven", "relay.yaml"), getConfigPath())
}

func TestBaseURL(t *testing.T) {
	tests := map[string]string{
		"0.0.0.0:8000":   "http://127.0.0.1:8000",
		":8000":          "http://127.0.0.1:8000",
		"10.0.0.5:9000":  "http://10.0.0.5:9000",
		"relay.lan:8000": "http://relay.lan:8000",
	}
	for addr, want := range tests {
		cfg := &config.Config{Server: config.ServerConfig{HTTPAddr: addr}}
		assert.Equal(t, want, baseURL(cfg), addr)
	}
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("WARN"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("bogus"))
}

func TestColorHandler(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "info"}, &buf)

	logger.With("component", "registry").WithGroup("req").Info("agent online", "agent_id", "a1")
	logger.Debug("hidden")

	line := buf.String()
	assert.Contains(t, line, "INF [registry] agent online")
	assert.Contains(t, line, "req.agent_id=a1")
	assert.NotContains(t, line, "hidden")
}

func TestJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	newLogger(config.LoggingConfig{Level: "debug", Format: "json"}, &buf).Debug("hello", "k", "v")
	assert.Contains(t, buf.String(), `"msg":"hello"`)
	assert.Contains(t, buf.String(), `"k":"v"`)
}

func TestEnabledSinks(t *testing.T) {
	assert.Empty(t, enabledSinks(config.SinksConfig{}))

	sinks := enabledSinks(config.SinksConfig{
		NATS:  config.NATSConfig{Enabled: true, URL: "nats://n:4222", Subject: "relay.events"},
		Redis: config.RedisConfig{Enabled: true, Addr: "r:6379", Channel: "relay:events"},
	})
	assert.Equal(t, []string{"nats nats://n:4222 -> relay.events", "redis r:6379 -> relay:events"}, sinks)
}
