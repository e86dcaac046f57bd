package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("RELAY_HOST", "relay.lan")
	path := writeConfig(t, `
[gateway]
url = "http://${RELAY_HOST}:8000"

[agent]
name = "lab-1"
os = "linux"
user = "ops"
hostname = "lab-1.lan"
tags = ["lab", "e2e"]
push = false

[poll]
interval = "250ms"
limit = 3

[logging]
level = "debug"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://relay.lan:8000", cfg.Gateway.URL)
	assert.Equal(t, "lab-1", cfg.Agent.Name)
	assert.Equal(t, []string{"lab", "e2e"}, cfg.Agent.Tags)
	assert.False(t, cfg.PushEnabled())
	assert.Equal(t, 250*time.Millisecond, cfg.Poll.Interval.Duration)
	assert.Equal(t, 3, cfg.Poll.Limit)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8000", cfg.Gateway.URL)
	assert.Equal(t, "fake-agent", cfg.Agent.Name)
	assert.True(t, cfg.PushEnabled())
	assert.Equal(t, 5*time.Second, cfg.Poll.Interval.Duration)
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "[agent]\nname = \"only-name\"\n"))
	require.NoError(t, err)
	assert.Equal(t, "only-name", cfg.Agent.Name)
	assert.Equal(t, "http://localhost:8000", cfg.Gateway.URL)
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]string{
		"bad scheme":   "[gateway]\nurl = \"ftp://relay\"\n",
		"bad duration": "[poll]\ninterval = \"soon\"\n",
		"no name":      "[agent]\nname = \"\"\n",
		"not toml":     "gateway = [",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}
