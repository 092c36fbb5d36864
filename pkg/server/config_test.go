package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTOMLConfigMatchesDefaults(t *testing.T) {
	cfg := DefaultTOMLConfig()
	defaults := DefaultConfig()

	if cfg.Server.TCPPort != defaults.TCPPort {
		t.Fatalf("expected default TCP port %d, got %d", defaults.TCPPort, cfg.Server.TCPPort)
	}
	if cfg.Server.SSHHostKey == "" {
		t.Fatal("expected default SSH host key path to be set")
	}
	if cfg.Limits.EnqueueTimeoutMs != 3000 {
		t.Fatalf("expected enqueue timeout 3000ms, got %d", cfg.Limits.EnqueueTimeoutMs)
	}
}

func TestToServerConfigMapsSettings(t *testing.T) {
	cfg := DefaultTOMLConfig()
	cfg.Server.SSHPort = 2222
	cfg.Server.SSHHostKey = "/tmp/host_key"
	cfg.Server.HTTPPort = -1
	cfg.Server.DefaultRoom = "Lobby"
	cfg.Limits.EnqueueTimeoutMs = 250
	cfg.Limits.OutboundQueueSize = 4
	cfg.Auth.Required = true
	cfg.Auth.Users = map[string]string{"alice": "$2a$10$hash"}

	serverCfg, err := cfg.ToServerConfig()
	require.NoError(t, err)

	assert.Equal(t, 2222, serverCfg.SSHPort)
	assert.Equal(t, "/tmp/host_key", serverCfg.SSHHostKeyPath)
	assert.Equal(t, 0, serverCfg.HTTPPort, "negative port disables the listener")
	assert.Equal(t, "Lobby", serverCfg.DefaultRoom)
	assert.Equal(t, 250*time.Millisecond, serverCfg.EnqueueTimeout)
	assert.Equal(t, 4, serverCfg.OutboundQueueSize)
	assert.True(t, serverCfg.AuthRequired)
	assert.Equal(t, "$2a$10$hash", serverCfg.Users["alice"])
}

func TestToServerConfigFallsBackToDefaults(t *testing.T) {
	var cfg TOMLConfig

	serverCfg, err := cfg.ToServerConfig()
	require.NoError(t, err)
	defaults := DefaultConfig()

	assert.Equal(t, defaults.TCPPort, serverCfg.TCPPort)
	assert.Equal(t, defaults.SSHPort, serverCfg.SSHPort)
	assert.Equal(t, defaults.DefaultRoom, serverCfg.DefaultRoom)
	assert.Equal(t, defaults.EnqueueTimeout, serverCfg.EnqueueTimeout)
	assert.Equal(t, defaults.WithdrawTimeout, serverCfg.WithdrawTimeout)
	assert.Equal(t, defaults.MaxChunkBytes, serverCfg.MaxChunkBytes)
	assert.Equal(t, defaults.MessageRateLimit, serverCfg.MessageRateLimit)
	assert.Empty(t, serverCfg.DatabasePath, "event store stays disabled without a path")
}

func TestLoadConfigWritesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultTOMLConfig().Server.TCPPort, cfg.Server.TCPPort)

	_, err = os.Stat(path)
	require.NoError(t, err, "default config file should have been written")

	reloaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Limits, reloaded.Limits)
	assert.Equal(t, cfg.Server.DefaultRoom, reloaded.Server.DefaultRoom)
}

func TestLoadConfigParsesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[server]
tcp_port = 9000
default_room = "Hall"

[limits]
chunk_timeout_seconds = 2

[auth]
required = true

[auth.users]
bob = "$2a$10$abc"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	serverCfg, err := cfg.ToServerConfig()
	require.NoError(t, err)
	assert.Equal(t, 9000, serverCfg.TCPPort)
	assert.Equal(t, "Hall", serverCfg.DefaultRoom)
	assert.Equal(t, 2*time.Second, serverCfg.ChunkTimeout)
	assert.True(t, serverCfg.AuthRequired)
	assert.Contains(t, serverCfg.Users, "bob")
}

func TestLoadConfigRejectsInvalidTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server\ntcp_port = "), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}
