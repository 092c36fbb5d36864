package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server ServerSection `toml:"server"`
	Limits LimitsSection `toml:"limits"`
	Auth   AuthSection   `toml:"auth"`
}

// ServerSection holds listener and filesystem settings. A negative port
// disables that listener; zero selects the default.
type ServerSection struct {
	TCPPort       int    `toml:"tcp_port"`
	SSHPort       int    `toml:"ssh_port"`
	SSHHostKey    string `toml:"ssh_host_key"`
	HTTPPort      int    `toml:"http_port"`
	MetricsPort   int    `toml:"metrics_port"`
	DatabasePath  string `toml:"database_path"`
	UploadDir     string `toml:"upload_dir"`
	TranscriptDir string `toml:"transcript_dir"`
	DefaultRoom   string `toml:"default_room"`
}

type LimitsSection struct {
	OutboundQueueSize       int   `toml:"outbound_queue_size"`
	EnqueueTimeoutMs        int   `toml:"enqueue_timeout_ms"`
	WriteTimeoutSeconds     int   `toml:"write_timeout_seconds"`
	HandshakeTimeoutSeconds int   `toml:"handshake_timeout_seconds"`
	ChunkTimeoutSeconds     int   `toml:"chunk_timeout_seconds"`
	WithdrawTimeoutSeconds  int   `toml:"withdraw_timeout_seconds"`
	MaxUploadBytes          int64 `toml:"max_upload_bytes"`
	MaxChunkBytes           int   `toml:"max_chunk_bytes"`
	MaxMessageLength        int   `toml:"max_message_length"`
	HistorySize             int   `toml:"history_size"`
	MessageRateLimit        int   `toml:"message_rate_limit"`
}

// AuthSection configures the credential gate. Users maps an identity to a
// bcrypt hash; identities not listed pass unless Required is set.
type AuthSection struct {
	Required bool              `toml:"required"`
	Users    map[string]string `toml:"users"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	def := DefaultConfig()
	return TOMLConfig{
		Server: ServerSection{
			TCPPort:       def.TCPPort,
			SSHPort:       def.SSHPort,
			SSHHostKey:    def.SSHHostKeyPath,
			HTTPPort:      def.HTTPPort,
			MetricsPort:   def.MetricsPort,
			DatabasePath:  "~/.roomcast/events.db",
			UploadDir:     "~/.roomcast/uploads",
			TranscriptDir: "~/.roomcast/transcripts",
			DefaultRoom:   def.DefaultRoom,
		},
		Limits: LimitsSection{
			OutboundQueueSize:       def.OutboundQueueSize,
			EnqueueTimeoutMs:        int(def.EnqueueTimeout / time.Millisecond),
			WriteTimeoutSeconds:     int(def.WriteTimeout / time.Second),
			HandshakeTimeoutSeconds: int(def.HandshakeTimeout / time.Second),
			ChunkTimeoutSeconds:     int(def.ChunkTimeout / time.Second),
			WithdrawTimeoutSeconds:  int(def.WithdrawTimeout / time.Second),
			MaxUploadBytes:          def.MaxUploadBytes,
			MaxChunkBytes:           def.MaxChunkBytes,
			MaxMessageLength:        def.MaxMessageLength,
			HistorySize:             def.HistorySize,
			MessageRateLimit:        def.MessageRateLimit,
		},
		Auth: AuthSection{
			Users: map[string]string{},
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandPath(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		// An unwritable location still leaves us with usable defaults
		_ = writeDefaultConfig(path, config)
		return config, nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// writeDefaultConfig writes the default config to a file
func writeDefaultConfig(path string, config TOMLConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# roomcast server configuration
# This file was auto-generated with default values
# Set a port to -1 to disable that listener
# Generate [auth.users] hashes with: roomcast-server hash-password <password>

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	if err := toml.NewEncoder(f).Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// portOrDefault maps zero to the default and negative values to disabled (0)
func portOrDefault(v, def int) int {
	switch {
	case v < 0:
		return 0
	case v == 0:
		return def
	}
	return v
}

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() (ServerConfig, error) {
	cfg := DefaultConfig()

	cfg.TCPPort = portOrDefault(c.Server.TCPPort, cfg.TCPPort)
	cfg.SSHPort = portOrDefault(c.Server.SSHPort, cfg.SSHPort)
	cfg.HTTPPort = portOrDefault(c.Server.HTTPPort, cfg.HTTPPort)
	cfg.MetricsPort = portOrDefault(c.Server.MetricsPort, cfg.MetricsPort)

	if strings.TrimSpace(c.Server.SSHHostKey) != "" {
		cfg.SSHHostKeyPath = c.Server.SSHHostKey
	}
	if strings.TrimSpace(c.Server.DefaultRoom) != "" {
		cfg.DefaultRoom = strings.TrimSpace(c.Server.DefaultRoom)
	}

	var err error
	if cfg.SSHHostKeyPath, err = expandPath(cfg.SSHHostKeyPath); err != nil {
		return cfg, err
	}
	if cfg.DatabasePath, err = expandPath(c.Server.DatabasePath); err != nil {
		return cfg, err
	}
	if c.Server.UploadDir != "" {
		if cfg.UploadDir, err = expandPath(c.Server.UploadDir); err != nil {
			return cfg, err
		}
	}
	if c.Server.TranscriptDir != "" {
		if cfg.TranscriptDir, err = expandPath(c.Server.TranscriptDir); err != nil {
			return cfg, err
		}
	}

	l := c.Limits
	if l.OutboundQueueSize > 0 {
		cfg.OutboundQueueSize = l.OutboundQueueSize
	}
	if l.EnqueueTimeoutMs > 0 {
		cfg.EnqueueTimeout = time.Duration(l.EnqueueTimeoutMs) * time.Millisecond
	}
	if l.WriteTimeoutSeconds > 0 {
		cfg.WriteTimeout = time.Duration(l.WriteTimeoutSeconds) * time.Second
	}
	if l.HandshakeTimeoutSeconds > 0 {
		cfg.HandshakeTimeout = time.Duration(l.HandshakeTimeoutSeconds) * time.Second
	}
	if l.ChunkTimeoutSeconds > 0 {
		cfg.ChunkTimeout = time.Duration(l.ChunkTimeoutSeconds) * time.Second
	}
	if l.WithdrawTimeoutSeconds > 0 {
		cfg.WithdrawTimeout = time.Duration(l.WithdrawTimeoutSeconds) * time.Second
	}
	if l.MaxUploadBytes > 0 {
		cfg.MaxUploadBytes = l.MaxUploadBytes
	}
	if l.MaxChunkBytes > 0 {
		cfg.MaxChunkBytes = l.MaxChunkBytes
	}
	if l.MaxMessageLength > 0 {
		cfg.MaxMessageLength = l.MaxMessageLength
	}
	if l.HistorySize > 0 {
		cfg.HistorySize = l.HistorySize
	}
	if l.MessageRateLimit > 0 {
		cfg.MessageRateLimit = l.MessageRateLimit
	}

	cfg.AuthRequired = c.Auth.Required
	cfg.Users = make(map[string]string, len(c.Auth.Users))
	for identity, hash := range c.Auth.Users {
		cfg.Users[identity] = hash
	}

	return cfg, nil
}

// expandPath expands a leading ~/ to the user's home directory
func expandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}
