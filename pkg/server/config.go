package server

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/aeolun/wisp/pkg/database"
	"github.com/aeolun/wisp/pkg/protocol"
)

const (
	DefaultSSHPort  = protocol.DefaultSSHPort
	DefaultHTTPPort = protocol.DefaultHTTPPort
)

// Store backends selectable with [store].backend
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server    ServerSection    `toml:"server"`
	Limits    LimitsSection    `toml:"limits"`
	Discovery DiscoverySection `toml:"discovery"`
	Store     StoreSection     `toml:"store"`
	Logging   LoggingSection   `toml:"logging"`
}

type ServerSection struct {
	Host       string `toml:"host"`
	TCPPort    int    `toml:"tcp_port"`
	SSHPort    int    `toml:"ssh_port"`
	HTTPPort   int    `toml:"http_port"`
	SSHHostKey string `toml:"ssh_host_key"`
}

type LimitsSection struct {
	HandshakeTimeoutSeconds int `toml:"handshake_timeout_seconds"`
	MaxAuthFailures         int `toml:"max_auth_failures"`
	OutboundQueueSize       int `toml:"outbound_queue_size"`
}

type DiscoverySection struct {
	Enabled     bool   `toml:"enabled"`
	Port        int    `toml:"port"`
	AdvertiseIP string `toml:"advertise_ip"`
	ReplyAddr   string `toml:"reply_addr"`
}

type StoreSection struct {
	Backend      string              `toml:"backend"`
	DatabasePath string              `toml:"database_path"`
	RedisURL     string              `toml:"redis_url"`
	SeedUsers    []database.SeedUser `toml:"seed_users"`
}

type LoggingSection struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			Host:       protocol.DefaultHost,
			TCPPort:    protocol.DefaultPort,
			SSHPort:    DefaultSSHPort,
			HTTPPort:   DefaultHTTPPort,
			SSHHostKey: "~/.wisp/ssh_host_key",
		},
		Limits: LimitsSection{
			HandshakeTimeoutSeconds: 10,
			MaxAuthFailures:         5,
			OutboundQueueSize:       64,
		},
		Discovery: DiscoverySection{
			Enabled: true,
			Port:    protocol.DefaultPort,
		},
		Store: StoreSection{
			Backend:      BackendMemory,
			DatabasePath: "~/.wisp/wisp.db",
			RedisURL:     "redis://localhost:6379/0",
			SeedUsers:    database.DefaultSeed(),
		},
		Logging: LoggingSection{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found,
// and applies environment variable overrides
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		// A failed write still leaves usable defaults (read-only home, etc.)
		writeDefaultConfig(path)
		return applyEnvOverrides(config), nil
	}

	// Keys missing from the file keep their defaults
	config := DefaultTOMLConfig()
	config.Store.SeedUsers = nil
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	if config.Store.SeedUsers == nil {
		config.Store.SeedUsers = database.DefaultSeed()
	}

	return applyEnvOverrides(config), nil
}

func envInt(name string, dst *int) {
	if val := os.Getenv(name); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		}
	}
}

func envString(name string, dst *string) {
	if val := os.Getenv(name); val != "" {
		*dst = val
	}
}

// applyEnvOverrides applies environment variable overrides to the config
// Environment variables follow the pattern: WISP_SECTION_KEY
// Example: WISP_SERVER_TCP_PORT=4000
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	envString("WISP_SERVER_HOST", &config.Server.Host)
	envInt("WISP_SERVER_TCP_PORT", &config.Server.TCPPort)
	envInt("WISP_SERVER_SSH_PORT", &config.Server.SSHPort)
	envInt("WISP_SERVER_HTTP_PORT", &config.Server.HTTPPort)
	envString("WISP_SERVER_SSH_HOST_KEY", &config.Server.SSHHostKey)

	envInt("WISP_LIMITS_HANDSHAKE_TIMEOUT_SECONDS", &config.Limits.HandshakeTimeoutSeconds)
	envInt("WISP_LIMITS_MAX_AUTH_FAILURES", &config.Limits.MaxAuthFailures)
	envInt("WISP_LIMITS_OUTBOUND_QUEUE_SIZE", &config.Limits.OutboundQueueSize)

	if val := os.Getenv("WISP_DISCOVERY_ENABLED"); val != "" {
		if enabled, err := strconv.ParseBool(val); err == nil {
			config.Discovery.Enabled = enabled
		}
	}
	envInt("WISP_DISCOVERY_PORT", &config.Discovery.Port)
	envString("WISP_DISCOVERY_ADVERTISE_IP", &config.Discovery.AdvertiseIP)
	envString("WISP_DISCOVERY_REPLY_ADDR", &config.Discovery.ReplyAddr)

	envString("WISP_STORE_BACKEND", &config.Store.Backend)
	envString("WISP_STORE_DATABASE_PATH", &config.Store.DatabasePath)
	envString("WISP_STORE_REDIS_URL", &config.Store.RedisURL)

	envString("WISP_LOGGING_LEVEL", &config.Logging.Level)
	envString("WISP_LOGGING_FORMAT", &config.Logging.Format)

	return config
}

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	content := `# WISP Server Configuration
# This file was auto-generated with default values
# Restart the server for changes to take effect
#
# Environment variables can override these settings:
# WISP_SECTION_KEY (e.g., WISP_SERVER_TCP_PORT=4000)

[server]
# Interface to bind
host = "0.0.0.0"

# Port for plain TCP sessions
tcp_port = 32500

# Port for sessions carried over an SSH channel (0 = disabled)
ssh_port = 32501

# Port for the HTTP server: /ws, /metrics, /health (0 = disabled)
http_port = 32502

# Path to SSH host key file (generated on first start)
ssh_host_key = "~/.wisp/ssh_host_key"

[limits]
# Seconds a new connection has to send VERSION
handshake_timeout_seconds = 10

# AUTH failures tolerated before the connection is dropped
max_auth_failures = 5

# Relayed messages buffered per session before new ones are dropped
outbound_queue_size = 64

[discovery]
# Answer "Is anyone there?" broadcasts on the UDP port
enabled = true
port = 32500

# Address put in replies (leave empty to auto-detect)
# advertise_ip = "192.168.1.10"

# Where replies are sent (leave empty for broadcast on the discovery port)
# reply_addr = "255.255.255.255:32500"

[store]
# memory, sqlite or redis
backend = "memory"

# Used by the sqlite backend
database_path = "~/.wisp/wisp.db"

# Used by the redis backend
redis_url = "redis://localhost:6379/0"

# Accounts created when the store is empty
seed_users = [
  { name = "andrei", password = "dorin", friends = ["safa", "cameron", "kenny", "colbert"] },
  { name = "cameron", password = "graybill", friends = ["andrei"] },
  { name = "safa", password = "aman", friends = ["andrei"] },
  { name = "michael", password = "kain", friends = [] },
  { name = "kenny", password = "li", friends = ["andrei"] },
  { name = "colbert", password = "zhu", friends = ["andrei"] },
]

[logging]
# trace, debug, info, warn, error
level = "info"

# console or json
format = "console"
`

	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ToServerConfig converts TOMLConfig to Config. A zero SSH or HTTP port
// disables that listener, as does a disabled discovery section.
func (c *TOMLConfig) ToServerConfig() Config {
	cfg := DefaultConfig()

	host := c.Server.Host
	if strings.TrimSpace(host) == "" {
		host = protocol.DefaultHost
	}
	addr := func(port int) string {
		return net.JoinHostPort(host, strconv.Itoa(port))
	}

	if c.Server.TCPPort != 0 {
		cfg.TCPAddr = addr(c.Server.TCPPort)
	} else {
		cfg.TCPAddr = addr(protocol.DefaultPort)
	}

	cfg.SSHAddr = ""
	if c.Server.SSHPort > 0 {
		cfg.SSHAddr = addr(c.Server.SSHPort)
	}

	cfg.HTTPAddr = ""
	if c.Server.HTTPPort > 0 {
		cfg.HTTPAddr = addr(c.Server.HTTPPort)
	}

	if strings.TrimSpace(c.Server.SSHHostKey) != "" {
		cfg.SSHHostKeyPath = c.Server.SSHHostKey
	}

	if c.Limits.HandshakeTimeoutSeconds > 0 {
		cfg.HandshakeTimeout = time.Duration(c.Limits.HandshakeTimeoutSeconds) * time.Second
	}
	if c.Limits.MaxAuthFailures > 0 {
		cfg.MaxAuthFailures = c.Limits.MaxAuthFailures
	}
	if c.Limits.OutboundQueueSize > 0 {
		cfg.OutboundQueueSize = c.Limits.OutboundQueueSize
	}

	port := c.Discovery.Port
	if port == 0 {
		port = protocol.DefaultPort
	}
	cfg.DiscoveryAddr = ""
	if c.Discovery.Enabled {
		cfg.DiscoveryAddr = fmt.Sprintf(":%d", port)
	}
	// Clients listen for the reply on the port they probed
	cfg.DiscoveryReplyAddr = net.JoinHostPort("255.255.255.255", strconv.Itoa(port))
	if strings.TrimSpace(c.Discovery.ReplyAddr) != "" {
		cfg.DiscoveryReplyAddr = c.Discovery.ReplyAddr
	}
	cfg.AdvertiseIP = strings.TrimSpace(c.Discovery.AdvertiseIP)

	return cfg
}

// GetDatabasePath returns the database path with ~ expanded
func (c *TOMLConfig) GetDatabasePath() (string, error) {
	return expandHome(c.Store.DatabasePath)
}

// OpenStore opens the configured store backend, seeding it when empty
func (c *TOMLConfig) OpenStore(ctx context.Context) (database.Store, error) {
	seed := c.Store.SeedUsers
	if seed == nil {
		seed = database.DefaultSeed()
	}

	switch strings.ToLower(strings.TrimSpace(c.Store.Backend)) {
	case "", BackendMemory:
		return database.NewMemDB(seed), nil

	case BackendSQLite:
		path, err := c.GetDatabasePath()
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		return database.Open(path, seed)

	case BackendRedis:
		return database.NewRedisStore(ctx, c.Store.RedisURL, seed)

	default:
		return nil, fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
}

// expandHome expands a leading ~/ to the user's home directory
func expandHome(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		return filepath.Join(homeDir, path[2:]), nil
	}
	return path, nil
}
