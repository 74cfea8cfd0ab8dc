// ABOUTME: Configuration loading and parsing for parley-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete parley-gateway configuration
type Config struct {
	Server    ServerConfig           `yaml:"server"`
	Database  DatabaseConfig         `yaml:"database"`
	Auth      AuthConfig             `yaml:"auth"`
	Websocket WebsocketConfig        `yaml:"websocket"`
	Sessions  SessionsConfig         `yaml:"sessions"`
	Pacer     PacerConfig            `yaml:"pacer"`
	Dedupe    DedupeConfig           `yaml:"dedupe"`
	Runtime   RuntimeConfig          `yaml:"runtime"`
	Agents    map[string]AgentConfig `yaml:"agents"`
	Logging   LoggingConfig          `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// WebsocketConfig holds connection heartbeat and idle timing configuration
type WebsocketConfig struct {
	HeartbeatInterval time.Duration `yaml:"-"`
	PingTimeout       time.Duration `yaml:"-"`
	IdleTimeout       time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
	PingTimeoutRaw       string `yaml:"ping_timeout"`
	IdleTimeoutRaw       string `yaml:"idle_timeout"`
}

// SessionsConfig holds runtime session pool configuration
type SessionsConfig struct {
	MaxSessions   int           `yaml:"max_sessions"`
	IdleTimeout   time.Duration `yaml:"-"`
	SweepInterval time.Duration `yaml:"-"`

	IdleTimeoutRaw   string `yaml:"idle_timeout"`
	SweepIntervalRaw string `yaml:"sweep_interval"`
}

// PacerConfig holds output pacing configuration
type PacerConfig struct {
	MaxBufferSize        int           `yaml:"max_buffer_size"`
	InitialFlushInterval time.Duration `yaml:"-"`
	SteadyFlushInterval  time.Duration `yaml:"-"`

	InitialFlushIntervalRaw string `yaml:"initial_flush_interval"`
	SteadyFlushIntervalRaw  string `yaml:"steady_flush_interval"`
}

// DedupeConfig holds duplicate message suppression configuration
type DedupeConfig struct {
	MaxEntries int           `yaml:"max_entries"`
	TTL        time.Duration `yaml:"-"`

	TTLRaw string `yaml:"ttl"`
}

// RuntimeConfig holds the text-generation runtime subprocess configuration
type RuntimeConfig struct {
	Command string `yaml:"command"`
	WorkDir string `yaml:"work_dir"`
}

// AgentConfig defines one agent role that clients may address
type AgentConfig struct {
	SystemPrompt string `yaml:"system_prompt"`
	Model        string `yaml:"model"`
	MaxTurns     int    `yaml:"max_turns"`
	WorkDir      string `yaml:"work_dir"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values, and defaults are
// applied for any timing or sizing field left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in zero-valued timing and sizing fields.
func (c *Config) applyDefaults() {
	if c.Websocket.HeartbeatInterval == 0 {
		c.Websocket.HeartbeatInterval = 3 * time.Second
	}
	if c.Websocket.PingTimeout == 0 {
		c.Websocket.PingTimeout = 5 * time.Second
	}
	if c.Websocket.IdleTimeout == 0 {
		c.Websocket.IdleTimeout = 5 * time.Minute
	}
	if c.Sessions.MaxSessions == 0 {
		c.Sessions.MaxSessions = 100
	}
	if c.Sessions.IdleTimeout == 0 {
		c.Sessions.IdleTimeout = 30 * time.Minute
	}
	if c.Sessions.SweepInterval == 0 {
		c.Sessions.SweepInterval = 5 * time.Minute
	}
	if c.Pacer.InitialFlushInterval == 0 {
		c.Pacer.InitialFlushInterval = 50 * time.Millisecond
	}
	if c.Pacer.SteadyFlushInterval == 0 {
		c.Pacer.SteadyFlushInterval = 100 * time.Millisecond
	}
	if c.Pacer.MaxBufferSize == 0 {
		c.Pacer.MaxBufferSize = 30
	}
	if c.Dedupe.TTL == 0 {
		c.Dedupe.TTL = 2 * time.Minute
	}
	if c.Dedupe.MaxEntries == 0 {
		c.Dedupe.MaxEntries = 4096
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}

	if c.Runtime.Command == "" {
		return fmt.Errorf("runtime.command is required")
	}

	if len(c.Agents) == 0 {
		return fmt.Errorf("at least one agent role is required")
	}

	if c.Websocket.PingTimeout < c.Websocket.HeartbeatInterval {
		return fmt.Errorf("websocket.ping_timeout must be at least websocket.heartbeat_interval")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"websocket.heartbeat_interval", cfg.Websocket.HeartbeatIntervalRaw, &cfg.Websocket.HeartbeatInterval},
		{"websocket.ping_timeout", cfg.Websocket.PingTimeoutRaw, &cfg.Websocket.PingTimeout},
		{"websocket.idle_timeout", cfg.Websocket.IdleTimeoutRaw, &cfg.Websocket.IdleTimeout},
		{"sessions.idle_timeout", cfg.Sessions.IdleTimeoutRaw, &cfg.Sessions.IdleTimeout},
		{"sessions.sweep_interval", cfg.Sessions.SweepIntervalRaw, &cfg.Sessions.SweepInterval},
		{"pacer.initial_flush_interval", cfg.Pacer.InitialFlushIntervalRaw, &cfg.Pacer.InitialFlushInterval},
		{"pacer.steady_flush_interval", cfg.Pacer.SteadyFlushIntervalRaw, &cfg.Pacer.SteadyFlushInterval},
		{"dedupe.ttl", cfg.Dedupe.TTLRaw, &cfg.Dedupe.TTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
