// ABOUTME: Configuration loading and parsing for channel-router
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Defaults applied by Load when the corresponding field is unset.
const (
	DefaultInvokeTimeout     = 60 * time.Second
	DefaultMaxConcurrent     = 64
	DefaultReconcileSchedule = "@every 1m"
	DefaultDedupeTTL         = 5 * time.Minute
	DefaultDedupeMaxEntries  = 100_000
	DefaultMessagesPerSecond = 10
	DefaultBurst             = 20
	DefaultRedisChannel      = "channel-router:broadcast"
	DefaultMetricsPath       = "/metrics"
)

// Config represents the complete channel-router configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Agents    AgentsConfig    `yaml:"agents" toml:"agents"`
	Rooms     RoomsConfig     `yaml:"rooms" toml:"rooms"`
	Redis     RedisConfig     `yaml:"redis" toml:"redis"`
	Dedupe    DedupeConfig    `yaml:"dedupe" toml:"dedupe"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds listener addresses and the identity tags reported to clients
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"` // optional: gRPC health service
	ServerID string `yaml:"server_id" toml:"server_id"` // reported in "connected" events
	AgentID  string `yaml:"agent_id" toml:"agent_id"`   // default agent advertised to clients

	// AllowedOrigins feeds CORS and the websocket origin check. Empty allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication configuration.
// When JWTSecret is empty the HTTP API and sockets are unauthenticated.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// RuntimeConfig describes one agent runtime the supervisor can start
type RuntimeConfig struct {
	ID     string `yaml:"id" toml:"id"`
	Name   string `yaml:"name" toml:"name"`
	Kind   string `yaml:"kind" toml:"kind"`     // "echo" or "http"
	URL    string `yaml:"url" toml:"url"`       // http kind: endpoint receiving generate requests
	Prefix string `yaml:"prefix" toml:"prefix"` // echo kind: reply prefix (default "echo: ")
}

// AgentsConfig holds agent invocation settings
type AgentsConfig struct {
	InvokeTimeout time.Duration `yaml:"-" toml:"-"`
	ThinkDelay    time.Duration `yaml:"-" toml:"-"`

	// Raw string values for YAML/TOML unmarshaling
	InvokeTimeoutRaw string `yaml:"invoke_timeout" toml:"invoke_timeout"`
	ThinkDelayRaw    string `yaml:"think_delay" toml:"think_delay"`

	MaxConcurrent     int             `yaml:"max_concurrent" toml:"max_concurrent"`
	ReconcileSchedule string          `yaml:"reconcile_schedule" toml:"reconcile_schedule"`
	EmitDiagnostics   bool            `yaml:"emit_diagnostics" toml:"emit_diagnostics"`
	Runtimes          []RuntimeConfig `yaml:"runtimes" toml:"runtimes"`
}

// RoomsConfig controls room assignment and inbound limits for real-time connections
type RoomsConfig struct {
	// DefaultRoom is joined by every new connection unless the connect
	// request names a channel of its own. Empty means no default room.
	DefaultRoom string `yaml:"default_room" toml:"default_room"`

	// AutoJoin is a pointer so an omitted key can default to true.
	AutoJoin *bool `yaml:"auto_join" toml:"auto_join"`

	// MessagesPerSecond is a pointer so an explicit 0 (no limit) is
	// distinguishable from an omitted key.
	MessagesPerSecond *float64 `yaml:"messages_per_second" toml:"messages_per_second"`
	Burst             int      `yaml:"burst" toml:"burst"`
}

// AutoJoinEnabled reports whether connections join a room on connect.
func (r RoomsConfig) AutoJoinEnabled() bool {
	return r.AutoJoin == nil || *r.AutoJoin
}

// RateLimit returns the inbound message rate per connection; 0 disables limiting.
func (r RoomsConfig) RateLimit() float64 {
	if r.MessagesPerSecond == nil {
		return DefaultMessagesPerSecond
	}
	return *r.MessagesPerSecond
}

// RedisConfig enables cross-instance broadcast relay when URL is set
type RedisConfig struct {
	URL     string `yaml:"url" toml:"url"`
	Channel string `yaml:"channel" toml:"channel"`
}

// DedupeConfig controls suppression of re-sent client messages
type DedupeConfig struct {
	TTL        time.Duration `yaml:"-" toml:"-"`
	TTLRaw     string        `yaml:"ttl" toml:"ttl"`
	MaxEntries int           `yaml:"max_entries" toml:"max_entries"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(data, formatFromPath(path))
}

// Parse decodes raw configuration bytes in the given format ("yaml" or "toml").
func Parse(data []byte, format string) (*Config, error) {
	expandedData := expandEnvVars(string(data))

	var cfg Config
	switch format {
	case "toml":
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func formatFromPath(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return "toml"
	}
	return "yaml"
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
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

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	seen := make(map[string]bool, len(c.Agents.Runtimes))
	for i, rt := range c.Agents.Runtimes {
		if rt.ID == "" {
			return fmt.Errorf("agents.runtimes[%d].id is required", i)
		}
		if seen[rt.ID] {
			return fmt.Errorf("agents.runtimes[%d]: duplicate id %q", i, rt.ID)
		}
		seen[rt.ID] = true

		switch rt.Kind {
		case "echo":
		case "http":
			if rt.URL == "" {
				return fmt.Errorf("agents.runtimes[%d].url is required for http runtimes", i)
			}
		default:
			return fmt.Errorf("agents.runtimes[%d].kind %q is not one of echo, http", i, rt.Kind)
		}
	}

	if c.Rooms.RateLimit() < 0 {
		return fmt.Errorf("rooms.messages_per_second must not be negative")
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
		{"invoke_timeout", cfg.Agents.InvokeTimeoutRaw, &cfg.Agents.InvokeTimeout},
		{"think_delay", cfg.Agents.ThinkDelayRaw, &cfg.Agents.ThinkDelay},
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
		if d < 0 {
			return fmt.Errorf("parsing %s %q: negative duration", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Agents.InvokeTimeout == 0 {
		cfg.Agents.InvokeTimeout = DefaultInvokeTimeout
	}
	if cfg.Agents.MaxConcurrent <= 0 {
		cfg.Agents.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.Agents.ReconcileSchedule == "" {
		cfg.Agents.ReconcileSchedule = DefaultReconcileSchedule
	}
	for i := range cfg.Agents.Runtimes {
		if cfg.Agents.Runtimes[i].Name == "" {
			cfg.Agents.Runtimes[i].Name = cfg.Agents.Runtimes[i].ID
		}
	}
	if cfg.Rooms.Burst <= 0 {
		cfg.Rooms.Burst = DefaultBurst
	}
	if cfg.Redis.Channel == "" {
		cfg.Redis.Channel = DefaultRedisChannel
	}
	if cfg.Dedupe.TTL == 0 {
		cfg.Dedupe.TTL = DefaultDedupeTTL
	}
	if cfg.Dedupe.MaxEntries <= 0 {
		cfg.Dedupe.MaxEntries = DefaultDedupeMaxEntries
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = DefaultMetricsPath
	}
	if cfg.Server.ServerID == "" {
		cfg.Server.ServerID = "channel-router"
	}
}
