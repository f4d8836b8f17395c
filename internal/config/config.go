package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level clawshield configuration.
type Config struct {
	Version   string          `yaml:"version"`
	Server    ServerConfig    `yaml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Firewall  FirewallConfig  `yaml:"firewall"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Skills    SkillsConfig    `yaml:"skills"`
	Webhooks  []Webhook       `yaml:"webhooks"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds gateway server settings.
type ServerConfig struct {
	Port     int    `yaml:"port"`
	Bind     string `yaml:"bind"` // Address to bind (default: 127.0.0.1)
	LogLevel string `yaml:"log_level"`
	Debug    bool   `yaml:"debug"` // expose internal error details on 500s
}

// UpstreamConfig points at the downstream agent-hosting service.
type UpstreamConfig struct {
	URL          string `yaml:"url"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"` // request body cap (default 1 MiB)
}

// DatabaseConfig selects the relational store backend.
// Driver "sqlite" (default) or "postgres" (via pgx).
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// RedisConfig holds key-value store settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`
}

// FirewallConfig tunes the inspection pipeline.
type FirewallConfig struct {
	ThreatScoreThreshold float64 `yaml:"threat_score_threshold"`
	DefaultRateLimit     int     `yaml:"default_rate_limit"`
	BlacklistTTLSeconds  int     `yaml:"blacklist_ttl_seconds"`
	RuleCacheTTLSeconds  int     `yaml:"rule_cache_ttl_seconds"`
	DeepScan             bool    `yaml:"deep_scan"`       // aguara content scan on messages
	CustomRulesDir       string  `yaml:"custom_rules_dir"` // extra aguara rules
}

// WebSocketConfig tunes the WebSocket surface.
type WebSocketConfig struct {
	MaxConnsPerIP  int   `yaml:"max_conns_per_ip"`
	MaxMessageSize int64 `yaml:"max_message_size"`
}

// SkillsConfig tunes the skill analyzer.
type SkillsConfig struct {
	TimeoutMs int `yaml:"timeout_ms"`
	MemoryMiB int `yaml:"memory_mib"` // allocation bound for the dynamic stage
}

// Webhook defines an outgoing alert endpoint.
type Webhook struct {
	URL    string   `yaml:"url"`
	Events []string `yaml:"events"` // threat types to deliver; empty = all critical
}

// TelemetryConfig toggles tracing and metrics.
type TelemetryConfig struct {
	Tracing bool `yaml:"tracing"`
	Metrics bool `yaml:"metrics"`
}

// Load reads and parses a clawshield config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Defaults returns a config with sensible defaults.
func Defaults() *Config {
	cfg := &Config{
		Version: "1",
		Server: ServerConfig{
			Port:     8466,
			LogLevel: "info",
		},
		Upstream: UpstreamConfig{
			URL: "http://127.0.0.1:18789",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "clawshield.db",
		},
		Redis: RedisConfig{
			Addr: "127.0.0.1:6379",
		},
		Telemetry: TelemetryConfig{
			Metrics: true,
		},
	}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills zero values after unmarshal.
func (c *Config) applyDefaults() {
	if c.Upstream.MaxBodyBytes <= 0 {
		c.Upstream.MaxBodyBytes = 1 << 20
	}
	if c.Firewall.ThreatScoreThreshold <= 0 {
		c.Firewall.ThreatScoreThreshold = 0.8
	}
	if c.Firewall.DefaultRateLimit <= 0 {
		c.Firewall.DefaultRateLimit = 100
	}
	if c.Firewall.BlacklistTTLSeconds <= 0 {
		c.Firewall.BlacklistTTLSeconds = 3600
	}
	if c.Firewall.RuleCacheTTLSeconds <= 0 {
		c.Firewall.RuleCacheTTLSeconds = 30
	}
	if c.WebSocket.MaxConnsPerIP <= 0 {
		c.WebSocket.MaxConnsPerIP = 5
	}
	if c.WebSocket.MaxMessageSize <= 0 {
		c.WebSocket.MaxMessageSize = 1 << 20
	}
	if c.Skills.TimeoutMs <= 0 {
		c.Skills.TimeoutMs = 5000
	}
	if c.Skills.MemoryMiB <= 0 {
		c.Skills.MemoryMiB = 50
	}
}

// Save writes the config to a YAML file at the given path.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// Validate checks that the config is consistent.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if c.Upstream.URL == "" {
		return fmt.Errorf("upstream.url is required")
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.Firewall.ThreatScoreThreshold > 1 {
		return fmt.Errorf("firewall.threat_score_threshold must be in (0,1], got %v", c.Firewall.ThreatScoreThreshold)
	}
	if c.Skills.TimeoutMs < 1000 || c.Skills.TimeoutMs > 30000 {
		return fmt.Errorf("skills.timeout_ms must be between 1000 and 30000, got %d", c.Skills.TimeoutMs)
	}
	return nil
}
