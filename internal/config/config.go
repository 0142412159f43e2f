// ABOUTME: Configuration loading and parsing for harbor-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Registry backends
const (
	RegistryBackendJSON   = "json"
	RegistryBackendSQLite = "sqlite"
)

// Defaults applied when a field is left empty.
const (
	DefaultHTTPAddr       = "0.0.0.0:8080"
	DefaultWSAddr         = "0.0.0.0:8081"
	DefaultAgentTimeout   = 30 * time.Second
	DefaultHealthInterval = 60 * time.Second
	DefaultHealthTimeout  = 10 * time.Second
	DefaultDedupeTTL      = 5 * time.Minute
	DefaultDedupeSize     = 10_000
	DefaultMetricsPath    = "/metrics"
	DefaultRegistryPath   = "data/apps.json"
)

// Config represents the complete harbor-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Agent     AgentConfig     `yaml:"agent" toml:"agent"`
	Registry  RegistryConfig  `yaml:"registry" toml:"registry"`
	Health    HealthConfig    `yaml:"health" toml:"health"`
	Webhooks  WebhooksConfig  `yaml:"webhooks" toml:"webhooks"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds listener address configuration.
// The WebSocket listener is separate so channel paths never collide with API routes.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	WSAddr   string `yaml:"ws_addr" toml:"ws_addr"`

	// OriginPatterns lists extra browser origins (host patterns such as
	// "*.example.com") allowed to open WebSocket sessions. Empty means same-origin only.
	OriginPatterns []string `yaml:"origin_patterns" toml:"origin_patterns"`
}

// AgentConfig points at the backend agent that executes messages and deployments
type AgentConfig struct {
	URL     string        `yaml:"url" toml:"url"`
	Timeout time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw string `yaml:"timeout" toml:"timeout"`
}

// RegistryConfig selects where the app registry is persisted
type RegistryConfig struct {
	Backend string `yaml:"backend" toml:"backend"` // "json" (default) or "sqlite"
	Path    string `yaml:"path" toml:"path"`
}

// HealthConfig holds health poller timing
type HealthConfig struct {
	Disabled bool          `yaml:"disabled" toml:"disabled"`
	Interval time.Duration `yaml:"-" toml:"-"`
	Timeout  time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	IntervalRaw string `yaml:"interval" toml:"interval"`
	TimeoutRaw  string `yaml:"timeout" toml:"timeout"`
}

// WebhooksConfig controls duplicate delivery suppression for inbound webhooks
type WebhooksConfig struct {
	DedupeTTL  time.Duration `yaml:"-" toml:"-"`
	DedupeSize int           `yaml:"dedupe_size" toml:"dedupe_size"`

	DedupeTTLRaw string `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// AuthConfig holds authentication configuration.
// When JWTSecret is empty the API is unauthenticated.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
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

	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes raw configuration bytes. ext selects the format (".toml" or YAML otherwise).
func Parse(data []byte, ext string) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(ext, ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied and no agent URL.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
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

// ApplyDefaults fills empty fields with their default values.
func (c *Config) ApplyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Server.WSAddr == "" {
		c.Server.WSAddr = DefaultWSAddr
	}
	if c.Agent.Timeout == 0 {
		c.Agent.Timeout = DefaultAgentTimeout
	}
	if c.Registry.Backend == "" {
		c.Registry.Backend = RegistryBackendJSON
	}
	if c.Registry.Path == "" {
		c.Registry.Path = DefaultRegistryPath
	}
	if c.Health.Interval == 0 {
		c.Health.Interval = DefaultHealthInterval
	}
	if c.Health.Timeout == 0 {
		c.Health.Timeout = DefaultHealthTimeout
	}
	if c.Webhooks.DedupeTTL == 0 {
		c.Webhooks.DedupeTTL = DefaultDedupeTTL
	}
	if c.Webhooks.DedupeSize == 0 {
		c.Webhooks.DedupeSize = DefaultDedupeSize
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Agent.URL == "" {
		return fmt.Errorf("agent.url is required")
	}
	u, err := url.Parse(c.Agent.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("agent.url must be an absolute http(s) URL, got %q", c.Agent.URL)
	}

	switch c.Registry.Backend {
	case RegistryBackendJSON, RegistryBackendSQLite:
	default:
		return fmt.Errorf("registry.backend must be %q or %q, got %q", RegistryBackendJSON, RegistryBackendSQLite, c.Registry.Backend)
	}

	// Both listeners are required unless Tailscale provides them
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == c.Server.WSAddr {
		return fmt.Errorf("server.http_addr and server.ws_addr must differ")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Health.Interval < 0 || c.Health.Timeout < 0 || c.Agent.Timeout < 0 {
		return fmt.Errorf("durations must not be negative")
	}

	if !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
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
		{"agent.timeout", cfg.Agent.TimeoutRaw, &cfg.Agent.Timeout},
		{"health.interval", cfg.Health.IntervalRaw, &cfg.Health.Interval},
		{"health.timeout", cfg.Health.TimeoutRaw, &cfg.Health.Timeout},
		{"webhooks.dedupe_ttl", cfg.Webhooks.DedupeTTLRaw, &cfg.Webhooks.DedupeTTL},
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
