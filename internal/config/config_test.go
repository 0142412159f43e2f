// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, "gateway.yaml", `
server:
  http_addr: "127.0.0.1:9080"
  ws_addr: "127.0.0.1:9081"
  origin_patterns: ["dash.example.com"]

agent:
  url: "http://localhost:7000/message"
  timeout: "15s"

registry:
  backend: "sqlite"
  path: "./apps.db"

health:
  interval: "30s"
  timeout: "2s"

webhooks:
  dedupe_ttl: "1m"
  dedupe_size: 500

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
  path: "/prom"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "127.0.0.1:9080" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "127.0.0.1:9080")
	}
	if cfg.Server.WSAddr != "127.0.0.1:9081" {
		t.Errorf("Server.WSAddr = %q, want %q", cfg.Server.WSAddr, "127.0.0.1:9081")
	}
	if len(cfg.Server.OriginPatterns) != 1 || cfg.Server.OriginPatterns[0] != "dash.example.com" {
		t.Errorf("Server.OriginPatterns = %v", cfg.Server.OriginPatterns)
	}
	if cfg.Agent.URL != "http://localhost:7000/message" {
		t.Errorf("Agent.URL = %q", cfg.Agent.URL)
	}
	if cfg.Agent.Timeout != 15*time.Second {
		t.Errorf("Agent.Timeout = %v, want %v", cfg.Agent.Timeout, 15*time.Second)
	}
	if cfg.Registry.Backend != RegistryBackendSQLite {
		t.Errorf("Registry.Backend = %q, want %q", cfg.Registry.Backend, RegistryBackendSQLite)
	}
	if cfg.Health.Interval != 30*time.Second {
		t.Errorf("Health.Interval = %v, want %v", cfg.Health.Interval, 30*time.Second)
	}
	if cfg.Health.Timeout != 2*time.Second {
		t.Errorf("Health.Timeout = %v, want %v", cfg.Health.Timeout, 2*time.Second)
	}
	if cfg.Webhooks.DedupeTTL != time.Minute {
		t.Errorf("Webhooks.DedupeTTL = %v, want %v", cfg.Webhooks.DedupeTTL, time.Minute)
	}
	if cfg.Webhooks.DedupeSize != 500 {
		t.Errorf("Webhooks.DedupeSize = %d, want 500", cfg.Webhooks.DedupeSize)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Path != "/prom" {
		t.Errorf("Metrics = %+v", cfg.Metrics)
	}
}

func TestLoad_Defaults(t *testing.T) {
	configPath := writeConfig(t, "gateway.yaml", `
agent:
  url: "http://agent.internal:7000"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != DefaultHTTPAddr {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, DefaultHTTPAddr)
	}
	if cfg.Server.WSAddr != DefaultWSAddr {
		t.Errorf("Server.WSAddr = %q, want %q", cfg.Server.WSAddr, DefaultWSAddr)
	}
	if cfg.Agent.Timeout != DefaultAgentTimeout {
		t.Errorf("Agent.Timeout = %v, want %v", cfg.Agent.Timeout, DefaultAgentTimeout)
	}
	if cfg.Health.Interval != 60*time.Second {
		t.Errorf("Health.Interval = %v, want 60s", cfg.Health.Interval)
	}
	if cfg.Health.Timeout != 10*time.Second {
		t.Errorf("Health.Timeout = %v, want 10s", cfg.Health.Timeout)
	}
	if cfg.Registry.Backend != RegistryBackendJSON {
		t.Errorf("Registry.Backend = %q, want %q", cfg.Registry.Backend, RegistryBackendJSON)
	}
	if cfg.Metrics.Path != DefaultMetricsPath {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, DefaultMetricsPath)
	}
}

func TestLoad_TOML(t *testing.T) {
	t.Setenv("TEST_HARBOR_SECRET", "s3cret")

	configPath := writeConfig(t, "gateway.toml", `
[server]
http_addr = "127.0.0.1:1080"
ws_addr = "127.0.0.1:1081"

[agent]
url = "https://agent.example.com/run"
timeout = "45s"

[auth]
jwt_secret = "${TEST_HARBOR_SECRET}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPAddr != "127.0.0.1:1080" {
		t.Errorf("Server.HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Agent.Timeout != 45*time.Second {
		t.Errorf("Agent.Timeout = %v, want 45s", cfg.Agent.Timeout)
	}
	if cfg.Auth.JWTSecret != "s3cret" {
		t.Errorf("Auth.JWTSecret = %q, want %q", cfg.Auth.JWTSecret, "s3cret")
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_AGENT_URL", "http://from-env:7000")

	configPath := writeConfig(t, "gateway.yaml", `
agent:
  url: "${TEST_AGENT_URL}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Agent.URL != "http://from-env:7000" {
		t.Errorf("Agent.URL = %q, want %q", cfg.Agent.URL, "http://from-env:7000")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !strings.Contains(err.Error(), "reading config file") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configPath := writeConfig(t, "gateway.yaml", `
agent:
  url: "http://localhost:7000"
health:
  interval: "soon"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("expected error for invalid duration")
	}
	if !strings.Contains(err.Error(), "health.interval") {
		t.Errorf("error should name the field, got: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing agent url",
			mutate:  func(c *Config) { c.Agent.URL = "" },
			wantErr: "agent.url is required",
		},
		{
			name:    "relative agent url",
			mutate:  func(c *Config) { c.Agent.URL = "/message" },
			wantErr: "agent.url must be an absolute",
		},
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.Registry.Backend = "postgres" },
			wantErr: "registry.backend",
		},
		{
			name:    "same listener addresses",
			mutate:  func(c *Config) { c.Server.WSAddr = c.Server.HTTPAddr },
			wantErr: "must differ",
		},
		{
			name: "tailscale without hostname",
			mutate: func(c *Config) {
				c.Tailscale.Enabled = true
			},
			wantErr: "tailscale.hostname is required",
		},
		{
			name:    "metrics path without slash",
			mutate:  func(c *Config) { c.Metrics.Path = "metrics" },
			wantErr: "metrics.path",
		},
		{
			name:   "valid",
			mutate: func(c *Config) {},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Agent.URL = "http://localhost:7000"
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}
