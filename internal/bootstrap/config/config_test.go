package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "app:\n  env: test\n")

	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.App.Name != "civicsync" || cfg.App.Env != "test" {
		t.Fatalf("App = %+v", cfg.App)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Database.DSN == "" {
		t.Fatalf("Database = %+v", cfg.Database)
	}
	if cfg.Offline.CacheTTL != 5*time.Minute || cfg.Offline.MaxAttempts != 3 {
		t.Fatalf("Offline = %+v", cfg.Offline)
	}
	if cfg.Connectivity.Mode != "manual" || !cfg.Connectivity.Initial {
		t.Fatalf("Connectivity = %+v", cfg.Connectivity)
	}
}

func TestLoadParsesDurationsAndSections(t *testing.T) {
	path := writeConfig(t, `
database:
  driver: redis
redis:
  addr: 127.0.0.1:6379
  prefix: "cs:"
offline:
  cache_ttl: 90s
  max_attempts: 5
  debounce: 500ms
connectivity:
  mode: probe
  probe_url: https://api.example.org/health
dispatch:
  base_url: https://api.example.org
  headers:
    X-Client: civicsync
`)

	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Driver != "redis" || cfg.Redis.Addr != "127.0.0.1:6379" || cfg.Redis.Prefix != "cs:" {
		t.Fatalf("redis config = %+v / %+v", cfg.Database, cfg.Redis)
	}
	if cfg.Offline.CacheTTL != 90*time.Second || cfg.Offline.Debounce != 500*time.Millisecond || cfg.Offline.MaxAttempts != 5 {
		t.Fatalf("Offline = %+v", cfg.Offline)
	}
	if cfg.Connectivity.ProbeURL != "https://api.example.org/health" {
		t.Fatalf("Connectivity = %+v", cfg.Connectivity)
	}
	if cfg.Dispatch.Headers["x-client"] != "civicsync" && cfg.Dispatch.Headers["X-Client"] != "civicsync" {
		t.Fatalf("Dispatch.Headers = %v", cfg.Dispatch.Headers)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "offline:\n  max_attempts: 4\n")
	t.Setenv("CS_OFFLINE_MAX_ATTEMPTS", "7")

	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Offline.MaxAttempts != 7 {
		t.Fatalf("MaxAttempts = %d, want env override 7", cfg.Offline.MaxAttempts)
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Database:     DatabaseConfig{Driver: "sqlite", DSN: "x.sqlite"},
			Connectivity: ConnectivityConfig{Mode: "manual"},
		}
	}

	cases := map[string]func(*Config){
		"unknown driver":       func(c *Config) { c.Database.Driver = "postgres" },
		"sqlite without dsn":   func(c *Config) { c.Database.DSN = "" },
		"redis without addr":   func(c *Config) { c.Database.Driver = "redis" },
		"probe without url":    func(c *Config) { c.Connectivity.Mode = "probe" },
		"file without path":    func(c *Config) { c.Connectivity.Mode = "file" },
		"unknown mode":         func(c *Config) { c.Connectivity.Mode = "bluetooth" },
		"negative attempts":    func(c *Config) { c.Offline.MaxAttempts = -1 },
		"shrinking multiplier": func(c *Config) { c.Offline.BackoffMultiplier = 0.5 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := base()
			mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("Validate() expected error")
			}
		})
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("Validate(base) error = %v", err)
	}
}

func TestLoadRejectsMissingExplicitFile(t *testing.T) {
	if _, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("Load() with missing explicit file expected error")
	}
}
