package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/oriys/depot/internal/cache"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
	p, err := cfg.CachePolicy()
	if err != nil {
		t.Fatalf("CachePolicy: %v", err)
	}
	if p != cache.DefaultPolicy {
		t.Fatalf("expected default policy, got %v", p)
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "depot.json")
	body := `{
		"backend": "kv",
		"cache": {"preset": "aggressive", "ttl": "30s", "strategy": "fifo"},
		"kv": {"store": "redis", "key_prefix": "app:", "redis": {"addr": "cache:6379", "db": 2}}
	}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Backend != "kv" || cfg.KV.Store != "redis" || cfg.KV.KeyPrefix != "app:" {
		t.Fatalf("unexpected kv settings: %+v", cfg.KV)
	}
	if cfg.KV.Redis.Addr != "cache:6379" || cfg.KV.Redis.DB != 2 {
		t.Fatalf("unexpected redis settings: %+v", cfg.KV.Redis)
	}
	if cfg.Log.Level != "info" {
		t.Fatalf("fields absent from the file must keep defaults, got log level %q", cfg.Log.Level)
	}

	p, err := cfg.CachePolicy()
	if err != nil {
		t.Fatalf("CachePolicy: %v", err)
	}
	want := cache.Policy{TTL: 30 * time.Second, MaxSize: 500, Strategy: cache.FirstInFirstOut}
	if p != want {
		t.Fatalf("expected %v, got %v", want, p)
	}
}

func TestLoadFromFile_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "depot.yaml")
	body := `backend: secure
cache:
  preset: none
secure:
  service: com.example.app
  accessibility: after-first-unlock-this-device-only
  dir: /var/lib/depot
log:
  level: debug
  format: json
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Backend != "secure" || cfg.Secure.Service != "com.example.app" {
		t.Fatalf("unexpected secure settings: %+v", cfg.Secure)
	}
	if cfg.Log.Format != "json" || cfg.Log.Level != "debug" {
		t.Fatalf("unexpected log settings: %+v", cfg.Log)
	}
	p, _ := cfg.CachePolicy()
	if p.Enabled() {
		t.Fatalf("preset none must disable caching, got %v", p)
	}
}

func TestDuration_YAMLInteger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "depot.yml")
	if err := os.WriteFile(path, []byte("cache:\n  ttl: 1000000000\n  max_size: 0\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	p, _ := cfg.CachePolicy()
	if p.TTL != time.Second || p.MaxSize != 0 {
		t.Fatalf("unexpected policy %v", p)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("DEPOT_BACKEND", "object")
	t.Setenv("DEPOT_OBJECT_ENGINE", "postgres")
	t.Setenv("DEPOT_POSTGRES_DSN", "postgres://localhost/depot")
	t.Setenv("DEPOT_CACHE_TTL", "2m")
	t.Setenv("DEPOT_CACHE_MAX_SIZE", "10")
	t.Setenv("DEPOT_TRACING_ENDPOINT", "otel:4318")

	cfg := DefaultConfig()
	if err := LoadFromEnv(cfg); err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Object.DSN != "postgres://localhost/depot" {
		t.Fatalf("unexpected dsn %q", cfg.Object.DSN)
	}
	if !cfg.Tracing.Enabled || cfg.Tracing.Endpoint != "otel:4318" {
		t.Fatalf("expected tracing to be enabled by endpoint override: %+v", cfg.Tracing)
	}
	p, _ := cfg.CachePolicy()
	if p.TTL != 2*time.Minute || p.MaxSize != 10 {
		t.Fatalf("unexpected policy %v", p)
	}
}

func TestLoadFromEnv_Malformed(t *testing.T) {
	t.Setenv("DEPOT_CACHE_MAX_SIZE", "lots")
	if err := LoadFromEnv(DefaultConfig()); err == nil {
		t.Fatal("expected an error for a malformed integer")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Backend = "tape" }},
		{"unknown kv store", func(c *Config) { c.KV.Store = "etcd" }},
		{"s3 without bucket", func(c *Config) { c.Backend = "kv"; c.KV.Store = "s3" }},
		{"postgres without dsn", func(c *Config) { c.Backend = "object"; c.Object.Engine = "postgres" }},
		{"unknown preset", func(c *Config) { c.Cache.Preset = "huge" }},
		{"unknown strategy", func(c *Config) { c.Cache.Strategy = "random" }},
		{"negative size", func(c *Config) { n := -1; c.Cache.MaxSize = &n }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
