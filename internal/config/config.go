// Package config loads depot configuration from a JSON or YAML file with
// DEPOT_* environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/oriys/depot/internal/cache"
	"github.com/oriys/depot/internal/observability"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that decodes from strings such as "5m" as
// well as from integer nanoseconds.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return d.parse(s)
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("duration must be a string or integer: %s", data)
	}
	*d = Duration(n)
	return nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.ShortTag() == "!!int" {
		n, err := strconv.ParseInt(node.Value, 10, 64)
		if err != nil {
			return err
		}
		*d = Duration(n)
		return nil
	}
	return d.parse(node.Value)
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// CacheConfig selects the repository cache policy. Preset names a built-in
// policy; TTL, MaxSize and Strategy override individual fields of it.
type CacheConfig struct {
	Preset   string    `json:"preset" yaml:"preset"`
	TTL      *Duration `json:"ttl,omitempty" yaml:"ttl,omitempty"`
	MaxSize  *int      `json:"max_size,omitempty" yaml:"max_size,omitempty"`
	Strategy string    `json:"strategy,omitempty" yaml:"strategy,omitempty"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

// S3Config holds the bucket used by the s3 key-value store.
type S3Config struct {
	Bucket       string `json:"bucket" yaml:"bucket"`
	Region       string `json:"region" yaml:"region"`
	Endpoint     string `json:"endpoint" yaml:"endpoint"`
	UsePathStyle bool   `json:"use_path_style" yaml:"use_path_style"`
}

// KVConfig configures the flat key-value backend.
type KVConfig struct {
	Store     string      `json:"store" yaml:"store"` // memory, redis, fs, s3
	KeyPrefix string      `json:"key_prefix" yaml:"key_prefix"`
	Dir       string      `json:"dir" yaml:"dir"`
	Redis     RedisConfig `json:"redis" yaml:"redis"`
	S3        S3Config    `json:"s3" yaml:"s3"`
}

// SecureConfig configures the secure backend.
type SecureConfig struct {
	Service       string `json:"service" yaml:"service"`
	AccessGroup   string `json:"access_group" yaml:"access_group"`
	Accessibility string `json:"accessibility" yaml:"accessibility"`
	Dir           string `json:"dir" yaml:"dir"` // empty keeps items in memory
	KeyFile       string `json:"key_file" yaml:"key_file"`
}

// ObjectConfig configures the managed object store.
type ObjectConfig struct {
	Engine          string `json:"engine" yaml:"engine"` // memory, postgres
	DSN             string `json:"dsn" yaml:"dsn"`
	MaxMaterialized int    `json:"max_materialized" yaml:"max_materialized"`
}

// LogConfig configures the operational logger.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Addr      string `json:"addr" yaml:"addr"`
	Namespace string `json:"namespace" yaml:"namespace"`
}

// Config is the central configuration struct.
type Config struct {
	Backend string               `json:"backend" yaml:"backend"` // memory, kv, secure, object
	Cache   CacheConfig          `json:"cache" yaml:"cache"`
	KV      KVConfig             `json:"kv" yaml:"kv"`
	Secure  SecureConfig         `json:"secure" yaml:"secure"`
	Object  ObjectConfig         `json:"object" yaml:"object"`
	Log     LogConfig            `json:"log" yaml:"log"`
	Metrics MetricsConfig        `json:"metrics" yaml:"metrics"`
	Tracing observability.Config `json:"tracing" yaml:"tracing"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Backend: "memory",
		Cache: CacheConfig{
			Preset: "default",
		},
		KV: KVConfig{
			Store:     "memory",
			KeyPrefix: "depot:",
			Dir:       "depot-data",
			Redis: RedisConfig{
				Addr: "localhost:6379",
			},
		},
		Secure: SecureConfig{
			Service:       "depot",
			Accessibility: "when-unlocked",
		},
		Object: ObjectConfig{
			Engine:          "memory",
			MaxMaterialized: 1000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Namespace: "depot",
		},
		Tracing: observability.Config{
			Exporter:    "otlp-http",
			Endpoint:    "localhost:4318",
			ServiceName: "depot",
			SampleRate:  1.0,
		},
	}
}

// LoadFromFile loads configuration from a JSON file, or a YAML file when the
// extension is .yaml or .yml. Fields absent from the file keep their
// defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config.
func LoadFromEnv(cfg *Config) error {
	setString(&cfg.Backend, "DEPOT_BACKEND")

	setString(&cfg.Cache.Preset, "DEPOT_CACHE_PRESET")
	setString(&cfg.Cache.Strategy, "DEPOT_CACHE_STRATEGY")
	if v := os.Getenv("DEPOT_CACHE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("DEPOT_CACHE_TTL: %w", err)
		}
		ttl := Duration(d)
		cfg.Cache.TTL = &ttl
	}
	if v := os.Getenv("DEPOT_CACHE_MAX_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DEPOT_CACHE_MAX_SIZE: %w", err)
		}
		cfg.Cache.MaxSize = &n
	}

	setString(&cfg.KV.Store, "DEPOT_KV_STORE")
	setString(&cfg.KV.KeyPrefix, "DEPOT_KV_PREFIX")
	setString(&cfg.KV.Dir, "DEPOT_KV_DIR")
	setString(&cfg.KV.Redis.Addr, "DEPOT_REDIS_ADDR")
	setString(&cfg.KV.Redis.Password, "DEPOT_REDIS_PASSWORD")
	if v := os.Getenv("DEPOT_REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DEPOT_REDIS_DB: %w", err)
		}
		cfg.KV.Redis.DB = n
	}
	setString(&cfg.KV.S3.Bucket, "DEPOT_S3_BUCKET")
	setString(&cfg.KV.S3.Region, "DEPOT_S3_REGION")
	setString(&cfg.KV.S3.Endpoint, "DEPOT_S3_ENDPOINT")

	setString(&cfg.Secure.Service, "DEPOT_SECURE_SERVICE")
	setString(&cfg.Secure.AccessGroup, "DEPOT_SECURE_ACCESS_GROUP")
	setString(&cfg.Secure.Accessibility, "DEPOT_SECURE_ACCESSIBILITY")
	setString(&cfg.Secure.Dir, "DEPOT_SECURE_DIR")
	setString(&cfg.Secure.KeyFile, "DEPOT_SECURE_KEY_FILE")

	setString(&cfg.Object.Engine, "DEPOT_OBJECT_ENGINE")
	setString(&cfg.Object.DSN, "DEPOT_POSTGRES_DSN")

	setString(&cfg.Log.Level, "DEPOT_LOG_LEVEL")
	setString(&cfg.Log.Format, "DEPOT_LOG_FORMAT")
	setString(&cfg.Metrics.Addr, "DEPOT_METRICS_ADDR")
	if v := os.Getenv("DEPOT_TRACING_ENDPOINT"); v != "" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Endpoint = v
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Load reads path (when non-empty), then applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := LoadFromEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the enumerated settings.
func (c *Config) Validate() error {
	switch c.Backend {
	case "memory", "kv", "secure", "object":
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	switch c.KV.Store {
	case "memory", "redis", "fs", "s3":
	default:
		return fmt.Errorf("unknown kv store %q", c.KV.Store)
	}
	if c.Backend == "kv" && c.KV.Store == "s3" && c.KV.S3.Bucket == "" {
		return fmt.Errorf("kv store s3 requires a bucket")
	}
	switch c.Object.Engine {
	case "memory":
	case "postgres":
		if c.Backend == "object" && c.Object.DSN == "" {
			return fmt.Errorf("object engine postgres requires a dsn")
		}
	default:
		return fmt.Errorf("unknown object engine %q", c.Object.Engine)
	}
	if c.Cache.MaxSize != nil && *c.Cache.MaxSize < 0 {
		return fmt.Errorf("cache max_size must not be negative")
	}
	if c.Cache.TTL != nil && *c.Cache.TTL < 0 {
		return fmt.Errorf("cache ttl must not be negative")
	}
	if _, err := c.CachePolicy(); err != nil {
		return err
	}
	return nil
}

// CachePolicy resolves the cache section into a cache.Policy.
func (c *Config) CachePolicy() (cache.Policy, error) {
	p, ok := cache.PolicyByName(c.Cache.Preset)
	if !ok {
		return cache.Policy{}, fmt.Errorf("unknown cache preset %q", c.Cache.Preset)
	}
	if c.Cache.TTL != nil {
		p.TTL = time.Duration(*c.Cache.TTL)
	}
	if c.Cache.MaxSize != nil {
		p.MaxSize = *c.Cache.MaxSize
	}
	if c.Cache.Strategy != "" {
		s, err := cache.ParseStrategy(c.Cache.Strategy)
		if err != nil {
			return cache.Policy{}, err
		}
		p.Strategy = s
	}
	return p, nil
}
