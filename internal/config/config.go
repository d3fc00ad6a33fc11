// Package config resolves the gateway configuration from the environment,
// with an optional YAML overlay file for deployment-managed settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the resolved gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Queue     QueueConfig     `yaml:"queue"`
	Circuit   CircuitConfig   `yaml:"circuit"`
	Cache     CacheConfig     `yaml:"cache"`
	Activity  ActivityConfig  `yaml:"activity"`
	Receipts  ReceiptsConfig  `yaml:"receipts"`
	Gate      GateConfig      `yaml:"gate"`
	Memory    MemoryConfig    `yaml:"memory"`
	Backends  BackendsConfig  `yaml:"backends"`
}

type ServerConfig struct {
	Port     string `yaml:"port"`
	Host     string `yaml:"host"`
	LogLevel string `yaml:"log_level"`
	Manifest string `yaml:"manifest"` // capability manifest path, optional
}

type RateLimitConfig struct {
	GlobalMax int           `yaml:"global_max"`
	Window    time.Duration `yaml:"-"`
	WindowMs  int           `yaml:"window_ms"`
}

type QueueConfig struct {
	MaxDepthCritical int `yaml:"max_depth_critical"`
	MaxDepthHigh     int `yaml:"max_depth_high"`
	MaxDepthNormal   int `yaml:"max_depth_normal"`
	MaxDepthLow      int `yaml:"max_depth_low"`
}

type CircuitConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"-"`
	CooldownMs       int           `yaml:"cooldown_ms"`
}

type CacheConfig struct {
	MaxEntries       int           `yaml:"max_entries"`
	DefaultTTL       time.Duration `yaml:"-"`
	DefaultTTLMs     int           `yaml:"default_ttl_ms"`
	HitsConsumeQuota bool          `yaml:"hits_consume_quota"`
}

type ActivityConfig struct {
	MaxEvents int           `yaml:"max_events"`
	TTL       time.Duration `yaml:"-"`
	TTLMs     int           `yaml:"ttl_ms"`
}

type ReceiptsConfig struct {
	HMACSecret string `yaml:"hmac_secret"`
}

type GateConfig struct {
	HMACSecret string `yaml:"hmac_secret"`
}

type MemoryConfig struct {
	HeapLimitMB int `yaml:"heap_limit_mb"`
}

type BackendsConfig struct {
	RedisAddr   string `yaml:"redis_addr"`
	DatabaseURL string `yaml:"database_url"`
}

// Load resolves configuration: defaults, then the optional YAML overlay named
// by CONFIG_FILE, then environment variables on top.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.applyYAML(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	cfg.RateLimit.Window = time.Duration(cfg.RateLimit.WindowMs) * time.Millisecond
	cfg.Circuit.Cooldown = time.Duration(cfg.Circuit.CooldownMs) * time.Millisecond
	cfg.Cache.DefaultTTL = time.Duration(cfg.Cache.DefaultTTLMs) * time.Millisecond
	cfg.Activity.TTL = time.Duration(cfg.Activity.TTLMs) * time.Millisecond
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     "3001",
			Host:     "0.0.0.0",
			LogLevel: "info",
		},
		RateLimit: RateLimitConfig{GlobalMax: 100, WindowMs: 60000},
		Queue: QueueConfig{
			MaxDepthCritical: 1000,
			MaxDepthHigh:     1000,
			MaxDepthNormal:   1000,
			MaxDepthLow:      1000,
		},
		Circuit:  CircuitConfig{FailureThreshold: 5, CooldownMs: 30000},
		Cache:    CacheConfig{MaxEntries: 10000, DefaultTTLMs: 30000, HitsConsumeQuota: true},
		Activity: ActivityConfig{MaxEvents: 10000, TTLMs: 86400000},
		Memory:   MemoryConfig{HeapLimitMB: 512},
	}
}

func (c *Config) applyYAML(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file %s: %w", path, err)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	envStr("ROUTER_PORT", &c.Server.Port)
	envStr("HOST", &c.Server.Host)
	envStr("LOG_LEVEL", &c.Server.LogLevel)
	envStr("CAPABILITY_MANIFEST", &c.Server.Manifest)

	envInt("RATE_LIMIT_GLOBAL_MAX", &c.RateLimit.GlobalMax)
	envInt("RATE_LIMIT_WINDOW_MS", &c.RateLimit.WindowMs)

	envInt("QUEUE_MAX_DEPTH_CRITICAL", &c.Queue.MaxDepthCritical)
	envInt("QUEUE_MAX_DEPTH_HIGH", &c.Queue.MaxDepthHigh)
	envInt("QUEUE_MAX_DEPTH_NORMAL", &c.Queue.MaxDepthNormal)
	envInt("QUEUE_MAX_DEPTH_LOW", &c.Queue.MaxDepthLow)

	envInt("CIRCUIT_FAILURE_THRESHOLD", &c.Circuit.FailureThreshold)
	envInt("CIRCUIT_COOLDOWN_MS", &c.Circuit.CooldownMs)

	envInt("CACHE_MAX_ENTRIES", &c.Cache.MaxEntries)
	envInt("CACHE_DEFAULT_TTL_MS", &c.Cache.DefaultTTLMs)
	envBool("CACHE_HITS_CONSUME_QUOTA", &c.Cache.HitsConsumeQuota)

	envInt("ACTIVITY_MAX_EVENTS", &c.Activity.MaxEvents)
	envInt("ACTIVITY_TTL_MS", &c.Activity.TTLMs)

	envStr("RECEIPT_HMAC_SECRET", &c.Receipts.HMACSecret)
	envStr("GATE_HMAC_SECRET", &c.Gate.HMACSecret)

	envInt("MEMORY_HEAP_LIMIT_MB", &c.Memory.HeapLimitMB)

	envStr("REDIS_ADDR", &c.Backends.RedisAddr)
	envStr("DATABASE_URL", &c.Backends.DatabaseURL)
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
