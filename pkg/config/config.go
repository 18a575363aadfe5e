// Package config holds the proxy configuration, loadable from a YAML
// file with command-line flags overriding.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend names for the distributed cache.
const (
	BackendMemcached = "memcached"
	BackendRedis     = "redis"
)

// Config is the resolved proxy configuration.
type Config struct {
	// Upstream is the origin base URL; http:// is assumed when the
	// scheme is absent. Required.
	Upstream string

	// Backend selects the cache cluster client.
	Backend string

	// Memcached lists the cluster nodes as host:port.
	Memcached []string

	// Redis is the redis node address when Backend is redis.
	Redis string

	// Port is the reverse-proxy listen port.
	Port int

	// MetricsPort starts the metrics listener when non-zero.
	MetricsPort int

	// RemoveKeys are query parameter keys stripped during
	// canonicalisation (exact match).
	RemoveKeys []string

	// OriginTimeout bounds a single origin fetch.
	OriginTimeout time.Duration

	// LockTTL expires abandoned dogpile locks. Zero relies on cache
	// eviction alone.
	LockTTL time.Duration

	// LogLevel is the minimum level emitted (debug/info/warn/error).
	LogLevel string

	// Pretty switches log output from JSON to console format.
	Pretty bool
}

// Default returns the configuration used when neither file nor flags
// say otherwise.
func Default() Config {
	return Config{
		Backend:       BackendMemcached,
		Memcached:     []string{"localhost:11211"},
		Redis:         "localhost:6379",
		Port:          8080,
		OriginTimeout: 30 * time.Second,
		LockTTL:       30 * time.Second,
		LogLevel:      "info",
	}
}

// fileConfig is the YAML shape. Durations are strings in Go duration
// syntax ("30s", "1m").
type fileConfig struct {
	Upstream      string   `yaml:"upstream"`
	Backend       string   `yaml:"backend"`
	Memcached     []string `yaml:"memcached"`
	Redis         string   `yaml:"redis"`
	Port          *int     `yaml:"port"`
	MetricsPort   *int     `yaml:"metricsPort"`
	RemoveKeys    []string `yaml:"removeKeys"`
	OriginTimeout string   `yaml:"originTimeout"`
	LockTTL       *string  `yaml:"lockTTL"`
	LogLevel      string   `yaml:"logLevel"`
	Pretty        *bool    `yaml:"pretty"`
}

// Load reads a YAML file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var fc fileConfig
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	if fc.Upstream != "" {
		cfg.Upstream = fc.Upstream
	}
	if fc.Backend != "" {
		cfg.Backend = fc.Backend
	}
	if len(fc.Memcached) > 0 {
		cfg.Memcached = fc.Memcached
	}
	if fc.Redis != "" {
		cfg.Redis = fc.Redis
	}
	if fc.Port != nil {
		cfg.Port = *fc.Port
	}
	if fc.MetricsPort != nil {
		cfg.MetricsPort = *fc.MetricsPort
	}
	if len(fc.RemoveKeys) > 0 {
		cfg.RemoveKeys = fc.RemoveKeys
	}
	if fc.OriginTimeout != "" {
		d, err := time.ParseDuration(fc.OriginTimeout)
		if err != nil {
			return Config{}, fmt.Errorf("originTimeout: %w", err)
		}
		cfg.OriginTimeout = d
	}
	if fc.LockTTL != nil {
		d, err := time.ParseDuration(*fc.LockTTL)
		if err != nil {
			return Config{}, fmt.Errorf("lockTTL: %w", err)
		}
		cfg.LockTTL = d
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = fc.LogLevel
	}
	if fc.Pretty != nil {
		cfg.Pretty = *fc.Pretty
	}

	return cfg, nil
}

// Validate rejects configurations the process must not start with.
func (c *Config) Validate() error {
	if c.Upstream == "" {
		return fmt.Errorf("upstream is required")
	}
	switch c.Backend {
	case BackendMemcached:
		if len(c.Memcached) == 0 {
			return fmt.Errorf("memcached backend requires at least one node")
		}
	case BackendRedis:
		if c.Redis == "" {
			return fmt.Errorf("redis backend requires an address")
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("metrics port %d out of range", c.MetricsPort)
	}
	if c.MetricsPort != 0 && c.MetricsPort == c.Port {
		return fmt.Errorf("metrics port must differ from proxy port")
	}
	if c.OriginTimeout <= 0 {
		return fmt.Errorf("origin timeout must be positive")
	}
	if c.LockTTL < 0 {
		return fmt.Errorf("lock ttl must not be negative")
	}
	return nil
}
