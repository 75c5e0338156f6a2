// Package config holds the runtime configuration of kittgraph. Values come
// from Default, then an optional YAML file, then KITTGRAPH_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kittclouds/kittgraph/pkg/graph"
	"github.com/kittclouds/kittgraph/pkg/search"
	"github.com/kittclouds/kittgraph/pkg/writebuffer"
)

const Version = "0.3.0"

const envPrefix = "KITTGRAPH_"

// Config holds application configuration.
type Config struct {
	// Server
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Storage: "memory", "sqlite" or "badger"
	StorageBackend string `yaml:"storageBackend"`
	SQLitePath     string `yaml:"sqlitePath"`
	BadgerDir      string `yaml:"badgerDir"`

	// Search cache: "memory", "redis" or "none"
	CacheBackend  string        `yaml:"cacheBackend"`
	CacheSize     int           `yaml:"cacheSize"`
	CacheTTL      time.Duration `yaml:"cacheTTL"`
	RedisAddr     string        `yaml:"redisAddr"`
	RedisPassword string        `yaml:"redisPassword"`
	RedisDB       int           `yaml:"redisDB"`
	RedisPrefix   string        `yaml:"redisPrefix"`

	// Sync and projection
	FlushDelay          time.Duration `yaml:"flushDelay"`
	RecomputeDelay      time.Duration `yaml:"recomputeDelay"`
	ConfidenceThreshold float64       `yaml:"confidenceThreshold"`
	CentralityCeiling   int           `yaml:"centralityCeiling"`

	// Search
	SearchProfile string `yaml:"searchProfile"`
	OverFetch     int    `yaml:"overFetch"`
	MaxHops       int    `yaml:"maxHops"`

	// Vectors: "hnsw" or "sqlite"
	VectorBackend string `yaml:"vectorBackend"`
	VectorDir     string `yaml:"vectorDir"`
	VectorTier    string `yaml:"vectorTier"`

	// Logging
	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"` // "console" or "json"
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Host:                "127.0.0.1",
		Port:                7420,
		StorageBackend:      "sqlite",
		SQLitePath:          "kittgraph.db",
		BadgerDir:           "data/badger",
		CacheBackend:        "memory",
		CacheSize:           512,
		CacheTTL:            5 * time.Minute,
		RedisAddr:           "localhost:6379",
		RedisPrefix:         "kittgraph:search:",
		FlushDelay:          writebuffer.DefaultDelay,
		RecomputeDelay:      graph.DefaultRecomputeDelay,
		ConfidenceThreshold: 0,
		CentralityCeiling:   graph.DefaultCentralityCeiling,
		SearchProfile:       search.DefaultProfile,
		OverFetch:           search.DefaultOverFetch,
		MaxHops:             0,
		VectorBackend:       "hnsw",
		VectorDir:           "data/vectors",
		VectorTier:          "default",
		LogLevel:            "info",
		LogFormat:           "console",
	}
}

// LoadFile overlays the YAML file at path onto cfg. Keys absent from the
// file keep their current values.
func LoadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

// LoadFromEnv loads configuration from KITTGRAPH_* environment variables.
// Malformed numbers and durations are reported, not silently dropped.
func LoadFromEnv(cfg *Config) error {
	var errs []error

	str := func(name string, dst *string) {
		if val := os.Getenv(envPrefix + name); val != "" {
			*dst = val
		}
	}
	num := func(name string, dst *int) {
		if val := os.Getenv(envPrefix + name); val != "" {
			n, err := strconv.Atoi(val)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	float := func(name string, dst *float64) {
		if val := os.Getenv(envPrefix + name); val != "" {
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = f
		}
	}
	dur := func(name string, dst *time.Duration) {
		if val := os.Getenv(envPrefix + name); val != "" {
			d, err := time.ParseDuration(val)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = d
		}
	}

	str("HOST", &cfg.Host)
	num("PORT", &cfg.Port)
	str("STORAGE", &cfg.StorageBackend)
	str("SQLITE_PATH", &cfg.SQLitePath)
	str("BADGER_DIR", &cfg.BadgerDir)
	str("CACHE", &cfg.CacheBackend)
	num("CACHE_SIZE", &cfg.CacheSize)
	dur("CACHE_TTL", &cfg.CacheTTL)
	str("REDIS_ADDR", &cfg.RedisAddr)
	str("REDIS_PASSWORD", &cfg.RedisPassword)
	num("REDIS_DB", &cfg.RedisDB)
	str("REDIS_PREFIX", &cfg.RedisPrefix)
	dur("FLUSH_DELAY", &cfg.FlushDelay)
	dur("RECOMPUTE_DELAY", &cfg.RecomputeDelay)
	float("CONFIDENCE_THRESHOLD", &cfg.ConfidenceThreshold)
	num("CENTRALITY_CEILING", &cfg.CentralityCeiling)
	str("SEARCH_PROFILE", &cfg.SearchProfile)
	num("OVER_FETCH", &cfg.OverFetch)
	num("MAX_HOPS", &cfg.MaxHops)
	str("VECTOR_BACKEND", &cfg.VectorBackend)
	str("VECTOR_DIR", &cfg.VectorDir)
	str("VECTOR_TIER", &cfg.VectorTier)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("LOG_FORMAT", &cfg.LogFormat)

	return errors.Join(errs...)
}

// Load builds a configuration from the defaults, the optional file at path
// and the environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := LoadFile(cfg, path); err != nil {
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

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Port < 0 || c.Port > 65535 {
		bad("port %d out of range", c.Port)
	}
	switch c.StorageBackend {
	case "memory":
	case "sqlite":
		if c.SQLitePath == "" {
			bad("sqlitePath is required for the sqlite backend")
		}
	case "badger":
		if c.BadgerDir == "" {
			bad("badgerDir is required for the badger backend")
		}
	default:
		bad("unknown storage backend %q", c.StorageBackend)
	}
	switch c.CacheBackend {
	case "none":
	case "memory", "redis":
		if c.CacheTTL <= 0 {
			bad("cacheTTL must be positive")
		}
		if c.CacheBackend == "redis" && c.RedisAddr == "" {
			bad("redisAddr is required for the redis cache")
		}
	default:
		bad("unknown cache backend %q", c.CacheBackend)
	}
	if c.FlushDelay < 0 {
		bad("flushDelay must not be negative")
	}
	if c.RecomputeDelay < 0 {
		bad("recomputeDelay must not be negative")
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		bad("confidenceThreshold %.2f outside [0,1]", c.ConfidenceThreshold)
	}
	if c.CentralityCeiling < 0 {
		bad("centralityCeiling must not be negative")
	}
	if _, ok := search.ProfileByName(c.SearchProfile); !ok {
		bad("unknown search profile %q", c.SearchProfile)
	}
	if c.OverFetch < 0 {
		bad("overFetch must not be negative")
	}
	if c.MaxHops < 0 {
		bad("maxHops must not be negative")
	}
	switch c.VectorBackend {
	case "hnsw", "sqlite":
	default:
		bad("unknown vector backend %q", c.VectorBackend)
	}
	if c.VectorBackend == "sqlite" && c.StorageBackend != "sqlite" {
		bad("the sqlite vector backend needs the sqlite storage backend")
	}
	switch strings.ToLower(c.LogFormat) {
	case "console", "json":
	default:
		bad("unknown log format %q", c.LogFormat)
	}
	return errors.Join(errs...)
}

// Addr returns host:port.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
