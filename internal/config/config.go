package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/dyluth/canopy/pkg/hierarchy"
	"gopkg.in/yaml.v3"
)

// Store backends
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Environment overrides, applied after the file is parsed
const (
	EnvStore       = "CANOPY_STORE"
	EnvRedisURL    = "CANOPY_REDIS_URL"
	EnvPostgresURL = "CANOPY_POSTGRES_URL"
	EnvSQLitePath  = "CANOPY_SQLITE_PATH"
)

// DefaultPath is where the CLI looks for configuration.
const DefaultPath = "canopy.yml"

// CanopyConfig represents the top-level canopy.yml configuration
type CanopyConfig struct {
	Version      string              `yaml:"version"`
	Store        StoreConfig         `yaml:"store"`
	Cache        *CacheConfig        `yaml:"cache,omitempty"`
	Locks        *LocksConfig        `yaml:"locks,omitempty"`
	Lineage      *LineageConfig      `yaml:"lineage,omitempty"`
	Delegation   *DelegationConfig   `yaml:"delegation,omitempty"`
	Invalidation *InvalidationConfig `yaml:"invalidation,omitempty"`
	Logging      *LoggingConfig      `yaml:"logging,omitempty"`
}

// StoreConfig selects and configures the backing store
type StoreConfig struct {
	Backend  string          `yaml:"backend"` // memory, redis, postgres or sqlite
	Redis    *RedisConfig    `yaml:"redis,omitempty"`
	Postgres *PostgresConfig `yaml:"postgres,omitempty"`
	SQLite   *SQLiteConfig   `yaml:"sqlite,omitempty"`
}

// RedisConfig is shared by the redis store and the invalidation bus
type RedisConfig struct {
	URL string `yaml:"url"` // e.g. redis://localhost:6379/0
}

// PostgresConfig configures the pgx pool
type PostgresConfig struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns,omitempty"` // Default: 10
}

// SQLiteConfig configures the embedded store
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// CacheConfig bounds the cache layer
type CacheConfig struct {
	MaxContexts *int   `yaml:"max_contexts,omitempty"` // Default: 10000
	MaxNodes    *int   `yaml:"max_nodes,omitempty"`    // Default: 10000
	MaxAge      string `yaml:"max_age,omitempty"`      // Go duration, empty = no expiry
}

// LocksConfig bounds lock waits
type LocksConfig struct {
	OperationTimeout string `yaml:"operation_timeout,omitempty"` // Default: 5s
}

// LineageConfig controls ancestor checks on writes
type LineageConfig struct {
	Strict bool `yaml:"strict"`
}

// DelegationConfig controls review behaviour
type DelegationConfig struct {
	HistoryLimit *int              `yaml:"history_limit,omitempty"` // Default: 100
	AutoApprove  []AutoApproveRule `yaml:"auto_approve,omitempty"`
}

// AutoApproveRule approves delegations from one level to another without review.
// An empty Keys list allows any key; MaxKeys 0 allows any payload size.
type AutoApproveRule struct {
	From    string   `yaml:"from"`
	To      string   `yaml:"to"`
	Keys    []string `yaml:"keys,omitempty"`
	MaxKeys int      `yaml:"max_keys,omitempty"`
}

// InvalidationConfig enables the cross-process invalidation bus
type InvalidationConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url,omitempty"` // Defaults to store.redis.url
}

// LoggingConfig configures the slog handler
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`  // debug, info, warn or error. Default: info
	Format string `yaml:"format,omitempty"` // json or text. Default: json
}

// Default returns an in-memory configuration with every default applied
func Default() *CanopyConfig {
	cfg := &CanopyConfig{Version: "1.0", Store: StoreConfig{Backend: BackendMemory}}
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("default configuration is invalid: %v", err))
	}
	return cfg
}

// ApplyEnv overrides store settings from the environment
func (c *CanopyConfig) ApplyEnv(getenv func(string) string) {
	if v := getenv(EnvStore); v != "" {
		c.Store.Backend = v
	}
	if v := getenv(EnvRedisURL); v != "" {
		if c.Store.Redis == nil {
			c.Store.Redis = &RedisConfig{}
		}
		c.Store.Redis.URL = v
	}
	if v := getenv(EnvPostgresURL); v != "" {
		if c.Store.Postgres == nil {
			c.Store.Postgres = &PostgresConfig{}
		}
		c.Store.Postgres.URL = v
	}
	if v := getenv(EnvSQLitePath); v != "" {
		if c.Store.SQLite == nil {
			c.Store.SQLite = &SQLiteConfig{}
		}
		c.Store.SQLite.Path = v
	}
}

// Validate performs strict validation on the configuration and applies defaults
func (c *CanopyConfig) Validate() error {
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	if err := c.Store.Validate(); err != nil {
		return err
	}

	if c.Cache == nil {
		c.Cache = &CacheConfig{}
	}
	if c.Cache.MaxContexts == nil {
		c.Cache.MaxContexts = intPtr(10000)
	}
	if c.Cache.MaxNodes == nil {
		c.Cache.MaxNodes = intPtr(10000)
	}
	if *c.Cache.MaxContexts < 1 {
		return fmt.Errorf("cache.max_contexts must be >= 1, got %d", *c.Cache.MaxContexts)
	}
	if *c.Cache.MaxNodes < 1 {
		return fmt.Errorf("cache.max_nodes must be >= 1, got %d", *c.Cache.MaxNodes)
	}
	if _, err := parseDuration("cache.max_age", c.Cache.MaxAge); err != nil {
		return err
	}

	if c.Locks == nil {
		c.Locks = &LocksConfig{}
	}
	if c.Locks.OperationTimeout == "" {
		c.Locks.OperationTimeout = "5s"
	}
	if d, err := parseDuration("locks.operation_timeout", c.Locks.OperationTimeout); err != nil {
		return err
	} else if d <= 0 {
		return fmt.Errorf("locks.operation_timeout must be positive, got %s", c.Locks.OperationTimeout)
	}

	if c.Lineage == nil {
		c.Lineage = &LineageConfig{}
	}

	if c.Delegation == nil {
		c.Delegation = &DelegationConfig{}
	}
	if c.Delegation.HistoryLimit == nil {
		c.Delegation.HistoryLimit = intPtr(100)
	}
	if *c.Delegation.HistoryLimit < 1 {
		return fmt.Errorf("delegation.history_limit must be >= 1, got %d", *c.Delegation.HistoryLimit)
	}
	for i, rule := range c.Delegation.AutoApprove {
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("delegation.auto_approve[%d]: %w", i, err)
		}
	}

	if c.Invalidation == nil {
		c.Invalidation = &InvalidationConfig{}
	}
	if c.Invalidation.Enabled && c.Invalidation.URL == "" {
		if c.Store.Redis == nil || c.Store.Redis.URL == "" {
			return fmt.Errorf("invalidation.enabled requires invalidation.url or store.redis.url")
		}
		c.Invalidation.URL = c.Store.Redis.URL
	}

	if c.Logging == nil {
		c.Logging = &LoggingConfig{}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level: %s (must be 'debug', 'info', 'warn', or 'error')", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid logging.format: %s (must be 'json' or 'text')", c.Logging.Format)
	}

	return nil
}

// Validate checks that the selected backend has what it needs
func (s *StoreConfig) Validate() error {
	switch s.Backend {
	case BackendMemory:
	case BackendRedis:
		if s.Redis == nil || s.Redis.URL == "" {
			return fmt.Errorf("store.redis.url is required for the redis backend")
		}
	case BackendPostgres:
		if s.Postgres == nil || s.Postgres.URL == "" {
			return fmt.Errorf("store.postgres.url is required for the postgres backend")
		}
		if s.Postgres.MaxConns == 0 {
			s.Postgres.MaxConns = 10
		}
		if s.Postgres.MaxConns < 1 {
			return fmt.Errorf("store.postgres.max_conns must be >= 1, got %d", s.Postgres.MaxConns)
		}
	case BackendSQLite:
		if s.SQLite == nil || s.SQLite.Path == "" {
			return fmt.Errorf("store.sqlite.path is required for the sqlite backend")
		}
	case "":
		return fmt.Errorf("store.backend is required")
	default:
		return fmt.Errorf("invalid store.backend: %s (must be 'memory', 'redis', 'postgres', or 'sqlite')", s.Backend)
	}
	return nil
}

// Validate checks the levels of an auto-approval rule
func (r *AutoApproveRule) Validate() error {
	from, err := hierarchy.ParseLevel(r.From)
	if err != nil {
		return fmt.Errorf("invalid from: %w", err)
	}
	to, err := hierarchy.ParseLevel(r.To)
	if err != nil {
		return fmt.Errorf("invalid to: %w", err)
	}
	if !to.IsAncestorOf(from) {
		return fmt.Errorf("%s is not above %s", to, from)
	}
	if r.MaxKeys < 0 {
		return fmt.Errorf("max_keys must be >= 0, got %d", r.MaxKeys)
	}
	return nil
}

// MaxAge returns the parsed cache TTL. Call after Validate.
func (c *CanopyConfig) MaxAge() time.Duration {
	d, _ := parseDuration("cache.max_age", c.Cache.MaxAge)
	return d
}

// OperationTimeout returns the parsed default deadline. Call after Validate.
func (c *CanopyConfig) OperationTimeout() time.Duration {
	d, _ := parseDuration("locks.operation_timeout", c.Locks.OperationTimeout)
	return d
}

// Load reads canopy.yml from the specified path, applies environment
// overrides and validates the result
func Load(path string) (*CanopyConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config CanopyConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	config.ApplyEnv(os.Getenv)
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// LoadOrDefault behaves like Load but falls back to Default, with environment
// overrides, when the file does not exist
func LoadOrDefault(path string) (*CanopyConfig, error) {
	cfg, err := Load(path)
	if err == nil || !errors.Is(err, fs.ErrNotExist) {
		return cfg, err
	}

	config := &CanopyConfig{Version: "1.0", Store: StoreConfig{Backend: BackendMemory}}
	config.ApplyEnv(os.Getenv)
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

func parseDuration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative, got %s", field, value)
	}
	return d, nil
}

func intPtr(v int) *int {
	return &v
}
