// Package config loads schedulerd's YAML-backed configuration, overridable
// by environment variables: database connectivity, node identity, lock
// tuning, retention defaults, and logging.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config is the complete, reloadable configuration for a schedulerd
// process. Every field is overridable by an environment variable of the
// form SCHEDULERD_<SECTION>_<FIELD>, applied after the YAML file loads.
type Config struct {
	mu         sync.RWMutex
	configPath string

	Database  DatabaseConfig  `yaml:"database"`
	Node      NodeConfig      `yaml:"node"`
	Lock      LockConfig      `yaml:"lock"`
	Retention RetentionConfig `yaml:"retention"`
	Cache     CacheConfig     `yaml:"cache"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// DatabaseConfig describes how to reach the backing SQL database.
type DatabaseConfig struct {
	Driver      string `yaml:"driver"` // sqlite, postgres, mysql, mssql, libsql
	DSN         string `yaml:"dsn"`
	MaxOpen     int    `yaml:"max_open"`
	MaxIdle     int    `yaml:"max_idle"`
	MaxLifetime string `yaml:"max_lifetime"` // e.g. "30m"
}

// NodeConfig identifies this process within the cluster.
type NodeConfig struct {
	// Name defaults to the OS hostname when empty.
	Name string `yaml:"name"`
}

// LockConfig tunes the master-lock protocol: how often a node attempts an
// acquire-or-renew cycle, and how long a lock holder's last heartbeat
// remains honored before another node may reclaim it as abandoned. Both
// fields default to a 1-minute cadence / 5-minute validity window when
// zero or unparseable. Threaded into scheduler.NewRegistry (cadence) and
// repository.NewSQLRepository (validity window) by cmd/schedulerd.
type LockConfig struct {
	Cadence        string `yaml:"cadence"`
	ValidityWindow string `yaml:"validity_window"`
}

// RetentionConfig is the RetentionPolicy cmd/schedulerd gives the
// demonstration tasks it registers. The scheduler package does not apply
// it to any other task.
type RetentionConfig struct {
	MaxAge     string `yaml:"max_age"` // e.g. "720h"
	MaxCount   int    `yaml:"max_count"`
	DeleteLogs bool   `yaml:"delete_logs"`
}

// CacheConfig selects the optional read-through schedule cache.
type CacheConfig struct {
	Backend  string `yaml:"backend"` // none, memory, redis
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	TTL      int    `yaml:"ttl_seconds"`
}

// LoggingConfig configures the operational (non-audit) logger.
type LoggingConfig struct {
	Level      string `yaml:"level"` // debug, info, warn, error
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// MetricsConfig controls whether schedulerd serves its Prometheus metrics
// over HTTP, and at which path. The collectors are registered either way.
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// Default returns the configuration schedulerd starts from when no file
// is present.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:      "sqlite",
			DSN:         "file:schedulerd.db?_pragma=busy_timeout(5000)",
			MaxOpen:     10,
			MaxIdle:     5,
			MaxLifetime: "30m",
		},
		Node: NodeConfig{Name: ""},
		Lock: LockConfig{
			Cadence:        "1m",
			ValidityWindow: "5m",
		},
		Retention: RetentionConfig{
			MaxAge:     "2160h", // 90 days
			MaxCount:   500,
			DeleteLogs: true,
		},
		Cache: CacheConfig{
			Backend: "memory",
			TTL:     30,
		},
		Logging: LoggingConfig{
			Level:      "info",
			File:       "schedulerd.log",
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Endpoint: "/metrics",
		},
	}
}

// Load reads path (YAML), falling back to Default() for any field the
// file doesn't set, then overlays environment variables. A missing file
// is not an error: it yields the default configuration as if it had
// been an empty YAML document.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %q: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}

	cfg.configPath = path
	applyEnvOverlay(cfg)
	return cfg, nil
}

// Save writes cfg back to its loaded path as YAML.
func (c *Config) Save() error {
	c.mu.RLock()
	path := c.configPath
	c.mu.RUnlock()
	if path == "" {
		return fmt.Errorf("config: no path to save to")
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// NodeName resolves the configured node identity, defaulting to the
// process's OS hostname (falling back to a generated identifier if even
// that is unavailable, e.g. in a minimal container).
func (c *Config) NodeName() string {
	c.mu.RLock()
	name := c.Node.Name
	c.mu.RUnlock()
	if name != "" {
		return name
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "node-" + uuid.NewString()
}

func (c *Config) MaxLifetime() time.Duration {
	return parseDurationOr(c.Database.MaxLifetime, 30*time.Minute)
}

func (c *Config) LockCadence() time.Duration {
	return parseDurationOr(c.Lock.Cadence, time.Minute)
}

func (c *Config) LockValidityWindow() time.Duration {
	return parseDurationOr(c.Lock.ValidityWindow, 5*time.Minute)
}

func (c *Config) RetentionMaxAge() *time.Duration {
	d := parseDurationOr(c.Retention.MaxAge, 0)
	if d <= 0 {
		return nil
	}
	return &d
}

func (c *Config) RetentionMaxCount() *int {
	if c.Retention.MaxCount <= 0 {
		return nil
	}
	n := c.Retention.MaxCount
	return &n
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// applyEnvOverlay mutates cfg in place from SCHEDULERD_*-prefixed
// environment variables, overriding whatever the YAML file set.
func applyEnvOverlay(cfg *Config) {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = strings.EqualFold(v, "true") || v == "1"
		}
	}

	str("SCHEDULERD_DATABASE_DRIVER", &cfg.Database.Driver)
	str("SCHEDULERD_DATABASE_DSN", &cfg.Database.DSN)
	num("SCHEDULERD_DATABASE_MAX_OPEN", &cfg.Database.MaxOpen)
	num("SCHEDULERD_DATABASE_MAX_IDLE", &cfg.Database.MaxIdle)
	str("SCHEDULERD_DATABASE_MAX_LIFETIME", &cfg.Database.MaxLifetime)

	str("SCHEDULERD_NODE_NAME", &cfg.Node.Name)

	str("SCHEDULERD_LOCK_CADENCE", &cfg.Lock.Cadence)
	str("SCHEDULERD_LOCK_VALIDITY_WINDOW", &cfg.Lock.ValidityWindow)

	str("SCHEDULERD_RETENTION_MAX_AGE", &cfg.Retention.MaxAge)
	num("SCHEDULERD_RETENTION_MAX_COUNT", &cfg.Retention.MaxCount)
	boolean("SCHEDULERD_RETENTION_DELETE_LOGS", &cfg.Retention.DeleteLogs)

	str("SCHEDULERD_CACHE_BACKEND", &cfg.Cache.Backend)
	str("SCHEDULERD_CACHE_ADDRESS", &cfg.Cache.Address)
	str("SCHEDULERD_CACHE_PASSWORD", &cfg.Cache.Password)
	num("SCHEDULERD_CACHE_DB", &cfg.Cache.DB)
	num("SCHEDULERD_CACHE_TTL_SECONDS", &cfg.Cache.TTL)

	str("SCHEDULERD_LOGGING_LEVEL", &cfg.Logging.Level)
	str("SCHEDULERD_LOGGING_FILE", &cfg.Logging.File)
	num("SCHEDULERD_LOGGING_MAX_SIZE_MB", &cfg.Logging.MaxSizeMB)
	num("SCHEDULERD_LOGGING_MAX_BACKUPS", &cfg.Logging.MaxBackups)
	num("SCHEDULERD_LOGGING_MAX_AGE_DAYS", &cfg.Logging.MaxAgeDays)

	boolean("SCHEDULERD_METRICS_ENABLED", &cfg.Metrics.Enabled)
	str("SCHEDULERD_METRICS_ENDPOINT", &cfg.Metrics.Endpoint)
}
