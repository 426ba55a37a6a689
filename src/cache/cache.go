// Package cache provides the optional read-through cache for the full
// schedule list that backs CachedRepository. It caches exactly one thing
// — the result of a bulk GetAllSchedules — never the per-schedule read a
// TaskRunner makes on every wake, so a stale entry can only delay an
// operator's "list" view, never the lock protocol or a runner's own
// firing decision.
package cache

import (
	"context"
	"time"

	"github.com/taskmesh/scheduler/src/repository"
)

// Stats reports point-in-time cache backend statistics.
type Stats struct {
	Keys       int64
	MemoryUsed int64
	Connected  bool
	Backend    string
}

// ScheduleCache holds the most recently fetched full schedule list,
// expiring it after Config.TTL or on explicit Invalidate.
type ScheduleCache interface {
	// Schedules returns the cached list and true, or nil and false if
	// there is no unexpired entry.
	Schedules(ctx context.Context) (map[string]repository.Schedule, bool)
	// Store replaces the cached list, restarting its TTL.
	Store(ctx context.Context, schedules map[string]repository.Schedule) error
	// Invalidate discards the cached list immediately.
	Invalidate(ctx context.Context) error
	Close() error
	Ping(ctx context.Context) error
	Stats(ctx context.Context) (*Stats, error)
}

// Config selects and tunes the cache backend.
type Config struct {
	Backend  string // memory, redis
	Address  string // redis address (host:port)
	Password string // redis password
	DB       int    // redis database number
	TTL      int    // entry lifetime in seconds
}

// DefaultConfig returns the in-memory, 30-second-TTL configuration
// schedulerd falls back to when no cache section is configured.
func DefaultConfig() *Config {
	return &Config{
		Backend: "memory",
		Address: "localhost:6379",
		TTL:     30,
	}
}

// New builds the ScheduleCache cfg selects: "redis" dials a real
// go-redis/v9 client, shared across a cluster's nodes; anything else
// (including an empty value) falls back to a process-local in-memory
// entry.
func New(cfg *Config) (ScheduleCache, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	ttl := time.Duration(cfg.TTL) * time.Second

	switch cfg.Backend {
	case "redis":
		return newRedisScheduleCache(cfg, ttl)
	default:
		return newMemoryScheduleCache(ttl), nil
	}
}
