package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/taskmesh/scheduler/src/repository"
)

// scheduleCacheKey is the single key the schedule list is stored under.
// There is only ever one entry: this cache never holds anything keyed by
// an individual schedule name, so a cluster of schedulerd nodes sharing a
// Redis instance all invalidate and repopulate the same key.
const scheduleCacheKey = "schedulerd:schedules:all"

// redisScheduleCache implements ScheduleCache on top of the real
// go-redis/v9 client, used by clusters that run more than one node so the
// cached schedule list is shared across the cluster instead of each node
// keeping its own in-memory copy.
type redisScheduleCache struct {
	client *goredis.Client
	ttl    time.Duration
}

// newRedisScheduleCache dials cfg.Address (host:port) with
// cfg.Password/cfg.DB and verifies connectivity with a PING before
// returning.
func newRedisScheduleCache(cfg *Config, ttl time.Duration) (*redisScheduleCache, error) {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: connect to redis at %s: %w", cfg.Address, err)
	}

	return &redisScheduleCache{client: client, ttl: ttl}, nil
}

func (c *redisScheduleCache) Schedules(ctx context.Context) (map[string]repository.Schedule, bool) {
	data, err := c.client.Get(ctx, scheduleCacheKey).Bytes()
	if err != nil {
		return nil, false
	}
	var schedules map[string]repository.Schedule
	if err := json.Unmarshal(data, &schedules); err != nil {
		return nil, false
	}
	return schedules, true
}

func (c *redisScheduleCache) Store(ctx context.Context, schedules map[string]repository.Schedule) error {
	data, err := json.Marshal(schedules)
	if err != nil {
		return fmt.Errorf("cache: marshal schedule list: %w", err)
	}
	if err := c.client.Set(ctx, scheduleCacheKey, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache: store schedule list: %w", err)
	}
	return nil
}

func (c *redisScheduleCache) Invalidate(ctx context.Context) error {
	if err := c.client.Del(ctx, scheduleCacheKey).Err(); err != nil {
		return fmt.Errorf("cache: invalidate schedule list: %w", err)
	}
	return nil
}

func (c *redisScheduleCache) Close() error {
	return c.client.Close()
}

func (c *redisScheduleCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *redisScheduleCache) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{Backend: "redis", Connected: true}

	if n, err := c.client.Exists(ctx, scheduleCacheKey).Result(); err == nil {
		stats.Keys = n
	}
	if info, err := c.client.Info(ctx, "memory").Result(); err == nil {
		stats.MemoryUsed = parseUsedMemory(info)
	}
	return stats, nil
}

func parseUsedMemory(info string) int64 {
	const marker = "used_memory:"
	idx := strings.Index(info, marker)
	if idx < 0 {
		return 0
	}
	rest := info[idx+len(marker):]
	if end := strings.IndexAny(rest, "\r\n"); end >= 0 {
		rest = rest[:end]
	}
	var n int64
	fmt.Sscanf(rest, "%d", &n)
	return n
}
