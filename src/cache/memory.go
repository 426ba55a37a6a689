package cache

import (
	"context"
	"sync"
	"time"

	"github.com/taskmesh/scheduler/src/repository"
)

// memoryScheduleCache holds a single process-local copy of the schedule
// list, guarded by a mutex since Registry/CachedRepository can be hit
// from several goroutines at once. TaskRunners' own per-wake reads never
// go through it.
type memoryScheduleCache struct {
	mu        sync.RWMutex
	schedules map[string]repository.Schedule
	expiresAt time.Time
	ttl       time.Duration
	hits      int64
	misses    int64
}

func newMemoryScheduleCache(ttl time.Duration) *memoryScheduleCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &memoryScheduleCache{ttl: ttl}
}

func (c *memoryScheduleCache) Schedules(ctx context.Context) (map[string]repository.Schedule, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.schedules == nil || time.Now().After(c.expiresAt) {
		c.misses++
		return nil, false
	}
	c.hits++

	out := make(map[string]repository.Schedule, len(c.schedules))
	for k, v := range c.schedules {
		out[k] = v
	}
	return out, true
}

func (c *memoryScheduleCache) Store(ctx context.Context, schedules map[string]repository.Schedule) error {
	clone := make(map[string]repository.Schedule, len(schedules))
	for k, v := range schedules {
		clone[k] = v
	}

	c.mu.Lock()
	c.schedules = clone
	c.expiresAt = time.Now().Add(c.ttl)
	c.mu.Unlock()
	return nil
}

func (c *memoryScheduleCache) Invalidate(ctx context.Context) error {
	c.mu.Lock()
	c.schedules = nil
	c.mu.Unlock()
	return nil
}

func (c *memoryScheduleCache) Close() error {
	return c.Invalidate(context.Background())
}

func (c *memoryScheduleCache) Ping(ctx context.Context) error {
	return nil
}

func (c *memoryScheduleCache) Stats(ctx context.Context) (*Stats, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := int64(0)
	if c.schedules != nil && time.Now().Before(c.expiresAt) {
		keys = int64(len(c.schedules))
	}
	return &Stats{
		Keys:      keys,
		Connected: true,
		Backend:   "memory",
	}, nil
}
