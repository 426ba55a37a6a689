package cache

import (
	"context"
	"time"

	"github.com/taskmesh/scheduler/src/repository"
)

// CachedRepository wraps a repository.Repository with a read-through
// cache over GetAllSchedules, the bulk read the operator CLI's list
// command and the out-of-scope health-check collaborator both poll
// repeatedly. It deliberately does NOT cache the single-schedule
// GetSchedule path: every TaskRunner calls that on every wake to decide
// whether to fire, and serving it a stale row past the cache's TTL would
// delay a pause, run-now, or cron override issued from another process
// (e.g. the CLI, which writes straight to the database and does not
// share this node's cache) by up to that TTL. Writes still invalidate the
// cached bulk read so it never outlives the data it was built from.
type CachedRepository struct {
	repository.Repository
	cache ScheduleCache
}

// NewCachedRepository wraps repo with c.
func NewCachedRepository(repo repository.Repository, c ScheduleCache) *CachedRepository {
	return &CachedRepository{Repository: repo, cache: c}
}

func (r *CachedRepository) GetAllSchedules(ctx context.Context) (map[string]repository.Schedule, error) {
	if all, ok := r.cache.Schedules(ctx); ok {
		return all, nil
	}

	all, err := r.Repository.GetAllSchedules(ctx)
	if err != nil {
		return nil, err
	}
	_ = r.cache.Store(ctx, all)
	return all, nil
}

func (r *CachedRepository) UpsertSchedule(ctx context.Context, name string, defaultCron string, initialNextRun *time.Time) error {
	err := r.Repository.UpsertSchedule(ctx, name, defaultCron, initialNextRun)
	_ = r.cache.Invalidate(ctx)
	return err
}

func (r *CachedRepository) SetActive(ctx context.Context, name string, active bool) error {
	err := r.Repository.SetActive(ctx, name, active)
	_ = r.cache.Invalidate(ctx)
	return err
}

func (r *CachedRepository) SetRunOnce(ctx context.Context, name string, runOnce bool) error {
	err := r.Repository.SetRunOnce(ctx, name, runOnce)
	_ = r.cache.Invalidate(ctx)
	return err
}

func (r *CachedRepository) UpdateNextRun(ctx context.Context, name string, overriddenCron *string, nextRun *time.Time) error {
	err := r.Repository.UpdateNextRun(ctx, name, overriddenCron, nextRun)
	_ = r.cache.Invalidate(ctx)
	return err
}

func (r *CachedRepository) Close() error {
	_ = r.cache.Close()
	return r.Repository.Close()
}
