package cache

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/taskmesh/scheduler/src/repository"
)

func randomSuffix() string {
	n, _ := rand.Int(rand.Reader, big.NewInt(1<<32))
	return fmt.Sprintf("%08x", n.Int64())
}

func newTestSQLRepository(t *testing.T) repository.Repository {
	t.Helper()
	db, driver, err := repository.Open(repository.Config{Driver: "sqlite", DSN: "file:" + t.Name() + randomSuffix() + "?mode=memory&cache=shared"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := repository.NewMigrator(db, driver).Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return repository.NewSQLRepository(db, driver)
}

func TestCachedRepositoryServesAllSchedulesFromCacheUntilWrite(t *testing.T) {
	repo := newTestSQLRepository(t)
	ctx := context.Background()
	if err := repo.UpsertSchedule(ctx, "ingest", "0 * * * *", nil); err != nil {
		t.Fatalf("seed: %v", err)
	}

	cached := NewCachedRepository(repo, newMemoryScheduleCache(time.Minute))

	first, err := cached.GetAllSchedules(ctx)
	if err != nil {
		t.Fatalf("first read: %v", err)
	}
	if _, ok := first["ingest"]; !ok {
		t.Fatalf("expected ingest in first read, got %+v", first)
	}

	// A write that bypasses the cached wrapper must still be invisible
	// until the wrapper's own write path invalidates the cached entry,
	// proving the second read below actually came from cache rather than
	// coincidentally re-querying the database.
	if err := repo.UpsertSchedule(ctx, "untracked-by-cache", "0 * * * *", nil); err != nil {
		t.Fatalf("seed second schedule directly: %v", err)
	}
	stale, err := cached.GetAllSchedules(ctx)
	if err != nil {
		t.Fatalf("cached read: %v", err)
	}
	if _, ok := stale["untracked-by-cache"]; ok {
		t.Fatalf("expected the cached read to miss a write made around the wrapper")
	}

	if err := cached.SetActive(ctx, "ingest", false); err != nil {
		t.Fatalf("set active through wrapper: %v", err)
	}

	fresh, err := cached.GetAllSchedules(ctx)
	if err != nil {
		t.Fatalf("read after invalidation: %v", err)
	}
	if _, ok := fresh["untracked-by-cache"]; !ok {
		t.Fatalf("expected the invalidated read to observe the schedule created around the wrapper")
	}
	if fresh["ingest"].Active {
		t.Fatalf("expected ingest to be inactive after SetActive through the wrapper")
	}
}

func TestCachedRepositoryCloseClosesBothLayers(t *testing.T) {
	repo := newTestSQLRepository(t)
	c := newMemoryScheduleCache(time.Minute)
	cached := NewCachedRepository(repo, c)

	if err := cached.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := c.Schedules(context.Background()); ok {
		t.Fatal("expected Close to invalidate the cache's entry")
	}
}
