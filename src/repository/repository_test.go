package repository

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"testing"
	"time"
)

func randomSuffix() string {
	n, _ := rand.Int(rand.Reader, big.NewInt(1<<32))
	return fmt.Sprintf("%08x", n.Int64())
}

func newTestRepository(t *testing.T) *SQLRepository {
	t.Helper()
	db, driver, err := Open(Config{Driver: "sqlite", DSN: "file:" + t.Name() + randomSuffix() + "?mode=memory&cache=shared"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := NewMigrator(db, driver).Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewSQLRepository(db, driver)
}

func TestUpsertScheduleIsIdempotentAndPreservesState(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	next := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	if err := repo.UpsertSchedule(ctx, "nightly-export", "0 2 * * *", &next); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	got, err := repo.GetSchedule(ctx, "nightly-export")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Active || got.NextRun == nil || !got.NextRun.Equal(next) {
		t.Fatalf("unexpected schedule after creation: %+v", got)
	}

	if err := repo.SetActive(ctx, "nightly-export", false); err != nil {
		t.Fatalf("set active: %v", err)
	}

	// A second upsert with a different initial next run must not disturb
	// the existing row's state.
	later := next.Add(24 * time.Hour)
	if err := repo.UpsertSchedule(ctx, "nightly-export", "0 2 * * *", &later); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	got, err = repo.GetSchedule(ctx, "nightly-export")
	if err != nil {
		t.Fatalf("get after second upsert: %v", err)
	}
	if got.Active {
		t.Fatalf("expected paused state to survive a repeat upsert, got active=%v", got.Active)
	}
	if !got.NextRun.Equal(next) {
		t.Fatalf("expected original next_run to survive a repeat upsert, got %v", got.NextRun)
	}
}

func TestGetScheduleMissingReturnsErrNotFound(t *testing.T) {
	repo := newTestRepository(t)
	if _, err := repo.GetSchedule(context.Background(), "does-not-exist"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateNextRunSetsOverrideAndNextTogether(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	if err := repo.UpsertSchedule(ctx, "report", "0 * * * *", nil); err != nil {
		t.Fatalf("seed: %v", err)
	}

	override := "*/1 * * * *"
	next := time.Date(2026, 8, 1, 12, 1, 0, 0, time.UTC)
	if err := repo.UpdateNextRun(ctx, "report", &override, &next); err != nil {
		t.Fatalf("update next run: %v", err)
	}

	got, err := repo.GetSchedule(ctx, "report")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.OverriddenCron == nil || *got.OverriddenCron != override {
		t.Fatalf("expected override to be set, got %+v", got.OverriddenCron)
	}
	if got.NextRun == nil || !got.NextRun.Equal(next) {
		t.Fatalf("expected next_run to be set, got %+v", got.NextRun)
	}

	// Clearing the override (nil) while advancing next_run again must wipe
	// the override column back to null.
	laterNext := next.Add(time.Hour)
	if err := repo.UpdateNextRun(ctx, "report", nil, &laterNext); err != nil {
		t.Fatalf("clear override: %v", err)
	}
	got, err = repo.GetSchedule(ctx, "report")
	if err != nil {
		t.Fatalf("get after clear: %v", err)
	}
	if got.OverriddenCron != nil {
		t.Fatalf("expected override to be cleared, got %+v", *got.OverriddenCron)
	}
}

func TestRunLifecycleAndDoubleTerminalTransition(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	if err := repo.UpsertSchedule(ctx, "report", "@daily", nil); err != nil {
		t.Fatalf("seed schedule: %v", err)
	}

	runID, err := repo.AddScheduleRun(ctx, "report", "node-a", time.Now().UTC(), "run started")
	if err != nil {
		t.Fatalf("add run: %v", err)
	}

	run, err := repo.GetScheduleRun(ctx, runID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != RunStatusStarted {
		t.Fatalf("expected STARTED, got %s", run.Status)
	}

	statusTime := time.Now().UTC()
	if err := repo.SetStatus(ctx, runID, RunStatusDone, statusTime, "completed", nil); err != nil {
		t.Fatalf("set status done: %v", err)
	}

	// Identical repeat of the same terminal write is tolerated.
	if err := repo.SetStatus(ctx, runID, RunStatusDone, statusTime, "completed", nil); err != nil {
		t.Fatalf("idempotent repeat should succeed: %v", err)
	}

	// A different terminal write after the first is rejected.
	if err := repo.SetStatus(ctx, runID, RunStatusFailed, statusTime.Add(time.Minute), "oops", nil); err != ErrAlreadyTerminal {
		t.Fatalf("expected ErrAlreadyTerminal, got %v", err)
	}
}

func TestRunIDsAreUniqueAndSortable(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	if err := repo.UpsertSchedule(ctx, "s", "@daily", nil); err != nil {
		t.Fatalf("seed: %v", err)
	}

	first, err := repo.AddScheduleRun(ctx, "s", "node-a", time.Now().UTC(), "start")
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := repo.AddScheduleRun(ctx, "s", "node-a", time.Now().UTC(), "start")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if first == second {
		t.Fatalf("run ids collided: %s", first)
	}
	if !(first < second) {
		t.Fatalf("expected monotonically increasing run ids, got %s then %s", first, second)
	}
}

func TestMasterLockAcquireRenewAndExpire(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	now := time.Now().UTC()
	const lockName = "scheduledtask"

	ok, err := repo.TryAcquireLock(ctx, lockName, "node-a", now)
	if err != nil || !ok {
		t.Fatalf("expected first acquire to succeed, got ok=%v err=%v", ok, err)
	}

	ok, err = repo.TryAcquireLock(ctx, lockName, "node-b", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("node-b should not acquire a fresh, unexpired lock")
	}

	ok, err = repo.KeepLock(ctx, lockName, "node-a", now.Add(30*time.Second))
	if err != nil || !ok {
		t.Fatalf("owner should be able to renew before expiry: ok=%v err=%v", ok, err)
	}

	ok, err = repo.KeepLock(ctx, lockName, "node-b", now.Add(30*time.Second))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("a non-owner must never succeed at KeepLock")
	}

	expiredCheck := now.Add(LockValidityWindow + time.Minute)
	ok, err = repo.TryAcquireLock(ctx, lockName, "node-b", expiredCheck)
	if err != nil || !ok {
		t.Fatalf("node-b should take over an expired lock: ok=%v err=%v", ok, err)
	}

	lock, err := repo.GetLock(ctx, lockName)
	if err != nil {
		t.Fatalf("get lock: %v", err)
	}
	if lock.NodeName != "node-b" {
		t.Fatalf("expected node-b to own the lock, got %s", lock.NodeName)
	}
}

func TestWithLockValidityWindowShortensReclaimWait(t *testing.T) {
	db, driver, err := Open(Config{Driver: "sqlite", DSN: "file:" + t.Name() + randomSuffix() + "?mode=memory&cache=shared"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := NewMigrator(db, driver).Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	repo := NewSQLRepository(db, driver, WithLockValidityWindow(time.Second))

	ctx := context.Background()
	const lockName = "scheduledtask"
	now := time.Now().UTC()

	if ok, err := repo.TryAcquireLock(ctx, lockName, "node-a", now); err != nil || !ok {
		t.Fatalf("expected first acquire to succeed, got ok=%v err=%v", ok, err)
	}

	stillFresh := now.Add(500 * time.Millisecond)
	if ok, err := repo.TryAcquireLock(ctx, lockName, "node-b", stillFresh); err != nil || ok {
		t.Fatalf("expected node-b to be refused before the shortened window elapses: ok=%v err=%v", ok, err)
	}

	pastShortenedWindow := now.Add(2 * time.Second)
	ok, err := repo.TryAcquireLock(ctx, lockName, "node-b", pastShortenedWindow)
	if err != nil || !ok {
		t.Fatalf("expected node-b to reclaim the lock once the 1s window elapses: ok=%v err=%v", ok, err)
	}
}

func TestApplyRetentionByMaxCount(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	if err := repo.UpsertSchedule(ctx, "cleanup-me", "@hourly", nil); err != nil {
		t.Fatalf("seed: %v", err)
	}

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		if _, err := repo.AddScheduleRun(ctx, "cleanup-me", "node-a", base.Add(time.Duration(i)*time.Minute), "start"); err != nil {
			t.Fatalf("create run %d: %v", i, err)
		}
	}

	maxCount := 2
	if err := repo.ExecuteRetentionPolicy(ctx, "cleanup-me", RetentionPolicy{MaxCount: &maxCount}); err != nil {
		t.Fatalf("apply retention: %v", err)
	}

	remaining, err := repo.GetScheduleRunsBetween(ctx, "cleanup-me", base.Add(-time.Hour), time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("list remaining: %v", err)
	}
	if len(remaining) != 2 {
		t.Fatalf("expected 2 runs to survive retention, got %d", len(remaining))
	}
}

func TestGetLastRunForScheduleReturnsMostRecent(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	if err := repo.UpsertSchedule(ctx, "s", "@hourly", nil); err != nil {
		t.Fatalf("seed: %v", err)
	}

	base := time.Now().UTC().Add(-time.Hour)
	var last string
	for i := 0; i < 3; i++ {
		id, err := repo.AddScheduleRun(ctx, "s", "node-a", base.Add(time.Duration(i)*time.Minute), "start")
		if err != nil {
			t.Fatalf("create run %d: %v", i, err)
		}
		last = id
	}

	run, err := repo.GetLastRunForSchedule(ctx, "s")
	if err != nil {
		t.Fatalf("get last run: %v", err)
	}
	if run.RunID != last {
		t.Fatalf("expected last run %s, got %s", last, run.RunID)
	}
}

func TestLogEntriesReturnedInInsertionOrder(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	if err := repo.UpsertSchedule(ctx, "s", "@hourly", nil); err != nil {
		t.Fatalf("seed: %v", err)
	}
	runID, err := repo.AddScheduleRun(ctx, "s", "node-a", time.Now().UTC(), "start")
	if err != nil {
		t.Fatalf("add run: %v", err)
	}

	base := time.Now().UTC()
	messages := []string{"first", "second", "third"}
	for i, msg := range messages {
		if _, err := repo.AddLogEntry(ctx, runID, base.Add(time.Duration(i)*time.Second), msg, nil); err != nil {
			t.Fatalf("add log entry %d: %v", i, err)
		}
	}

	entries, err := repo.GetLogEntries(ctx, runID)
	if err != nil {
		t.Fatalf("get log entries: %v", err)
	}
	if len(entries) != len(messages) {
		t.Fatalf("expected %d entries, got %d", len(messages), len(entries))
	}
	for i, msg := range messages {
		if entries[i].Message != msg {
			t.Fatalf("entry %d: expected %q, got %q", i, msg, entries[i].Message)
		}
	}
}
