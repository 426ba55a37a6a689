package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/taskmesh/scheduler/src/repository"
)

func newTestRepo(t *testing.T) repository.Repository {
	t.Helper()
	db, driver, err := repository.Open(repository.Config{
		Driver: "sqlite",
		DSN:    fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()),
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := repository.NewMigrator(db, driver).Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return repository.NewSQLRepository(db, driver)
}

func alwaysMaster() bool { return true }
func neverMaster() bool  { return false }

func TestTaskRunnerRunNowInTestModeExecutesSynchronously(t *testing.T) {
	repo := newTestRepo(t)
	cfg := TaskConfig{Name: "nightly-export", CronExpression: "0 2 * * *"}

	var invoked bool
	callback := func(rc *RunContext) {
		invoked = true
		rc.Done("ok")
	}

	tr, err := NewTaskRunner(context.Background(), cfg, repo, "node-a", alwaysMaster, callback, nil, true)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}

	tr.RunNow()

	if !invoked {
		t.Fatalf("expected callback to run synchronously")
	}
	last, ok := tr.GetLastScheduleRun()
	if !ok {
		t.Fatalf("expected a recorded run")
	}
	if last.Status != repository.RunStatusDone {
		t.Fatalf("expected DONE, got %s", last.Status)
	}
}

func TestTaskRunnerContractViolationMarksFailed(t *testing.T) {
	repo := newTestRepo(t)
	cfg := TaskConfig{Name: "silent-task", CronExpression: "0 2 * * *"}

	callback := func(rc *RunContext) {
		// Deliberately never calls Done/Failed/Dispatched.
	}

	tr, err := NewTaskRunner(context.Background(), cfg, repo, "node-a", alwaysMaster, callback, nil, true)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}

	tr.RunNow()

	last, ok := tr.GetLastScheduleRun()
	if !ok {
		t.Fatalf("expected a recorded run")
	}
	if last.Status != repository.RunStatusFailed {
		t.Fatalf("expected FAILED for a contract violation, got %s", last.Status)
	}
}

func TestTaskRunnerPanicIsCapturedAsFailed(t *testing.T) {
	repo := newTestRepo(t)
	cfg := TaskConfig{Name: "panicky-task", CronExpression: "0 2 * * *"}

	callback := func(rc *RunContext) {
		panic("boom")
	}

	tr, err := NewTaskRunner(context.Background(), cfg, repo, "node-a", alwaysMaster, callback, nil, true)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}

	tr.RunNow()

	last, ok := tr.GetLastScheduleRun()
	if !ok {
		t.Fatalf("expected a recorded run")
	}
	if last.Status != repository.RunStatusFailed {
		t.Fatalf("expected FAILED after a panic, got %s", last.Status)
	}
	if last.StatusStackTrace == nil {
		t.Fatalf("expected a captured stack trace")
	}
}

func TestTaskRunnerOverrideThenRevert(t *testing.T) {
	repo := newTestRepo(t)
	cfg := TaskConfig{Name: "report", CronExpression: "0 * * * *"}

	tr, err := NewTaskRunner(context.Background(), cfg, repo, "node-a", alwaysMaster, func(rc *RunContext) { rc.Done("ok") }, nil, true)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}

	override := "*/5 * * * *"
	if err := tr.SetOverrideExpression(&override); err != nil {
		t.Fatalf("set override: %v", err)
	}
	if tr.GetActiveCron() != override {
		t.Fatalf("expected active cron %q, got %q", override, tr.GetActiveCron())
	}

	if err := tr.SetOverrideExpression(nil); err != nil {
		t.Fatalf("clear override: %v", err)
	}
	if tr.GetActiveCron() != cfg.CronExpression {
		t.Fatalf("expected active cron to revert to default %q, got %q", cfg.CronExpression, tr.GetActiveCron())
	}
}

func TestTaskRunnerRejectsInvalidOverride(t *testing.T) {
	repo := newTestRepo(t)
	cfg := TaskConfig{Name: "report", CronExpression: "0 * * * *"}

	tr, err := NewTaskRunner(context.Background(), cfg, repo, "node-a", alwaysMaster, func(rc *RunContext) { rc.Done("ok") }, nil, true)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}

	bogus := "not a cron expression"
	if err := tr.SetOverrideExpression(&bogus); err == nil {
		t.Fatalf("expected an error for an invalid override")
	}
	if tr.GetActiveCron() != cfg.CronExpression {
		t.Fatalf("expected the rejected override to leave the active cron unchanged")
	}
}

func TestTaskRunnerPauseSkipsExecutionButAdvancesNextRun(t *testing.T) {
	repo := newTestRepo(t)
	cfg := TaskConfig{Name: "pausable", CronExpression: "* * * * *"}

	var calls int
	tr, err := NewTaskRunner(context.Background(), cfg, repo, "node-a", alwaysMaster, func(rc *RunContext) {
		calls++
		rc.Done("ok")
	}, nil, true)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}

	tr.Stop()
	if tr.IsActive() {
		t.Fatalf("expected task to be inactive after Stop")
	}

	// Put next_run in the past, as it is when a paused task's fire time
	// arrives, so the skip has a due fire time to advance from.
	past := time.Now().UTC().Add(-time.Hour)
	tr.mu.Lock()
	tr.nextRun = &past
	tr.mu.Unlock()

	before, _ := tr.GetNextRun()
	tr.executeCycle(context.Background())
	after, _ := tr.GetNextRun()

	if calls != 0 {
		t.Fatalf("expected the callback not to run while paused")
	}
	if !after.After(before) {
		t.Fatalf("expected next_run to advance even while paused: before=%v after=%v", before, after)
	}
}

func TestTaskRunnerNonMasterSleepsRatherThanEvaluating(t *testing.T) {
	repo := newTestRepo(t)
	cfg := TaskConfig{Name: "replica-bound", CronExpression: "* * * * *"}

	fired := make(chan struct{}, 1)
	tr, err := NewTaskRunner(context.Background(), cfg, repo, "node-b", neverMaster, func(rc *RunContext) {
		select {
		case fired <- struct{}{}:
		default:
		}
		rc.Done("ok")
	}, nil, false)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	t.Cleanup(tr.shutdown)

	if tr.hasMasterLock() {
		t.Fatalf("expected a non-master runner")
	}
	if got := tr.masterSleepDuration(); got < 0 || got > masterSleepClamp {
		t.Fatalf("expected the clamped sleep duration to stay within [0, %v], got %v", masterSleepClamp, got)
	}

	// Let the loop reach its sleep, then set run_once and wake it: a master
	// would fire at once, a non-master must go back to sleep without
	// evaluating, leaving the flag set and the callback uncalled.
	time.Sleep(50 * time.Millisecond)
	tr.RunNow()
	select {
	case <-fired:
		t.Fatalf("expected a non-master runner not to invoke the callback")
	case <-time.After(100 * time.Millisecond):
	}
	sched, err := repo.GetSchedule(context.Background(), cfg.Name)
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if !sched.RunOnce {
		t.Fatalf("expected run_once to stay set on a non-master runner")
	}
}

func TestTaskRunnerIsOverdue(t *testing.T) {
	repo := newTestRepo(t)
	cfg := TaskConfig{Name: "slow-task", CronExpression: "0 * * * *", MaxExpectedMinutesToRun: 1}

	tr, err := NewTaskRunner(context.Background(), cfg, repo, "node-a", alwaysMaster, func(rc *RunContext) {
		rc.Done("ok")
	}, nil, true)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}

	tr.mu.Lock()
	start := time.Now().Add(-2 * time.Minute)
	tr.currentlyRunning = true
	tr.currentRunStarted = &start
	tr.mu.Unlock()

	if !tr.IsOverdue() {
		t.Fatalf("expected a two-minute run against a one-minute budget to be overdue")
	}
}
