// Package repository defines the persistence contract for the scheduler:
// schedules, their run history, per-run log entries, and the cluster-wide
// master lock. The contract is deliberately silent on which SQL dialect
// backs it; SQLRepository is one implementation, not the only possible one.
package repository

import (
	"context"
	"errors"
	"time"
)

// LockValidityWindow is how long a lock holder's last heartbeat remains
// honored before any node may claim the lock as abandoned.
const LockValidityWindow = 5 * time.Minute

// RunStatus is the lifecycle state of a single ScheduleRun.
type RunStatus string

const (
	RunStatusStarted    RunStatus = "STARTED"
	RunStatusDispatched RunStatus = "DISPATCHED"
	RunStatusDone       RunStatus = "DONE"
	RunStatusFailed     RunStatus = "FAILED"
)

// Terminal reports whether s is a terminal status — no further transition
// is expected once a run reaches it (barring the idempotent-retry case
// handled by SetStatus).
func (s RunStatus) Terminal() bool {
	return s == RunStatusDone || s == RunStatusFailed || s == RunStatusDispatched
}

// Schedule is a single registered task's persisted control-plane state.
// Notably, it does not carry the task's default cron expression: that is
// immutable per-task configuration supplied at registration time and kept
// in memory by the owning runner, not persisted here. Only the runtime
// override is durable.
type Schedule struct {
	Name           string
	Active         bool
	OverriddenCron *string
	NextRun        *time.Time
	RunOnce        bool
	LastUpdated    time.Time
}

// ScheduleRun is one execution attempt of a Schedule.
type ScheduleRun struct {
	RunID            string
	ScheduleName     string
	Hostname         string
	Status           RunStatus
	StatusMsg        string
	StatusStackTrace *string
	RunStart         time.Time
	StatusTime       time.Time
}

// LogEntry is one line of the operator-visible trail attached to a run.
type LogEntry struct {
	LogID      string
	RunID      string
	LogTime    time.Time
	Message    string
	StackTrace *string
}

// MasterLock is the single cluster-wide row contended for leadership.
type MasterLock struct {
	LockName            string
	NodeName            string
	LockTakenTime       time.Time
	LockLastUpdatedTime time.Time
}

// RetentionPolicy bounds how much run/log history a schedule retains.
// A nil field means "unbounded" along that axis.
type RetentionPolicy struct {
	MaxAge     *time.Duration
	MaxCount   *int
	DeleteLogs bool
}

var (
	ErrNotFound        = errors.New("repository: not found")
	ErrAlreadyTerminal = errors.New("repository: run already has a terminal status")
)

// Repository is the full persistence contract the scheduler depends on.
// Implementations must be safe for concurrent use by multiple goroutines
// and, for the lock operations, by multiple processes sharing one
// underlying database. The database driver and SQL dialect behind it are
// deliberately not part of this contract.
type Repository interface {
	GetSchedule(ctx context.Context, name string) (Schedule, error)
	// UpsertSchedule idempotently creates a schedule row seeded with
	// initialNextRun (which the caller computes from defaultCron) if (and
	// only if) the row does not already exist; on conflict it preserves the
	// existing active/overridden_cron/next_run/run_once values untouched.
	// defaultCron itself is not persisted.
	UpsertSchedule(ctx context.Context, name string, defaultCron string, initialNextRun *time.Time) error
	GetAllSchedules(ctx context.Context) (map[string]Schedule, error)
	SetActive(ctx context.Context, name string, active bool) error
	SetRunOnce(ctx context.Context, name string, runOnce bool) error
	// UpdateNextRun atomically writes the override-cron/next-run pair;
	// callers always supply the override value currently in effect (which
	// may be unchanged) alongside the freshly computed next run time.
	UpdateNextRun(ctx context.Context, name string, overriddenCron *string, nextRun *time.Time) error

	AddScheduleRun(ctx context.Context, name, hostname string, runStart time.Time, initialMsg string) (runID string, err error)
	// SetStatus performs the single-shot terminal transition. A second
	// call with an identical payload is treated as an idempotent retry; a
	// second call with a differing payload returns ErrAlreadyTerminal.
	SetStatus(ctx context.Context, runID string, status RunStatus, statusTime time.Time, msg string, stackTrace *string) error
	GetScheduleRun(ctx context.Context, runID string) (ScheduleRun, error)
	GetLastRunForSchedule(ctx context.Context, name string) (ScheduleRun, error)
	GetScheduleRunsBetween(ctx context.Context, name string, from, to time.Time) ([]ScheduleRun, error)

	AddLogEntry(ctx context.Context, runID string, logTime time.Time, msg string, stackTrace *string) (LogEntry, error)
	GetLogEntries(ctx context.Context, runID string) ([]LogEntry, error)

	ExecuteRetentionPolicy(ctx context.Context, name string, policy RetentionPolicy) error

	TryAcquireLock(ctx context.Context, lockName, nodeName string, now time.Time) (bool, error)
	KeepLock(ctx context.Context, lockName, nodeName string, now time.Time) (bool, error)
	GetLock(ctx context.Context, lockName string) (MasterLock, error)
	ReleaseLock(ctx context.Context, lockName, nodeName string) error

	Close() error
}
