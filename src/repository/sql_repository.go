package repository

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// SQLRepository implements Repository over a database/sql connection
// pool, rewriting "?" placeholders per dialect via rebind. It is the one
// concrete implementation this module ships; the contract in types.go is
// deliberately dialect-agnostic so another backing store could satisfy it
// without touching the scheduler package.
type SQLRepository struct {
	db     *sql.DB
	driver string

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy

	lockValidityWindow time.Duration
}

// RepositoryOption configures an SQLRepository at construction time.
type RepositoryOption func(*SQLRepository)

// WithLockValidityWindow overrides how long a lock holder's last
// heartbeat remains honored before another node may reclaim the lock as
// abandoned, falling back to LockValidityWindow when d is zero or
// negative.
func WithLockValidityWindow(d time.Duration) RepositoryOption {
	return func(r *SQLRepository) { r.lockValidityWindow = d }
}

// NewSQLRepository wraps an already-opened, already-migrated *sql.DB.
// Use Open and NewMigrator to prepare one.
func NewSQLRepository(db *sql.DB, driver string, opts ...RepositoryOption) *SQLRepository {
	r := &SQLRepository{
		db:                 db,
		driver:             driver,
		entropy:            ulid.Monotonic(rand.Reader, 0),
		lockValidityWindow: LockValidityWindow,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.lockValidityWindow <= 0 {
		r.lockValidityWindow = LockValidityWindow
	}
	return r
}

// newID mints a time-sortable, dialect-independent identifier for a run
// or log entry, taking the place of driver-specific LastInsertId/RETURNING
// handling.
func (r *SQLRepository) newID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), r.entropy).String()
}

func (r *SQLRepository) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return r.db.ExecContext(ctx, rebind(r.driver, query), args...)
}

func (r *SQLRepository) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return r.db.QueryContext(ctx, rebind(r.driver, query), args...)
}

func (r *SQLRepository) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return r.db.QueryRowContext(ctx, rebind(r.driver, query), args...)
}

func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// --- Schedules ---------------------------------------------------------

func scanSchedule(row interface{ Scan(...any) error }) (Schedule, error) {
	var s Schedule
	var overridden sql.NullString
	var nextRun sql.NullTime
	if err := row.Scan(&s.Name, &overridden, &s.Active, &s.RunOnce, &nextRun, &s.LastUpdated); err != nil {
		return Schedule{}, err
	}
	if overridden.Valid {
		v := overridden.String
		s.OverriddenCron = &v
	}
	if nextRun.Valid {
		v := nextRun.Time
		s.NextRun = &v
	}
	return s, nil
}

const scheduleColumns = `name, overridden_cron, active, run_once, next_run, last_updated`

// UpsertSchedule is idempotent: defaultCron/initialNextRun only seed a
// brand-new row. An existing row's active/overridden_cron/next_run/
// run_once are left untouched, matching the "on conflict, preserve
// existing control-plane state" requirement — the registering code's
// default cron is not itself persisted, since it is immutable
// configuration the runner already holds in memory.
func (r *SQLRepository) UpsertSchedule(ctx context.Context, name string, defaultCron string, initialNextRun *time.Time) error {
	_ = defaultCron // used only by the caller to compute initialNextRun
	now := time.Now().UTC()
	res, err := r.exec(ctx, `INSERT INTO schedule (name, overridden_cron, active, run_once, next_run, last_updated)
		SELECT ?, NULL, 1, 0, ?, ? WHERE NOT EXISTS (SELECT 1 FROM schedule WHERE name=?)`,
		name, initialNextRun, now, name)
	if err != nil {
		return fmt.Errorf("repository: upsert schedule %q: %w", name, err)
	}
	_, err = res.RowsAffected()
	return err
}

func (r *SQLRepository) GetSchedule(ctx context.Context, name string) (Schedule, error) {
	row := r.queryRow(ctx, `SELECT `+scheduleColumns+` FROM schedule WHERE name=?`, name)
	s, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return Schedule{}, ErrNotFound
	}
	if err != nil {
		return Schedule{}, fmt.Errorf("repository: get schedule %q: %w", name, err)
	}
	return s, nil
}

func (r *SQLRepository) GetAllSchedules(ctx context.Context) (map[string]Schedule, error) {
	rows, err := r.query(ctx, `SELECT `+scheduleColumns+` FROM schedule ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("repository: list schedules: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Schedule)
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("repository: scan schedule: %w", err)
		}
		out[s.Name] = s
	}
	return out, rows.Err()
}

func (r *SQLRepository) SetActive(ctx context.Context, name string, active bool) error {
	return r.updateScheduleField(ctx, name, "active", active)
}

func (r *SQLRepository) SetRunOnce(ctx context.Context, name string, runOnce bool) error {
	return r.updateScheduleField(ctx, name, "run_once", runOnce)
}

func (r *SQLRepository) updateScheduleField(ctx context.Context, name, column string, value any) error {
	res, err := r.exec(ctx, fmt.Sprintf(`UPDATE schedule SET %s=?, last_updated=? WHERE name=?`, column), value, time.Now().UTC(), name)
	if err != nil {
		return fmt.Errorf("repository: update schedule %q.%s: %w", name, column, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateNextRun atomically persists the override-cron/next-run pair, the
// single write path used both by setOverrideExpression (override
// changes) and by the runner's ordinary per-cycle advance (override
// unchanged, only next_run moves forward).
func (r *SQLRepository) UpdateNextRun(ctx context.Context, name string, overriddenCron *string, nextRun *time.Time) error {
	res, err := r.exec(ctx, `UPDATE schedule SET overridden_cron=?, next_run=?, last_updated=? WHERE name=?`,
		overriddenCron, nextRun, time.Now().UTC(), name)
	if err != nil {
		return fmt.Errorf("repository: update next_run for %q: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Runs ----------------------------------------------------------------

func (r *SQLRepository) AddScheduleRun(ctx context.Context, name, hostname string, runStart time.Time, initialMsg string) (string, error) {
	runID := r.newID()
	_, err := r.exec(ctx, `INSERT INTO schedule_run (run_id, schedule_name, hostname, status, status_msg, status_stacktrace, run_start, status_time)
		VALUES (?, ?, ?, ?, ?, NULL, ?, ?)`,
		runID, name, hostname, RunStatusStarted, initialMsg, runStart, runStart)
	if err != nil {
		return "", fmt.Errorf("repository: add schedule run for %q: %w", name, err)
	}
	return runID, nil
}

func scanRun(row interface{ Scan(...any) error }) (ScheduleRun, error) {
	var run ScheduleRun
	var stackTrace sql.NullString
	if err := row.Scan(&run.RunID, &run.ScheduleName, &run.Hostname, &run.Status, &run.StatusMsg, &stackTrace, &run.RunStart, &run.StatusTime); err != nil {
		return ScheduleRun{}, err
	}
	if stackTrace.Valid {
		v := stackTrace.String
		run.StatusStackTrace = &v
	}
	return run, nil
}

const runColumns = `run_id, schedule_name, hostname, status, status_msg, status_stacktrace, run_start, status_time`

// SetStatus performs the run's single-shot terminal transition. A second
// call bearing a payload identical to what is already stored is treated
// as an idempotent retry of the same completion call and succeeds
// without rewriting anything; a second call with a differing payload is
// rejected, since that would silently overwrite completed history.
func (r *SQLRepository) SetStatus(ctx context.Context, runID string, status RunStatus, statusTime time.Time, msg string, stackTrace *string) error {
	existing, err := r.GetScheduleRun(ctx, runID)
	if err != nil {
		return err
	}
	if existing.Status.Terminal() {
		if existing.Status == status && existing.StatusMsg == msg && equalStringPtr(existing.StatusStackTrace, stackTrace) {
			return nil
		}
		return ErrAlreadyTerminal
	}

	_, err = r.exec(ctx, `UPDATE schedule_run SET status=?, status_msg=?, status_stacktrace=?, status_time=? WHERE run_id=?`,
		status, msg, stackTrace, statusTime, runID)
	if err != nil {
		return fmt.Errorf("repository: set status for run %q: %w", runID, err)
	}
	return nil
}

func equalStringPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (r *SQLRepository) GetScheduleRun(ctx context.Context, runID string) (ScheduleRun, error) {
	row := r.queryRow(ctx, `SELECT `+runColumns+` FROM schedule_run WHERE run_id=?`, runID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return ScheduleRun{}, ErrNotFound
	}
	if err != nil {
		return ScheduleRun{}, fmt.Errorf("repository: get run %q: %w", runID, err)
	}
	return run, nil
}

func (r *SQLRepository) GetLastRunForSchedule(ctx context.Context, name string) (ScheduleRun, error) {
	row := r.queryRow(ctx, `SELECT `+runColumns+` FROM schedule_run WHERE schedule_name=? ORDER BY run_start DESC LIMIT 1`, name)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return ScheduleRun{}, ErrNotFound
	}
	if err != nil {
		return ScheduleRun{}, fmt.Errorf("repository: get last run for %q: %w", name, err)
	}
	return run, nil
}

func (r *SQLRepository) GetScheduleRunsBetween(ctx context.Context, name string, from, to time.Time) ([]ScheduleRun, error) {
	rows, err := r.query(ctx, `SELECT `+runColumns+` FROM schedule_run WHERE schedule_name=? AND run_start>=? AND run_start<=? ORDER BY run_start ASC`,
		name, from, to)
	if err != nil {
		return nil, fmt.Errorf("repository: list runs for %q between %s and %s: %w", name, from, to, err)
	}
	defer rows.Close()

	var out []ScheduleRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("repository: scan run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (r *SQLRepository) allRunsDesc(ctx context.Context, name string) ([]ScheduleRun, error) {
	rows, err := r.query(ctx, `SELECT `+runColumns+` FROM schedule_run WHERE schedule_name=? ORDER BY run_start DESC`, name)
	if err != nil {
		return nil, fmt.Errorf("repository: list runs for %q: %w", name, err)
	}
	defer rows.Close()

	var out []ScheduleRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("repository: scan run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// --- Logs ------------------------------------------------------------------

func (r *SQLRepository) AddLogEntry(ctx context.Context, runID string, logTime time.Time, msg string, stackTrace *string) (LogEntry, error) {
	entry := LogEntry{LogID: r.newID(), RunID: runID, LogTime: logTime, Message: msg, StackTrace: stackTrace}
	_, err := r.exec(ctx, `INSERT INTO schedule_log (log_id, run_id, log_time, message, stacktrace) VALUES (?, ?, ?, ?, ?)`,
		entry.LogID, entry.RunID, entry.LogTime, entry.Message, entry.StackTrace)
	if err != nil {
		return LogEntry{}, fmt.Errorf("repository: add log entry for run %q: %w", runID, err)
	}
	return entry, nil
}

func (r *SQLRepository) GetLogEntries(ctx context.Context, runID string) ([]LogEntry, error) {
	rows, err := r.query(ctx, `SELECT log_id, run_id, log_time, message, stacktrace FROM schedule_log WHERE run_id=? ORDER BY log_time ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("repository: list log entries for run %q: %w", runID, err)
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var e LogEntry
		var stackTrace sql.NullString
		if err := rows.Scan(&e.LogID, &e.RunID, &e.LogTime, &e.Message, &stackTrace); err != nil {
			return nil, fmt.Errorf("repository: scan log entry: %w", err)
		}
		if stackTrace.Valid {
			v := stackTrace.String
			e.StackTrace = &v
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *SQLRepository) deleteLogEntries(ctx context.Context, runIDs []string) error {
	for _, id := range runIDs {
		if _, err := r.exec(ctx, `DELETE FROM schedule_log WHERE run_id=?`, id); err != nil {
			return fmt.Errorf("repository: delete log entries for run %q: %w", id, err)
		}
	}
	return nil
}

// --- Master lock -----------------------------------------------------------

// TryAcquireLock implements the portable acquire protocol: an INSERT
// guarded by NOT EXISTS handles the never-held case, and an UPDATE
// guarded by an expired-timestamp predicate handles reclaiming an
// abandoned lock. No ON CONFLICT / RETURNING clause is used, so the same
// statements run unmodified across every supported dialect.
func (r *SQLRepository) TryAcquireLock(ctx context.Context, lockName, nodeName string, now time.Time) (bool, error) {
	res, err := r.exec(ctx, `INSERT INTO master_lock (lock_name, node_name, lock_taken_time, lock_last_updated_time)
		SELECT ?, ?, ?, ? WHERE NOT EXISTS (SELECT 1 FROM master_lock WHERE lock_name=?)`,
		lockName, nodeName, now, now, lockName)
	if err != nil {
		return false, fmt.Errorf("repository: insert lock %q: %w", lockName, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}

	cutoff := now.Add(-r.lockValidityWindow)
	res, err = r.exec(ctx, `UPDATE master_lock SET node_name=?, lock_taken_time=?, lock_last_updated_time=? WHERE lock_name=? AND lock_last_updated_time<?`,
		nodeName, now, now, lockName, cutoff)
	if err != nil {
		return false, fmt.Errorf("repository: reclaim lock %q: %w", lockName, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}

	return false, nil
}

// KeepLock renews the heartbeat. It succeeds only via a conditional write
// that requires this node to already be the recorded owner and the
// lease to still be within its validity window — exactly the
// database-level conditional write the protocol requires so two nodes
// cannot simultaneously believe they hold the lock.
func (r *SQLRepository) KeepLock(ctx context.Context, lockName, nodeName string, now time.Time) (bool, error) {
	cutoff := now.Add(-r.lockValidityWindow)
	res, err := r.exec(ctx, `UPDATE master_lock SET lock_last_updated_time=? WHERE lock_name=? AND node_name=? AND lock_last_updated_time>=?`,
		now, lockName, nodeName, cutoff)
	if err != nil {
		return false, fmt.Errorf("repository: keep lock %q: %w", lockName, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *SQLRepository) ReleaseLock(ctx context.Context, lockName, nodeName string) error {
	_, err := r.exec(ctx, `DELETE FROM master_lock WHERE lock_name=? AND node_name=?`, lockName, nodeName)
	if err != nil {
		return fmt.Errorf("repository: release lock %q: %w", lockName, err)
	}
	return nil
}

func (r *SQLRepository) GetLock(ctx context.Context, lockName string) (MasterLock, error) {
	row := r.queryRow(ctx, `SELECT lock_name, node_name, lock_taken_time, lock_last_updated_time FROM master_lock WHERE lock_name=?`, lockName)
	var lock MasterLock
	if err := row.Scan(&lock.LockName, &lock.NodeName, &lock.LockTakenTime, &lock.LockLastUpdatedTime); err != nil {
		if err == sql.ErrNoRows {
			return MasterLock{}, ErrNotFound
		}
		return MasterLock{}, fmt.Errorf("repository: get lock %q: %w", lockName, err)
	}
	return lock, nil
}

// --- Retention ---------------------------------------------------------------

// ExecuteRetentionPolicy ranks a schedule's runs by recency and deletes
// whichever fail the policy's MaxCount/MaxAge filter, applying the
// filter in application code rather than a dialect-specific windowed
// DELETE so the same logic runs unmodified on every supported driver.
func (r *SQLRepository) ExecuteRetentionPolicy(ctx context.Context, name string, policy RetentionPolicy) error {
	runs, err := r.allRunsDesc(ctx, name)
	if err != nil {
		return err
	}

	var toDelete []string
	for rank, run := range runs {
		keep := true
		if policy.MaxCount != nil && rank >= *policy.MaxCount {
			keep = false
		}
		if policy.MaxAge != nil {
			cutoff := time.Now().UTC().Add(-*policy.MaxAge)
			if run.RunStart.Before(cutoff) {
				keep = false
			}
		}
		if !keep {
			toDelete = append(toDelete, run.RunID)
		}
	}

	if len(toDelete) == 0 {
		return nil
	}

	if policy.DeleteLogs {
		if err := r.deleteLogEntries(ctx, toDelete); err != nil {
			return err
		}
	}
	for _, id := range toDelete {
		if _, err := r.exec(ctx, `DELETE FROM schedule_run WHERE run_id=?`, id); err != nil {
			return fmt.Errorf("repository: delete run %q during retention: %w", id, err)
		}
	}
	return nil
}
