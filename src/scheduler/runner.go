package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/taskmesh/scheduler/src/cronexpr"
	"github.com/taskmesh/scheduler/src/repository"
)

// runnerState names the states of the per-task state machine: IDLE ->
// SLEEPING -> (WAKING) -> EVALUATING -> (EXECUTING | SKIPPING) -> IDLE,
// plus the terminal STOPPED.
type runnerState string

const (
	stateIdle       runnerState = "IDLE"
	stateSleeping   runnerState = "SLEEPING"
	stateWaking     runnerState = "WAKING"
	stateEvaluating runnerState = "EVALUATING"
	stateExecuting  runnerState = "EXECUTING"
	stateSkipping   runnerState = "SKIPPING"
	stateStopped    runnerState = "STOPPED"
)

const (
	masterSleepClamp = 2 * time.Minute
	slaveSleep       = 15 * time.Minute
	errorBackoff     = 5 * time.Second
)

// TaskRunner is the per-task loop: it sleeps until the next fire time,
// respects leader state, executes the user callback, persists run and
// log records, and applies retention. One is created per registered
// task.
type TaskRunner struct {
	cfg           TaskConfig
	repo          repository.Repository
	hostname      string
	hasMasterLock func() bool
	callback      Callback
	metrics       *metrics
	testMode      bool

	defaultExpr *cronexpr.Expression
	wake        *wakeSignal

	mu           sync.RWMutex
	active       bool
	runOnce      bool
	overrideCron *string
	overrideExpr *cronexpr.Expression
	nextRun      *time.Time

	currentlyRunning  bool
	currentRunStarted *time.Time
	lastRunStarted    *time.Time
	lastRunCompleted  *time.Time

	state   runnerState
	runFlag bool

	done chan struct{}
}

// NewTaskRunner validates cfg's cron expression, seeds the schedule row
// if it does not already exist, loads whatever control-plane state is
// currently persisted, and — unless testMode is set — starts the
// runner's background loop.
func NewTaskRunner(ctx context.Context, cfg TaskConfig, repo repository.Repository, hostname string, hasMasterLock func() bool, callback Callback, m *metrics, testMode bool) (*TaskRunner, error) {
	defaultExpr, err := cronexpr.Parse(cfg.CronExpression)
	if err != nil {
		return nil, fmt.Errorf("scheduler: invalid default cron for %q: %w", cfg.Name, err)
	}

	var initialNextRun *time.Time
	if next, ok := defaultExpr.Next(time.Now().UTC()); ok {
		initialNextRun = &next
	}
	if err := repo.UpsertSchedule(ctx, cfg.Name, cfg.CronExpression, initialNextRun); err != nil {
		return nil, fmt.Errorf("scheduler: seed schedule %q: %w", cfg.Name, err)
	}

	tr := &TaskRunner{
		cfg:           cfg,
		repo:          repo,
		hostname:      hostname,
		hasMasterLock: hasMasterLock,
		callback:      callback,
		metrics:       m,
		testMode:      testMode,
		defaultExpr:   defaultExpr,
		wake:          newWakeSignal(),
		state:         stateIdle,
		runFlag:       true,
		done:          make(chan struct{}),
	}

	sched, err := repo.GetSchedule(ctx, cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("scheduler: load schedule %q: %w", cfg.Name, err)
	}
	tr.applySchedule(sched)

	if !testMode {
		go tr.loop(ctx)
	} else {
		close(tr.done)
	}

	return tr, nil
}

func (tr *TaskRunner) applySchedule(sched repository.Schedule) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.active = sched.Active
	tr.runOnce = sched.RunOnce
	tr.nextRun = sched.NextRun
	if !equalOverride(tr.overrideCron, sched.OverriddenCron) {
		tr.overrideCron = sched.OverriddenCron
		tr.overrideExpr = nil
		if sched.OverriddenCron != nil && *sched.OverriddenCron != "" {
			if expr, err := cronexpr.Parse(*sched.OverriddenCron); err == nil {
				tr.overrideExpr = expr
			}
		}
	}
}

func equalOverride(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (tr *TaskRunner) setState(s runnerState) {
	tr.mu.Lock()
	tr.state = s
	tr.mu.Unlock()
}

func (tr *TaskRunner) alive() bool {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return tr.runFlag
}

// loop implements the conceptual nine-step main loop from the state
// machine: load, sleep, reload, check liveness/leadership, decide
// run-once vs scheduled fire, execute or skip, repeat.
func (tr *TaskRunner) loop(ctx context.Context) {
	defer close(tr.done)

	for {
		if !tr.alive() {
			tr.setState(stateStopped)
			return
		}

		sched, err := tr.repo.GetSchedule(ctx, tr.cfg.Name)
		if err != nil {
			tr.wake.Wait(errorBackoff)
			continue
		}
		tr.applySchedule(sched)

		tr.setState(stateSleeping)
		if tr.hasMasterLock() {
			tr.wake.Wait(tr.masterSleepDuration())
		} else {
			tr.wake.Wait(slaveSleep)
		}
		tr.setState(stateWaking)

		if !tr.alive() {
			tr.setState(stateStopped)
			return
		}

		sched, err = tr.repo.GetSchedule(ctx, tr.cfg.Name)
		if err != nil {
			tr.wake.Wait(errorBackoff)
			continue
		}
		tr.applySchedule(sched)

		if !tr.hasMasterLock() {
			continue
		}

		tr.setState(stateEvaluating)

		tr.mu.RLock()
		runOnceNow := tr.runOnce
		nextRun := tr.nextRun
		tr.mu.RUnlock()

		if runOnceNow {
			if err := tr.repo.SetRunOnce(ctx, tr.cfg.Name, false); err != nil {
				tr.wake.Wait(errorBackoff)
				continue
			}
			tr.mu.Lock()
			tr.runOnce = false
			tr.mu.Unlock()
		} else if nextRun == nil || time.Now().UTC().Before(*nextRun) {
			continue
		}

		tr.executeCycle(ctx)
	}
}

func (tr *TaskRunner) masterSleepDuration() time.Duration {
	tr.mu.RLock()
	next := tr.nextRun
	tr.mu.RUnlock()

	if next == nil {
		return masterSleepClamp
	}
	d := time.Until(*next)
	if d <= 0 {
		return 0
	}
	if d > masterSleepClamp {
		return masterSleepClamp
	}
	return d
}

// executeCycle is step 8 of the loop: either skip-and-advance (task
// paused) or run the callback, record its outcome, advance next_run, and
// apply retention.
func (tr *TaskRunner) executeCycle(ctx context.Context) {
	tr.mu.RLock()
	active := tr.active
	overrideCron := tr.overrideCron
	tr.mu.RUnlock()

	if !active {
		tr.setState(stateSkipping)
		next := tr.computeNextRun()
		if err := tr.repo.UpdateNextRun(ctx, tr.cfg.Name, overrideCron, next); err != nil {
			tr.wake.Wait(errorBackoff)
			return
		}
		tr.mu.Lock()
		tr.nextRun = next
		tr.mu.Unlock()
		return
	}

	tr.setState(stateExecuting)
	tr.runCallback(ctx, overrideCron)
}

func (tr *TaskRunner) runCallback(ctx context.Context, overrideCron *string) {
	previousRun, previousErr := tr.repo.GetLastRunForSchedule(ctx, tr.cfg.Name)
	var previousRunPtr *repository.ScheduleRun
	if previousErr == nil {
		previousRunPtr = &previousRun
	}

	start := time.Now().UTC()
	tr.mu.Lock()
	tr.currentlyRunning = true
	tr.currentRunStarted = &start
	tr.lastRunStarted = &start
	tr.mu.Unlock()

	runID, err := tr.repo.AddScheduleRun(ctx, tr.cfg.Name, tr.hostname, start, "run started")
	if err != nil {
		tr.mu.Lock()
		tr.currentlyRunning = false
		tr.currentRunStarted = nil
		tr.mu.Unlock()
		tr.wake.Wait(errorBackoff)
		return
	}

	rc := newRunContext(ctx, tr.repo, runID, tr.cfg.Name, tr.hostname, start, previousRunPtr)
	outcome := tr.invokeCallback(rc)

	finishTime := time.Now().UTC()
	status := rc.status
	msg := rc.statusMsg
	trace := rc.statusStackTrace
	if !outcome.valid() {
		status = repository.RunStatusFailed
		msg = "callback returned without calling Done, Failed, or Dispatched"
		trace = nil
		tr.metrics.recordContractViolation(tr.cfg.Name)
	}

	_ = tr.repo.SetStatus(ctx, runID, status, finishTime, msg, trace)
	tr.metrics.observeRun(tr.cfg.Name, string(status), finishTime.Sub(start).Seconds())

	tr.mu.Lock()
	tr.currentlyRunning = false
	tr.currentRunStarted = nil
	completed := finishTime
	tr.lastRunCompleted = &completed
	tr.mu.Unlock()

	next := tr.computeNextRun()
	if err := tr.repo.UpdateNextRun(ctx, tr.cfg.Name, overrideCron, next); err == nil {
		tr.mu.Lock()
		tr.nextRun = next
		tr.mu.Unlock()
	}

	_ = tr.repo.ExecuteRetentionPolicy(ctx, tr.cfg.Name, tr.cfg.RetentionPolicy)
}

// invokeCallback runs the user callback, converting a panic into the
// same FAILED-with-stacktrace outcome a CallbackError would produce, and
// returns an invalid (zero-value) Outcome when the callback neither
// panicked nor called Done/Failed/Dispatched on rc.
func (tr *TaskRunner) invokeCallback(rc *RunContext) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			trace := fmt.Sprintf("panic: %v\n%s", r, debug.Stack())
			outcome = rc.FailedWithError("callback panicked", errors.New(trace))
		}
	}()

	tr.callback(rc)
	if !rc.concluded {
		return Outcome{}
	}
	return Outcome{kind: outcomeKindOf(rc.status)}
}

func outcomeKindOf(status repository.RunStatus) outcomeKind {
	switch status {
	case repository.RunStatusDone:
		return outcomeDone
	case repository.RunStatusDispatched:
		return outcomeDispatched
	default:
		return outcomeFailed
	}
}

// computeNextRun resolves the active cron (override when set, else
// default) and asks it for the next fire time after now. A cron unable
// to produce one (an impossible day/month combination) yields a nil
// next_run; the only way to fire such a task again is run_once.
func (tr *TaskRunner) computeNextRun() *time.Time {
	tr.mu.RLock()
	expr := tr.defaultExpr
	if tr.overrideExpr != nil {
		expr = tr.overrideExpr
	}
	tr.mu.RUnlock()

	next, ok := expr.Next(time.Now().UTC())
	if !ok {
		return nil
	}
	return &next
}

// --- TaskHandle surface ----------------------------------------------------

func (tr *TaskRunner) Start() {
	_ = tr.repo.SetActive(context.Background(), tr.cfg.Name, true)
	tr.mu.Lock()
	tr.active = true
	tr.mu.Unlock()
	tr.wake.Notify()
}

func (tr *TaskRunner) Stop() {
	_ = tr.repo.SetActive(context.Background(), tr.cfg.Name, false)
	tr.mu.Lock()
	tr.active = false
	tr.mu.Unlock()
	tr.wake.Notify()
}

// RunNow arranges for the task to fire at the next eligible evaluation
// regardless of next_run. In test mode it instead executes the callback
// synchronously on the caller's goroutine — the only approved
// deterministic single-process test path.
func (tr *TaskRunner) RunNow() {
	ctx := context.Background()
	if tr.testMode {
		tr.mu.RLock()
		overrideCron := tr.overrideCron
		tr.mu.RUnlock()
		tr.setState(stateExecuting)
		tr.runCallback(ctx, overrideCron)
		tr.setState(stateIdle)
		return
	}
	_ = tr.repo.SetRunOnce(ctx, tr.cfg.Name, true)
	tr.mu.Lock()
	tr.runOnce = true
	tr.mu.Unlock()
	tr.wake.Notify()
}

// SetOverrideExpression validates and applies a new override cron
// (nil or "" clears it, reverting to the default), atomically persists
// the override-and-next-run pair, and wakes the runner so it picks up
// the change immediately.
func (tr *TaskRunner) SetOverrideExpression(expr *string) error {
	var newOverride *string
	var newExpr *cronexpr.Expression

	if expr != nil && *expr != "" {
		parsed, err := cronexpr.Parse(*expr)
		if err != nil {
			return fmt.Errorf("scheduler: invalid override cron for %q: %w", tr.cfg.Name, err)
		}
		newOverride = expr
		newExpr = parsed
	}

	tr.mu.Lock()
	tr.overrideCron = newOverride
	tr.overrideExpr = newExpr
	tr.mu.Unlock()

	next := tr.computeNextRun()
	if err := tr.repo.UpdateNextRun(context.Background(), tr.cfg.Name, newOverride, next); err != nil {
		return fmt.Errorf("scheduler: persist override for %q: %w", tr.cfg.Name, err)
	}

	tr.mu.Lock()
	tr.nextRun = next
	tr.mu.Unlock()
	tr.wake.Notify()
	return nil
}

func (tr *TaskRunner) GetDefaultCron() string { return tr.cfg.CronExpression }

func (tr *TaskRunner) GetActiveCron() string {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	if tr.overrideCron != nil && *tr.overrideCron != "" {
		return *tr.overrideCron
	}
	return tr.cfg.CronExpression
}

func (tr *TaskRunner) IsActive() bool {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return tr.active
}

func (tr *TaskRunner) IsRunning() bool {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return tr.currentlyRunning
}

func (tr *TaskRunner) IsOverdue() bool {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	if !tr.currentlyRunning || tr.currentRunStarted == nil || tr.cfg.MaxExpectedMinutesToRun <= 0 {
		return false
	}
	return time.Since(*tr.currentRunStarted) > time.Duration(tr.cfg.MaxExpectedMinutesToRun)*time.Minute
}

func (tr *TaskRunner) RunTimeInMinutes() float64 {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	if !tr.currentlyRunning || tr.currentRunStarted == nil {
		return 0
	}
	return time.Since(*tr.currentRunStarted).Minutes()
}

func (tr *TaskRunner) GetLastRunCompleted() (time.Time, bool) {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	if tr.lastRunCompleted == nil {
		return time.Time{}, false
	}
	return *tr.lastRunCompleted, true
}

func (tr *TaskRunner) GetLastRunStarted() (time.Time, bool) {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	if tr.lastRunStarted == nil {
		return time.Time{}, false
	}
	return *tr.lastRunStarted, true
}

func (tr *TaskRunner) GetNextRun() (time.Time, bool) {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	if tr.nextRun == nil {
		return time.Time{}, false
	}
	return *tr.nextRun, true
}

func (tr *TaskRunner) GetLastScheduleRun() (repository.ScheduleRun, bool) {
	run, err := tr.repo.GetLastRunForSchedule(context.Background(), tr.cfg.Name)
	if err != nil {
		return repository.ScheduleRun{}, false
	}
	return run, true
}

func (tr *TaskRunner) GetAllScheduleRunsBetween(from, to time.Time) ([]repository.ScheduleRun, error) {
	return tr.repo.GetScheduleRunsBetween(context.Background(), tr.cfg.Name, from, to)
}

func (tr *TaskRunner) GetInstance(runID string) (repository.ScheduleRun, error) {
	return tr.repo.GetScheduleRun(context.Background(), runID)
}

// shutdown sets run_flag=false, wakes the loop, and blocks until it
// exits. A currently-executing callback is not interrupted.
func (tr *TaskRunner) shutdown() {
	tr.mu.Lock()
	tr.runFlag = false
	tr.mu.Unlock()
	tr.wake.Notify()
	<-tr.done
}
