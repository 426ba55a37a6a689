package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/taskmesh/scheduler/src/repository"
)

// outcomeKind is unexported so the only way to produce a valid Outcome is
// through RunContext.Done/Failed/Dispatched. The runner's invokeCallback
// yields a zero-value Outcome, with the empty kind, when the callback
// returned without calling any of them, and treats that as a contract
// violation.
type outcomeKind string

const (
	outcomeDone       outcomeKind = "DONE"
	outcomeFailed     outcomeKind = "FAILED"
	outcomeDispatched outcomeKind = "DISPATCHED"
)

// Outcome is the sentinel "valid status" marker a Callback must produce
// by calling exactly one of RunContext's terminal methods. It exists
// solely so the runner can detect contract violations; it carries no
// extensible hierarchy, just a fixed internal tag.
type Outcome struct {
	kind outcomeKind
}

// valid reports whether o was actually produced by one of
// Done/Failed/Dispatched, as opposed to a zero-value Outcome{}.
func (o Outcome) valid() bool {
	return o.kind != ""
}

func (o Outcome) status() repository.RunStatus {
	switch o.kind {
	case outcomeDone:
		return repository.RunStatusDone
	case outcomeFailed:
		return repository.RunStatusFailed
	case outcomeDispatched:
		return repository.RunStatusDispatched
	default:
		return repository.RunStatusFailed
	}
}

// RunContext is the handle passed into a Callback for exactly one run.
type RunContext struct {
	ctx          context.Context
	repo         repository.Repository
	runID        string
	scheduleName string
	hostname     string
	runStart     time.Time
	previousRun  *repository.ScheduleRun

	status           repository.RunStatus
	statusMsg        string
	statusStackTrace *string
	statusTime       time.Time
	concluded        bool
}

func newRunContext(ctx context.Context, repo repository.Repository, runID, scheduleName, hostname string, runStart time.Time, previousRun *repository.ScheduleRun) *RunContext {
	return &RunContext{
		ctx:          ctx,
		repo:         repo,
		runID:        runID,
		scheduleName: scheduleName,
		hostname:     hostname,
		runStart:     runStart,
		previousRun:  previousRun,
		status:       repository.RunStatusStarted,
		statusTime:   runStart,
	}
}

// Log appends a plain log entry.
func (rc *RunContext) Log(msg string) {
	rc.logWithTrace(msg, nil)
}

// LogError appends a log entry carrying a captured error's message as its
// stack trace field.
func (rc *RunContext) LogError(msg string, err error) {
	var trace *string
	if err != nil {
		s := err.Error()
		trace = &s
	}
	rc.logWithTrace(msg, trace)
}

func (rc *RunContext) logWithTrace(msg string, trace *string) {
	if _, err := rc.repo.AddLogEntry(rc.ctx, rc.runID, time.Now().UTC(), msg, trace); err != nil {
		// Logging is best-effort: a failure here must never abort the run
		// or be mistaken for a terminal-status write.
		return
	}
}

// Done marks the run DONE with an explanatory message and records a
// matching "[DONE] msg" log entry.
func (rc *RunContext) Done(msg string) Outcome {
	return rc.conclude(outcomeDone, msg, nil)
}

// Failed marks the run FAILED with an explanatory message.
func (rc *RunContext) Failed(msg string) Outcome {
	return rc.conclude(outcomeFailed, msg, nil)
}

// FailedWithError marks the run FAILED, capturing err's message as the
// stored stack trace.
func (rc *RunContext) FailedWithError(msg string, err error) Outcome {
	var trace *string
	if err != nil {
		s := err.Error()
		trace = &s
	}
	return rc.conclude(outcomeFailed, msg, trace)
}

// Dispatched marks the run DISPATCHED: the callback handed work off to
// another asynchronous worker and this engine's interest in the run ends
// here.
func (rc *RunContext) Dispatched(msg string) Outcome {
	return rc.conclude(outcomeDispatched, msg, nil)
}

func (rc *RunContext) conclude(kind outcomeKind, msg string, trace *string) Outcome {
	o := Outcome{kind: kind}
	if rc.concluded {
		return o
	}
	rc.concluded = true
	rc.status = o.status()
	rc.statusMsg = msg
	rc.statusStackTrace = trace
	rc.statusTime = time.Now().UTC()
	rc.logWithTrace(fmt.Sprintf("[%s] %s", kind, msg), trace)
	return o
}

func (rc *RunContext) GetRunID() string              { return rc.runID }
func (rc *RunContext) GetScheduleName() string        { return rc.scheduleName }
func (rc *RunContext) GetHostname() string            { return rc.hostname }
func (rc *RunContext) GetStatus() repository.RunStatus { return rc.status }
func (rc *RunContext) GetStatusMsg() string            { return rc.statusMsg }
func (rc *RunContext) GetStatusStackTrace() *string    { return rc.statusStackTrace }
func (rc *RunContext) GetRunStarted() time.Time        { return rc.runStart }
func (rc *RunContext) GetStatusTime() time.Time        { return rc.statusTime }

func (rc *RunContext) GetLogEntries() ([]repository.LogEntry, error) {
	return rc.repo.GetLogEntries(rc.ctx, rc.runID)
}

func (rc *RunContext) GetPreviousRun() (repository.ScheduleRun, bool) {
	if rc.previousRun == nil {
		return repository.ScheduleRun{}, false
	}
	return *rc.previousRun, true
}
