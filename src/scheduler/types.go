// Package scheduler implements the distributed, persistence-backed cron
// engine: a cluster-wide master lock, one state-machine runner per
// registered task, and the registry that wires them together.
package scheduler

import (
	"time"

	"github.com/taskmesh/scheduler/src/repository"
)

// Criticality classifies how severely a task's sustained failure should
// be treated by an operator (purely informational to the core; consumed
// by the health-check collaborator this module does not implement).
type Criticality string

const (
	CriticalityMissionCritical Criticality = "MISSION_CRITICAL"
	CriticalityVital           Criticality = "VITAL"
	CriticalityImportant       Criticality = "IMPORTANT"
	CriticalityMinor           Criticality = "MINOR"
)

// Recovery describes how an operator expects a failing task to be
// recovered. Diagnostic only; the runner never acts on it directly.
type Recovery string

const (
	RecoverySelfHealing        Recovery = "SELF_HEALING"
	RecoveryManualIntervention Recovery = "MANUAL_INTERVENTION"
)

// TaskConfig is the immutable, in-memory configuration supplied at
// registration time. Only CronExpression's effect is ever persisted (as
// the schedule's next_run); the rest lives for the process lifetime in
// the owning TaskRunner.
type TaskConfig struct {
	Name                    string
	CronExpression          string
	MaxExpectedMinutesToRun int
	Criticality             Criticality
	Recovery                Recovery
	RetentionPolicy         repository.RetentionPolicy
}

// Callback is user code invoked once per eligible fire. It must call
// exactly one of Done/Failed/Dispatched on rc before returning. Returning
// without calling one is treated as a contract violation and the runner
// marks the run FAILED itself; a panic is recovered and, unless the run
// was already concluded, recorded as FAILED with the panic's stack trace.
type Callback func(rc *RunContext)

// TaskHandle is the operator-facing surface for one registered task.
type TaskHandle interface {
	Start()
	Stop()
	RunNow()
	SetOverrideExpression(expr *string) error
	GetDefaultCron() string
	GetActiveCron() string
	IsActive() bool
	IsRunning() bool
	IsOverdue() bool
	RunTimeInMinutes() float64
	GetLastRunCompleted() (time.Time, bool)
	GetLastRunStarted() (time.Time, bool)
	GetNextRun() (time.Time, bool)
	GetLastScheduleRun() (repository.ScheduleRun, bool)
	GetAllScheduleRunsBetween(from, to time.Time) ([]repository.ScheduleRun, error)
	GetInstance(runID string) (repository.ScheduleRun, error)
}

// Listener receives notifications about registry lifecycle events.
type Listener interface {
	OnScheduledTaskCreated(handle TaskHandle)
}
