package engine

import (
	"time"
)

// Default unit settings applied by the registry when a definition leaves them unset.
const (
	// DefaultTimeout is the per-attempt action timeout.
	DefaultTimeout = 300 * time.Second

	// DefaultMaxRetries is the number of retries after the first failed attempt.
	DefaultMaxRetries = 2

	// DefaultPriority is the priority of units that do not declare one.
	DefaultPriority = PriorityMedium

	// DefaultMaxWorkers bounds the number of concurrently running units in a layer.
	DefaultMaxWorkers = 10
)

// Action is an opaque description of the external work a unit performs.
// The engine never interprets it; it is handed to an ActionRunner as is.
type Action struct {
	// Command is the executable to invoke.
	Command string `json:"command"`

	// Args are the command arguments.
	Args []string `json:"args,omitempty"`

	// WorkDir is the working directory for the command.
	WorkDir string `json:"work_dir,omitempty"`

	// Env holds extra environment variables for the command.
	Env map[string]string `json:"env,omitempty"`
}

// IsZero reports whether the action has no command.
func (a Action) IsZero() bool {
	return a.Command == ""
}

// Unit is a named piece of schedulable work.
type Unit struct {
	// ID uniquely identifies the unit within a registry.
	ID string `json:"id"`

	// Name is a human-readable name; defaults to ID.
	Name string `json:"name"`

	// Scope is the namespace the unit was generated for, if any.
	Scope string `json:"scope,omitempty"`

	// Action is the external work to invoke.
	Action Action `json:"action"`

	// Dependencies lists the unit IDs this unit statically declares it depends on.
	Dependencies []string `json:"dependencies,omitempty"`

	// Priority orders the unit inside its layer; CRITICAL units trigger fail-fast.
	Priority Priority `json:"priority"`

	// Timeout bounds a single attempt of the action.
	Timeout time.Duration `json:"timeout"`

	// MaxRetries is the number of immediate retries after the first failure.
	MaxRetries int `json:"max_retries"`

	// Labels are arbitrary key/value pairs used by policies and reporting.
	Labels map[string]string `json:"labels,omitempty"`

	// Status is the execution status of the unit in the current run.
	Status UnitStatus `json:"status"`

	// RetryCount is the number of retries consumed in the current run.
	RetryCount int `json:"retry_count"`

	// StartedAt is when the first attempt started.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// FinishedAt is when the unit reached a terminal state.
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// Output is the captured stdout of the last attempt.
	Output string `json:"output,omitempty"`

	// Error is the error text of the last failed attempt.
	Error string `json:"error,omitempty"`

	// ExitCode is the exit status of the last attempt.
	ExitCode int `json:"exit_code"`

	// TimedOut is true when the last attempt exceeded Timeout.
	TimedOut bool `json:"timed_out,omitempty"`
}

// Duration returns the wall time between start and finish, or zero.
func (u *Unit) Duration() time.Duration {
	if u.StartedAt == nil || u.FinishedAt == nil {
		return 0
	}
	return u.FinishedAt.Sub(*u.StartedAt)
}

// reset returns the unit to its pre-run state.
func (u *Unit) reset() {
	u.Status = UnitStatusPending
	u.RetryCount = 0
	u.StartedAt = nil
	u.FinishedAt = nil
	u.Output = ""
	u.Error = ""
	u.ExitCode = 0
	u.TimedOut = false
}

// ActionResult is what an ActionRunner returns for a single attempt.
type ActionResult struct {
	// ExitCode is the process exit status; zero means success.
	ExitCode int `json:"exit_code"`

	// Stdout is the captured standard output.
	Stdout string `json:"stdout,omitempty"`

	// Stderr is the captured standard error.
	Stderr string `json:"stderr,omitempty"`
}

// Success returns true if the action exited cleanly.
func (r ActionResult) Success() bool {
	return r.ExitCode == 0
}

// UnitResult is the per-unit section of an execution report.
type UnitResult struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Layer      int           `json:"layer"`
	Priority   Priority      `json:"priority"`
	Status     UnitStatus    `json:"status"`
	Attempts   int           `json:"attempts"`
	RetryCount int           `json:"retry_count"`
	ExitCode   int           `json:"exit_code"`
	TimedOut   bool          `json:"timed_out,omitempty"`
	StartedAt  *time.Time    `json:"started_at,omitempty"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
	Duration   time.Duration `json:"duration"`
	Output     string        `json:"output,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// FailedUnit describes a unit that ended FAILED.
type FailedUnit struct {
	ID         string `json:"id"`
	Error      string `json:"error"`
	RetryCount int    `json:"retry_count"`
	TimedOut   bool   `json:"timed_out,omitempty"`
}

// UnitTiming names a unit together with its execution time.
type UnitTiming struct {
	ID       string        `json:"id"`
	Duration time.Duration `json:"duration"`
}

// ExecutionReport summarizes a finished or aborted run.
type ExecutionReport struct {
	// RunID uniquely identifies the run.
	RunID string `json:"run_id"`

	// PlanID identifies the plan that was executed.
	PlanID string `json:"plan_id"`

	// Scope is the scope the plan was resolved in.
	Scope string `json:"scope,omitempty"`

	// Total is the number of units in the plan.
	Total int `json:"total"`

	// Completed is the number of units that ended COMPLETED.
	Completed int `json:"completed"`

	// Failed is the number of units that ended FAILED.
	Failed int `json:"failed"`

	// Skipped is the number of units never started because the run aborted.
	Skipped int `json:"skipped"`

	// SuccessRate is Completed/Total as a percentage.
	SuccessRate float64 `json:"success_rate"`

	// StartedAt is when execution began.
	StartedAt time.Time `json:"started_at"`

	// FinishedAt is when the last layer finished or the run aborted.
	FinishedAt time.Time `json:"finished_at"`

	// Duration is the total wall time of the run.
	Duration time.Duration `json:"duration"`

	// Layers is the number of layers in the plan.
	Layers int `json:"layers"`

	// Aborted is true when fail-fast or cancellation stopped the run early.
	Aborted bool `json:"aborted"`

	// AbortedBy is the unit whose failure triggered fail-fast, if any.
	AbortedBy string `json:"aborted_by,omitempty"`

	// FailedUnits lists failed units in plan order.
	FailedUnits []FailedUnit `json:"failed_units,omitempty"`

	// Fastest is the quickest completed unit.
	Fastest *UnitTiming `json:"fastest,omitempty"`

	// Slowest is the slowest completed unit.
	Slowest *UnitTiming `json:"slowest,omitempty"`

	// Units holds per-unit results in plan order.
	Units []UnitResult `json:"units"`
}

// Outcome reports whether every unit completed.
func (r *ExecutionReport) Outcome() RunOutcome {
	if r.Failed == 0 && r.Skipped == 0 {
		return RunOutcomeSuccess
	}
	return RunOutcomePartialFailure
}

// Succeeded is shorthand for Outcome() == RunOutcomeSuccess.
func (r *ExecutionReport) Succeeded() bool {
	return r.Outcome() == RunOutcomeSuccess
}

// Event is a timeline entry emitted while a run executes.
type Event struct {
	// ID uniquely identifies the event.
	ID string `json:"id"`

	// RunID is the run the event belongs to.
	RunID string `json:"run_id"`

	// UnitID is the unit the event refers to, if any.
	UnitID string `json:"unit_id,omitempty"`

	// Type is the event type.
	Type EventType `json:"type"`

	// Level is info, warning or error.
	Level string `json:"level"`

	// Message is a human-readable description.
	Message string `json:"message"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Data carries event-specific fields.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType classifies execution events.
type EventType string

const (
	EventTypeRunStarted    EventType = "run.started"
	EventTypeRunCompleted  EventType = "run.completed"
	EventTypeRunAborted    EventType = "run.aborted"
	EventTypeLayerStarted  EventType = "layer.started"
	EventTypeUnitStarted   EventType = "unit.started"
	EventTypeUnitRetrying  EventType = "unit.retrying"
	EventTypeUnitCompleted EventType = "unit.completed"
	EventTypeUnitFailed    EventType = "unit.failed"
	EventTypeUnitSkipped   EventType = "unit.skipped"
)
