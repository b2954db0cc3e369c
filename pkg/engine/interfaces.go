package engine

import (
	"context"
	"time"
)

// Describer returns the raw dependency declarations of a unit.
// Implementations typically query an external declarative-configuration service.
// Errors are tolerated by the resolver, which treats the unit as having no dependencies.
type Describer interface {
	Describe(ctx context.Context, scope, unitID string) (Declaration, error)
}

// DescriberFunc adapts a function to the Describer interface.
type DescriberFunc func(ctx context.Context, scope, unitID string) (Declaration, error)

// Describe calls f.
func (f DescriberFunc) Describe(ctx context.Context, scope, unitID string) (Declaration, error) {
	return f(ctx, scope, unitID)
}

// ActionRunner invokes a unit's action once.
// Run must honour ctx, which carries the per-attempt timeout.
// A non-nil error means the action could not be run or did not finish;
// a non-zero ExitCode with a nil error means the action ran and failed.
type ActionRunner interface {
	Run(ctx context.Context, unit *Unit) (ActionResult, error)
}

// ActionRunnerFunc adapts a function to the ActionRunner interface.
type ActionRunnerFunc func(ctx context.Context, unit *Unit) (ActionResult, error)

// Run calls f.
func (f ActionRunnerFunc) Run(ctx context.Context, unit *Unit) (ActionResult, error) {
	return f(ctx, unit)
}

// GraphCache stores resolved dependency graphs keyed by scope and direction.
// Implementations must be safe for concurrent use.
type GraphCache interface {
	// Get returns the cached graph for key, if present.
	Get(key CacheKey) (*DependencyGraph, bool)

	// Set stores graph under key.
	Set(key CacheKey, graph *DependencyGraph)

	// Delete removes a single key.
	Delete(key CacheKey)

	// Clear removes every key.
	Clear()

	// Keys returns the cached keys.
	Keys() []CacheKey
}

// EventPublisher receives execution events.
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// MetricsRecorder receives engine measurements.
type MetricsRecorder interface {
	RecordCacheLookup(hit bool)
	RecordDescribe(scope string, failed bool, duration time.Duration)
	RecordUnitAttempt(unitID, outcome string, duration time.Duration)
	RecordUnitResult(unitID string, status UnitStatus, duration time.Duration)
	RecordRun(outcome RunOutcome, duration time.Duration, completed, failed, skipped int)
}

// PlanGate vetoes plans before execution.
// A returned error aborts the run as a configuration error.
type PlanGate interface {
	Check(ctx context.Context, plan *ExecutionPlan, registry *Registry) error
}
