package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ExecuteOptions controls a single execution.
type ExecuteOptions struct {
	// Parallel runs the units of a layer concurrently.
	Parallel bool

	// MaxWorkers bounds concurrency within a layer; zero uses the scheduler default.
	MaxWorkers int
}

// Scheduler executes plans layer by layer.
//
// Layers are separated by a hard barrier. Within a layer units run either
// sequentially in plan order or on a bounded worker pool. Each attempt gets
// its own timeout and failed attempts are retried immediately until the
// unit's retry budget is spent. When a CRITICAL unit fails, units that have
// not started yet, in its layer and every later one, are marked SKIPPED;
// units already running are left to finish. Completed units are never rolled back.
type Scheduler struct {
	runner     ActionRunner
	maxWorkers int
	logger     zerolog.Logger
	tracer     trace.Tracer
	events     EventPublisher
	metrics    MetricsRecorder

	// mu protects unit state while a layer is running
	mu sync.Mutex
}

// NewScheduler creates a scheduler. maxWorkers <= 0 uses DefaultMaxWorkers.
func NewScheduler(runner ActionRunner, maxWorkers int, logger zerolog.Logger) *Scheduler {
	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxWorkers
	}
	return &Scheduler{
		runner:     runner,
		maxWorkers: maxWorkers,
		logger:     logger.With().Str("component", "scheduler").Logger(),
		tracer:     otel.Tracer("github.com/openfroyo/gaia/pkg/engine"),
	}
}

// SetEventPublisher attaches an event publisher.
func (s *Scheduler) SetEventPublisher(p EventPublisher) {
	s.events = p
}

// SetMetrics attaches a metrics recorder.
func (s *Scheduler) SetMetrics(m MetricsRecorder) {
	s.metrics = m
}

// Execute runs plan against the units in registry and returns the report.
//
// The returned error is non-nil only for configuration problems detected
// before any unit starts: a nil plan, a plan naming unregistered units, or
// units that are not PENDING. Unit failures, timeouts, fail-fast aborts and
// context cancellation are all captured in the report.
func (s *Scheduler) Execute(
	ctx context.Context,
	plan *ExecutionPlan,
	registry *Registry,
	opts ExecuteOptions,
) (*ExecutionReport, error) {
	if plan == nil {
		return nil, newConfigError(ErrCodeValidation, "plan is nil")
	}
	if registry == nil {
		return nil, newConfigError(ErrCodeValidation, "registry is nil")
	}
	if unknown := registry.Unknown(plan.Units()); len(unknown) > 0 {
		return nil, newConfigError(ErrCodeUnknownUnit,
			fmt.Sprintf("plan references unknown units: %s", strings.Join(unknown, ", ")))
	}
	for _, id := range plan.Units() {
		if u, _ := registry.Get(id); u.Status != UnitStatusPending {
			return nil, newConfigError(ErrCodeValidation,
				fmt.Sprintf("unit is %s, expected pending", u.Status)).WithUnit(id)
		}
	}

	runID := uuid.New().String()
	logger := s.logger.With().Str("run_id", runID).Logger()
	ctx, span := s.tracer.Start(ctx, "engine.execute", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.String("plan.id", plan.ID),
		attribute.Int("plan.layers", len(plan.Layers)),
		attribute.Int("plan.units", plan.Len()),
		attribute.Bool("parallel", opts.Parallel),
	))
	defer span.End()

	startedAt := time.Now()
	s.publish(ctx, runID, "", EventTypeRunStarted, "info",
		fmt.Sprintf("Run started with %d units in %d layers", plan.Len(), len(plan.Layers)), nil)
	logger.Info().
		Str("plan_id", plan.ID).
		Int("layers", len(plan.Layers)).
		Int("units", plan.Len()).
		Bool("parallel", opts.Parallel).
		Msg("Starting execution")

	var (
		aborted   bool
		abortedBy string
	)

	for level, ids := range plan.Layers {
		units := make([]*Unit, 0, len(ids))
		for _, id := range ids {
			u, _ := registry.Get(id)
			units = append(units, u)
		}

		if aborted || ctx.Err() != nil {
			aborted = true
			s.skipUnits(ctx, runID, units)
			continue
		}

		layerCtx, layerSpan := s.tracer.Start(ctx, "engine.layer", trace.WithAttributes(
			attribute.Int("layer.index", level),
			attribute.Int("layer.units", len(units)),
		))
		s.publish(layerCtx, runID, "", EventTypeLayerStarted, "info",
			fmt.Sprintf("Layer %d started", level), map[string]interface{}{"units": ids})

		var by string
		if opts.Parallel && len(units) > 1 {
			by = s.executeLayerParallel(layerCtx, runID, units, s.workerCount(opts, len(units)))
		} else {
			by = s.executeLayerSequential(layerCtx, runID, units)
		}
		if by != "" {
			aborted, abortedBy = true, by
		}
		layerSpan.End()

		// barrier passed: every unit in the layer is terminal
		if aborted {
			logger.Error().
				Str("unit", abortedBy).
				Int("layer", level).
				Msg("Critical unit failed, aborting remaining layers")
		}
	}

	if ctx.Err() != nil {
		aborted = true
	}

	report := buildReport(runID, plan, registry, startedAt, time.Now())
	report.Aborted = aborted
	report.AbortedBy = abortedBy

	span.SetAttributes(
		attribute.Int("report.completed", report.Completed),
		attribute.Int("report.failed", report.Failed),
		attribute.Int("report.skipped", report.Skipped),
	)
	if !report.Succeeded() {
		span.SetStatus(codes.Error, string(report.Outcome()))
	}

	if s.metrics != nil {
		s.metrics.RecordRun(report.Outcome(), report.Duration, report.Completed, report.Failed, report.Skipped)
	}

	if aborted {
		s.publish(ctx, runID, "", EventTypeRunAborted, "error",
			fmt.Sprintf("Run aborted: %d completed, %d failed, %d skipped",
				report.Completed, report.Failed, report.Skipped),
			map[string]interface{}{"aborted_by": abortedBy})
	} else {
		s.publish(ctx, runID, "", EventTypeRunCompleted, "info",
			fmt.Sprintf("Run finished: %d completed, %d failed", report.Completed, report.Failed),
			map[string]interface{}{"outcome": string(report.Outcome())})
	}

	logger.Info().
		Int("total", report.Total).
		Int("completed", report.Completed).
		Int("failed", report.Failed).
		Int("skipped", report.Skipped).
		Dur("duration", report.Duration).
		Bool("aborted", report.Aborted).
		Msg("Execution finished")

	return report, nil
}

func (s *Scheduler) workerCount(opts ExecuteOptions, units int) int {
	workers := s.maxWorkers
	if opts.MaxWorkers > 0 && opts.MaxWorkers < workers {
		workers = opts.MaxWorkers
	}
	if units < workers {
		workers = units
	}
	return workers
}

// executeLayerSequential runs units one at a time and stops at the first
// failed CRITICAL unit, returning its ID. Units after it are skipped.
func (s *Scheduler) executeLayerSequential(ctx context.Context, runID string, units []*Unit) string {
	for i, unit := range units {
		if ctx.Err() != nil {
			s.skipUnits(ctx, runID, units[i:])
			return ""
		}
		s.executeUnit(ctx, runID, unit)
		if unit.Status == UnitStatusFailed && unit.Priority == PriorityCritical {
			s.skipUnits(ctx, runID, units[i+1:])
			return unit.ID
		}
	}
	return ""
}

// executeLayerParallel runs the units of the layer on a bounded worker pool
// and returns once all of them are terminal. After a CRITICAL unit fails,
// units still waiting in the queue are skipped; the ID of that unit is
// returned.
func (s *Scheduler) executeLayerParallel(ctx context.Context, runID string, units []*Unit, workers int) string {
	workQueue := make(chan *Unit, len(units))
	for _, unit := range units {
		workQueue <- unit
	}
	close(workQueue)

	var (
		wg        sync.WaitGroup
		abortMu   sync.Mutex
		abortedBy string
	)
	stopped := func() bool {
		abortMu.Lock()
		defer abortMu.Unlock()
		return abortedBy != ""
	}

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for unit := range workQueue {
				if ctx.Err() != nil || stopped() {
					s.skipUnits(ctx, runID, []*Unit{unit})
					continue
				}
				s.executeUnit(ctx, runID, unit)
				if unit.Status == UnitStatusFailed && unit.Priority == PriorityCritical {
					abortMu.Lock()
					if abortedBy == "" {
						abortedBy = unit.ID
					}
					abortMu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	return abortedBy
}

// executeUnit runs a unit's action with per-attempt timeout and immediate retries.
func (s *Scheduler) executeUnit(ctx context.Context, runID string, unit *Unit) {
	ctx, span := s.tracer.Start(ctx, "engine.unit", trace.WithAttributes(
		attribute.String("unit.id", unit.ID),
		attribute.String("unit.priority", unit.Priority.String()),
	))
	defer span.End()

	logger := s.logger.With().Str("run_id", runID).Str("unit", unit.ID).Logger()

	start := time.Now()
	s.transition(unit, UnitStatusRunning, func(u *Unit) {
		u.StartedAt = &start
	})
	s.publish(ctx, runID, unit.ID, EventTypeUnitStarted, "info",
		fmt.Sprintf("Unit %s started", unit.ID), nil)

	var (
		result  ActionResult
		lastErr error
	)

	for attempt := 1; ; attempt++ {
		attemptStart := time.Now()
		result, lastErr = s.attempt(ctx, unit)
		outcome := "success"
		if lastErr != nil {
			outcome = "failure"
			if IsTimeout(lastErr) {
				outcome = "timeout"
			}
		}
		if s.metrics != nil {
			s.metrics.RecordUnitAttempt(unit.ID, outcome, time.Since(attemptStart))
		}

		if lastErr == nil {
			break
		}

		logger.Warn().
			Err(lastErr).
			Int("attempt", attempt).
			Int("max_attempts", unit.MaxRetries+1).
			Msg("Unit attempt failed")

		if ctx.Err() != nil || unit.RetryCount >= unit.MaxRetries {
			break
		}

		s.mu.Lock()
		unit.RetryCount++
		s.mu.Unlock()

		s.publish(ctx, runID, unit.ID, EventTypeUnitRetrying, "warning",
			fmt.Sprintf("Retrying unit %s (attempt %d/%d)", unit.ID, attempt+1, unit.MaxRetries+1),
			map[string]interface{}{"error": lastErr.Error()})
	}

	finished := time.Now()
	if lastErr == nil {
		s.transition(unit, UnitStatusCompleted, func(u *Unit) {
			u.FinishedAt = &finished
			u.Output = result.Stdout
			u.Error = ""
			u.ExitCode = result.ExitCode
		})
		s.publish(ctx, runID, unit.ID, EventTypeUnitCompleted, "info",
			fmt.Sprintf("Unit %s completed", unit.ID),
			map[string]interface{}{"duration": finished.Sub(start).Seconds()})
		logger.Info().Dur("duration", finished.Sub(start)).Msg("Unit completed")
	} else {
		s.transition(unit, UnitStatusFailed, func(u *Unit) {
			u.FinishedAt = &finished
			u.Output = result.Stdout
			u.Error = lastErr.Error()
			u.ExitCode = result.ExitCode
			u.TimedOut = IsTimeout(lastErr)
		})
		span.RecordError(lastErr)
		span.SetStatus(codes.Error, lastErr.Error())
		s.publish(ctx, runID, unit.ID, EventTypeUnitFailed, "error",
			fmt.Sprintf("Unit %s failed: %v", unit.ID, lastErr),
			map[string]interface{}{"retry_count": unit.RetryCount, "timed_out": IsTimeout(lastErr)})
		logger.Error().
			Err(lastErr).
			Int("retry_count", unit.RetryCount).
			Msg("Unit failed")
	}

	if s.metrics != nil {
		s.metrics.RecordUnitResult(unit.ID, unit.Status, unit.Duration())
	}
}

// attempt invokes the action once and classifies the outcome.
func (s *Scheduler) attempt(ctx context.Context, unit *Unit) (ActionResult, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, unit.Timeout)
	defer cancel()

	result, err := s.runner.Run(attemptCtx, unit)
	if err == nil && result.Success() {
		return result, nil
	}

	switch {
	case ctx.Err() != nil:
		return result, NewPermanentError("execution cancelled", ctx.Err()).
			WithCode(ErrCodeAborted).WithUnit(unit.ID)
	case errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
		return result, NewTransientError(
			fmt.Sprintf("action timed out after %s", unit.Timeout), err).
			WithCode(ErrCodeTimeout).WithUnit(unit.ID)
	case err != nil:
		return result, NewTransientError("action failed", err).
			WithCode(ErrCodeActionFailed).WithUnit(unit.ID)
	default:
		msg := fmt.Sprintf("action exited with code %d", result.ExitCode)
		if stderr := strings.TrimSpace(result.Stderr); stderr != "" {
			msg += ": " + stderr
		}
		return result, NewTransientError(msg, nil).
			WithCode(ErrCodeActionFailed).WithUnit(unit.ID).
			WithDetail("exit_code", result.ExitCode)
	}
}

// skipUnits marks pending units SKIPPED.
func (s *Scheduler) skipUnits(ctx context.Context, runID string, units []*Unit) {
	for _, unit := range units {
		if unit.Status != UnitStatusPending {
			continue
		}
		now := time.Now()
		s.transition(unit, UnitStatusSkipped, func(u *Unit) {
			u.FinishedAt = &now
		})
		s.publish(ctx, runID, unit.ID, EventTypeUnitSkipped, "warning",
			fmt.Sprintf("Unit %s skipped", unit.ID), nil)
		if s.metrics != nil {
			s.metrics.RecordUnitResult(unit.ID, UnitStatusSkipped, 0)
		}
	}
}

// transition moves unit to next, applying update under the scheduler lock.
func (s *Scheduler) transition(unit *Unit, next UnitStatus, update func(*Unit)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !unit.Status.CanTransitionTo(next) {
		s.logger.Error().
			Str("unit", unit.ID).
			Str("from", string(unit.Status)).
			Str("to", string(next)).
			Msg("Invalid unit status transition")
		return
	}
	unit.Status = next
	if update != nil {
		update(unit)
	}
}

// publish sends an event if a publisher is configured.
func (s *Scheduler) publish(
	ctx context.Context,
	runID, unitID string,
	eventType EventType,
	level, message string,
	data map[string]interface{},
) {
	if s.events == nil {
		return
	}

	event := &Event{
		ID:        uuid.New().String(),
		RunID:     runID,
		UnitID:    unitID,
		Type:      eventType,
		Level:     level,
		Message:   message,
		Timestamp: time.Now(),
		Data:      data,
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.Debug().Err(err).Str("event", string(eventType)).Msg("Failed to publish event")
	}
}
