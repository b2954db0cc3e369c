package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Orchestrator ties together the registry, resolver, cycle handler, planner
// and scheduler. Each orchestrator owns its graph cache.
type Orchestrator struct {
	registry  *Registry
	resolver  *Resolver
	cycles    *CycleHandler
	scheduler *Scheduler
	mode      CycleMode
	gate      PlanGate
	logger    zerolog.Logger

	mu         sync.Mutex
	lastReport *ExecutionReport
}

// Option configures an Orchestrator.
type Option func(*orchestratorOptions)

type orchestratorOptions struct {
	describer  Describer
	cache      GraphCache
	mode       CycleMode
	maxWorkers int
	maxCycles  int
	events     EventPublisher
	metrics    MetricsRecorder
	gate       PlanGate
}

// WithDescriber sets the dependency describer. The default describes units
// from their statically declared dependencies.
func WithDescriber(d Describer) Option {
	return func(o *orchestratorOptions) { o.describer = d }
}

// WithCache sets the graph cache. The default is a private MemoryCache.
func WithCache(c GraphCache) Option {
	return func(o *orchestratorOptions) { o.cache = c }
}

// WithCycleMode sets how cycles are handled. The default is authoritative.
func WithCycleMode(m CycleMode) Option {
	return func(o *orchestratorOptions) { o.mode = m }
}

// WithMaxWorkers bounds per-layer concurrency.
func WithMaxWorkers(n int) Option {
	return func(o *orchestratorOptions) { o.maxWorkers = n }
}

// WithMaxCycles caps cycle enumeration.
func WithMaxCycles(n int) Option {
	return func(o *orchestratorOptions) { o.maxCycles = n }
}

// WithEventPublisher attaches an event publisher to the scheduler.
func WithEventPublisher(p EventPublisher) Option {
	return func(o *orchestratorOptions) { o.events = p }
}

// WithMetrics attaches a metrics recorder to the resolver and scheduler.
func WithMetrics(m MetricsRecorder) Option {
	return func(o *orchestratorOptions) { o.metrics = m }
}

// WithPlanGate installs a gate consulted before every run.
func WithPlanGate(g PlanGate) Option {
	return func(o *orchestratorOptions) { o.gate = g }
}

// NewOrchestrator creates an orchestrator over registry that runs actions with runner.
func NewOrchestrator(registry *Registry, runner ActionRunner, logger zerolog.Logger, opts ...Option) *Orchestrator {
	o := orchestratorOptions{mode: CycleModeAuthoritative}
	for _, opt := range opts {
		opt(&o)
	}
	if o.describer == nil {
		o.describer = registry
	}

	resolver := NewResolver(o.describer, o.cache, logger)
	scheduler := NewScheduler(runner, o.maxWorkers, logger)
	if o.metrics != nil {
		resolver.SetMetrics(o.metrics)
		scheduler.SetMetrics(o.metrics)
	}
	if o.events != nil {
		scheduler.SetEventPublisher(o.events)
	}

	return &Orchestrator{
		registry:  registry,
		resolver:  resolver,
		cycles:    NewCycleHandler(o.maxCycles, logger),
		scheduler: scheduler,
		mode:      o.mode,
		gate:      o.gate,
		logger:    logger.With().Str("component", "orchestrator").Logger(),
	}
}

// Registry returns the orchestrator's unit registry.
func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

// Mode returns the cycle mode.
func (o *Orchestrator) Mode() CycleMode {
	return o.mode
}

// PlanOptions controls plan construction.
type PlanOptions struct {
	// Reverse inverts dependency edges for teardown ordering.
	Reverse bool
}

// RunOptions controls a run.
type RunOptions struct {
	PlanOptions
	ExecuteOptions
}

// Graph resolves and sanitizes the dependency graph of every registered unit
// in scope. In authoritative mode a cycle anywhere in the scope is an error.
func (o *Orchestrator) Graph(ctx context.Context, scope string, reverse bool) (*DependencyGraph, []Edge, error) {
	graph, err := o.resolver.Resolve(ctx, scope, o.registry.IDs(), reverse)
	if err != nil {
		return nil, nil, err
	}
	return o.cycles.Sanitize(graph, o.mode)
}

// Plan builds the execution plan for targets in scope. Empty targets plan
// every registered unit. Configuration errors are returned before any
// external action is invoked.
func (o *Orchestrator) Plan(ctx context.Context, scope string, targets []string, opts PlanOptions) (*ExecutionPlan, error) {
	if unknown := o.registry.Unknown(targets); len(unknown) > 0 {
		return nil, newConfigError(ErrCodeUnknownUnit,
			fmt.Sprintf("unknown units: %s", strings.Join(unknown, ", "))).
			WithDetail("units", unknown)
	}

	graph, removed, err := o.planGraph(ctx, scope, targets, opts.Reverse)
	if err != nil {
		return nil, err
	}

	plan, err := BuildPlan(graph, o.registry, targets)
	if err != nil {
		return nil, err
	}
	plan.RemovedEdges = removed

	if o.gate != nil {
		if err := o.gate.Check(ctx, plan, o.registry); err != nil {
			return nil, err
		}
	}

	o.logger.Info().
		Str("scope", scope).
		Strs("targets", targets).
		Int("layers", len(plan.Layers)).
		Int("units", plan.Len()).
		Msg("Built execution plan")

	return plan, nil
}

// ComponentOrder layers exactly ids, or every registered unit when ids is
// empty, ignoring dependencies on units outside that set. Cycles are always
// broken as in advisory mode, whatever the orchestrator's own mode; the
// removed edges are recorded on the returned plan. The plan gate is not
// consulted.
func (o *Orchestrator) ComponentOrder(ctx context.Context, scope string, ids []string, reverse bool) (*ExecutionPlan, error) {
	if unknown := o.registry.Unknown(ids); len(unknown) > 0 {
		return nil, newConfigError(ErrCodeUnknownUnit,
			fmt.Sprintf("unknown units: %s", strings.Join(unknown, ", "))).
			WithDetail("units", unknown)
	}

	graph, err := o.resolver.Resolve(ctx, scope, o.registry.IDs(), reverse)
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		graph = graph.Subgraph(ids)
	}

	sanitized, removed, err := o.cycles.Sanitize(graph, CycleModeAdvisory)
	if err != nil {
		return nil, err
	}
	plan, err := BuildPlan(sanitized, o.registry, nil)
	if err != nil {
		return nil, err
	}
	plan.Targets = append([]string(nil), ids...)
	plan.RemovedEdges = removed
	return plan, nil
}

// planGraph returns the graph to plan targets from. Advisory mode breaks
// cycles across the whole scope. Authoritative mode rejects only cycles among
// the units the targets actually need.
func (o *Orchestrator) planGraph(ctx context.Context, scope string, targets []string, reverse bool) (*DependencyGraph, []Edge, error) {
	if o.mode == CycleModeAdvisory {
		return o.Graph(ctx, scope, reverse)
	}

	graph, err := o.resolver.Resolve(ctx, scope, o.registry.IDs(), reverse)
	if err != nil {
		return nil, nil, err
	}
	needed := graph.Nodes()
	if len(targets) > 0 {
		needed = graph.Closure(targets)
	}
	if _, _, err := o.cycles.Sanitize(graph.Subgraph(needed), o.mode); err != nil {
		return nil, nil, err
	}
	return graph, nil, nil
}

// Run plans and executes targets in scope. Planned units are reset to
// PENDING first so runs are independent of each other.
func (o *Orchestrator) Run(ctx context.Context, scope string, targets []string, opts RunOptions) (*ExecutionReport, error) {
	plan, err := o.Plan(ctx, scope, targets, opts.PlanOptions)
	if err != nil {
		return nil, err
	}
	return o.Execute(ctx, plan, opts.ExecuteOptions)
}

// Execute runs an already built plan.
func (o *Orchestrator) Execute(ctx context.Context, plan *ExecutionPlan, opts ExecuteOptions) (*ExecutionReport, error) {
	o.registry.Reset(plan.Units()...)

	report, err := o.scheduler.Execute(ctx, plan, o.registry, opts)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.lastReport = report
	o.mu.Unlock()

	return report, nil
}

// Report returns the report of the most recent run, or nil.
func (o *Orchestrator) Report() *ExecutionReport {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastReport
}

// Reset returns every unit to PENDING and forgets the last report.
func (o *Orchestrator) Reset() {
	o.registry.Reset()
	o.mu.Lock()
	o.lastReport = nil
	o.mu.Unlock()
}

// ClearCache drops cached graphs for scope, or all of them when scope is empty.
func (o *Orchestrator) ClearCache(scope string) {
	o.resolver.ClearCache(scope)
}

// ClearCacheKey drops exactly one cached graph.
func (o *Orchestrator) ClearCacheKey(scope string, reverse bool) {
	o.resolver.ClearCacheKey(CacheKey{Scope: scope, Reverse: reverse})
}

// CachedKeys lists the cached graph keys.
func (o *Orchestrator) CachedKeys() []CacheKey {
	return o.resolver.Cache().Keys()
}
