package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage"
	"github.com/open-policy-agent/opa/v1/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/openfroyo/gaia/pkg/engine"
)

var limitsPath = storage.MustParsePath("/gaia/limits")

// Engine evaluates Rego policies against execution plans. It implements
// engine.PlanGate so an orchestrator can refuse to run a denied plan.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	store    storage.Store
	limits   Limits
	context  Context
	builtins bool
	logger   zerolog.Logger
}

var _ engine.PlanGate = (*Engine)(nil)

// compiledPolicy represents a prepared Rego query over a policy's deny set.
type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLimits sets the limits exposed to policies.
func WithLimits(l Limits) Option {
	return func(e *Engine) { e.limits = l }
}

// WithContext sets the evaluation context used by Check.
func WithContext(c Context) Option {
	return func(e *Engine) { e.context = c }
}

// WithoutBuiltins starts the engine with no policies.
func WithoutBuiltins() Option {
	return func(e *Engine) { e.builtins = false }
}

// NewEngine creates a new policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger, opts ...Option) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		limits:   DefaultLimits(),
		builtins: true,
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.store = inmem.NewFromObject(map[string]interface{}{
		"gaia": map[string]interface{}{
			"limits": limitsDocument(e.limits),
		},
	})

	if e.builtins {
		ctx := context.Background()
		builtins := BuiltinPolicies()
		for i := range builtins {
			if err := e.compile(ctx, &builtins[i]); err != nil {
				return nil, fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
			}
		}
		e.logger.Debug().Int("count", len(builtins)).Msg("Built-in policies loaded")
	}

	return e, nil
}

func limitsDocument(l Limits) map[string]interface{} {
	forbidden := make([]interface{}, len(l.ForbiddenCommands))
	for i, c := range l.ForbiddenCommands {
		forbidden[i] = c
	}
	return map[string]interface{}{
		"max_layer_width":    l.MaxLayerWidth,
		"forbidden_commands": forbidden,
	}
}

// Limits returns the current limits.
func (e *Engine) Limits() Limits {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.limits
}

// SetLimits replaces the limits visible to policies.
func (e *Engine) SetLimits(ctx context.Context, l Limits) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := storage.WriteOne(ctx, e.store, storage.ReplaceOp, limitsPath, limitsDocument(l)); err != nil {
		return fmt.Errorf("failed to write limits: %w", err)
	}
	e.limits = l
	return nil
}

// SetContext replaces the evaluation context used by Check.
func (e *Engine) SetContext(c Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.context = c
}

// AddPolicy compiles a policy and adds it, replacing one with the same name.
func (e *Engine) AddPolicy(ctx context.Context, p Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.compile(ctx, &p)
}

// RemovePolicy removes a policy by name.
func (e *Engine) RemovePolicy(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.policies[name]; !ok {
		return fmt.Errorf("policy not found: %s", name)
	}
	delete(e.policies, name)
	return nil
}

// LoadPolicies loads and compiles policy files or directories.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.ReplaceLoaded(ctx, policies)
}

// ReplaceLoaded swaps every non-builtin policy for policies. Nothing changes
// if any of them fails to compile.
func (e *Engine) ReplaceLoaded(ctx context.Context, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		cp, err := e.prepare(ctx, &policies[i])
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
		compiled[cp.policy.Name] = cp
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for name, cp := range e.policies {
		if !cp.policy.Builtin {
			delete(e.policies, name)
		}
	}
	for name, cp := range compiled {
		e.policies[name] = cp
	}

	e.logger.Info().Int("count", len(policies)).Msg("Policies loaded")
	return nil
}

// Check evaluates the plan and returns a POLICY_DENIED configuration error
// if any blocking violation is found.
func (e *Engine) Check(ctx context.Context, plan *engine.ExecutionPlan, registry *engine.Registry) error {
	e.mu.RLock()
	pctx := e.context
	e.mu.RUnlock()

	result, err := e.EvaluatePlan(ctx, plan, registry, pctx)
	if err != nil {
		return engine.NewPermanentError("policy evaluation failed", err).WithCode(engine.ErrCodePolicyDenied)
	}

	for _, w := range result.Warnings {
		e.logger.Warn().Str("policy", w.Policy).Str("unit", w.Unit).Msg(w.Message)
	}

	if result.Allowed {
		return nil
	}

	messages := make([]string, len(result.Violations))
	for i, v := range result.Violations {
		messages[i] = v.String()
	}
	return engine.NewPermanentError(
		fmt.Sprintf("plan denied by policy: %s", strings.Join(messages, "; ")), nil).
		WithCode(engine.ErrCodePolicyDenied).
		WithOperation("plan").
		WithDetail("violations", messages)
}

// EvaluatePlan evaluates every enabled policy against plan.
func (e *Engine) EvaluatePlan(ctx context.Context, plan *engine.ExecutionPlan, registry *engine.Registry, pctx Context) (*Result, error) {
	return e.Evaluate(ctx, NewInput(plan, registry, pctx))
}

// Evaluate evaluates every enabled policy against input. A policy that fails
// to evaluate is reported as a warning and does not block.
func (e *Engine) Evaluate(ctx context.Context, input *Input) (*Result, error) {
	start := time.Now()
	if input.Context.Timestamp.IsZero() {
		input.Context.Timestamp = start
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{
		Allowed:           true,
		EvaluatedPolicies: make([]string, 0, len(e.policies)),
	}

	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		violations, err := evaluate(ctx, cp, input)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.logger.Error().Err(err).Str("policy", name).Msg("Policy evaluation failed")
			result.Warnings = append(result.Warnings, Violation{
				Policy:   name,
				Message:  fmt.Sprintf("evaluation failed: %v", err),
				Severity: SeverityWarning,
			})
			continue
		}

		for _, v := range violations {
			if v.Severity.Blocking() {
				result.Allowed = false
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
	}

	result.EvaluatedAt = time.Now()
	result.Duration = time.Since(start)

	e.logger.Debug().
		Str("plan_id", input.Plan.ID).
		Bool("allowed", result.Allowed).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.Duration).
		Msg("Plan policy evaluation completed")

	return result, nil
}

func evaluate(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	rs, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}

	var violations []Violation
	for _, r := range rs {
		if len(r.Expressions) == 0 {
			continue
		}
		denied, ok := r.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denied {
			violations = append(violations, newViolation(cp.policy, d))
		}
	}

	sort.SliceStable(violations, func(i, j int) bool {
		if violations[i].Unit != violations[j].Unit {
			return violations[i].Unit < violations[j].Unit
		}
		return violations[i].Message < violations[j].Message
	})
	return violations, nil
}

// newViolation converts one element of a deny set. Elements are either
// plain strings or objects with message, severity and unit keys.
func newViolation(p *Policy, value interface{}) Violation {
	v := Violation{
		Policy:   p.Name,
		Severity: p.Severity,
	}

	switch d := value.(type) {
	case string:
		v.Message = d
	case map[string]interface{}:
		if msg, ok := d["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := d["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
		if unit, ok := d["unit"].(string); ok {
			v.Unit = unit
		}
	default:
		v.Message = fmt.Sprintf("%v", value)
	}
	return v
}

// NewInput builds the policy input document for plan.
func NewInput(plan *engine.ExecutionPlan, registry *engine.Registry, pctx Context) *Input {
	input := &Input{
		Plan: PlanInput{
			ID:      plan.ID,
			Scope:   plan.Scope,
			Reverse: plan.Reverse,
			Targets: append([]string{}, plan.Targets...),
			Layers:  plan.Layers,
		},
		Units:   make(map[string]UnitInput, plan.Len()),
		Context: pctx,
	}

	for i, layer := range plan.Layers {
		for _, id := range layer {
			unit, ok := registry.Get(id)
			if !ok {
				continue
			}
			args := append([]string{}, unit.Action.Args...)
			input.Units[id] = UnitInput{
				ID:             unit.ID,
				Name:           unit.Name,
				Command:        unit.Action.Command,
				Args:           args,
				CommandLine:    strings.TrimSpace(unit.Action.Command + " " + strings.Join(args, " ")),
				Priority:       unit.Priority.String(),
				TimeoutSeconds: unit.Timeout.Seconds(),
				MaxRetries:     unit.MaxRetries,
				Dependencies:   append([]string{}, plan.Dependencies[id]...),
				Labels:         unit.Labels,
				Layer:          i,
			}
		}
	}
	return input
}

func (e *Engine) compile(ctx context.Context, p *Policy) error {
	cp, err := e.prepare(ctx, p)
	if err != nil {
		return err
	}
	e.policies[p.Name] = cp
	return nil
}

// prepare parses the module to find its package and prepares a query for
// its deny set against the engine's store.
func (e *Engine) prepare(ctx context.Context, p *Policy) (*compiledPolicy, error) {
	if p.Name == "" {
		return nil, fmt.Errorf("policy name is required")
	}
	if p.Severity == "" {
		p.Severity = SeverityWarning
	}

	module, err := ast.ParseModule(p.Name+".rego", p.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	query, err := rego.New(
		rego.Module(p.Name+".rego", p.Rego),
		rego.Store(e.store),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	e.logger.Debug().Str("policy", p.Name).Msg("Policy compiled")

	return &compiledPolicy{
		policy:   p,
		query:    query,
		compiled: time.Now(),
	}, nil
}

func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, ok := e.policies[name]
	if !ok {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, ok := e.policies[name]
	if !ok {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	cp.policy.UpdatedAt = time.Now()

	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy state changed")
	return nil
}
