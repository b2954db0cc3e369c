package engine

import (
	"context"
	"fmt"
	"sync"
)

// Registry holds the set of known units in registration order.
// Units are mutated only by the scheduler during a run; callers should not
// modify units returned by Get while a run is in progress.
type Registry struct {
	mu    sync.RWMutex
	units map[string]*Unit
	order []string
	index map[string]int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		units: make(map[string]*Unit),
		index: make(map[string]int),
	}
}

// Register validates unit, applies defaults and adds it to the registry.
func (r *Registry) Register(unit Unit) error {
	if unit.ID == "" {
		return newConfigError(ErrCodeValidation, "unit ID is required")
	}
	if unit.Name == "" {
		unit.Name = unit.ID
	}
	if unit.Priority == 0 {
		unit.Priority = DefaultPriority
	}
	if err := unit.Priority.Validate(); err != nil {
		return NewPermanentError("invalid unit definition", err).
			WithCode(ErrCodeValidation).WithUnit(unit.ID)
	}
	if unit.Timeout == 0 {
		unit.Timeout = DefaultTimeout
	}
	if unit.Timeout < 0 {
		return newConfigError(ErrCodeValidation, "timeout must be positive").WithUnit(unit.ID)
	}
	if unit.MaxRetries < 0 {
		return newConfigError(ErrCodeValidation, "max retries cannot be negative").WithUnit(unit.ID)
	}
	for _, dep := range unit.Dependencies {
		if dep == unit.ID {
			return newConfigError(ErrCodeCircularDependency, "unit depends on itself").WithUnit(unit.ID)
		}
	}
	unit.Dependencies = ListDeclaration(unit.Dependencies...).Dependencies()
	unit.reset()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.units[unit.ID]; exists {
		return newConfigError(ErrCodeDuplicateUnit, "unit already registered").WithUnit(unit.ID)
	}
	u := unit
	r.units[u.ID] = &u
	r.index[u.ID] = len(r.order)
	r.order = append(r.order, u.ID)
	return nil
}

// MustRegister is like Register but panics on error. Intended for tests and static tables.
func (r *Registry) MustRegister(units ...Unit) *Registry {
	for _, u := range units {
		if err := r.Register(u); err != nil {
			panic(err)
		}
	}
	return r
}

// RegisterScopeUnits creates one unit per item discovered in scope.
// factory builds the unit for an item; the unit's Scope is set to scope.
func (r *Registry) RegisterScopeUnits(scope string, items []string, factory func(scope, item string) Unit) error {
	for _, item := range items {
		unit := factory(scope, item)
		unit.Scope = scope
		if err := r.Register(unit); err != nil {
			return fmt.Errorf("failed to register unit for %s/%s: %w", scope, item, err)
		}
	}
	return nil
}

// Get returns the unit with the given ID.
func (r *Registry) Get(id string) (*Unit, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.units[id]
	return u, ok
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// IDs returns unit IDs in registration order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Units returns copies of all units in registration order.
func (r *Registry) Units() []Unit {
	r.mu.RLock()
	defer r.mu.RUnlock()

	units := make([]Unit, 0, len(r.order))
	for _, id := range r.order {
		units = append(units, *r.units[id])
	}
	return units
}

// Len returns the number of registered units.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Order returns the registration index of id, or -1 if unknown.
func (r *Registry) Order(id string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i, ok := r.index[id]; ok {
		return i
	}
	return -1
}

// Unknown returns the ids that are not registered, preserving order.
func (r *Registry) Unknown(ids []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var unknown []string
	for _, id := range ids {
		if _, ok := r.units[id]; !ok {
			unknown = append(unknown, id)
		}
	}
	return unknown
}

// Reset returns the given units, or every unit when none are given, to PENDING
// and clears their run state.
func (r *Registry) Reset(ids ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(ids) == 0 {
		ids = r.order
	}
	for _, id := range ids {
		if u, ok := r.units[id]; ok {
			u.reset()
		}
	}
}

// Describe implements Describer using the statically declared dependencies.
func (r *Registry) Describe(_ context.Context, _ string, unitID string) (Declaration, error) {
	u, ok := r.Get(unitID)
	if !ok {
		return Declaration{}, newConfigError(ErrCodeUnknownUnit, "unknown unit").WithUnit(unitID)
	}
	return ListDeclaration(u.Dependencies...), nil
}
