package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ExecutionPlan is an ordered sequence of layers. Every unit in layer N
// depends only on units in layers before N.
type ExecutionPlan struct {
	// ID uniquely identifies the plan.
	ID string `json:"id"`

	// Scope is the scope the graph was resolved in.
	Scope string `json:"scope,omitempty"`

	// Reverse is true for teardown ordering.
	Reverse bool `json:"reverse"`

	// Targets are the requested units; empty means every unit.
	Targets []string `json:"targets,omitempty"`

	// Layers holds unit IDs per layer, each sorted by priority then registration order.
	Layers [][]string `json:"layers"`

	// Dependencies maps each planned unit to its in-plan predecessors.
	Dependencies map[string][]string `json:"dependencies,omitempty"`

	// RemovedEdges lists edges dropped while breaking advisory cycles.
	RemovedEdges []Edge `json:"removed_edges,omitempty"`

	// CreatedAt is when the plan was built.
	CreatedAt time.Time `json:"created_at"`
}

// Len returns the number of units in the plan.
func (p *ExecutionPlan) Len() int {
	n := 0
	for _, layer := range p.Layers {
		n += len(layer)
	}
	return n
}

// Units returns the plan flattened into a topological order.
func (p *ExecutionPlan) Units() []string {
	units := make([]string, 0, p.Len())
	for _, layer := range p.Layers {
		units = append(units, layer...)
	}
	return units
}

// LayerOf returns the layer index of id, or -1.
func (p *ExecutionPlan) LayerOf(id string) int {
	for i, layer := range p.Layers {
		for _, u := range layer {
			if u == id {
				return i
			}
		}
	}
	return -1
}

// Validate checks that every graph edge between planned units points from
// an earlier layer to a later one.
func (p *ExecutionPlan) Validate(graph *DependencyGraph) error {
	index := make(map[string]int, p.Len())
	for i, layer := range p.Layers {
		for _, id := range layer {
			if _, dup := index[id]; dup {
				return fmt.Errorf("unit %s appears more than once in plan", id)
			}
			index[id] = i
		}
	}
	for _, e := range graph.Edges() {
		from, okFrom := index[e.From]
		to, okTo := index[e.To]
		if okFrom && okTo && from >= to {
			return fmt.Errorf("edge %s violates layer order (%d >= %d)", e, from, to)
		}
	}
	return nil
}

// ToDOT renders the plan as a Graphviz digraph with one cluster per layer.
func (p *ExecutionPlan) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph ExecutionPlan {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for i, layer := range p.Layers {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_layer_%d {\n", i))
		sb.WriteString(fmt.Sprintf("    label=\"Layer %d\";\n", i))
		sb.WriteString("    style=dashed;\n")
		for _, id := range layer {
			sb.WriteString(fmt.Sprintf("    %q;\n", id))
		}
		sb.WriteString("  }\n\n")
	}

	for _, id := range p.Units() {
		for _, dep := range p.Dependencies[id] {
			sb.WriteString(fmt.Sprintf("  %q -> %q;\n", dep, id))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// BuildPlan computes the layered execution plan for targets over graph.
//
// Unknown targets are a permanent UNKNOWN_UNIT error. Empty targets plan every
// node of the graph. The dependency closure of the targets is layered Kahn
// style; if units remain but none is ready the result is a
// CIRCULAR_DEPENDENCY error naming them. Within a layer, units are sorted by
// priority descending, ties broken by registration order in registry.
func BuildPlan(graph *DependencyGraph, registry *Registry, targets []string) (*ExecutionPlan, error) {
	if graph == nil {
		return nil, newConfigError(ErrCodeValidation, "dependency graph is nil")
	}

	var unknown []string
	for _, t := range targets {
		if !graph.HasNode(t) {
			unknown = append(unknown, t)
		}
	}
	if len(unknown) > 0 {
		return nil, newConfigError(ErrCodeUnknownUnit,
			fmt.Sprintf("unknown units: %s", strings.Join(unknown, ", "))).
			WithDetail("units", unknown)
	}

	needed := graph.Nodes()
	if len(targets) > 0 {
		needed = graph.Closure(targets)
	}

	inPlan := make(map[string]bool, len(needed))
	for _, id := range needed {
		inPlan[id] = true
	}

	plan := &ExecutionPlan{
		ID:           uuid.New().String(),
		Scope:        graph.Scope,
		Reverse:      graph.Reverse,
		Targets:      append([]string(nil), targets...),
		Dependencies: make(map[string][]string, len(needed)),
		CreatedAt:    time.Now(),
	}

	for _, id := range needed {
		var deps []string
		for _, pred := range graph.Predecessors(id) {
			if inPlan[pred] {
				deps = append(deps, pred)
			}
		}
		if len(deps) > 0 {
			plan.Dependencies[id] = deps
		}
	}

	assigned := make(map[string]bool, len(needed))
	remaining := append([]string(nil), needed...)

	for len(remaining) > 0 {
		var layer, rest []string
		for _, id := range remaining {
			ready := true
			for _, dep := range plan.Dependencies[id] {
				if !assigned[dep] {
					ready = false
					break
				}
			}
			if ready {
				layer = append(layer, id)
			} else {
				rest = append(rest, id)
			}
		}

		if len(layer) == 0 {
			return nil, circularRemainderError(rest)
		}

		sortLayer(layer, registry)
		for _, id := range layer {
			assigned[id] = true
		}
		plan.Layers = append(plan.Layers, layer)
		remaining = rest
	}

	return plan, nil
}

// sortLayer orders a layer by priority descending, then registration order.
func sortLayer(layer []string, registry *Registry) {
	type key struct {
		priority Priority
		order    int
	}
	keys := make(map[string]key, len(layer))
	for _, id := range layer {
		k := key{priority: DefaultPriority, order: int(^uint(0) >> 1)}
		if registry != nil {
			if u, ok := registry.Get(id); ok {
				k.priority = u.Priority
			}
			if o := registry.Order(id); o >= 0 {
				k.order = o
			}
		}
		keys[id] = k
	}
	sort.SliceStable(layer, func(i, j int) bool {
		a, b := keys[layer[i]], keys[layer[j]]
		if a.priority != b.priority {
			return a.priority > b.priority
		}
		return a.order < b.order
	})
}
