package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// DefaultMaxCycles caps cycle enumeration on pathological graphs.
const DefaultMaxCycles = 10000

// FindCycles enumerates the elementary cycles of graph.
//
// Each cycle is reported once, starting at its lexically smallest node and
// following edges in sorted order; the closing edge runs from the last
// element back to the first. At most limit cycles are returned when limit > 0.
//
// Strongly connected components are computed first, so acyclic graphs cost
// a single linear pass. Cycles are then enumerated inside each non-trivial
// component with Johnson's algorithm.
func FindCycles(graph *DependencyGraph, limit int) [][]string {
	nodes := graph.Nodes()
	sort.Strings(nodes)

	rank := make(map[string]int, len(nodes))
	for i, id := range nodes {
		rank[id] = i
	}

	component := make(map[string]int)
	for i, scc := range stronglyConnected(graph, nodes, func(string) bool { return true }) {
		if len(scc) > 1 || graph.HasEdge(scc[0], scc[0]) {
			for _, id := range scc {
				component[id] = i
			}
		}
	}
	if len(component) == 0 {
		return nil
	}

	var cycles [][]string
	full := func() bool { return limit > 0 && len(cycles) >= limit }

	for _, start := range nodes {
		if full() {
			break
		}
		c, ok := component[start]
		if !ok {
			continue
		}

		// the component of start among nodes that sort at or after it
		candidate := func(id string) bool {
			cc, ok := component[id]
			return ok && cc == c && rank[id] >= rank[start]
		}
		sccs := stronglyConnected(graph, []string{start}, candidate)
		// the root's component is completed last
		scc := sccs[len(sccs)-1]
		members := make(map[string]bool, len(scc))
		for _, id := range scc {
			members[id] = true
		}
		if len(members) == 1 && !graph.HasEdge(start, start) {
			continue
		}

		cycles = johnsonCircuits(graph, start, members, cycles, limit)
	}
	return cycles
}

// johnsonCircuits appends every elementary cycle through start that stays
// inside members, stopping once cycles holds limit entries.
func johnsonCircuits(graph *DependencyGraph, start string, members map[string]bool, cycles [][]string, limit int) [][]string {
	full := func() bool { return limit > 0 && len(cycles) >= limit }

	var (
		path    []string
		blocked = make(map[string]bool)
		blockOn = make(map[string]map[string]bool)
	)

	var unblock func(id string)
	unblock = func(id string) {
		blocked[id] = false
		for w := range blockOn[id] {
			delete(blockOn[id], w)
			if blocked[w] {
				unblock(w)
			}
		}
	}

	var circuit func(node string) bool
	circuit = func(node string) bool {
		found := false
		path = append(path, node)
		blocked[node] = true

		for _, next := range graph.Successors(node) {
			if full() {
				break
			}
			if !members[next] {
				continue
			}
			if next == start {
				cycles = append(cycles, append([]string(nil), path...))
				found = true
			} else if !blocked[next] && circuit(next) {
				found = true
			}
		}

		if found {
			unblock(node)
		} else {
			for _, next := range graph.Successors(node) {
				if !members[next] {
					continue
				}
				if blockOn[next] == nil {
					blockOn[next] = make(map[string]bool)
				}
				blockOn[next][node] = true
			}
		}

		path = path[:len(path)-1]
		return found
	}

	circuit(start)
	return cycles
}

// stronglyConnected returns the strongly connected components reachable
// from roots in the subgraph of nodes accepted by include, using Tarjan's
// algorithm.
func stronglyConnected(graph *DependencyGraph, roots []string, include func(string) bool) [][]string {
	var (
		index   = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		stack   []string
		sccs    [][]string
		counter int
	)

	var connect func(id string)
	connect = func(id string) {
		index[id] = counter
		lowlink[id] = counter
		counter++
		stack = append(stack, id)
		onStack[id] = true

		for _, next := range graph.Successors(id) {
			if !include(next) {
				continue
			}
			if _, seen := index[next]; !seen {
				connect(next)
				lowlink[id] = min(lowlink[id], lowlink[next])
			} else if onStack[next] {
				lowlink[id] = min(lowlink[id], index[next])
			}
		}

		if lowlink[id] == index[id] {
			var scc []string
			for {
				top := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[top] = false
				scc = append(scc, top)
				if top == id {
					break
				}
			}
			sort.Strings(scc)
			sccs = append(sccs, scc)
		}
	}

	for _, id := range roots {
		if _, seen := index[id]; !seen && include(id) {
			connect(id)
		}
	}
	return sccs
}

// CycleHandler detects cycles and applies the authoritative or advisory policy.
type CycleHandler struct {
	maxCycles int
	logger    zerolog.Logger
}

// NewCycleHandler creates a cycle handler. maxCycles <= 0 uses DefaultMaxCycles.
func NewCycleHandler(maxCycles int, logger zerolog.Logger) *CycleHandler {
	if maxCycles <= 0 {
		maxCycles = DefaultMaxCycles
	}
	return &CycleHandler{
		maxCycles: maxCycles,
		logger:    logger.With().Str("component", "cycles").Logger(),
	}
}

// Sanitize applies mode to graph and returns the resulting graph with the
// edges that were removed. The input graph is never modified.
//
// Authoritative: any cycle is a permanent CIRCULAR_DEPENDENCY error naming
// the units involved. Advisory: for each detected cycle the edge from its
// last node back to its first is removed in a single pass; cycles still
// present afterwards are logged.
func (h *CycleHandler) Sanitize(graph *DependencyGraph, mode CycleMode) (*DependencyGraph, []Edge, error) {
	if err := mode.Validate(); err != nil {
		return nil, nil, NewPermanentError("invalid cycle mode", err).WithCode(ErrCodeValidation)
	}

	cycles := FindCycles(graph, h.maxCycles)
	if len(cycles) == 0 {
		return graph.Clone(), nil, nil
	}

	if mode == CycleModeAuthoritative {
		return nil, nil, circularDependencyError(cycles)
	}

	sanitized := graph.Clone()
	var removed []Edge
	for _, cycle := range cycles {
		edge := Edge{From: cycle[len(cycle)-1], To: cycle[0]}
		if sanitized.RemoveEdge(edge.From, edge.To) {
			removed = append(removed, edge)
			h.logger.Warn().
				Str("scope", graph.Scope).
				Str("cycle", formatCycle(cycle)).
				Str("removed_edge", edge.String()).
				Msg("Breaking dependency cycle")
		}
	}

	if residual := FindCycles(sanitized, h.maxCycles); len(residual) > 0 {
		for _, cycle := range residual {
			h.logger.Error().
				Str("scope", graph.Scope).
				Str("cycle", formatCycle(cycle)).
				Msg("Dependency cycle remains after sanitizing")
		}
	}

	return sanitized, removed, nil
}

func circularDependencyError(cycles [][]string) *EngineError {
	seen := make(map[string]bool)
	var units []string
	formatted := make([]string, 0, len(cycles))
	for _, cycle := range cycles {
		formatted = append(formatted, formatCycle(cycle))
		for _, id := range cycle {
			if !seen[id] {
				seen[id] = true
				units = append(units, id)
			}
		}
	}
	sort.Strings(units)

	return newConfigError(ErrCodeCircularDependency,
		fmt.Sprintf("circular dependency detected: %s", formatted[0])).
		WithDetail("units", units).
		WithDetail("cycles", formatted)
}

// circularRemainderError reports units that could not be layered.
func circularRemainderError(remaining []string) *EngineError {
	sorted := append([]string(nil), remaining...)
	sort.Strings(sorted)
	return newConfigError(ErrCodeCircularDependency,
		fmt.Sprintf("circular dependency detected among units: %s", strings.Join(sorted, ", "))).
		WithDetail("units", sorted)
}
