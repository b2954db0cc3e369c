package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Edge is an ordered pair (From, To) meaning From must complete before To.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// String formats the edge as "from -> to".
func (e Edge) String() string {
	return e.From + " -> " + e.To
}

// DependencyGraph is a directed graph over unit IDs.
// It is not safe for concurrent mutation; resolved graphs handed out by the
// resolver are private copies.
type DependencyGraph struct {
	// Scope is the scope the graph was resolved in.
	Scope string

	// Reverse is true when edges were inverted for teardown ordering.
	Reverse bool

	// nodes preserves insertion order
	nodes   []string
	nodeSet map[string]bool

	// successors maps a node to the nodes that must run after it
	successors map[string]map[string]bool

	// predecessors maps a node to the nodes that must run before it
	predecessors map[string]map[string]bool
}

// NewDependencyGraph creates an empty graph.
func NewDependencyGraph(scope string, reverse bool) *DependencyGraph {
	return &DependencyGraph{
		Scope:        scope,
		Reverse:      reverse,
		nodeSet:      make(map[string]bool),
		successors:   make(map[string]map[string]bool),
		predecessors: make(map[string]map[string]bool),
	}
}

// AddNode adds a node; adding an existing node is a no-op.
func (g *DependencyGraph) AddNode(id string) {
	if g.nodeSet[id] {
		return
	}
	g.nodeSet[id] = true
	g.nodes = append(g.nodes, id)
	g.successors[id] = make(map[string]bool)
	g.predecessors[id] = make(map[string]bool)
}

// AddEdge adds from -> to, creating missing nodes.
func (g *DependencyGraph) AddEdge(from, to string) {
	g.AddNode(from)
	g.AddNode(to)
	g.successors[from][to] = true
	g.predecessors[to][from] = true
}

// RemoveEdge removes from -> to and reports whether it existed.
func (g *DependencyGraph) RemoveEdge(from, to string) bool {
	if !g.HasEdge(from, to) {
		return false
	}
	delete(g.successors[from], to)
	delete(g.predecessors[to], from)
	return true
}

// HasNode reports whether id is in the graph.
func (g *DependencyGraph) HasNode(id string) bool {
	return g.nodeSet[id]
}

// HasEdge reports whether from -> to is in the graph.
func (g *DependencyGraph) HasEdge(from, to string) bool {
	return g.successors[from][to]
}

// Nodes returns the node IDs in insertion order.
func (g *DependencyGraph) Nodes() []string {
	return append([]string(nil), g.nodes...)
}

// Len returns the number of nodes.
func (g *DependencyGraph) Len() int {
	return len(g.nodes)
}

// EdgeCount returns the number of edges.
func (g *DependencyGraph) EdgeCount() int {
	n := 0
	for _, succ := range g.successors {
		n += len(succ)
	}
	return n
}

// Edges returns every edge sorted by (From, To).
func (g *DependencyGraph) Edges() []Edge {
	edges := make([]Edge, 0, g.EdgeCount())
	for from, succ := range g.successors {
		for to := range succ {
			edges = append(edges, Edge{From: from, To: to})
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		return edges[i].To < edges[j].To
	})
	return edges
}

// Successors returns the sorted nodes that must run after id.
func (g *DependencyGraph) Successors(id string) []string {
	return sortedKeys(g.successors[id])
}

// Predecessors returns the sorted nodes that must run before id.
func (g *DependencyGraph) Predecessors(id string) []string {
	return sortedKeys(g.predecessors[id])
}

// Clone returns a deep copy of the graph.
func (g *DependencyGraph) Clone() *DependencyGraph {
	c := NewDependencyGraph(g.Scope, g.Reverse)
	for _, id := range g.nodes {
		c.AddNode(id)
	}
	for from, succ := range g.successors {
		for to := range succ {
			c.AddEdge(from, to)
		}
	}
	return c
}

// Subgraph returns the graph induced by ids: those nodes and every edge
// between two of them.
func (g *DependencyGraph) Subgraph(ids []string) *DependencyGraph {
	keep := make(map[string]bool, len(ids))
	for _, id := range ids {
		keep[id] = true
	}

	sub := NewDependencyGraph(g.Scope, g.Reverse)
	for _, id := range g.nodes {
		if keep[id] {
			sub.AddNode(id)
		}
	}
	for from, succ := range g.successors {
		if !keep[from] {
			continue
		}
		for to := range succ {
			if keep[to] {
				sub.AddEdge(from, to)
			}
		}
	}
	return sub
}

// Closure returns the targets plus every node reachable by walking
// predecessor edges from them, in graph insertion order.
func (g *DependencyGraph) Closure(targets []string) []string {
	needed := make(map[string]bool)
	stack := append([]string(nil), targets...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if needed[id] {
			continue
		}
		needed[id] = true
		for pred := range g.predecessors[id] {
			if !needed[pred] {
				stack = append(stack, pred)
			}
		}
	}

	closure := make([]string, 0, len(needed))
	for _, id := range g.nodes {
		if needed[id] {
			closure = append(closure, id)
		}
	}
	return closure
}

type graphJSON struct {
	Scope   string   `json:"scope,omitempty"`
	Reverse bool     `json:"reverse"`
	Nodes   []string `json:"nodes"`
	Edges   []Edge   `json:"edges"`
}

// MarshalJSON encodes the graph as node and edge lists.
func (g *DependencyGraph) MarshalJSON() ([]byte, error) {
	return json.Marshal(graphJSON{
		Scope:   g.Scope,
		Reverse: g.Reverse,
		Nodes:   g.Nodes(),
		Edges:   g.Edges(),
	})
}

// UnmarshalJSON decodes a graph produced by MarshalJSON.
func (g *DependencyGraph) UnmarshalJSON(data []byte) error {
	var raw graphJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*g = *NewDependencyGraph(raw.Scope, raw.Reverse)
	for _, id := range raw.Nodes {
		g.AddNode(id)
	}
	for _, e := range raw.Edges {
		g.AddEdge(e.From, e.To)
	}
	return nil
}

// ToDOT renders the graph in Graphviz DOT format.
func (g *DependencyGraph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph DependencyGraph {\n")
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")
	for _, id := range g.nodes {
		sb.WriteString(fmt.Sprintf("  %q;\n", id))
	}
	sb.WriteString("\n")
	for _, e := range g.Edges() {
		sb.WriteString(fmt.Sprintf("  %q -> %q;\n", e.From, e.To))
	}
	sb.WriteString("}\n")
	return sb.String()
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// formatCycle formats a cycle path for error messages, closing the loop.
func formatCycle(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	return strings.Join(append(append([]string(nil), cycle...), cycle[0]), " -> ")
}
