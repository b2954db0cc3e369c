package engine

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
)

func graphFromDeps(deps map[string][]string) *DependencyGraph {
	g := NewDependencyGraph("", false)
	for id, ds := range deps {
		g.AddNode(id)
		for _, d := range ds {
			g.AddEdge(d, id)
		}
	}
	return g
}

func TestFindCycles(t *testing.T) {
	tests := []struct {
		name  string
		edges []Edge
		want  [][]string
	}{
		{
			name:  "acyclic",
			edges: []Edge{{"a", "b"}, {"b", "c"}},
			want:  nil,
		},
		{
			name:  "two node cycle",
			edges: []Edge{{"a", "b"}, {"b", "a"}},
			want:  [][]string{{"a", "b"}},
		},
		{
			name:  "self loop",
			edges: []Edge{{"a", "a"}},
			want:  [][]string{{"a"}},
		},
		{
			name:  "overlapping cycles",
			edges: []Edge{{"a", "b"}, {"b", "a"}, {"b", "c"}, {"c", "a"}},
			want:  [][]string{{"a", "b"}, {"a", "b", "c"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewDependencyGraph("", false)
			for _, e := range tt.edges {
				g.AddEdge(e.From, e.To)
			}
			if diff := cmp.Diff(tt.want, FindCycles(g, 0)); diff != "" {
				t.Errorf("Cycles mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFindCycles_Limit(t *testing.T) {
	g := NewDependencyGraph("", false)
	g.AddEdge("a", "b")
	g.AddEdge("b", "a")
	g.AddEdge("c", "d")
	g.AddEdge("d", "c")

	if got := FindCycles(g, 1); len(got) != 1 {
		t.Errorf("Expected 1 cycle with limit, got %d", len(got))
	}
}

func TestFindCycles_CompleteGraph(t *testing.T) {
	g := NewDependencyGraph("", false)
	ids := []string{"a", "b", "c", "d", "e"}
	for _, from := range ids {
		for _, to := range ids {
			if from != to {
				g.AddEdge(from, to)
			}
		}
	}

	// sum over k of C(5,k) * (k-1)! for k = 2..5
	cycles := FindCycles(g, 0)
	if len(cycles) != 84 {
		t.Fatalf("Expected 84 elementary cycles, got %d", len(cycles))
	}
	seen := make(map[string]bool)
	for _, c := range cycles {
		key := strings.Join(c, ",")
		if seen[key] {
			t.Errorf("Cycle %s reported twice", key)
		}
		seen[key] = true
		for _, id := range c[1:] {
			if id < c[0] {
				t.Errorf("Cycle %s does not start at its smallest node", key)
			}
		}
	}
}

// layeredDAG builds depth layers of width units, each depending on every
// unit of the previous layer.
func layeredDAG(depth, width int) *DependencyGraph {
	g := NewDependencyGraph("", false)
	for l := 0; l < depth; l++ {
		for w := 0; w < width; w++ {
			id := fmt.Sprintf("l%02d-u%d", l, w)
			g.AddNode(id)
			if l == 0 {
				continue
			}
			for p := 0; p < width; p++ {
				g.AddEdge(fmt.Sprintf("l%02d-u%d", l-1, p), id)
			}
		}
	}
	return g
}

func TestFindCycles_WideAcyclicGraph(t *testing.T) {
	g := layeredDAG(24, 4)

	done := make(chan [][]string, 1)
	go func() { done <- FindCycles(g, 0) }()

	select {
	case cycles := <-done:
		if len(cycles) != 0 {
			t.Errorf("Expected no cycles, got %v", cycles)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("FindCycles on an acyclic 96-node graph did not finish")
	}
}

func TestFindCycles_CycleBehindWideGraph(t *testing.T) {
	g := layeredDAG(24, 4)
	g.AddEdge("l23-u0", "l00-u0")

	done := make(chan [][]string, 1)
	go func() { done <- FindCycles(g, 1) }()

	select {
	case cycles := <-done:
		if len(cycles) != 1 || cycles[0][0] != "l00-u0" {
			t.Errorf("Expected one cycle through l00-u0, got %v", cycles)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("FindCycles with a limit did not finish")
	}
}

func TestCycleHandler_Authoritative(t *testing.T) {
	h := NewCycleHandler(0, zerolog.Nop())
	g := graphFromDeps(map[string][]string{"a": {"b"}, "b": {"a"}})

	_, _, err := h.Sanitize(g, CycleModeAuthoritative)
	if err == nil {
		t.Fatal("Expected circular dependency error")
	}
	if !HasCode(err, ErrCodeCircularDependency) {
		t.Errorf("Expected CIRCULAR_DEPENDENCY code, got: %v", err)
	}
	if !strings.Contains(err.Error(), "a -> b -> a") {
		t.Errorf("Expected error to name the cycle, got: %v", err)
	}
}

func TestCycleHandler_AdvisoryRemovesClosingEdge(t *testing.T) {
	h := NewCycleHandler(0, zerolog.Nop())
	g := NewDependencyGraph("", false)
	g.AddEdge("a", "b")
	g.AddEdge("b", "c")
	g.AddEdge("c", "a")

	sanitized, removed, err := h.Sanitize(g, CycleModeAdvisory)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if diff := cmp.Diff([]Edge{{From: "c", To: "a"}}, removed); diff != "" {
		t.Errorf("Removed edges mismatch (-want +got):\n%s", diff)
	}
	if sanitized.HasEdge("c", "a") {
		t.Error("Expected closing edge to be removed")
	}
	if !g.HasEdge("c", "a") {
		t.Error("Expected input graph to be left untouched")
	}
}

func TestCycleHandler_AcyclicUnchanged(t *testing.T) {
	h := NewCycleHandler(0, zerolog.Nop())
	g := graphFromDeps(map[string][]string{"vpc": {}, "subnet": {"vpc"}})

	for _, mode := range []CycleMode{CycleModeAuthoritative, CycleModeAdvisory} {
		sanitized, removed, err := h.Sanitize(g, mode)
		if err != nil {
			t.Fatalf("%s: expected no error, got: %v", mode, err)
		}
		if len(removed) != 0 {
			t.Errorf("%s: expected nothing removed, got %v", mode, removed)
		}
		if diff := cmp.Diff(g.Edges(), sanitized.Edges()); diff != "" {
			t.Errorf("%s: edges mismatch (-want +got):\n%s", mode, diff)
		}
	}
}

func TestCycleHandler_InvalidMode(t *testing.T) {
	h := NewCycleHandler(0, zerolog.Nop())
	if _, _, err := h.Sanitize(NewDependencyGraph("", false), "strict"); err == nil {
		t.Error("Expected error for invalid mode")
	}
}

// Advisory sanitizing terminates, leaves no cycles and is idempotent.
func TestCycleHandler_AdvisoryIdempotent(t *testing.T) {
	h := NewCycleHandler(0, zerolog.Nop())
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 50; i++ {
		g := NewDependencyGraph("", false)
		n := 3 + rng.Intn(5)
		for j := 0; j < n; j++ {
			g.AddNode(fmt.Sprintf("u%d", j))
		}
		for j := 0; j < n*2; j++ {
			from := fmt.Sprintf("u%d", rng.Intn(n))
			to := fmt.Sprintf("u%d", rng.Intn(n))
			g.AddEdge(from, to)
		}

		once, _, err := h.Sanitize(g, CycleModeAdvisory)
		if err != nil {
			t.Fatalf("graph %d: unexpected error: %v", i, err)
		}
		if cycles := FindCycles(once, 0); len(cycles) != 0 {
			t.Fatalf("graph %d: expected no residual cycles, got %v", i, cycles)
		}

		twice, removed, err := h.Sanitize(once, CycleModeAdvisory)
		if err != nil {
			t.Fatalf("graph %d: unexpected error on second pass: %v", i, err)
		}
		if len(removed) != 0 {
			t.Errorf("graph %d: second pass removed %v", i, removed)
		}
		if diff := cmp.Diff(once.Edges(), twice.Edges()); diff != "" {
			t.Errorf("graph %d: edges changed on second pass (-first +second):\n%s", i, diff)
		}
	}
}
