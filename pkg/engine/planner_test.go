package engine

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestBuildPlan_LinearChain(t *testing.T) {
	reg := NewRegistry().MustRegister(
		Unit{ID: "vpc"},
		Unit{ID: "subnet", Dependencies: []string{"vpc"}},
		Unit{ID: "db", Dependencies: []string{"subnet"}},
	)
	g := graphFromRegistry(reg)

	plan, err := BuildPlan(g, reg, []string{"db"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	want := [][]string{{"vpc"}, {"subnet"}, {"db"}}
	if diff := cmp.Diff(want, plan.Layers); diff != "" {
		t.Errorf("Layers mismatch (-want +got):\n%s", diff)
	}
	if plan.LayerOf("subnet") != 1 {
		t.Errorf("Expected subnet in layer 1, got %d", plan.LayerOf("subnet"))
	}
	if diff := cmp.Diff([]string{"subnet"}, plan.Dependencies["db"]); diff != "" {
		t.Errorf("Dependencies mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildPlan_ClosureExcludesUnrelatedUnits(t *testing.T) {
	reg := NewRegistry().MustRegister(
		Unit{ID: "vpc"},
		Unit{ID: "subnet", Dependencies: []string{"vpc"}},
		Unit{ID: "dns"},
		Unit{ID: "cdn", Dependencies: []string{"dns"}},
	)

	plan, err := BuildPlan(graphFromRegistry(reg), reg, []string{"subnet"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if diff := cmp.Diff([]string{"vpc", "subnet"}, plan.Units()); diff != "" {
		t.Errorf("Units mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildPlan_EmptyTargetsPlanEverything(t *testing.T) {
	reg := NewRegistry().MustRegister(Unit{ID: "a"}, Unit{ID: "b"}, Unit{ID: "c", Dependencies: []string{"a"}})

	plan, err := BuildPlan(graphFromRegistry(reg), reg, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if plan.Len() != 3 {
		t.Errorf("Expected 3 units, got %d", plan.Len())
	}
	if diff := cmp.Diff([][]string{{"a", "b"}, {"c"}}, plan.Layers); diff != "" {
		t.Errorf("Layers mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildPlan_LayerSortedByPriorityThenRegistration(t *testing.T) {
	reg := NewRegistry().MustRegister(
		Unit{ID: "low", Priority: PriorityLow},
		Unit{ID: "med1"},
		Unit{ID: "crit", Priority: PriorityCritical},
		Unit{ID: "med2"},
		Unit{ID: "high", Priority: PriorityHigh},
	)

	plan, err := BuildPlan(graphFromRegistry(reg), reg, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	want := [][]string{{"crit", "high", "med1", "med2", "low"}}
	if diff := cmp.Diff(want, plan.Layers); diff != "" {
		t.Errorf("Layers mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildPlan_UnknownTarget(t *testing.T) {
	reg := NewRegistry().MustRegister(Unit{ID: "a"})

	_, err := BuildPlan(graphFromRegistry(reg), reg, []string{"a", "ghost"})
	if !HasCode(err, ErrCodeUnknownUnit) {
		t.Fatalf("Expected unknown unit error, got: %v", err)
	}
	if !strings.Contains(err.Error(), "ghost") {
		t.Errorf("Expected error to name ghost, got: %v", err)
	}
}

func TestBuildPlan_CircularDependency(t *testing.T) {
	reg := NewRegistry().MustRegister(
		Unit{ID: "a", Dependencies: []string{"b"}},
		Unit{ID: "b", Dependencies: []string{"a"}},
	)

	_, err := BuildPlan(graphFromRegistry(reg), reg, []string{"a"})
	if err == nil {
		t.Fatal("Expected circular dependency error")
	}
	if !HasCode(err, ErrCodeCircularDependency) {
		t.Errorf("Expected CIRCULAR_DEPENDENCY, got: %v", err)
	}
	if !strings.Contains(err.Error(), "a, b") {
		t.Errorf("Expected error to name a and b, got: %v", err)
	}
}

func TestBuildPlan_NilGraph(t *testing.T) {
	if _, err := BuildPlan(nil, nil, nil); err == nil {
		t.Error("Expected error for nil graph")
	}
}

// Flattening any plan of an acyclic graph yields a valid topological order.
func TestBuildPlan_RandomDAGsAreTopological(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 100; i++ {
		n := 1 + rng.Intn(20)
		reg := NewRegistry()
		for j := 0; j < n; j++ {
			var deps []string
			for k := 0; k < j; k++ {
				if rng.Intn(4) == 0 {
					deps = append(deps, fmt.Sprintf("u%02d", k))
				}
			}
			reg.MustRegister(Unit{
				ID:           fmt.Sprintf("u%02d", j),
				Dependencies: deps,
				Priority:     Priority(1 + rng.Intn(4)),
			})
		}
		g := graphFromRegistry(reg)

		plan, err := BuildPlan(g, reg, nil)
		if err != nil {
			t.Fatalf("dag %d: unexpected error: %v", i, err)
		}
		if plan.Len() != n {
			t.Fatalf("dag %d: expected %d units, got %d", i, n, plan.Len())
		}
		if err := plan.Validate(g); err != nil {
			t.Fatalf("dag %d: invalid plan: %v", i, err)
		}

		target := fmt.Sprintf("u%02d", rng.Intn(n))
		partial, err := BuildPlan(g, reg, []string{target})
		if err != nil {
			t.Fatalf("dag %d: unexpected error for target %s: %v", i, target, err)
		}
		if err := partial.Validate(g); err != nil {
			t.Fatalf("dag %d: invalid partial plan: %v", i, err)
		}
		if partial.LayerOf(target) != len(partial.Layers)-1 {
			t.Errorf("dag %d: expected target %s in last layer", i, target)
		}
	}
}

func TestExecutionPlan_ToDOT(t *testing.T) {
	reg := NewRegistry().MustRegister(Unit{ID: "vpc"}, Unit{ID: "subnet", Dependencies: []string{"vpc"}})
	plan, err := BuildPlan(graphFromRegistry(reg), reg, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	dot := plan.ToDOT()
	for _, want := range []string{"cluster_layer_0", "cluster_layer_1", `"vpc" -> "subnet"`} {
		if !strings.Contains(dot, want) {
			t.Errorf("Expected DOT output to contain %q", want)
		}
	}
}

func graphFromRegistry(reg *Registry) *DependencyGraph {
	g := NewDependencyGraph("", false)
	for _, u := range reg.Units() {
		g.AddNode(u.ID)
	}
	for _, u := range reg.Units() {
		for _, d := range u.Dependencies {
			g.AddEdge(d, u.ID)
		}
	}
	return g
}
