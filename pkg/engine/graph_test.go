package engine

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDependencyGraph_EdgesAndNeighbours(t *testing.T) {
	g := NewDependencyGraph("dev", false)
	g.AddNode("vpc")
	g.AddEdge("vpc", "subnet")
	g.AddEdge("subnet", "db")
	g.AddEdge("vpc", "db")

	if g.Len() != 3 {
		t.Errorf("Expected 3 nodes, got %d", g.Len())
	}
	if g.EdgeCount() != 3 {
		t.Errorf("Expected 3 edges, got %d", g.EdgeCount())
	}
	if diff := cmp.Diff([]string{"subnet", "vpc"}, g.Predecessors("db")); diff != "" {
		t.Errorf("Predecessors mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"db", "subnet"}, g.Successors("vpc")); diff != "" {
		t.Errorf("Successors mismatch (-want +got):\n%s", diff)
	}

	if !g.RemoveEdge("vpc", "db") {
		t.Error("Expected edge to be removed")
	}
	if g.RemoveEdge("vpc", "db") {
		t.Error("Expected second removal to report false")
	}
}

func TestDependencyGraph_CloneIsIndependent(t *testing.T) {
	g := NewDependencyGraph("dev", false)
	g.AddEdge("a", "b")

	c := g.Clone()
	c.AddEdge("b", "c")

	if g.HasNode("c") {
		t.Error("Expected original graph to be unaffected by clone mutation")
	}
	if !c.HasEdge("a", "b") {
		t.Error("Expected clone to keep original edges")
	}
}

func TestDependencyGraph_Closure(t *testing.T) {
	g := NewDependencyGraph("", false)
	g.AddEdge("vpc", "subnet")
	g.AddEdge("subnet", "db")
	g.AddEdge("vpc", "dns")
	g.AddNode("unrelated")

	got := g.Closure([]string{"db"})
	if diff := cmp.Diff([]string{"vpc", "subnet", "db"}, got); diff != "" {
		t.Errorf("Closure mismatch (-want +got):\n%s", diff)
	}
}

func TestDependencyGraph_Subgraph(t *testing.T) {
	g := NewDependencyGraph("dev", true)
	g.AddEdge("vpc", "subnet")
	g.AddEdge("subnet", "db")
	g.AddEdge("vpc", "dns")

	sub := g.Subgraph([]string{"db", "vpc", "subnet"})
	if diff := cmp.Diff([]string{"vpc", "subnet", "db"}, sub.Nodes()); diff != "" {
		t.Errorf("Nodes mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]Edge{{"subnet", "db"}, {"vpc", "subnet"}}, sub.Edges()); diff != "" {
		t.Errorf("Edges mismatch (-want +got):\n%s", diff)
	}
	if sub.Scope != "dev" || !sub.Reverse {
		t.Errorf("Expected scope and direction to be kept, got %q reverse=%v", sub.Scope, sub.Reverse)
	}
	if !g.HasNode("dns") {
		t.Error("Expected original graph to be unchanged")
	}
}

func TestDependencyGraph_JSONRoundTrip(t *testing.T) {
	g := NewDependencyGraph("acme-prod-use1", true)
	g.AddEdge("db", "subnet")
	g.AddNode("lonely")

	data, err := json.Marshal(g)
	if err != nil {
		t.Fatalf("Failed to marshal graph: %v", err)
	}

	var decoded DependencyGraph
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Failed to unmarshal graph: %v", err)
	}
	if decoded.Scope != g.Scope || !decoded.Reverse {
		t.Errorf("Expected scope/reverse preserved, got %q/%v", decoded.Scope, decoded.Reverse)
	}
	if diff := cmp.Diff(g.Edges(), decoded.Edges()); diff != "" {
		t.Errorf("Edges mismatch (-want +got):\n%s", diff)
	}
	if !decoded.HasNode("lonely") {
		t.Error("Expected isolated node to survive round trip")
	}
}

func TestDependencyGraph_ToDOT(t *testing.T) {
	g := NewDependencyGraph("", false)
	g.AddEdge("vpc", "subnet")

	dot := g.ToDOT()
	if !strings.Contains(dot, `"vpc" -> "subnet"`) {
		t.Errorf("Expected edge in DOT output, got:\n%s", dot)
	}
}

func TestMemoryCache(t *testing.T) {
	cache := NewMemoryCache()
	g := NewDependencyGraph("dev", false)
	g.AddEdge("a", "b")

	cache.Set(CacheKey{Scope: "dev"}, g)
	cache.Set(CacheKey{Scope: "dev", Reverse: true}, g)
	cache.Set(CacheKey{Scope: "prod"}, g)

	got, ok := cache.Get(CacheKey{Scope: "dev"})
	if !ok || !got.HasEdge("a", "b") {
		t.Fatal("Expected cached graph")
	}
	got.AddEdge("b", "c")
	again, _ := cache.Get(CacheKey{Scope: "dev"})
	if again.HasNode("c") {
		t.Error("Expected cache to hand out copies")
	}

	want := []CacheKey{{Scope: "dev"}, {Scope: "dev", Reverse: true}, {Scope: "prod"}}
	if diff := cmp.Diff(want, cache.Keys()); diff != "" {
		t.Errorf("Keys mismatch (-want +got):\n%s", diff)
	}

	cache.Delete(CacheKey{Scope: "prod"})
	if _, ok := cache.Get(CacheKey{Scope: "prod"}); ok {
		t.Error("Expected prod key to be deleted")
	}

	cache.Clear()
	if len(cache.Keys()) != 0 {
		t.Errorf("Expected empty cache, got %v", cache.Keys())
	}
	if (CacheKey{Scope: "dev", Reverse: true}).String() != "dev:true" {
		t.Error("Expected key string dev:true")
	}
}
