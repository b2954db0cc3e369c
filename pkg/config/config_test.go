package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/openfroyo/gaia/pkg/engine"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return path
}

func unitIDs(file *UnitsFile) []string {
	ids := make([]string, len(file.Units))
	for i, u := range file.Units {
		ids[i] = u.ID
	}
	return ids
}

func TestCUEParser_ParseInline(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantIDs []string
		wantErr bool
	}{
		{
			name: "list form",
			content: `
scope: "dev"
units: [
	{id: "vpc", command: "terraform"},
	{id: "subnet", command: "terraform", depends_on: ["vpc"]},
]`,
			wantIDs: []string{"vpc", "subnet"},
		},
		{
			name: "struct form keeps declaration order",
			content: `
scope: "dev"
units: {
	"validate-dev": {command: "atmos"}
	vpc: {command: "terraform"}
}`,
			wantIDs: []string{"validate-dev", "vpc"},
		},
		{
			name:    "syntax error",
			content: `scope: "dev" units: [`,
			wantErr: true,
		},
	}

	parser := NewCUEParser(NewSchemaRegistry())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			file, err := parser.ParseInline(tt.content)
			if tt.wantErr {
				if err == nil {
					t.Fatal("Expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseInline failed: %v", err)
			}
			if file.Scope != "dev" {
				t.Errorf("Expected scope dev, got %q", file.Scope)
			}
			if diff := cmp.Diff(tt.wantIDs, unitIDs(file)); diff != "" {
				t.Errorf("Unit IDs mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseYAML(t *testing.T) {
	data := []byte(`
scope: prod
defaults:
  timeout: 10m
  max_retries: 1
units:
  - id: vpc
    command: terraform
    args: [apply, vpc]
    priority: critical
  - id: db
    command: terraform
    depends_on: [vpc]
    max_retries: 0
`)

	file, err := ParseYAML(data, "units.yaml")
	if err != nil {
		t.Fatalf("ParseYAML failed: %v", err)
	}

	units, err := file.ToUnits()
	if err != nil {
		t.Fatalf("ToUnits failed: %v", err)
	}
	if len(units) != 2 {
		t.Fatalf("Expected 2 units, got %d", len(units))
	}

	vpc, db := units[0], units[1]
	if vpc.Priority != engine.PriorityCritical {
		t.Errorf("Expected critical priority, got %s", vpc.Priority)
	}
	if vpc.Timeout != 10*time.Minute {
		t.Errorf("Expected default timeout 10m, got %v", vpc.Timeout)
	}
	if vpc.MaxRetries != 1 {
		t.Errorf("Expected default max retries 1, got %d", vpc.MaxRetries)
	}
	if db.MaxRetries != 0 {
		t.Errorf("Expected explicit max retries 0, got %d", db.MaxRetries)
	}
	if vpc.Scope != "prod" {
		t.Errorf("Expected scope prod, got %q", vpc.Scope)
	}
	if diff := cmp.Diff([]string{"apply", "vpc"}, vpc.Action.Args); diff != "" {
		t.Errorf("Args mismatch (-want +got):\n%s", diff)
	}
}

func TestParseYAML_UnknownField(t *testing.T) {
	_, err := ParseYAML([]byte("scope: dev\nunits:\n  - id: a\n    command: x\n    dependson: [b]\n"), "bad.yaml")
	if err == nil {
		t.Fatal("Expected unknown field error")
	}
	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Errorf("Expected ValidationErrors, got %T", err)
	}
}

func TestToUnits_DefaultRetries(t *testing.T) {
	file := &UnitsFile{Scope: "dev", Units: []UnitConfig{{ID: "a", Command: "true"}}}
	units, err := file.ToUnits()
	if err != nil {
		t.Fatalf("ToUnits failed: %v", err)
	}
	if units[0].MaxRetries != engine.DefaultMaxRetries {
		t.Errorf("Expected %d retries, got %d", engine.DefaultMaxRetries, units[0].MaxRetries)
	}
}

func TestStarlarkEvaluator(t *testing.T) {
	script := `
scope("dev")
vpc = unit(id = "vpc", command = "terraform", args = ["apply", "vpc"], priority = "critical")
for s in STACKS:
    unit(id = "plan-" + s, command = "atmos", args = ["terraform", "plan", "-s", s], depends_on = [vpc], max_retries = 0)
`
	se := NewStarlarkEvaluator(5 * time.Second)
	file, err := se.Evaluate(context.Background(), "units.star", script, map[string]interface{}{
		"STACKS": []string{"dev-a", "dev-b"},
	})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	if file.Scope != "dev" {
		t.Errorf("Expected scope dev, got %q", file.Scope)
	}
	if diff := cmp.Diff([]string{"vpc", "plan-dev-a", "plan-dev-b"}, unitIDs(file)); diff != "" {
		t.Errorf("Unit IDs mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"vpc"}, file.Units[1].DependsOn); diff != "" {
		t.Errorf("Dependencies mismatch (-want +got):\n%s", diff)
	}
	if file.Units[1].MaxRetries == nil || *file.Units[1].MaxRetries != 0 {
		t.Error("Expected explicit max_retries=0")
	}
}

func TestStarlarkEvaluator_ScopeVariable(t *testing.T) {
	se := NewStarlarkEvaluator(0)
	file, err := se.Evaluate(context.Background(), "units.star", `SCOPE = "qa"
unit(id = "a", command = "true")`, nil)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if file.Scope != "qa" {
		t.Errorf("Expected scope qa, got %q", file.Scope)
	}
}

func TestStarlarkEvaluator_Timeout(t *testing.T) {
	se := NewStarlarkEvaluator(50 * time.Millisecond)
	script := `
def spin():
    n = 0
    for i in range(1000000000):
        n += i
    return n
spin()
`
	_, err := se.Evaluate(context.Background(), "loop.star", script, nil)
	if err == nil {
		t.Fatal("Expected timeout error")
	}
}

func TestStarlarkEvaluator_BadArgs(t *testing.T) {
	se := NewStarlarkEvaluator(0)
	_, err := se.Evaluate(context.Background(), "bad.star", `unit(id = "a", command = "x", depends_on = [1])`, nil)
	if err == nil {
		t.Fatal("Expected error for non-string dependency")
	}
}

func TestLoader_Formats(t *testing.T) {
	dir := t.TempDir()
	paths := map[string]string{
		"cue": writeFile(t, dir, "units.cue", `scope: "dev"
units: [{id: "vpc", command: "terraform"}, {id: "db", command: "terraform", depends_on: ["vpc"]}]
`),
		"yaml": writeFile(t, dir, "units.yaml", `scope: dev
units:
  - {id: vpc, command: terraform}
  - {id: db, command: terraform, depends_on: [vpc]}
`),
		"star": writeFile(t, dir, "units.star", `scope("dev")
unit(id = "vpc", command = "terraform")
unit(id = "db", command = "terraform", depends_on = ["vpc"])
`),
	}

	loader := NewLoader(zerolog.Nop())
	for name, path := range paths {
		t.Run(name, func(t *testing.T) {
			registry, file, err := loader.LoadRegistry(context.Background(), path)
			if err != nil {
				t.Fatalf("LoadRegistry failed: %v", err)
			}
			if file.Scope != "dev" {
				t.Errorf("Expected scope dev, got %q", file.Scope)
			}
			if diff := cmp.Diff([]string{"vpc", "db"}, registry.IDs()); diff != "" {
				t.Errorf("Registry IDs mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLoader_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		want    string
	}{
		{
			name:    "missing scope",
			file:    "a.yaml",
			content: "units:\n  - {id: a, command: x}\n",
			want:    "scope",
		},
		{
			name:    "bad priority",
			file:    "b.yaml",
			content: "scope: dev\nunits:\n  - {id: a, command: x, priority: urgent}\n",
			want:    "priority",
		},
		{
			name:    "bad timeout",
			file:    "c.yaml",
			content: "scope: dev\nunits:\n  - {id: a, command: x, timeout: soon}\n",
			want:    "timeout",
		},
		{
			name:    "duplicate id",
			file:    "d.yaml",
			content: "scope: dev\nunits:\n  - {id: a, command: x}\n  - {id: a, command: y}\n",
			want:    "duplicate unit ID",
		},
		{
			name:    "unknown cue field",
			file:    "e.cue",
			content: "scope: \"dev\"\nunits: [{id: \"a\", command: \"x\", dependson: [\"b\"]}]\n",
			want:    "dependson",
		},
		{
			name:    "unsupported extension",
			file:    "f.toml",
			content: "scope = 'dev'",
			want:    "unsupported catalog format",
		},
	}

	dir := t.TempDir()
	loader := NewLoader(zerolog.Nop())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, dir, tt.file, tt.content)
			_, err := loader.Load(context.Background(), path)
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !engine.IsConfigurationError(err) {
				t.Errorf("Expected configuration error, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error to mention %q, got %v", tt.want, err)
			}
		})
	}
}

func TestSchemaRegistry(t *testing.T) {
	sr := NewSchemaRegistry()
	if diff := cmp.Diff([]string{SchemaUnitsFile}, sr.ListSchemas()); diff != "" {
		t.Errorf("Schemas mismatch (-want +got):\n%s", diff)
	}

	if err := sr.RegisterSchema("broken", "a: {"); err == nil {
		t.Error("Expected compile error for invalid schema")
	}
	if err := sr.ValidateAgainstSchema("missing", nil); err == nil {
		t.Error("Expected error for unknown schema")
	}

	retries := -1
	bad := &UnitsFile{Scope: "dev", Units: []UnitConfig{{ID: "a", Command: "x", MaxRetries: &retries}}}
	if err := sr.ValidateUnitsFile(bad); err == nil {
		t.Error("Expected negative max_retries to be rejected")
	}
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "units.yaml", "scope: dev\nunits:\n  - {id: a, command: x}\n")

	w := NewWatcher(NewLoader(zerolog.Nop()), path, zerolog.Nop())
	w.SetDebounce(20 * time.Millisecond)

	var mu sync.Mutex
	var reloaded []*UnitsFile
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Watch(ctx, func(f *UnitsFile) error {
		mu.Lock()
		defer mu.Unlock()
		reloaded = append(reloaded, f)
		return nil
	}); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer w.Stop()

	writeFile(t, dir, "units.yaml", "scope: dev\nunits:\n  - {id: a, command: x}\n  - {id: b, command: y}\n")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(reloaded)
		var last *UnitsFile
		if n > 0 {
			last = reloaded[n-1]
		}
		mu.Unlock()
		if last != nil && len(last.Units) == 2 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("Expected catalog reload after write")
}
