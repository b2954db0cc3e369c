package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const labelPolicy = `# Units must carry an owner label.
# severity: error
package custom.owner

import rego.v1

deny contains violation if {
	some id, unit in input.units
	not unit.labels.owner
	violation := {"message": "unit has no owner label", "unit": id}
}
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}

func TestLoadFromFile_Rego(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	path := filepath.Join(t.TempDir(), "owner-label.rego")
	writeFile(t, path, labelPolicy)

	policy, err := loader.loadFromFile(path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if policy.Name != "owner-label" {
		t.Errorf("Expected name 'owner-label', got '%s'", policy.Name)
	}
	if policy.Description != "Units must carry an owner label." {
		t.Errorf("Unexpected description %q", policy.Description)
	}
	if policy.Severity != SeverityError {
		t.Errorf("Expected severity error, got %s", policy.Severity)
	}
	if !policy.Enabled || policy.Builtin {
		t.Error("Loaded policies should be enabled and not builtin")
	}
	if policy.Metadata["source"] != path {
		t.Errorf("Expected source metadata %s, got %v", path, policy.Metadata["source"])
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	path := filepath.Join(t.TempDir(), "deny-all.json")
	writeFile(t, path, `{"name": "deny-all", "enabled": true, "rego": "package x\nimport rego.v1\ndeny contains \"no\" if { true }"}`)

	policy, err := loader.loadFromFile(path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if policy.Name != "deny-all" || policy.Severity != SeverityWarning {
		t.Errorf("Unexpected policy: %+v", policy)
	}
}

func TestLoadFromFile_Errors(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "broken.json"), `{not json`)
	writeFile(t, filepath.Join(dir, "anon.json"), `{"rego": "package x"}`)
	writeFile(t, filepath.Join(dir, "notes.txt"), `hello`)

	tests := []struct {
		file    string
		wantErr string
	}{
		{"broken.json", "failed to parse JSON policy"},
		{"anon.json", "has no name"},
		{"notes.txt", "unsupported file type"},
		{"missing.rego", "failed to read file"},
	}

	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			_, err := NewLoader(zerolog.Nop()).loadFromFile(filepath.Join(dir, tt.file))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadFromDirectory_Recursive(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.rego"), labelPolicy)
	writeFile(t, filepath.Join(dir, "nested", "deep", "b.rego"), labelPolicy)
	writeFile(t, filepath.Join(dir, "nested", "README.md"), "ignored")
	writeFile(t, filepath.Join(dir, "nested", "broken.json"), "{")

	policies, err := NewLoader(zerolog.Nop()).LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("Expected 2 policies, got %d", len(policies))
	}
}

func TestLoadFromPath_NonExistent(t *testing.T) {
	_, err := NewLoader(zerolog.Nop()).LoadFromPaths(context.Background(), []string{"/nonexistent/policies"})
	if err == nil {
		t.Fatal("Expected error for missing path")
	}
}

func TestLoadBundle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "team.bundle.json")
	writeFile(t, path, `{
  "name": "team",
  "version": "1.2.0",
  "policies": [
    {"name": "p1", "enabled": true, "rego": "package p1"},
    {"name": "p2", "enabled": false, "severity": "error", "rego": "package p2"}
  ]
}`)

	loader := NewLoader(zerolog.Nop())
	bundle, err := loader.LoadBundle(context.Background(), path)
	if err != nil {
		t.Fatalf("LoadBundle failed: %v", err)
	}
	if bundle.Name != "team" || bundle.Version != "1.2.0" || len(bundle.Policies) != 2 {
		t.Errorf("Unexpected bundle: %+v", bundle)
	}
	if bundle.Policies[0].Severity != SeverityWarning || bundle.Policies[1].Severity != SeverityError {
		t.Errorf("Unexpected severities: %s, %s", bundle.Policies[0].Severity, bundle.Policies[1].Severity)
	}

	policies, err := loader.LoadFromPaths(context.Background(), []string{path})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}
	if len(policies) != 2 {
		t.Errorf("Expected bundle to expand to 2 policies, got %d", len(policies))
	}
}

func TestParseHeader(t *testing.T) {
	tests := []struct {
		name        string
		content     string
		description string
		severity    Severity
	}{
		{
			name:        "single line comment",
			content:     "# A test policy\npackage test",
			description: "A test policy",
			severity:    SeverityWarning,
		},
		{
			name:        "multi line with severity",
			content:     "# A test policy\n# severity: Critical\n# spanning lines\npackage test",
			description: "A test policy spanning lines",
			severity:    SeverityCritical,
		},
		{
			name:        "no comments",
			content:     "package test\n# trailing",
			description: "",
			severity:    SeverityWarning,
		},
		{
			name:        "empty comment lines",
			content:     "# First line\n#\n# Second line\npackage test",
			description: "First line Second line",
			severity:    SeverityWarning,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			description, severity := parseHeader(tt.content)
			if description != tt.description {
				t.Errorf("Expected description %q, got %q", tt.description, description)
			}
			if severity != tt.severity {
				t.Errorf("Expected severity %s, got %s", tt.severity, severity)
			}
		})
	}
}

func TestClearCache(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	path := filepath.Join(t.TempDir(), "owner.rego")
	writeFile(t, path, labelPolicy)

	first, err := loader.loadFromFile(path)
	if err != nil {
		t.Fatal(err)
	}
	again, _ := loader.loadFromFile(path)
	if first != again {
		t.Error("Expected cached policy on second load")
	}

	loader.ClearCache()
	fresh, _ := loader.loadFromFile(path)
	if fresh == first {
		t.Error("Expected a fresh policy after ClearCache")
	}
}

func TestWatch_Reload(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.rego"), labelPolicy)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []Policy
	loader := NewLoader(zerolog.Nop())
	err := loader.Watch(ctx, []string{dir}, func(policies []Policy) error {
		mu.Lock()
		got = policies
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer loader.StopWatching()

	writeFile(t, filepath.Join(dir, "b.rego"), labelPolicy)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 2 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("Timed out waiting for policy reload")
}
