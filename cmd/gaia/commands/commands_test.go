package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/openfroyo/gaia/pkg/engine"
)

const pipelineCatalog = `
scope: ci
units:
  - id: checkout
    command: "true"
    priority: critical
    max_retries: 1
  - id: lint
    command: "true"
    depends_on: [checkout]
  - id: test
    command: "true"
    depends_on: [checkout]
  - id: package
    command: "echo packaged"
    depends_on: [lint, test]
`

const failingCatalog = `
scope: ci
units:
  - id: checkout
    command: "true"
  - id: test
    command: "exit 1"
    max_retries: 0
    depends_on: [checkout]
  - id: package
    command: "true"
    depends_on: [test]
`

const cyclicCatalog = `
scope: ci
units:
  - id: a
    command: "true"
    depends_on: [b]
  - id: b
    command: "true"
    depends_on: [a]
  - id: c
    command: "true"
    depends_on: [a]
`

func writeCatalog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "units.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write catalog: %v", err)
	}
	return path
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("LOG_LEVEL", "error")

	cmd := newRootCommand("test", "abc123", "today")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func exitCode(t *testing.T, err error) int {
	t.Helper()
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("Expected *ExitError, got %T: %v", err, err)
	}
	return exitErr.Code
}

func TestPlanCommand(t *testing.T) {
	catalog := writeCatalog(t, pipelineCatalog)

	out, err := runCLI(t, "plan", "-f", catalog)
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	for _, want := range []string{"Scope:", "ci", "Layer 0", "Layer 2", "after lint, test"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected output to contain %q, got:\n%s", want, out)
		}
	}
}

func TestPlanCommand_JSON(t *testing.T) {
	catalog := writeCatalog(t, pipelineCatalog)

	tests := []struct {
		name    string
		args    []string
		want    [][]string
		reverse bool
	}{
		{
			name: "all units",
			want: [][]string{{"checkout"}, {"lint", "test"}, {"package"}},
		},
		{
			name: "target",
			args: []string{"--target", "lint"},
			want: [][]string{{"checkout"}, {"lint"}},
		},
		{
			name:    "reverse",
			args:    []string{"--reverse"},
			want:    [][]string{{"package"}, {"lint", "test"}, {"checkout"}},
			reverse: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"plan", "-f", catalog, "--json"}, tt.args...)
			out, err := runCLI(t, args...)
			if err != nil {
				t.Fatalf("plan failed: %v", err)
			}

			var plan engine.ExecutionPlan
			if err := json.Unmarshal([]byte(out), &plan); err != nil {
				t.Fatalf("Failed to decode plan: %v\n%s", err, out)
			}
			if diff := cmp.Diff(tt.want, plan.Layers); diff != "" {
				t.Errorf("Layers mismatch (-want +got):\n%s", diff)
			}
			if plan.Reverse != tt.reverse {
				t.Errorf("Expected reverse=%v, got %v", tt.reverse, plan.Reverse)
			}
		})
	}
}

func TestPlanCommand_DOT(t *testing.T) {
	catalog := writeCatalog(t, pipelineCatalog)

	out, err := runCLI(t, "plan", "-f", catalog, "--dot")
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	if !strings.HasPrefix(out, "digraph") {
		t.Errorf("Expected DOT output, got:\n%s", out)
	}
}

func TestConfigurationErrors(t *testing.T) {
	pipeline := writeCatalog(t, pipelineCatalog)
	cyclic := writeCatalog(t, cyclicCatalog)

	tests := []struct {
		name string
		args []string
	}{
		{name: "no catalog", args: []string{"plan"}},
		{name: "missing catalog", args: []string{"plan", "-f", filepath.Join(t.TempDir(), "nope.yaml")}},
		{name: "unknown target", args: []string{"plan", "-f", pipeline, "--target", "deploy"}},
		{name: "cycle", args: []string{"plan", "-f", cyclic}},
		{name: "run with cycle", args: []string{"run", "-f", cyclic}},
		{name: "invalid stack", args: []string{"plan", "--stack", "prod"}},
		{name: "history without db", args: []string{"history", "list"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runCLI(t, tt.args...)
			if got := exitCode(t, err); got != ExitConfigError {
				t.Errorf("Expected exit code %d, got %d (%v)", ExitConfigError, got, err)
			}
		})
	}
}

func TestRunCommand(t *testing.T) {
	catalog := writeCatalog(t, pipelineCatalog)

	out, err := runCLI(t, "run", "-f", catalog, "--json")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	var report engine.ExecutionReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("Failed to decode report: %v\n%s", err, out)
	}
	if report.Total != 4 || report.Completed != 4 {
		t.Errorf("Expected 4/4 completed, got %d/%d", report.Completed, report.Total)
	}
	if report.Outcome() != engine.RunOutcomeSuccess {
		t.Errorf("Expected success, got %s", report.Outcome())
	}
}

func TestRunCommand_PartialFailure(t *testing.T) {
	catalog := writeCatalog(t, failingCatalog)

	out, err := runCLI(t, "run", "-f", catalog, "--sequential")
	if got := exitCode(t, err); got != ExitFailure {
		t.Fatalf("Expected exit code %d, got %d (%v)", ExitFailure, got, err)
	}
	if !errors.Is(err, errPartialFailure) {
		t.Errorf("Expected partial failure error, got %v", err)
	}
	for _, want := range []string{"partial_failure", "Failed units:", "test"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected output to contain %q, got:\n%s", want, out)
		}
	}
}

func TestRunCommand_History(t *testing.T) {
	catalog := writeCatalog(t, failingCatalog)
	db := filepath.Join(t.TempDir(), "history.db")

	out, err := runCLI(t, "run", "-f", catalog, "--json", "--history-db", db)
	if exitCode(t, err) != ExitFailure {
		t.Fatalf("Expected partial failure, got %v", err)
	}
	var report engine.ExecutionReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("Failed to decode report: %v\n%s", err, out)
	}

	out, err = runCLI(t, "history", "list", "--history-db", db)
	if err != nil {
		t.Fatalf("history list failed: %v", err)
	}
	if !strings.Contains(out, report.RunID) {
		t.Errorf("Expected run %s in list, got:\n%s", report.RunID, out)
	}

	out, err = runCLI(t, "history", "show", report.RunID, "--history-db", db, "--json")
	if err != nil {
		t.Fatalf("history show failed: %v", err)
	}
	var archived engine.ExecutionReport
	if err := json.Unmarshal([]byte(out), &archived); err != nil {
		t.Fatalf("Failed to decode archived report: %v\n%s", err, out)
	}
	if archived.Failed != report.Failed || archived.Skipped != report.Skipped {
		t.Errorf("Archived counts %d/%d differ from %d/%d",
			archived.Failed, archived.Skipped, report.Failed, report.Skipped)
	}

	out, err = runCLI(t, "history", "show", report.RunID, "--history-db", db, "--events")
	if err != nil {
		t.Fatalf("history show --events failed: %v", err)
	}
	if !strings.Contains(out, string(engine.EventTypeRunStarted)) {
		t.Errorf("Expected run event in output, got:\n%s", out)
	}

	out, err = runCLI(t, "history", "unit", "test", "--history-db", db)
	if err != nil {
		t.Fatalf("history unit failed: %v", err)
	}
	if !strings.Contains(out, string(engine.UnitStatusFailed)) {
		t.Errorf("Expected failed status, got:\n%s", out)
	}

	_, err = runCLI(t, "history", "show", "missing", "--history-db", db)
	if exitCode(t, err) != ExitConfigError {
		t.Errorf("Expected config error for unknown run, got %v", err)
	}

	out, err = runCLI(t, "history", "prune", "--history-db", db, "--older-than", "1ns")
	if err != nil {
		t.Fatalf("history prune failed: %v", err)
	}
	if !strings.Contains(out, "Pruned 1 runs") {
		t.Errorf("Expected one pruned run, got:\n%s", out)
	}
}

func TestOrderCommand_BreaksCycles(t *testing.T) {
	catalog := writeCatalog(t, cyclicCatalog)

	out, err := runCLI(t, "order", "-f", catalog, "--json")
	if err != nil {
		t.Fatalf("order failed: %v", err)
	}

	var result struct {
		Order        []string      `json:"order"`
		RemovedEdges []engine.Edge `json:"removed_edges"`
	}
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("Failed to decode order: %v\n%s", err, out)
	}
	if len(result.Order) != 3 {
		t.Errorf("Expected 3 units, got %v", result.Order)
	}
	if len(result.RemovedEdges) != 1 {
		t.Errorf("Expected one removed edge, got %v", result.RemovedEdges)
	}
}

func TestOrderCommand_SelectedUnits(t *testing.T) {
	catalog := writeCatalog(t, cyclicCatalog)

	out, err := runCLI(t, "order", "-f", catalog, "-u", "c", "-u", "a", "--json")
	if err != nil {
		t.Fatalf("order failed: %v", err)
	}

	var result struct {
		Order        []string      `json:"order"`
		RemovedEdges []engine.Edge `json:"removed_edges"`
	}
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("Failed to decode order: %v\n%s", err, out)
	}
	if diff := cmp.Diff([]string{"a", "c"}, result.Order); diff != "" {
		t.Errorf("Order mismatch (-want +got):\n%s", diff)
	}
	if len(result.RemovedEdges) != 0 {
		t.Errorf("Expected no removed edges, got %v", result.RemovedEdges)
	}
}

func TestGraphCommand(t *testing.T) {
	catalog := writeCatalog(t, pipelineCatalog)

	out, err := runCLI(t, "graph", "-f", catalog)
	if err != nil {
		t.Fatalf("graph failed: %v", err)
	}
	for _, want := range []string{"4 units, 4 edges", "checkout -> lint", "test -> package"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected output to contain %q, got:\n%s", want, out)
		}
	}
}

func TestValidateCommand(t *testing.T) {
	catalog := writeCatalog(t, `
scope: ci
units:
  - id: checkout
    command: "true"
    priority: critical
    max_retries: 0
`)

	out, err := runCLI(t, "validate", "-f", catalog)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	for _, want := range []string{"✓ Loaded 1 units", "acyclic", "! critical-retries: checkout"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected output to contain %q, got:\n%s", want, out)
		}
	}

	out, err = runCLI(t, "validate", "-f", catalog, "--no-policy")
	if err != nil {
		t.Fatalf("validate --no-policy failed: %v", err)
	}
	if !strings.Contains(out, "Policy checks disabled") {
		t.Errorf("Expected disabled policy note, got:\n%s", out)
	}
}

func TestValidateCommand_PolicyDenied(t *testing.T) {
	catalog := writeCatalog(t, `
scope: ci
units:
  - id: cleanup
    command: "sudo shutdown -h now"
`)

	_, err := runCLI(t, "validate", "-f", catalog)
	if got := exitCode(t, err); got != ExitConfigError {
		t.Fatalf("Expected exit code %d, got %d (%v)", ExitConfigError, got, err)
	}
	if !engine.HasCode(err, engine.ErrCodePolicyDenied) {
		t.Errorf("Expected policy denial, got %v", err)
	}
}

func TestValidateCommand_CustomPolicy(t *testing.T) {
	catalog := writeCatalog(t, pipelineCatalog)
	policyFile := filepath.Join(t.TempDir(), "owner.rego")
	policySrc := `# Every unit must name an owner.
# severity: error
package custom.owner

import rego.v1

deny contains violation if {
	some id, unit in input.units
	not unit.labels.owner
	violation := {"message": "missing owner label", "unit": id}
}
`
	if err := os.WriteFile(policyFile, []byte(policySrc), 0o600); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}

	_, err := runCLI(t, "validate", "-f", catalog, "--policy", policyFile)
	if !engine.HasCode(err, engine.ErrCodePolicyDenied) {
		t.Errorf("Expected policy denial, got %v", err)
	}
}

func TestParseJumpHost(t *testing.T) {
	tests := []struct {
		input   string
		want    jumpHost
		wantErr bool
	}{
		{input: "bastion", want: jumpHost{user: "ci", host: "bastion", port: 22}},
		{input: "ops@bastion", want: jumpHost{user: "ops", host: "bastion", port: 22}},
		{input: "ops@bastion:2222", want: jumpHost{user: "ops", host: "bastion", port: 2222}},
		{input: "[::1]:2200", want: jumpHost{user: "ci", host: "::1", port: 2200}},
		{input: "bastion:http", wantErr: true},
		{input: "ops@", wantErr: true},
		{input: "@bastion", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := parseJumpHost(tt.input, "ci")
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseJumpHost() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("parseJumpHost() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestExitError(t *testing.T) {
	if exitError(nil) != nil {
		t.Error("Expected nil for nil error")
	}

	cfgErr := engine.NewPermanentError("bad", nil).WithCode(engine.ErrCodeUnknownUnit)
	if got := exitCode(t, exitError(cfgErr)); got != ExitConfigError {
		t.Errorf("Expected %d for configuration error, got %d", ExitConfigError, got)
	}

	if got := exitCode(t, exitError(errors.New("boom"))); got != ExitFailure {
		t.Errorf("Expected %d for other errors, got %d", ExitFailure, got)
	}
}
