package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that should be reviewed but do not block.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the plan.
	SeverityError Severity = "error"

	// SeverityCritical blocks the plan.
	SeverityCritical Severity = "critical"
)

// Blocking returns true if a violation of this severity denies the plan.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code. The module must
// define a `deny` set in its package.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations that do not set one.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with the engine.
	Builtin bool `json:"builtin,omitempty"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// CreatedAt is when the policy was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the policy was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// Violation represents a single policy finding.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Unit is the unit the finding is about, if any.
	Unit string `json:"unit,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

func (v Violation) String() string {
	if v.Unit != "" {
		return v.Policy + ": " + v.Unit + ": " + v.Message
	}
	return v.Policy + ": " + v.Message
}

// Result represents the result of policy evaluation.
type Result struct {
	// Allowed is false if any blocking violation was found.
	Allowed bool `json:"allowed"`

	// Violations lists blocking findings.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists non-blocking findings and evaluation failures.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// EvaluatedAt is when the policy was evaluated.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Input is the document policies see as `input`.
type Input struct {
	Plan    PlanInput            `json:"plan"`
	Units   map[string]UnitInput `json:"units"`
	Context Context              `json:"context"`
}

// PlanInput describes the plan under evaluation.
type PlanInput struct {
	ID      string     `json:"id"`
	Scope   string     `json:"scope"`
	Reverse bool       `json:"reverse"`
	Targets []string   `json:"targets"`
	Layers  [][]string `json:"layers"`
}

// UnitInput describes one planned unit.
type UnitInput struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Command        string            `json:"command"`
	Args           []string          `json:"args"`
	CommandLine    string            `json:"command_line"`
	Priority       string            `json:"priority"`
	TimeoutSeconds float64           `json:"timeout_seconds"`
	MaxRetries     int               `json:"max_retries"`
	Dependencies   []string          `json:"dependencies"`
	Labels         map[string]string `json:"labels"`
	Layer          int               `json:"layer"`
}

// Context provides information about who is running what.
type Context struct {
	// User is the user performing the operation.
	User string `json:"user,omitempty"`

	// Environment is the deployment environment, e.g. "production".
	Environment string `json:"environment,omitempty"`

	// Operation is the command being run, e.g. "run" or "plan".
	Operation string `json:"operation,omitempty"`

	// DryRun indicates the plan will not be executed.
	DryRun bool `json:"dry_run"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`
}

// Limits are exposed to policies as data.gaia.limits.
type Limits struct {
	// MaxLayerWidth caps the number of units in one layer. Zero disables the check.
	MaxLayerWidth int `json:"max_layer_width"`

	// ForbiddenCommands are substrings no unit command line may contain.
	ForbiddenCommands []string `json:"forbidden_commands"`
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxLayerWidth:     100,
		ForbiddenCommands: []string{"rm -rf /", "mkfs", "shutdown", "reboot"},
	}
}

// Bundle represents a collection of related policies.
type Bundle struct {
	// Name is the unique name of the bundle.
	Name string `json:"name"`

	// Version is the bundle version.
	Version string `json:"version"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Policies are the policies in this bundle.
	Policies []Policy `json:"policies"`
}
