package policy

import (
	"time"
)

// BuiltinPolicies returns all built-in policies.
func BuiltinPolicies() []Policy {
	return []Policy{
		forbiddenCommandsPolicy(),
		layerWidthPolicy(),
		criticalRetriesPolicy(),
		destroyTargetsPolicy(),
	}
}

func builtin(name, description string, severity Severity, tags []string, rego string) Policy {
	now := time.Now()
	return Policy{
		Name:        name,
		Description: description,
		Severity:    severity,
		Enabled:     true,
		Builtin:     true,
		Tags:        tags,
		CreatedAt:   now,
		UpdatedAt:   now,
		Rego:        rego,
	}
}

// forbiddenCommandsPolicy rejects units whose command line contains a
// forbidden substring from data.gaia.limits.
func forbiddenCommandsPolicy() Policy {
	return builtin("forbidden-commands",
		"Units must not run commands listed in the forbidden command limits",
		SeverityCritical, []string{"safety"}, `package gaia.policies.commands

import rego.v1

deny contains violation if {
	some id, unit in input.units
	some forbidden in data.gaia.limits.forbidden_commands
	indexof(lower(unit.command_line), lower(forbidden)) != -1
	violation := {
		"message": sprintf("command line contains forbidden command %q", [forbidden]),
		"severity": "critical",
		"unit": id,
	}
}
`)
}

// layerWidthPolicy caps the number of units executed concurrently in one layer.
func layerWidthPolicy() Policy {
	return builtin("layer-width",
		"A single layer must not exceed the configured maximum width",
		SeverityError, []string{"capacity"}, `package gaia.policies.layers

import rego.v1

deny contains violation if {
	limit := data.gaia.limits.max_layer_width
	limit > 0
	some i, layer in input.plan.layers
	count(layer) > limit
	violation := {
		"message": sprintf("layer %d has %d units, limit is %d", [i, count(layer), limit]),
		"severity": "error",
	}
}
`)
}

// criticalRetriesPolicy warns about critical units that abort a run on
// their first failure.
func criticalRetriesPolicy() Policy {
	return builtin("critical-retries",
		"Critical units should be retried before they abort the run",
		SeverityWarning, []string{"reliability"}, `package gaia.policies.retries

import rego.v1

deny contains violation if {
	some id, unit in input.units
	unit.priority == "critical"
	unit.max_retries < 1
	violation := {
		"message": "critical unit has no retries; a single transient failure aborts the run",
		"severity": "warning",
		"unit": id,
	}
}
`)
}

// destroyTargetsPolicy requires reverse (teardown) runs in production to
// name explicit targets.
func destroyTargetsPolicy() Policy {
	return builtin("destroy-targets",
		"Teardown runs in production must name explicit targets",
		SeverityError, []string{"safety"}, `package gaia.policies.destroy

import rego.v1

deny contains violation if {
	input.plan.reverse
	input.context.environment == "production"
	not input.context.dry_run
	count(input.plan.targets) == 0
	violation := {
		"message": "teardown of every unit in production requires explicit targets",
		"severity": "error",
	}
}
`)
}
