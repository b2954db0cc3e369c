// Package policy gates execution plans with Open Policy Agent (OPA) rules.
//
// Every policy is a Rego module that defines a `deny` set. Elements of the
// set are either strings or objects with "message", "severity" and "unit"
// keys. Violations with severity error or critical deny the plan; info and
// warning findings are logged and the plan proceeds.
//
// # Input
//
// Policies see the plan as `input`:
//
//	input.plan.id, input.plan.scope, input.plan.reverse
//	input.plan.targets     requested unit IDs, empty for "everything"
//	input.plan.layers      unit IDs per layer
//	input.units[id]        command, args, command_line, priority,
//	                       timeout_seconds, max_retries, labels, layer
//	input.context          user, environment, operation, dry_run
//
// Engine limits are exposed as data.gaia.limits (max_layer_width and
// forbidden_commands) and can be changed at runtime with SetLimits.
//
// # Built-in policies
//
//   - forbidden-commands: no unit may run a forbidden command
//   - layer-width: no layer may exceed max_layer_width units
//   - critical-retries: warns about critical units with no retries
//   - destroy-targets: production teardown must name explicit targets
//
// # Usage
//
//	gate, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := gate.LoadPolicies(ctx, []string{"policies/"}); err != nil {
//	    return err
//	}
//	orch := engine.NewOrchestrator(registry, runner, logger, engine.WithPlanGate(gate))
//
// A denied plan makes Plan and Run return a configuration error with code
// POLICY_DENIED before any action runs.
//
// Custom policies live in .rego files. Leading comments become the
// description and a "# severity: <level>" line sets the default severity:
//
//	# Units must carry an owner label.
//	# severity: error
//	package custom.owner
//
//	import rego.v1
//
//	deny contains violation if {
//	    some id, unit in input.units
//	    not unit.labels.owner
//	    violation := {"message": "unit has no owner label", "unit": id}
//	}
//
// Loader.Watch reloads policies when files change; call Engine.ReplaceLoaded
// from the reload callback.
package policy
