// Package config loads unit catalogs for the orchestration engine.
//
// A catalog names a scope and the units that belong to it. Catalogs can be
// written in CUE, YAML or Starlark; all three decode into UnitsFile, which is
// then checked twice: struct tags via validator and a built-in CUE schema.
//
// # Formats
//
// CUE, with units as a list or keyed by ID:
//
//	scope: "dev"
//	defaults: {timeout: "10m", max_retries: 1}
//	units: {
//		vpc: {command: "terraform", args: ["apply", "vpc"], priority: "critical"}
//		subnet: {command: "terraform", args: ["apply", "subnet"], depends_on: ["vpc"]}
//	}
//
// YAML:
//
//	scope: dev
//	units:
//	  - id: vpc
//	    command: terraform
//	    args: [apply, vpc]
//
// Starlark, for generated catalogs:
//
//	scope("dev")
//	vpc = unit(id = "vpc", command = "terraform", args = ["apply", "vpc"])
//	for s in STACKS:
//	    unit(id = "plan-" + s, command = "atmos", args = ["terraform", "plan", "-s", s], depends_on = [vpc])
//
// # Usage
//
//	loader := config.NewLoader(logger, config.WithVars(map[string]interface{}{"STACKS": stacks}))
//	registry, file, err := loader.LoadRegistry(ctx, "units.cue")
//
// Load failures are engine configuration errors (code VALIDATION_ERROR).
// Watcher reloads a catalog on change with a short debounce.
package config
