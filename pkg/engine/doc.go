// Package engine implements dependency resolution and layered execution of units.
//
// # Overview
//
// A run moves through five stages:
//
//  1. Registry - the set of known units and their static metadata
//  2. Resolver - dependency declarations are fetched through a Describer and
//     normalized into a DependencyGraph, cached per (scope, reverse)
//  3. Cycle handling - authoritative graphs reject cycles, advisory graphs
//     drop one edge per detected cycle
//  4. Planning - the dependency closure of the targets is layered so that
//     every unit depends only on units in earlier layers
//  5. Execution - layers run in order behind a barrier, units within a
//     layer run sequentially or on a bounded worker pool
//
// # Units
//
// A Unit carries an opaque Action, a Priority, a per-attempt Timeout and a
// retry budget. Its status moves PENDING -> RUNNING -> COMPLETED or FAILED;
// SKIPPED is reachable only from PENDING when a run aborts.
//
// # Failure semantics
//
// Configuration errors (unknown targets, circular dependencies in an
// authoritative graph, invalid unit definitions) are returned as
// *EngineError values with class permanent before anything executes.
// Everything else is captured in the ExecutionReport:
//
//   - a failed attempt is retried immediately while RetryCount < MaxRetries
//   - a timed out attempt is recorded with code TIMEOUT and counts against
//     the same retry budget
//   - a failed CRITICAL unit stops the run; units not yet started are SKIPPED
//   - completed units are never rolled back
//
// # Usage
//
//	registry := engine.NewRegistry()
//	registry.MustRegister(
//	    engine.Unit{ID: "vpc", Action: engine.Action{Command: "true"}},
//	    engine.Unit{ID: "subnet", Dependencies: []string{"vpc"}, Action: engine.Action{Command: "true"}},
//	)
//
//	orch := engine.NewOrchestrator(registry, runner, logger)
//	report, err := orch.Run(ctx, "dev", []string{"subnet"}, engine.RunOptions{})
package engine
