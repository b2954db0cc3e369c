package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/openfroyo/gaia/pkg/engine"
	"github.com/openfroyo/gaia/pkg/policy"
)

func newValidateCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate units, dependencies and policies",
		Long: `Validate the unit catalog or stack without running anything.

Checks that every unit definition is valid, that the dependency graph has
no cycles, and that the full plan passes every policy.`,
		Example: `  gaia validate -f units.cue
  gaia validate -f units.yaml --policy ./policies --environment production`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			a, err := newApp(ctx, opts, "validate", true)
			if err != nil {
				return exitError(err)
			}
			defer a.Close()
			fmt.Fprintf(out, "✓ Loaded %d units in scope %s\n", a.registry.Len(), a.scope)

			// Cycles fail validation whatever --cycle-mode says.
			orchestrator := a.newOrchestrator(engine.CycleModeAuthoritative)
			plan, err := orchestrator.Plan(ctx, a.scope, nil, engine.PlanOptions{Reverse: a.reverse})
			if err != nil {
				return exitError(err)
			}
			fmt.Fprintf(out, "✓ Dependency graph is acyclic (%d layers)\n", len(plan.Layers))

			if a.gate == nil {
				fmt.Fprintf(out, "- Policy checks disabled\n")
				return nil
			}
			result, err := a.gate.EvaluatePlan(ctx, plan, a.registry, a.policyCtx)
			if err != nil {
				return exitError(err)
			}
			fmt.Fprintf(out, "✓ Passed %d policies\n", len(result.EvaluatedPolicies))
			writeWarnings(out, result.Warnings)
			return nil
		},
	}

	return cmd
}

func writeWarnings(w io.Writer, warnings []policy.Violation) {
	for _, v := range warnings {
		fmt.Fprintf(w, "! %s\n", v)
	}
}
