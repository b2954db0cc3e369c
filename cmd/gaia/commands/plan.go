package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/gaia/pkg/engine"
	"github.com/openfroyo/gaia/pkg/telemetry"
)

func newPlanCommand(opts *globalOptions) *cobra.Command {
	var (
		targets []string
		reverse bool
		dot     bool
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the layered execution plan",
		Long: `Resolve unit dependencies and print the execution plan without running
anything.

Units in the same layer have no dependencies on each other and run
concurrently. With --target only the targets and their transitive
dependencies are planned.`,
		Example: `  # Plan every unit in a catalog
  gaia plan -f units.yaml

  # Plan a single target and its dependencies
  gaia plan -f units.yaml --target deploy-app

  # Teardown order for an Atmos stack
  gaia plan --stack core-prod-use1 --operation destroy

  # Render the plan as a Graphviz graph
  gaia plan -f units.yaml --dot | dot -Tsvg > plan.svg`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, opts, "plan", true)
			if err != nil {
				return exitError(err)
			}
			defer a.Close()

			ctx, span := a.tel.Tracer.StartCommandSpan(ctx, "plan", a.scope)
			defer span.End()

			plan, err := a.orchestrator.Plan(ctx, a.scope, targets, engine.PlanOptions{
				Reverse: reverse || a.reverse,
			})
			if err != nil {
				telemetry.RecordError(span, err)
				return exitError(err)
			}

			out := cmd.OutOrStdout()
			switch {
			case dot:
				_, err = fmt.Fprint(out, plan.ToDOT())
			case opts.jsonOutput:
				err = writeJSON(out, plan)
			default:
				err = writePlan(out, plan, a.registry)
			}
			return err
		},
	}

	cmd.Flags().StringSliceVarP(&targets, "target", "t", nil, "plan only these units and their dependencies")
	cmd.Flags().BoolVarP(&reverse, "reverse", "r", false, "plan in teardown order")
	cmd.Flags().BoolVar(&dot, "dot", false, "output the plan in Graphviz DOT format")

	return cmd
}
