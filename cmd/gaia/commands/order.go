package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/gaia/pkg/engine"
)

func newOrderCommand(opts *globalOptions) *cobra.Command {
	var (
		units   []string
		reverse bool
	)

	cmd := &cobra.Command{
		Use:   "order",
		Short: "Print a flat execution order, breaking cycles if needed",
		Long: `Print the units in an order that respects their dependencies.

Unlike plan, order always runs cycle handling in advisory mode: edges that
close a cycle are removed and listed instead of failing the command. With
--unit only the named units are ordered; their other dependencies are
ignored.`,
		Example: `  gaia order -f units.yaml
  gaia order --stack core-prod-use1 --json
  gaia order -f units.yaml -u db -u subnet`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, opts, "order", true)
			if err != nil {
				return exitError(err)
			}
			defer a.Close()

			plan, err := a.orchestrator.ComponentOrder(ctx, a.scope, units, reverse || a.reverse)
			if err != nil {
				return exitError(err)
			}

			out := cmd.OutOrStdout()
			if opts.jsonOutput {
				return writeJSON(out, struct {
					Order        []string      `json:"order"`
					RemovedEdges []engine.Edge `json:"removed_edges"`
				}{plan.Units(), plan.RemovedEdges})
			}

			for i, id := range plan.Units() {
				fmt.Fprintf(out, "%3d  %s\n", i+1, id)
			}
			writeRemovedEdges(out, plan.RemovedEdges)
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&units, "unit", "u", nil, "order only these units")
	cmd.Flags().BoolVarP(&reverse, "reverse", "r", false, "teardown order")

	return cmd
}
