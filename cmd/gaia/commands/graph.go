package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newGraphCommand(opts *globalOptions) *cobra.Command {
	var (
		reverse bool
		dot     bool
	)

	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Print the resolved dependency graph",
		Long: `Resolve the dependencies of every unit in scope and print the graph as
"from -> to" edges, where from must finish before to starts.`,
		Example: `  gaia graph -f units.yaml
  gaia graph --stack core-prod-use1 --dot | dot -Tpng > graph.png`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, opts, "graph", true)
			if err != nil {
				return exitError(err)
			}
			defer a.Close()

			graph, removed, err := a.orchestrator.Graph(ctx, a.scope, reverse || a.reverse)
			if err != nil {
				return exitError(err)
			}

			out := cmd.OutOrStdout()
			switch {
			case dot:
				_, err := fmt.Fprint(out, graph.ToDOT())
				return err
			case opts.jsonOutput:
				return writeJSON(out, graph)
			}

			fmt.Fprintf(out, "%d units, %d edges\n", graph.Len(), graph.EdgeCount())
			for _, e := range graph.Edges() {
				fmt.Fprintf(out, "  %s\n", e)
			}
			writeRemovedEdges(out, removed)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&reverse, "reverse", "r", false, "resolve in teardown direction")
	cmd.Flags().BoolVar(&dot, "dot", false, "output in Graphviz DOT format")

	return cmd
}
