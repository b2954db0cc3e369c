package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/gaia/pkg/engine"
	"github.com/openfroyo/gaia/pkg/telemetry"
)

// errPartialFailure is returned when a run finished with failed or skipped units.
var errPartialFailure = errors.New("run finished with failed or skipped units")

func newRunCommand(opts *globalOptions) *cobra.Command {
	var (
		targets    []string
		reverse    bool
		sequential bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute units in dependency order",
		Long: `Plan and execute units layer by layer.

Each layer starts only after the previous layer finished. Failed units are
retried up to their max_retries. When a critical unit fails the remaining
layers are skipped. The command exits 1 when any unit failed or was skipped.`,
		Example: `  # Run every unit in a catalog
  gaia run -f units.yaml

  # Run one target on a remote host
  gaia run -f units.yaml --target deploy-app --remote build01 --remote-user ci

  # Apply an Atmos stack and archive the report
  gaia run --stack core-prod-use1 --operation apply --history-db gaia.db`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, opts, "run", false)
			if err != nil {
				return exitError(err)
			}
			defer a.Close()

			if opts.metricsAddr != "" {
				if err := a.tel.Metrics.StartMetricsServer(ctx); err != nil {
					return exitError(err)
				}
			}

			ctx, span := a.tel.Tracer.StartCommandSpan(ctx, "run", a.scope)
			defer span.End()

			runReverse := reverse || a.reverse
			report, err := a.orchestrator.Run(ctx, a.scope, targets, engine.RunOptions{
				PlanOptions: engine.PlanOptions{Reverse: runReverse},
				ExecuteOptions: engine.ExecuteOptions{
					Parallel:   !sequential,
					MaxWorkers: opts.workers,
				},
			})
			if err != nil {
				telemetry.RecordError(span, err)
				return exitError(err)
			}

			a.archive(ctx, report, runReverse)

			out := cmd.OutOrStdout()
			if opts.jsonOutput {
				err = writeJSON(out, report)
			} else {
				err = report.WriteText(out)
			}
			if err != nil {
				return err
			}

			if !report.Succeeded() {
				telemetry.RecordError(span, errPartialFailure)
				return &ExitError{Code: ExitFailure, Err: fmt.Errorf("%w: %d failed, %d skipped",
					errPartialFailure, report.Failed, report.Skipped)}
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&targets, "target", "t", nil, "run only these units and their dependencies")
	cmd.Flags().BoolVarP(&reverse, "reverse", "r", false, "run in teardown order")
	cmd.Flags().BoolVar(&sequential, "sequential", false, "run the units of each layer one at a time")

	return cmd
}
