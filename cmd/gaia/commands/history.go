package commands

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/gaia/pkg/engine"
	"github.com/openfroyo/gaia/pkg/stores"
)

func newHistoryCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect archived run reports",
		Long: `Inspect run reports archived with --history-db.

Reports are written by "gaia run" when --history-db is set. Every
subcommand needs the same --history-db.`,
	}

	cmd.AddCommand(newHistoryListCommand(opts))
	cmd.AddCommand(newHistoryShowCommand(opts))
	cmd.AddCommand(newHistoryUnitCommand(opts))
	cmd.AddCommand(newHistoryPruneCommand(opts))

	return cmd
}

// withHistory opens the archive named by --history-db for the duration of fn.
func withHistory(cmd *cobra.Command, opts *globalOptions, fn func(store *stores.SQLiteStore) error) error {
	if opts.historyDB == "" {
		return exitError(engine.NewPermanentError("--history-db is required", nil).
			WithCode(engine.ErrCodeValidation))
	}

	tel, err := newTelemetry(opts)
	if err != nil {
		return exitError(err)
	}
	defer func() { _ = tel.Shutdown(cmd.Context()) }()

	store, err := openHistory(cmd.Context(), opts.historyDB, tel.Logger.Zerolog())
	if err != nil {
		return exitError(err)
	}
	defer func() { _ = store.Close() }()

	return fn(store)
}

func newHistoryListCommand(opts *globalOptions) *cobra.Command {
	var (
		limit   int
		outcome string
		since   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List archived runs, newest first",
		Example: `  gaia history list --history-db gaia.db
  gaia history list --history-db gaia.db --scope core-prod-use1 --outcome partial_failure`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withHistory(cmd, opts, func(store *stores.SQLiteStore) error {
				listOpts := stores.ListOptions{
					Scope:   opts.scope,
					Outcome: engine.RunOutcome(outcome),
					Limit:   limit,
				}
				if since > 0 {
					listOpts.Since = time.Now().Add(-since)
				}

				runs, err := store.ListRuns(cmd.Context(), listOpts)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if opts.jsonOutput {
					return writeJSON(out, runs)
				}
				return writeRuns(out, runs)
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs")
	cmd.Flags().StringVar(&outcome, "outcome", "", "only runs with this outcome")
	cmd.Flags().DurationVar(&since, "since", 0, "only runs started within this duration")

	return cmd
}

func writeRuns(w io.Writer, runs []*stores.RunRecord) error {
	if len(runs) == 0 {
		_, err := fmt.Fprintln(w, "No runs found")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "RUN\tSCOPE\tOUTCOME\tCOMPLETED\tFAILED\tSKIPPED\tSTARTED\tDURATION\n")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%d\t%d\t%s\t%s\n",
			r.ID, r.Scope, r.Outcome, r.Completed, r.Total, r.Failed, r.Skipped,
			r.StartedAt.Local().Format(time.DateTime), r.Duration.Round(time.Millisecond))
	}
	return tw.Flush()
}

func newHistoryShowCommand(opts *globalOptions) *cobra.Command {
	var events bool

	cmd := &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Show the report of one run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(cmd, opts, func(store *stores.SQLiteStore) error {
				ctx := cmd.Context()
				report, err := store.GetReport(ctx, args[0])
				if errors.Is(err, stores.ErrNotFound) {
					return exitError(engine.NewPermanentError(fmt.Sprintf("run %s not found", args[0]), err).
						WithCode(engine.ErrCodeValidation))
				}
				if err != nil {
					return err
				}

				var records []*stores.EventRecord
				if events {
					if records, err = store.ListEvents(ctx, args[0]); err != nil {
						return err
					}
				}

				out := cmd.OutOrStdout()
				if opts.jsonOutput {
					if events {
						return writeJSON(out, struct {
							Report *engine.ExecutionReport `json:"report"`
							Events []*stores.EventRecord   `json:"events"`
						}{report, records})
					}
					return writeJSON(out, report)
				}

				if err := report.WriteText(out); err != nil {
					return err
				}
				if events {
					return writeEvents(out, records)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&events, "events", false, "include the run's event log")

	return cmd
}

func writeEvents(w io.Writer, events []*stores.EventRecord) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "\nTIME\tTYPE\tUNIT\tMESSAGE\n")
	for _, e := range events {
		unit := "-"
		if e.UnitID != nil {
			unit = *e.UnitID
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			e.Timestamp.Local().Format("15:04:05.000"), e.Type, unit, e.Message)
	}
	return tw.Flush()
}

func newHistoryUnitCommand(opts *globalOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "unit UNIT_ID",
		Short: "Show recent results of one unit across runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(cmd, opts, func(store *stores.SQLiteStore) error {
				results, err := store.UnitHistory(cmd.Context(), args[0], limit)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if opts.jsonOutput {
					return writeJSON(out, results)
				}
				if len(results) == 0 {
					_, err := fmt.Fprintf(out, "No results for unit %s\n", args[0])
					return err
				}

				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintf(tw, "RUN\tSTATUS\tATTEMPTS\tEXIT\tDURATION\tERROR\n")
				for _, r := range results {
					msg := ""
					if r.Error != nil {
						msg = *r.Error
					}
					fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n",
						r.RunID, r.Status, r.Attempts, r.ExitCode, r.Duration.Round(time.Millisecond), msg)
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "maximum number of results")

	return cmd
}

func newHistoryPruneCommand(opts *globalOptions) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:     "prune",
		Short:   "Delete runs older than a duration",
		Example: `  gaia history prune --history-db gaia.db --older-than 720h`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan <= 0 {
				return exitError(engine.NewPermanentError("--older-than must be positive", nil).
					WithCode(engine.ErrCodeValidation))
			}
			return withHistory(cmd, opts, func(store *stores.SQLiteStore) error {
				n, err := store.PruneBefore(cmd.Context(), time.Now().Add(-olderThan))
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "✓ Pruned %d runs\n", n)
				return err
			})
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "delete runs that started before now minus this duration")

	return cmd
}
