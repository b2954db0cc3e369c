package commands

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/gaia/pkg/config"
	"github.com/openfroyo/gaia/pkg/engine"
	"github.com/openfroyo/gaia/pkg/policy"
)

func newWatchCommand(opts *globalOptions) *cobra.Command {
	var (
		targets  []string
		execute  bool
		debounce time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Re-plan whenever the catalog or policies change",
		Long: `Watch the unit catalog and policy paths and print a fresh plan after every
change. With --run the plan is also executed.

Cached dependency graphs are dropped on every catalog change. Invalid
catalogs are logged and the previous one stays in effect. Watch runs until
interrupted.`,
		Example: `  gaia watch -f units.cue
  gaia watch -f units.star --policy ./policies --run --metrics-addr :9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if opts.catalog == "" {
				return exitError(engine.NewPermanentError("watch requires --catalog", nil).
					WithCode(engine.ErrCodeValidation))
			}

			a, err := newApp(ctx, opts, "watch", !execute)
			if err != nil {
				return exitError(err)
			}
			defer a.Close()

			if err := a.tel.Metrics.StartMetricsServer(ctx); err != nil {
				return exitError(err)
			}

			w := &watchLoop{app: a, out: cmd.OutOrStdout(), targets: targets, execute: execute}
			w.cycle(ctx, "initial")

			watcher := config.NewWatcher(a.loader, opts.catalog, a.logger)
			if debounce > 0 {
				watcher.SetDebounce(debounce)
			}
			err = watcher.Watch(ctx, func(file *config.UnitsFile) error {
				return w.catalogChanged(ctx, file)
			})
			if err != nil {
				return exitError(asConfigError("watch catalog", err))
			}
			defer func() { _ = watcher.Stop() }()

			if a.gate != nil && len(opts.policyPaths) > 0 {
				loader := policy.NewLoader(a.logger)
				err := loader.Watch(ctx, opts.policyPaths, func(policies []policy.Policy) error {
					return w.policiesChanged(ctx, policies)
				})
				if err != nil {
					return exitError(asConfigError("watch policies", err))
				}
				defer func() { _ = loader.StopWatching() }()
			}

			<-ctx.Done()
			a.logger.Info().Msg("Stopped watching")
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&targets, "target", "t", nil, "plan only these units and their dependencies")
	cmd.Flags().BoolVar(&execute, "run", false, "execute the plan after every change")
	cmd.Flags().DurationVar(&debounce, "debounce", 0, "wait this long after the last change before reloading")

	return cmd
}

// watchLoop serializes reloads coming from the catalog and policy watchers.
type watchLoop struct {
	mu      sync.Mutex
	app     *app
	out     io.Writer
	targets []string
	execute bool
}

func (w *watchLoop) catalogChanged(ctx context.Context, file *config.UnitsFile) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.app.reload(file); err != nil {
		return err
	}
	w.cycleLocked(ctx, "catalog changed")
	return nil
}

func (w *watchLoop) policiesChanged(ctx context.Context, policies []policy.Policy) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.app.gate.ReplaceLoaded(ctx, policies); err != nil {
		return err
	}
	w.cycleLocked(ctx, "policies changed")
	return nil
}

func (w *watchLoop) cycle(ctx context.Context, reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cycleLocked(ctx, reason)
}

// cycleLocked plans, and optionally runs, the current catalog. Errors are
// reported and never stop the watch.
func (w *watchLoop) cycleLocked(ctx context.Context, reason string) {
	a := w.app
	fmt.Fprintf(w.out, "==> %s (%s)\n", reason, time.Now().Format(time.TimeOnly))

	plan, err := a.orchestrator.Plan(ctx, a.scope, w.targets, engine.PlanOptions{})
	if err != nil {
		fmt.Fprintf(w.out, "✗ %v\n", err)
		return
	}

	if !w.execute {
		if err := writePlan(w.out, plan, a.registry); err != nil {
			a.logger.Error().Err(err).Msg("Failed to write plan")
		}
		return
	}

	report, err := a.orchestrator.Execute(ctx, plan, engine.ExecuteOptions{
		Parallel:   true,
		MaxWorkers: a.opts.workers,
	})
	if err != nil {
		fmt.Fprintf(w.out, "✗ %v\n", err)
		return
	}
	a.archive(ctx, report, false)
	if err := report.WriteText(w.out); err != nil {
		a.logger.Error().Err(err).Msg("Failed to write report")
	}
}
