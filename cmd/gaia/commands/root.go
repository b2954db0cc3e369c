package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/gaia/pkg/engine"
)

// Exit codes.
const (
	ExitSuccess     = 0
	ExitFailure     = 1
	ExitConfigError = 2
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit code %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// exitError maps err to an exit code: configuration errors exit with 2,
// everything else with 1.
func exitError(err error) error {
	if err == nil {
		return nil
	}
	if engine.IsConfigurationError(err) {
		return &ExitError{Code: ExitConfigError, Err: err}
	}
	return &ExitError{Code: ExitFailure, Err: err}
}

// globalOptions holds the persistent flags shared by every command.
type globalOptions struct {
	catalog      string
	scope        string
	vars         map[string]string
	stack        string
	operation    string
	baseline     bool
	atmosBinary  string
	cycleMode    string
	workers      int
	jsonOutput   bool
	verbose      bool
	logFormat    string
	environment  string
	policyPaths  []string
	noPolicy     bool
	historyDB    string
	metricsAddr  string
	traceExport  string
	traceURL     string
	remoteHost   string
	remoteUser   string
	remotePort   int
	remoteKey    string
	remoteJump   string
	remoteAuth   string
	remoteStage  string
	wasmMemory   uint32
	connTimeout  time.Duration
	reportBucket string
	reportPrefix string
}

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	return newRootCommand(version, commit, buildDate).ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "gaia",
		Short: "Gaia - dependency-ordered task orchestration",
		Long: `Gaia runs units of work in dependency order.

Units come from a catalog file (CUE, YAML or Starlark) or from an Atmos
stack. Gaia resolves their dependencies into a graph, groups the graph into
layers, and runs each layer concurrently with retries, timeouts and
fail-fast for critical units.

Exit codes:
  0  every unit completed
  1  at least one unit failed or was skipped
  2  configuration error (unknown unit, cycle, invalid catalog, policy denial)`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.catalog, "catalog", "f", "", "unit catalog file or directory (.cue, .yaml, .star)")
	flags.StringVar(&opts.scope, "scope", "", "scope to resolve units in (defaults to the catalog scope)")
	flags.StringToStringVar(&opts.vars, "var", nil, "variables passed to Starlark catalogs (key=value)")
	flags.StringVar(&opts.stack, "stack", "", "Atmos stack (tenant-account-environment) to load components from")
	flags.StringVar(&opts.operation, "operation", "plan", "Atmos operation: plan, apply, validate, destroy, drift")
	flags.BoolVar(&opts.baseline, "baseline", false, "generate baseline and environment validation units for --stack")
	flags.StringVar(&opts.atmosBinary, "atmos-binary", "atmos", "path to the atmos binary")
	flags.StringVar(&opts.cycleMode, "cycle-mode", string(engine.CycleModeAuthoritative), "cycle handling: authoritative or advisory")
	flags.IntVarP(&opts.workers, "workers", "w", engine.DefaultMaxWorkers, "maximum concurrent units per layer")
	flags.BoolVar(&opts.jsonOutput, "json", false, "output in JSON format")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	flags.StringVar(&opts.logFormat, "log-format", "console", "log format: console or json")
	flags.StringVar(&opts.environment, "environment", "development", "deployment environment passed to policies")
	flags.StringSliceVar(&opts.policyPaths, "policy", nil, "additional Rego policy files or directories")
	flags.BoolVar(&opts.noPolicy, "no-policy", false, "disable the plan policy gate")
	flags.StringVar(&opts.historyDB, "history-db", "", "SQLite database archiving run reports (empty disables)")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	flags.StringVar(&opts.traceExport, "trace-exporter", "none", "trace exporter: otlp, stdout or none")
	flags.StringVar(&opts.traceURL, "trace-endpoint", "localhost:4317", "OTLP collector endpoint")
	flags.StringVar(&opts.remoteHost, "remote", "", "run actions on this host over SSH")
	flags.StringVar(&opts.remoteUser, "remote-user", "", "SSH user (defaults to $USER)")
	flags.IntVar(&opts.remotePort, "remote-port", 22, "SSH port")
	flags.StringVar(&opts.remoteKey, "remote-key", "", "SSH private key path")
	flags.StringVar(&opts.remoteJump, "remote-jump", "", "SSH jump host (user@host:port)")
	flags.StringVar(&opts.remoteAuth, "remote-auth", "key", "SSH auth method: key, agent or password ($GAIA_SSH_PASSWORD)")
	flags.StringVar(&opts.remoteStage, "remote-stage", "", "upload a local directory before the first remote action (LOCAL:REMOTE)")
	flags.Uint32Var(&opts.wasmMemory, "wasm-memory-pages", 256, "memory limit for .wasm actions in 64KiB pages")
	flags.DurationVar(&opts.connTimeout, "remote-timeout", 30*time.Second, "SSH connection timeout")
	flags.StringVar(&opts.reportBucket, "report-bucket", "", "upload run reports to this S3 bucket ($GAIA_S3_ENDPOINT, $GAIA_S3_ACCESS_KEY, $GAIA_S3_SECRET_KEY)")
	flags.StringVar(&opts.reportPrefix, "report-prefix", "gaia", "object key prefix for uploaded reports")

	rootCmd.AddCommand(newPlanCommand(opts))
	rootCmd.AddCommand(newRunCommand(opts))
	rootCmd.AddCommand(newOrderCommand(opts))
	rootCmd.AddCommand(newValidateCommand(opts))
	rootCmd.AddCommand(newGraphCommand(opts))
	rootCmd.AddCommand(newHistoryCommand(opts))
	rootCmd.AddCommand(newWatchCommand(opts))

	return rootCmd
}
