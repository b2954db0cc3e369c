package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/gaia/pkg/config"
	"github.com/openfroyo/gaia/pkg/engine"
	"github.com/openfroyo/gaia/pkg/policy"
	"github.com/openfroyo/gaia/pkg/providers/atmos"
	"github.com/openfroyo/gaia/pkg/stores"
	"github.com/openfroyo/gaia/pkg/telemetry"
	"github.com/openfroyo/gaia/pkg/transports/local"
	"github.com/openfroyo/gaia/pkg/transports/ssh"
	"github.com/openfroyo/gaia/pkg/transports/wasm"
)

// Environment variables holding secrets that are never passed as flags.
const (
	envSSHPassword = "GAIA_SSH_PASSWORD"
	envS3Endpoint  = "GAIA_S3_ENDPOINT"
	envS3AccessKey = "GAIA_S3_ACCESS_KEY"
	envS3SecretKey = "GAIA_S3_SECRET_KEY"
	envS3Region    = "GAIA_S3_REGION"
	envS3Insecure  = "GAIA_S3_INSECURE"
)

// app is the wiring shared by the commands: telemetry, the unit registry, the
// action runner, the policy gate, the report archive and the orchestrator.
type app struct {
	opts   *globalOptions
	tel    *telemetry.Telemetry
	logger zerolog.Logger

	registry  *engine.Registry
	catalog   *config.UnitsFile
	loader    *config.Loader
	describer engine.Describer
	scope     string
	operation string
	reverse   bool

	runner       engine.ActionRunner
	sshClient    *ssh.Client
	sandbox      *wasm.Runner
	gate         *policy.Engine
	policyCtx    policy.Context
	store        *stores.SQLiteStore
	objects      *stores.ObjectStore
	orchestrator *engine.Orchestrator

	cancelSub context.CancelFunc
}

// newTelemetry builds telemetry from the global flags.
func newTelemetry(opts *globalOptions) (*telemetry.Telemetry, error) {
	cfg := telemetry.DefaultConfig()
	cfg.Environment = opts.environment
	cfg.Logging.Format = opts.logFormat
	if opts.verbose {
		cfg.Logging.Level = "debug"
	} else if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if opts.traceExport != "" && opts.traceExport != "none" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = opts.traceExport
		cfg.Tracing.Endpoint = opts.traceURL
	}
	if opts.metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.ListenAddress = opts.metricsAddr
	}
	// Events are delivered synchronously so the archive sees every event
	// before the command returns.
	cfg.Events.EnableAsync = false

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		return nil, engine.NewPermanentError("invalid telemetry configuration", err).
			WithCode(engine.ErrCodeValidation)
	}
	return tel, nil
}

// newApp loads units and wires the orchestrator. operation names the command
// for policy evaluation; dryRun marks commands that never execute actions.
func newApp(ctx context.Context, opts *globalOptions, operation string, dryRun bool) (*app, error) {
	tel, err := newTelemetry(opts)
	if err != nil {
		return nil, err
	}

	a := &app{
		opts:      opts,
		tel:       tel,
		logger:    tel.Logger.Zerolog(),
		operation: operation,
	}

	if err := a.loadUnits(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.setupRunner(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.setupPolicy(ctx, dryRun); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openObjectStore(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.orchestrator = a.newOrchestrator(a.cycleMode())
	return a, nil
}

// loadUnits fills the registry from an Atmos stack or a catalog file.
func (a *app) loadUnits(ctx context.Context) error {
	switch {
	case a.opts.stack != "":
		return a.loadStack(ctx)
	case a.opts.catalog != "":
		return a.loadCatalog(ctx)
	default:
		return engine.NewPermanentError("either --catalog or --stack is required", nil).
			WithCode(engine.ErrCodeValidation)
	}
}

func (a *app) loadCatalog(ctx context.Context) error {
	vars := make(map[string]interface{}, len(a.opts.vars))
	for k, v := range a.opts.vars {
		vars[k] = v
	}
	a.loader = config.NewLoader(a.logger, config.WithVars(vars))

	registry, file, err := a.loader.LoadRegistry(ctx, a.opts.catalog)
	if err != nil {
		return asConfigError("load catalog", err)
	}
	a.registry = registry
	a.catalog = file
	a.scope = file.Scope
	if a.opts.scope != "" {
		a.scope = a.opts.scope
	}
	a.logger.Debug().
		Str("catalog", a.opts.catalog).
		Str("scope", a.scope).
		Int("units", registry.Len()).
		Msg("Loaded unit catalog")
	return nil
}

func (a *app) loadStack(ctx context.Context) error {
	stack, err := atmos.ParseStack(a.opts.stack)
	if err != nil {
		return asConfigError("parse stack", err)
	}
	op, err := atmos.ParseOperation(a.opts.operation)
	if err != nil {
		return asConfigError("parse operation", err)
	}

	client := atmos.NewClient(a.logger, atmos.WithBinary(a.opts.atmosBinary))
	a.registry = engine.NewRegistry()
	a.scope = stack.Name()
	a.reverse = op.Reverse()

	if a.opts.baseline {
		if err := atmos.RegisterEnvironment(ctx, client, a.registry, stack.Name()); err != nil {
			return asConfigError("register environment units", err)
		}
		// Environment units declare static dependencies.
		a.describer = a.registry
		return nil
	}

	components, err := atmos.RegisterComponents(ctx, client, a.registry, stack.Name(), op)
	if err != nil {
		return asConfigError("register components", err)
	}
	a.describer = client
	a.logger.Debug().
		Str("stack", stack.Name()).
		Str("operation", string(op)).
		Strs("components", components).
		Msg("Registered stack components")
	return nil
}

// setupRunner builds the action runner: .wasm actions run in the wazero
// sandbox, everything else runs locally or on --remote.
func (a *app) setupRunner(ctx context.Context) error {
	base, err := a.baseRunner()
	if err != nil {
		return err
	}

	sandbox, err := wasm.NewRunner(ctx, a.logger,
		wasm.WithFallback(base),
		wasm.WithMemoryLimitPages(a.opts.wasmMemory))
	if err != nil {
		return err
	}
	a.sandbox = sandbox
	a.runner = sandbox
	return nil
}

func (a *app) baseRunner() (engine.ActionRunner, error) {
	if a.opts.remoteHost == "" {
		return local.NewRunner(a.logger, local.WithDriftExitCodes(2)), nil
	}

	cfg, err := a.sshConfig()
	if err != nil {
		return nil, err
	}
	client, err := ssh.NewClient(cfg, a.logger)
	if err != nil {
		return nil, asConfigError("configure ssh transport", err)
	}
	a.sshClient = client

	var runnerOpts []ssh.RunnerOption
	if a.opts.remoteStage != "" {
		localDir, remoteDir, ok := strings.Cut(a.opts.remoteStage, ":")
		if !ok || localDir == "" || remoteDir == "" {
			return nil, asConfigError("parse remote stage",
				fmt.Errorf("--remote-stage must be LOCAL:REMOTE, got %q", a.opts.remoteStage))
		}
		runnerOpts = append(runnerOpts, ssh.WithStaging(localDir, remoteDir))
	}
	return ssh.NewRunner(client, runnerOpts...), nil
}

func (a *app) sshConfig() (*ssh.Config, error) {
	username := a.opts.remoteUser
	if username == "" {
		username = currentUser()
	}

	cfg := ssh.DefaultConfig(a.opts.remoteHost, username)
	cfg.Port = a.opts.remotePort
	cfg.AuthMethod = ssh.AuthMethod(a.opts.remoteAuth)
	cfg.ConnectionTimeout = a.opts.connTimeout
	cfg.KeepAliveInterval = a.opts.connTimeout
	if a.opts.remoteKey != "" {
		cfg.PrivateKeyPath = a.opts.remoteKey
	}
	if cfg.AuthMethod == ssh.AuthMethodPassword {
		cfg.Password = os.Getenv(envSSHPassword)
	}

	if a.opts.remoteJump != "" {
		jump, err := parseJumpHost(a.opts.remoteJump, username)
		if err != nil {
			return nil, asConfigError("parse jump host", err)
		}
		cfg.ProxyHost = jump.host
		cfg.ProxyPort = jump.port
		cfg.ProxyUser = jump.user
		cfg.ProxyAuthMethod = cfg.AuthMethod
		cfg.ProxyPassword = cfg.Password
		cfg.ProxyPrivateKeyPath = cfg.PrivateKeyPath
	}
	return cfg, nil
}

func (a *app) setupPolicy(ctx context.Context, dryRun bool) error {
	if a.opts.noPolicy {
		return nil
	}
	a.policyCtx = policy.Context{
		User:        currentUser(),
		Environment: a.opts.environment,
		Operation:   a.operation,
		DryRun:      dryRun,
	}
	gate, err := policy.NewEngine(a.logger, policy.WithContext(a.policyCtx))
	if err != nil {
		return err
	}
	if len(a.opts.policyPaths) > 0 {
		if err := gate.LoadPolicies(ctx, a.opts.policyPaths); err != nil {
			return asConfigError("load policies", err)
		}
	}
	a.gate = gate
	return nil
}

// openStore opens the run archive when --history-db is set and subscribes it
// to the event stream.
func (a *app) openStore(ctx context.Context) error {
	if a.opts.historyDB == "" {
		return nil
	}
	store, err := openHistory(ctx, a.opts.historyDB, a.logger)
	if err != nil {
		return err
	}
	a.store = store

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancelSub = cancel
	a.tel.Events.Subscribe(store.EventSubscriber(subCtx), nil)
	return nil
}

func openHistory(ctx context.Context, path string, logger zerolog.Logger) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: path}, logger)
	if err != nil {
		return nil, asConfigError("configure history store", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("open history store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate history store: %w", err)
	}
	return store, nil
}

func (a *app) openObjectStore(ctx context.Context) error {
	if a.opts.reportBucket == "" {
		return nil
	}
	cfg := stores.ObjectStoreConfig{
		Endpoint:  os.Getenv(envS3Endpoint),
		AccessKey: os.Getenv(envS3AccessKey),
		SecretKey: os.Getenv(envS3SecretKey),
		Region:    os.Getenv(envS3Region),
		Bucket:    a.opts.reportBucket,
		Prefix:    a.opts.reportPrefix,
		UseSSL:    os.Getenv(envS3Insecure) == "",
	}
	objects, err := stores.NewObjectStore(cfg, a.logger)
	if err != nil {
		return asConfigError("configure report bucket", err)
	}
	if err := objects.EnsureBucket(ctx); err != nil {
		return fmt.Errorf("prepare report bucket: %w", err)
	}
	a.objects = objects
	return nil
}

func (a *app) cycleMode() engine.CycleMode {
	return engine.CycleMode(a.opts.cycleMode)
}

// newOrchestrator builds an orchestrator over the current registry.
func (a *app) newOrchestrator(mode engine.CycleMode) *engine.Orchestrator {
	opts := []engine.Option{
		engine.WithCycleMode(mode),
		engine.WithMaxWorkers(a.opts.workers),
		engine.WithEventPublisher(a.tel.Events),
		engine.WithMetrics(a.tel.Metrics),
	}
	if a.describer != nil {
		opts = append(opts, engine.WithDescriber(a.describer))
	}
	if a.gate != nil {
		opts = append(opts, engine.WithPlanGate(a.gate))
	}
	return engine.NewOrchestrator(a.registry, a.runner, a.logger, opts...)
}

// reload swaps in a fresh registry and orchestrator built from file.
// Graphs resolved from the previous catalog are dropped.
func (a *app) reload(file *config.UnitsFile) error {
	registry, err := file.Registry()
	if err != nil {
		return err
	}
	a.orchestrator.ClearCache("")
	a.registry = registry
	a.catalog = file
	if a.opts.scope == "" {
		a.scope = file.Scope
	}
	a.orchestrator = a.newOrchestrator(a.cycleMode())
	return nil
}

// archive saves report to the history store and the report bucket, when
// configured. Archive failures are logged and never fail the command.
func (a *app) archive(ctx context.Context, report *engine.ExecutionReport, reverse bool) {
	if a.store != nil {
		if err := a.store.SaveReport(ctx, report, reverse); err != nil {
			a.logger.Error().Err(err).Str("run_id", report.RunID).Msg("Failed to archive run report")
		}
	}
	if a.objects != nil {
		key, err := a.objects.UploadReport(ctx, report)
		if err != nil {
			a.logger.Error().Err(err).Str("run_id", report.RunID).Msg("Failed to upload run report")
			return
		}
		a.logger.Info().Str("run_id", report.RunID).Str("key", key).Msg("Uploaded run report")
	}
}

// Close releases every resource the app opened.
func (a *app) Close() {
	if a.sshClient != nil {
		if err := a.sshClient.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to close ssh connection")
		}
	}
	if a.sandbox != nil {
		if err := a.sandbox.Close(context.Background()); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to close wasm runtime")
		}
	}
	if a.tel != nil {
		ctx, cancel := context.WithTimeout(context.Background(), a.opts.connTimeout)
		if err := a.tel.Shutdown(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to shut down telemetry")
		}
		cancel()
	}
	if a.cancelSub != nil {
		a.cancelSub()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to close history store")
		}
	}
}

// asConfigError marks err as a configuration error unless it already carries
// an engine error code.
func asConfigError(op string, err error) error {
	var engineErr *engine.EngineError
	if errors.As(err, &engineErr) && engineErr.Code != "" {
		return err
	}
	return engine.NewPermanentError(op+" failed", err).
		WithCode(engine.ErrCodeValidation).
		WithOperation(op)
}

func currentUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return os.Getenv("USER")
}
