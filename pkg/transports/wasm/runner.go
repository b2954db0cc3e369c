// Package wasm runs unit actions that are WebAssembly modules inside a
// WASI sandbox.
//
// An action whose command names a .wasm file is compiled once, then
// instantiated per attempt with the action's arguments and environment. The
// action's working directory, if any, is the only part of the host file
// system the module can see, mounted at "/". Every other action is handed
// to a fallback runner.
package wasm

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/openfroyo/gaia/pkg/engine"
	"github.com/openfroyo/gaia/pkg/transports/local"
)

const (
	// DefaultMemoryLimitPages caps module memory at 16MiB.
	DefaultMemoryLimitPages = 256

	// DefaultMaxOutput caps captured stdout and stderr at 1MiB each.
	DefaultMaxOutput = 1 << 20
)

// Runner executes .wasm actions with wazero.
type Runner struct {
	runtime  wazero.Runtime
	cache    wazero.CompilationCache
	fallback engine.ActionRunner
	logger   zerolog.Logger

	memoryLimitPages uint32
	maxOutput        int
	readOnly         bool

	mu       sync.Mutex
	compiled map[string]*compiledModule
}

type compiledModule struct {
	module  wazero.CompiledModule
	modTime time.Time
	size    int64
}

var _ engine.ActionRunner = (*Runner)(nil)

// Option configures a Runner.
type Option func(*Runner)

// WithFallback sets the runner used for actions that are not .wasm modules.
func WithFallback(r engine.ActionRunner) Option {
	return func(w *Runner) {
		w.fallback = r
	}
}

// WithMemoryLimitPages caps module memory in 64KiB pages.
func WithMemoryLimitPages(pages uint32) Option {
	return func(w *Runner) {
		if pages > 0 {
			w.memoryLimitPages = pages
		}
	}
}

// WithMaxOutput caps the captured bytes of stdout and stderr.
func WithMaxOutput(n int) Option {
	return func(w *Runner) {
		if n > 0 {
			w.maxOutput = n
		}
	}
}

// WithReadOnlyWorkDir mounts the working directory read-only.
func WithReadOnlyWorkDir() Option {
	return func(w *Runner) {
		w.readOnly = true
	}
}

// NewRunner creates a runner with its own wazero runtime. Call Close to
// release it.
func NewRunner(ctx context.Context, logger zerolog.Logger, opts ...Option) (*Runner, error) {
	r := &Runner{
		logger:           logger.With().Str("component", "wasm-runner").Logger(),
		memoryLimitPages: DefaultMemoryLimitPages,
		maxOutput:        DefaultMaxOutput,
		compiled:         make(map[string]*compiledModule),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.cache = wazero.NewCompilationCache()
	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(r.memoryLimitPages).
		WithCompilationCache(r.cache).
		WithCloseOnContextDone(true)
	r.runtime = wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r.runtime); err != nil {
		_ = r.runtime.Close(ctx)
		_ = r.cache.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}
	return r, nil
}

// IsModule reports whether command names a WebAssembly module.
func IsModule(command string) bool {
	return strings.EqualFold(filepath.Ext(command), ".wasm")
}

// Run executes the unit's action. A non-zero proc_exit code is reported in
// the result; compile failures, traps and cancellation are errors.
func (r *Runner) Run(ctx context.Context, unit *engine.Unit) (engine.ActionResult, error) {
	action := unit.Action
	if !IsModule(action.Command) {
		if r.fallback == nil {
			return engine.ActionResult{}, fmt.Errorf("unit %s: %q is not a WebAssembly module and no fallback runner is configured", unit.ID, action.Command)
		}
		return r.fallback.Run(ctx, unit)
	}

	path := action.Command
	if !filepath.IsAbs(path) && action.WorkDir != "" {
		path = filepath.Join(action.WorkDir, path)
	}
	compiled, err := r.compile(ctx, path)
	if err != nil {
		return engine.ActionResult{}, err
	}

	stdout := local.NewOutputBuffer(r.maxOutput)
	stderr := local.NewOutputBuffer(r.maxOutput)

	config := wazero.NewModuleConfig().
		WithName("").
		WithArgs(append([]string{filepath.Base(path)}, action.Args...)...).
		WithStdout(stdout).
		WithStderr(stderr).
		WithSysWalltime().
		WithSysNanotime().
		WithRandSource(rand.Reader)
	for _, k := range sortedKeys(action.Env) {
		config = config.WithEnv(k, action.Env[k])
	}
	if action.WorkDir != "" {
		fsConfig := wazero.NewFSConfig()
		if r.readOnly {
			fsConfig = fsConfig.WithReadOnlyDirMount(action.WorkDir, "/")
		} else {
			fsConfig = fsConfig.WithDirMount(action.WorkDir, "/")
		}
		config = config.WithFSConfig(fsConfig)
	}

	start := time.Now()
	mod, err := r.runtime.InstantiateModule(ctx, compiled, config)
	if mod != nil {
		_ = mod.Close(ctx)
	}

	result := engine.ActionResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			result.ExitCode = -1
			return result, ctxErr
		}
		var exitErr *sys.ExitError
		if !errors.As(err, &exitErr) {
			return result, fmt.Errorf("failed to run module %s: %w", path, err)
		}
		result.ExitCode = int(exitErr.ExitCode())
	}

	r.logger.Debug().
		Str("unit", unit.ID).
		Str("module", path).
		Int("exit_code", result.ExitCode).
		Dur("duration", time.Since(start)).
		Msg("Module finished")

	return result, nil
}

// compile returns the compiled module for path, recompiling when the file
// changed since it was last compiled.
func (r *Runner) compile(ctx context.Context, path string) (wazero.CompiledModule, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat module: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.compiled[path]; ok {
		if c.modTime.Equal(info.ModTime()) && c.size == info.Size() {
			return c.module, nil
		}
		_ = c.module.Close(ctx)
		delete(r.compiled, path)
	}

	code, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read module: %w", err)
	}
	module, err := r.runtime.CompileModule(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to compile module %s: %w", path, err)
	}

	r.compiled[path] = &compiledModule{module: module, modTime: info.ModTime(), size: info.Size()}
	r.logger.Debug().Str("module", path).Int("bytes", len(code)).Msg("Compiled module")
	return module, nil
}

// Close releases compiled modules and the runtime.
func (r *Runner) Close(ctx context.Context) error {
	r.mu.Lock()
	r.compiled = make(map[string]*compiledModule)
	r.mu.Unlock()

	if err := r.runtime.Close(ctx); err != nil {
		return fmt.Errorf("failed to close runtime: %w", err)
	}
	return r.cache.Close(ctx)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
