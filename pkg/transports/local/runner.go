// Package local runs unit actions as processes on the local host.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/gaia/pkg/engine"
)

const (
	// DefaultShell runs actions that have a command but no arguments.
	DefaultShell = "/bin/sh"

	// DefaultMaxOutput caps captured stdout and stderr per stream.
	DefaultMaxOutput = 1 << 20

	// OperationLabel marks the kind of operation a unit performs.
	OperationLabel = "operation"

	// OperationDrift labels units whose exit codes report drift.
	OperationDrift = "drift"
)

// Runner executes unit actions with os/exec.
type Runner struct {
	shell      string
	inheritEnv bool
	maxOutput  int
	driftCodes map[int]bool
	waitDelay  time.Duration
	logger     zerolog.Logger
}

var _ engine.ActionRunner = (*Runner)(nil)

// Option configures a Runner.
type Option func(*Runner)

// WithShell sets the shell used for argument-less commands.
func WithShell(shell string) Option {
	return func(r *Runner) {
		r.shell = shell
	}
}

// WithInheritEnv controls whether actions see the parent environment.
func WithInheritEnv(inherit bool) Option {
	return func(r *Runner) {
		r.inheritEnv = inherit
	}
}

// WithMaxOutput caps captured output per stream.
func WithMaxOutput(n int) Option {
	return func(r *Runner) {
		r.maxOutput = n
	}
}

// WithDriftExitCodes marks exit codes that mean "drift detected" for units
// labeled operation=drift. Such exits count as success and are noted in the
// output. Terraform's -detailed-exitcode uses 2.
func WithDriftExitCodes(codes ...int) Option {
	return func(r *Runner) {
		r.driftCodes = make(map[int]bool, len(codes))
		for _, c := range codes {
			r.driftCodes[c] = true
		}
	}
}

// NewRunner creates a local runner.
func NewRunner(logger zerolog.Logger, opts ...Option) *Runner {
	r := &Runner{
		shell:      DefaultShell,
		inheritEnv: true,
		maxOutput:  DefaultMaxOutput,
		waitDelay:  5 * time.Second,
		logger:     logger.With().Str("component", "local-runner").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes the unit's action until it exits or ctx is done.
// A non-zero exit is reported in the result, not as an error.
func (r *Runner) Run(ctx context.Context, unit *engine.Unit) (engine.ActionResult, error) {
	action := unit.Action
	if action.Command == "" {
		return engine.ActionResult{}, fmt.Errorf("unit %s has no command", unit.ID)
	}

	var cmd *exec.Cmd
	if len(action.Args) > 0 {
		cmd = exec.CommandContext(ctx, action.Command, action.Args...)
	} else {
		cmd = exec.CommandContext(ctx, r.shell, "-c", action.Command)
	}
	configureProcess(cmd)
	cmd.WaitDelay = r.waitDelay

	if action.WorkDir != "" {
		cmd.Dir = action.WorkDir
	}
	cmd.Env = r.environment(action.Env)

	stdout := NewOutputBuffer(r.maxOutput)
	stderr := NewOutputBuffer(r.maxOutput)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()

	result := engine.ActionResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			result.ExitCode = -1
			return result, ctxErr
		}
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return result, fmt.Errorf("failed to execute command: %w", err)
		}
		result.ExitCode = exitErr.ExitCode()
	}

	if result.ExitCode != 0 && unit.Labels[OperationLabel] == OperationDrift && r.driftCodes[result.ExitCode] {
		result.Stdout += fmt.Sprintf("\ndrift detected (exit code %d)\n", result.ExitCode)
		result.ExitCode = 0
	}

	r.logger.Debug().
		Str("unit", unit.ID).
		Int("exit_code", result.ExitCode).
		Dur("duration", time.Since(start)).
		Msg("Action finished")

	return result, nil
}

func (r *Runner) environment(extra map[string]string) []string {
	var env []string
	if r.inheritEnv {
		env = os.Environ()
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

// OutputBuffer keeps at most limit bytes written to it and discards the
// rest. A non-positive limit keeps everything.
type OutputBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

// NewOutputBuffer returns a buffer capped at limit bytes.
func NewOutputBuffer(limit int) *OutputBuffer {
	return &OutputBuffer{limit: limit}
}

func (b *OutputBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if b.limit > 0 {
		room := b.limit - b.buf.Len()
		if room <= 0 {
			b.truncated = true
			return n, nil
		}
		if len(p) > room {
			p = p[:room]
			b.truncated = true
		}
	}
	b.buf.Write(p)
	return n, nil
}

func (b *OutputBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}
