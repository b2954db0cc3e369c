package ssh

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/gaia/pkg/engine"
)

// Runner executes unit actions on the remote host.
type Runner struct {
	client *Client

	mu          sync.Mutex
	stageLocal  string
	stageRemote string
	staged      bool
}

var _ engine.ActionRunner = (*Runner)(nil)

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithStaging uploads localDir to remoteDir before the first action runs.
// A failed upload is retried by the next action.
func WithStaging(localDir, remoteDir string) RunnerOption {
	return func(r *Runner) {
		r.stageLocal = localDir
		r.stageRemote = remoteDir
	}
}

// NewRunner creates a runner on top of client.
func NewRunner(client *Client, opts ...RunnerOption) *Runner {
	r := &Runner{client: client}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Runner) stage(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.staged || r.stageLocal == "" {
		return nil
	}
	if _, err := r.client.UploadDirectory(ctx, r.stageLocal, r.stageRemote); err != nil {
		return err
	}
	r.staged = true
	return nil
}

// Run executes the unit's action remotely. A non-zero remote exit is reported
// in the result; connection failures and cancellation are errors.
func (r *Runner) Run(ctx context.Context, unit *engine.Unit) (engine.ActionResult, error) {
	if err := r.stage(ctx); err != nil {
		return engine.ActionResult{}, err
	}

	session, err := r.client.session(ctx)
	if err != nil {
		return engine.ActionResult{}, err
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	cmd := remoteCommand(unit.Action)
	start := time.Now()

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		return engine.ActionResult{
			ExitCode: -1,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
		}, ctx.Err()
	case runErr = <-done:
	}

	result := engine.ActionResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	r.client.logger.Debug().
		Str("unit", unit.ID).
		Dur("duration", time.Since(start)).
		Err(runErr).
		Msg("Remote action finished")

	if runErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		return result, &TransportError{Op: "exec", Err: runErr, IsTemporary: true}
	}
	return result, nil
}

// remoteCommand renders an action as a POSIX shell command line.
func remoteCommand(action engine.Action) string {
	var b strings.Builder

	if action.WorkDir != "" {
		b.WriteString("cd " + shellQuote(action.WorkDir) + " && ")
	}

	keys := make([]string, 0, len(action.Env))
	for k := range action.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("export " + k + "=" + shellQuote(action.Env[k]) + "; ")
	}

	if len(action.Args) == 0 {
		b.WriteString(action.Command)
		return b.String()
	}

	b.WriteString(shellQuote(action.Command))
	for _, arg := range action.Args {
		b.WriteString(" " + shellQuote(arg))
	}
	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
