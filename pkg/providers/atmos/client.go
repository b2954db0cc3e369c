// Package atmos discovers units and their dependencies from atmos stacks.
package atmos

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/gaia/pkg/engine"
)

// DefaultBinary is the atmos executable name.
const DefaultBinary = "atmos"

// CommandExecutor runs a command and returns its stdout.
type CommandExecutor func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecCommand is the default CommandExecutor backed by os/exec.
func ExecCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return out, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, msg)
		}
		return out, fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return out, nil
}

// Client talks to the atmos CLI.
type Client struct {
	binary  string
	exec    CommandExecutor
	timeout time.Duration
	logger  zerolog.Logger
}

var _ engine.Describer = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithBinary overrides the atmos executable.
func WithBinary(binary string) Option {
	return func(c *Client) {
		c.binary = binary
	}
}

// WithExecutor replaces how commands are run.
func WithExecutor(exec CommandExecutor) Option {
	return func(c *Client) {
		c.exec = exec
	}
}

// WithTimeout bounds each atmos invocation.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// NewClient creates an atmos client.
func NewClient(logger zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		binary:  DefaultBinary,
		exec:    ExecCommand,
		timeout: 30 * time.Second,
		logger:  logger.With().Str("component", "atmos").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) run(ctx context.Context, args ...string) ([]byte, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	return c.exec(ctx, c.binary, args...)
}

// ListComponents returns the components configured in a stack.
func (c *Client) ListComponents(ctx context.Context, stack string) ([]string, error) {
	out, err := c.run(ctx, "list", "components", "-s", stack)
	if err != nil {
		return nil, fmt.Errorf("failed to list components for stack %s: %w", stack, err)
	}

	var components []string
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			components = append(components, line)
		}
	}
	c.logger.Debug().Str("stack", stack).Int("count", len(components)).Msg("Listed components")
	return components, nil
}

// DescribeComponent returns the resolved configuration of a component.
func (c *Client) DescribeComponent(ctx context.Context, stack, component string) (map[string]interface{}, error) {
	out, err := c.run(ctx, "describe", "component", component, "-s", stack, "-f", "yaml")
	if err != nil {
		return nil, err
	}

	var cfg map[string]interface{}
	if err := yaml.Unmarshal(out, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse describe output for %s: %w", component, err)
	}
	return cfg, nil
}

// Describe implements engine.Describer. scope is the stack name and unitID
// the component. Dependencies are read from the top-level dependencies key,
// settings.depends_on and terraform_state.dependencies.
func (c *Client) Describe(ctx context.Context, scope, unitID string) (engine.Declaration, error) {
	cfg, err := c.DescribeComponent(ctx, scope, unitID)
	if err != nil {
		return engine.Declaration{}, engine.NewTransientError("describe failed", err).
			WithCode(engine.ErrCodeDescribeFailed).
			WithUnit(unitID).
			WithDetail("stack", scope)
	}
	return DependenciesFromConfig(cfg)
}

// DependenciesFromConfig extracts dependency declarations from a described
// component configuration.
func DependenciesFromConfig(cfg map[string]interface{}) (engine.Declaration, error) {
	deps := engine.ParseDeclaration(cfg["dependencies"]).Dependencies()

	if settings, ok := cfg["settings"].(map[string]interface{}); ok {
		deps = append(deps, dependsOnComponents(settings["depends_on"])...)
	}
	if state, ok := cfg["terraform_state"].(map[string]interface{}); ok {
		deps = append(deps, engine.ParseDeclaration(state["dependencies"]).Dependencies()...)
	}
	return engine.ListDeclaration(deps...), nil
}

// dependsOnComponents reads atmos settings.depends_on, which is either a list
// or a map of entries shaped like {component: name, stack: ...}. Only the
// component names are kept.
func dependsOnComponents(raw interface{}) []string {
	var entries []interface{}
	switch v := raw.(type) {
	case []interface{}:
		entries = v
	case map[string]interface{}:
		for _, k := range sortedKeys(v) {
			entries = append(entries, v[k])
		}
	case map[interface{}]interface{}:
		keyed := make(map[string]interface{}, len(v))
		for k, val := range v {
			keyed[fmt.Sprint(k)] = val
		}
		for _, k := range sortedKeys(keyed) {
			entries = append(entries, keyed[k])
		}
	default:
		return engine.ParseDeclaration(raw).Dependencies()
	}

	var out []string
	for _, e := range entries {
		switch entry := e.(type) {
		case string:
			out = append(out, entry)
		case map[string]interface{}:
			if name, ok := entry["component"].(string); ok {
				out = append(out, name)
			}
		}
	}
	return out
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
