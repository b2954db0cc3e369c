package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/gaia/pkg/engine"
)

// UnitsFile is a unit catalog for one scope.
type UnitsFile struct {
	// Scope is the scope every unit in the file belongs to.
	Scope string `json:"scope" yaml:"scope" validate:"required"`

	// Defaults are applied to units that leave a field unset.
	Defaults UnitDefaults `json:"defaults,omitempty" yaml:"defaults,omitempty"`

	// Units lists the unit definitions in registration order.
	Units []UnitConfig `json:"units" yaml:"units" validate:"required,min=1,dive"`

	// SourceFiles lists the files the catalog was read from.
	SourceFiles []string `json:"-" yaml:"-"`
}

// UnitDefaults holds catalog-wide defaults.
type UnitDefaults struct {
	Priority   string            `json:"priority,omitempty" yaml:"priority,omitempty" validate:"omitempty,priority"`
	Timeout    string            `json:"timeout,omitempty" yaml:"timeout,omitempty" validate:"omitempty,duration"`
	MaxRetries *int              `json:"max_retries,omitempty" yaml:"max_retries,omitempty" validate:"omitempty,min=0"`
	WorkDir    string            `json:"workdir,omitempty" yaml:"workdir,omitempty"`
	Env        map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// UnitConfig is the declarative form of an engine.Unit.
type UnitConfig struct {
	// ID uniquely identifies the unit.
	ID string `json:"id" yaml:"id" validate:"required"`

	// Name is a human-readable name; defaults to ID.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Command is the executable to run.
	Command string `json:"command" yaml:"command" validate:"required"`

	// Args are the command arguments.
	Args []string `json:"args,omitempty" yaml:"args,omitempty"`

	// WorkDir is the working directory for the command.
	WorkDir string `json:"workdir,omitempty" yaml:"workdir,omitempty"`

	// Env holds extra environment variables.
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// DependsOn lists units this unit depends on.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty" validate:"dive,required"`

	// Priority is low, medium, high or critical.
	Priority string `json:"priority,omitempty" yaml:"priority,omitempty" validate:"omitempty,priority"`

	// Timeout is a Go duration string such as "5m".
	Timeout string `json:"timeout,omitempty" yaml:"timeout,omitempty" validate:"omitempty,duration"`

	// MaxRetries is the number of retries after the first failure.
	MaxRetries *int `json:"max_retries,omitempty" yaml:"max_retries,omitempty" validate:"omitempty,min=0"`

	// Labels are free-form metadata used by policies.
	Labels map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the field path, e.g. "units[2].timeout".
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

func (ve ValidationError) String() string {
	var loc string
	switch {
	case ve.File != "" && ve.Line > 0:
		loc = fmt.Sprintf("%s:%d:%d: ", ve.File, ve.Line, ve.Column)
	case ve.File != "":
		loc = ve.File + ": "
	}
	if ve.Path != "" {
		loc += ve.Path + ": "
	}
	return loc + ve.Message
}

// ValidationErrors is returned when a catalog fails validation.
type ValidationErrors []ValidationError

func (ve ValidationErrors) Error() string {
	msgs := make([]string, len(ve))
	for i, e := range ve {
		msgs[i] = e.String()
	}
	return strings.Join(msgs, "; ")
}

// ToUnits converts the catalog into engine units with defaults applied.
func (f *UnitsFile) ToUnits() ([]engine.Unit, error) {
	units := make([]engine.Unit, 0, len(f.Units))
	var errs ValidationErrors

	for i, uc := range f.Units {
		unit, err := uc.toUnit(f.Scope, f.Defaults)
		if err != nil {
			errs = append(errs, ValidationError{
				File:    formatSourceFiles(f.SourceFiles),
				Path:    fmt.Sprintf("units[%d]", i),
				Message: err.Error(),
			})
			continue
		}
		units = append(units, unit)
	}
	if len(errs) > 0 {
		return nil, errs
	}
	return units, nil
}

// Registry registers every unit of the catalog in a new registry.
func (f *UnitsFile) Registry() (*engine.Registry, error) {
	units, err := f.ToUnits()
	if err != nil {
		return nil, engine.NewPermanentError("invalid unit catalog", err).WithCode(engine.ErrCodeValidation)
	}
	registry := engine.NewRegistry()
	for _, u := range units {
		if err := registry.Register(u); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func (uc UnitConfig) toUnit(scope string, defaults UnitDefaults) (engine.Unit, error) {
	unit := engine.Unit{
		ID:           uc.ID,
		Name:         uc.Name,
		Scope:        scope,
		Dependencies: append([]string(nil), uc.DependsOn...),
		Labels:       uc.Labels,
		MaxRetries:   engine.DefaultMaxRetries,
		Action: engine.Action{
			Command: uc.Command,
			Args:    append([]string(nil), uc.Args...),
			WorkDir: firstNonEmpty(uc.WorkDir, defaults.WorkDir),
			Env:     mergeEnv(defaults.Env, uc.Env),
		},
	}

	if p := firstNonEmpty(uc.Priority, defaults.Priority); p != "" {
		priority, err := engine.ParsePriority(p)
		if err != nil {
			return unit, err
		}
		unit.Priority = priority
	}

	if t := firstNonEmpty(uc.Timeout, defaults.Timeout); t != "" {
		timeout, err := time.ParseDuration(t)
		if err != nil {
			return unit, fmt.Errorf("invalid timeout %q: %w", t, err)
		}
		unit.Timeout = timeout
	}

	switch {
	case uc.MaxRetries != nil:
		unit.MaxRetries = *uc.MaxRetries
	case defaults.MaxRetries != nil:
		unit.MaxRetries = *defaults.MaxRetries
	}

	return unit, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func mergeEnv(base, override map[string]string) map[string]string {
	if len(base) == 0 && len(override) == 0 {
		return nil
	}
	env := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		env[k] = v
	}
	for k, v := range override {
		env[k] = v
	}
	return env
}

func formatSourceFiles(files []string) string {
	return strings.Join(files, ",")
}
