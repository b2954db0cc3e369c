package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/openfroyo/gaia/pkg/engine"
)

// Loader reads unit catalogs from CUE, YAML or Starlark sources.
type Loader struct {
	mu       sync.Mutex
	cue      *CUEParser
	starlark *StarlarkEvaluator
	schemas  *SchemaRegistry
	validate *validator.Validate
	vars     map[string]interface{}
	logger   zerolog.Logger
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithVars exposes variables to Starlark catalogs as predeclared globals.
func WithVars(vars map[string]interface{}) LoaderOption {
	return func(l *Loader) {
		l.vars = vars
	}
}

// WithStarlarkTimeout bounds Starlark evaluation time.
func WithStarlarkTimeout(d time.Duration) LoaderOption {
	return func(l *Loader) {
		l.starlark = NewStarlarkEvaluator(d)
	}
}

// NewLoader creates a catalog loader.
func NewLoader(logger zerolog.Logger, opts ...LoaderOption) *Loader {
	schemas := NewSchemaRegistry()
	l := &Loader{
		cue:      NewCUEParser(schemas),
		starlark: NewStarlarkEvaluator(0),
		schemas:  schemas,
		validate: newValidator(),
		logger:   logger.With().Str("component", "config").Logger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Schemas returns the loader's schema registry.
func (l *Loader) Schemas() *SchemaRegistry {
	return l.schemas
}

// Load reads and validates the catalog at path. A directory is loaded as a
// CUE package. Failures are configuration errors.
func (l *Loader) Load(ctx context.Context, path string) (*UnitsFile, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	file, err := l.read(ctx, path)
	if err == nil {
		err = l.Validate(file)
	}
	if err != nil {
		return nil, engine.NewPermanentError("failed to load unit catalog", err).
			WithCode(engine.ErrCodeValidation).
			WithDetail("path", path)
	}

	l.logger.Debug().
		Str("path", path).
		Str("scope", file.Scope).
		Int("units", len(file.Units)).
		Msg("Loaded unit catalog")
	return file, nil
}

// LoadRegistry loads the catalog at path into a new registry.
func (l *Loader) LoadRegistry(ctx context.Context, path string) (*engine.Registry, *UnitsFile, error) {
	file, err := l.Load(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	registry, err := file.Registry()
	if err != nil {
		return nil, nil, err
	}
	return registry, file, nil
}

// Validate checks struct tags and the CUE schema.
func (l *Loader) Validate(file *UnitsFile) error {
	source := formatSourceFiles(file.SourceFiles)
	if err := l.validate.Struct(file); err != nil {
		return structErrors(err, source)
	}
	if err := l.schemas.ValidateUnitsFile(file); err != nil {
		return err
	}

	seen := make(map[string]bool, len(file.Units))
	var errs ValidationErrors
	for i, u := range file.Units {
		if seen[u.ID] {
			errs = append(errs, ValidationError{
				File:    source,
				Path:    fmt.Sprintf("units[%d].id", i),
				Message: fmt.Sprintf("duplicate unit ID %q", u.ID),
			})
		}
		seen[u.ID] = true
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

func (l *Loader) read(ctx context.Context, path string) (*UnitsFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return l.cue.ParseDir(path)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".cue":
		return l.cue.ParseFile(path)
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return ParseYAML(data, path)
	case ".star", ".starlark":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return l.starlark.Evaluate(ctx, path, string(data), l.vars)
	default:
		return nil, fmt.Errorf("unsupported catalog format %q", ext)
	}
}

// IsCatalogFile reports whether path has a catalog extension.
func IsCatalogFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue", ".yaml", ".yml", ".star", ".starlark":
		return true
	}
	return false
}
