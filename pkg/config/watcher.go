package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce is how long the watcher waits for writes to settle.
const DefaultDebounce = 500 * time.Millisecond

// Watcher reloads a catalog when its files change.
type Watcher struct {
	loader   *Loader
	path     string
	debounce time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	timer   *time.Timer
}

// NewWatcher creates a watcher for the catalog at path.
func NewWatcher(loader *Loader, path string, logger zerolog.Logger) *Watcher {
	return &Watcher{
		loader:   loader,
		path:     path,
		debounce: DefaultDebounce,
		logger:   logger.With().Str("component", "config-watcher").Logger(),
	}
}

// SetDebounce overrides the debounce interval.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// Watch starts watching and calls onChange with each successfully reloaded
// catalog until ctx is done. Load failures are logged and skipped.
func (w *Watcher) Watch(ctx context.Context, onChange func(*UnitsFile) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	info, err := os.Stat(w.path)
	if err != nil {
		_ = watcher.Close()
		return err
	}

	// Watch the parent directory of single files so editors that replace
	// the file on save are still seen.
	dir, file := w.path, ""
	if !info.IsDir() {
		dir, file = filepath.Dir(w.path), filepath.Clean(w.path)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	w.mu.Lock()
	w.watcher = watcher
	w.mu.Unlock()

	go w.processEvents(ctx, watcher, file, onChange)

	w.logger.Info().Str("path", w.path).Msg("Started watching unit catalog")
	return nil
}

func (w *Watcher) processEvents(ctx context.Context, watcher *fsnotify.Watcher, file string, onChange func(*UnitsFile) error) {
	for {
		select {
		case <-ctx.Done():
			_ = w.Stop()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if file != "" && filepath.Clean(event.Name) != file {
				continue
			}
			if file == "" && !IsCatalogFile(event.Name) {
				continue
			}

			w.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Catalog file changed")

			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.timer = time.AfterFunc(w.debounce, func() {
				w.reload(ctx, onChange)
			})
			w.mu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (w *Watcher) reload(ctx context.Context, onChange func(*UnitsFile) error) {
	if ctx.Err() != nil {
		return
	}
	file, err := w.loader.Load(ctx, w.path)
	if err != nil {
		w.logger.Error().Err(err).Msg("Failed to reload unit catalog")
		return
	}
	if err := onChange(file); err != nil {
		w.logger.Error().Err(err).Msg("Failed to apply reloaded catalog")
		return
	}
	w.logger.Info().Int("units", len(file.Units)).Msg("Unit catalog reloaded")
}

// Stop stops watching for file changes.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	if w.watcher == nil {
		return nil
	}
	err := w.watcher.Close()
	w.watcher = nil
	return err
}
