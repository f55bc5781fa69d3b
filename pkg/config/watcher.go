package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce is how long Watch waits for writes to settle.
const DefaultDebounce = 500 * time.Millisecond

// Watcher reloads a configuration file when it changes on disk.
type Watcher struct {
	path     string
	debounce time.Duration
	logger   zerolog.Logger
}

// NewWatcher creates a watcher for the configuration file at path.
func NewWatcher(path string, logger zerolog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	return &Watcher{
		path:     abs,
		debounce: DefaultDebounce,
		logger:   logger.With().Str("component", "config-watcher").Str("path", abs).Logger(),
	}, nil
}

// Watch blocks until ctx is done, calling onChange with every successfully
// reloaded configuration. Files that fail to load are logged and skipped,
// so the previous configuration stays in effect.
//
// The parent directory is watched rather than the file, so editors that
// replace the file by rename are followed.
func (w *Watcher) Watch(ctx context.Context, onChange func(*File)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(w.path), err)
	}

	w.logger.Info().Msg("Watching configuration")

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debug().Str("op", event.Op.String()).Msg("Configuration changed")
			timer.Reset(w.debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("Watcher error")

		case <-timer.C:
			f, err := Load(w.path)
			if err != nil {
				w.logger.Error().Err(err).Msg("Failed to reload configuration, keeping the previous one")
				continue
			}
			w.logger.Info().Int("modules", len(f.Modules)).Msg("Configuration reloaded")
			onChange(f)
		}
	}
}
