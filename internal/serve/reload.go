package serve

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dtnitsch/pagewarden/models"
)

// reloadDebounce collapses the burst of events an editor save produces.
const reloadDebounce = 200 * time.Millisecond

// WatchConfig calls apply with the freshly loaded configuration whenever
// the file at path changes, until ctx ends. The parent directory is
// watched so that editors replacing the file by rename are seen too.
// Invalid files are logged and skipped.
func WatchConfig(ctx context.Context, path string, logger *slog.Logger, apply func(*models.Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				pending = time.After(reloadDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("Config watcher error", "error", err)
		case <-pending:
			pending = nil
			cfg, err := models.LoadConfig(abs)
			if err != nil {
				logger.Warn("Ignoring invalid config change", "path", abs, "error", err)
				continue
			}
			logger.Info("Config reloaded", "path", abs)
			apply(cfg)
		}
	}
}
