package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Bigsy/mcpbridge/internal/log"
)

// DefaultWatchDebounce coalesces the burst of events editors emit on save.
const DefaultWatchDebounce = 150 * time.Millisecond

// Watch watches the config file and sends each successfully parsed config on
// the returned channel. It watches the parent directory (not the file) so
// atomic renames are seen. A config that fails to load is logged and skipped.
// The channel holds at most one pending config; a newer one replaces it.
// It is closed when ctx is cancelled.
func Watch(ctx context.Context, path string, debounce time.Duration, logger *slog.Logger) (<-chan *Config, error) {
	logger = log.OrDiscard(logger)
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}

	path, err := ExpandPath(path)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch config directory %s: %w", dir, err)
	}

	out := make(chan *Config, 1)
	filename := filepath.Base(path)

	var (
		mu    sync.Mutex
		timer *time.Timer
		done  bool
	)

	deliver := func() {
		if _, err := os.Stat(path); err != nil {
			logger.Debug("config file missing, skipping reload", "path", path)
			return
		}
		cfg, err := LoadFrom(path)
		if err != nil {
			logger.Warn("config reload failed, keeping current config", "path", path, "error", err)
			return
		}

		mu.Lock()
		defer mu.Unlock()
		if done {
			return
		}
		select {
		case <-out:
			logger.Debug("replacing pending config reload")
		default:
		}
		out <- cfg
	}

	go func() {
		defer watcher.Close()
		defer func() {
			mu.Lock()
			done = true
			if timer != nil {
				timer.Stop()
			}
			close(out)
			mu.Unlock()
		}()

		logger.Info("watching config file", "path", path)
		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != filename {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				logger.Debug("config file event", "path", event.Name, "op", event.Op.String())

				mu.Lock()
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(debounce, deliver)
				mu.Unlock()

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", "error", err)
			}
		}
	}()

	return out, nil
}
