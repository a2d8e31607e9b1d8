package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 200 * time.Millisecond

// Watch reloads the config whenever the file at path changes and swaps the
// new values into cfg via ReplaceFrom. Reloads that fail to parse or fail
// validation are logged and skipped; the running config stays untouched.
// onReload, if non-nil, runs after each successful swap. Watch blocks until
// ctx is cancelled.
func Watch(ctx context.Context, path string, cfg *Config, onReload func(*Config)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors replace the file on save, which drops
	// a direct file watch.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch config dir: %w", err)
	}
	file := filepath.Base(abs)

	slog.Info("watching config", "path", abs)

	var debounce *time.Timer
	reload := func() {
		next, err := Load(abs)
		if err != nil {
			slog.Error("config reload failed, keeping current config", "error", err)
			return
		}
		if errs := next.Validate(); len(errs) > 0 {
			for _, e := range errs {
				slog.Error("config reload invalid", "error", e)
			}
			slog.Warn("keeping current config", "errors", len(errs))
			return
		}
		cfg.ReplaceFrom(next)
		slog.Info("config reloaded", "hash", cfg.Hash())
		if onReload != nil {
			onReload(cfg)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != file {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(watchDebounce, reload)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config watcher error", "error", err)
		}
	}
}
