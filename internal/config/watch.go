package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 250 * time.Millisecond

// Watch reloads the config file whenever it changes and hands the
// fresh Config to onReload. Only settings consulted per-operation pick
// up new values; listeners and store backends keep their boot config.
//
// The parent directory is watched rather than the file itself, so
// editors that replace the file (rename + create) don't drop the
// watch. Blocks until ctx is cancelled.
func Watch(ctx context.Context, path string, onReload func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer watcher.Close()

	full := ExpandHome(path)
	if err := watcher.Add(filepath.Dir(full)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(full), err)
	}

	var debounce *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(full) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(reloadDebounce)
				fire = debounce.C
			} else {
				debounce.Reset(reloadDebounce)
			}

		case <-fire:
			debounce, fire = nil, nil
			cfg, err := Load(path)
			if err != nil {
				slog.Error("config.reload_failed", "path", path, "error", err)
				continue
			}
			slog.Info("config.reloaded", "path", path)
			onReload(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config.watch_error", "error", err)
		}
	}
}
