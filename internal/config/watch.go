package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/hotaru-ai/hotaru/internal/bus"
)

// EventUpdated fires when any config layer changes on disk. Consumers
// reload through Load; running sessions keep their current view.
var EventUpdated = bus.Define("config.updated", `{
	"type": "object",
	"properties": {
		"path": {"type": "string"}
	},
	"required": ["path"]
}`)

// Watch publishes config.updated whenever a config layer for the
// worktree is written. It returns a stop function.
func Watch(ctx context.Context, b *bus.Bus, logger *slog.Logger, worktree string) (func(), error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "config")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	watched := make(map[string]bool)
	for _, path := range Layers(worktree) {
		// Watch the directory: the file may not exist yet, and editors
		// replace files by rename.
		dir := filepath.Dir(path)
		if watched[dir] {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			logger.Debug("not watching config dir", "dir", dir, "error", err)
			continue
		}
		watched[dir] = true
	}

	layerSet := make(map[string]bool)
	for _, path := range Layers(worktree) {
		layerSet[path] = true
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !layerSet[filepath.Clean(ev.Name)] {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				logger.Info("config layer changed", "path", ev.Name)
				if b != nil {
					if err := b.Publish(ctx, EventUpdated, map[string]any{"path": ev.Name}); err != nil {
						logger.Warn("failed to publish config.updated", "error", err)
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", "error", err)
			}
		}
	}()

	return func() { _ = watcher.Close() }, nil
}
