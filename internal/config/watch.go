package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadSettle lets editors finish writing before the file is re-read.
const reloadSettle = 100 * time.Millisecond

// Watch calls fn with the freshly loaded config whenever the file at path changes, until ctx ends.
// Files that fail to load or validate are logged and skipped; fn only sees valid configs.
//
// The parent directory is watched so atomic replace (write tmp + rename) is observed.
func Watch(ctx context.Context, path string, log *slog.Logger, fn func(*Config)) error {
	if log == nil {
		log = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	target := filepath.Clean(path)
	if err := w.Add(filepath.Dir(target)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch config dir: %w", err)
	}

	var lastMod time.Time
	if st, err := os.Stat(target); err == nil {
		lastMod = st.ModTime()
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				st, err := os.Stat(target)
				if err != nil || !st.ModTime().After(lastMod) {
					continue
				}
				lastMod = st.ModTime()

				select {
				case <-ctx.Done():
					return
				case <-time.After(reloadSettle):
				}
				cfg, err := Load(target)
				if err != nil {
					log.Warn("config reload rejected", "path", target, "error", err)
					continue
				}
				log.Info("config reloaded", "path", target)
				fn(cfg)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
