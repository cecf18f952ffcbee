package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"TrailWatch/pkg/logger"
	"TrailWatch/pkg/util"
)

// FilePath returns the YAML overlay named by CONFIG_FILE, if any.
func FilePath() string { return util.GetEnv("CONFIG_FILE") }

// Watch reloads the configuration whenever the YAML file at path changes
// and passes the result to fn. The directory is watched rather than the
// file, since editors usually replace files by rename. Watch blocks until
// ctx is done.
func Watch(ctx context.Context, path string, fn func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	target := filepath.Clean(path)
	if err := w.Add(filepath.Dir(target)); err != nil {
		return err
	}

	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce.Reset(200 * time.Millisecond)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", zap.Error(err))
		case <-debounce.C:
			cfg := Defaults()
			if err := LoadFile(cfg, target); err != nil {
				logger.Warn("config reload failed, keeping previous values", zap.String("path", target), zap.Error(err))
				continue
			}
			applyEnv(cfg)
			logger.Info("config reloaded", zap.String("path", target))
			fn(cfg)
		}
	}
}
