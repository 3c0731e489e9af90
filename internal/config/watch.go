package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch calls fn with the freshly loaded config whenever the file at p
// changes, until ctx is done. The parent directory is watched so that
// editors replacing the file by rename are picked up. Bursts of events are
// coalesced; a file that fails to load or validate is logged and skipped.
func Watch(ctx context.Context, p string, logger *slog.Logger, fn func(Config)) error {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return fmt.Errorf("config watch %s: %w", filepath.Dir(abs), err)
	}

	go func() {
		defer w.Close()
		const settle = 100 * time.Millisecond
		var (
			timer   *time.Timer
			pending <-chan time.Time
		)
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs || !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(settle)
				} else {
					timer.Reset(settle)
				}
				pending = timer.C
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("config watch error", "error", err)
			case <-pending:
				pending = nil
				cfg, err := Load(abs)
				if err == nil {
					err = cfg.Validate()
				}
				if err != nil {
					logger.Warn("config reload skipped", "path", abs, "error", err)
					continue
				}
				logger.Info("config reloaded", "path", abs)
				fn(cfg)
			}
		}
	}()
	return nil
}
