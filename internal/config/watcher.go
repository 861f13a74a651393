package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/turtacn/endura/internal/rig"
	"github.com/turtacn/endura/pkg/logger"
)

// TuningFunc receives the tuning section of a reloaded config.
type TuningFunc func(rig.Tuning)

// Watcher reloads the tuning section whenever the config file changes.
// Invalid edits are logged and ignored; the previous tuning stays in force.
type Watcher struct {
	path     string
	onTuning TuningFunc
	watcher  *fsnotify.Watcher
	debounce time.Duration
	log      logger.Logger
}

// NewWatcher watches the directory holding path so editors that replace the
// file by rename are noticed too.
func NewWatcher(path string, onTuning TuningFunc) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := fsWatcher.Add(filepath.Dir(abs)); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	return &Watcher{
		path:     abs,
		onTuning: onTuning,
		watcher:  fsWatcher,
		debounce: 100 * time.Millisecond,
		log:      logger.Log.With("component", "config"),
	}, nil
}

// Run delivers reloads until ctx ends, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	var pending time.Time
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				pending = time.Now()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("Config watcher error", "err", err)

		case <-ticker.C:
			if !pending.IsZero() && time.Since(pending) >= w.debounce {
				pending = time.Time{}
				w.reload()
			}
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.log.Error("Config reload rejected, keeping previous tuning", "path", w.path, "err", err)
		return
	}
	tuning, err := ResolveTuning(cfg.Tuning)
	if err != nil {
		w.log.Error("Config reload rejected, keeping previous tuning", "path", w.path, "err", err)
		return
	}
	w.log.Info("Tuning reloaded; applies from the next run", "path", w.path)
	w.onTuning(tuning)
}

// Personal.AI order the ending
