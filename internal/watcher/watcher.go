// Package watcher observes the app directory for modifications and collapses
// bursts of filesystem events into a single change notification.
package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher debounces filesystem events under a directory tree.
type Watcher struct {
	dir      string
	debounce time.Duration
	notify   func()
	logger   *slog.Logger
	fs       *fsnotify.Watcher
}

// New creates a watcher over dir and all of its subdirectories.
func New(dir string, debounce time.Duration, notify func(), logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		dir:      dir,
		debounce: debounce,
		notify:   notify,
		logger:   logger.With("component", "watcher"),
		fs:       fsw,
	}
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if name := d.Name(); path != dir && len(name) > 1 && name[0] == '.' {
			return filepath.SkipDir
		}
		return w.fs.Add(path)
	})
	if err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// Run consumes filesystem events until the context is cancelled. A burst of
// events arms a debounce timer; notify fires once per quiet period.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fs.Close()

	var timer *time.Timer
	var pending <-chan time.Time

	w.logger.Info("watching app directory", "dir", w.dir, "debounce", w.debounce)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("watcher stopped")
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if ev.Op == fsnotify.Chmod {
				continue
			}
			if ev.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := w.fs.Add(ev.Name); err != nil {
						w.logger.Warn("failed to watch new directory", "path", ev.Name, "error", err)
					}
				}
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				pending = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)
		case <-pending:
			timer = nil
			pending = nil
			w.logger.Info("app directory changed", "dir", w.dir)
			w.notify()
		}
	}
}
