// Package reload watches a config file and invokes a callback when it
// changes, debounced so editor save storms trigger one reload.
package reload

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/toolgate/toolgate/pkg/logging"
)

// DefaultDebounce batches rapid successive file events into one callback.
const DefaultDebounce = 300 * time.Millisecond

// Watcher triggers onChange after the watched config file is written or
// replaced.
type Watcher struct {
	path     string
	onChange func() error
	debounce time.Duration
	logger   *slog.Logger
}

// NewWatcher creates a watcher for path. onChange runs after each debounced
// change; its error is logged, not fatal.
func NewWatcher(path string, onChange func() error) *Watcher {
	return &Watcher{
		path:     path,
		onChange: onChange,
		debounce: DefaultDebounce,
		logger:   logging.NewDiscardLogger(),
	}
}

// SetLogger sets the logger for watcher events.
func (w *Watcher) SetLogger(logger *slog.Logger) {
	if logger != nil {
		w.logger = logger
	}
}

// SetDebounce overrides the debounce window.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// Watch blocks until ctx is cancelled, invoking onChange after changes.
//
// The parent directory is watched instead of the file itself: editors save
// atomically by renaming a temp file over the target, which makes a watch on
// the file itself go stale after the first save.
func (w *Watcher) Watch(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	target := filepath.Base(w.path)
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	w.logger.Info("watching config file", "path", w.path)

	var pending *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("stopping config watcher")
			return ctx.Err()

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			// Write covers in-place saves; Create covers the rename step of
			// an atomic save.
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.logger.Debug("config file event", "op", event.Op.String())
			if pending != nil {
				pending.Stop()
			}
			pending = time.NewTimer(w.debounce)
			fire = pending.C

		case <-fire:
			fire = nil
			w.logger.Info("config changed, reloading")
			if err := w.onChange(); err != nil {
				w.logger.Error("reload failed", "error", err)
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watch error", "error", err)
		}
	}
}
