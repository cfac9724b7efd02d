package loader

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher hot-reloads policy packs when files in the pack directory change.
// Reloads are debounced so that editors writing multiple events (create,
// write, rename) trigger a single reload.
type Watcher struct {
	loader   *Loader
	logger   *slog.Logger
	debounce time.Duration
}

// NewWatcher creates a watcher over the loader's directory. A debounce of
// zero defaults to 200ms.
func NewWatcher(l *Loader, debounce time.Duration, logger *slog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{loader: l, logger: logger, debounce: debounce}
}

// Watch blocks until ctx is cancelled, reloading the pack set after relevant
// filesystem events. A failed reload keeps the previous pack set active and
// is logged, never fatal.
func (w *Watcher) Watch(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("loader: create watcher: %w", err)
	}
	defer func() { _ = fw.Close() }()

	if err := fw.Add(w.loader.dir); err != nil {
		return fmt.Errorf("loader: watch %s: %w", w.loader.dir, err)
	}
	w.logger.Info("watching policy pack directory", "dir", w.loader.dir)

	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !isPackFile(filepath.Base(ev.Name)) || !relevantOp(ev.Op) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			if err := w.loader.LoadAll(); err != nil {
				w.logger.Error("policy pack reload failed, previous set stays active", "error", err)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("policy pack watcher error", "error", err)
		}
	}
}

func relevantOp(op fsnotify.Op) bool {
	return op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0
}
