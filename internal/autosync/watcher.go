// Package autosync watches the local database for writes and triggers a
// snapshot push after a quiet period, so routine edits reach the remote
// backend without the admin remembering to push.
package autosync

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet period between the last observed write and
// the triggered push. SQLite in WAL mode touches the database files many
// times per logical change, so individual events are far too noisy to act on.
const DefaultDebounce = 30 * time.Second

// Watcher debounces filesystem events on the database into push callbacks.
type Watcher struct {
	dbPath   string
	debounce time.Duration
	push     func(context.Context) error
	logger   *slog.Logger
}

// New creates a watcher for the database at dbPath. push is invoked after
// each debounced burst of writes; a debounce of zero selects the default.
func New(dbPath string, debounce time.Duration, push func(context.Context) error, logger *slog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{dbPath: dbPath, debounce: debounce, push: push, logger: logger}
}

// Run watches until ctx is canceled. The watch is on the database's parent
// directory because SQLite replaces -wal and -shm files, and a watch on a
// replaced inode goes silent.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("autosync: creating watcher: %w", err)
	}
	defer fsw.Close()

	dir := filepath.Dir(w.dbPath)
	if err := fsw.Add(dir); err != nil {
		return fmt.Errorf("autosync: watching %s: %w", dir, err)
	}

	w.logger.Info("watching for local changes",
		slog.String("db_path", w.dbPath),
		slog.Duration("debounce", w.debounce),
	)

	// The timer is created stopped and armed on the first relevant event.
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}

	pending := false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}

			if !w.relevant(event) {
				continue
			}

			w.logger.Debug("database changed",
				slog.String("file", event.Name),
				slog.String("op", event.Op.String()),
			)

			if pending {
				if !timer.Stop() {
					<-timer.C
				}
			}

			timer.Reset(w.debounce)
			pending = true

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}

			w.logger.Warn("watch error", slog.Any("error", err))

		case <-timer.C:
			pending = false

			if err := w.push(ctx); err != nil {
				// Keep watching; the next burst retries the push.
				w.logger.Error("automatic push failed", slog.Any("error", err))
			}
		}
	}
}

// relevant reports whether event concerns the database or its WAL sidecars
// and represents a write.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Rename) {
		return false
	}

	return strings.HasPrefix(filepath.Base(event.Name), filepath.Base(w.dbPath))
}
