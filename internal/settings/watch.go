package settings

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 250 * time.Millisecond

// Watcher reloads the Store whenever its backing file is edited on disk.
type Watcher struct {
	store    *Store
	watcher  *fsnotify.Watcher
	debounce time.Duration
}

// NewWatcher watches the directory holding the settings file; renames replace the inode, so the file itself is not watched.
func NewWatcher(store *Store) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(store.Path())); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch settings dir: %w", err)
	}
	return &Watcher{store: store, watcher: w, debounce: defaultDebounce}, nil
}

// Run blocks until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	target := filepath.Clean(w.store.Path())
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				pending = time.After(w.debounce)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.store.logger.Warn("settings watcher error", "error", err)
		case <-pending:
			pending = nil
			if _, err := w.store.Reload(); err != nil {
				w.store.logger.Warn("settings reload failed, keeping previous state", "error", err)
			}
		}
	}
}
