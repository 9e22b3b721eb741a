package mcp

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long a server file must be quiet before it is
// reloaded.
const DefaultDebounce = 500 * time.Millisecond

// Reloader reloads one server file. *Manager implements it.
type Reloader interface {
	Reload(ctx context.Context, path string) error
	Files() []string
}

// Watcher reloads server files when they change on disk. It watches
// the files' directories, since editors often replace a file rather
// than write it in place.
type Watcher struct {
	target   Reloader
	logger   *slog.Logger
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]time.Time
}

// NewWatcher creates a watcher for the files target has loaded. A
// debounce of zero selects DefaultDebounce.
func NewWatcher(target Reloader, debounce time.Duration, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		target:   target,
		logger:   logger.With("component", "mcp_watcher"),
		debounce: debounce,
		pending:  make(map[string]time.Time),
	}
}

// Run watches until ctx is done. Files loaded after Run starts are
// picked up on the next tick.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	dirs := make(map[string]bool)
	watched := make(map[string]bool)
	refresh := func() {
		for _, f := range w.target.Files() {
			watched[f] = true
			dir := filepath.Dir(f)
			if dirs[dir] {
				continue
			}
			if err := fw.Add(dir); err != nil {
				w.logger.Warn("cannot watch directory", "dir", dir, "error", err)
				continue
			}
			dirs[dir] = true
			w.logger.Debug("watching server files", "dir", dir)
		}
	}
	refresh()

	ticker := time.NewTicker(w.debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			name := filepath.Clean(ev.Name)
			if !watched[name] {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.mu.Lock()
				w.pending[name] = time.Now()
				w.mu.Unlock()
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", "error", err)

		case <-ticker.C:
			refresh()
			for _, path := range w.due(time.Now()) {
				w.logger.Info("server file changed, reloading", "path", path)
				if err := w.target.Reload(ctx, path); err != nil {
					w.logger.Error("server file reload failed", "path", path, "error", err)
				}
			}
		}
	}
}

// due removes and returns the pending paths that have been quiet for
// the debounce interval.
func (w *Watcher) due(now time.Time) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []string
	for path, at := range w.pending {
		if now.Sub(at) >= w.debounce {
			out = append(out, path)
			delete(w.pending, path)
		}
	}
	return out
}
