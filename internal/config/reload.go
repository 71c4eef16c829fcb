package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc rebuilds whatever depends on one watched file.
type ReloadFunc func() error

// Reloader watches table and pattern files and triggers hot reload.
type Reloader struct {
	watcher  *fsnotify.Watcher
	handlers map[string]ReloadFunc
	debounce time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewReloader creates a file watcher. Paths that do not exist yet are
// skipped. Editors that replace files on save are handled by watching the
// parent directory and filtering by name.
func NewReloader(handlers map[string]ReloadFunc, logger *slog.Logger) (*Reloader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create file watcher: %w", err)
	}

	watched := make(map[string]ReloadFunc)
	dirs := make(map[string]bool)
	for p, fn := range handlers {
		if p == "" || fn == nil {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = p
		}
		dir := filepath.Dir(abs)
		if !dirs[dir] {
			if err := watcher.Add(dir); err != nil {
				watcher.Close()
				return nil, fmt.Errorf("config: watch %q: %w", dir, err)
			}
			dirs[dir] = true
		}
		watched[abs] = fn
	}

	return &Reloader{
		watcher:  watcher,
		handlers: watched,
		debounce: 500 * time.Millisecond,
		logger:   logger,
		timers:   make(map[string]*time.Timer),
	}, nil
}

// Watched returns the number of files being watched.
func (r *Reloader) Watched() int { return len(r.handlers) }

// Run watches for changes. Blocks until ctx is cancelled.
func (r *Reloader) Run(ctx context.Context) error {
	defer r.watcher.Close()
	defer r.stopTimers()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-r.watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			name, err := filepath.Abs(event.Name)
			if err != nil {
				name = event.Name
			}
			fn, ok := r.handlers[name]
			if !ok {
				continue
			}
			r.schedule(name, fn)

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("config: file watcher error", "error", err)
		}
	}
}

// schedule waits for writes to settle before reloading.
func (r *Reloader) schedule(path string, fn ReloadFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.timers[path]; ok {
		t.Stop()
	}
	r.timers[path] = time.AfterFunc(r.debounce, func() {
		if err := fn(); err != nil {
			r.logger.Error("config: hot reload failed, keeping previous version", "path", path, "error", err)
			return
		}
		r.logger.Info("config: hot reload applied", "path", path)
	})
}

func (r *Reloader) stopTimers() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.timers {
		t.Stop()
	}
}
