// =============================================================================
// Gateway Configuration File Watcher
// =============================================================================
// Watches the configuration document for changes and triggers a reload
// callback. Backed by fsnotify, the way the pack's other hot-reload system
// does it, rather than polling.
// =============================================================================
package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher watches a single configuration file for writes and invokes a
// reload callback with the freshly-loaded Config.
type Watcher struct {
	mu         sync.Mutex
	configPath string
	watcher    *fsnotify.Watcher
	watching   bool
	log        *zap.Logger
}

// NewWatcher creates a Watcher for configPath. The underlying fsnotify
// watcher isn't started until Watch is called.
func NewWatcher(configPath string, log *zap.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	return &Watcher{configPath: configPath, watcher: w, log: log}, nil
}

// Watch watches the config file's containing directory (fsnotify doesn't
// reliably follow editor rename-based saves to the file itself) and calls
// onReload with a freshly parsed Config every time the file is written.
// Reload errors are logged, not propagated, so a transient bad write
// doesn't tear down the watcher.
func (w *Watcher) Watch(ctx context.Context, onReload func(*Config)) error {
	w.mu.Lock()
	if w.watching {
		w.mu.Unlock()
		return fmt.Errorf("watcher already running")
	}
	dir := filepath.Dir(w.configPath)
	if err := w.watcher.Add(dir); err != nil {
		w.mu.Unlock()
		return fmt.Errorf("watch dir %s: %w", dir, err)
	}
	w.watching = true
	w.mu.Unlock()

	go func() {
		for {
			select {
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if event.Name != w.configPath {
					continue
				}
				if event.Op&fsnotify.Write != fsnotify.Write {
					continue
				}
				cfg, err := NewLoader().WithConfigPath(w.configPath).Load()
				if err != nil {
					if w.log != nil {
						w.log.Warn("config reload failed", zap.Error(err))
					}
					continue
				}
				onReload(cfg)
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				if w.log != nil {
					w.log.Warn("config watcher error", zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop closes the underlying fsnotify watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.watching {
		return nil
	}
	w.watching = false
	return w.watcher.Close()
}
