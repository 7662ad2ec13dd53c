package settings

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"mcphub/pkg/logging"
)

// DefaultWatchInterval is the fallback polling interval when fsnotify is not
// available.
const DefaultWatchInterval = 5 * time.Second

// DefaultDebounceInterval is the time to wait before triggering a reload
// after the last file change is detected.
const DefaultDebounceInterval = 500 * time.Millisecond

// Watcher monitors the settings file for external changes and reloads the
// store. It uses fsnotify for efficient file system monitoring with a
// fallback to polling for environments where fsnotify is not available or
// reliable. The directory is watched rather than the file itself so atomic
// rename-style rewrites are caught too.
type Watcher struct {
	mu sync.Mutex

	store    *Store
	interval time.Duration

	// fsWatcher is the fsnotify watcher (may be nil if fsnotify is unavailable)
	fsWatcher *fsnotify.Watcher

	// stopCh signals the watcher to stop
	stopCh chan struct{}

	// running indicates if the watcher is active
	running bool

	// lastModTime tracks the settings file for fallback polling
	lastModTime time.Time

	// debounceTimer helps prevent rapid successive reloads
	debounceTimer *time.Timer
	debounceMu    sync.Mutex
}

// NewWatcher creates a watcher for the store's settings file.
func NewWatcher(store *Store) *Watcher {
	return &Watcher{
		store:    store,
		interval: DefaultWatchInterval,
	}
}

// Start begins watching for settings changes.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	w.stopCh = make(chan struct{})
	w.running = true

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logging.Warn("Settings", "fsnotify not available, falling back to polling: %v", err)
		go w.pollForChanges()
		return nil
	}

	w.fsWatcher = watcher

	dir := filepath.Dir(w.store.Path())
	if err := w.fsWatcher.Add(dir); err != nil {
		logging.Warn("Settings", "Failed to watch directory %s, falling back to polling: %v", dir, err)
		w.fsWatcher.Close()
		w.fsWatcher = nil
		go w.pollForChanges()
		return nil
	}

	// Capture channels before releasing lock to avoid race conditions
	eventsCh := w.fsWatcher.Events
	errorsCh := w.fsWatcher.Errors

	go w.processEvents(eventsCh, errorsCh)

	logging.Info("Settings", "Watching %s for changes", w.store.Path())
	return nil
}

// processEvents handles fsnotify events.
// The channels are passed as parameters to avoid race conditions with Stop().
func (w *Watcher) processEvents(eventsCh <-chan fsnotify.Event, errorsCh <-chan error) {
	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-eventsCh:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-errorsCh:
			if !ok {
				return
			}
			logging.Error("Settings", err, "fsnotify error")
		}
	}
}

// handleEvent processes a single fsnotify event.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Base(event.Name) != filepath.Base(w.store.Path()) {
		return
	}

	// Writes, creates and renames all indicate new content; removes do not.
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}

	logging.Debug("Settings", "Settings file changed: %s", event.Name)
	w.triggerReloadDebounced()
}

// triggerReloadDebounced reloads after a debounce period. This prevents
// multiple rapid reloads when an editor writes the file in several steps.
func (w *Watcher) triggerReloadDebounced() {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}

	w.debounceTimer = time.AfterFunc(DefaultDebounceInterval, func() {
		w.mu.Lock()
		running := w.running
		w.mu.Unlock()
		if !running {
			return
		}
		if _, err := w.store.Reload(); err != nil {
			logging.Error("Settings", err, "Reload after file change failed")
		}
	})
}

// pollForChanges implements fallback polling when fsnotify is not available.
func (w *Watcher) pollForChanges() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	if info, err := os.Stat(w.store.Path()); err == nil {
		w.lastModTime = info.ModTime()
	}

	for {
		select {
		case <-w.stopCh:
			return

		case <-ticker.C:
			info, err := os.Stat(w.store.Path())
			if err != nil {
				continue
			}
			if info.ModTime().After(w.lastModTime) {
				w.lastModTime = info.ModTime()
				logging.Debug("Settings", "Settings file change detected via polling")
				w.triggerReloadDebounced()
			}
		}
	}
}

// Stop gracefully stops the watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}

	w.running = false
	close(w.stopCh)

	w.debounceMu.Lock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
		w.debounceTimer = nil
	}
	w.debounceMu.Unlock()

	if w.fsWatcher != nil {
		if err := w.fsWatcher.Close(); err != nil {
			logging.Warn("Settings", "Error closing fsnotify watcher: %v", err)
		}
		w.fsWatcher = nil
	}

	logging.Info("Settings", "Stopped settings watcher")
	return nil
}

// IsRunning returns whether the watcher is currently active.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}
