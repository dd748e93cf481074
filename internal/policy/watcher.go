package policy

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"execplane/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// Watcher hot-reloads the policy rules document when it changes on disk.
// A rapid burst of saves is debounced; a document that fails to parse or
// validate is rejected and the previous rule set stays live.
type Watcher struct {
	mu          sync.RWMutex
	watcher     *fsnotify.Watcher
	gate        *Gate
	rulesPath   string
	debounceDur time.Duration
	pending     time.Time
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool

	stats WatcherStats
}

// WatcherStats tracks reload activity.
type WatcherStats struct {
	Reloads       int
	RejectedLoads int
	Errors        int
	LastReload    time.Time
}

// NewWatcher creates a watcher that feeds reloaded rules into the gate.
func NewWatcher(rulesPath string, gate *Gate) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:     fsw,
		gate:        gate,
		rulesPath:   rulesPath,
		debounceDur: 500 * time.Millisecond,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching the rules file's directory. Non-blocking.
// Watching the directory rather than the file survives editors that
// rename-replace on save.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	dir := filepath.Dir(w.rulesPath)
	if err := w.watcher.Add(dir); err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return err
	}
	logging.Get(logging.CategoryPolicy).Info("watching policy rules: %s", w.rulesPath)

	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for the loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		logging.Get(logging.CategoryPolicy).Error("error closing rules watcher: %v", err)
	}
}

// IsWatching reports whether the loop is running.
func (w *Watcher) IsWatching() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

// Stats returns a copy of the reload statistics.
func (w *Watcher) Stats() WatcherStats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stats
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	log := logging.Get(logging.CategoryPolicy)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error("rules watcher error: %v", err)
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()
		case <-ticker.C:
			w.reloadIfSettled()
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != filepath.Clean(w.rulesPath) {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return
	}
	w.mu.Lock()
	w.pending = time.Now()
	w.mu.Unlock()
}

func (w *Watcher) reloadIfSettled() {
	w.mu.Lock()
	if w.pending.IsZero() || time.Since(w.pending) < w.debounceDur {
		w.mu.Unlock()
		return
	}
	w.pending = time.Time{}
	w.mu.Unlock()

	w.Reload()
}

// Reload loads the rules file immediately, bypassing the debounce.
// A bad document leaves the gate's rules untouched.
func (w *Watcher) Reload() {
	log := logging.Get(logging.CategoryPolicy)

	rules, err := LoadRules(w.rulesPath)
	if err != nil {
		log.Warn("rejected policy rules reload: %v", err)
		w.mu.Lock()
		w.stats.RejectedLoads++
		w.mu.Unlock()
		return
	}

	w.gate.SetRules(rules)
	w.mu.Lock()
	w.stats.Reloads++
	w.stats.LastReload = time.Now()
	w.mu.Unlock()
	log.Info("policy rules reloaded (version %s)", rules.Version)
}
