package event

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher tails the events log for appends. Rapid writes are debounced
// so a burst of ward activity triggers a single notification.
type Watcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	path        string // absolute path of the events log
	dir         string
	debounceDur time.Duration
	pendingAt   time.Time
	notify      chan struct{}
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
	logger      *zap.Logger

	stats WatcherStats
}

// WatcherStats tracks watcher activity for debugging.
type WatcherStats struct {
	Writes        int
	Notifications int
	Errors        int
	LastEventTime time.Time
}

// NewWatcher creates a watcher for the given events log path.
func NewWatcher(path string, debounce time.Duration, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		fw.Close()
		return nil, err
	}

	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Watcher{
		watcher:     fw,
		path:        abs,
		dir:         filepath.Dir(abs),
		debounceDur: debounce,
		notify:      make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		logger:      logger,
	}, nil
}

// Changes delivers one signal per settled burst of log appends.
func (w *Watcher) Changes() <-chan struct{} {
	return w.notify
}

// Start begins watching the log's directory. Non-blocking; the event
// loop runs in a goroutine until Stop or context cancellation.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	// The directory must exist before it can be watched.
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		w.logger.Warn("failed to create watched directory", zap.String("dir", w.dir), zap.Error(err))
	}

	if err := w.watcher.Add(w.dir); err != nil {
		w.logger.Warn("initial watch failed", zap.String("dir", w.dir), zap.Error(err))
	} else {
		w.logger.Info("watching events log", zap.String("path", w.path))
	}

	go w.run(ctx)

	return nil
}

// Stop stops the watcher and waits for the event loop to exit.
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
		w.logger.Error("error closing watcher", zap.Error(err))
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-w.stopCh:
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("watcher error", zap.Error(err))
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()

		case <-ticker.C:
			w.flushSettled()
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if filepath.Clean(ev.Name) != w.path {
		return
	}
	if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}

	w.mu.Lock()
	w.stats.Writes++
	w.stats.LastEventTime = time.Now()
	w.pendingAt = time.Now()
	w.mu.Unlock()
}

// flushSettled emits a notification once a write burst has been quiet
// for the debounce window.
func (w *Watcher) flushSettled() {
	w.mu.Lock()
	ready := !w.pendingAt.IsZero() && time.Since(w.pendingAt) >= w.debounceDur
	if ready {
		w.pendingAt = time.Time{}
		w.stats.Notifications++
	}
	w.mu.Unlock()

	if !ready {
		return
	}
	select {
	case w.notify <- struct{}{}:
	default: // a notification is already pending
	}
}

// Stats returns a copy of the current watcher statistics.
func (w *Watcher) Stats() WatcherStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// IsWatching reports whether the event loop is running.
func (w *Watcher) IsWatching() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}
