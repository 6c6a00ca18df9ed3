package watch

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceInterval = 100 * time.Millisecond

// DirWatcher watches per-user chat directories for edits made outside the
// server and reports them per user after a short debounce.
type DirWatcher struct {
	root     string
	onChange func(userID string)
	watcher  *fsnotify.Watcher
	done     chan struct{}

	mu      sync.Mutex
	watched map[string]bool

	timerMu  sync.Mutex
	timerMap map[string]*time.Timer
	stopped  bool
}

var _ UserDirs = (*DirWatcher)(nil)

// NewDirWatcher watches <root>/<user> directories. onChange is called from a
// timer goroutine.
func NewDirWatcher(root string, onChange func(userID string)) *DirWatcher {
	return &DirWatcher{
		root:     root,
		onChange: onChange,
		done:     make(chan struct{}),
		watched:  make(map[string]bool),
		timerMap: make(map[string]*time.Timer),
	}
}

func (w *DirWatcher) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = watcher

	go w.eventLoop()
	slog.Info("DirWatcher started", "root", w.root)
	return nil
}

func (w *DirWatcher) Stop() {
	if w.watcher != nil {
		w.watcher.Close()
		<-w.done
	}

	// Cancel any pending debounce timers
	w.timerMu.Lock()
	w.stopped = true
	for _, timer := range w.timerMap {
		timer.Stop()
	}
	w.timerMap = make(map[string]*time.Timer)
	w.timerMu.Unlock()

	slog.Info("DirWatcher stopped")
}

func (w *DirWatcher) Watch(userID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watched[userID] {
		return nil
	}

	dir := filepath.Join(w.root, userID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	if err := w.watcher.Add(dir); err != nil {
		return err
	}
	w.watched[userID] = true
	slog.Debug("started watching chat directory", "userId", userID)
	return nil
}

func (w *DirWatcher) Unwatch(userID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.watched[userID] {
		return
	}
	w.watcher.Remove(filepath.Join(w.root, userID))
	delete(w.watched, userID)
	slog.Debug("stopped watching chat directory", "userId", userID)
}

func (w *DirWatcher) eventLoop() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("fsnotify error", "error", err)
		}
	}
}

func (w *DirWatcher) handleEvent(event fsnotify.Event) {
	// Temp files from atomic writes show up as the final rename.
	if !strings.HasSuffix(event.Name, ".json") {
		return
	}
	rel, err := filepath.Rel(w.root, filepath.Dir(event.Name))
	if err != nil || rel == "." || strings.Contains(rel, string(filepath.Separator)) {
		return
	}
	userID := rel

	w.timerMu.Lock()
	defer w.timerMu.Unlock()
	if w.stopped {
		return
	}
	if timer, exists := w.timerMap[userID]; exists {
		timer.Stop()
	}
	w.timerMap[userID] = time.AfterFunc(debounceInterval, func() {
		w.timerMu.Lock()
		delete(w.timerMap, userID)
		w.timerMu.Unlock()
		w.onChange(userID)
	})
}
