package sensors

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FilesystemWatcher reports the set of paths changed since the last Read,
// ignoring self-writes (spec §4.6). Grounded on
// 99souls-ariadne/engine/internal/runtime.HotReloadSystem's
// fsnotify.NewWatcher/event-channel pattern.
type FilesystemWatcher struct {
	dir string

	watcher *fsnotify.Watcher
	done    chan struct{}

	mu          sync.Mutex
	changed     map[string]bool
	lastChanged map[string]bool
	selfWrites  map[string]bool
}

// NewFilesystemWatcher creates a watcher over dir. Initialize starts it.
func NewFilesystemWatcher(dir string) *FilesystemWatcher {
	return &FilesystemWatcher{
		dir:        dir,
		changed:    make(map[string]bool),
		selfWrites: make(map[string]bool),
	}
}

func (w *FilesystemWatcher) Name() string { return "filesystem_watcher" }

// Initialize acquires the underlying inotify/kqueue watch. Idempotent:
// calling it again while already running is a no-op.
func (w *FilesystemWatcher) Initialize() error {
	if w.watcher != nil {
		return nil
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("sensors: create filesystem watcher: %w", err)
	}
	if err := fw.Add(w.dir); err != nil {
		fw.Close()
		return fmt.Errorf("sensors: watch %s: %w", w.dir, err)
	}
	w.watcher = fw
	w.done = make(chan struct{})

	go w.loop()
	return nil
}

func (w *FilesystemWatcher) loop() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			path := resolvePath(ev.Name)
			w.mu.Lock()
			if w.selfWrites[path] {
				delete(w.selfWrites, path)
			} else {
				w.changed[path] = true
			}
			w.mu.Unlock()
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		case <-w.done:
			return
		}
	}
}

// MarkSelfWrite registers path as a write the daemon itself performed, so
// the next matching event is suppressed instead of counted as an external
// change (spec §4.6, §5: "mark_self_write and _should_ignore are
// serialized").
func (w *FilesystemWatcher) MarkSelfWrite(path string) {
	resolved := resolvePath(path)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.selfWrites[resolved] = true
}

// Read swaps out the changed-path set accumulated since the last Read and
// clears it for the next tick. Non-blocking: it only inspects an
// in-memory map the background goroutine maintains.
func (w *FilesystemWatcher) Read() Reading {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastChanged = w.changed
	w.changed = make(map[string]bool)
	return Reading{Timestamp: time.Now()}
}

// ChangedPaths returns the changed-path set captured by the most recent
// Read. The daemon uses this to build the changedSources map passed to
// the Drive Engine's Tick.
func (w *FilesystemWatcher) ChangedPaths() map[string]bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]bool, len(w.lastChanged))
	for k := range w.lastChanged {
		out[k] = true
	}
	return out
}

func (w *FilesystemWatcher) Stop() error {
	if w.done != nil {
		close(w.done)
	}
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}

func resolvePath(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		return real
	}
	return abs
}
