package contextengine

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ternarybob/forge/pkg/logging"
)

// Watcher invalidates cached indices when files under its root change,
// so the next GetContext re-indexes. Events are debounced to absorb
// editor save bursts; every cached project below the root is dropped,
// which also covers per-request subprojects.
type Watcher struct {
	engine *Engine
	root   string

	debounce time.Duration
	watcher  *fsnotify.Watcher
	stopCh   chan struct{}

	mu      sync.Mutex
	running bool
	dirty   bool

	log *logging.Manager
}

// NewWatcher creates a watcher over one root directory.
func NewWatcher(engine *Engine, root string, debounce time.Duration) (*Watcher, error) {
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("watch root is not a directory: %s", root)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	return &Watcher{
		engine:   engine,
		root:     root,
		debounce: debounce,
		watcher:  fsWatcher,
		stopCh:   make(chan struct{}),
		log:      engine.log,
	}, nil
}

// Start begins watching the root tree.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.addDirectories(w.root); err != nil {
		return fmt.Errorf("add directories: %w", err)
	}

	go w.processEvents()
	go w.flushDirty()

	w.log.Emit(logging.NewEvent(logging.LevelInfo, logging.SourceInfrastructure,
		"watching project tree for index invalidation").
		WithPayload("root", w.root))

	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}
	w.running = false
	close(w.stopCh)
	return w.watcher.Close()
}

func (w *Watcher) addDirectories(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if path != root && skipWatchDir(d.Name()) {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

func skipWatchDir(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	_, skip := skipDirs[name]
	return skip
}

func (w *Watcher) processEvents() {
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			// Directories created after Start join the watch set.
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() && !skipWatchDir(filepath.Base(event.Name)) {
					_ = w.addDirectories(event.Name)
				}
			}

			w.mu.Lock()
			w.dirty = true
			w.mu.Unlock()
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (w *Watcher) flushDirty() {
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.mu.Lock()
			dirty := w.dirty
			w.dirty = false
			w.mu.Unlock()

			if !dirty {
				continue
			}

			if dropped := w.engine.InvalidateUnder(w.root); dropped > 0 {
				w.log.Emit(logging.NewEvent(logging.LevelDebug, logging.SourceInfrastructure,
					"project indices invalidated after file changes").
					WithPayload("root", w.root).
					WithPayload("dropped", dropped))
			}
		}
	}
}
