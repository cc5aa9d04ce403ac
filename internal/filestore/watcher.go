package filestore

import (
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/filewire/filewire/internal/logger"
)

// Event reports an external modification to a file under a watched root
type Event struct {
	BasePath string
	RelPath  string
}

// Watcher observes workspace roots and emits an Event for every file
// written or created beneath them
type Watcher struct {
	watcher *fsnotify.Watcher
	events  chan Event
	log     *logger.Logger

	mu    sync.Mutex
	roots map[string]bool // watched base paths

	stop     chan struct{}
	stopOnce sync.Once
}

// NewWatcher creates a watcher; Events() delivers modifications until
// Close is called
func NewWatcher() (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		watcher: fsw,
		events:  make(chan Event, 64),
		log:     logger.Global().WithPrefix("watch"),
		roots:   make(map[string]bool),
		stop:    make(chan struct{}),
	}

	go w.run()

	return w, nil
}

// AddRoot starts watching basePath and its subdirectories. Adding the
// same root twice is a no-op.
func (w *Watcher) AddRoot(basePath string) error {
	w.mu.Lock()
	if w.roots[basePath] {
		w.mu.Unlock()
		return nil
	}
	w.roots[basePath] = true
	w.mu.Unlock()

	err := filepath.WalkDir(basePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtree, skip
		}
		if d.IsDir() {
			if addErr := w.watcher.Add(path); addErr != nil {
				w.log.Warn("Failed to watch %s: %v", path, addErr)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	w.log.Info("Watching workspace root %s", basePath)

	return nil
}

// Events returns the modification event channel
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Close stops the watcher and closes the event channel
func (w *Watcher) Close() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stop)
		err = w.watcher.Close()
	})
	return err
}

// rootFor finds the watched base path containing path
func (w *Watcher) rootFor(path string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for root := range w.roots {
		if rel, err := filepath.Rel(root, path); err == nil && filepath.IsLocal(rel) {
			return root, true
		}
	}
	return "", false
}

func (w *Watcher) run() {
	defer close(w.events)

	for {
		select {
		case <-w.stop:
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
			w.log.Error("Watcher error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
		return
	}

	// New directories need their own watch for events beneath them.
	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if addErr := w.watcher.Add(event.Name); addErr != nil {
				w.log.Warn("Failed to watch new directory %s: %v", event.Name, addErr)
			}
			return
		}
	}

	root, ok := w.rootFor(event.Name)
	if !ok {
		return
	}

	rel, err := filepath.Rel(root, event.Name)
	if err != nil {
		return
	}

	ev := Event{BasePath: root, RelPath: filepath.ToSlash(rel)}
	select {
	case w.events <- ev:
	default:
		w.log.Warn("Event channel full, dropping change for %s", rel)
	}
}
