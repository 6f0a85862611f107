// Package watcher monitors the plugin directory tree and broadcasts changes via callbacks.
package watcher

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/charlievieth/fastwalk"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// EventType represents the type of file system event
type EventType string

// File system event types.
const (
	EventCreate EventType = "create"
	EventWrite  EventType = "write"
	EventRemove EventType = "remove"
	EventRename EventType = "rename"
)

// Event represents a file system change event. Path is relative to the
// watched root and uses forward slashes.
type Event struct {
	Type EventType `json:"type"`
	Path string    `json:"path"`
}

// Callback is a function called when file changes occur
type Callback func(Event)

// Config configures a Watcher.
type Config struct {
	Root string
	// Ignore reports whether a root-relative path should produce no events.
	// Ignored directories are not watched.
	Ignore func(rel string) bool
	Logger *zap.Logger
}

// Watcher monitors a directory tree recursively.
type Watcher struct {
	watcher   *fsnotify.Watcher
	root      string
	ignore    func(string) bool
	logger    *zap.Logger
	callbacks []Callback
	mu        sync.RWMutex
	done      chan struct{}
	stopped   chan struct{}
	running   atomic.Bool
	closeOnce sync.Once
}

// New creates a new file system watcher
func New(cfg Config) (*Watcher, error) {
	if cfg.Root == "" {
		return nil, errors.New("watcher: root is required")
	}
	if cfg.Ignore == nil {
		cfg.Ignore = func(string) bool { return false }
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		watcher: w,
		root:    filepath.Clean(cfg.Root),
		ignore:  cfg.Ignore,
		logger:  cfg.Logger,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}, nil
}

// OnChange registers a callback for file change events
func (w *Watcher) OnChange(cb Callback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// Start registers every directory below the root and begins delivering events.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(w.root); err != nil {
		return err
	}
	w.addTree(w.root)

	w.running.Store(true)
	go w.eventLoop()
	return nil
}

// Stop stops the watcher and waits for the event loop to exit.
func (w *Watcher) Stop() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
		if w.running.Load() {
			<-w.stopped
		}
	})
	return err
}

// addTree watches dir's subdirectories. Symlinks are not followed.
func (w *Watcher) addTree(dir string) {
	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			w.logger.Warn("cannot walk", zap.String("path", p), zap.Error(err))
			return nil
		}
		if !d.IsDir() || p == dir {
			return nil
		}
		if w.ignore(w.rel(p)) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(p); err != nil {
			w.logger.Warn("cannot watch", zap.String("path", p), zap.Error(err))
		}
		return nil
	})
	if err != nil {
		w.logger.Warn("failed to walk directory", zap.String("path", dir), zap.Error(err))
	}
}

func (w *Watcher) eventLoop() {
	defer close(w.stopped)
	for {
		select {
		case <-w.done:
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
			w.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	rel := w.rel(event.Name)
	if rel == "" || w.ignore(rel) {
		return
	}

	var eventType EventType
	switch {
	case event.Has(fsnotify.Create):
		eventType = EventCreate
		// New directories (and anything created inside them before the
		// watch lands) need their own watches.
		if isDir(event.Name) {
			if err := w.watcher.Add(event.Name); err != nil {
				w.logger.Warn("cannot watch", zap.String("path", event.Name), zap.Error(err))
			}
			w.addTree(event.Name)
		}
	case event.Has(fsnotify.Write):
		eventType = EventWrite
	case event.Has(fsnotify.Remove):
		eventType = EventRemove
	case event.Has(fsnotify.Rename):
		eventType = EventRename
	default:
		return
	}

	e := Event{
		Type: eventType,
		Path: rel,
	}

	w.mu.RLock()
	callbacks := make([]Callback, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.RUnlock()

	for _, cb := range callbacks {
		cb(e)
	}
}

// rel returns p relative to the root, or "" for the root itself and for
// paths outside it.
func (w *Watcher) rel(p string) string {
	r, err := filepath.Rel(w.root, p)
	if err != nil || r == "." || r == ".." || filepath.IsAbs(r) || len(r) > 2 && r[:3] == ".."+string(filepath.Separator) {
		return ""
	}
	return filepath.ToSlash(r)
}

func isDir(path string) bool {
	info, err := os.Lstat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}
