package localdocs

import (
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher notifies about changes inside watched directories. Events carry
// the directory whose contents changed.
type Watcher interface {
	Add(path string) error
	Remove(path string) error
	Events() <-chan string
	Close() error
}

// fsWatcher adapts fsnotify, translating per-file events into the parent
// directory the engine rescans.
type fsWatcher struct {
	w      *fsnotify.Watcher
	events chan string
	done   chan struct{}
}

func newFSWatcher() (Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	fw := &fsWatcher{
		w:      w,
		events: make(chan string, 64),
		done:   make(chan struct{}),
	}
	go fw.run()
	return fw, nil
}

func (fw *fsWatcher) run() {
	defer close(fw.done)
	for {
		select {
		case ev, ok := <-fw.w.Events:
			if !ok {
				return
			}
			dir := filepath.Dir(ev.Name)
			select {
			case fw.events <- dir:
			default:
				// A dropped event is harmless; the next change or a
				// manual rescan picks the directory up again.
			}
		case err, ok := <-fw.w.Errors:
			if !ok {
				return
			}
			slog.Warn("watcher error", "error", err)
		}
	}
}

func (fw *fsWatcher) Add(path string) error { return fw.w.Add(path) }

func (fw *fsWatcher) Remove(path string) error {
	// Removing an unwatched path is not an error worth surfacing.
	if err := fw.w.Remove(path); err != nil {
		slog.Debug("watcher remove", "path", path, "error", err)
	}
	return nil
}

func (fw *fsWatcher) Events() <-chan string { return fw.events }

func (fw *fsWatcher) Close() error {
	err := fw.w.Close()
	<-fw.done
	return err
}
