package configstore

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Subscription signals changes to the config file made by other processes
// or editors. Signals are coalesced: one pending signal stands for any
// number of changes.
type Subscription struct {
	watcher *fsnotify.Watcher
	name    string
	events  chan struct{}
	stop    chan struct{}
	once    sync.Once
}

// Watch starts watching the config file. The parent directory is watched
// because atomic writes replace the file rather than modify it.
func (s *Store) Watch() (*Subscription, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch config directory %q: %w", dir, err)
	}
	sub := &Subscription{
		watcher: watcher,
		name:    filepath.Clean(s.path),
		events:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	go sub.run()
	return sub, nil
}

// Events returns the signal channel. It is closed after Close.
func (w *Subscription) Events() <-chan struct{} {
	return w.events
}

// Close stops the watcher.
func (w *Subscription) Close() error {
	var err error
	w.once.Do(func() {
		close(w.stop)
		err = w.watcher.Close()
	})
	return err
}

func (w *Subscription) run() {
	defer close(w.events)
	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.name {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Remove) {
				w.signal()
			}
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.signal()
		}
	}
}

func (w *Subscription) signal() {
	select {
	case w.events <- struct{}{}:
	default:
	}
}
