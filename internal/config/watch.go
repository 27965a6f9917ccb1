package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher republishes a freshly loaded, validated Config whenever the
// underlying config.json file is written. Grounded on 99souls-ariadne's
// HotReloadSystem: watch the containing directory (not the file itself, so
// editors that replace-via-rename still trigger), filter events down to the
// exact path, and only publish when validation passes.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
}

// NewWatcher creates a Watcher for the config file at path.
func NewWatcher(path string) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config directory %s: %w", dir, err)
	}
	return &Watcher{path: path, watcher: w}, nil
}

// Watch starts the event loop and returns a channel of newly validated
// configs. Load failures are swallowed (spec.md §7: a bad config.json edit
// must not crash the daemon; the previous in-memory config keeps running)
// and the channel simply does not receive an update for that event.
// The channel is closed when ctx is done or Close is called.
func (w *Watcher) Watch(ctx context.Context) <-chan *Config {
	out := make(chan *Config, 1)

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if ev.Name != w.path {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(w.path)
				if err != nil {
					continue
				}
				select {
				case out <- cfg:
				case <-ctx.Done():
					return
				}
			case _, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return out
}

// Close stops the underlying filesystem watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
