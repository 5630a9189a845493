package config

// Watcher reloads a Config from disk on file change, adapted from the
// teacher's engine/configx layered-override idea (engine/configx/layers.go),
// collapsed here to the two layers farmtel actually uses: the file on disk
// and the environment overrides re-applied on every reload.

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Watcher holds the current Config and swaps it atomically on file change.
type Watcher struct {
	path string
	cur  atomic.Pointer[Config]

	mu        sync.Mutex
	listeners []func(*Config)
}

// NewWatcher loads path once and returns a Watcher ready to Run.
func NewWatcher(path string) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	w := &Watcher{path: path}
	w.cur.Store(cfg)
	return w, nil
}

// Current returns the most recently loaded Config.
func (w *Watcher) Current() *Config { return w.cur.Load() }

// OnReload registers a callback invoked after each successful reload.
func (w *Watcher) OnReload(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// Run watches w.path for writes until ctx is canceled. A failed reload
// keeps the previously loaded Config in place and is not fatal, matching
// the propagation policy that background loops log and retry rather than
// surface errors.
func (w *Watcher) Run(ctx context.Context, onError func(error)) error {
	if w.path == "" {
		<-ctx.Done()
		return nil
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := fw.Add(w.path); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			w.cur.Store(cfg)
			w.mu.Lock()
			listeners := append([]func(*Config){}, w.listeners...)
			w.mu.Unlock()
			for _, fn := range listeners {
				fn(cfg)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			if onError != nil {
				onError(err)
			}
		}
	}
}
