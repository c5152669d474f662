package main

import (
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/loykin/vigil/internal/agent"
	"github.com/loykin/vigil/internal/config"
)

// watcherDebounce coalesces the burst of events an editor save produces
// into one reload per file.
const watcherDebounce = 500 * time.Millisecond

// reloadFunc receives the re-read spec of a changed agent config file.
type reloadFunc func(spec agent.Spec)

// configWatcher triggers the hot-reload path when an agent's config file
// changes on disk. Only .toml files are considered; each change is
// debounced, re-parsed, and handed to the reload callback.
type configWatcher struct {
	w      *fsnotify.Watcher
	reload reloadFunc

	mu     sync.Mutex
	timers map[string]*time.Timer

	closeOnce sync.Once
	done      chan struct{}
}

func newConfigWatcher(reload reloadFunc) (*configWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	cw := &configWatcher{
		w:      w,
		reload: reload,
		timers: make(map[string]*time.Timer),
		done:   make(chan struct{}),
	}
	go cw.run()
	return cw, nil
}

// Watch adds a file or directory to the watch set. Directories pick up
// per-agent files dropped in later.
func (cw *configWatcher) Watch(path string) error {
	return cw.w.Add(path)
}

func (cw *configWatcher) Close() error {
	var err error
	cw.closeOnce.Do(func() {
		close(cw.done)
		err = cw.w.Close()
	})
	return err
}

func (cw *configWatcher) run() {
	for {
		select {
		case <-cw.done:
			return
		case ev, ok := <-cw.w.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if !strings.HasSuffix(ev.Name, ".toml") {
				continue
			}
			cw.schedule(ev.Name)
		case err, ok := <-cw.w.Errors:
			if !ok {
				return
			}
			slog.Warn("Config watcher error", "error", err)
		}
	}
}

// schedule arms (or re-arms) the debounce timer for one file.
func (cw *configWatcher) schedule(path string) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if t, ok := cw.timers[path]; ok {
		t.Reset(watcherDebounce)
		return
	}
	cw.timers[path] = time.AfterFunc(watcherDebounce, func() {
		cw.mu.Lock()
		delete(cw.timers, path)
		cw.mu.Unlock()
		select {
		case <-cw.done:
			return
		default:
		}
		cw.fire(path)
	})
}

func (cw *configWatcher) fire(path string) {
	spec, err := config.LoadAgentSpec(path)
	if err != nil {
		slog.Warn("Changed agent config unreadable", "path", filepath.Clean(path), "error", err)
		return
	}
	slog.Info("Agent config changed", "agent", spec.Name, "path", filepath.Clean(path))
	cw.reload(spec)
}
