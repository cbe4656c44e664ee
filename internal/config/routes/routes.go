// Package routes maps webhook route names to connection ids. The table lives
// in its own YAML file so operators can repoint strategies without restarting
// the service; edits are picked up through an fsnotify watch.
package routes

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"autohub/internal/logger"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// RouteDefinition binds one route name to the connections that receive its
// orders.
type RouteDefinition struct {
	Name        string `yaml:"-"`
	Connections []uint `yaml:"connections"`
	// DefaultProduct fills in the product when the webhook payload omits one.
	DefaultProduct string `yaml:"default_product"`
	Disabled       bool   `yaml:"disabled"`
}

type fileConfig struct {
	Routes map[string]RouteDefinition `yaml:"routes"`
}

// Snapshot is a read-only copy of the table at one reload generation.
type Snapshot struct {
	Version  int64
	LoadedAt time.Time
	Routes   map[string]RouteDefinition
}

type ChangeListener func(Snapshot)

type Loader struct {
	path    string
	watcher *fsnotify.Watcher

	mu        sync.RWMutex
	snapshot  Snapshot
	listeners []ChangeListener

	closeOnce sync.Once
	done      chan struct{}
}

// NewLoader reads the route file and, when watch is true, starts following
// filesystem events for it.
func NewLoader(path string, watch bool) (*Loader, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("route loader requires path")
	}
	l := &Loader{path: path, done: make(chan struct{})}
	if err := l.reload(); err != nil {
		return nil, err
	}
	if !watch {
		return l, nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("route watcher: %w", err)
	}
	// Watch the directory, not the file: editors replace the file and the
	// inode-level watch would die on the first save.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("route watcher add: %w", err)
	}
	l.watcher = watcher
	go l.watchLoop()
	return l, nil
}

func (l *Loader) watchLoop() {
	base := filepath.Base(l.path)
	for {
		select {
		case <-l.done:
			return
		case evt, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(evt.Name) != base {
				continue
			}
			if !evt.Op.Has(fsnotify.Write) && !evt.Op.Has(fsnotify.Create) && !evt.Op.Has(fsnotify.Rename) {
				continue
			}
			if err := l.reload(); err != nil {
				logger.Errorf("route reload failed (%s): %v", evt.Name, err)
				continue
			}
			l.notify()
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			logger.Errorf("route watcher error: %v", err)
		}
	}
}

func (l *Loader) reload() error {
	raw, err := os.ReadFile(l.path)
	if err != nil {
		return fmt.Errorf("read route config failed: %w", err)
	}
	var fileCfg fileConfig
	if err := yaml.Unmarshal(raw, &fileCfg); err != nil {
		return fmt.Errorf("parse route config failed: %w", err)
	}
	normalized := make(map[string]RouteDefinition, len(fileCfg.Routes))
	for name, def := range fileCfg.Routes {
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "" {
			continue
		}
		def.Name = key
		def.DefaultProduct = strings.ToUpper(strings.TrimSpace(def.DefaultProduct))
		normalized[key] = def
	}
	l.mu.Lock()
	l.snapshot = Snapshot{
		Version:  l.snapshot.Version + 1,
		LoadedAt: time.Now(),
		Routes:   normalized,
	}
	l.mu.Unlock()
	logger.Infof("route loader loaded %d routes from %s", len(normalized), filepath.Base(l.path))
	return nil
}

// Resolve looks up an enabled route by name.
func (l *Loader) Resolve(name string) (RouteDefinition, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	def, ok := l.snapshot.Routes[strings.ToLower(strings.TrimSpace(name))]
	if !ok || def.Disabled {
		return RouteDefinition{}, false
	}
	return def, true
}

// Snapshot returns a copy of the current table.
func (l *Loader) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return cloneSnapshot(l.snapshot)
}

// Subscribe registers a listener and immediately delivers the current
// snapshot on its own goroutine.
func (l *Loader) Subscribe(fn ChangeListener) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	l.listeners = append(l.listeners, fn)
	snap := cloneSnapshot(l.snapshot)
	l.mu.Unlock()
	go fn(snap)
}

func (l *Loader) notify() {
	l.mu.RLock()
	snap := cloneSnapshot(l.snapshot)
	listeners := append([]ChangeListener(nil), l.listeners...)
	l.mu.RUnlock()
	for _, fn := range listeners {
		go fn(snap)
	}
}

func (l *Loader) Close() {
	l.closeOnce.Do(func() {
		close(l.done)
		if l.watcher != nil {
			l.watcher.Close()
		}
	})
}

func cloneSnapshot(s Snapshot) Snapshot {
	out := Snapshot{Version: s.Version, LoadedAt: s.LoadedAt, Routes: make(map[string]RouteDefinition, len(s.Routes))}
	for name, def := range s.Routes {
		def.Connections = append([]uint(nil), def.Connections...)
		out.Routes[name] = def
	}
	return out
}
