package config

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"megaphone/pkg/logx"
)

// Manager watches the config file and republishes it on change.
//
// Editors and config-management tools produce bursts of write/rename events,
// so reloads are debounced and content-hashed; a change is published at most
// once per distinct file content.
type Manager struct {
	path string
	log  logx.Logger

	mu       sync.RWMutex
	cfg      Config
	lastHash uint64

	onChange func(Config)
}

func NewManager(path string, initial Config, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{path: path, cfg: initial, log: log}
	m.lastHash = hashConfig(initial)
	return m
}

// OnChange installs the hook invoked with every successfully reloaded config.
// Must be set before Watch.
func (m *Manager) OnChange(fn func(Config)) { m.onChange = fn }

// Current returns the last committed config.
func (m *Manager) Current() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Watch blocks until ctx is done, reloading the file on filesystem events.
// A broken config is logged and skipped; the previous one stays committed.
func (m *Manager) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// Watch the directory, not the file: many editors replace the file by
	// rename, which drops a file-level watch.
	if err := w.Add(filepath.Dir(m.path)); err != nil {
		return err
	}

	var (
		debounce *time.Timer
		fireCh   <-chan time.Time
	)
	base := filepath.Base(m.path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(250 * time.Millisecond)
				fireCh = debounce.C
			} else {
				debounce.Reset(250 * time.Millisecond)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			m.log.Warn("config watcher error", logx.Err(err))
		case <-fireCh:
			debounce = nil
			fireCh = nil
			m.reload()
		}
	}
}

func (m *Manager) reload() {
	cfg, err := Load(m.path)
	if err != nil {
		m.log.Warn("config reload failed; keeping previous", logx.Err(err))
		return
	}
	h := hashConfig(cfg)
	m.mu.Lock()
	if h == m.lastHash {
		m.mu.Unlock()
		return
	}
	m.cfg = cfg
	m.lastHash = h
	fn := m.onChange
	m.mu.Unlock()

	m.log.Info("config reloaded", logx.String("path", m.path))
	if fn != nil {
		fn(cfg)
	}
}

func hashConfig(cfg Config) uint64 {
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	h.Write(b)
	return h.Sum64()
}
