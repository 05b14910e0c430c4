package connwatch

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
)

// Manager owns the watchers of all dependencies and answers health
// queries across them.
type Manager struct {
	logger *slog.Logger

	mu       sync.RWMutex
	watchers map[string]*Watcher
	observe  func(name string, ready bool)
}

// NewManager creates a Manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger, watchers: make(map[string]*Watcher)}
}

// SetObserver is called synchronously on every transition of watchers
// started after it is set. serve wires the dependency gauge here.
func (m *Manager) SetObserver(fn func(name string, ready bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observe = fn
}

// Watch starts a watcher that runs until ctx ends or Stop is called.
// A second watcher with the same name replaces the first in Status.
// It panics on an empty Name or nil Probe.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	switch {
	case cfg.Name == "":
		panic("connwatch: WatcherConfig.Name is empty")
	case cfg.Probe == nil:
		panic("connwatch: WatcherConfig.Probe is nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	ctx, cancel := context.WithCancel(ctx)
	w := &Watcher{cfg: cfg, cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	w.observe = m.observe
	m.watchers[cfg.Name] = w
	m.mu.Unlock()

	go w.run(ctx)
	return w
}

func (m *Manager) snapshot() []*Watcher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w)
	}
	return out
}

// Status lists every dependency, sorted by name.
func (m *Manager) Status() []ServiceStatus {
	ws := m.snapshot()
	out := make([]ServiceStatus, len(ws))
	for i, w := range ws {
		out[i] = w.Status()
	}
	slices.SortFunc(out, func(a, b ServiceStatus) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Healthy reports whether every required dependency is ready. A nil
// Manager is healthy.
func (m *Manager) Healthy() bool {
	if m == nil {
		return true
	}
	return !slices.ContainsFunc(m.snapshot(), func(w *Watcher) bool {
		return w.cfg.Required && !w.IsReady()
	})
}

// Stop ends all watchers and waits for them.
func (m *Manager) Stop() {
	for _, w := range m.snapshot() {
		w.Stop()
	}
}
