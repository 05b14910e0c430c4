// Package connwatch tracks whether the agent's external dependencies
// are reachable: Home Assistant, the LLM provider and the MQTT broker.
//
// httpkit retries sub-second dial failures inside one request; connwatch
// covers longer outages. A watcher probes with exponential backoff until
// the dependency first answers (or MaxRetries is spent), then settles
// into polling every PollInterval and reports ready/down transitions.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ProbeFunc returns nil when the dependency is reachable. It must be
// safe for concurrent use.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig shapes startup retries and background polling. Zero
// fields take the DefaultBackoffConfig value.
type BackoffConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxRetries   int // startup attempts before falling back to polling
	PollInterval time.Duration
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig waits 2s, 4s, 8s ... up to 60s between startup
// attempts, gives up after 10 and then polls once a minute.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   2,
		MaxRetries:   10,
		PollInterval: time.Minute,
		ProbeTimeout: 10 * time.Second,
	}
}

func orDefault[T int | float64 | time.Duration](v, d T) T {
	if v <= 0 {
		return d
	}
	return v
}

func (b BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	return BackoffConfig{
		InitialDelay: orDefault(b.InitialDelay, d.InitialDelay),
		MaxDelay:     orDefault(b.MaxDelay, d.MaxDelay),
		Multiplier:   orDefault(b.Multiplier, d.Multiplier),
		MaxRetries:   orDefault(b.MaxRetries, d.MaxRetries),
		PollInterval: orDefault(b.PollInterval, d.PollInterval),
		ProbeTimeout: orDefault(b.ProbeTimeout, d.ProbeTimeout),
	}
}

// WatcherConfig describes one dependency.
type WatcherConfig struct {
	Name  string
	Probe ProbeFunc
	// Required dependencies make Manager.Healthy false while down.
	Required bool
	Backoff  BackoffConfig

	// OnReady and OnDown run in their own goroutine on each transition.
	// The first successful probe counts as a transition to ready.
	OnReady func()
	OnDown  func(err error)

	Logger *slog.Logger
}

// ServiceStatus is the health of one dependency.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Required  bool      `json:"required"`
	Since     time.Time `json:"since,omitzero"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
	Failures  int       `json:"consecutive_failures,omitempty"`
}

// Watcher monitors one dependency.
type Watcher struct {
	cfg     WatcherConfig
	observe func(name string, ready bool)
	cancel  context.CancelFunc
	done    chan struct{}

	mu        sync.Mutex
	ready     bool
	since     time.Time
	lastCheck time.Time
	lastErr   error
	failures  int
}

// IsReady reports whether the last probe succeeded.
func (w *Watcher) IsReady() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ready
}

// LastError is the most recent probe error, nil when healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status snapshots the watcher.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := ServiceStatus{
		Name:      w.cfg.Name,
		Ready:     w.ready,
		Required:  w.cfg.Required,
		Since:     w.since,
		LastCheck: w.lastCheck,
		Failures:  w.failures,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Wait blocks until the watcher exits.
func (w *Watcher) Wait() { <-w.done }

// Stop cancels the watcher and waits for it.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	b := w.cfg.Backoff
	delay := b.InitialDelay
	settled := false // reached ready once, or spent the startup attempts

	for attempt := 1; ; attempt++ {
		err := w.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		w.record(err, attempt)

		wait := b.PollInterval
		switch {
		case err == nil:
			settled = true
		case settled:
		case attempt < b.MaxRetries:
			wait = delay
			delay = min(time.Duration(float64(delay)*b.Multiplier), b.MaxDelay)
		default:
			settled = true
			w.cfg.Logger.Warn("dependency unreachable at startup, polling in background",
				"service", w.cfg.Name, "attempts", attempt, "error", err)
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (w *Watcher) probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.Backoff.ProbeTimeout)
	defer cancel()
	return w.cfg.Probe(ctx)
}

// record stores a probe result and fires callbacks when readiness flips.
func (w *Watcher) record(err error, attempt int) {
	now := time.Now()
	ready := err == nil

	w.mu.Lock()
	flipped := ready != w.ready
	w.ready = ready
	w.lastErr = err
	w.lastCheck = now
	if ready {
		w.failures = 0
	} else {
		w.failures++
	}
	if flipped {
		w.since = now
	}
	w.mu.Unlock()

	log := w.cfg.Logger.With("service", w.cfg.Name)
	if !flipped {
		if !ready {
			log.Debug("dependency probe failed", "attempt", attempt, "error", err)
		}
		return
	}

	if w.observe != nil {
		w.observe(w.cfg.Name, ready)
	}
	if ready {
		log.Info("dependency reachable", "attempt", attempt)
		if w.cfg.OnReady != nil {
			go w.cfg.OnReady()
		}
		return
	}
	log.Warn("dependency became unreachable", "error", err)
	if w.cfg.OnDown != nil {
		go w.cfg.OnDown(err)
	}
}
