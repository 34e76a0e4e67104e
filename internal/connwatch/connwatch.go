// Package connwatch tracks whether external services (the inference
// provider, signal-cli) are reachable.
//
// A [Watcher] probes one service: first with exponential backoff until
// it answers or the startup attempts run out, then on a fixed poll
// interval. Transitions between up and down are logged, passed to
// optional callbacks and published on the event bus. The HTTP health
// endpoint reports [Manager.Status].
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/platecheck/internal/events"
)

// ProbeFunc returns nil when the service is reachable. It must be safe
// for concurrent use.
type ProbeFunc func(ctx context.Context) error

// Backoff controls probe timing. Zero fields take the values of
// [DefaultBackoff].
type Backoff struct {
	Initial         time.Duration
	Max             time.Duration
	Factor          float64
	StartupAttempts int
	Poll            time.Duration
	ProbeTimeout    time.Duration
}

// DefaultBackoff probes at 2s, 4s, 8s ... capped at 60s for ten
// attempts, then every minute.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:         2 * time.Second,
		Max:             60 * time.Second,
		Factor:          2,
		StartupAttempts: 10,
		Poll:            60 * time.Second,
		ProbeTimeout:    10 * time.Second,
	}
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.Initial <= 0 {
		b.Initial = d.Initial
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.Factor <= 1 {
		b.Factor = d.Factor
	}
	if b.StartupAttempts <= 0 {
		b.StartupAttempts = d.StartupAttempts
	}
	if b.Poll <= 0 {
		b.Poll = d.Poll
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// Config configures one watcher.
type Config struct {
	Name    string
	Probe   ProbeFunc
	Backoff Backoff

	// OnUp and OnDown run in their own goroutine on each transition.
	OnUp   func()
	OnDown func(err error)
}

// Status is a watcher's state for health reporting.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
	Since     time.Time `json:"since,omitzero"`
}

// Watcher monitors one service.
type Watcher struct {
	cfg    Config
	bus    *events.Bus
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	ready     bool
	since     time.Time
	lastErr   error
	lastCheck time.Time
}

// Ready reports whether the last probe succeeded.
func (w *Watcher) Ready() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ready
}

// Status returns the watcher's current state.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Status{Name: w.cfg.Name, Ready: w.ready, LastCheck: w.lastCheck, Since: w.since}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop ends the watcher and waits for it to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	b := w.cfg.Backoff

	delay := b.Initial
	for attempt := 1; ; attempt++ {
		err := w.check(ctx)
		if err == nil {
			w.logger.Info("service connected", "after_attempts", attempt)
			break
		}
		if attempt >= b.StartupAttempts {
			w.logger.Warn("service unreachable at startup, polling in background",
				"attempts", attempt, "error", err)
			break
		}
		w.logger.Debug("startup probe failed", "attempt", attempt, "next_delay", delay, "error", err)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		delay = min(time.Duration(float64(delay)*b.Factor), b.Max)
	}

	ticker := time.NewTicker(b.Poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.check(ctx); err != nil {
				w.logger.Debug("service still unreachable", "error", err)
			}
		}
	}
}

// check probes once and records the result, firing transition hooks.
func (w *Watcher) check(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, w.cfg.Backoff.ProbeTimeout)
	err := w.cfg.Probe(pctx)
	cancel()
	if ctx.Err() != nil {
		// Shutting down; the probe failure says nothing about the service.
		return err
	}

	now := time.Now()
	w.mu.Lock()
	was := w.ready
	w.ready = err == nil
	w.lastErr = err
	w.lastCheck = now
	changed := was != w.ready || w.since.IsZero()
	if changed {
		w.since = now
	}
	w.mu.Unlock()

	switch {
	case err == nil && !was:
		w.publish(events.KindServiceUp, nil)
		if w.cfg.OnUp != nil {
			go w.cfg.OnUp()
		}
	case err != nil && was:
		w.logger.Warn("service became unreachable", "error", err)
		w.publish(events.KindServiceDown, err)
		if w.cfg.OnDown != nil {
			go w.cfg.OnDown(err)
		}
	}
	return err
}

func (w *Watcher) publish(kind string, err error) {
	data := map[string]any{"service": w.cfg.Name}
	if err != nil {
		data["error"] = err.Error()
	}
	w.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceHealth,
		Kind:      kind,
		Data:      data,
	})
}

// Manager owns the watchers for all services.
type Manager struct {
	bus    *events.Bus
	logger *slog.Logger

	mu       sync.RWMutex
	watchers map[string]*Watcher
}

// NewManager creates a manager. bus may be nil.
func NewManager(bus *events.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		bus:      bus,
		logger:   logger.With("component", "connwatch"),
		watchers: make(map[string]*Watcher),
	}
}

// Watch starts a watcher that runs until ctx is cancelled or
// [Manager.Stop] is called. Name and Probe are required.
func (m *Manager) Watch(ctx context.Context, cfg Config) *Watcher {
	if cfg.Name == "" || cfg.Probe == nil {
		panic("connwatch: Config needs a Name and a Probe")
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	wctx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		cfg:    cfg,
		bus:    m.bus,
		logger: m.logger.With("service", cfg.Name),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	m.watchers[cfg.Name] = w
	m.mu.Unlock()

	go w.run(wctx)
	return w
}

// Status returns the state of every watched service by name.
func (m *Manager) Status() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Status, len(m.watchers))
	for name, w := range m.watchers {
		out[name] = w.Status()
	}
	return out
}

// Healthy reports whether every watched service is reachable.
func (m *Manager) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, w := range m.watchers {
		if !w.Ready() {
			return false
		}
	}
	return true
}

// Stop stops all watchers.
func (m *Manager) Stop() {
	m.mu.RLock()
	ws := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		ws = append(ws, w)
	}
	m.mu.RUnlock()

	for _, w := range ws {
		w.Stop()
	}
}
