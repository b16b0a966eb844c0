package connection

import (
	"sync"
	"time"
)

// Watchdog constants.
const (
	// DefaultCheckInterval is the default staleness check interval.
	DefaultCheckInterval = 1 * time.Minute

	// DefaultStaleThreshold is the default event age beyond which the
	// feed is reported stale.
	DefaultStaleThreshold = 10 * time.Minute
)

// WatchdogConfig configures staleness monitoring.
type WatchdogConfig struct {
	// CheckInterval is the interval between staleness checks.
	CheckInterval time.Duration

	// StaleThreshold is the event age that triggers a warning.
	StaleThreshold time.Duration

	// Now overrides the clock. Nil uses time.Now.
	Now func() time.Time
}

// Watchdog periodically inspects the time since the last inbound event
// and raises a staleness warning. It only observes: a quiet feed is
// not proof of disconnection on a push stream with naturally sparse
// traffic, so the watchdog never alters connection state.
type Watchdog struct {
	config WatchdogConfig

	// lastEvent reports the most recent event time, if any
	lastEvent func() (time.Time, bool)

	// onStale receives the event age on each stale check
	onStale func(age time.Duration)

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewWatchdog creates a watchdog reading event times from lastEvent
// and reporting staleness through onStale.
func NewWatchdog(config WatchdogConfig, lastEvent func() (time.Time, bool), onStale func(age time.Duration)) *Watchdog {
	if config.CheckInterval <= 0 {
		config.CheckInterval = DefaultCheckInterval
	}
	if config.StaleThreshold <= 0 {
		config.StaleThreshold = DefaultStaleThreshold
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Watchdog{
		config:    config,
		lastEvent: lastEvent,
		onStale:   onStale,
	}
}

// Start begins periodic checks. No-op if already running.
func (w *Watchdog) Start() {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})
	stopCh := w.stopCh
	w.mu.Unlock()

	w.wg.Add(1)
	go w.loop(stopCh)
}

// Stop halts periodic checks. Idempotent.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()

	w.wg.Wait()
}

// IsRunning returns true if the check loop is active.
func (w *Watchdog) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// loop runs staleness checks until stopped.
func (w *Watchdog) loop(stopCh chan struct{}) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

// check performs one staleness inspection. Nothing is reported until
// the first event has arrived.
func (w *Watchdog) check() {
	last, ok := w.lastEvent()
	if !ok {
		return
	}

	age := w.config.Now().Sub(last)
	if age > w.config.StaleThreshold && w.onStale != nil {
		w.onStale(age)
	}
}
