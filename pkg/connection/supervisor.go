package connection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Supervisor constants.
const (
	// DefaultConnectTimeout bounds a single connect attempt. A hung
	// dial is otherwise indistinguishable from a slow one.
	DefaultConnectTimeout = 60 * time.Second
)

// Supervisor errors.
var (
	ErrSupervisorStopped = errors.New("supervisor stopped")
	ErrAlreadyStarted    = errors.New("supervisor already started")
)

// State represents the supervised connection state.
type State uint8

const (
	// StateConnecting indicates a connection attempt is in progress.
	StateConnecting State = iota

	// StateConnected indicates a live subscription to the event source.
	StateConnected

	// StateReconnecting indicates a retry has been scheduled.
	StateReconnecting

	// StateStopped indicates the supervisor has been shut down.
	// Terminal: no transition leaves it.
	StateStopped
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Handle is a live subscription produced by a ConnectFunc. The
// supervisor owns its lifecycle; the orchestrator borrows it between
// the connected callback and the next disconnected callback and must
// not retain it past that window.
//
// Close must detach any event handlers before closing the underlying
// stream, so that teardown cannot raise further fault signals.
type Handle interface {
	Close() error
}

// ConnectFunc establishes one subscription to the event source. It is
// called once per attempt and must return a brand-new handle on
// success, so no listener state survives across reconnects.
type ConnectFunc func(ctx context.Context) (Handle, error)

// Supervisor owns the lifecycle of one logical connection to the
// remote event source: it connects, watches for fault signals,
// classifies failures and schedules exactly one retry at a time.
type Supervisor struct {
	mu sync.RWMutex

	// Current state
	state State

	// Live handle; nil unless state == StateConnected
	handle Handle

	// Session identifier of the live handle, for log correlation
	session string

	// Failures since the last successful connect
	attempts int

	// Delay before the next attempt, consumed by the retry loop
	nextDelay time.Duration

	// Delay policy for transient failures
	transientDelay DelayPolicy

	// Delay policy for authentication failures
	authDelay DelayPolicy

	// Bound on a single connect attempt
	connectTimeout time.Duration

	// Connection function
	connectFn ConnectFunc

	// Staleness watchdog, started on the first successful connect
	watchdog *Watchdog

	// Unix nanoseconds of the last inbound event; 0 until the first
	lastEventNano atomic.Int64

	// Clock, overridable in tests
	now func() time.Time

	// Context for cancellation
	ctx    context.Context
	cancel context.CancelFunc

	// Wait group for the retry loop
	wg sync.WaitGroup

	// Channel to signal that a connect attempt should run.
	// Buffered at 1 so overlapping fault signals coalesce.
	retryCh chan struct{}

	started bool

	// Callbacks
	onStateChange  func(oldState, newState State)
	onConnected    func(h Handle)
	onDisconnected func()
	onReconnecting func(attempt int, delay time.Duration, kind FailureKind)
	onStale        func(age time.Duration)
}

// Config allows customizing supervisor behavior.
type Config struct {
	// Backoff is the retry policy for transient failures.
	Backoff *Backoff

	// AuthCooldown is the fixed delay after authentication failures.
	AuthCooldown time.Duration

	// ConnectTimeout bounds a single connect attempt.
	ConnectTimeout time.Duration

	// CheckInterval is the watchdog tick interval.
	CheckInterval time.Duration

	// StaleThreshold is the event age beyond which the watchdog warns.
	StaleThreshold time.Duration

	// Now overrides the clock. Nil uses time.Now.
	Now func() time.Time
}

// NewSupervisor creates a supervisor with default settings.
// The supervisor starts in StateConnecting; Start launches the first
// attempt.
func NewSupervisor(connectFn ConnectFunc) *Supervisor {
	return NewSupervisorWithConfig(connectFn, Config{})
}

// NewSupervisorWithConfig creates a supervisor with custom settings.
func NewSupervisorWithConfig(connectFn ConnectFunc, cfg Config) *Supervisor {
	if cfg.Backoff == nil {
		cfg.Backoff = NewBackoff()
	}
	if cfg.AuthCooldown <= 0 {
		cfg.AuthCooldown = AuthCooldown
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Supervisor{
		state:          StateConnecting,
		transientDelay: cfg.Backoff,
		authDelay:      FixedDelay(cfg.AuthCooldown),
		connectTimeout: cfg.ConnectTimeout,
		connectFn:      connectFn,
		now:            cfg.Now,
		ctx:            ctx,
		cancel:         cancel,
		retryCh:        make(chan struct{}, 1),
	}

	s.watchdog = NewWatchdog(WatchdogConfig{
		CheckInterval:  cfg.CheckInterval,
		StaleThreshold: cfg.StaleThreshold,
		Now:            cfg.Now,
	}, s.LastEventTime, s.notifyStale)

	return s
}

// State returns the current connection state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// IsConnected returns true if a live handle exists.
func (s *Supervisor) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == StateConnected
}

// Handle returns the live handle, or nil when not connected.
func (s *Supervisor) Handle() Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handle
}

// Session returns the identifier of the live handle for log
// correlation, or "" when not connected.
func (s *Supervisor) Session() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session
}

// Attempts returns the number of failures since the last successful
// connect.
func (s *Supervisor) Attempts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.attempts
}

// RecordEvent notes that an inbound event was observed. The
// orchestrator calls this for every event regardless of validity.
func (s *Supervisor) RecordEvent() {
	s.lastEventNano.Store(s.now().UnixNano())
}

// LastEventTime returns the time of the most recent inbound event.
// ok is false until the first event arrives.
func (s *Supervisor) LastEventTime() (time.Time, bool) {
	nano := s.lastEventNano.Load()
	if nano == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, nano), true
}

// OnStateChange sets a callback for state changes.
func (s *Supervisor) OnStateChange(fn func(oldState, newState State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStateChange = fn
}

// OnConnected sets a callback invoked with each new live handle.
// The orchestrator attaches its event listeners here.
func (s *Supervisor) OnConnected(fn func(h Handle)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnected = fn
}

// OnDisconnected sets a callback invoked when a live handle dies.
// Its only contract is that the previous handle is no longer usable.
func (s *Supervisor) OnDisconnected(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDisconnected = fn
}

// OnReconnecting sets a callback invoked when a retry is scheduled.
// attempt is the 1-based count of consecutive failures.
func (s *Supervisor) OnReconnecting(fn func(attempt int, delay time.Duration, kind FailureKind)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReconnecting = fn
}

// OnStale sets a callback invoked by the watchdog when the event feed
// goes quiet for longer than the staleness threshold.
func (s *Supervisor) OnStale(fn func(age time.Duration)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStale = fn
}

// Start launches the retry loop and the first connect attempt.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return ErrSupervisorStopped
	}
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.nextDelay = 0
	s.mu.Unlock()

	s.wg.Add(1)
	go s.retryLoop()

	s.signalRetry()
	return nil
}

// Stop shuts the supervisor down: it cancels any pending retry, stops
// the watchdog and tears down the live handle. Idempotent; the stopped
// state is terminal. Must not be called from a supervisor callback.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return
	}
	oldState := s.state
	s.state = StateStopped
	h := s.handle
	s.handle = nil
	s.session = ""
	cb := s.onStateChange
	s.mu.Unlock()

	s.watchdog.Stop()
	s.cancel()

	if h != nil {
		_ = h.Close()
	}
	if cb != nil {
		cb(oldState, StateStopped)
	}

	s.wg.Wait()
}

// ConnectionLost reports an asynchronous fault on a live handle.
// Signals for a handle that is no longer current are swallowed, so a
// late fault from a torn-down session cannot kill its successor.
func (s *Supervisor) ConnectionLost(h Handle, err error) {
	s.mu.Lock()
	if s.state != StateConnected || (h != nil && h != s.handle) {
		s.mu.Unlock()
		return
	}

	dead := s.handle
	s.handle = nil
	s.session = ""
	s.state = StateReconnecting
	onStateChange := s.onStateChange
	onDisconnected := s.onDisconnected
	s.mu.Unlock()

	if dead != nil {
		_ = dead.Close()
	}
	if onStateChange != nil {
		onStateChange(StateConnected, StateReconnecting)
	}
	if onDisconnected != nil {
		onDisconnected()
	}

	if s.scheduleRetry(err) {
		s.signalRetry()
	}
}

// signalRetry wakes the retry loop. A signal arriving while one is
// already pending is swallowed, keeping retries single-flight.
func (s *Supervisor) signalRetry() {
	select {
	case s.retryCh <- struct{}{}:
	default:
		// Already pending
	}
}

// retryLoop runs in a goroutine and serializes connect attempts.
func (s *Supervisor) retryLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.retryCh:
			s.attemptConnect()
		}
	}
}

// attemptConnect dials until connected or stopped, honoring the delay
// armed by the most recent failure.
func (s *Supervisor) attemptConnect() {
	for {
		s.mu.Lock()
		if s.state == StateStopped || s.state == StateConnected {
			s.mu.Unlock()
			return
		}
		delay := s.nextDelay
		s.mu.Unlock()

		if delay > 0 {
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(delay):
			}
		}

		s.setState(StateConnecting)

		ctx, cancel := context.WithTimeout(s.ctx, s.connectTimeout)
		h, err := s.connectFn(ctx)
		cancel()

		if err != nil {
			if !s.scheduleRetry(err) {
				return
			}
			continue
		}

		s.mu.Lock()
		if s.state == StateStopped {
			// Stop raced the dial; discard the fresh handle.
			s.mu.Unlock()
			_ = h.Close()
			return
		}
		oldState := s.state
		s.state = StateConnected
		s.handle = h
		s.session = uuid.NewString()
		s.attempts = 0
		s.nextDelay = 0
		onStateChange := s.onStateChange
		onConnected := s.onConnected
		s.mu.Unlock()

		if onStateChange != nil {
			onStateChange(oldState, StateConnected)
		}
		if onConnected != nil {
			onConnected(h)
		}

		s.watchdog.Start()
		return
	}
}

// scheduleRetry classifies a failure, advances the attempt counter and
// arms the next delay. The delay is computed from the counter before
// the increment, so the first retry waits the initial backoff.
// Returns false once the supervisor has stopped.
func (s *Supervisor) scheduleRetry(err error) bool {
	kind := ClassifyFailure(err)

	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return false
	}

	attempt := s.attempts
	s.attempts++

	var delay time.Duration
	if kind == FailureAuth {
		delay = s.authDelay.Delay(attempt)
	} else {
		delay = s.transientDelay.Delay(attempt)
	}
	s.nextDelay = delay

	oldState := s.state
	s.state = StateReconnecting
	onStateChange := s.onStateChange
	onReconnecting := s.onReconnecting
	s.mu.Unlock()

	if onStateChange != nil && oldState != StateReconnecting {
		onStateChange(oldState, StateReconnecting)
	}
	if onReconnecting != nil {
		onReconnecting(attempt+1, delay, kind)
	}
	return true
}

// setState transitions to next and fires the state change callback.
// No-op when the state is unchanged or already stopped.
func (s *Supervisor) setState(next State) {
	s.mu.Lock()
	if s.state == next || s.state == StateStopped {
		s.mu.Unlock()
		return
	}
	oldState := s.state
	s.state = next
	cb := s.onStateChange
	s.mu.Unlock()

	if cb != nil {
		cb(oldState, next)
	}
}

// notifyStale forwards a watchdog warning to the registered callback.
func (s *Supervisor) notifyStale(age time.Duration) {
	s.mu.RLock()
	cb := s.onStale
	s.mu.RUnlock()

	if cb != nil {
		cb(age)
	}
}
