package connection

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeHandle struct {
	closed atomic.Int32
}

func (h *fakeHandle) Close() error {
	h.closed.Add(1)
	return nil
}

// fastConfig keeps supervisor tests under a second.
func fastConfig() Config {
	return Config{
		Backoff: NewBackoffWithConfig(BackoffConfig{
			Initial:     10 * time.Millisecond,
			Max:         40 * time.Millisecond,
			MaxExponent: 2,
			Jitter:      0,
		}),
		AuthCooldown:   250 * time.Millisecond,
		ConnectTimeout: time.Second,
	}
}

func waitForState(t *testing.T, s *Supervisor, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("State() = %v, want %v", s.State(), want)
}

func recvHandle(t *testing.T, ch <-chan Handle) Handle {
	t.Helper()
	select {
	case h := <-ch:
		return h
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnConnected")
		return nil
	}
}

type retryEvent struct {
	attempt int
	delay   time.Duration
	kind    FailureKind
}

func recvRetry(t *testing.T, ch <-chan retryEvent) retryEvent {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnReconnecting")
		return retryEvent{}
	}
}

func TestSupervisor(t *testing.T) {
	t.Run("InitialState", func(t *testing.T) {
		s := NewSupervisor(func(ctx context.Context) (Handle, error) {
			return &fakeHandle{}, nil
		})
		defer s.Stop()

		if s.State() != StateConnecting {
			t.Errorf("Initial state = %v, want StateConnecting", s.State())
		}
		if s.IsConnected() {
			t.Error("IsConnected() = true before Start")
		}
		if s.Handle() != nil {
			t.Error("Handle() != nil before Start")
		}
		if _, ok := s.LastEventTime(); ok {
			t.Error("LastEventTime() ok before any event")
		}
	})

	t.Run("SuccessfulConnect", func(t *testing.T) {
		h := &fakeHandle{}
		s := NewSupervisorWithConfig(func(ctx context.Context) (Handle, error) {
			return h, nil
		}, fastConfig())

		connected := make(chan Handle, 1)
		s.OnConnected(func(got Handle) { connected <- got })

		if err := s.Start(); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		defer s.Stop()

		if got := recvHandle(t, connected); got != h {
			t.Errorf("OnConnected handle = %v, want %v", got, h)
		}
		if s.State() != StateConnected {
			t.Errorf("State() = %v, want StateConnected", s.State())
		}
		if s.Handle() != h {
			t.Error("Handle() does not return the live handle")
		}
		if s.Session() == "" {
			t.Error("Session() is empty while connected")
		}
		if s.Attempts() != 0 {
			t.Errorf("Attempts() = %d, want 0", s.Attempts())
		}
	})

	t.Run("DoubleStart", func(t *testing.T) {
		s := NewSupervisorWithConfig(func(ctx context.Context) (Handle, error) {
			return &fakeHandle{}, nil
		}, fastConfig())
		defer s.Stop()

		if err := s.Start(); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		if err := s.Start(); err != ErrAlreadyStarted {
			t.Errorf("Second Start() error = %v, want ErrAlreadyStarted", err)
		}
	})

	t.Run("ReconnectAfterConnectionLost", func(t *testing.T) {
		var dials atomic.Int32
		s := NewSupervisorWithConfig(func(ctx context.Context) (Handle, error) {
			dials.Add(1)
			return &fakeHandle{}, nil
		}, fastConfig())

		connected := make(chan Handle, 4)
		s.OnConnected(func(h Handle) { connected <- h })

		disconnected := make(chan struct{}, 1)
		s.OnDisconnected(func() { disconnected <- struct{}{} })

		if err := s.Start(); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		defer s.Stop()

		first := recvHandle(t, connected)

		s.ConnectionLost(first, errors.New("read: connection reset"))

		select {
		case <-disconnected:
		case <-time.After(2 * time.Second):
			t.Fatal("OnDisconnected not called")
		}

		second := recvHandle(t, connected)
		if second == first {
			t.Error("Reconnect reused the dead handle, want a brand-new one")
		}
		if first.(*fakeHandle).closed.Load() == 0 {
			t.Error("Dead handle was not closed during teardown")
		}
		if got := dials.Load(); got != 2 {
			t.Errorf("Connect called %d times, want 2", got)
		}
	})

	t.Run("BackoffAppliedOnFailure", func(t *testing.T) {
		var count atomic.Int32
		s := NewSupervisorWithConfig(func(ctx context.Context) (Handle, error) {
			if count.Add(1) < 3 {
				return nil, errors.New("dial tcp: connection refused")
			}
			return &fakeHandle{}, nil
		}, fastConfig())

		retries := make(chan retryEvent, 8)
		s.OnReconnecting(func(attempt int, delay time.Duration, kind FailureKind) {
			retries <- retryEvent{attempt, delay, kind}
		})

		if err := s.Start(); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		defer s.Stop()

		waitForState(t, s, StateConnected)

		r1 := recvRetry(t, retries)
		if r1.attempt != 1 || r1.delay != 10*time.Millisecond || r1.kind != FailureTransient {
			t.Errorf("First retry = %+v, want attempt 1, 10ms, TRANSIENT", r1)
		}

		r2 := recvRetry(t, retries)
		if r2.attempt != 2 || r2.delay != 20*time.Millisecond || r2.kind != FailureTransient {
			t.Errorf("Second retry = %+v, want attempt 2, 20ms, TRANSIENT", r2)
		}

		if s.Attempts() != 0 {
			t.Errorf("Attempts() = %d after success, want 0", s.Attempts())
		}
	})

	t.Run("AuthCooldownSelection", func(t *testing.T) {
		s := NewSupervisorWithConfig(func(ctx context.Context) (Handle, error) {
			return nil, errors.New("401 Unauthorized")
		}, fastConfig())

		retries := make(chan retryEvent, 8)
		s.OnReconnecting(func(attempt int, delay time.Duration, kind FailureKind) {
			retries <- retryEvent{attempt, delay, kind}
		})

		if err := s.Start(); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		defer s.Stop()

		// The cooldown applies regardless of the attempt counter.
		r1 := recvRetry(t, retries)
		if r1.kind != FailureAuth {
			t.Errorf("First retry kind = %v, want AUTH", r1.kind)
		}
		if r1.delay != 250*time.Millisecond {
			t.Errorf("First retry delay = %v, want the 250ms cooldown", r1.delay)
		}

		r2 := recvRetry(t, retries)
		if r2.delay != 250*time.Millisecond {
			t.Errorf("Second retry delay = %v, want the 250ms cooldown", r2.delay)
		}
	})

	t.Run("SingleFlight", func(t *testing.T) {
		var dials atomic.Int32
		s := NewSupervisorWithConfig(func(ctx context.Context) (Handle, error) {
			dials.Add(1)
			return &fakeHandle{}, nil
		}, fastConfig())

		connected := make(chan Handle, 4)
		s.OnConnected(func(h Handle) { connected <- h })

		var reconnects atomic.Int32
		s.OnReconnecting(func(attempt int, delay time.Duration, kind FailureKind) {
			reconnects.Add(1)
		})

		if err := s.Start(); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		defer s.Stop()

		first := recvHandle(t, connected)

		// Two overlapping fault signals; the second must be swallowed.
		s.ConnectionLost(first, errors.New("connection reset"))
		s.ConnectionLost(first, errors.New("connection reset"))

		recvHandle(t, connected)
		waitForState(t, s, StateConnected)

		if got := reconnects.Load(); got != 1 {
			t.Errorf("OnReconnecting called %d times, want 1", got)
		}
		if got := dials.Load(); got != 2 {
			t.Errorf("Connect called %d times, want 2", got)
		}
	})

	t.Run("StaleHandleFaultIgnored", func(t *testing.T) {
		var dials atomic.Int32
		s := NewSupervisorWithConfig(func(ctx context.Context) (Handle, error) {
			dials.Add(1)
			return &fakeHandle{}, nil
		}, fastConfig())

		connected := make(chan Handle, 4)
		s.OnConnected(func(h Handle) { connected <- h })

		if err := s.Start(); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		defer s.Stop()

		first := recvHandle(t, connected)
		s.ConnectionLost(first, errors.New("connection reset"))
		recvHandle(t, connected)
		waitForState(t, s, StateConnected)

		// A late fault from the torn-down session must not kill the
		// successor.
		s.ConnectionLost(first, errors.New("connection reset"))
		time.Sleep(50 * time.Millisecond)

		if s.State() != StateConnected {
			t.Errorf("State() = %v after stale fault, want StateConnected", s.State())
		}
		if got := dials.Load(); got != 2 {
			t.Errorf("Connect called %d times, want 2", got)
		}
	})

	t.Run("StopIdempotent", func(t *testing.T) {
		s := NewSupervisorWithConfig(func(ctx context.Context) (Handle, error) {
			return &fakeHandle{}, nil
		}, fastConfig())

		if err := s.Start(); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		waitForState(t, s, StateConnected)
		h := s.Handle().(*fakeHandle)

		s.Stop()
		if s.State() != StateStopped {
			t.Errorf("State() = %v after Stop, want StateStopped", s.State())
		}

		s.Stop() // Second call is a no-op
		if s.State() != StateStopped {
			t.Errorf("State() = %v after second Stop, want StateStopped", s.State())
		}

		if got := h.closed.Load(); got != 1 {
			t.Errorf("Handle closed %d times, want 1", got)
		}
		if s.Handle() != nil {
			t.Error("Handle() != nil after Stop")
		}
		if err := s.Start(); err != ErrSupervisorStopped {
			t.Errorf("Start() after Stop error = %v, want ErrSupervisorStopped", err)
		}
	})

	t.Run("StopCancelsPendingRetry", func(t *testing.T) {
		var dials atomic.Int32
		s := NewSupervisorWithConfig(func(ctx context.Context) (Handle, error) {
			dials.Add(1)
			return nil, errors.New("connection refused")
		}, fastConfig())

		retries := make(chan retryEvent, 8)
		s.OnReconnecting(func(attempt int, delay time.Duration, kind FailureKind) {
			retries <- retryEvent{attempt, delay, kind}
		})

		if err := s.Start(); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		recvRetry(t, retries)

		s.Stop()
		settled := dials.Load()

		// Longer than the maximum configured backoff.
		time.Sleep(100 * time.Millisecond)

		if got := dials.Load(); got != settled {
			t.Errorf("Connect called %d more times after Stop", got-settled)
		}
	})

	t.Run("RecordEvent", func(t *testing.T) {
		fixed := time.Date(2026, 2, 14, 10, 30, 0, 0, time.UTC)
		cfg := fastConfig()
		cfg.Now = func() time.Time { return fixed }

		s := NewSupervisorWithConfig(func(ctx context.Context) (Handle, error) {
			return &fakeHandle{}, nil
		}, cfg)
		defer s.Stop()

		s.RecordEvent()

		got, ok := s.LastEventTime()
		if !ok {
			t.Fatal("LastEventTime() ok = false after RecordEvent")
		}
		if !got.Equal(fixed) {
			t.Errorf("LastEventTime() = %v, want %v", got, fixed)
		}
	})

	t.Run("StaleFeedWarning", func(t *testing.T) {
		cfg := fastConfig()
		cfg.CheckInterval = 10 * time.Millisecond
		cfg.StaleThreshold = time.Millisecond

		s := NewSupervisorWithConfig(func(ctx context.Context) (Handle, error) {
			return &fakeHandle{}, nil
		}, cfg)

		stale := make(chan time.Duration, 1)
		s.OnStale(func(age time.Duration) {
			select {
			case stale <- age:
			default:
			}
		})

		if err := s.Start(); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		defer s.Stop()

		waitForState(t, s, StateConnected)
		s.RecordEvent()

		select {
		case age := <-stale:
			if age <= 0 {
				t.Errorf("Stale age = %v, want > 0", age)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("OnStale not called for a quiet feed")
		}

		// Staleness must not touch connection state.
		if s.State() != StateConnected {
			t.Errorf("State() = %v after staleness warning, want StateConnected", s.State())
		}
	})
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateConnecting, "CONNECTING"},
		{StateConnected, "CONNECTED"},
		{StateReconnecting, "RECONNECTING"},
		{StateStopped, "STOPPED"},
		{State(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.state.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}
