package connection

import (
	"math/rand"
	"sync"
	"time"
)

// Backoff constants for reconnection scheduling.
const (
	// InitialBackoff is the base reconnection delay.
	InitialBackoff = 1 * time.Second

	// MaxBackoff is the ceiling for the unjittered delay.
	MaxBackoff = 60 * time.Second

	// MaxBackoffExponent caps the doubling so that large attempt
	// counters cannot overflow the delay computation.
	MaxBackoffExponent = 6

	// JitterFactor is the maximum deviation from the base delay.
	// Jittered delays fall within [1-JitterFactor, 1+JitterFactor]
	// times the base, so the ceiling can be exceeded by at most 25%.
	JitterFactor = 0.25

	// AuthCooldown is the fixed retry delay after an authentication
	// failure. Credential rejections get no exponential ramp: retrying
	// quickly is presumed futile and abusive to the upstream.
	AuthCooldown = 30 * time.Minute
)

// DelayPolicy computes the wait before the next connect attempt from
// the number of failures since the last success.
type DelayPolicy interface {
	Delay(attempt int) time.Duration
}

// FixedDelay is a DelayPolicy that always returns the same delay. Used
// for authentication failures, where ramping changes nothing: the
// credentials stay wrong until an operator fixes them.
type FixedDelay time.Duration

// Delay returns the fixed delay regardless of the attempt counter.
func (f FixedDelay) Delay(int) time.Duration {
	return time.Duration(f)
}

// Backoff computes exponential reconnection delays with jitter.
// It holds no attempt counter; the caller owns that and passes it in.
type Backoff struct {
	mu sync.Mutex

	// Configuration
	initial     time.Duration
	max         time.Duration
	maxExponent int
	jitter      float64

	// Random source for jitter
	rng *rand.Rand
}

// NewBackoff creates a new backoff policy with default settings.
func NewBackoff() *Backoff {
	return &Backoff{
		initial:     InitialBackoff,
		max:         MaxBackoff,
		maxExponent: MaxBackoffExponent,
		jitter:      JitterFactor,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// BackoffConfig allows customizing backoff parameters.
type BackoffConfig struct {
	Initial     time.Duration
	Max         time.Duration
	MaxExponent int
	Jitter      float64

	// Rand overrides the jitter source for deterministic tests.
	Rand *rand.Rand
}

// NewBackoffWithConfig creates a backoff policy with custom settings.
func NewBackoffWithConfig(cfg BackoffConfig) *Backoff {
	if cfg.Initial <= 0 {
		cfg.Initial = InitialBackoff
	}
	if cfg.Max <= 0 {
		cfg.Max = MaxBackoff
	}
	if cfg.MaxExponent <= 0 {
		cfg.MaxExponent = MaxBackoffExponent
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	return &Backoff{
		initial:     cfg.Initial,
		max:         cfg.Max,
		maxExponent: cfg.MaxExponent,
		jitter:      cfg.Jitter,
		rng:         cfg.Rand,
	}
}

// Delay returns the jittered delay for the given attempt counter.
func (b *Backoff) Delay(attempt int) time.Duration {
	return b.applyJitter(b.BaseDelay(attempt))
}

// BaseDelay returns the unjittered delay for the given attempt counter:
// the initial delay doubled attempt times, clamped to the maximum.
func (b *Backoff) BaseDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	exp := attempt
	if exp > b.maxExponent {
		exp = b.maxExponent
	}

	delay := b.initial << uint(exp)
	if delay > b.max {
		delay = b.max
	}
	return delay
}

// applyJitter scales a delay by a random factor in [1-jitter, 1+jitter].
// Applied after clamping, so the ceiling stretches with the jitter.
func (b *Backoff) applyJitter(d time.Duration) time.Duration {
	if b.jitter <= 0 {
		return d
	}

	b.mu.Lock()
	f := b.rng.Float64()
	b.mu.Unlock()

	factor := 1 - b.jitter + 2*b.jitter*f
	return time.Duration(float64(d) * factor)
}

// BackoffSequence returns the sequence of base backoff values
// (without jitter) up to the maximum.
func BackoffSequence() []time.Duration {
	return []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
		60 * time.Second, // max
	}
}
