// Package circuit implements a three-state atomic circuit breaker.
// State and counters are plain atomics; the only blocking primitive is a
// bounded counting semaphore (a buffered channel) guarding HalfOpen trial
// slots. There is no mutex on the hot path.
package circuit

import (
	"sync/atomic"
	"time"

	"github.com/riptide-run/riptide/models"
)

// Clock abstracts time for deterministic testing.
type Clock interface {
	NowMs() int64
}

// RealClock reads the monotonic clock, as milliseconds since process start.
type RealClock struct{}

var processStart = time.Now()

func (RealClock) NowMs() int64 { return time.Since(processStart).Milliseconds() }

// Config tunes the breaker. Zero-value Config uses the package defaults.
type Config struct {
	FailureThreshold    uint32        // consecutive Closed-state failures before tripping Open
	OpenCooldown        time.Duration // time spent in Open before admitting a HalfOpen trial
	HalfOpenMaxInFlight uint32        // concurrent trial calls allowed while HalfOpen
}

// DefaultConfig is 5 failures to trip, 30s cooldown, 3 half-open trials.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		OpenCooldown:        30 * time.Second,
		HalfOpenMaxInFlight: 3,
	}
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.OpenCooldown <= 0 {
		c.OpenCooldown = 30 * time.Second
	}
	if c.HalfOpenMaxInFlight == 0 {
		c.HalfOpenMaxInFlight = 3
	}
	return c
}

// Rejection classifies why try_acquire refused a call.
type Rejection string

const (
	RejectionCircuitOpen       Rejection = "circuit_open"
	RejectionHalfOpenSaturated Rejection = "half_open_saturated"
)

// Permit is returned by a successful HalfOpen acquisition and must be
// released exactly once to free the trial slot. Closed-state acquisitions
// return a nil Permit; Release on a nil Permit is a no-op.
type Permit struct {
	slots chan struct{}
}

// Release frees the HalfOpen trial slot, if one was held. RAII-style: call
// this on every exit path (defer permit.Release()).
func (p *Permit) Release() {
	if p == nil || p.slots == nil {
		return
	}
	select {
	case p.slots <- struct{}{}:
	default:
	}
}

// Breaker is the lock-free three-state circuit breaker.
type Breaker struct {
	state       atomic.Uint32 // models.CircuitState
	failures    atomic.Uint32
	successes   atomic.Uint32
	openUntilMs atomic.Int64

	halfOpenSlots chan struct{} // counting semaphore of size cfg.HalfOpenMaxInFlight

	cfg   Config
	clock Clock
}

// New constructs a Breaker starting Closed. A nil clock uses RealClock.
func New(cfg Config, clock Clock) *Breaker {
	cfg = cfg.withDefaults()
	if clock == nil {
		clock = RealClock{}
	}
	b := &Breaker{
		cfg:           cfg,
		clock:         clock,
		halfOpenSlots: make(chan struct{}, cfg.HalfOpenMaxInFlight),
	}
	for i := uint32(0); i < cfg.HalfOpenMaxInFlight; i++ {
		b.halfOpenSlots <- struct{}{}
	}
	b.state.Store(uint32(models.CircuitClosed))
	return b
}

// State returns the current state. Relaxed load is sufficient: callers act
// on try_acquire's outcome, not on a raw State() read.
func (b *Breaker) State() models.CircuitState {
	return models.CircuitState(b.state.Load())
}

// FailureCount returns the current Closed-state consecutive failure count.
func (b *Breaker) FailureCount() uint32 { return b.failures.Load() }

// TryAcquire attempts to admit one call. Closed returns a nil Permit and an
// empty Rejection; no permit needed. HalfOpen returns a Permit that must be released. Open (or a
// saturated HalfOpen) returns a Rejection.
func (b *Breaker) TryAcquire() (*Permit, Rejection) {
	switch models.CircuitState(b.state.Load()) {
	case models.CircuitClosed:
		return nil, ""
	case models.CircuitOpen:
		now := b.clock.NowMs()
		openUntil := b.openUntilMs.Load()
		if now >= openUntil {
			// CAS-guarded Open->HalfOpen: only one caller observes the transition.
			b.state.CompareAndSwap(uint32(models.CircuitOpen), uint32(models.CircuitHalfOpen))
			return b.TryAcquire()
		}
		return nil, RejectionCircuitOpen
	case models.CircuitHalfOpen:
		select {
		case <-b.halfOpenSlots:
			return &Permit{slots: b.halfOpenSlots}, ""
		default:
			return nil, RejectionHalfOpenSaturated
		}
	default:
		return nil, RejectionCircuitOpen
	}
}

// OnSuccess records a successful call. In Closed it resets the failure
// count. In HalfOpen the first success closes the circuit and refills the
// trial-slot semaphore. A success observed while Open is a caller
// programming error (the call should have been rejected by TryAcquire) and
// is ignored.
func (b *Breaker) OnSuccess() {
	switch models.CircuitState(b.state.Load()) {
	case models.CircuitClosed:
		b.failures.Store(0)
	case models.CircuitHalfOpen:
		if b.successes.Add(1) >= 1 {
			b.state.Store(uint32(models.CircuitClosed))
			b.failures.Store(0)
			b.successes.Store(0)
			b.refillHalfOpenSlots()
		}
	}
}

// OnFailure records a failed call. In Closed it increments the failure
// count, tripping Open once FailureThreshold is reached. In HalfOpen any
// failure immediately reopens the circuit with a fresh cooldown.
func (b *Breaker) OnFailure() {
	switch models.CircuitState(b.state.Load()) {
	case models.CircuitClosed:
		if b.failures.Add(1) >= b.cfg.FailureThreshold {
			b.tripOpen()
		}
	case models.CircuitHalfOpen:
		b.tripOpen()
	}
}

func (b *Breaker) tripOpen() {
	b.state.Store(uint32(models.CircuitOpen))
	b.successes.Store(0)
	b.failures.Store(0)
	b.openUntilMs.Store(b.clock.NowMs() + b.cfg.OpenCooldown.Milliseconds())
	b.refillHalfOpenSlots()
}

func (b *Breaker) refillHalfOpenSlots() {
	want := int(b.cfg.HalfOpenMaxInFlight)
	for len(b.halfOpenSlots) < want {
		select {
		case b.halfOpenSlots <- struct{}{}:
		default:
			return
		}
	}
}
