// Package breaker implements the per-name circuit breaker (C4): a
// {Closed, Open, HalfOpen} state machine guarding a sub-call. Grounded on
// the jittered-retry/cooldown bookkeeping in internal/storage's connection
// retry helpers, generalized into an explicit named state machine.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/nous-run/nous/internal/metrics"
)

// State is one of the three circuit states.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// ErrOpen is returned by Call when the breaker is Open and rejects without
// invoking the wrapped function.
var ErrOpen = errors.New("breaker: circuit open")

// Config tunes one breaker's thresholds.
type Config struct {
	FailureThreshold int           // consecutive failures in Closed before tripping to Open
	CooldownSeconds  float64       // time in Open before a HalfOpen probe is allowed
	SuccessThreshold int           // consecutive HalfOpen successes before closing
}

// DefaultConfig matches the teacher's conservative retry defaults.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, CooldownSeconds: 30, SuccessThreshold: 2}
}

// Breaker is one named circuit. Zero value is not usable; use New.
type Breaker struct {
	name   string
	cfg    Config
	sink   *metrics.Sink

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	consecutiveSuccess  int
	openedAt            time.Time
	probeInFlight       bool
}

// New creates a Breaker in the Closed state.
func New(name string, cfg Config, sink *metrics.Sink) *Breaker {
	return &Breaker{name: name, cfg: cfg, state: Closed, sink: sink}
}

// State returns the breaker's recorded state. It does not itself advance
// Open to HalfOpen; that transition is applied by the next Call once the
// cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// currentStateLocked advances Open -> HalfOpen when the cooldown has
// elapsed. Must be called with mu held.
func (b *Breaker) currentStateLocked() State {
	if b.state == Open && time.Since(b.openedAt).Seconds() >= b.cfg.CooldownSeconds {
		b.state = HalfOpen
		b.probeInFlight = false
		b.emit("half_open")
	}
	return b.state
}

// Call invokes f if the breaker permits it, otherwise returns ErrOpen
// without invoking f. HalfOpen probes are serialized: only one concurrent
// probe per breaker is allowed; a second caller while a probe is in flight
// is rejected with ErrOpen rather than queued.
func (b *Breaker) Call(f func() error) error {
	b.mu.Lock()
	state := b.currentStateLocked()
	switch state {
	case Open:
		b.mu.Unlock()
		b.emit("rejected")
		return ErrOpen
	case HalfOpen:
		if b.probeInFlight {
			b.mu.Unlock()
			b.emit("rejected")
			return ErrOpen
		}
		b.probeInFlight = true
	}
	b.mu.Unlock()

	err := f()

	b.mu.Lock()
	defer b.mu.Unlock()
	if state == HalfOpen {
		b.probeInFlight = false
	}

	if err != nil {
		b.onFailureLocked()
		return err
	}
	b.onSuccessLocked(state)
	return nil
}

func (b *Breaker) onFailureLocked() {
	b.consecutiveSuccess = 0
	b.consecutiveFailures++
	if b.state == HalfOpen {
		// Any HalfOpen failure reopens immediately and resets opened_at.
		b.state = Open
		b.openedAt = time.Now()
		b.emit("open")
		return
	}
	if b.consecutiveFailures >= b.cfg.FailureThreshold {
		b.state = Open
		b.openedAt = time.Now()
		b.emit("open")
	}
}

func (b *Breaker) onSuccessLocked(priorState State) {
	b.consecutiveFailures = 0
	if priorState == HalfOpen {
		b.consecutiveSuccess++
		if b.consecutiveSuccess >= b.cfg.SuccessThreshold {
			b.state = Closed
			b.consecutiveSuccess = 0
			b.emit("closed")
		}
		return
	}
	b.consecutiveSuccess = 0
}

// Reset forces the breaker back to Closed. Operator escape hatch only.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.consecutiveFailures = 0
	b.consecutiveSuccess = 0
	b.probeInFlight = false
	b.emit("reset")
}

func (b *Breaker) emit(transition string) {
	if b.sink == nil {
		return
	}
	b.sink.Inc("breaker.transition", 1, map[string]string{"name": b.name, "to": transition})
}
