// Package circuitbreaker stops calls to a failing dependency for a cool-off
// period. State moves closed → open → half-open → closed per key.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/agrolink/rfq/internal/metrics"
)

// ErrOpen is returned by Execute while the circuit rejects calls.
var ErrOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal: requests flow through
	StateOpen                  // Tripped: requests are rejected
	StateHalfOpen              // Probing: one request allowed to test recovery
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

type entry struct {
	state    State
	failures int
	since    time.Time // when the current state was entered
}

// Breaker is a per-key circuit breaker. A key opens after threshold
// consecutive failures. After openDuration one probe is let through; its
// outcome closes or reopens the circuit. A probe that never reports is
// abandoned after another openDuration.
type Breaker struct {
	mu           sync.Mutex
	entries      map[string]*entry
	threshold    int
	openDuration time.Duration
	now          func() time.Time
	onTransition func(key string, from, to State)
}

// New creates a circuit breaker that opens after threshold consecutive
// failures and stays open for openDuration before probing.
func New(threshold int, openDuration time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openDuration <= 0 {
		openDuration = 30 * time.Second
	}
	return &Breaker{
		entries:      make(map[string]*entry),
		threshold:    threshold,
		openDuration: openDuration,
		now:          time.Now,
	}
}

// WithClock replaces the time source (for tests).
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

// OnTransition sets a callback invoked after each state change.
func (b *Breaker) OnTransition(fn func(key string, from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Execute runs fn if key's circuit allows it and records the outcome.
// countable decides which errors count as dependency failures; nil counts
// every non-nil error.
func (b *Breaker) Execute(key string, fn func() error, countable func(error) bool) error {
	if !b.Allow(key) {
		return ErrOpen
	}
	err := fn()
	if err != nil && (countable == nil || countable(err)) {
		b.RecordFailure(key)
	} else {
		b.RecordSuccess(key)
	}
	return err
}

// Allow reports whether a request to key may proceed.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	e, ok := b.entries[key]
	if !ok {
		b.mu.Unlock()
		return true
	}
	now := b.now()
	allowed := true
	var from State
	changed := false
	switch e.state {
	case StateOpen:
		if now.Sub(e.since) >= b.openDuration {
			from, changed = b.set(e, StateHalfOpen, now)
		} else {
			allowed = false
		}
	case StateHalfOpen:
		if now.Sub(e.since) >= b.openDuration {
			// The previous probe never reported; let another through.
			e.since = now
		} else {
			allowed = false
		}
	}
	fn := b.onTransition
	b.mu.Unlock()

	if changed {
		b.notify(fn, key, from, StateHalfOpen)
	}
	return allowed
}

// RecordSuccess resets the failure count and closes a half-open circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	e, ok := b.entries[key]
	if !ok {
		b.mu.Unlock()
		return
	}
	e.failures = 0
	from, changed := b.set(e, StateClosed, b.now())
	fn := b.onTransition
	b.mu.Unlock()

	if changed {
		b.notify(fn, key, from, StateClosed)
	}
}

// RecordFailure counts a failure. A failed probe reopens the circuit; a
// closed circuit opens once the threshold is reached.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	e, ok := b.entries[key]
	if !ok {
		e = &entry{state: StateClosed, since: b.now()}
		b.entries[key] = e
	}
	e.failures++

	var (
		from    State
		changed bool
	)
	now := b.now()
	switch {
	case e.state == StateHalfOpen:
		from, changed = b.set(e, StateOpen, now)
	case e.state == StateClosed && e.failures >= b.threshold:
		from, changed = b.set(e, StateOpen, now)
	case e.state == StateOpen:
		e.since = now
	}
	fn := b.onTransition
	b.mu.Unlock()

	if changed {
		b.notify(fn, key, from, StateOpen)
	}
}

// State returns the current state for a key. Unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return StateClosed
	}
	return e.state
}

// set changes e's state. Caller must hold b.mu.
func (b *Breaker) set(e *entry, to State, now time.Time) (State, bool) {
	from := e.state
	if from == to {
		return from, false
	}
	e.state = to
	e.since = now
	return from, true
}

func (b *Breaker) notify(fn func(string, State, State), key string, from, to State) {
	metrics.BreakerTransitionsTotal.WithLabelValues(key, from.String(), to.String()).Inc()
	if fn != nil {
		fn(key, from, to)
	}
}
