// Package circuitbreaker stops calling an outbound channel that keeps
// failing, so a dead bot gateway or mail provider does not pile up
// background deliveries.
//
// States per key: closed (calls flow) → open (calls rejected) → half-open
// (one probe) → closed again on success, open again on failure.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/velvetrooms/escrowd/internal/metrics"
)

// ErrOpen is returned by Do when the key's circuit rejects the call.
var ErrOpen = errors.New("circuit open")

// State is a circuit state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

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
	state       State
	failures    int
	lastFailure time.Time
}

// Breaker tracks consecutive failures per key.
type Breaker struct {
	mu           sync.Mutex
	entries      map[string]*entry
	threshold    int
	openDuration time.Duration
	now          func() time.Time
}

// New creates a breaker that opens after threshold consecutive failures
// and probes again after openDuration.
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

// Allow reports whether a call to key may proceed. An open circuit past
// its cool-down admits exactly one probe.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return true
	}
	switch e.state {
	case StateOpen:
		if b.now().Sub(e.lastFailure) >= b.openDuration {
			b.transition(e, key, StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

// RecordSuccess resets key's failure count and closes a half-open circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return
	}
	if e.state == StateHalfOpen {
		b.transition(e, key, StateClosed)
	}
	e.failures = 0
}

// RecordFailure counts a failure, opening the circuit at the threshold or
// when a half-open probe fails.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		e = &entry{state: StateClosed}
		b.entries[key] = e
	}
	e.failures++
	e.lastFailure = b.now()

	switch {
	case e.state == StateHalfOpen:
		b.transition(e, key, StateOpen)
	case e.state == StateClosed && e.failures >= b.threshold:
		b.transition(e, key, StateOpen)
	}
}

// State returns key's current state.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[key]; ok {
		return e.state
	}
	return StateClosed
}

// Do runs fn under key's circuit, recording its outcome. Cancellation of
// ctx is not counted as a failure.
func (b *Breaker) Do(ctx context.Context, key string, fn func(context.Context) error) error {
	if !b.Allow(key) {
		return ErrOpen
	}
	err := fn(ctx)
	switch {
	case err == nil:
		b.RecordSuccess(key)
	case ctx.Err() != nil:
		// A cancelled probe neither proves nor disproves recovery.
		b.mu.Lock()
		if e, ok := b.entries[key]; ok && e.state == StateHalfOpen {
			b.transition(e, key, StateOpen)
		}
		b.mu.Unlock()
	default:
		b.RecordFailure(key)
	}
	return err
}

// transition requires b.mu.
func (b *Breaker) transition(e *entry, key string, to State) {
	from := e.state
	if from == to {
		return
	}
	e.state = to
	metrics.BreakerTransitionsTotal.WithLabelValues(key, from.String(), to.String()).Inc()
}
