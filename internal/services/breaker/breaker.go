// Package breaker implements the account-wide circuit breaker.
package breaker

import (
	"sync"
	"time"

	"github.com/vadiminshakov/lotbot/internal/domain"
)

const (
	DefaultMaxFailures = 5
	maxBackoff         = 60 * time.Second
)

// Breaker blocks every order of an account once tripped, until Reset is called.
// It is safe for concurrent use: the control loop reads it before each order while
// operators may trip or reset it at any time.
type Breaker struct {
	mu          sync.RWMutex
	maxFailures int
	state       domain.Breaker
}

// New restores a breaker from its persisted state. maxFailures <= 0 disables the
// failure-count trip.
func New(maxFailures int, persisted domain.Breaker) *Breaker {
	return &Breaker{maxFailures: maxFailures, state: persisted}
}

// Tripped reports whether orders are blocked.
func (b *Breaker) Tripped() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state.Tripped
}

// Trip blocks all orders. It returns false if the breaker was already tripped.
func (b *Breaker) Trip(reason string, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state.Tripped {
		return false
	}
	b.state.Tripped = true
	b.state.Reason = reason
	b.state.TrippedAt = now
	return true
}

// Reset is the manual reset. It clears the failure count as well.
func (b *Breaker) Reset() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	was := b.state.Tripped
	b.state = domain.Breaker{}
	return was
}

// RecordFailure counts a failed cycle and trips once the limit is reached.
// It returns true when this failure tripped the breaker.
func (b *Breaker) RecordFailure(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state.ConsecutiveFailures++
	if b.state.Tripped || b.maxFailures <= 0 || b.state.ConsecutiveFailures < b.maxFailures {
		return false
	}
	b.state.Tripped = true
	b.state.Reason = "consecutive_cycle_failures"
	b.state.TrippedAt = now
	return true
}

// RecordSuccess clears the failure count. It does not reset a tripped breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state.ConsecutiveFailures = 0
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state.ConsecutiveFailures
}

// Observe adopts a trip that was persisted by someone else.
func (b *Breaker) Observe(persisted domain.Breaker) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if persisted.Tripped && !b.state.Tripped {
		b.state.Tripped = true
		b.state.Reason = persisted.Reason
		b.state.TrippedAt = persisted.TrippedAt
	}
}

// State returns the value to persist.
func (b *Breaker) State() domain.Breaker {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Backoff returns the wait after n consecutive failed cycles: min(60s, 2^(n-1) s).
func Backoff(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	if failures > 7 {
		return maxBackoff
	}
	d := time.Duration(1<<(failures-1)) * time.Second
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
