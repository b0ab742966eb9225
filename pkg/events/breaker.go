package events

import (
	"sync"
	"time"
)

// BreakerState is the state of a Breaker.
type BreakerState int32

const (
	// BreakerClosed lets every publish through.
	BreakerClosed BreakerState = iota
	// BreakerOpen drops publishes until the reset timeout elapses.
	BreakerOpen
	// BreakerHalfOpen lets publishes through; the next outcome decides the state.
	BreakerHalfOpen
)

// String returns the string representation of the breaker state
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Breaker stops a publisher from paying the full retry cost for every
// notification once the broker has failed threshold publishes in a row.
type Breaker struct {
	mu           sync.Mutex
	state        BreakerState
	failures     int
	threshold    int
	resetTimeout time.Duration
	openedAt     time.Time
	now          func() time.Time
}

// NewBreaker creates a closed breaker. Non-positive arguments fall back to
// 3 failures and 30 seconds.
func NewBreaker(threshold int, resetTimeout time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 3
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &Breaker{
		threshold:    threshold,
		resetTimeout: resetTimeout,
		now:          time.Now,
	}
}

// Allow reports whether a publish may be attempted. An open breaker turns
// half-open once the reset timeout has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen {
		if b.now().Sub(b.openedAt) < b.resetTimeout {
			return false
		}
		b.state = BreakerHalfOpen
	}
	return true
}

// RecordSuccess closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.state = BreakerClosed
}

// RecordFailure counts a failed publish. A failure while half-open reopens
// the breaker immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.state == BreakerHalfOpen || b.failures >= b.threshold {
		b.state = BreakerOpen
		b.openedAt = b.now()
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
