package agent

import (
	"sync"
	"time"
)

// Breaker is the reconnect circuit breaker. After maxFailures
// consecutive failures the circuit opens for longBackoff; a single
// successful auth closes it and clears the counter.
type Breaker struct {
	maxFailures int
	longBackoff time.Duration

	mu          sync.Mutex
	consecutive int
	openUntil   time.Time
}

func NewBreaker(maxFailures int, longBackoff time.Duration) *Breaker {
	if maxFailures <= 0 {
		maxFailures = 10
	}
	if longBackoff <= 0 {
		longBackoff = 5 * time.Minute
	}
	return &Breaker{maxFailures: maxFailures, longBackoff: longBackoff}
}

// RecordFailure counts one failed connect attempt and reports whether
// this failure tripped the circuit open.
func (b *Breaker) RecordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive++
	if b.consecutive >= b.maxFailures && b.openUntil.IsZero() {
		b.openUntil = time.Now().Add(b.longBackoff)
		return true
	}
	if b.consecutive >= b.maxFailures {
		// Still failing after the long backoff elapsed: open again.
		b.openUntil = time.Now().Add(b.longBackoff)
	}
	return false
}

// RecordSuccess closes the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive = 0
	b.openUntil = time.Time{}
}

// Wait returns how long the caller must hold off before the next
// attempt. Zero when the circuit is closed or the open window passed.
func (b *Breaker) Wait() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openUntil.IsZero() {
		return 0
	}
	remaining := time.Until(b.openUntil)
	if remaining <= 0 {
		// Window elapsed; allow one probe attempt.
		b.openUntil = time.Time{}
		return 0
	}
	return remaining
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutive
}
