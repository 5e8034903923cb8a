package agent

import (
	"math/rand"
	"sync"
	"time"
)

// Backoff produces the reconnect delay schedule:
// min(base * 2^attempt * jitter, max) with jitter in [0.5, 1.0].
// Jitter spreads out the thundering herd after a gateway restart.
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	mu      sync.Mutex
	attempt int
	rnd     func() float64 // [0,1); replaceable in tests
}

func NewBackoff(base, max time.Duration) *Backoff {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	return &Backoff{Base: base, Max: max, rnd: rand.Float64}
}

// Next returns the delay for the current attempt and advances the
// counter.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := b.Base
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if d >= b.Max {
			d = b.Max
			break
		}
	}
	jitter := 0.5 + 0.5*b.rnd()
	d = time.Duration(float64(d) * jitter)
	if d > b.Max {
		d = b.Max
	}
	b.attempt++
	return d
}

// Attempt returns how many delays have been handed out since the last
// reset.
func (b *Backoff) Attempt() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}

// Reset restarts the schedule after a successful connection.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempt = 0
}
