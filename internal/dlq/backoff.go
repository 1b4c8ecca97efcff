package dlq

import (
	"math/rand"
	"time"
)

const (
	DefaultBaseDelay = time.Minute
	DefaultMaxDelay  = 24 * time.Hour
)

// Backoff computes retry delays: min(2^retryCount * base, max) scaled by a
// jitter factor drawn from [0.8, 1.2).
type Backoff struct {
	base   time.Duration
	max    time.Duration
	jitter func() float64
}

// NewBackoff creates a backoff policy. Zero durations fall back to the defaults.
func NewBackoff(base, max time.Duration) *Backoff {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if max <= 0 {
		max = DefaultMaxDelay
	}
	return &Backoff{base: base, max: max, jitter: rand.Float64}
}

// WithJitter replaces the random source, which must return values in [0, 1)
func (b *Backoff) WithJitter(jitter func() float64) *Backoff {
	b.jitter = jitter
	return b
}

// Delay returns the wait before the attempt following retryCount failures
func (b *Backoff) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}

	delay := b.base
	for i := 0; i < retryCount && delay < b.max; i++ {
		delay *= 2
	}
	if delay > b.max {
		delay = b.max
	}

	factor := 0.8 + 0.4*b.jitter()
	return time.Duration(float64(delay) * factor)
}

// Next returns the time of the next attempt
func (b *Backoff) Next(now time.Time, retryCount int) time.Time {
	return now.Add(b.Delay(retryCount))
}
