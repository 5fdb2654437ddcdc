// Package ratelimit provides the "at most one line per second" token
// bucket the spec requires for connection-reset and resource-exhaustion
// warnings (§4.2, §7), so a storm of identical errors doesn't flood logs.
package ratelimit

import "time"

// Bucket allows one event per interval, bursting up to capacity.
type Bucket struct {
	interval time.Duration
	capacity float64
	tokens   float64
	last     time.Time
	now      func() time.Time
}

// New creates a bucket that refills one token every interval, holding at
// most burst tokens at once.
func New(interval time.Duration, burst int) *Bucket {
	if burst < 1 {
		burst = 1
	}
	return &Bucket{
		interval: interval,
		capacity: float64(burst),
		tokens:   float64(burst),
		now:      time.Now,
	}
}

// Allow reports whether an event may proceed right now, consuming a
// token if so.
func (b *Bucket) Allow() bool {
	now := b.now()
	if b.last.IsZero() {
		b.last = now
	} else if elapsed := now.Sub(b.last); elapsed > 0 {
		b.tokens += elapsed.Seconds() / b.interval.Seconds()
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.last = now
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
