package admission

import (
	"math"
	"time"
)

// Limits sizes one token bucket.
type Limits struct {
	Capacity        float64 `yaml:"capacity"`
	RefillPerSecond float64 `yaml:"refill_per_second"`
}

// bucket is a lazily refilled token bucket. It has no lock of its own; the
// Controller serializes every refill and take.
type bucket struct {
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func newBucket(l Limits, now time.Time) *bucket {
	return &bucket{
		tokens:     l.Capacity,
		capacity:   l.Capacity,
		refillRate: l.RefillPerSecond,
		lastRefill: now,
	}
}

// refill credits tokens for the time elapsed since the last refill. A clock
// that moves backwards credits nothing.
func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.refillRate)
	}
	if now.After(b.lastRefill) {
		b.lastRefill = now
	}
}

func (b *bucket) available() bool {
	return b.tokens >= 1
}

func (b *bucket) take() {
	b.tokens = math.Max(0, b.tokens-1)
}

// retryAfter is the whole number of seconds until one token is available.
// It is at least 1 whenever the bucket is empty.
func (b *bucket) retryAfter() int {
	if b.tokens >= 1 {
		return 0
	}
	secs := int(math.Ceil((1 - b.tokens) / b.refillRate))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// idle reports whether the bucket is completely full. Only then is dropping
// it indistinguishable from a fresh caller. Call after refill.
func (b *bucket) idle() bool {
	return b.tokens >= b.capacity
}

// tokenInterval is how long the bucket takes to earn one token.
func (l Limits) tokenInterval() time.Duration {
	return time.Duration(float64(time.Second) / l.RefillPerSecond)
}
