package ratelimit

import (
	"math"
	"sync"
	"time"
)

// DefaultCapacity and DefaultRefillPerSec are used when a provider has no
// explicit bucket configured.
const (
	DefaultCapacity      = 60.0
	DefaultRefillPerSec  = 1.0
)

// bucketState is one provider's token bucket.
type bucketState struct {
	mu            sync.Mutex
	capacity      float64
	refillPerSec  float64
	currentTokens float64
	lastRefillTs  time.Time
}

// BucketLimiter is an in-process per-provider token bucket. Unlike RPMLimiter
// (internal/ratelimit/rpm.go), which fails open on a Redis error because it
// gates a distributed, best-effort admission decision, BucketLimiter fails
// closed on malformed input: an empty provider name is denied rather than
// admitted. A provider name it has not seen before is not rejected; it gets
// its own bucket at the default capacity on first use. State is
// process-local by design — each gateway instance
// enforces its own bucket rather than coordinating over Redis, so the
// effective capacity scales with instance count. A horizontally-scaled
// deployment wanting a global rate should front this with the existing
// RPMLimiter, which already coordinates via a Redis sliding window.
type BucketLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucketState
	capacity float64
	refill   float64
}

// Option configures a BucketLimiter.
type Option func(*BucketLimiter)

// WithCapacity overrides the default bucket capacity (max burst size).
func WithCapacity(c float64) Option {
	return func(b *BucketLimiter) {
		if c > 0 {
			b.capacity = c
		}
	}
}

// WithRefillPerSec overrides the default token refill rate.
func WithRefillPerSec(r float64) Option {
	return func(b *BucketLimiter) {
		if r > 0 {
			b.refill = r
		}
	}
}

// New constructs a BucketLimiter with the given defaults, applied to any
// provider seen for the first time.
func New(opts ...Option) *BucketLimiter {
	b := &BucketLimiter{
		buckets:  make(map[string]*bucketState),
		capacity: DefaultCapacity,
		refill:   DefaultRefillPerSec,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *BucketLimiter) stateFor(provider string) *bucketState {
	b.mu.Lock()
	defer b.mu.Unlock()
	bs, ok := b.buckets[provider]
	if !ok {
		bs = &bucketState{
			capacity:      b.capacity,
			refillPerSec:  b.refill,
			currentTokens: b.capacity,
			lastRefillTs:  time.Now(),
		}
		b.buckets[provider] = bs
	}
	return bs
}

// TryAcquire admits one unit of work for provider if a token is available.
// On malformed input (empty provider name) it denies rather than admitting,
// since there is no bucket identity to charge against — fail closed, not
// open. Returns admitted and, when denied, the number of milliseconds until
// the next token is expected to be available.
func (b *BucketLimiter) TryAcquire(provider string) (admitted bool, retryAfterMs int64) {
	if provider == "" {
		return false, 1000
	}

	bs := b.stateFor(provider)

	bs.mu.Lock()
	defer bs.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(bs.lastRefillTs).Seconds()
	if elapsed > 0 {
		bs.currentTokens = min(bs.capacity, bs.currentTokens+elapsed*bs.refillPerSec)
		bs.lastRefillTs = now
	}

	if bs.currentTokens >= 1 {
		bs.currentTokens--
		return true, 0
	}

	deficit := 1 - bs.currentTokens
	if bs.refillPerSec <= 0 {
		return false, 60_000
	}
	return false, int64(math.Ceil(deficit / bs.refillPerSec * 1000))
}

// Snapshot returns the current token count and capacity for provider,
// without mutating state, for diagnostics and tests.
func (b *BucketLimiter) Snapshot(provider string) (tokens, capacity float64) {
	bs := b.stateFor(provider)
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return bs.currentTokens, bs.capacity
}
