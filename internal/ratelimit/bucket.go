// Package ratelimit implements the token-bucket limiter (C5): a per-bucket
// lazy-refill token counter, and a RateLimiter that composes a global
// bucket with per-domain buckets keyed by case-folded host.
//
// Grounded on the teacher repository's in-memory token-bucket limiter,
// which this codebase does not include (guarded map, lazy per-access refill,
// background staleness eviction) — generalized from a single-bucket-per-key
// limiter into the explicit {capacity, refill_rate, tokens, updated_at}
// record spec.md §3 names, plus the two-tier global+domain composition.
package ratelimit

import (
	"strings"
	"sync"
	"time"
)

// Bucket is one token bucket: {capacity, refill_rate, tokens, updated_at}.
type Bucket struct {
	mu         sync.Mutex
	capacity   float64
	refillRate float64 // tokens per second
	tokens     float64
	updatedAt  time.Time
}

// NewBucket creates a full bucket of the given capacity and refill rate.
func NewBucket(capacity, refillRate float64) *Bucket {
	return &Bucket{capacity: capacity, refillRate: refillRate, tokens: capacity, updatedAt: time.Now()}
}

// Acquire refills lazily (min(capacity, tokens + elapsed*refill_rate)) then
// attempts to debit n tokens. Succeeds iff tokens >= n after refill.
func (b *Bucket) Acquire(n float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.updatedAt).Seconds()
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.updatedAt = now

	if b.tokens < n {
		return false
	}
	b.tokens -= n
	return true
}

// Release credits n tokens back, capped at capacity. Used to undo an
// Acquire when a caller backs out after acquiring: RateLimiter.Acquire
// returns the global token this way when the per-domain bucket denies.
// Not part of spec.md's bucket contract itself.
func (b *Bucket) Release(n float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens += n
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
}

// Tokens returns the current token count without consuming any (refills first).
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(b.updatedAt).Seconds()
	tokens := b.tokens + elapsed*b.refillRate
	if tokens > b.capacity {
		tokens = b.capacity
	}
	return tokens
}

// Reason strings are stable per spec.md §4.5 — callers may match on them.
const (
	ReasonOK                   = "ok"
	ReasonGlobalLimitExceeded  = "global_limit_exceeded"
	DomainLimitExceededPrefix  = "domain_limit_exceeded:"
)

// RateLimiter composes one global bucket (checked first) with one bucket
// per domain (keyed by case-folded host), per spec.md §4.5.
type RateLimiter struct {
	global *Bucket

	mu            sync.Mutex
	perDomain     map[string]*Bucket
	domainCap     float64
	domainRefill  float64

	done     chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter creates a RateLimiter. globalCapacity/globalRefill size the
// global bucket; domainCapacity/domainRefill size each lazily-created
// per-domain bucket.
func NewRateLimiter(globalCapacity, globalRefill, domainCapacity, domainRefill float64) *RateLimiter {
	rl := &RateLimiter{
		global:       NewBucket(globalCapacity, globalRefill),
		perDomain:    make(map[string]*Bucket),
		domainCap:    domainCapacity,
		domainRefill: domainRefill,
		done:         make(chan struct{}),
	}
	go rl.evictLoop()
	return rl
}

// Acquire attempts to acquire one unit, checking the global bucket first
// then the per-domain bucket for host. Returns (ok, reason); reason is
// "ok" on success and one of the stable strings above on denial.
func (rl *RateLimiter) Acquire(host string) (bool, string) {
	if !rl.global.Acquire(1) {
		return false, ReasonGlobalLimitExceeded
	}
	host = strings.ToLower(host)

	rl.mu.Lock()
	b, ok := rl.perDomain[host]
	if !ok {
		b = NewBucket(rl.domainCap, rl.domainRefill)
		rl.perDomain[host] = b
	}
	rl.mu.Unlock()

	if !b.Acquire(1) {
		// Undo the global debit: a domain-level denial must not cost the
		// caller a global token it never got to spend productively.
		rl.global.Release(1)
		return false, DomainLimitExceededPrefix + host
	}
	return true, ReasonOK
}

const domainStaleThreshold = 10 * time.Minute

func (rl *RateLimiter) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
			rl.evictStale()
		}
	}
}

func (rl *RateLimiter) evictStale() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := time.Now().Add(-domainStaleThreshold)
	for host, b := range rl.perDomain {
		b.mu.Lock()
		stale := b.updatedAt.Before(cutoff)
		b.mu.Unlock()
		if stale {
			delete(rl.perDomain, host)
		}
	}
}

// Close stops the per-domain eviction goroutine. Safe to call multiple times.
func (rl *RateLimiter) Close() {
	rl.stopOnce.Do(func() { close(rl.done) })
}
