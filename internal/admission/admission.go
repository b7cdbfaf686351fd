// Package admission implements the resource limiter (C17): per-user and
// global concurrency admission control backed by a bounded wait queue of
// max_queue_size per dimension, with a configurable overload policy and
// guaranteed release on every exit path.
//
// Grounded on internal/ratelimit's guarded-map-with-stale-eviction shape,
// composed with a buffered-channel semaphore for the concurrency cap (the
// same channel-signalling idiom internal/search/outbox.go uses for its
// done/drainCh lifecycle).
package admission

import (
	"context"
	"errors"
	"sync"
	"time"
)

// OverloadPolicy controls what happens when a request arrives and its
// queue (per-user or global) is already at max_queue_size.
type OverloadPolicy string

const (
	// PolicyBlock and PolicyDropNewest behave identically in this limiter:
	// the arriving request is rejected outright once the queue is full, and
	// a request that did get queued waits up to queue_timeout for a slot.
	PolicyBlock      OverloadPolicy = "block"
	PolicyDropNewest OverloadPolicy = "drop_newest"
	// PolicyDropOldest evicts the requesting user's own longest-queued
	// waiter to admit the new one, rather than rejecting it.
	PolicyDropOldest OverloadPolicy = "drop_oldest"
)

// ErrAdmissionDenied mirrors model.ErrAdmissionDenied without importing the
// model package, keeping this limiter's error type local and dependency-free.
var ErrAdmissionDenied = errors.New("admission: request rejected (overloaded)")

// Config sizes one Limiter. GlobalQueueSize and PerUserQueueSize bound how
// many requests may wait for a slot beyond the concurrency cap before
// admission is denied (spec.md §8 scenario 6); QueueTimeout bounds how
// long a queued request waits before it is denied rather than left to
// block forever.
type Config struct {
	GlobalConcurrency  int
	PerUserConcurrency int
	GlobalQueueSize    int
	PerUserQueueSize   int
	QueueTimeout       time.Duration
	Policy             OverloadPolicy
	RetryAfter         time.Duration
}

// DefaultConfig returns a conservative default.
func DefaultConfig() Config {
	return Config{
		GlobalConcurrency:  64,
		PerUserConcurrency: 4,
		GlobalQueueSize:    256,
		PerUserQueueSize:   16,
		QueueTimeout:       5 * time.Second,
		Policy:             PolicyBlock,
		RetryAfter:         time.Second,
	}
}

// waiter is one queued admission request. cancel unblocks its Acquire call
// early — used by PolicyDropOldest to evict the oldest queued waiter for a
// user when a new one arrives with no queue room left.
type waiter struct {
	cancel context.CancelFunc
}

// Limiter admits or rejects work under a global slot budget plus a
// per-user sub-budget, each with its own bounded wait queue.
type Limiter struct {
	cfg Config

	global chan struct{}

	mu          sync.Mutex
	perUser     map[string]chan struct{}
	queued      map[string][]*waiter
	globalQueue int
}

// New builds a Limiter.
func New(cfg Config) *Limiter {
	d := DefaultConfig()
	if cfg.GlobalConcurrency <= 0 {
		cfg.GlobalConcurrency = d.GlobalConcurrency
	}
	if cfg.PerUserConcurrency <= 0 {
		cfg.PerUserConcurrency = d.PerUserConcurrency
	}
	// GlobalQueueSize, PerUserQueueSize, and QueueTimeout are left as given:
	// zero is a deliberate "no queue room"/"no internal wait bound" setting,
	// not an unset sentinel — config.Load's own defaults (16/256/5s) apply
	// when the caller goes through config.Config rather than a literal
	// zero-value Config.
	if cfg.Policy == "" {
		cfg.Policy = PolicyBlock
	}
	return &Limiter{
		cfg:     cfg,
		global:  make(chan struct{}, cfg.GlobalConcurrency),
		perUser: make(map[string]chan struct{}),
		queued:  make(map[string][]*waiter),
	}
}

func (l *Limiter) userSlot(userID string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.perUser[userID]
	if !ok {
		s = make(chan struct{}, l.cfg.PerUserConcurrency)
		l.perUser[userID] = s
	}
	return s
}

// Release is returned by Acquire; callers must defer it on every exit path.
type Release func()

// Acquire admits one unit of work for userID. If a global and a per-user
// slot are both free it takes them at once, without queueing. Otherwise it
// enqueues the request: if the user's or the global wait queue is already at its
// max_queue_size, the configured OverloadPolicy decides whether to reject
// immediately or evict the user's oldest queued waiter to make room. Once
// queued, Acquire waits for a concurrency slot up to QueueTimeout (or the
// caller's own context, if it is cancelled first). On success it returns a
// Release the caller must defer; on denial it returns (nil,
// ErrAdmissionDenied) and the caller should respond 429 with RetryAfter
// (spec.md §6).
func (l *Limiter) Acquire(ctx context.Context, userID string) (Release, error) {
	userSlot := l.userSlot(userID)

	select {
	case l.global <- struct{}{}:
		select {
		case userSlot <- struct{}{}:
			return l.release(userSlot), nil
		default:
			<-l.global
		}
	default:
	}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	w := &waiter{cancel: cancel}

	if !l.enqueue(userID, w) {
		return nil, ErrAdmissionDenied
	}
	defer l.dequeueWaiter(userID, w)

	if l.cfg.QueueTimeout > 0 {
		var timeoutCancel context.CancelFunc
		waitCtx, timeoutCancel = context.WithTimeout(waitCtx, l.cfg.QueueTimeout)
		defer timeoutCancel()
	}

	select {
	case l.global <- struct{}{}:
	case <-waitCtx.Done():
		return nil, l.queueWaitErr(ctx)
	}
	select {
	case userSlot <- struct{}{}:
	case <-waitCtx.Done():
		<-l.global
		return nil, l.queueWaitErr(ctx)
	}
	return l.release(userSlot), nil
}

// queueWaitErr distinguishes the caller's own context ending (propagated
// verbatim) from this limiter's internal QueueTimeout firing (denied).
func (l *Limiter) queueWaitErr(callerCtx context.Context) error {
	if err := callerCtx.Err(); err != nil {
		return err
	}
	return ErrAdmissionDenied
}

// enqueue admits w onto userID's wait queue, applying the overload policy
// if either the per-user or the global queue is already at capacity.
// Returns false if w was rejected outright.
func (l *Limiter) enqueue(userID string, w *waiter) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	q := l.queued[userID]
	full := len(q) >= l.cfg.PerUserQueueSize || l.globalQueue >= l.cfg.GlobalQueueSize

	if full {
		if l.cfg.Policy != PolicyDropOldest || len(q) == 0 {
			return false
		}
		oldest := q[0]
		oldest.cancel()
		q = q[1:]
		l.globalQueue--
	}

	q = append(q, w)
	l.queued[userID] = q
	l.globalQueue++
	return true
}

// dequeueWaiter removes w from userID's queue and frees its queue slot. A
// no-op if w was already evicted by enqueue's drop-oldest path.
func (l *Limiter) dequeueWaiter(userID string, w *waiter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	q := l.queued[userID]
	for i, qw := range q {
		if qw == w {
			l.queued[userID] = append(q[:i], q[i+1:]...)
			l.globalQueue--
			return
		}
	}
}

func (l *Limiter) release(userSlot chan struct{}) Release {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-userSlot
			<-l.global
		})
	}
}

// RetryAfterSeconds returns the configured retry-after hint, in whole
// seconds, for a 429 response body (spec.md §6).
func (l *Limiter) RetryAfterSeconds() int {
	return int(l.cfg.RetryAfter / time.Second)
}
