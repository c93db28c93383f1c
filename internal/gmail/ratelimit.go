package gmail

import (
	"context"
	"sync"
	"time"
)

// Clock abstracts time operations for testability.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Operation is a Gmail API call with a quota cost in units.
type Operation int

const (
	OpProfile Operation = iota
	OpThreadsList
	OpThreadsGet
	OpThreadsModify
	OpThreadsTrash
	OpThreadsDelete
	OpHistoryList
	OpDraftsList
	OpDraftsGet
	OpDraftsCreate
	OpDraftsUpdate
	OpDraftsDelete
	OpDraftsSend
	OpMessagesSend
	OpAttachmentsGet
	OpForwardingCreate
	OpWatch
)

// Per-method quota units from the Gmail usage limits table.
var opCosts = map[Operation]int{
	OpProfile:          1,
	OpThreadsList:      10,
	OpThreadsGet:       10,
	OpThreadsModify:    10,
	OpThreadsTrash:     10,
	OpThreadsDelete:    20,
	OpHistoryList:      2,
	OpDraftsList:       5,
	OpDraftsGet:        5,
	OpDraftsCreate:     10,
	OpDraftsUpdate:     15,
	OpDraftsDelete:     10,
	OpDraftsSend:       100,
	OpMessagesSend:     100,
	OpAttachmentsGet:   5,
	OpForwardingCreate: 5,
	OpWatch:            100,
}

// Cost returns the quota cost for an operation.
func (o Operation) Cost() int {
	if c, ok := opCosts[o]; ok {
		return c
	}
	return 1
}

// DefaultCapacity is the token bucket capacity (Gmail's per-user quota units per second).
const DefaultCapacity = 250

// DefaultRefillRate is quota units per second at the default rate.
const DefaultRefillRate = 250.0

const (
	defaultQPS             = 5.0
	throttleRecoveryFactor = 0.5
	minWait                = 10 * time.Millisecond
)

// MinQPS is the lowest accepted QPS setting.
const MinQPS = 0.1

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RateLimiter is a token bucket over quota units. It is safe for
// concurrent use and backs off adaptively after 429/403 responses.
type RateLimiter struct {
	mu             sync.Mutex
	clock          Clock
	tokens         float64
	capacity       float64
	refillRate     float64
	baseRefillRate float64
	lastRefill     time.Time
	throttledUntil time.Time
}

// NewRateLimiter creates a rate limiter scaled to qps, where 5 is the
// full per-user quota.
func NewRateLimiter(qps float64) *RateLimiter {
	return newRateLimiter(realClock{}, qps)
}

func newRateLimiter(clk Clock, qps float64) *RateLimiter {
	if clk == nil {
		panic("gmail: RateLimiter requires a non-nil Clock")
	}
	if qps < MinQPS {
		qps = MinQPS
	}
	scale := min(qps/defaultQPS, 1.0)
	rate := DefaultRefillRate * scale
	return &RateLimiter{
		clock:          clk,
		tokens:         DefaultCapacity,
		capacity:       DefaultCapacity,
		refillRate:     rate,
		baseRefillRate: rate,
		lastRefill:     clk.Now(),
	}
}

// reserve takes tokens for op and returns 0, or returns how long to wait
// before trying again.
func (r *RateLimiter) reserve(op Operation) time.Duration {
	cost := float64(op.Cost())

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	if now.Before(r.throttledUntil) {
		return r.throttledUntil.Sub(now)
	}
	r.refill()
	if r.tokens >= cost {
		r.tokens -= cost
		return 0
	}
	wait := time.Duration((cost - r.tokens) / r.refillRate * float64(time.Second))
	return max(wait, minWait)
}

// Acquire blocks until tokens for op are available or ctx is done.
func (r *RateLimiter) Acquire(ctx context.Context, op Operation) error {
	for {
		wait := r.reserve(op)
		if wait == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.clock.After(wait):
		}
	}
}

// refill credits tokens for elapsed time. Caller holds mu.
func (r *RateLimiter) refill() {
	now := r.clock.Now()
	if now.Before(r.throttledUntil) {
		r.lastRefill = now
		return
	}
	if r.refillRate < r.baseRefillRate && !r.throttledUntil.IsZero() {
		r.refillRate = r.baseRefillRate
	}
	elapsed := now.Sub(r.lastRefill).Seconds()
	r.lastRefill = now
	r.tokens = min(r.tokens+elapsed*r.refillRate, r.capacity)
}

// Available returns the current token count.
func (r *RateLimiter) Available() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refill()
	return r.tokens
}

// Throttle pauses refills for d, drains the bucket and halves the refill
// rate until the pause ends. A shorter throttle never cuts a longer one.
func (r *RateLimiter) Throttle(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if end := r.clock.Now().Add(d); end.After(r.throttledUntil) {
		r.throttledUntil = end
	}
	r.lastRefill = r.throttledUntil
	r.tokens = 0
	r.refillRate = r.baseRefillRate * throttleRecoveryFactor
}
