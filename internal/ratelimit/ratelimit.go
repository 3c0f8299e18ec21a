// ABOUTME: Per-user token-bucket gate in front of agent invocations.
// ABOUTME: Continuous refill via golang.org/x/time/rate, one lazily created bucket per user.

package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// warnThreshold is the bucket consumption fraction at which callers should
// surface a non-fatal warning.
const warnThreshold = 0.8

// Error is a rate-limit rejection. It is retryable: RetryAfter estimates when
// the next token will be available. This layer never auto-queues rejected
// requests.
type Error struct {
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter.Round(time.Second))
}

// Decision is the outcome of one Acquire call.
type Decision struct {
	Allowed bool
	// Warning is set when the bucket has crossed the warning threshold but the
	// request was still admitted.
	Warning bool
	// RetryAfter is set on denial: the estimated wait until a token refills.
	RetryAfter time.Duration
}

// Limiter gates agent invocations per user with a token bucket. Capacity is
// the burst size; the bucket refills continuously at capacity tokens per
// refill interval.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	capacity int
	refill   rate.Limit
}

// New creates a limiter allowing capacity requests per interval, refilled
// continuously. Defaults: 50 per hour.
func New(capacity int, interval time.Duration) *Limiter {
	if capacity <= 0 {
		capacity = 50
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Limiter{
		buckets:  make(map[string]*rate.Limiter),
		capacity: capacity,
		refill:   rate.Limit(float64(capacity) / interval.Seconds()),
	}
}

// bucket returns the user's limiter, creating it full on first use.
func (l *Limiter) bucket(userID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[userID]
	if !ok {
		b = rate.NewLimiter(l.refill, l.capacity)
		l.buckets[userID] = b
	}
	return b
}

// Acquire consumes one token for the user if available. On denial the decision
// carries the estimated wait until the next token refills.
func (l *Limiter) Acquire(userID string) Decision {
	b := l.bucket(userID)

	reservation := b.Reserve()
	if delay := reservation.Delay(); delay > 0 {
		// Not admitted now; hand the token back and tell the caller when to retry.
		reservation.Cancel()
		return Decision{Allowed: false, RetryAfter: delay}
	}

	consumed := 1 - b.Tokens()/float64(l.capacity)
	return Decision{Allowed: true, Warning: consumed >= warnThreshold}
}

// TryAcquire is the boolean form of Acquire.
func (l *Limiter) TryAcquire(userID string) bool {
	return l.Acquire(userID).Allowed
}
