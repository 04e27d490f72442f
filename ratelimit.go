package pollster

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// RateLimiter allows at most maxCalls acquisitions in any trailing window of
// length period. The window slides with the clock; there are no fixed buckets.
// It is safe for concurrent use and may be shared by several clients to
// enforce a combined quota.
type RateLimiter struct {
	// The policy: at most maxCalls within any period.
	maxCalls int
	period   time.Duration

	// Read for timestamps and slept on while waiting. A mock in tests.
	clock clock.Clock

	// Guards calls. Never held while sleeping.
	mu sync.Mutex

	// Times of the calls still in the window, oldest first.
	calls []time.Time
}

// LimiterOption configures a RateLimiter.
type LimiterOption func(*RateLimiter)

// WithLimiterClock sets the clock the limiter reads and sleeps on.
func WithLimiterClock(c clock.Clock) LimiterOption {
	return func(r *RateLimiter) { r.clock = c }
}

// NewRateLimiter returns a limiter for the given policy. A non-positive
// maxCalls or period is rejected since Acquire could otherwise block forever.
func NewRateLimiter(maxCalls int, period time.Duration, opts ...LimiterOption) (*RateLimiter, error) {
	if err := (RateLimitConfig{MaxCalls: maxCalls, Period: period}).Validate(); err != nil {
		return nil, err
	}
	r := &RateLimiter{
		maxCalls: maxCalls,
		period:   period,
		clock:    clock.New(),
		calls:    make([]time.Time, 0, maxCalls),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Acquire blocks until a call may proceed under the policy and records it.
// The only error is ctx.Err() when the context ends while waiting.
func (r *RateLimiter) Acquire(ctx context.Context) error {
	for {
		// 1. Try to take a slot.
		wait, ok := r.reserve()
		if ok {
			return nil
		}

		// 2. Window is full. Sleep without the lock, then compete again: another caller may
		// have taken the slot that opened up.
		timer := r.clock.Timer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// reserve records a call if the window has room, otherwise it returns how
// long until the oldest retained call leaves the window.
func (r *RateLimiter) reserve() (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Drop calls that have left the window, then check for room.
	now := r.clock.Now()
	r.prune(now)
	if len(r.calls) < r.maxCalls {
		r.calls = append(r.calls, now)
		return 0, true
	}
	return max(0, r.period-now.Sub(r.calls[0])), false
}

func (r *RateLimiter) prune(now time.Time) {
	i := 0
	for i < len(r.calls) && now.Sub(r.calls[i]) >= r.period {
		i++
	}
	if i > 0 {
		r.calls = append(r.calls[:0], r.calls[i:]...)
	}
}

// Len returns how many calls are currently inside the window.
func (r *RateLimiter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune(r.clock.Now())
	return len(r.calls)
}
