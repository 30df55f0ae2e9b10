package ratelimit

import (
	"context"
	"math"
	"time"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// RetryAfter returns the whole seconds until the window resets, rounded up.
func (d Decision) RetryAfter(now time.Time) int {
	return RetryAfterSeconds(d.ResetAt, now)
}

// RetryAfterSeconds returns ceil((resetAt-now) in seconds), never below zero.
func RetryAfterSeconds(resetAt, now time.Time) int {
	wait := resetAt.Sub(now)
	if wait <= 0 {
		return 0
	}
	return int(math.Ceil(wait.Seconds()))
}

// Admitter decides whether a request for key may proceed under policy.
type Admitter interface {
	Admit(ctx context.Context, key string, p Policy) (Decision, error)
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// Limiter implements fixed-window admission over a MemoryStore.
type Limiter struct {
	store *MemoryStore
	now   func() time.Time
}

// NewLimiter creates a limiter backed by store.
func NewLimiter(store *MemoryStore, opts ...Option) *Limiter {
	l := &Limiter{
		store: store,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Store returns the backing window store.
func (l *Limiter) Store() *MemoryStore {
	return l.store
}

// Now returns the limiter's current time.
func (l *Limiter) Now() time.Time {
	return l.now()
}

// Check counts one request for key against p. A denied request leaves the
// window untouched. The read-modify-write happens under the store lock, so
// concurrent callers never admit more than p.Limit requests per window.
func (l *Limiter) Check(key string, p Policy) Decision {
	now := l.now()
	var d Decision

	l.store.Update(key, func(w Window, ok bool) (Window, bool) {
		if !ok || w.Expired(now) {
			next := Window{Count: 1, ResetAt: now.Add(p.Window)}
			d = Decision{Allowed: true, Limit: p.Limit, Remaining: p.Limit - 1, ResetAt: next.ResetAt}
			return next, true
		}

		if w.Count >= p.Limit {
			d = Decision{Allowed: false, Limit: p.Limit, Remaining: 0, ResetAt: w.ResetAt}
			return w, false
		}

		w.Count++
		d = Decision{Allowed: true, Limit: p.Limit, Remaining: p.Limit - w.Count, ResetAt: w.ResetAt}
		return w, true
	})

	return d
}

// Admit satisfies Admitter. The in-memory check cannot fail.
func (l *Limiter) Admit(_ context.Context, key string, p Policy) (Decision, error) {
	return l.Check(key, p), nil
}
