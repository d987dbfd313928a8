// Package ratelimit implements per-source-address admission control for the
// ingestion endpoint: a fixed-window counter with sweep-on-access eviction.
//
// State is per-process. A caller load-balanced across N instances can exceed
// the nominal ceiling by a factor of N; that is acceptable for abuse
// mitigation and is not a hard SLA.
package ratelimit

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Defaults observed in production.
const (
	DefaultWindow  = 10 * time.Second
	DefaultCeiling = 5

	// sweepProbability is the per-call chance of purging expired records,
	// bounding memory without a dedicated timer.
	sweepProbability = 0.01
)

// record is the sliding state for one source address.
type record struct {
	count     int
	resetTime time.Time
}

// Limiter admits or denies requests per source address using a fixed-window
// counter: up to Ceiling requests per Window, counter reset at window
// boundaries. Denials never increment the counter.
type Limiter struct {
	mu      sync.Mutex
	entries map[string]*record

	window  time.Duration
	ceiling int

	now   func() time.Time // injectable for tests
	randF func() float64
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock substitutes the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithRand substitutes the sweep dice roll. Used in tests.
func WithRand(f func() float64) Option {
	return func(l *Limiter) { l.randF = f }
}

// New creates a Limiter with the given window length and request ceiling.
// Non-positive arguments fall back to the defaults.
func New(window time.Duration, ceiling int, opts ...Option) *Limiter {
	l := &Limiter{
		entries: make(map[string]*record),
		window:  window,
		ceiling: ceiling,
		now:     time.Now,
		randF:   rand.Float64,
	}
	if l.window <= 0 {
		l.window = DefaultWindow
	}
	if l.ceiling <= 0 {
		l.ceiling = DefaultCeiling
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Admit decides whether a request from addr may proceed. When denied,
// retryAfter is the time until the current window resets.
func (l *Limiter) Admit(addr string) (allowed bool, retryAfter time.Duration) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.randF() < sweepProbability {
		l.sweepLocked(now)
	}

	rec, ok := l.entries[addr]
	if !ok || now.After(rec.resetTime) {
		l.entries[addr] = &record{count: 1, resetTime: now.Add(l.window)}
		return true, 0
	}

	if rec.count >= l.ceiling {
		return false, rec.resetTime.Sub(now)
	}

	rec.count++
	return true, 0
}

// Len returns the number of tracked addresses. Used in tests.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// sweepLocked removes records whose window has already closed.
// Caller must hold mu.
func (l *Limiter) sweepLocked(now time.Time) {
	for addr, rec := range l.entries {
		if now.After(rec.resetTime) {
			delete(l.entries, addr)
		}
	}
}
