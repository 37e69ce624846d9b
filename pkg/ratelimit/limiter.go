// Package ratelimit provides a keyed fixed-window rate limiter for abuse-
// sensitive HTTP routes.
package ratelimit

import (
	"sync"
	"time"
)

// gcThreshold triggers opportunistic cleanup of expired buckets.
const gcThreshold = 2000

// Rule configures one scope: at most Max admissions per Window.
type Rule struct {
	Max    int
	Window time.Duration
}

type bucket struct {
	count   int
	resetAt time.Time
}

// Limiter tracks (scope, key) buckets. Safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	rules   map[string]Rule
	buckets map[string]*bucket
	now     func() time.Time
}

// New creates a Limiter with per-scope rules. Scopes without a rule are
// never limited.
func New(rules map[string]Rule) *Limiter {
	return &Limiter{
		rules:   rules,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow admits or rejects one request for (scope, key). When rejected,
// retryAfter is the time until the window resets, rounded up to at least one
// second for the Retry-After header.
func (l *Limiter) Allow(scope, key string) (ok bool, retryAfter time.Duration) {
	rule, limited := l.rules[scope]
	if !limited {
		return true, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	bk := scope + "\x00" + key
	b, exists := l.buckets[bk]
	if !exists || now.After(b.resetAt) {
		if len(l.buckets) > gcThreshold {
			l.gcLocked(now)
		}
		l.buckets[bk] = &bucket{count: 1, resetAt: now.Add(rule.Window)}
		return true, 0
	}

	if b.count >= rule.Max {
		wait := b.resetAt.Sub(now)
		if wait < time.Second {
			wait = time.Second
		}
		return false, wait
	}
	b.count++
	return true, 0
}

// gcLocked drops expired buckets. Caller holds mu.
func (l *Limiter) gcLocked(now time.Time) {
	for k, b := range l.buckets {
		if now.After(b.resetAt) {
			delete(l.buckets, k)
		}
	}
}
