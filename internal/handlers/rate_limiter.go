package handlers

import (
	"strings"
	"sync"
	"time"
)

// RateLimiter decides whether a request identified by key may proceed.
type RateLimiter interface {
	Allow(key string) bool
}

type tieredRateLimiter struct {
	fallback RateLimiter
	operator RateLimiter
}

// NewTieredRateLimiter applies the operator limiter to keys carrying the
// operator prefix and the fallback limiter to everything else. A nil limiter
// for a tier leaves that tier unthrottled.
func NewTieredRateLimiter(fallback, operator RateLimiter) RateLimiter {
	if fallback == nil && operator == nil {
		return nil
	}
	return &tieredRateLimiter{fallback: fallback, operator: operator}
}

func (l *tieredRateLimiter) Allow(key string) bool {
	if strings.HasPrefix(key, operatorRateKeyPrefix) {
		if l.operator == nil {
			return true
		}
		return l.operator.Allow(key)
	}
	if l.fallback == nil {
		return true
	}
	return l.fallback.Allow(key)
}

type simpleRateLimiter struct {
	limit  int
	window time.Duration
	clock  func() time.Time
	mu     sync.Mutex
	store  map[string]rateEntry
}

type rateEntry struct {
	count int
	reset time.Time
}

// NewSimpleRateLimiter returns a fixed-window limiter allowing limit requests
// per key per window. A non-positive limit or window disables throttling.
func NewSimpleRateLimiter(limit int, window time.Duration, clock func() time.Time) RateLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &simpleRateLimiter{
		limit:  limit,
		window: window,
		clock:  clock,
		store:  make(map[string]rateEntry),
	}
}

func (l *simpleRateLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "anonymous"
	}
	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.store[key]
	if !ok || now.After(entry.reset) {
		l.store[key] = rateEntry{count: 1, reset: now.Add(l.window)}
		l.pruneExpiredLocked(now)
		return true
	}

	if entry.count >= l.limit {
		return false
	}
	entry.count++
	l.store[key] = entry
	return true
}

func (l *simpleRateLimiter) pruneExpiredLocked(now time.Time) {
	if len(l.store) == 0 {
		return
	}
	for key, entry := range l.store {
		if now.After(entry.reset) {
			delete(l.store, key)
		}
	}
}
