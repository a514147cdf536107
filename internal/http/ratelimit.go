package http

import (
	"sync"
	"time"
)

// maxTrackedKeys caps the number of tracked rate-limit keys to prevent
// memory exhaustion from senders rotating source addresses.
const maxTrackedKeys = 4096

type rateLimitEntry struct {
	windowStart time.Time
	count       int
}

// RateLimiter is a fixed-window per-key limiter with a bounded key table.
// Safe for concurrent use.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[string]*rateLimitEntry
	maxHits int
	window  time.Duration
	now     func() time.Time
}

// NewRateLimiter allows maxHits requests per key per window.
// maxHits <= 0 disables limiting.
func NewRateLimiter(maxHits int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		entries: make(map[string]*rateLimitEntry),
		maxHits: maxHits,
		window:  window,
		now:     time.Now,
	}
}

// Allow returns true if the key is within rate limits.
// Prunes stale entries and enforces a hard cap on tracked keys.
func (r *RateLimiter) Allow(key string) bool {
	if r == nil || r.maxHits <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()

	if len(r.entries) >= maxTrackedKeys {
		for k, e := range r.entries {
			if now.Sub(e.windowStart) >= r.window {
				delete(r.entries, k)
			}
		}
		// still full: drop arbitrary keys
		for len(r.entries) >= maxTrackedKeys {
			for k := range r.entries {
				delete(r.entries, k)
				break
			}
		}
	}

	e, ok := r.entries[key]
	if !ok || now.Sub(e.windowStart) >= r.window {
		r.entries[key] = &rateLimitEntry{windowStart: now, count: 1}
		return true
	}

	e.count++
	return e.count <= r.maxHits
}
