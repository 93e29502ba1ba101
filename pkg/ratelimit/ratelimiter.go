package ratelimit

import (
	"sync"
	"time"
)

// RateLimiter is a sliding-window in-memory rate limiter keyed by caller
// identity (usually the client IP).
type RateLimiter struct {
	requests map[string][]time.Time
	lock     sync.Mutex
	window   time.Duration
	max      int
}

func NewRateLimiter(window time.Duration, max int) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		window:   window,
		max:      max,
	}
}

// Allow reports whether the caller identified by key may proceed, recording
// the request when it does.
func (rl *RateLimiter) Allow(key string) bool {
	rl.lock.Lock()
	defer rl.lock.Unlock()
	now := time.Now()
	windowStart := now.Add(-rl.window)

	// Drop requests that fell out of the window; keys with no recent
	// requests are removed entirely so idle callers do not accumulate.
	valid := rl.requests[key][:0]
	for _, at := range rl.requests[key] {
		if at.After(windowStart) {
			valid = append(valid, at)
		}
	}

	if len(valid) >= rl.max {
		rl.requests[key] = valid
		return false
	}

	rl.requests[key] = append(valid, now)
	return true
}

// Prune removes keys whose every recorded request has aged out of the
// window. Called periodically so one-off callers do not leak map entries.
func (rl *RateLimiter) Prune() {
	rl.lock.Lock()
	defer rl.lock.Unlock()
	windowStart := time.Now().Add(-rl.window)

	for key, times := range rl.requests {
		live := false
		for _, at := range times {
			if at.After(windowStart) {
				live = true
				break
			}
		}
		if !live {
			delete(rl.requests, key)
		}
	}
}
