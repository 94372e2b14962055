package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Actions with their own buckets
const (
	ActionSendMessage = "send_message"
	ActionCreateChat  = "create_chat"
	ActionTyping      = "typing"
	ActionHTTP        = "http"
)

// Policy is one token bucket shape: Burst tokens, refilled one every Every.
type Policy struct {
	Burst int
	Every time.Duration
}

var defaultPolicies = map[string]Policy{
	// 10 messages per minute
	ActionSendMessage: {Burst: 10, Every: 6 * time.Second},
	// 5 new rooms, then one every 12 minutes
	ActionCreateChat: {Burst: 5, Every: 12 * time.Minute},
	// 30 typing events, then one every 2 seconds
	ActionTyping: {Burst: 30, Every: 2 * time.Second},
	ActionHTTP:   {Burst: 60, Every: time.Second},
}

var fallbackPolicy = Policy{Burst: 20, Every: 3 * time.Second}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one bucket per key:action.
type RateLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	policies map[string]Policy
	idleTTL  time.Duration
}

func NewRateLimiter() *RateLimiter {
	return NewRateLimiterWithPolicies(nil)
}

// NewRateLimiterWithPolicies overrides the default policy of the given actions.
func NewRateLimiterWithPolicies(overrides map[string]Policy) *RateLimiter {
	policies := make(map[string]Policy, len(defaultPolicies)+len(overrides))
	for k, v := range defaultPolicies {
		policies[k] = v
	}
	for k, v := range overrides {
		policies[k] = v
	}
	return &RateLimiter{
		buckets:  make(map[string]*bucket),
		policies: policies,
		idleTTL:  time.Hour,
	}
}

// Allow consumes one token of key's action bucket. When refused it returns how long until the next token.
func (rl *RateLimiter) Allow(key, action string) (bool, time.Duration) {
	now := time.Now()

	rl.mu.Lock()
	b, ok := rl.buckets[key+":"+action]
	if !ok {
		p, found := rl.policies[action]
		if !found {
			p = fallbackPolicy
		}
		b = &bucket{limiter: rate.NewLimiter(rate.Every(p.Every), p.Burst)}
		rl.buckets[key+":"+action] = b
	}
	b.lastSeen = now
	rl.mu.Unlock()

	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, 0
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Tokens returns the tokens currently available to key's action bucket and its burst.
func (rl *RateLimiter) Tokens(key, action string) (float64, int) {
	rl.mu.Lock()
	b, ok := rl.buckets[key+":"+action]
	rl.mu.Unlock()

	if !ok {
		return 0, 0
	}
	return b.limiter.Tokens(), b.limiter.Burst()
}

// Cleanup drops buckets idle for longer than the idle TTL.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for key, b := range rl.buckets {
		if now.Sub(b.lastSeen) > rl.idleTTL {
			delete(rl.buckets, key)
		}
	}
}

// StartCleanupRoutine runs Cleanup periodically until ctx is done.
func (rl *RateLimiter) StartCleanupRoutine(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(30 * time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.Cleanup()
			}
		}
	}()
}
