package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

// MemoryLimiter is the single-process fallback when Redis is not
// configured.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// NewMemoryLimiter creates an in-process limiter. A background sweep
// drops idle buckets.
func NewMemoryLimiter() *MemoryLimiter {
	l := &MemoryLimiter{buckets: make(map[string]*bucket)}
	go l.sweep()
	return l
}

func (l *MemoryLimiter) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-bucketTTL * time.Second)
		l.mu.Lock()
		for key, b := range l.buckets {
			if b.lastRefill.Before(cutoff) {
				delete(l.buckets, key)
			}
		}
		l.mu.Unlock()
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string, category Category, limit Limit) (Decision, error) {
	bucketKey := fmt.Sprintf("%s:%s", category, key)
	rate := float64(limit.PerMinute) / 60.0
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[bucketKey]
	if !ok {
		b = &bucket{tokens: float64(limit.Burst), lastRefill: now}
		l.buckets[bucketKey] = b
	}
	b.tokens = math.Min(float64(limit.Burst), b.tokens+now.Sub(b.lastRefill).Seconds()*rate)
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return Decision{Allowed: true, Remaining: int(b.tokens)}, nil
	}
	retry := time.Duration(math.Ceil((1-b.tokens)/rate)) * time.Second
	return Decision{Allowed: false, Remaining: 0, RetryAfter: retry}, nil
}
