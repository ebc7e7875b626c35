// Package ratelimit provides per-category token bucket rate limiting.
//
// Buckets live in Redis so limits hold across API instances; an
// in-process limiter serves as the dev fallback. Keys are the
// authenticated agent ID when the request carries one, else the caller
// IP.
package ratelimit

import (
	"context"
	"time"
)

// Category groups endpoints that share a bucket.
type Category string

const (
	CategoryDiscovery    Category = "discovery"
	CategoryRegistration Category = "registration"
	CategorySignup       Category = "signup"
	CategoryJobLifecycle Category = "job_lifecycle"
	CategoryWrite        Category = "write"
	CategoryRead         Category = "read"
)

// Limit is a refill rate with a burst capacity.
type Limit struct {
	PerMinute int
	Burst     int
}

// Limits maps categories to their budgets.
type Limits map[Category]Limit

// DefaultLimits returns the standard category budgets. Job lifecycle
// refills slowly but allows a burst so a negotiation exchange is not
// throttled mid-flight.
func DefaultLimits() Limits {
	return Limits{
		CategoryDiscovery:    {PerMinute: 60, Burst: 60},
		CategoryRegistration: {PerMinute: 5, Burst: 5},
		CategorySignup:       {PerMinute: 3, Burst: 3},
		CategoryJobLifecycle: {PerMinute: 5, Burst: 20},
		CategoryWrite:        {PerMinute: 30, Burst: 30},
		CategoryRead:         {PerMinute: 120, Burst: 120},
	}
}

// Decision is the outcome of one bucket debit.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter debits one token from a bucket.
type Limiter interface {
	Allow(ctx context.Context, key string, category Category, limit Limit) (Decision, error)
}
