package ratelimit

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// Middleware debits one token per request from the category's bucket.
// Limiter errors fail open: a Redis outage must not take the API down
// with it.
func Middleware(limiter Limiter, limits Limits, category Category, logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	limit, ok := limits[category]
	if !ok {
		limit = Limit{PerMinute: 60, Burst: 60}
	}
	return func(c *gin.Context) {
		decision, err := limiter.Allow(c.Request.Context(), clientKey(c), category, limit)
		if err != nil {
			logger.Error("rate limit check failed", "category", category, "error", err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		if !decision.Allowed {
			retry := int(decision.RetryAfter.Seconds())
			if retry < 1 {
				retry = 1
			}
			c.Header("Retry-After", strconv.Itoa(retry))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": retry,
			})
			return
		}
		c.Next()
	}
}

// clientKey identifies the caller: the claimed agent ID when the request
// is signed, else the first forwarded IP, else the peer address. The
// agent ID is taken unverified; a forged ID only moves the caller into a
// bucket that is no roomier than the IP one.
func clientKey(c *gin.Context) string {
	if header := c.GetHeader("Authorization"); strings.HasPrefix(header, "AgentSig ") {
		rest := strings.TrimPrefix(header, "AgentSig ")
		if agentID, _, found := strings.Cut(rest, ":"); found && agentID != "" {
			return "agent:" + agentID
		}
	}
	if fwd := c.GetHeader("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return "ip:" + ip
		}
	}
	return "ip:" + c.ClientIP()
}
