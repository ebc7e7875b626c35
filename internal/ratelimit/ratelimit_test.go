package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLimiter_Burst(t *testing.T) {
	l := NewMemoryLimiter()
	ctx := context.Background()
	limit := Limit{PerMinute: 5, Burst: 3}

	for i := 0; i < 3; i++ {
		d, err := l.Allow(ctx, "agent:a", CategoryJobLifecycle, limit)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d", i)
	}

	d, err := l.Allow(ctx, "agent:a", CategoryJobLifecycle, limit)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter.Seconds(), 0.0)
}

func TestMemoryLimiter_KeysIsolated(t *testing.T) {
	l := NewMemoryLimiter()
	ctx := context.Background()
	limit := Limit{PerMinute: 60, Burst: 1}

	d, err := l.Allow(ctx, "agent:a", CategoryWrite, limit)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = l.Allow(ctx, "agent:a", CategoryWrite, limit)
	require.NoError(t, err)
	assert.False(t, d.Allowed, "same key exhausted")

	d, err = l.Allow(ctx, "agent:b", CategoryWrite, limit)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "other key unaffected")

	// Same key, different category gets its own bucket.
	d, err = l.Allow(ctx, "agent:a", CategoryRead, limit)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestMiddleware_Headers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware(NewMemoryLimiter(), Limits{CategorySignup: {PerMinute: 3, Burst: 1}}, CategorySignup, nil))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "rate_limit_exceeded")
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string, Category, Limit) (Decision, error) {
	return Decision{}, errors.New("redis down")
}

func TestMiddleware_FailsOpen(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware(failingLimiter{}, DefaultLimits(), CategoryRead, nil))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestClientKey(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cases := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{
			name:    "signed request keys by agent",
			headers: map[string]string{"Authorization": "AgentSig agent_1:deadbeef"},
			want:    "agent:agent_1",
		},
		{
			name:    "forwarded ip",
			headers: map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.1"},
			want:    "ip:203.0.113.7",
		},
		{
			name:    "bearer token falls through to ip",
			headers: map[string]string{"Authorization": "Bearer sk_123"},
			want:    "ip:192.0.2.1",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tc.headers {
				c.Request.Header.Set(k, v)
			}
			assert.Equal(t, tc.want, clientKey(c))
		})
	}
}
