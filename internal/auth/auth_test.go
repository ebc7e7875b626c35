package auth

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moltworks/agora/internal/agentsig"
	"github.com/moltworks/agora/internal/registry"
)

type fakeLookup struct {
	agents map[string]*registry.Agent
}

func (f *fakeLookup) Authenticate(_ context.Context, agentID string) (*registry.Agent, error) {
	agent, ok := f.agents[agentID]
	if !ok {
		return nil, registry.ErrNotFound
	}
	if agent.Status != registry.StatusActive {
		return nil, registry.ErrNotActive
	}
	return agent, nil
}

type testAgent struct {
	id   string
	priv ed25519.PrivateKey
}

func setupRouter(t *testing.T) (*gin.Engine, *fakeLookup, testAgent) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	pub, priv, err := agentsig.GenerateKeypair()
	require.NoError(t, err)

	lookup := &fakeLookup{agents: map[string]*registry.Agent{
		"agent_1": {ID: "agent_1", PublicKey: pub, Status: registry.StatusActive},
	}}
	authn := NewAuthenticator(lookup, NewMemoryNonceStore(), 5*time.Minute)

	r := gin.New()
	r.Use(authn.Middleware())
	r.POST("/v1/echo", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"agent_id": c.GetString(ContextKeyAgentID)})
	})
	return r, lookup, testAgent{id: "agent_1", priv: priv}
}

type signOpts struct {
	timestamp string
	nonce     string
	tamper    func(r *http.Request)
}

func signedRequest(agent testAgent, body []byte, opts signOpts) *http.Request {
	ts := opts.timestamp
	if ts == "" {
		ts = time.Now().Format(time.RFC3339)
	}
	canonical := agentsig.Canonical(ts, "POST", "/v1/echo", body)
	sig := agentsig.Sign(agent.priv, canonical)

	req := httptest.NewRequest(http.MethodPost, "/v1/echo", bytes.NewReader(body))
	req.Header.Set("Authorization", "AgentSig "+agent.id+":"+sig)
	req.Header.Set("X-Timestamp", ts)
	if opts.nonce != "" {
		req.Header.Set("X-Nonce", opts.nonce)
	}
	if opts.tamper != nil {
		opts.tamper(req)
	}
	return req
}

func TestMiddleware_ValidSignature(t *testing.T) {
	r, _, agent := setupRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, signedRequest(agent, []byte(`{"hello":"world"}`), signOpts{}))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "agent_1")
}

func TestMiddleware_MalformedHeader(t *testing.T) {
	r, _, agent := setupRouter(t)

	for _, header := range []string{
		"",
		"Bearer sk_123",
		"AgentSig agent_1",
		"AgentSig :deadbeef",
	} {
		w := httptest.NewRecorder()
		req := signedRequest(agent, nil, signOpts{tamper: func(r *http.Request) {
			r.Header.Set("Authorization", header)
		}})
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusForbidden, w.Code, "header %q", header)
		assert.Contains(t, w.Body.String(), "invalid authorization header")
	}
}

func TestMiddleware_TimestampWindow(t *testing.T) {
	r, _, agent := setupRouter(t)

	stale := time.Now().Add(-10 * time.Minute).Format(time.RFC3339)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, signedRequest(agent, nil, signOpts{timestamp: stale}))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "timestamp outside allowed window")

	w = httptest.NewRecorder()
	req := signedRequest(agent, nil, signOpts{tamper: func(r *http.Request) {
		r.Header.Set("X-Timestamp", "yesterday")
	}})
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "not RFC3339")
}

func TestMiddleware_NonceReplay(t *testing.T) {
	r, _, agent := setupRouter(t)
	ts := time.Now().Format(time.RFC3339)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, signedRequest(agent, nil, signOpts{timestamp: ts, nonce: "n-1"}))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, signedRequest(agent, nil, signOpts{timestamp: ts, nonce: "n-1"}))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "nonce already used")
}

func TestMiddleware_UnknownAndInactiveAgent(t *testing.T) {
	r, lookup, agent := setupRouter(t)

	w := httptest.NewRecorder()
	req := signedRequest(agent, nil, signOpts{tamper: func(r *http.Request) {
		r.Header.Set("Authorization", "AgentSig ghost:"+"ab")
	}})
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "unknown agent")

	lookup.agents["agent_1"].Status = registry.StatusSuspended
	w = httptest.NewRecorder()
	r.ServeHTTP(w, signedRequest(agent, nil, signOpts{}))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "agent is not active")
}

func TestMiddleware_TamperedBody(t *testing.T) {
	r, _, agent := setupRouter(t)

	w := httptest.NewRecorder()
	req := signedRequest(agent, []byte(`{"amount":"1.00"}`), signOpts{tamper: func(r *http.Request) {
		r.Body = httptest.NewRequest(http.MethodPost, "/v1/echo",
			bytes.NewReader([]byte(`{"amount":"9999.00"}`))).Body
		r.ContentLength = -1
	}})
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "invalid signature")
}

func TestMiddleware_WrongKey(t *testing.T) {
	r, _, agent := setupRouter(t)

	_, otherPriv, err := agentsig.GenerateKeypair()
	require.NoError(t, err)
	imposter := testAgent{id: agent.id, priv: otherPriv}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, signedRequest(imposter, nil, signOpts{}))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "invalid signature")
}

func TestMemoryNonceStore(t *testing.T) {
	store := NewMemoryNonceStore()
	ctx := context.Background()

	fresh, err := store.Burn(ctx, "agent_1", "n-1")
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = store.Burn(ctx, "agent_1", "n-1")
	require.NoError(t, err)
	assert.False(t, fresh)

	// Different agent, same nonce value.
	fresh, err = store.Burn(ctx, "agent_2", "n-1")
	require.NoError(t, err)
	assert.True(t, fresh)
}

func TestRequireAdmin(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/admin", RequireAdmin("s3cret"), func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/admin", nil)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/admin", nil)
	req.Header.Set("X-Admin-Secret", "s3cret")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	// No secret configured disables the surface entirely.
	r2 := gin.New()
	r2.POST("/admin", RequireAdmin(""), func(c *gin.Context) { c.Status(http.StatusOK) })
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/admin", nil)
	req.Header.Set("X-Admin-Secret", "anything")
	r2.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}
