package auth

import (
	"bytes"
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/moltworks/agora/internal/agentsig"
	"github.com/moltworks/agora/internal/registry"
)

// ContextKeyAgentID is the gin context key for the verified caller.
const ContextKeyAgentID = "agent_id"

// MaxBodyBytes caps how much of a request body the authenticator will
// hash. Larger bodies are rejected before signature checking.
const MaxBodyBytes = 2 << 20

// AgentLookup resolves an agent that is allowed to call the API.
type AgentLookup interface {
	Authenticate(ctx context.Context, agentID string) (*registry.Agent, error)
}

// Authenticator verifies AgentSig requests.
type Authenticator struct {
	agents AgentLookup
	nonces NonceStore
	skew   time.Duration
}

// NewAuthenticator creates the request authenticator. skew <= 0 defaults
// to five minutes.
func NewAuthenticator(agents AgentLookup, nonces NonceStore, skew time.Duration) *Authenticator {
	if skew <= 0 {
		skew = 5 * time.Minute
	}
	if nonces == nil {
		nonces = NewMemoryNonceStore()
	}
	return &Authenticator{agents: agents, nonces: nonces, skew: skew}
}

// Middleware rejects unsigned or stale requests and stores the verified
// agent ID in the gin context.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		agentID, sigHex, ok := parseHeader(c.GetHeader("Authorization"))
		if !ok {
			reject(c, "invalid authorization header")
			return
		}

		timestamp := c.GetHeader("X-Timestamp")
		ts, err := time.Parse(time.RFC3339, timestamp)
		if err != nil {
			reject(c, "timestamp missing or not RFC3339")
			return
		}
		if drift := time.Since(ts); drift > a.skew || drift < -a.skew {
			reject(c, "timestamp outside allowed window")
			return
		}

		if nonce := c.GetHeader("X-Nonce"); nonce != "" {
			fresh, err := a.nonces.Burn(c.Request.Context(), agentID, nonce)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
					"error":   "nonce_store_unavailable",
					"message": "Could not check the request nonce",
				})
				return
			}
			if !fresh {
				reject(c, "nonce already used")
				return
			}
		}

		agent, err := a.agents.Authenticate(c.Request.Context(), agentID)
		switch {
		case errors.Is(err, registry.ErrNotFound):
			reject(c, "unknown agent")
			return
		case errors.Is(err, registry.ErrNotActive):
			reject(c, "agent is not active")
			return
		case err != nil:
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":   "auth_failed",
				"message": "Could not resolve the agent",
			})
			return
		}

		body, err := readBody(c)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":   "body_too_large",
				"message": "Request body exceeds the signing limit",
			})
			return
		}

		canonical := agentsig.Canonical(timestamp, c.Request.Method, c.Request.URL.Path, body)
		valid, err := agentsig.Verify(agent.PublicKey, canonical, sigHex)
		if err != nil || !valid {
			reject(c, "invalid signature")
			return
		}

		c.Set(ContextKeyAgentID, agentID)
		c.Next()
	}
}

// parseHeader splits "AgentSig <agent_id>:<signature_hex>".
func parseHeader(header string) (agentID, sigHex string, ok bool) {
	scheme, rest, found := strings.Cut(header, " ")
	if !found || scheme != "AgentSig" {
		return "", "", false
	}
	agentID, sigHex, found = strings.Cut(rest, ":")
	if !found || agentID == "" || sigHex == "" {
		return "", "", false
	}
	return agentID, sigHex, true
}

// readBody drains the request body for hashing and puts it back for the
// handler.
func readBody(c *gin.Context) ([]byte, error) {
	if c.Request.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, MaxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if len(body) > MaxBodyBytes {
		return nil, io.ErrShortBuffer
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

func reject(c *gin.Context, detail string) {
	c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
		"error":   "forbidden",
		"message": detail,
	})
}

// RequireAdmin gates admin routes behind a shared secret header.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusNotImplemented, gin.H{
				"error":   "admin_disabled",
				"message": "Admin endpoints are not configured",
			})
			return
		}
		got := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			reject(c, "invalid admin secret")
			return
		}
		c.Next()
	}
}
