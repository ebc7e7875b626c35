package registry

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/moltworks/agora/internal/accounts"
	"github.com/moltworks/agora/internal/agentsig"
)

// Handler provides HTTP endpoints for agent registration and profiles.
type Handler struct {
	service *Service
}

// NewHandler creates a new registry handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterPublicRoutes sets up routes that do not require a signature.
// Registration cannot require one: the agent does not exist yet.
func (h *Handler) RegisterPublicRoutes(r *gin.RouterGroup) {
	r.POST("/agents", h.Register)
	r.GET("/agents/:id", h.GetAgent)
}

// RegisterProtectedRoutes sets up signature-protected profile routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.PATCH("/agents/:id", h.UpdateAgent)
	r.DELETE("/agents/:id", h.DeactivateAgent)
}

// Register handles POST /v1/agents
func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	agent, err := h.service.Register(c.Request.Context(), req)
	switch {
	case errors.Is(err, agentsig.ErrBadPublicKey):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_public_key",
			"message": err.Error(),
		})
	case errors.Is(err, ErrDuplicateKey), errors.Is(err, ErrDuplicateEmail):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "conflict",
			"message": err.Error(),
		})
	case errors.Is(err, accounts.ErrTokenExpired):
		c.JSON(http.StatusGone, gin.H{
			"error":   "token_expired",
			"message": "Registration token has expired",
		})
	case errors.Is(err, accounts.ErrTokenNotFound):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "invalid_token",
			"message": "A valid registration token is required",
		})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "registration_failed",
			"message": "Failed to register agent",
		})
	default:
		// The webhook secret is shown exactly once, at registration.
		c.JSON(http.StatusCreated, gin.H{
			"agent":          agent,
			"webhook_secret": agent.WebhookSecret,
		})
	}
}

// GetAgent handles GET /v1/agents/:id
func (h *Handler) GetAgent(c *gin.Context) {
	agent, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Agent not found",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "lookup_failed",
			"message": "Failed to look up agent",
		})
		return
	}
	c.JSON(http.StatusOK, agent.Public())
}

// UpdateAgent handles PATCH /v1/agents/:id
func (h *Handler) UpdateAgent(c *gin.Context) {
	id := c.Param("id")
	if c.GetString("agent_id") != id {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Agents can only update their own profile",
		})
		return
	}

	var req UpdateCardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	agent, err := h.service.UpdateCard(c.Request.Context(), id, req)
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Agent not found",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "update_failed",
			"message": "Failed to update agent",
		})
		return
	}
	c.JSON(http.StatusOK, agent)
}

// DeactivateAgent handles DELETE /v1/agents/:id
func (h *Handler) DeactivateAgent(c *gin.Context) {
	id := c.Param("id")
	if c.GetString("agent_id") != id {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Agents can only deactivate themselves",
		})
		return
	}

	if err := h.service.Deactivate(c.Request.Context(), id); err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Agent not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "deactivation_failed",
			"message": "Failed to deactivate agent",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deactivated"})
}
