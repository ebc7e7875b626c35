package accounts

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for the signup flow.
type Handler struct {
	service *Service
}

// NewHandler creates a new accounts handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up signup routes. These are unauthenticated and sit
// behind the signup rate limit category.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/signup", h.Signup)
	r.POST("/signup/verify", h.Verify)
}

// Signup handles POST /v1/signup
func (h *Handler) Signup(c *gin.Context) {
	var req struct {
		Email string `json:"email" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	err := h.service.Signup(c.Request.Context(), req.Email)
	switch {
	case errors.Is(err, ErrEmailTaken):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "email_taken",
			"message": "Email already has an active agent",
		})
	case err != nil:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "signup_failed",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusAccepted, gin.H{"status": "verification_sent"})
	}
}

// Verify handles POST /v1/signup/verify
func (h *Handler) Verify(c *gin.Context) {
	var req struct {
		Token string `json:"token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	regToken, err := h.service.Verify(c.Request.Context(), req.Token)
	switch {
	case errors.Is(err, ErrTokenExpired):
		c.JSON(http.StatusGone, gin.H{
			"error":   "token_expired",
			"message": "Verification token has expired",
		})
	case errors.Is(err, ErrTokenNotFound), errors.Is(err, ErrWrongTokenKind), errors.Is(err, ErrTokenConsumed):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "invalid_token",
			"message": "Verification token is not valid",
		})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "verification_failed",
			"message": "Failed to verify email",
		})
	default:
		c.JSON(http.StatusOK, gin.H{
			"registration_token": regToken,
			"expires_in_seconds": int(RegistrationTTL.Seconds()),
		})
	}
}
