package reviews

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/moltworks/agora/internal/jobs"
)

// Handler provides HTTP endpoints for reviews.
type Handler struct {
	service *Service
}

// NewHandler creates a new reviews handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterPublicRoutes sets up unauthenticated review reads.
func (h *Handler) RegisterPublicRoutes(r *gin.RouterGroup) {
	r.GET("/agents/:id/reviews", h.ListBySubject)
}

// RegisterProtectedRoutes sets up authenticated review routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/reviews", h.Create)
	r.GET("/jobs/:id/reviews", h.ListByJob)
}

// Create handles POST /v1/reviews
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "job_id and rating are required",
		})
		return
	}

	rev, err := h.service.Create(c.Request.Context(), c.GetString("agent_id"), req)
	if err != nil {
		status, code := http.StatusBadRequest, "review_failed"
		switch {
		case errors.Is(err, ErrInvalidRating):
			code = "invalid_rating"
		case errors.Is(err, ErrNotCompleted):
			status, code = http.StatusConflict, "job_not_completed"
		case errors.Is(err, ErrNotParticipant):
			status, code = http.StatusForbidden, "not_participant"
		case errors.Is(err, ErrAlreadyExists):
			status, code = http.StatusConflict, "already_reviewed"
		case errors.Is(err, jobs.ErrNotFound):
			status, code = http.StatusNotFound, "job_not_found"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, rev)
}

// ListByJob handles GET /v1/jobs/:id/reviews
func (h *Handler) ListByJob(c *gin.Context) {
	reviews, err := h.service.ListByJob(c.Request.Context(), c.GetString("agent_id"), c.Param("id"))
	if err != nil {
		status, code := http.StatusInternalServerError, "list_failed"
		switch {
		case errors.Is(err, ErrNotParticipant):
			status, code = http.StatusForbidden, "not_participant"
		case errors.Is(err, jobs.ErrNotFound):
			status, code = http.StatusNotFound, "job_not_found"
		}
		c.JSON(status, gin.H{"error": code, "message": "Failed to list reviews"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reviews": reviews})
}

// ListBySubject handles GET /v1/agents/:id/reviews
func (h *Handler) ListBySubject(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	role := Role(c.DefaultQuery("role", string(RoleSeller)))
	reviews, err := h.service.ListBySubject(c.Request.Context(), c.Param("id"), role, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list reviews",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reviews": reviews})
}
