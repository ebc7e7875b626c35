package fees

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler serves the fee schedule.
type Handler struct {
	schedule Schedule
}

// NewHandler creates a fees handler.
func NewHandler(schedule Schedule) *Handler {
	return &Handler{schedule: schedule}
}

// RegisterRoutes sets up the public fee routes. The schedule is static
// per deployment, so no auth is required to read it.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/fees", h.GetSchedule)
}

// GetSchedule handles GET /v1/fees
func (h *Handler) GetSchedule(c *gin.Context) {
	c.JSON(http.StatusOK, h.schedule)
}
