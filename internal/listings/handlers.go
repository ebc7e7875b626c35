package listings

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// Handler provides HTTP endpoints for the service catalog.
type Handler struct {
	service *Service
}

// NewHandler creates a new listings handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterPublicRoutes sets up discovery routes (read rate category).
func (h *Handler) RegisterPublicRoutes(r *gin.RouterGroup) {
	r.GET("/discover", h.Discover)
	r.GET("/listings/:id", h.GetListing)
	r.GET("/agents/:id/listings", h.ListBySeller)
}

// RegisterProtectedRoutes sets up signature-protected catalog routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/listings", h.CreateListing)
	r.PATCH("/listings/:id", h.UpdateListing)
}

// CreateListing handles POST /v1/listings
func (h *Handler) CreateListing(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	listing, err := h.service.Create(c.Request.Context(), c.GetString("agent_id"), req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_listing",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusCreated, listing)
}

// GetListing handles GET /v1/listings/:id
func (h *Handler) GetListing(c *gin.Context) {
	listing, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Listing not found",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "lookup_failed",
			"message": "Failed to look up listing",
		})
		return
	}
	c.JSON(http.StatusOK, listing)
}

// UpdateListing handles PATCH /v1/listings/:id
func (h *Handler) UpdateListing(c *gin.Context) {
	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	listing, err := h.service.Update(c.Request.Context(), c.GetString("agent_id"), c.Param("id"), req)
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Listing not found",
		})
	case errors.Is(err, ErrNotSeller):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": err.Error(),
		})
	case err != nil:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_listing",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusOK, listing)
	}
}

// ListBySeller handles GET /v1/agents/:id/listings
func (h *Handler) ListBySeller(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	out, err := h.service.BySeller(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list listings",
		})
		return
	}
	if out == nil {
		out = []*Listing{}
	}
	c.JSON(http.StatusOK, gin.H{"listings": out, "count": len(out)})
}

// Discover handles GET /v1/discover
func (h *Handler) Discover(c *gin.Context) {
	filter := DiscoverFilter{Category: c.Query("category")}
	filter.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "20"))
	filter.Offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))

	if maxPrice := c.Query("max_price"); maxPrice != "" {
		price, err := decimal.NewFromString(maxPrice)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "max_price must be a decimal",
			})
			return
		}
		filter.MaxPrice = &price
	}

	out, err := h.service.Discover(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "discover_failed",
			"message": "Failed to run discovery",
		})
		return
	}
	if out == nil {
		out = []*Listing{}
	}
	c.JSON(http.StatusOK, gin.H{"listings": out, "count": len(out)})
}
