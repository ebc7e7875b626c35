package jobs

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/moltworks/agora/internal/ledger"
	"github.com/moltworks/agora/internal/listings"
)

// Handler provides HTTP endpoints for the job lifecycle.
type Handler struct {
	service *Service
}

// NewHandler creates a new jobs handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up signature-protected job routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/jobs", h.ProposeJob)
	r.GET("/jobs", h.ListJobs)
	r.GET("/jobs/:id", h.GetJob)
	r.POST("/jobs/:id/counter", h.Counter)
	r.POST("/jobs/:id/accept", h.Accept)
	r.POST("/jobs/:id/fund", h.Fund)
	r.POST("/jobs/:id/start", h.Start)
	r.POST("/jobs/:id/deliver", h.Deliver)
	r.POST("/jobs/:id/verify", h.Verify)
	r.POST("/jobs/:id/complete", h.Complete)
	r.POST("/jobs/:id/fail", h.Fail)
	r.POST("/jobs/:id/cancel", h.Cancel)
	r.POST("/jobs/:id/dispute", h.Dispute)
}

// RegisterAdminRoutes sets up admin-only job routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/jobs/:id/resolve", h.Resolve)
}

// ProposeJob handles POST /v1/jobs
func (h *Handler) ProposeJob(c *gin.Context) {
	var in ProposeInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	job, err := h.service.Propose(c.Request.Context(), c.GetString("agent_id"), in)
	if err != nil {
		respondJobError(c, err)
		return
	}
	c.JSON(http.StatusCreated, job)
}

// GetJob handles GET /v1/jobs/:id
func (h *Handler) GetJob(c *gin.Context) {
	job, err := h.service.Get(c.Request.Context(), c.GetString("agent_id"), c.Param("id"))
	if err != nil {
		respondJobError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// ListJobs handles GET /v1/jobs
func (h *Handler) ListJobs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	out, next, err := h.service.List(c.Request.Context(), ListFilter{
		AgentID: c.GetString("agent_id"),
		Status:  Status(c.Query("status")),
		Limit:   limit,
		Cursor:  c.Query("cursor"),
	})
	if err != nil {
		respondJobError(c, err)
		return
	}
	if out == nil {
		out = []*Job{}
	}
	c.JSON(http.StatusOK, gin.H{"jobs": out, "count": len(out), "next_cursor": next})
}

// Counter handles POST /v1/jobs/:id/counter
func (h *Handler) Counter(c *gin.Context) {
	var in CounterInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	job, err := h.service.Counter(c.Request.Context(), c.GetString("agent_id"), c.Param("id"), in)
	if errors.Is(err, ErrMaxRounds) {
		// The job was cancelled as a side effect; say so.
		c.JSON(http.StatusConflict, gin.H{
			"error":   "max_rounds_exceeded",
			"message": err.Error(),
			"job":     job,
		})
		return
	}
	if err != nil {
		respondJobError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// Accept handles POST /v1/jobs/:id/accept
func (h *Handler) Accept(c *gin.Context) {
	var in AcceptInput
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&in); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Invalid request body",
			})
			return
		}
	}
	job, err := h.service.Accept(c.Request.Context(), c.GetString("agent_id"), c.Param("id"), in)
	if err != nil {
		respondJobError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// Fund handles POST /v1/jobs/:id/fund
func (h *Handler) Fund(c *gin.Context) {
	job, err := h.service.Fund(c.Request.Context(), c.GetString("agent_id"), c.Param("id"))
	if err != nil {
		respondJobError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// Start handles POST /v1/jobs/:id/start
func (h *Handler) Start(c *gin.Context) {
	job, err := h.service.Start(c.Request.Context(), c.GetString("agent_id"), c.Param("id"))
	if err != nil {
		respondJobError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// Deliver handles POST /v1/jobs/:id/deliver
func (h *Handler) Deliver(c *gin.Context) {
	var in DeliverInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	job, err := h.service.Deliver(c.Request.Context(), c.GetString("agent_id"), c.Param("id"), in)
	if err != nil {
		respondJobError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// Verify handles POST /v1/jobs/:id/verify
func (h *Handler) Verify(c *gin.Context) {
	job, err := h.service.Verify(c.Request.Context(), c.GetString("agent_id"), c.Param("id"))
	if err != nil {
		respondJobError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// Complete handles POST /v1/jobs/:id/complete
func (h *Handler) Complete(c *gin.Context) {
	job, err := h.service.Complete(c.Request.Context(), c.GetString("agent_id"), c.Param("id"))
	if err != nil {
		respondJobError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// Fail handles POST /v1/jobs/:id/fail
func (h *Handler) Fail(c *gin.Context) {
	var in reasonInput
	if c.Request.ContentLength > 0 {
		_ = c.ShouldBindJSON(&in)
	}
	job, err := h.service.Fail(c.Request.Context(), c.GetString("agent_id"), c.Param("id"), in.Reason)
	if err != nil {
		respondJobError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

type reasonInput struct {
	Reason string `json:"reason"`
}

// Cancel handles POST /v1/jobs/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	var in reasonInput
	if c.Request.ContentLength > 0 {
		_ = c.ShouldBindJSON(&in)
	}
	job, err := h.service.Cancel(c.Request.Context(), c.GetString("agent_id"), c.Param("id"), in.Reason)
	if err != nil {
		respondJobError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// Dispute handles POST /v1/jobs/:id/dispute
func (h *Handler) Dispute(c *gin.Context) {
	var in reasonInput
	if err := c.ShouldBindJSON(&in); err != nil || in.Reason == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "A dispute reason is required",
		})
		return
	}
	job, err := h.service.Dispute(c.Request.Context(), c.GetString("agent_id"), c.Param("id"), in.Reason)
	if err != nil {
		respondJobError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// Resolve handles POST /v1/admin/jobs/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	var in struct {
		Note string `json:"note" binding:"required"`
	}
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "A resolution note is required",
		})
		return
	}
	job, err := h.service.Resolve(c.Request.Context(), c.Param("id"), in.Note)
	if err != nil {
		respondJobError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func respondJobError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, listings.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": err.Error(),
		})
	case errors.Is(err, ErrNotParticipant), errors.Is(err, ErrNotClient), errors.Is(err, ErrNotSeller):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": err.Error(),
		})
	case errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrCriteriaMismatch), errors.Is(err, ledger.ErrAlreadyFunded):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "conflict",
			"message": err.Error(),
		})
	case errors.Is(err, ErrCriteriaRequired):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "criteria_hash_required",
			"message": err.Error(),
		})
	case errors.Is(err, ErrDeliverableTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error":   "deliverable_too_large",
			"message": err.Error(),
		})
	case errors.Is(err, ledger.ErrInsufficientBalance):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "insufficient_balance",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	}
}
