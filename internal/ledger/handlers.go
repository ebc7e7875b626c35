package ledger

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for balances and escrow audit trails.
type Handler struct {
	service *Service
}

// NewHandler creates a new ledger handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up ledger routes. All routes require auth; agents can
// only read their own balance and history.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/agents/:id/balance", h.GetBalance)
	r.GET("/agents/:id/ledger", h.GetHistory)
	r.GET("/escrows/:id", h.GetEscrow)
}

// GetBalance handles GET /v1/agents/:id/balance
func (h *Handler) GetBalance(c *gin.Context) {
	agentID := c.Param("id")
	if c.GetString("agent_id") != agentID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Agents can only read their own balance",
		})
		return
	}

	balance, err := h.service.Balance(c.Request.Context(), agentID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "balance_failed",
			"message": "Failed to read balance",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"agent_id": agentID,
		"balance":  balance,
	})
}

// GetHistory handles GET /v1/agents/:id/ledger
func (h *Handler) GetHistory(c *gin.Context) {
	agentID := c.Param("id")
	if c.GetString("agent_id") != agentID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Agents can only read their own ledger",
		})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	entries, err := h.service.History(c.Request.Context(), agentID, limit, c.Query("before"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "history_failed",
			"message": "Failed to read ledger history",
		})
		return
	}
	if entries == nil {
		entries = []*Entry{}
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

// GetEscrow handles GET /v1/escrows/:id, returning the escrow and its
// audit trail. Only the two parties may read it.
func (h *Handler) GetEscrow(c *gin.Context) {
	esc, err := h.service.store.GetEscrow(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrEscrowNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Escrow not found",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "escrow_failed",
			"message": "Failed to read escrow",
		})
		return
	}

	caller := c.GetString("agent_id")
	if caller != esc.ClientID && caller != esc.SellerID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Only the escrow parties can read it",
		})
		return
	}

	events, err := h.service.Events(c.Request.Context(), esc.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "escrow_failed",
			"message": "Failed to read escrow events",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"escrow": esc,
		"events": events,
	})
}
