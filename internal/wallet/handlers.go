package wallet

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/moltworks/agora/internal/ledger"
)

// Handler provides HTTP endpoints for deposits and withdrawals.
type Handler struct {
	service *Service
}

// NewHandler creates a new wallet handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up wallet routes. All act on the
// authenticated agent's own wallet.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/wallet/deposit-address", h.DepositAddress)
	r.POST("/wallet/deposits", h.ClaimDeposit)
	r.GET("/wallet/deposits", h.ListDeposits)
	r.POST("/wallet/withdrawals", h.Withdraw)
	r.GET("/wallet/withdrawals", h.ListWithdrawals)
}

// DepositAddress handles POST /v1/wallet/deposit-address
func (h *Handler) DepositAddress(c *gin.Context) {
	addr, err := h.service.DepositAddress(c.Request.Context(), c.GetString("agent_id"))
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "deposit_address_failed",
			"message": "Failed to assign a deposit address",
		})
		return
	}
	c.JSON(http.StatusOK, addr)
}

// ClaimDeposit handles POST /v1/wallet/deposits
func (h *Handler) ClaimDeposit(c *gin.Context) {
	var req struct {
		TxHash string `json:"tx_hash" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "tx_hash is required",
		})
		return
	}

	dep, err := h.service.ClaimDeposit(c.Request.Context(), c.GetString("agent_id"), req.TxHash)
	if err != nil {
		status, code := http.StatusBadRequest, "claim_failed"
		switch {
		case errors.Is(err, ErrTxNotFound):
			status, code = http.StatusNotFound, "tx_not_found"
		case errors.Is(err, ErrTxReverted):
			code = "tx_reverted"
		case errors.Is(err, ErrNoMatchingTransfer):
			code = "no_matching_transfer"
		case errors.Is(err, ErrBelowMinimum):
			code = "below_minimum"
		case errors.Is(err, ErrDuplicateDeposit):
			status, code = http.StatusConflict, "already_claimed"
		case errors.Is(err, ErrNotFound):
			status, code = http.StatusNotFound, "no_deposit_address"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, dep)
}

// ListDeposits handles GET /v1/wallet/deposits
func (h *Handler) ListDeposits(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	deposits, err := h.service.Deposits(c.Request.Context(), c.GetString("agent_id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list deposits",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deposits": deposits})
}

// Withdraw handles POST /v1/wallet/withdrawals
func (h *Handler) Withdraw(c *gin.Context) {
	var req struct {
		ToAddress string `json:"to_address" binding:"required"`
		Amount    string `json:"amount" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "to_address and amount are required",
		})
		return
	}

	wd, err := h.service.Withdraw(c.Request.Context(), c.GetString("agent_id"), req.ToAddress, req.Amount)
	if err != nil {
		status, code := http.StatusBadRequest, "withdrawal_failed"
		switch {
		case errors.Is(err, ErrInvalidAddress):
			code = "invalid_address"
		case errors.Is(err, ErrInvalidAmount):
			code = "invalid_amount"
		case errors.Is(err, ledger.ErrInsufficientBalance):
			status, code = http.StatusPaymentRequired, "insufficient_balance"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, wd)
}

// ListWithdrawals handles GET /v1/wallet/withdrawals
func (h *Handler) ListWithdrawals(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	withdrawals, err := h.service.Withdrawals(c.Request.Context(), c.GetString("agent_id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list withdrawals",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawals": withdrawals})
}
