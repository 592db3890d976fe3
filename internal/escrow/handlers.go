package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/veloraapp/veloracoin/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/escrows/:id/hold-remaining", h.HoldRemaining)
	r.POST("/escrows/:id/release", h.ReleaseEscrow)
	r.POST("/escrows/:id/refund", h.RefundEscrow)
	r.POST("/escrows/:id/cancel", h.CancelEscrow)
	r.POST("/escrows/:id/dispute", h.DisputeEscrow)
	r.GET("/users/:userId/escrows", h.ListEscrows)
}

// releaseRequest is the body of POST /v1/escrows/:id/release.
type releaseRequest struct {
	VerifierID string `json:"verifierId"`
}

// refundRequest is the body of POST /v1/escrows/:id/refund.
type refundRequest struct {
	Reason string `json:"reason"`
}

// cancelRequest is the body of POST /v1/escrows/:id/cancel.
type cancelRequest struct {
	CallerID string `json:"callerId"`
}

// disputeRequest is the body of POST /v1/escrows/:id/dispute.
type disputeRequest struct {
	CallerID string `json:"callerId"`
	Reason   string `json:"reason" binding:"required"`
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("senderId", req.SenderID),
		validation.Required("recipientId", req.RecipientID),
		validation.ValidUserID("senderId", req.SenderID),
		validation.ValidUserID("recipientId", req.RecipientID),
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	res, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		writeEscrowError(c, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, res)
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	id := c.Param("id")

	e, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		writeEscrowError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// HoldRemaining handles GET /v1/escrows/:id/hold-remaining
func (h *Handler) HoldRemaining(c *gin.Context) {
	id := c.Param("id")

	// The remaining window is zero for unknown escrows too; return 404 for
	// those so callers can distinguish.
	e, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		writeEscrowError(c, err)
		return
	}

	rem := h.service.HoldPeriodRemaining(c.Request.Context(), id)
	c.JSON(http.StatusOK, gin.H{
		"escrowId":         e.ID,
		"status":           e.Status,
		"holdUntil":        e.HoldUntil,
		"remainingSeconds": int64(rem.Seconds()),
		"remaining":        rem.String(),
	})
}

// ReleaseEscrow handles POST /v1/escrows/:id/release
func (h *Handler) ReleaseEscrow(c *gin.Context) {
	id := c.Param("id")

	var req releaseRequest
	_ = c.ShouldBindJSON(&req) // body optional

	res, err := h.service.Release(c.Request.Context(), id, req.VerifierID)
	if err != nil {
		writeEscrowError(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

// RefundEscrow handles POST /v1/escrows/:id/refund
func (h *Handler) RefundEscrow(c *gin.Context) {
	id := c.Param("id")

	var req refundRequest
	_ = c.ShouldBindJSON(&req) // body optional

	reason := validation.SanitizeString(req.Reason, 500)
	if reason == "" {
		reason = "requested"
	}

	res, err := h.service.Refund(c.Request.Context(), id, reason)
	if err != nil {
		writeEscrowError(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

// CancelEscrow handles POST /v1/escrows/:id/cancel
func (h *Handler) CancelEscrow(c *gin.Context) {
	id := c.Param("id")

	var req cancelRequest
	_ = c.ShouldBindJSON(&req) // body optional

	res, err := h.service.Cancel(c.Request.Context(), id, req.CallerID)
	if err != nil {
		writeEscrowError(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

// DisputeEscrow handles POST /v1/escrows/:id/dispute
func (h *Handler) DisputeEscrow(c *gin.Context) {
	id := c.Param("id")

	var req disputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Reason is required",
		})
		return
	}

	res, err := h.service.Dispute(c.Request.Context(), id, req.CallerID,
		validation.SanitizeString(req.Reason, 500))
	if err != nil {
		writeEscrowError(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

// ListEscrows handles GET /v1/users/:userId/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	userID := c.Param("userId")
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	escrows, err := h.service.ListByUser(c.Request.Context(), userID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"escrows": escrows,
		"count":   len(escrows),
	})
}

// writeEscrowError maps escrow sentinel errors to HTTP responses. Lock
// contention is retryable and flagged as such.
func writeEscrowError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrEscrowNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Escrow not found",
		})
	case errors.Is(err, ErrLockContention):
		c.JSON(http.StatusConflict, gin.H{
			"error":     "lock_contention",
			"message":   "Escrow is locked by a concurrent operation; retry shortly",
			"retryable": true,
		})
	case errors.Is(err, ErrInvalidParticipants):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_participants",
			"message": err.Error(),
		})
	case errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": err.Error(),
		})
	case errors.Is(err, ErrInsufficientFunds):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":   "insufficient_funds",
			"message": "Sender balance cannot fund this escrow",
		})
	case errors.Is(err, ErrRecipientNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "recipient_not_found",
			"message": "Recipient account does not exist",
		})
	case errors.Is(err, ErrInvalidStatus):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_state",
			"message": err.Error(),
		})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}
