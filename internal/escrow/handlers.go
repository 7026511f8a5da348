package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/collably/collably/internal/validation"
	"github.com/collably/collably/internal/wallet"
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
	r.POST("/escrow/holds", h.Initiate)
	r.GET("/escrow/holds/:id", h.GetHold)
	r.POST("/escrow/holds/:id/release", h.Release)
	r.POST("/escrow/holds/:id/refund", h.Refund)
	r.GET("/users/:userId/holds", h.ListHolds)
}

// Initiate handles POST /v1/escrow/holds
func (h *Handler) Initiate(c *gin.Context) {
	var req InitiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidUserID("payerUserId", req.PayerUserID),
		validation.ValidAmount("amount", req.Amount),
		validation.Required("conversationId", req.ConversationID),
		validation.Required("paymentOrderId", req.PaymentOrderID),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	hold, err := h.service.Initiate(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"hold": hold})
}

// GetHold handles GET /v1/escrow/holds/:id
func (h *Handler) GetHold(c *gin.Context) {
	hold, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"hold": hold})
}

// ReleaseRequest optionally names the payee; when absent the payee is
// resolved from the hold's conversation.
type ReleaseRequest struct {
	PayeeUserID string `json:"payeeUserId"`
}

// Release handles POST /v1/escrow/holds/:id/release
func (h *Handler) Release(c *gin.Context) {
	var req ReleaseRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Invalid request body",
			})
			return
		}
	}
	if req.PayeeUserID != "" && !validation.IsValidUserID(req.PayeeUserID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "payeeUserId: must be a valid user id",
		})
		return
	}

	hold, err := h.service.Release(c.Request.Context(), c.Param("id"), req.PayeeUserID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"hold": hold})
}

// Refund handles POST /v1/escrow/holds/:id/refund
func (h *Handler) Refund(c *gin.Context) {
	hold, err := h.service.Refund(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"hold": hold})
}

// ListHolds handles GET /v1/users/:userId/holds
func (h *Handler) ListHolds(c *gin.Context) {
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

	holds, err := h.service.ListForUser(c.Request.Context(), userID, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"holds": holds,
		"count": len(holds),
	})
}

// writeError maps escrow and wallet errors onto HTTP responses.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, wallet.ErrHoldNotFound), errors.Is(err, wallet.ErrWalletNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, wallet.ErrInvalidAmount), errors.Is(err, wallet.ErrMissingReference):
		status = http.StatusBadRequest
		code = "invalid_request"
	case errors.Is(err, ErrPayeeUnresolved):
		status = http.StatusUnprocessableEntity
		code = "payee_unresolved"
	case errors.Is(err, wallet.ErrInsufficientFunds):
		status = http.StatusConflict
		code = "insufficient_funds"
	case errors.Is(err, wallet.ErrInvalidHoldState):
		status = http.StatusConflict
		code = "invalid_state"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
