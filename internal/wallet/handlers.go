package wallet

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/collably/collably/internal/pagination"
	"github.com/collably/collably/internal/validation"
)

// Handler provides HTTP endpoints for wallet operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new wallet handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up wallet routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/wallets/:userId", h.GetBalance)
	r.POST("/wallets/:userId/credit", h.Credit)
	r.GET("/wallets/:userId/transactions", h.ListTransactions)
}

// GetBalance handles GET /v1/wallets/:userId
// A wallet is created lazily on first read, so this never 404s for a valid
// user ID.
func (h *Handler) GetBalance(c *gin.Context) {
	userID := c.Param("userId")
	if errs := validation.Validate(validation.ValidUserID("userId", userID)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	w, err := h.service.GetOrCreateBalance(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w})
}

// CreditRequest is the body of POST /v1/wallets/:userId/credit.
type CreditRequest struct {
	Amount      int64  `json:"amount" binding:"required"`
	Reference   string `json:"reference" binding:"required"`
	Description string `json:"description"`
}

// Credit handles POST /v1/wallets/:userId/credit
func (h *Handler) Credit(c *gin.Context) {
	userID := c.Param("userId")

	var req CreditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidUserID("userId", userID),
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	w, err := h.service.Credit(c.Request.Context(), userID, req.Amount, req.Reference, req.Description)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w})
}

// ListTransactions handles GET /v1/wallets/:userId/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
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

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid cursor",
		})
		return
	}

	// Fetch one extra row to learn whether another page exists.
	txns, err := h.service.ListTransactions(c.Request.Context(), userID, limit+1, cursor)
	if err != nil {
		writeError(c, err)
		return
	}

	txns, next, hasMore := pagination.ComputePage(txns, limit, func(t *Transaction) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	c.JSON(http.StatusOK, gin.H{
		"transactions": txns,
		"count":        len(txns),
		"next_cursor":  next,
		"has_more":     hasMore,
	})
}

// writeError maps wallet sentinel errors onto HTTP responses.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrWalletNotFound), errors.Is(err, ErrHoldNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrMissingReference):
		status = http.StatusBadRequest
		code = "invalid_request"
	case errors.Is(err, ErrInsufficientFunds):
		status = http.StatusConflict
		code = "insufficient_funds"
	case errors.Is(err, ErrInvalidHoldState):
		status = http.StatusConflict
		code = "invalid_state"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
