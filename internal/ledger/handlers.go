package ledger

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/collably/collably/internal/wallet"
)

// Handler exposes audit endpoints, intended for operators.
type Handler struct {
	reconciler *Reconciler
}

// NewHandler creates a new ledger handler.
func NewHandler(reconciler *Reconciler) *Handler {
	return &Handler{reconciler: reconciler}
}

// RegisterRoutes sets up audit routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/users/:userId/audit", h.Audit)
	r.POST("/ledger/sweep", h.Sweep)
}

// Audit handles GET /v1/users/:userId/audit
func (h *Handler) Audit(c *gin.Context) {
	report, err := h.reconciler.Check(c.Request.Context(), c.Param("userId"))
	if err != nil {
		if errors.Is(err, wallet.ErrWalletNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Wallet not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// Sweep handles POST /v1/ledger/sweep
func (h *Handler) Sweep(c *gin.Context) {
	dirty, err := h.reconciler.Sweep(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"drift":   len(dirty),
		"reports": dirty,
	})
}
