package cancellation

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sphpay/peacelink/internal/metrics"
	"github.com/sphpay/peacelink/internal/peacelink"
	"github.com/sphpay/peacelink/internal/validation"
	"github.com/sphpay/peacelink/internal/wallet"
)

// Handler provides the HTTP endpoint for canceling PeaceLinks.
type Handler struct {
	service *Service
}

// NewHandler creates a new cancellation handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the cancellation route.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/links/:id/cancel", h.Cancel)
}

// Cancel handles POST /v1/links/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	var req struct {
		Party  string `json:"party" binding:"required"`
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "party is required",
		})
		return
	}
	reason := validation.SanitizeString(req.Reason, 500)

	link, err := h.service.Cancel(c.Request.Context(), c.Param("id"), peacelink.Party(req.Party), reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	metrics.CancellationsTotal.WithLabelValues(req.Party).Inc()
	metrics.ActiveHolds.Dec()
	c.JSON(http.StatusOK, gin.H{"link": link})
}

func (h *Handler) respondError(c *gin.Context, err error) {
	var insufficient *wallet.InsufficientBalanceError
	switch {
	case errors.Is(err, ErrNotACancellation):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "not_a_cancellation", "message": err.Error()})
	case errors.Is(err, peacelink.ErrNotFound), errors.Is(err, wallet.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, peacelink.ErrInvalidStatus):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_status", "message": err.Error()})
	case errors.Is(err, peacelink.ErrVersionConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": "The link was modified concurrently; retry with fresh state"})
	case errors.As(err, &insufficient):
		// Merchant-fault branches debit the merchant wallet, which can
		// itself be short.
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":     "insufficient_balance",
			"message":   err.Error(),
			"available": insufficient.Available,
			"required":  insufficient.Required,
		})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "cancel_failed", "message": err.Error()})
	}
}
