package cashout

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sphpay/peacelink/internal/metrics"
	"github.com/sphpay/peacelink/internal/money"
	"github.com/sphpay/peacelink/internal/validation"
	"github.com/sphpay/peacelink/internal/wallet"
)

// Handler provides the user-facing cashout endpoints. Admin review lives
// on the admin surface.
type Handler struct {
	service *Service
}

// NewHandler creates a new cashout handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the cashout routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/cashouts", h.Request)
	r.GET("/cashouts/:id", h.Get)
	r.POST("/cashouts/:id/cancel", h.Cancel)
	r.GET("/users/:id/cashouts", h.ListByUser)
}

// Request handles POST /v1/cashouts
func (h *Handler) Request(c *gin.Context) {
	var req struct {
		UserID string `json:"userId" binding:"required"`
		Phone  string `json:"phone"`
		Amount string `json:"amount" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "userId and amount are required",
		})
		return
	}
	if errs := validation.Validate(
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	amount, err := money.Parse(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		return
	}

	co, err := h.service.Request(c.Request.Context(), req.UserID, req.Phone, amount)
	if err != nil {
		metrics.CashoutsTotal.WithLabelValues("failed").Inc()
		h.respondError(c, err)
		return
	}
	metrics.CashoutsTotal.WithLabelValues("requested").Inc()
	c.JSON(http.StatusCreated, gin.H{"cashout": co})
}

// Get handles GET /v1/cashouts/:id
func (h *Handler) Get(c *gin.Context) {
	co, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cashout": co})
}

// Cancel handles POST /v1/cashouts/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	var req struct {
		UserID string `json:"userId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "userId is required",
		})
		return
	}

	co, err := h.service.Cancel(c.Request.Context(), c.Param("id"), req.UserID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	metrics.CashoutsTotal.WithLabelValues("canceled").Inc()
	c.JSON(http.StatusOK, gin.H{"cashout": co})
}

// ListByUser handles GET /v1/users/:id/cashouts
func (h *Handler) ListByUser(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}
	cashouts, err := h.service.ListByUser(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cashouts": cashouts, "count": len(cashouts)})
}

func (h *Handler) respondError(c *gin.Context, err error) {
	var insufficient *wallet.InsufficientBalanceError
	switch {
	case errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case errors.Is(err, ErrNotFound), errors.Is(err, wallet.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrNotPending):
		c.JSON(http.StatusConflict, gin.H{"error": "not_pending", "message": err.Error()})
	case errors.Is(err, ErrNotOwner):
		c.JSON(http.StatusForbidden, gin.H{"error": "unauthorized", "message": err.Error()})
	case errors.As(err, &insufficient):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":     "insufficient_balance",
			"message":   err.Error(),
			"available": insufficient.Available,
			"required":  insufficient.Required,
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "cashout operation failed"})
	}
}
