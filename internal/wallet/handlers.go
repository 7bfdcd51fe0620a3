package wallet

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sphpay/peacelink/internal/idgen"
	"github.com/sphpay/peacelink/internal/money"
	"github.com/sphpay/peacelink/internal/validation"
)

// Handler provides HTTP endpoints for wallet lookup and registration.
// Balance mutations have no direct endpoints; money only moves through
// the settlement, cancellation, resolution, and cashout engines.
type Handler struct {
	service *Service
}

// NewHandler creates a new wallet handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the wallet routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/wallets", h.Create)
	r.GET("/users/:id/wallet", h.GetByUserID)
	r.GET("/wallets/number/:number", h.GetByNumber)
}

// Create handles POST /v1/wallets
func (h *Handler) Create(c *gin.Context) {
	var req struct {
		UserID  string `json:"userId" binding:"required"`
		Number  string `json:"number" binding:"required"`
		Deposit string `json:"deposit"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "userId and number are required",
		})
		return
	}
	if errs := validation.Validate(
		validation.ValidOptionalAmount("deposit", req.Deposit),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	deposit := decimal.Zero
	if req.Deposit != "" {
		deposit, _ = money.Parse(req.Deposit)
	}
	w := &Wallet{
		ID:        idgen.WithPrefix("w_"),
		UserID:    req.UserID,
		Number:    req.Number,
		Available: money.Round2(deposit),
		Held:      decimal.Zero,
	}
	if err := h.service.Create(c.Request.Context(), w); err != nil {
		if errors.Is(err, ErrDuplicate) {
			c.JSON(http.StatusConflict, gin.H{"error": "duplicate", "message": "wallet already exists"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to create wallet"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"wallet": w})
}

// GetByUserID handles GET /v1/users/:id/wallet
func (h *Handler) GetByUserID(c *gin.Context) {
	w, err := h.service.GetByUserID(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w})
}

// GetByNumber handles GET /v1/wallets/number/:number
func (h *Handler) GetByNumber(c *gin.Context) {
	w, err := h.service.GetByNumber(c.Request.Context(), c.Param("number"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w})
}

func (h *Handler) respondError(c *gin.Context, err error) {
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "wallet not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
}
