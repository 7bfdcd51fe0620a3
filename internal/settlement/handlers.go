package settlement

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sphpay/peacelink/internal/metrics"
	"github.com/sphpay/peacelink/internal/peacelink"
	"github.com/sphpay/peacelink/internal/validation"
	"github.com/sphpay/peacelink/internal/wallet"
)

// Handler provides HTTP endpoints for the PeaceLink lifecycle.
type Handler struct {
	service *Service
}

// NewHandler creates a new settlement handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the PeaceLink routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/links", h.CreateLink)
	r.GET("/links/:id", h.GetLink)
	r.GET("/references/:reference", h.GetByReference)
	r.GET("/links/:id/payouts", h.ListPayouts)
	r.POST("/links/:id/approve", h.Approve)
	r.POST("/links/:id/dsp", h.AssignDSP)
	r.PUT("/links/:id/dsp", h.ChangeDSP)
	r.DELETE("/links/:id/dsp", h.RemoveDSP)
	r.POST("/links/:id/confirm", h.ConfirmDelivery)
	r.POST("/links/:id/complete", h.Complete)
	r.POST("/links/:id/dispute", h.OpenDispute)
	r.GET("/merchants/:id/links", h.ListByMerchant)
	r.GET("/buyers/:id/links", h.ListByBuyer)
}

// CreateLink handles POST /v1/links
func (h *Handler) CreateLink(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("merchantId", req.MerchantID),
		validation.Required("buyerId", req.BuyerID),
		validation.ValidPhone("buyerPhone", req.BuyerPhone),
		validation.ValidAmount("itemAmount", req.ItemAmount),
		validation.ValidOptionalAmount("deliveryFee", req.DeliveryFee),
		validation.ValidFraction("advancePercentage", req.AdvancePercentage),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	link, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, "create", err)
		return
	}
	metrics.SettlementsTotal.WithLabelValues("create", "ok").Inc()
	c.JSON(http.StatusCreated, gin.H{"link": link})
}

// GetLink handles GET /v1/links/:id
func (h *Handler) GetLink(c *gin.Context) {
	link, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, "get", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"link": link})
}

// GetByReference handles GET /v1/references/:reference
func (h *Handler) GetByReference(c *gin.Context) {
	ref := c.Param("reference")
	if !validation.IsValidReference(ref) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "malformed reference number",
		})
		return
	}
	link, err := h.service.GetByReference(c.Request.Context(), ref)
	if err != nil {
		h.respondError(c, "get", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"link": link})
}

// ListPayouts handles GET /v1/links/:id/payouts
func (h *Handler) ListPayouts(c *gin.Context) {
	payouts, err := h.service.Payouts(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, "payouts", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payouts": payouts, "count": len(payouts)})
}

// Approve handles POST /v1/links/:id/approve
func (h *Handler) Approve(c *gin.Context) {
	var req struct {
		BuyerID string `json:"buyerId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "buyerId is required",
		})
		return
	}

	link, err := h.service.Approve(c.Request.Context(), c.Param("id"), req.BuyerID)
	if err != nil {
		metrics.SettlementsTotal.WithLabelValues("approve", "error").Inc()
		h.respondError(c, "approve", err)
		return
	}
	metrics.SettlementsTotal.WithLabelValues("approve", "ok").Inc()
	metrics.ActiveHolds.Inc()
	c.JSON(http.StatusOK, gin.H{"link": link})
}

type dspRequest struct {
	DSPID           string `json:"dspId" binding:"required"`
	DSPWalletNumber string `json:"dspWalletNumber" binding:"required"`
}

// AssignDSP handles POST /v1/links/:id/dsp
func (h *Handler) AssignDSP(c *gin.Context) {
	var req dspRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "dspId and dspWalletNumber are required",
		})
		return
	}

	link, err := h.service.AssignDSP(c.Request.Context(), c.Param("id"), req.DSPID, req.DSPWalletNumber)
	if err != nil {
		h.respondError(c, "assign_dsp", err)
		return
	}
	metrics.SettlementsTotal.WithLabelValues("assign_dsp", "ok").Inc()
	c.JSON(http.StatusOK, gin.H{"link": link})
}

// ChangeDSP handles PUT /v1/links/:id/dsp
func (h *Handler) ChangeDSP(c *gin.Context) {
	var req dspRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "dspId and dspWalletNumber are required",
		})
		return
	}

	link, err := h.service.ChangeDSP(c.Request.Context(), c.Param("id"), req.DSPID, req.DSPWalletNumber)
	if err != nil {
		h.respondError(c, "change_dsp", err)
		return
	}
	metrics.SettlementsTotal.WithLabelValues("change_dsp", "ok").Inc()
	c.JSON(http.StatusOK, gin.H{"link": link})
}

// RemoveDSP handles DELETE /v1/links/:id/dsp
func (h *Handler) RemoveDSP(c *gin.Context) {
	link, err := h.service.RemoveDSP(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, "remove_dsp", err)
		return
	}
	metrics.SettlementsTotal.WithLabelValues("remove_dsp", "ok").Inc()
	c.JSON(http.StatusOK, gin.H{"link": link})
}

// ConfirmDelivery handles POST /v1/links/:id/confirm
func (h *Handler) ConfirmDelivery(c *gin.Context) {
	var req struct {
		Code string `json:"code" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || !validation.IsValidOTP(req.Code) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "a 6-digit code is required",
		})
		return
	}

	link, err := h.service.ConfirmDelivery(c.Request.Context(), c.Param("id"), req.Code)
	if err != nil {
		metrics.SettlementsTotal.WithLabelValues("confirm_delivery", "error").Inc()
		h.respondError(c, "confirm_delivery", err)
		return
	}
	metrics.SettlementsTotal.WithLabelValues("confirm_delivery", "ok").Inc()
	metrics.ActiveHolds.Dec()
	c.JSON(http.StatusOK, gin.H{"link": link})
}

// Complete handles POST /v1/links/:id/complete
func (h *Handler) Complete(c *gin.Context) {
	link, err := h.service.Complete(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, "complete", err)
		return
	}
	metrics.SettlementsTotal.WithLabelValues("complete", "ok").Inc()
	c.JSON(http.StatusOK, gin.H{"link": link})
}

// OpenDispute handles POST /v1/links/:id/dispute
func (h *Handler) OpenDispute(c *gin.Context) {
	link, err := h.service.OpenDispute(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, "dispute", err)
		return
	}
	metrics.SettlementsTotal.WithLabelValues("dispute", "ok").Inc()
	c.JSON(http.StatusOK, gin.H{"link": link})
}

// ListByMerchant handles GET /v1/merchants/:id/links
func (h *Handler) ListByMerchant(c *gin.Context) {
	links, err := h.service.stores.Links.ListByMerchant(c.Request.Context(), c.Param("id"), listLimit(c))
	if err != nil {
		h.respondError(c, "list", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"links": links, "count": len(links)})
}

// ListByBuyer handles GET /v1/buyers/:id/links
func (h *Handler) ListByBuyer(c *gin.Context) {
	links, err := h.service.stores.Links.ListByBuyer(c.Request.Context(), c.Param("id"), listLimit(c))
	if err != nil {
		h.respondError(c, "list", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"links": links, "count": len(links)})
}

func listLimit(c *gin.Context) int {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}
	return limit
}

// respondError maps domain errors onto the API error envelope.
func (h *Handler) respondError(c *gin.Context, op string, err error) {
	var insufficient *wallet.InsufficientBalanceError
	switch {
	case errors.Is(err, ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "unauthorized", "message": err.Error()})
	case errors.Is(err, peacelink.ErrNotFound), errors.Is(err, wallet.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, peacelink.ErrInvalidStatus), errors.Is(err, peacelink.ErrReassignmentLimit):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_status", "message": err.Error()})
	case errors.Is(err, peacelink.ErrVersionConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": "The link was modified concurrently; retry with fresh state"})
	case errors.Is(err, peacelink.ErrInvalidOTP), errors.Is(err, peacelink.ErrOTPExpired):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_otp", "message": err.Error()})
	case errors.Is(err, peacelink.ErrOTPLocked):
		c.JSON(http.StatusLocked, gin.H{"error": "otp_locked", "message": err.Error()})
	case errors.As(err, &insufficient):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":     "insufficient_balance",
			"message":   err.Error(),
			"available": insufficient.Available,
			"required":  insufficient.Required,
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "operation " + op + " failed"})
	}
}
