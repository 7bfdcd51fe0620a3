package admin

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sphpay/peacelink/internal/cashout"
	"github.com/sphpay/peacelink/internal/ledger"
	"github.com/sphpay/peacelink/internal/metrics"
	"github.com/sphpay/peacelink/internal/money"
	"github.com/sphpay/peacelink/internal/peacelink"
	"github.com/sphpay/peacelink/internal/resolution"
	"github.com/sphpay/peacelink/internal/validation"
	"github.com/sphpay/peacelink/internal/wallet"
)

// Handler provides admin HTTP endpoints.
type Handler struct {
	resolutions *resolution.Service
	cashouts    *cashout.Service
	ledger      *ledger.Service
}

// NewHandler creates a new admin handler.
func NewHandler(resolutions *resolution.Service, cashouts *cashout.Service, led *ledger.Service) *Handler {
	return &Handler{resolutions: resolutions, cashouts: cashouts, ledger: led}
}

// RegisterRoutes sets up the admin routes on an already-authenticated
// group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/links/:id/resolve", h.ResolveDispute)
	r.GET("/cashouts/pending", h.ListPendingCashouts)
	r.POST("/cashouts/:id/approve", h.ApproveCashout)
	r.POST("/cashouts/:id/reject", h.RejectCashout)
	r.GET("/ledger/verify", h.VerifyLedger)
	r.GET("/profit", h.Profit)
}

// ResolveDispute handles POST /admin/links/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req struct {
		Outcome      string `json:"outcome" binding:"required"`
		RefundAmount string `json:"refundAmount"`
		Notes        string `json:"notes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "outcome is required",
		})
		return
	}
	notes := validation.SanitizeString(req.Notes, 1000)
	ctx := c.Request.Context()
	id := c.Param("id")

	var (
		link *peacelink.PeaceLink
		err  error
	)
	switch resolution.Outcome(req.Outcome) {
	case resolution.OutcomeReleaseToMerchant:
		link, err = h.resolutions.ReleaseToMerchant(ctx, id, notes)
	case resolution.OutcomeReleaseToBuyer:
		link, err = h.resolutions.ReleaseToBuyer(ctx, id, notes)
	case resolution.OutcomePartialRefund:
		if errs := validation.Validate(
			validation.ValidAmount("refundAmount", req.RefundAmount),
		); len(errs) > 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": errs.Error(),
				"details": errs,
			})
			return
		}
		amount, perr := money.Parse(req.RefundAmount)
		if perr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": perr.Error()})
			return
		}
		link, err = h.resolutions.PartialRefund(ctx, id, amount, notes)
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "outcome must be release_to_merchant, release_to_buyer, or partial_refund",
		})
		return
	}
	if err != nil {
		h.respondError(c, err)
		return
	}
	metrics.SettlementsTotal.WithLabelValues("resolve", "ok").Inc()
	c.JSON(http.StatusOK, gin.H{"link": link})
}

// ListPendingCashouts handles GET /admin/cashouts/pending
func (h *Handler) ListPendingCashouts(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}
	pending, err := h.cashouts.ListPending(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cashouts": pending, "count": len(pending)})
}

// ApproveCashout handles POST /admin/cashouts/:id/approve
func (h *Handler) ApproveCashout(c *gin.Context) {
	co, err := h.cashouts.Approve(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	metrics.CashoutsTotal.WithLabelValues("approved").Inc()
	c.JSON(http.StatusOK, gin.H{"cashout": co})
}

// RejectCashout handles POST /admin/cashouts/:id/reject
func (h *Handler) RejectCashout(c *gin.Context) {
	var req struct {
		Reason string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "reason is required",
		})
		return
	}

	co, err := h.cashouts.Reject(c.Request.Context(), c.Param("id"), validation.SanitizeString(req.Reason, 500))
	if err != nil {
		h.respondError(c, err)
		return
	}
	metrics.CashoutsTotal.WithLabelValues("rejected").Inc()
	c.JSON(http.StatusOK, gin.H{"cashout": co})
}

// VerifyLedger handles GET /admin/ledger/verify. An inconsistency is
// reported, never repaired.
func (h *Handler) VerifyLedger(c *gin.Context) {
	if err := h.ledger.VerifyProfit(c.Request.Context()); err != nil {
		if errors.Is(err, ledger.ErrInconsistent) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "ledger_inconsistent",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"consistent": true})
}

// Profit handles GET /admin/profit
func (h *Handler) Profit(c *gin.Context) {
	balance, err := h.ledger.PlatformProfit(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"profit": money.Format(balance)})
}

func (h *Handler) respondError(c *gin.Context, err error) {
	var insufficient *wallet.InsufficientBalanceError
	switch {
	case errors.Is(err, peacelink.ErrNotFound), errors.Is(err, cashout.ErrNotFound), errors.Is(err, wallet.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, peacelink.ErrInvalidStatus), errors.Is(err, cashout.ErrNotPending):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_status", "message": err.Error()})
	case errors.Is(err, peacelink.ErrVersionConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": "modified concurrently; retry"})
	case errors.As(err, &insufficient):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":     "insufficient_balance",
			"message":   err.Error(),
			"available": insufficient.Available,
			"required":  insufficient.Required,
		})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "resolution_failed", "message": err.Error()})
	}
}
