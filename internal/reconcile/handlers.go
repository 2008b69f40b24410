package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/distrokit/internal/auth"
	"github.com/mbd888/distrokit/internal/entitlement"
	"github.com/mbd888/distrokit/internal/validation"
)

// Access decides whether an authenticated account may change a tenant's
// subscription.
type Access interface {
	CanManageBilling(ctx context.Context, callerAccountID, tenantID string) (bool, error)
}

// Resyncer runs a full resync pass on demand.
type Resyncer interface {
	RunNow(ctx context.Context) (*RunSummary, error)
}

// Handler provides HTTP endpoints for allowance changes.
type Handler struct {
	rec         *Reconciler
	access      Access
	resync      Resyncer
	adminSecret string
	logger      *slog.Logger
}

// NewHandler creates a reconcile handler. resync may be nil, in which case
// the admin endpoint runs an unscheduled pass directly.
func NewHandler(rec *Reconciler, access Access, resync Resyncer, adminSecret string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{rec: rec, access: access, resync: resync, adminSecret: adminSecret, logger: logger}
}

// RegisterRoutes mounts allowance routes on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/allowance/increase", h.Increase)
	r.POST("/allowance/sync", h.Sync)
	r.POST("/subscriptions", h.Subscribe)
	r.DELETE("/subscriptions/:tenantId", validation.IDParamMiddleware("tenantId"), h.Cancel)
}

// RegisterAdminRoutes mounts operator routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/reconcile", h.RunResync)
}

// Increase handles POST /allowance/increase.
func (h *Handler) Increase(c *gin.Context) {
	var req IncreaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if !h.authorize(c, req.TenantID) {
		return
	}

	res, err := h.rec.RequestIncrease(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type syncRequest struct {
	TenantID string `json:"tenantId"`
}

// Sync handles POST /allowance/sync.
func (h *Handler) Sync(c *gin.Context) {
	var req syncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if !h.authorize(c, req.TenantID) {
		return
	}

	u, err := h.rec.SyncFromExternal(c.Request.Context(), req.TenantID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

// Subscribe handles POST /subscriptions. The plan is admin granted when the
// request carries the admin secret; otherwise it is paid.
func (h *Handler) Subscribe(c *gin.Context) {
	var req SubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	req.AdminGranted = auth.HasAdminSecret(c, h.adminSecret)
	if !req.AdminGranted && !h.authorize(c, req.TenantID) {
		return
	}

	res, err := h.rec.Subscribe(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// Cancel handles DELETE /subscriptions/:tenantId.
func (h *Handler) Cancel(c *gin.Context) {
	tenantID := c.Param("tenantId")
	if !h.authorize(c, tenantID) {
		return
	}

	u, err := h.rec.Cancel(c.Request.Context(), tenantID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

// RunResync handles POST /admin/reconcile.
func (h *Handler) RunResync(c *gin.Context) {
	var (
		sum *RunSummary
		err error
	)
	if h.resync != nil {
		sum, err = h.resync.RunNow(c.Request.Context())
	} else {
		sum, err = h.rec.ResyncAll(c.Request.Context(), 0)
	}
	if err != nil {
		h.logger.Error("admin resync failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Resync failed"})
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (h *Handler) authorize(c *gin.Context, tenantID string) bool {
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "tenantId is required"})
		return false
	}
	caller := auth.GetAuthenticatedAccount(c)
	if caller == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "API key required"})
		return false
	}
	ok, err := h.access.CanManageBilling(c.Request.Context(), caller, tenantID)
	if err != nil {
		h.logger.Error("failed to check billing access", "tenant_id", tenantID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to check access"})
		return false
	}
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Not allowed to manage this tenant's billing"})
		return false
	}
	return true
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrBelowMinimumIncrement):
		c.JSON(http.StatusBadRequest, gin.H{"error": "below_minimum_increment", "message": err.Error()})
	case errors.Is(err, ErrPaymentMethodRequired):
		c.JSON(http.StatusBadRequest, gin.H{"error": "payment_method_required", "message": err.Error()})
	case errors.Is(err, entitlement.ErrInvalidTenant):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case errors.Is(err, ErrNoActiveSubscription):
		c.JSON(http.StatusConflict, gin.H{"error": "no_active_subscription", "message": "Tenant has no active track allowance subscription"})
	case errors.Is(err, ErrSubscriptionExists):
		c.JSON(http.StatusConflict, gin.H{"error": "subscription_exists", "message": err.Error()})
	case errors.Is(err, ErrNoBillingCustomer):
		c.JSON(http.StatusConflict, gin.H{"error": "no_billing_customer", "message": err.Error()})
	case errors.Is(err, ErrBillingRejected):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "billing_rejected", "message": "The billing provider rejected the request"})
	case errors.Is(err, ErrExternalBillingUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":     "billing_unavailable",
			"message":   "Billing provider is temporarily unavailable",
			"retryable": true,
		})
	default:
		h.logger.Error("allowance request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Request failed"})
	}
}
