package entitlement

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/distrokit/internal/auth"
	"github.com/mbd888/distrokit/internal/validation"
)

// Access decides whether an authenticated account may read or consume a
// tenant's allowance.
type Access interface {
	CanUseAllowance(ctx context.Context, callerAccountID, tenantID string) (bool, error)
}

// Handler provides HTTP endpoints for allowance consumption.
type Handler struct {
	ledger *Ledger
	access Access
	logger *slog.Logger
}

// NewHandler creates an entitlement handler.
func NewHandler(ledger *Ledger, access Access, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{ledger: ledger, access: access, logger: logger}
}

// RegisterRoutes mounts allowance routes on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/allowance/consume", h.Consume)
	r.GET("/allowance/:tenantId", validation.IDParamMiddleware("tenantId"), h.GetPlan)
}

// ConsumeRequest records tracks submitted for release. Consumption always
// draws on the current month; PeriodKey, when sent, must name it.
type ConsumeRequest struct {
	TenantID   string `json:"tenantId"`
	TrackCount int    `json:"trackCount"`
	PeriodKey  string `json:"periodKey,omitempty"`
}

// ConsumeResponse is the counter state after a successful consume.
type ConsumeResponse struct {
	TenantID        string `json:"tenantId"`
	PeriodKey       string `json:"periodKey"`
	TracksUsed      int    `json:"tracksUsed"`
	TracksRemaining int    `json:"tracksRemaining"`
}

// Consume handles POST /allowance/consume.
func (h *Handler) Consume(c *gin.Context) {
	var req ConsumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if !h.authorize(c, req.TenantID) {
		return
	}
	current := h.ledger.CurrentPeriod()
	if req.PeriodKey != "" && req.PeriodKey != current {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "periodKey must be the current month " + current})
		return
	}

	u, err := h.ledger.Consume(c.Request.Context(), req.TenantID, current, req.TrackCount)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ConsumeResponse{
		TenantID:        u.TenantID,
		PeriodKey:       u.PeriodKey,
		TracksUsed:      u.TracksUsed,
		TracksRemaining: u.Remaining(),
	})
}

// GetPlan handles GET /allowance/:tenantId?period=YYYY-MM.
func (h *Handler) GetPlan(c *gin.Context) {
	tenantID := c.Param("tenantId")
	if !h.authorize(c, tenantID) {
		return
	}
	period := c.DefaultQuery("period", h.ledger.CurrentPeriod())

	plan, err := h.ledger.Plan(c.Request.Context(), tenantID, period)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, plan)
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
	ok, err := h.access.CanUseAllowance(c.Request.Context(), caller, tenantID)
	if err != nil {
		h.logger.Error("failed to check allowance access", "tenant_id", tenantID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to check access"})
		return false
	}
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Not allowed to use this tenant's allowance"})
		return false
	}
	return true
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInsufficientAllowance):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient_allowance", "message": err.Error()})
	case errors.Is(err, ErrInvalidTrackCount), errors.Is(err, ErrInvalidPeriod), errors.Is(err, ErrInvalidTenant):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	default:
		h.logger.Error("allowance request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Request failed"})
	}
}
