package webhooks

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/distrokit/internal/auth"
	"github.com/mbd888/distrokit/internal/idgen"
	"github.com/mbd888/distrokit/internal/validation"
)

// maxSubscriptionsPerAccount caps registrations per account.
const maxSubscriptionsPerAccount = 10

// Handler provides HTTP endpoints for notification subscriptions.
type Handler struct {
	store     Store
	validator URLValidator
	logger    *slog.Logger
}

// NewHandler creates a subscription handler. validator checks URLs at
// registration time.
func NewHandler(store Store, validator URLValidator, logger *slog.Logger) *Handler {
	if validator == nil {
		validator = SafeURLValidator(false)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: store, validator: validator, logger: logger}
}

// RegisterRoutes mounts subscription routes on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/notifications/webhooks", h.CreateWebhook)
	r.GET("/notifications/webhooks", h.ListWebhooks)
	r.DELETE("/notifications/webhooks/:webhookId", validation.IDParamMiddleware("webhookId"), h.DeleteWebhook)
}

// CreateWebhookRequest registers an endpoint for the caller's account.
type CreateWebhookRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events" binding:"required"`
}

// CreateWebhook handles POST /notifications/webhooks.
func (h *Handler) CreateWebhook(c *gin.Context) {
	accountID := auth.GetAuthenticatedAccount(c)

	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if len(req.Events) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "at least one event is required"})
		return
	}
	events := make([]EventType, 0, len(req.Events))
	for _, e := range req.Events {
		et := EventType(e)
		if !et.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "unknown event type " + e})
			return
		}
		events = append(events, et)
	}
	if err := h.validator(c.Request.Context(), req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_url", "message": err.Error()})
		return
	}

	existing, err := h.store.ListByAccount(c.Request.Context(), accountID)
	if err != nil {
		h.internalError(c, "list", err)
		return
	}
	if len(existing) >= maxSubscriptionsPerAccount {
		c.JSON(http.StatusConflict, gin.H{"error": "limit_reached", "message": "Too many notification endpoints"})
		return
	}

	secret, err := generateSecret()
	if err != nil {
		h.internalError(c, "secret", err)
		return
	}
	sub := &Subscription{
		ID:        idgen.WithPrefix("wh_"),
		AccountID: accountID,
		URL:       req.URL,
		Secret:    secret,
		Events:    events,
		Active:    true,
		CreatedAt: time.Now(),
	}
	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		h.internalError(c, "create", err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  secret, // only shown once
		"usage": gin.H{
			"signature": "sha256=HMAC-SHA256(body, secret) in hex",
			"header":    HeaderSignature,
		},
	})
}

// ListWebhooks handles GET /notifications/webhooks.
func (h *Handler) ListWebhooks(c *gin.Context) {
	subs, err := h.store.ListByAccount(c.Request.Context(), auth.GetAuthenticatedAccount(c))
	if err != nil {
		h.internalError(c, "list", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": subs, "count": len(subs)})
}

// DeleteWebhook handles DELETE /notifications/webhooks/:webhookId.
func (h *Handler) DeleteWebhook(c *gin.Context) {
	id := c.Param("webhookId")
	sub, err := h.store.Get(c.Request.Context(), id)
	if errors.Is(err, ErrSubscriptionNotFound) || (err == nil && sub.AccountID != auth.GetAuthenticatedAccount(c)) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Webhook not found"})
		return
	}
	if err != nil {
		h.internalError(c, "get", err)
		return
	}

	if err := h.store.Delete(c.Request.Context(), id); err != nil {
		h.internalError(c, "delete", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "message": "Webhook deleted"})
}

func (h *Handler) internalError(c *gin.Context, op string, err error) {
	h.logger.Error("notification webhook request failed", "op", op, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Request failed"})
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
