package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/distrokit/internal/logging"
	"github.com/mbd888/distrokit/internal/metrics"
)

const webhookBodyLimit = 1 << 20

// CustomerSyncer re-reads provider state for a customer and applies it.
// The reconciler implements it.
type CustomerSyncer interface {
	SyncCustomer(ctx context.Context, customerRef string) error
}

// WebhookHandler receives signed provider events. Every handled event
// triggers a full pull of the customer's subscriptions, so redelivery and
// reordering are harmless.
type WebhookHandler struct {
	secret string
	syncer CustomerSyncer
	logger *slog.Logger
}

// NewWebhookHandler creates the provider callback handler.
func NewWebhookHandler(secret string, syncer CustomerSyncer, logger *slog.Logger) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{secret: secret, syncer: syncer, logger: logger}
}

// RegisterRoutes mounts POST /webhooks/billing.
func (h *WebhookHandler) RegisterRoutes(r gin.IRouter) {
	r.POST("/webhooks/billing", h.Handle)
}

// Handle verifies the signature before reading anything out of the payload.
func (h *WebhookHandler) Handle(c *gin.Context) {
	if strings.TrimSpace(h.secret) == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "webhook_not_configured",
			"message": "Billing webhook secret is not configured",
		})
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, webhookBodyLimit)
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_body",
			"message": "Failed to read request body",
		})
		return
	}

	event, err := h.verify(payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		logging.L(c.Request.Context()).Warn("billing webhook rejected",
			"error", err, "client_ip", c.ClientIP())
		metrics.BillingEventsTotal.WithLabelValues("unknown", "bad_signature").Inc()
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "signature_verification_failed",
			"message": "Invalid or missing signature",
		})
		return
	}

	eventType := string(event.Type)
	handled, err := h.dispatch(c.Request.Context(), &event)
	if err != nil {
		logging.L(c.Request.Context()).Error("billing webhook processing failed",
			"event_id", event.ID, "type", eventType, "error", err)
		metrics.BillingEventsTotal.WithLabelValues(eventType, "error").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "processing_failed",
			"message": "Event could not be processed",
		})
		return
	}

	result := "ignored"
	if handled {
		result = "processed"
	}
	metrics.BillingEventsTotal.WithLabelValues(eventType, result).Inc()
	c.JSON(http.StatusOK, gin.H{"received": true})
}

func (h *WebhookHandler) verify(payload []byte, header string) (stripe.Event, error) {
	if strings.TrimSpace(header) == "" {
		return stripe.Event{}, fmt.Errorf("%w: missing signature header", ErrSignatureVerificationFailed)
	}
	event, err := webhook.ConstructEventWithOptions(payload, header, h.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", ErrSignatureVerificationFailed, err)
	}
	return event, nil
}

func (h *WebhookHandler) dispatch(ctx context.Context, event *stripe.Event) (bool, error) {
	var customerRef string

	switch event.Type {
	case "customer.subscription.created",
		"customer.subscription.updated",
		"customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return false, fmt.Errorf("decode subscription: %w", err)
		}
		if sub.Customer != nil {
			customerRef = sub.Customer.ID
		}

	case "invoice.paid":
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return false, fmt.Errorf("decode invoice: %w", err)
		}
		if inv.Customer != nil {
			customerRef = inv.Customer.ID
		}

	default:
		h.logger.Debug("billing webhook ignored", "type", string(event.Type), "event_id", event.ID)
		return false, nil
	}

	if customerRef == "" {
		h.logger.Warn("billing webhook without customer", "type", string(event.Type), "event_id", event.ID)
		return false, nil
	}
	if err := h.syncer.SyncCustomer(ctx, customerRef); err != nil {
		return false, err
	}
	return true, nil
}
