// Package webhooks delivers outbound notifications to tenant endpoints.
//
// Accounts register HTTPS URLs to receive:
//   - usage.threshold_crossed when consumption reaches 80% or 100%
//   - allowance.increased when a purchase raises the allowance
//   - invitation.accepted when someone joins a label they invited to
//
// Deliveries are fire-and-forget, HMAC-SHA256 signed and bounded by a
// semaphore so a slow receiver cannot pile up goroutines.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mbd888/distrokit/internal/metrics"
	"github.com/mbd888/distrokit/internal/security"
	"github.com/mbd888/distrokit/internal/syncutil"
)

var ErrSubscriptionNotFound = errors.New("webhooks: subscription not found")

// EventType is the type of a notification.
type EventType string

const (
	EventUsageThresholdCrossed EventType = "usage.threshold_crossed"
	EventAllowanceIncreased    EventType = "allowance.increased"
	EventInvitationAccepted    EventType = "invitation.accepted"
)

// AllEventTypes lists every event a subscription may select.
var AllEventTypes = []EventType{
	EventUsageThresholdCrossed,
	EventAllowanceIncreased,
	EventInvitationAccepted,
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	for _, known := range AllEventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Header names set on every delivery.
const (
	HeaderEvent     = "X-Distrokit-Event"
	HeaderTimestamp = "X-Distrokit-Timestamp"
	HeaderSignature = "X-Distrokit-Signature"
)

const (
	// MaxConsecutiveFailures disables a subscription after this many failed
	// deliveries in a row.
	MaxConsecutiveFailures = 10

	defaultMaxInFlight = 64
	deliveryTimeout    = 10 * time.Second
)

// Event is one notification payload.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	AccountID string    `json:"accountId"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Subscription is an account's registered endpoint.
type Subscription struct {
	ID                  string      `json:"id"`
	AccountID           string      `json:"accountId"`
	URL                 string      `json:"url"`
	Secret              string      `json:"-"`
	Events              []EventType `json:"events"`
	Active              bool        `json:"active"`
	CreatedAt           time.Time   `json:"createdAt"`
	LastSuccess         *time.Time  `json:"lastSuccess,omitempty"`
	LastError           string      `json:"lastError,omitempty"`
	ConsecutiveFailures int         `json:"consecutiveFailures"`
}

// Wants reports whether the subscription selected eventType.
func (s *Subscription) Wants(eventType EventType) bool {
	for _, et := range s.Events {
		if et == eventType {
			return true
		}
	}
	return false
}

// Store persists notification subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	ListByAccount(ctx context.Context, accountID string) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// URLValidator rejects callback URLs the server must not call.
type URLValidator func(ctx context.Context, rawURL string) error

// SafeURLValidator blocks private, loopback and link-local targets.
func SafeURLValidator(allowHTTP bool) URLValidator {
	return func(ctx context.Context, rawURL string) error {
		return security.ValidateCallbackURL(ctx, nil, rawURL, allowHTTP)
	}
}

// Dispatcher sends events to subscribed endpoints.
type Dispatcher struct {
	store        Store
	client       *http.Client
	sem          *semaphore.Weighted
	urlValidator URLValidator
	logger       *slog.Logger
	bookkeeping  *syncutil.KeyedMutex
	wg           sync.WaitGroup
	now          func() time.Time
}

// NewDispatcher creates a dispatcher with at most maxInFlight concurrent
// deliveries. Events beyond that are dropped and counted.
func NewDispatcher(store Store, maxInFlight int64, logger *slog.Logger) *Dispatcher {
	if maxInFlight <= 0 {
		maxInFlight = defaultMaxInFlight
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:        store,
		client:       &http.Client{Timeout: deliveryTimeout},
		sem:          semaphore.NewWeighted(maxInFlight),
		urlValidator: SafeURLValidator(false),
		logger:       logger,
		bookkeeping:  syncutil.NewKeyedMutex(0),
		now:          time.Now,
	}
}

// WithURLValidator replaces the delivery-time URL check.
func (d *Dispatcher) WithURLValidator(v URLValidator) *Dispatcher {
	d.urlValidator = v
	return d
}

// DispatchToAccount sends event to every active subscription of accountID
// that selected its type. It returns once deliveries are scheduled.
func (d *Dispatcher) DispatchToAccount(ctx context.Context, accountID string, event *Event) error {
	subs, err := d.store.ListByAccount(ctx, accountID)
	if err != nil {
		return fmt.Errorf("failed to list subscriptions: %w", err)
	}

	for _, sub := range subs {
		if !sub.Active || !sub.Wants(event.Type) {
			continue
		}
		if !d.sem.TryAcquire(1) {
			metrics.NotificationDeliveriesTotal.WithLabelValues("dropped").Inc()
			d.logger.Warn("notification dropped, too many in flight",
				"subscription_id", sub.ID, "event", event.Type)
			continue
		}
		d.wg.Add(1)
		go func(sub *Subscription) {
			defer d.wg.Done()
			defer d.sem.Release(1)
			d.send(context.WithoutCancel(ctx), sub, event)
		}(sub)
	}
	return nil
}

// Wait blocks until scheduled deliveries finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, event *Event) {
	ctx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()

	// Re-checked at delivery time: DNS may have changed since registration.
	if err := d.urlValidator(ctx, sub.URL); err != nil {
		d.recordFailure(ctx, sub, "blocked", err.Error())
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		d.recordFailure(ctx, sub, "error", "failed to marshal event")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		d.recordFailure(ctx, sub, "error", "failed to create request")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(event.Type))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(event.Timestamp.Unix(), 10))
	if sub.Secret != "" {
		req.Header.Set(HeaderSignature, "sha256="+Sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.recordFailure(ctx, sub, "error", fmt.Sprintf("request failed: %v", err))
		return
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		d.recordFailure(ctx, sub, "rejected", fmt.Sprintf("status %d", resp.StatusCode))
		return
	}
	d.recordSuccess(ctx, sub)
}

// Sign returns the hex HMAC-SHA256 of payload keyed by secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) recordSuccess(ctx context.Context, sub *Subscription) {
	metrics.NotificationDeliveriesTotal.WithLabelValues("ok").Inc()
	d.updateDelivery(ctx, sub.ID, func(current *Subscription) bool {
		// Disabled while this delivery was in flight: stays disabled.
		if !current.Active {
			return false
		}
		now := d.now()
		current.LastSuccess = &now
		current.LastError = ""
		current.ConsecutiveFailures = 0
		return true
	})
}

func (d *Dispatcher) recordFailure(ctx context.Context, sub *Subscription, result, msg string) {
	metrics.NotificationDeliveriesTotal.WithLabelValues(result).Inc()
	d.updateDelivery(ctx, sub.ID, func(current *Subscription) bool {
		current.LastError = msg
		current.ConsecutiveFailures++
		if current.Active && current.ConsecutiveFailures >= MaxConsecutiveFailures {
			current.Active = false
			d.logger.Warn("notification subscription disabled",
				"subscription_id", current.ID, "account_id", current.AccountID, "failures", current.ConsecutiveFailures)
		}
		return true
	})
}

// updateDelivery reloads the subscription and applies fn under a
// per-subscription lock, so concurrent deliveries to the same endpoint
// count up and never write back a stale copy. fn returns false to skip the
// write.
func (d *Dispatcher) updateDelivery(ctx context.Context, id string, fn func(current *Subscription) bool) {
	unlock, err := d.bookkeeping.Lock(ctx, id)
	if err != nil {
		d.logger.Warn("failed to record delivery outcome", "subscription_id", id, "error", err)
		return
	}
	defer unlock()

	current, err := d.store.Get(ctx, id)
	if err != nil {
		// Deleted while the delivery was in flight.
		if !errors.Is(err, ErrSubscriptionNotFound) {
			d.logger.Warn("failed to reload subscription", "subscription_id", id, "error", err)
		}
		return
	}
	if !fn(current) {
		return
	}
	if err := d.store.Update(ctx, current); err != nil {
		d.logger.Warn("failed to record delivery outcome", "subscription_id", id, "error", err)
	}
}
