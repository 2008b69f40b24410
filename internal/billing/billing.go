// Package billing is the boundary to the external subscription provider.
//
// The provider is the source of truth for how many tracks a tenant has
// bought. This package exposes a narrow read/write surface over it
// (Provider), a Stripe implementation, an in-process implementation for
// development, and the signed webhook endpoint the provider calls back on.
// It never interprets subscription metadata; that is the reconciler's job.
package billing

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable covers timeouts, network failures, 5xx and 429
	// responses, and an open circuit. Callers may retry.
	ErrUnavailable = errors.New("billing: provider unavailable")
	// ErrRejected means the provider refused the request (bad payment
	// method, invalid parameters). Retrying will not help.
	ErrRejected = errors.New("billing: request rejected by provider")
	// ErrNotFound means the referenced subscription does not exist.
	ErrNotFound = errors.New("billing: subscription not found")
	// ErrSignatureVerificationFailed is returned for webhook payloads whose
	// signature does not match the shared secret.
	ErrSignatureVerificationFailed = errors.New("billing: signature verification failed")
)

// Subscription statuses the service cares about.
const (
	StatusActive   = "active"
	StatusCanceled = "canceled"
)

// Item is one line of a subscription: a price and a quantity.
type Item struct {
	ID         string `json:"id"`
	PriceRef   string `json:"priceRef"`
	UnitAmount int64  `json:"unitAmount"` // cents
	Quantity   int64  `json:"quantity"`
}

// Subscription is a read-only view of the provider's subscription object.
type Subscription struct {
	ID          string            `json:"id"`
	CustomerRef string            `json:"customerRef"`
	Status      string            `json:"status"`
	Metadata    map[string]string `json:"metadata"`
	Items       []Item            `json:"items"`
}

// PrimaryItem returns the first item. Track allowance subscriptions carry
// exactly one.
func (s *Subscription) PrimaryItem() (Item, bool) {
	if s == nil || len(s.Items) == 0 {
		return Item{}, false
	}
	return s.Items[0], true
}

// CreateParams describes a new single-item monthly subscription.
type CreateParams struct {
	CustomerRef      string
	UnitAmountCents  int64
	Quantity         int64
	PaymentMethodRef string // empty for zero-priced (admin granted) plans
	Metadata         map[string]string
}

// ItemUpdate re-prices a subscription's item. The provider prorates the
// difference for the current cycle.
type ItemUpdate struct {
	SubscriptionID   string
	ItemID           string
	UnitAmountCents  int64
	Quantity         int64
	PaymentMethodRef string
	Metadata         map[string]string // merged into the subscription's metadata when non-nil
}

// Provider is the subscription provider surface used by the reconciler.
type Provider interface {
	ListActiveSubscriptions(ctx context.Context, customerRef string) ([]Subscription, error)
	CreateSubscription(ctx context.Context, p CreateParams) (*Subscription, error)
	UpdateSubscriptionItem(ctx context.Context, u ItemUpdate) (*Subscription, error)
	UpdateSubscriptionMetadata(ctx context.Context, subscriptionID string, metadata map[string]string) (*Subscription, error)
	CancelSubscription(ctx context.Context, subscriptionID string) error
}

func cloneMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
