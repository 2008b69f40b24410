package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/mbd888/distrokit/internal/circuitbreaker"
)

// Circuit breaker keys. Reads and writes trip independently.
const (
	BreakerKeyRead  = "billing.read"
	BreakerKeyWrite = "billing.write"
)

// StripeConfig configures a StripeProvider.
type StripeConfig struct {
	SecretKey string
	ProductID string // product that per-track prices are created under

	// Backend overrides the API backend. Tests point it at an httptest server.
	Backend stripe.Backend
	Breaker *circuitbreaker.Breaker
	Logger  *slog.Logger
}

// StripeProvider implements Provider on the Stripe API.
type StripeProvider struct {
	api       *client.API
	productID string
	breaker   *circuitbreaker.Breaker
	logger    *slog.Logger
}

var _ Provider = (*StripeProvider)(nil)

// NewStripeProvider creates a Stripe-backed provider.
func NewStripeProvider(cfg StripeConfig) *StripeProvider {
	var backends *stripe.Backends
	if cfg.Backend != nil {
		backends = &stripe.Backends{API: cfg.Backend, Connect: cfg.Backend, Uploads: cfg.Backend}
	}
	api := &client.API{}
	api.Init(cfg.SecretKey, backends)

	if cfg.Breaker == nil {
		cfg.Breaker = circuitbreaker.New(5, 0)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &StripeProvider{
		api:       api,
		productID: cfg.ProductID,
		breaker:   cfg.Breaker,
		logger:    cfg.Logger,
	}
}

// Breaker exposes the circuit breaker for health checks.
func (p *StripeProvider) Breaker() *circuitbreaker.Breaker {
	return p.breaker
}

func (p *StripeProvider) ListActiveSubscriptions(ctx context.Context, customerRef string) ([]Subscription, error) {
	var out []Subscription
	err := p.call(BreakerKeyRead, "list_subscriptions", func() error {
		params := &stripe.SubscriptionListParams{
			Customer: stripe.String(customerRef),
			Status:   stripe.String(string(stripe.SubscriptionStatusActive)),
		}
		params.Context = ctx

		out = out[:0]
		it := p.api.Subscriptions.List(params)
		for it.Next() {
			out = append(out, fromStripe(it.Subscription()))
		}
		return it.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *StripeProvider) CreateSubscription(ctx context.Context, cp CreateParams) (*Subscription, error) {
	var sub *stripe.Subscription
	err := p.call(BreakerKeyWrite, "create_subscription", func() error {
		price, err := p.newPrice(ctx, cp.UnitAmountCents)
		if err != nil {
			return err
		}

		params := &stripe.SubscriptionParams{
			Customer: stripe.String(cp.CustomerRef),
			Items: []*stripe.SubscriptionItemsParams{{
				Price:    stripe.String(price.ID),
				Quantity: stripe.Int64(cp.Quantity),
			}},
			Metadata: cp.Metadata,
		}
		if cp.PaymentMethodRef != "" {
			params.DefaultPaymentMethod = stripe.String(cp.PaymentMethodRef)
		}
		params.Context = ctx

		sub, err = p.api.Subscriptions.New(params)
		return err
	})
	if err != nil {
		return nil, err
	}
	s := fromStripe(sub)
	return &s, nil
}

func (p *StripeProvider) UpdateSubscriptionItem(ctx context.Context, u ItemUpdate) (*Subscription, error) {
	var sub *stripe.Subscription
	err := p.call(BreakerKeyWrite, "update_subscription_item", func() error {
		price, err := p.newPrice(ctx, u.UnitAmountCents)
		if err != nil {
			return err
		}

		params := &stripe.SubscriptionParams{
			Items: []*stripe.SubscriptionItemsParams{{
				ID:       stripe.String(u.ItemID),
				Price:    stripe.String(price.ID),
				Quantity: stripe.Int64(u.Quantity),
			}},
			ProrationBehavior: stripe.String("create_prorations"),
			Metadata:          u.Metadata,
		}
		if u.PaymentMethodRef != "" {
			params.DefaultPaymentMethod = stripe.String(u.PaymentMethodRef)
		}
		params.Context = ctx

		sub, err = p.api.Subscriptions.Update(u.SubscriptionID, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	s := fromStripe(sub)
	return &s, nil
}

func (p *StripeProvider) UpdateSubscriptionMetadata(ctx context.Context, subscriptionID string, metadata map[string]string) (*Subscription, error) {
	var sub *stripe.Subscription
	err := p.call(BreakerKeyWrite, "update_subscription_metadata", func() error {
		params := &stripe.SubscriptionParams{Metadata: metadata}
		params.Context = ctx

		var err error
		sub, err = p.api.Subscriptions.Update(subscriptionID, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	s := fromStripe(sub)
	return &s, nil
}

func (p *StripeProvider) CancelSubscription(ctx context.Context, subscriptionID string) error {
	return p.call(BreakerKeyWrite, "cancel_subscription", func() error {
		params := &stripe.SubscriptionCancelParams{}
		params.Context = ctx
		_, err := p.api.Subscriptions.Cancel(subscriptionID, params)
		return err
	})
}

func (p *StripeProvider) newPrice(ctx context.Context, unitAmount int64) (*stripe.Price, error) {
	params := &stripe.PriceParams{
		Currency:   stripe.String(string(stripe.CurrencyUSD)),
		Product:    stripe.String(p.productID),
		UnitAmount: stripe.Int64(unitAmount),
		Recurring: &stripe.PriceRecurringParams{
			Interval: stripe.String(string(stripe.PriceRecurringIntervalMonth)),
		},
	}
	params.Context = ctx
	return p.api.Prices.New(params)
}

// call runs fn behind the breaker and maps whatever it returns onto the
// package's sentinel errors.
func (p *StripeProvider) call(key, op string, fn func() error) error {
	err := p.breaker.Execute(key, func() error {
		return classify(fn())
	}, func(err error) bool {
		return errors.Is(err, ErrUnavailable)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, circuitbreaker.ErrOpen):
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
	default:
		p.logger.Warn("billing provider call failed", "op", op, "error", err)
		return fmt.Errorf("%s: %w", op, err)
	}
}

// classify maps a Stripe client error to ErrUnavailable, ErrNotFound or
// ErrRejected. Anything that is not an API error response (timeouts,
// connection resets, cancelled contexts) counts as unavailable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var se *stripe.Error
	if !errors.As(err, &se) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	switch {
	case se.HTTPStatusCode >= 500, se.HTTPStatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrUnavailable, se.Msg)
	case se.HTTPStatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, se.Msg)
	default:
		return fmt.Errorf("%w: %s (%s)", ErrRejected, se.Msg, se.Code)
	}
}

func fromStripe(s *stripe.Subscription) Subscription {
	out := Subscription{
		ID:       s.ID,
		Status:   string(s.Status),
		Metadata: cloneMetadata(s.Metadata),
	}
	if s.Customer != nil {
		out.CustomerRef = s.Customer.ID
	}
	if s.Items != nil {
		for _, it := range s.Items.Data {
			item := Item{ID: it.ID, Quantity: it.Quantity}
			if it.Price != nil {
				item.PriceRef = it.Price.ID
				item.UnitAmount = it.Price.UnitAmount
			}
			out.Items = append(out.Items, item)
		}
	}
	return out
}
