// Package reconcile keeps the local track allowance equal to what the billing
// provider says the tenant has bought, and drives provider-side changes.
//
// The provider is authoritative. Every change is written to the provider
// first and to the ledger second; a ledger failure after a provider success
// is logged and counted as a gap, which the next sync (webhook, request or
// scheduled resync) heals because a sync is a pure upsert of provider state.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/distrokit/internal/billing"
	"github.com/mbd888/distrokit/internal/entitlement"
	"github.com/mbd888/distrokit/internal/pricing"
	"github.com/mbd888/distrokit/internal/retry"
	"github.com/mbd888/distrokit/internal/syncutil"
	"github.com/mbd888/distrokit/internal/traces"
)

var (
	ErrBelowMinimumIncrement      = fmt.Errorf("reconcile: allowance changes must be at least %d tracks", pricing.MinimumIncrement)
	ErrNoActiveSubscription       = errors.New("reconcile: no active track allowance subscription")
	ErrPaymentMethodRequired      = errors.New("reconcile: payment method required for a paid allowance")
	ErrSubscriptionExists         = errors.New("reconcile: track allowance subscription already exists")
	ErrExternalBillingUnavailable = errors.New("reconcile: billing provider unavailable")
	ErrBillingRejected            = errors.New("reconcile: billing provider rejected the request")
	ErrNoBillingCustomer          = errors.New("reconcile: tenant has no billing customer")
)

// Ledger is the part of entitlement.Ledger the reconciler writes to.
type Ledger interface {
	CurrentPeriod() string
	GetUsage(ctx context.Context, tenantID, periodKey string) (*entitlement.UsagePeriod, error)
	SetAllowed(ctx context.Context, tenantID, periodKey string, a entitlement.Allowance) (*entitlement.UsagePeriod, error)
}

// CustomerDirectory maps tenants to billing customers and back.
type CustomerDirectory interface {
	// CustomerRef returns the tenant's billing customer, or "" if it has none.
	CustomerRef(ctx context.Context, tenantID string) (string, error)
	// TenantByCustomer returns the tenant billed to customerRef, or "".
	TenantByCustomer(ctx context.Context, customerRef string) (string, error)
	// TenantsWithCustomer lists every tenant that has a billing customer.
	TenantsWithCustomer(ctx context.Context) ([]string, error)
}

// AllowanceEvent describes a completed allowance increase.
type AllowanceEvent struct {
	TenantID           string    `json:"tenantId"`
	PeriodKey          string    `json:"periodKey"`
	PreviousTotal      int       `json:"previousTotal"`
	NewTotal           int       `json:"newTotal"`
	PerTrackCents      int64     `json:"perTrackCents"`
	MonthlyAmountCents int64     `json:"monthlyAmountCents"`
	AdminGranted       bool      `json:"adminGranted"`
	At                 time.Time `json:"at"`
}

// Notifier receives allowance events. Implementations must not block.
type Notifier interface {
	AllowanceIncreased(ctx context.Context, event AllowanceEvent)
}

// IncreaseRequest asks for AdditionalTracks on top of the current allowance.
type IncreaseRequest struct {
	TenantID         string `json:"tenantId"`
	AdditionalTracks int    `json:"additionalTracks"`
	PaymentMethodRef string `json:"paymentMethodRef,omitempty"`
}

// IncreaseResult is the re-priced allowance after an increase.
type IncreaseResult struct {
	TenantID             string `json:"tenantId"`
	PreviousTotal        int    `json:"previousTotal"`
	NewTotal             int    `json:"newTotal"`
	PerTrackCents        int64  `json:"perTrackCents"`
	MonthlyAmount        int64  `json:"monthlyAmount"`
	MonthlyAmountDisplay string `json:"monthlyAmountDisplay"`
	AdminGranted         bool   `json:"adminGranted"`
	SubscriptionRef      string `json:"subscriptionRef"`
}

// SubscribeRequest creates a tenant's first track allowance subscription.
type SubscribeRequest struct {
	TenantID         string `json:"tenantId"`
	TracksAllowed    int    `json:"tracksAllowed"`
	PaymentMethodRef string `json:"paymentMethodRef,omitempty"`
	AdminGranted     bool   `json:"adminGranted"`
}

// SubscribeResult is the plan created by Subscribe.
type SubscribeResult struct {
	TenantID             string `json:"tenantId"`
	SubscriptionRef      string `json:"subscriptionRef"`
	TracksAllowed        int    `json:"tracksAllowed"`
	PerTrackCents        int64  `json:"perTrackCents"`
	MonthlyAmount        int64  `json:"monthlyAmount"`
	MonthlyAmountDisplay string `json:"monthlyAmountDisplay"`
	AdminGranted         bool   `json:"adminGranted"`
}

// Config tunes provider calls.
type Config struct {
	Timeout      time.Duration // per provider call
	ReadAttempts int           // total attempts for list calls
	ReadBackoff  time.Duration // first backoff between list attempts
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:      5 * time.Second,
		ReadAttempts: 3,
		ReadBackoff:  200 * time.Millisecond,
	}
}

// Reconciler synchronizes allowances with the billing provider.
type Reconciler struct {
	provider  billing.Provider
	ledger    Ledger
	directory CustomerDirectory
	notifier  Notifier
	cfg       Config
	locks     *syncutil.KeyedMutex
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a reconciler. Zero fields in cfg take their defaults.
func New(provider billing.Provider, ledger Ledger, directory CustomerDirectory, cfg Config) *Reconciler {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.ReadAttempts <= 0 {
		cfg.ReadAttempts = def.ReadAttempts
	}
	if cfg.ReadBackoff <= 0 {
		cfg.ReadBackoff = def.ReadBackoff
	}
	return &Reconciler{
		provider:  provider,
		ledger:    ledger,
		directory: directory,
		cfg:       cfg,
		locks:     syncutil.NewKeyedMutex(0),
		logger:    slog.Default(),
		now:       time.Now,
	}
}

// WithNotifier sets the receiver of allowance events.
func (r *Reconciler) WithNotifier(n Notifier) *Reconciler {
	r.notifier = n
	return r
}

// WithLogger sets the reconciler's logger.
func (r *Reconciler) WithLogger(logger *slog.Logger) *Reconciler {
	if logger != nil {
		r.logger = logger
	}
	return r
}

// SyncFromExternal sets the tenant's current-period allowance to what the
// provider reports. A tenant without a track allowance subscription syncs to
// zero. Running it twice is a no-op.
func (r *Reconciler) SyncFromExternal(ctx context.Context, tenantID string) (*entitlement.UsagePeriod, error) {
	if tenantID == "" {
		return nil, entitlement.ErrInvalidTenant
	}
	ctx, span := traces.StartSpan(ctx, "reconcile.SyncFromExternal", traces.TenantID(tenantID))
	defer span.End()

	unlock, err := r.locks.Lock(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	u, err := r.syncLocked(ctx, tenantID)
	if err != nil {
		syncsTotal.WithLabelValues("error").Inc()
		traces.RecordError(span, err)
		return nil, err
	}
	syncsTotal.WithLabelValues("ok").Inc()
	return u, nil
}

// SyncCustomer is the webhook entry point. Events for customers that map to
// no tenant are logged and acknowledged.
func (r *Reconciler) SyncCustomer(ctx context.Context, customerRef string) error {
	tenantID, err := r.directory.TenantByCustomer(ctx, customerRef)
	if err != nil {
		return fmt.Errorf("failed to resolve billing customer: %w", err)
	}
	if tenantID == "" {
		r.logger.Warn("billing event for unknown customer", "customer_ref", customerRef)
		syncsTotal.WithLabelValues("unknown_customer").Inc()
		return nil
	}
	_, err = r.SyncFromExternal(ctx, tenantID)
	return err
}

func (r *Reconciler) syncLocked(ctx context.Context, tenantID string) (*entitlement.UsagePeriod, error) {
	period := r.ledger.CurrentPeriod()

	customerRef, err := r.directory.CustomerRef(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve billing customer: %w", err)
	}

	allowance := entitlement.Allowance{}
	if customerRef != "" {
		subs, err := r.listActive(ctx, customerRef)
		if err != nil {
			return nil, err
		}
		if sub, purpose, ok := r.pickTrackAllowance(tenantID, subs); ok {
			allowance = entitlement.Allowance{
				TracksAllowed:   purpose.TracksAllowed,
				SubscriptionRef: sub.ID,
				AdminGranted:    purpose.AdminGranted,
			}
		}
	}

	u, err := r.ledger.SetAllowed(ctx, tenantID, period, allowance)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("allowance synced",
		"tenant_id", tenantID,
		"period", period,
		"tracks_allowed", allowance.TracksAllowed,
		"subscription_ref", allowance.SubscriptionRef,
	)
	return u, nil
}

// RequestIncrease adds tracks to the tenant's allowance and re-prices the
// whole allowance at the tier the new total falls in.
func (r *Reconciler) RequestIncrease(ctx context.Context, req IncreaseRequest) (*IncreaseResult, error) {
	if req.TenantID == "" {
		return nil, entitlement.ErrInvalidTenant
	}
	if req.AdditionalTracks < pricing.MinimumIncrement {
		return nil, ErrBelowMinimumIncrement
	}

	ctx, span := traces.StartSpan(ctx, "reconcile.RequestIncrease",
		traces.TenantID(req.TenantID), traces.Tracks(req.AdditionalTracks))
	defer span.End()

	unlock, err := r.locks.Lock(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sub, current, err := r.currentAllowance(ctx, req.TenantID)
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}

	next := TrackAllowance{
		TracksAllowed: current.TracksAllowed + req.AdditionalTracks,
		AdminGranted:  current.AdminGranted,
	}
	quote := pricing.QuoteFor(next.TracksAllowed)
	kind := "paid"
	if next.AdminGranted {
		kind = "admin_granted"
	}

	if next.AdminGranted {
		err = r.write(ctx, func(ctx context.Context) error {
			_, err := r.provider.UpdateSubscriptionMetadata(ctx, sub.ID, next.Metadata())
			return err
		})
	} else {
		if req.PaymentMethodRef == "" {
			return nil, ErrPaymentMethodRequired
		}
		item, ok := sub.PrimaryItem()
		if !ok {
			return nil, fmt.Errorf("%w: subscription %s has no items", ErrNoActiveSubscription, sub.ID)
		}
		err = r.write(ctx, func(ctx context.Context) error {
			_, err := r.provider.UpdateSubscriptionItem(ctx, billing.ItemUpdate{
				SubscriptionID:   sub.ID,
				ItemID:           item.ID,
				UnitAmountCents:  quote.PerTrackCents,
				Quantity:         int64(next.TracksAllowed),
				PaymentMethodRef: req.PaymentMethodRef,
				Metadata:         next.Metadata(),
			})
			return err
		})
	}
	if err != nil {
		changesTotal.WithLabelValues("increase_"+kind, "error").Inc()
		traces.RecordError(span, err)
		return nil, err
	}
	changesTotal.WithLabelValues("increase_"+kind, "ok").Inc()

	period := r.ledger.CurrentPeriod()
	r.applyAllowance(ctx, "increase", req.TenantID, period, entitlement.Allowance{
		TracksAllowed:   next.TracksAllowed,
		SubscriptionRef: sub.ID,
		AdminGranted:    next.AdminGranted,
	})

	r.logger.Info("allowance increased",
		"tenant_id", req.TenantID,
		"previous_total", current.TracksAllowed,
		"new_total", next.TracksAllowed,
		"per_track_cents", quote.PerTrackCents,
		"admin_granted", next.AdminGranted,
	)
	if r.notifier != nil {
		r.notifier.AllowanceIncreased(ctx, AllowanceEvent{
			TenantID:           req.TenantID,
			PeriodKey:          period,
			PreviousTotal:      current.TracksAllowed,
			NewTotal:           next.TracksAllowed,
			PerTrackCents:      quote.PerTrackCents,
			MonthlyAmountCents: quote.MonthlyAmountCents,
			AdminGranted:       next.AdminGranted,
			At:                 r.now(),
		})
	}

	return &IncreaseResult{
		TenantID:             req.TenantID,
		PreviousTotal:        current.TracksAllowed,
		NewTotal:             next.TracksAllowed,
		PerTrackCents:        quote.PerTrackCents,
		MonthlyAmount:        quote.MonthlyAmountCents,
		MonthlyAmountDisplay: quote.Display(),
		AdminGranted:         next.AdminGranted,
		SubscriptionRef:      sub.ID,
	}, nil
}

// Subscribe creates the tenant's track allowance subscription. Admin
// granted plans are zero-priced and need no payment method.
func (r *Reconciler) Subscribe(ctx context.Context, req SubscribeRequest) (*SubscribeResult, error) {
	if req.TenantID == "" {
		return nil, entitlement.ErrInvalidTenant
	}
	if req.TracksAllowed < pricing.MinimumIncrement {
		return nil, ErrBelowMinimumIncrement
	}
	if !req.AdminGranted && req.PaymentMethodRef == "" {
		return nil, ErrPaymentMethodRequired
	}

	ctx, span := traces.StartSpan(ctx, "reconcile.Subscribe",
		traces.TenantID(req.TenantID), traces.Tracks(req.TracksAllowed))
	defer span.End()

	unlock, err := r.locks.Lock(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	customerRef, err := r.directory.CustomerRef(ctx, req.TenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve billing customer: %w", err)
	}
	if customerRef == "" {
		return nil, ErrNoBillingCustomer
	}

	subs, err := r.listActive(ctx, customerRef)
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}
	if _, _, ok := r.pickTrackAllowance(req.TenantID, subs); ok {
		return nil, ErrSubscriptionExists
	}

	plan := TrackAllowance{TracksAllowed: req.TracksAllowed, AdminGranted: req.AdminGranted}
	quote := pricing.QuoteFor(plan.TracksAllowed)
	unit := quote.PerTrackCents
	if plan.AdminGranted {
		unit = 0
	}

	var created *billing.Subscription
	err = r.write(ctx, func(ctx context.Context) error {
		var err error
		created, err = r.provider.CreateSubscription(ctx, billing.CreateParams{
			CustomerRef:      customerRef,
			UnitAmountCents:  unit,
			Quantity:         int64(plan.TracksAllowed),
			PaymentMethodRef: req.PaymentMethodRef,
			Metadata:         plan.Metadata(),
		})
		return err
	})
	if err != nil {
		changesTotal.WithLabelValues("subscribe", "error").Inc()
		traces.RecordError(span, err)
		return nil, err
	}
	changesTotal.WithLabelValues("subscribe", "ok").Inc()
	span.SetAttributes(traces.SubscriptionRef(created.ID))

	r.applyAllowance(ctx, "subscribe", req.TenantID, r.ledger.CurrentPeriod(), entitlement.Allowance{
		TracksAllowed:   plan.TracksAllowed,
		SubscriptionRef: created.ID,
		AdminGranted:    plan.AdminGranted,
	})

	r.logger.Info("track allowance subscription created",
		"tenant_id", req.TenantID,
		"subscription_ref", created.ID,
		"tracks_allowed", plan.TracksAllowed,
		"admin_granted", plan.AdminGranted,
	)

	res := &SubscribeResult{
		TenantID:             req.TenantID,
		SubscriptionRef:      created.ID,
		TracksAllowed:        plan.TracksAllowed,
		PerTrackCents:        unit,
		MonthlyAmount:        quote.MonthlyAmountCents,
		MonthlyAmountDisplay: quote.Display(),
		AdminGranted:         plan.AdminGranted,
	}
	if plan.AdminGranted {
		res.MonthlyAmount = 0
		res.MonthlyAmountDisplay = pricing.FormatCents(0)
	}
	return res, nil
}

// Cancel cancels the tenant's track allowance subscription and re-syncs, so
// the current period's allowance drops to zero. Usage is kept.
func (r *Reconciler) Cancel(ctx context.Context, tenantID string) (*entitlement.UsagePeriod, error) {
	if tenantID == "" {
		return nil, entitlement.ErrInvalidTenant
	}
	ctx, span := traces.StartSpan(ctx, "reconcile.Cancel", traces.TenantID(tenantID))
	defer span.End()

	unlock, err := r.locks.Lock(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sub, _, err := r.currentAllowance(ctx, tenantID)
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}

	err = r.write(ctx, func(ctx context.Context) error {
		return r.provider.CancelSubscription(ctx, sub.ID)
	})
	if err != nil {
		changesTotal.WithLabelValues("cancel", "error").Inc()
		traces.RecordError(span, err)
		return nil, err
	}
	changesTotal.WithLabelValues("cancel", "ok").Inc()
	r.logger.Info("track allowance subscription canceled", "tenant_id", tenantID, "subscription_ref", sub.ID)

	u, err := r.syncLocked(ctx, tenantID)
	if err != nil {
		gapsTotal.WithLabelValues("cancel").Inc()
		r.logger.Error("reconciliation gap: allowance not cleared after cancel",
			"tenant_id", tenantID, "subscription_ref", sub.ID, "error", err)
		return r.ledger.GetUsage(ctx, tenantID, r.ledger.CurrentPeriod())
	}
	return u, nil
}

// currentAllowance returns the tenant's track allowance subscription.
func (r *Reconciler) currentAllowance(ctx context.Context, tenantID string) (*billing.Subscription, TrackAllowance, error) {
	customerRef, err := r.directory.CustomerRef(ctx, tenantID)
	if err != nil {
		return nil, TrackAllowance{}, fmt.Errorf("failed to resolve billing customer: %w", err)
	}
	if customerRef == "" {
		return nil, TrackAllowance{}, ErrNoActiveSubscription
	}
	subs, err := r.listActive(ctx, customerRef)
	if err != nil {
		return nil, TrackAllowance{}, err
	}
	sub, purpose, ok := r.pickTrackAllowance(tenantID, subs)
	if !ok {
		return nil, TrackAllowance{}, ErrNoActiveSubscription
	}
	return sub, purpose, nil
}

// pickTrackAllowance returns the track_allowance subscription among subs.
// With more than one, the highest allowance wins.
func (r *Reconciler) pickTrackAllowance(tenantID string, subs []billing.Subscription) (*billing.Subscription, TrackAllowance, bool) {
	var (
		best    *billing.Subscription
		bestP   TrackAllowance
		matches int
	)
	for i := range subs {
		switch p := ParsePurpose(subs[i].Metadata).(type) {
		case TrackAllowance:
			matches++
			if best == nil || p.TracksAllowed > bestP.TracksAllowed {
				best, bestP = &subs[i], p
			}
		case Unrecognized:
			if p.Type == TypeTrackAllowance {
				r.logger.Warn("ignoring malformed track allowance subscription",
					"tenant_id", tenantID, "subscription_ref", subs[i].ID, "reason", p.Reason)
			}
		}
	}
	if matches > 1 {
		r.logger.Warn("multiple track allowance subscriptions",
			"tenant_id", tenantID, "count", matches, "chosen", best.ID)
	}
	return best, bestP, best != nil
}

// listActive reads the customer's subscriptions, retrying transient failures.
func (r *Reconciler) listActive(ctx context.Context, customerRef string) ([]billing.Subscription, error) {
	var subs []billing.Subscription
	policy := retry.Policy{
		Attempts:  r.cfg.ReadAttempts,
		BaseDelay: r.cfg.ReadBackoff,
		MaxDelay:  2 * time.Second,
		OnRetry: func(attempt int, err error) {
			r.logger.Warn("billing read failed, retrying",
				"customer_ref", customerRef, "attempt", attempt, "error", err)
		},
	}
	err := policy.Run(ctx, func() error {
		callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()

		out, err := r.provider.ListActiveSubscriptions(callCtx, customerRef)
		if err != nil {
			if !retryable(err) {
				return retry.Permanent(err)
			}
			return err
		}
		subs = out
		return nil
	})
	if err != nil {
		return nil, mapProviderError(err)
	}
	return subs, nil
}

// write runs a single provider mutation under the call timeout. Writes are
// never retried.
func (r *Reconciler) write(ctx context.Context, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	return mapProviderError(fn(callCtx))
}

// applyAllowance writes the ledger after a successful provider change. A
// failure is a reconciliation gap, not an error for the caller.
func (r *Reconciler) applyAllowance(ctx context.Context, op, tenantID, period string, a entitlement.Allowance) {
	if _, err := r.ledger.SetAllowed(ctx, tenantID, period, a); err != nil {
		gapsTotal.WithLabelValues(op).Inc()
		r.logger.Error("reconciliation gap: provider updated but allowance not stored",
			"operation", op,
			"tenant_id", tenantID,
			"period", period,
			"tracks_allowed", a.TracksAllowed,
			"subscription_ref", a.SubscriptionRef,
			"error", err,
		)
	}
}

func retryable(err error) bool {
	return errors.Is(err, billing.ErrUnavailable) || errors.Is(err, context.DeadlineExceeded)
}

func mapProviderError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return err
	case retryable(err):
		return fmt.Errorf("%w: %w", ErrExternalBillingUnavailable, err)
	case errors.Is(err, billing.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNoActiveSubscription, err)
	case errors.Is(err, billing.ErrRejected):
		return fmt.Errorf("%w: %w", ErrBillingRejected, err)
	default:
		return fmt.Errorf("%w: %w", ErrExternalBillingUnavailable, err)
	}
}
