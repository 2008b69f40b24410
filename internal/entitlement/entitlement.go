// Package entitlement owns the monthly track-allowance counters.
//
// Each tenant has one UsagePeriod per calendar month. TracksAllowed is the
// limit synchronized from the billing provider; TracksUsed is the local,
// append-only consumption counter. Consumption is an atomic conditional
// increment so concurrent release submissions can never overdraw.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/mbd888/distrokit/internal/pricing"
	"github.com/mbd888/distrokit/internal/traces"
)

var (
	ErrInsufficientAllowance = errors.New("entitlement: insufficient allowance")
	ErrInvalidTrackCount     = errors.New("entitlement: track count must be positive")
	ErrInvalidPeriod         = errors.New("entitlement: period key must be YYYY-MM")
	ErrInvalidAllowance      = errors.New("entitlement: allowance must not be negative")
	ErrInvalidTenant         = errors.New("entitlement: tenant id required")
	ErrPeriodNotFound        = errors.New("entitlement: usage period not found")
)

// Thresholds are the usage percentages that emit a ThresholdEvent, in
// ascending order. Each fires at most once per tenant and period.
var Thresholds = []int{80, 100}

var periodKeyPattern = regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])$`)

// PeriodKey formats t as the UTC calendar month key, e.g. "2026-10".
func PeriodKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// ValidPeriodKey reports whether key is a well-formed YYYY-MM month key.
func ValidPeriodKey(key string) bool {
	return periodKeyPattern.MatchString(key)
}

// UsagePeriod is a tenant's counter for one calendar month.
type UsagePeriod struct {
	TenantID        string    `json:"tenantId"`
	PeriodKey       string    `json:"periodKey"`
	TracksAllowed   int       `json:"tracksAllowed"`
	TracksUsed      int       `json:"tracksUsed"`
	SubscriptionRef string    `json:"subscriptionRef,omitempty"`
	AdminGranted    bool      `json:"adminGranted"`
	LastNotifiedPct int       `json:"-"`
	CreatedAt       time.Time `json:"createdAt,omitempty"`
	UpdatedAt       time.Time `json:"updatedAt,omitempty"`
}

// Remaining returns the unconsumed allowance, never negative.
func (u *UsagePeriod) Remaining() int {
	if r := u.TracksAllowed - u.TracksUsed; r > 0 {
		return r
	}
	return 0
}

// reachedThreshold returns the highest threshold the period has reached, or 0.
func (u *UsagePeriod) reachedThreshold() int {
	if u.TracksAllowed <= 0 {
		return 0
	}
	reached := 0
	for _, th := range Thresholds {
		if u.TracksUsed*100 >= th*u.TracksAllowed {
			reached = th
		}
	}
	return reached
}

// Allowance is the limit the reconciler writes for a period.
type Allowance struct {
	TracksAllowed   int
	SubscriptionRef string
	AdminGranted    bool
}

// PlanKind classifies how a tenant's allowance is paid for.
type PlanKind string

const (
	PlanNone         PlanKind = "none"
	PlanAdminGranted PlanKind = "admin_granted"
	PlanPaid         PlanKind = "paid"
)

// Plan is the derived, display-oriented view of a usage period.
type Plan struct {
	TenantID           string   `json:"tenantId"`
	PeriodKey          string   `json:"periodKey"`
	Kind               PlanKind `json:"kind"`
	TracksAllowed      int      `json:"tracksAllowed"`
	TracksUsed         int      `json:"tracksUsed"`
	TracksRemaining    int      `json:"tracksRemaining"`
	NextUnitPriceCents int64    `json:"nextUnitPriceCents"`
	MonthlyAmountCents int64    `json:"monthlyAmountCents"`
	SubscriptionRef    string   `json:"subscriptionRef,omitempty"`
}

// ThresholdEvent is emitted when consumption crosses one of Thresholds.
type ThresholdEvent struct {
	TenantID      string    `json:"tenantId"`
	PeriodKey     string    `json:"periodKey"`
	Threshold     int       `json:"threshold"`
	TracksAllowed int       `json:"tracksAllowed"`
	TracksUsed    int       `json:"tracksUsed"`
	At            time.Time `json:"at"`
}

// Notifier receives usage threshold events. Implementations must not block.
type Notifier interface {
	UsageThresholdCrossed(ctx context.Context, event ThresholdEvent)
}

// AllowanceSource seeds a tenant's current-period allowance from the billing
// provider.
type AllowanceSource interface {
	SyncFromExternal(ctx context.Context, tenantID string) (*UsagePeriod, error)
}

// Ledger implements allowance consumption on top of a Store.
type Ledger struct {
	store    Store
	notifier Notifier
	source   AllowanceSource
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a ledger backed by store.
func New(store Store) *Ledger {
	return &Ledger{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
}

// WithNotifier sets the receiver of threshold events.
func (l *Ledger) WithNotifier(n Notifier) *Ledger {
	l.notifier = n
	return l
}

// WithAllowanceSource sets where a month with no row yet gets its allowance
// from on first consume.
func (l *Ledger) WithAllowanceSource(src AllowanceSource) *Ledger {
	l.source = src
	return l
}

// WithClock replaces the ledger's time source.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	if now != nil {
		l.now = now
	}
	return l
}

// WithLogger sets the ledger's logger.
func (l *Ledger) WithLogger(logger *slog.Logger) *Ledger {
	if logger != nil {
		l.logger = logger
	}
	return l
}

// CurrentPeriod returns the period key for the current month.
func (l *Ledger) CurrentPeriod() string {
	return PeriodKey(l.now())
}

// GetUsage returns the stored period, or an unpersisted zero period if the
// month has not been touched yet.
func (l *Ledger) GetUsage(ctx context.Context, tenantID, periodKey string) (*UsagePeriod, error) {
	if err := validateKey(tenantID, periodKey); err != nil {
		return nil, err
	}
	u, err := l.store.Get(ctx, tenantID, periodKey)
	if errors.Is(err, ErrPeriodNotFound) {
		return &UsagePeriod{TenantID: tenantID, PeriodKey: periodKey}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load usage: %w", err)
	}
	return u, nil
}

// Consume atomically adds trackCount to the period's usage. It fails with
// ErrInsufficientAllowance, leaving usage untouched, when the remaining
// allowance is smaller than trackCount.
func (l *Ledger) Consume(ctx context.Context, tenantID, periodKey string, trackCount int) (*UsagePeriod, error) {
	if err := validateKey(tenantID, periodKey); err != nil {
		return nil, err
	}
	if trackCount <= 0 {
		return nil, ErrInvalidTrackCount
	}

	ctx, span := traces.StartSpan(ctx, "entitlement.Consume",
		traces.TenantID(tenantID), traces.PeriodKey(periodKey), traces.Tracks(trackCount))
	defer span.End()

	if periodKey == l.CurrentPeriod() {
		l.seedPeriod(ctx, tenantID, periodKey)
	}

	u, err := l.store.ConsumeIfAvailable(ctx, tenantID, periodKey, trackCount)
	if errors.Is(err, ErrInsufficientAllowance) {
		consumeTotal.WithLabelValues("insufficient").Inc()
		remaining := 0
		if cur, getErr := l.GetUsage(ctx, tenantID, periodKey); getErr == nil {
			remaining = cur.Remaining()
		}
		return nil, fmt.Errorf("%w: %d requested, %d remaining", ErrInsufficientAllowance, trackCount, remaining)
	}
	if err != nil {
		consumeTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to consume allowance: %w", err)
	}

	consumeTotal.WithLabelValues("ok").Inc()
	tracksConsumedTotal.Add(float64(trackCount))

	l.notifyThresholds(ctx, u)
	return u, nil
}

// seedPeriod pulls the allowance for a month that has no row yet, so the
// first consume after a rollover does not see a zero limit.
func (l *Ledger) seedPeriod(ctx context.Context, tenantID, periodKey string) {
	if l.source == nil {
		return
	}
	_, err := l.store.Get(ctx, tenantID, periodKey)
	if !errors.Is(err, ErrPeriodNotFound) {
		return
	}
	if _, err := l.source.SyncFromExternal(ctx, tenantID); err != nil {
		l.logger.Warn("failed to seed allowance for new period",
			"tenant_id", tenantID, "period", periodKey, "error", err)
		return
	}
	periodsSeededTotal.Inc()
}

// SetAllowed upserts the period's limit and subscription reference. Usage is
// never modified. Applying the same allowance twice is a no-op.
func (l *Ledger) SetAllowed(ctx context.Context, tenantID, periodKey string, a Allowance) (*UsagePeriod, error) {
	if err := validateKey(tenantID, periodKey); err != nil {
		return nil, err
	}
	if a.TracksAllowed < 0 {
		return nil, ErrInvalidAllowance
	}
	u, err := l.store.UpsertAllowed(ctx, tenantID, periodKey, a, l.now())
	if err != nil {
		return nil, fmt.Errorf("failed to set allowance: %w", err)
	}
	return u, nil
}

// Remaining returns max(0, allowed - used) for the period.
func (l *Ledger) Remaining(ctx context.Context, tenantID, periodKey string) (int, error) {
	u, err := l.GetUsage(ctx, tenantID, periodKey)
	if err != nil {
		return 0, err
	}
	return u.Remaining(), nil
}

// Plan returns the derived plan view for the period.
func (l *Ledger) Plan(ctx context.Context, tenantID, periodKey string) (*Plan, error) {
	u, err := l.GetUsage(ctx, tenantID, periodKey)
	if err != nil {
		return nil, err
	}
	return PlanFor(u), nil
}

// PlanFor derives the plan view from a usage period.
func PlanFor(u *UsagePeriod) *Plan {
	p := &Plan{
		TenantID:           u.TenantID,
		PeriodKey:          u.PeriodKey,
		TracksAllowed:      u.TracksAllowed,
		TracksUsed:         u.TracksUsed,
		TracksRemaining:    u.Remaining(),
		NextUnitPriceCents: pricing.PerTrackCents(u.TracksAllowed + 1),
		SubscriptionRef:    u.SubscriptionRef,
	}
	switch {
	case u.AdminGranted:
		p.Kind = PlanAdminGranted
	case u.SubscriptionRef != "" || u.TracksAllowed > 0:
		p.Kind = PlanPaid
		p.MonthlyAmountCents = pricing.MonthlyAmountCents(u.TracksAllowed)
	default:
		p.Kind = PlanNone
	}
	return p
}

// notifyThresholds claims every newly reached threshold with a compare-and-
// swap on LastNotifiedPct and emits one event per claimed threshold.
func (l *Ledger) notifyThresholds(ctx context.Context, u *UsagePeriod) {
	reached := u.reachedThreshold()
	last := u.LastNotifiedPct

	for attempt := 0; attempt < 3 && reached > last; attempt++ {
		ok, err := l.store.AdvanceNotified(ctx, u.TenantID, u.PeriodKey, last, reached)
		if err != nil {
			l.logger.Warn("failed to record usage threshold",
				"tenant_id", u.TenantID, "period", u.PeriodKey, "error", err)
			return
		}
		if ok {
			u.LastNotifiedPct = reached
			for _, th := range Thresholds {
				if th > last && th <= reached {
					l.emit(ctx, u, th)
				}
			}
			return
		}

		// Another consumer advanced the marker first; pick up from its value.
		cur, err := l.store.Get(ctx, u.TenantID, u.PeriodKey)
		if err != nil {
			return
		}
		last = cur.LastNotifiedPct
	}
}

func (l *Ledger) emit(ctx context.Context, u *UsagePeriod, threshold int) {
	thresholdEventsTotal.WithLabelValues(fmt.Sprintf("%d", threshold)).Inc()
	l.logger.Info("usage threshold crossed",
		"tenant_id", u.TenantID,
		"period", u.PeriodKey,
		"threshold", threshold,
		"tracks_used", u.TracksUsed,
		"tracks_allowed", u.TracksAllowed,
	)
	if l.notifier == nil {
		return
	}
	l.notifier.UsageThresholdCrossed(ctx, ThresholdEvent{
		TenantID:      u.TenantID,
		PeriodKey:     u.PeriodKey,
		Threshold:     threshold,
		TracksAllowed: u.TracksAllowed,
		TracksUsed:    u.TracksUsed,
		At:            l.now(),
	})
}

func validateKey(tenantID, periodKey string) error {
	if tenantID == "" {
		return ErrInvalidTenant
	}
	if !ValidPeriodKey(periodKey) {
		return ErrInvalidPeriod
	}
	return nil
}
