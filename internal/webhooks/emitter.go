package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/distrokit/internal/entitlement"
	"github.com/mbd888/distrokit/internal/idgen"
	"github.com/mbd888/distrokit/internal/invitation"
	"github.com/mbd888/distrokit/internal/reconcile"
)

var (
	emitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "distrokit",
		Subsystem: "notification",
		Name:      "emit_total",
		Help:      "Total notification emit attempts by event type.",
	}, []string{"event_type"})

	emitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "distrokit",
		Subsystem: "notification",
		Name:      "emit_errors_total",
		Help:      "Total notification emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(emitTotal, emitErrors)
}

// Emitter turns domain events into notifications. All methods are
// fire-and-forget: errors are logged but never returned.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

var (
	_ entitlement.Notifier = (*Emitter)(nil)
	_ reconcile.Notifier   = (*Emitter)(nil)
	_ invitation.Notifier  = (*Emitter)(nil)
)

// NewEmitter creates an emitter over d.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{d: d, logger: logger}
}

func (e *Emitter) emit(ctx context.Context, accountID string, eventType EventType, at time.Time, data any) {
	if e == nil || e.d == nil || accountID == "" {
		return
	}
	emitTotal.WithLabelValues(string(eventType)).Inc()
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		AccountID: accountID,
		Timestamp: at,
		Data:      data,
	}
	// The caller's request may finish before the subscription lookup does.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.d.DispatchToAccount(ctx, accountID, event); err != nil {
		emitErrors.WithLabelValues(string(eventType)).Inc()
		e.logger.Warn("notification emit failed", "event", eventType, "account_id", accountID, "error", err)
	}
}

// UsageThresholdCrossed emits usage.threshold_crossed to the tenant.
func (e *Emitter) UsageThresholdCrossed(ctx context.Context, ev entitlement.ThresholdEvent) {
	e.emit(ctx, ev.TenantID, EventUsageThresholdCrossed, ev.At, ev)
}

// AllowanceIncreased emits allowance.increased to the tenant.
func (e *Emitter) AllowanceIncreased(ctx context.Context, ev reconcile.AllowanceEvent) {
	e.emit(ctx, ev.TenantID, EventAllowanceIncreased, ev.At, ev)
}

// InvitationAccepted emits invitation.accepted to the inviter.
func (e *Emitter) InvitationAccepted(ctx context.Context, ev invitation.AcceptedEvent) {
	e.emit(ctx, ev.InviterAccountID, EventInvitationAccepted, ev.At, ev)
}
