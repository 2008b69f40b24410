package entitlement

import (
	"context"
	"time"
)

// Store persists usage periods. Implementations must make
// ConsumeIfAvailable and AdvanceNotified atomic per (tenant, period).
type Store interface {
	// Get returns ErrPeriodNotFound when the month has never been written.
	Get(ctx context.Context, tenantID, periodKey string) (*UsagePeriod, error)

	// ConsumeIfAvailable increments TracksUsed by n only if the result stays
	// within TracksAllowed, and returns the updated period. A missing period
	// has a zero allowance and yields ErrInsufficientAllowance.
	ConsumeIfAvailable(ctx context.Context, tenantID, periodKey string, n int) (*UsagePeriod, error)

	// UpsertAllowed creates or updates the limit fields of a period. UpdatedAt
	// only moves when a field actually changes.
	UpsertAllowed(ctx context.Context, tenantID, periodKey string, a Allowance, now time.Time) (*UsagePeriod, error)

	// AdvanceNotified sets LastNotifiedPct to "to" if it currently equals
	// "from". It reports whether the swap happened.
	AdvanceNotified(ctx context.Context, tenantID, periodKey string, from, to int) (bool, error)

	// ListTenants returns every tenant that has at least one usage period.
	ListTenants(ctx context.Context) ([]string, error)
}
