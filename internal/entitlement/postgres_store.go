package entitlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists usage periods in PostgreSQL. The usage_periods
// table is created by migrations/0001_usage_periods.sql.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed usage store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const usageColumns = `tenant_id, period_key, tracks_allowed, tracks_used, subscription_ref,
	admin_granted, last_notified_pct, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, tenantID, periodKey string) (*UsagePeriod, error) {
	u, err := scanUsage(p.db.QueryRowContext(ctx, `
		SELECT `+usageColumns+`
		FROM usage_periods WHERE tenant_id = $1 AND period_key = $2`,
		tenantID, periodKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPeriodNotFound
	}
	return u, err
}

// ConsumeIfAvailable is a single conditional UPDATE, so the availability
// check and the increment cannot interleave with another consumer.
func (p *PostgresStore) ConsumeIfAvailable(ctx context.Context, tenantID, periodKey string, n int) (*UsagePeriod, error) {
	u, err := scanUsage(p.db.QueryRowContext(ctx, `
		UPDATE usage_periods
		SET tracks_used = tracks_used + $3, updated_at = NOW()
		WHERE tenant_id = $1 AND period_key = $2 AND tracks_used + $3 <= tracks_allowed
		RETURNING `+usageColumns,
		tenantID, periodKey, n))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInsufficientAllowance
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume: %w", err)
	}
	return u, nil
}

func (p *PostgresStore) UpsertAllowed(ctx context.Context, tenantID, periodKey string, a Allowance, now time.Time) (*UsagePeriod, error) {
	u, err := scanUsage(p.db.QueryRowContext(ctx, `
		INSERT INTO usage_periods (tenant_id, period_key, tracks_allowed, tracks_used,
			subscription_ref, admin_granted, last_notified_pct, created_at, updated_at)
		VALUES ($1, $2, $3, 0, $4, $5, 0, $6, $6)
		ON CONFLICT (tenant_id, period_key) DO UPDATE SET
			tracks_allowed = EXCLUDED.tracks_allowed,
			subscription_ref = EXCLUDED.subscription_ref,
			admin_granted = EXCLUDED.admin_granted,
			updated_at = EXCLUDED.updated_at
		WHERE usage_periods.tracks_allowed IS DISTINCT FROM EXCLUDED.tracks_allowed
		   OR usage_periods.subscription_ref IS DISTINCT FROM EXCLUDED.subscription_ref
		   OR usage_periods.admin_granted IS DISTINCT FROM EXCLUDED.admin_granted
		RETURNING `+usageColumns,
		tenantID, periodKey, a.TracksAllowed, a.SubscriptionRef, a.AdminGranted, now))
	if errors.Is(err, sql.ErrNoRows) {
		// Nothing changed: the conflict clause filtered the update out.
		return p.Get(ctx, tenantID, periodKey)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to upsert allowance: %w", err)
	}
	return u, nil
}

func (p *PostgresStore) AdvanceNotified(ctx context.Context, tenantID, periodKey string, from, to int) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE usage_periods SET last_notified_pct = $4
		WHERE tenant_id = $1 AND period_key = $2 AND last_notified_pct = $3`,
		tenantID, periodKey, from, to)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (p *PostgresStore) ListTenants(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT DISTINCT tenant_id FROM usage_periods ORDER BY tenant_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var tenants []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		tenants = append(tenants, id)
	}
	return tenants, rows.Err()
}

func scanUsage(row *sql.Row) (*UsagePeriod, error) {
	u := &UsagePeriod{}
	var ref sql.NullString
	err := row.Scan(&u.TenantID, &u.PeriodKey, &u.TracksAllowed, &u.TracksUsed, &ref,
		&u.AdminGranted, &u.LastNotifiedPct, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	u.SubscriptionRef = ref.String
	return u, nil
}
