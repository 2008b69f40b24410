package invitation

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/distrokit/internal/hierarchy"
)

// PostgresStore persists invitations in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed invitation store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const invitationColumns = `id, inviter_account_id, label_id, target_email, additional_emails,
	scope_type, role, permissions, tier_tracks, tier_payment_ref, status, accepted_by,
	expires_at, responded_at, created_at`

func (p *PostgresStore) Create(ctx context.Context, inv *Invitation) error {
	var (
		tierTracks sql.NullInt64
		tierRef    sql.NullString
	)
	if inv.Tier != nil {
		tierTracks = sql.NullInt64{Int64: int64(inv.Tier.TracksAllowed), Valid: true}
		tierRef = sql.NullString{String: inv.Tier.PaymentMethodRef, Valid: inv.Tier.PaymentMethodRef != ""}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO invitations (`+invitationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NULL, $12, NULL, $13)`,
		inv.ID, inv.InviterAccountID, inv.LabelID, inv.TargetEmail,
		pq.Array(nonNil(inv.AdditionalEmails)), string(inv.ScopeType), string(inv.Role),
		pq.Array(permissionStrings(inv.Permissions)), tierTracks, tierRef,
		string(inv.Status), inv.ExpiresAt, inv.CreatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Invitation, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+invitationColumns+` FROM invitations WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	list, err := scanInvitations(rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrInvitationNotFound
	}
	return list[0], nil
}

// Transition is a single conditional UPDATE; concurrent callers race on the
// status predicate and exactly one sees a row affected.
func (p *PostgresStore) Transition(ctx context.Context, id string, from, to Status, by string, at time.Time) error {
	var respondedAt sql.NullTime
	if !at.IsZero() {
		respondedAt = sql.NullTime{Time: at, Valid: true}
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE invitations SET status = $1, accepted_by = $2, responded_at = $3
		WHERE id = $4 AND status = $5`,
		string(to), sql.NullString{String: by, Valid: by != ""}, respondedAt, id, string(from),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM invitations WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrInvitationNotFound
		}
		return ErrNotPending
	}
	return nil
}

func (p *PostgresStore) ListPendingByEmail(ctx context.Context, email string) ([]*Invitation, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+invitationColumns+` FROM invitations
		WHERE status = 'pending'
		  AND (LOWER(target_email) = LOWER($1) OR LOWER($1) = ANY(additional_emails))
		ORDER BY created_at`, email)
	if err != nil {
		return nil, err
	}
	return scanInvitations(rows)
}

func scanInvitations(rows *sql.Rows) ([]*Invitation, error) {
	defer func() { _ = rows.Close() }()

	out := []*Invitation{}
	for rows.Next() {
		var (
			inv         Invitation
			additional  []string
			perms       []string
			scope       string
			role        string
			status      string
			tierTracks  sql.NullInt64
			tierRef     sql.NullString
			acceptedBy  sql.NullString
			respondedAt sql.NullTime
		)
		if err := rows.Scan(
			&inv.ID, &inv.InviterAccountID, &inv.LabelID, &inv.TargetEmail, pq.Array(&additional),
			&scope, &role, pq.Array(&perms), &tierTracks, &tierRef, &status, &acceptedBy,
			&inv.ExpiresAt, &respondedAt, &inv.CreatedAt,
		); err != nil {
			return nil, err
		}
		inv.AdditionalEmails = additional
		inv.ScopeType = ScopeType(scope)
		inv.Role = hierarchy.Role(role)
		inv.Status = Status(status)
		inv.AcceptedBy = acceptedBy.String
		inv.Permissions = make([]hierarchy.Permission, len(perms))
		for i, p := range perms {
			inv.Permissions[i] = hierarchy.Permission(p)
		}
		if tierTracks.Valid {
			inv.Tier = &TierGrant{TracksAllowed: int(tierTracks.Int64), PaymentMethodRef: tierRef.String}
		}
		if respondedAt.Valid {
			t := respondedAt.Time
			inv.RespondedAt = &t
		}
		out = append(out, &inv)
	}
	return out, rows.Err()
}

func permissionStrings(perms []hierarchy.Permission) []string {
	out := make([]string, len(perms))
	for i, p := range perms {
		out[i] = string(p)
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
