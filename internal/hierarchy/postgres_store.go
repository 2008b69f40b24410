package hierarchy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists the account graph in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed graph store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const accountColumns = `id, email, parent_account_id, active_label_id, subdistributor_id,
	billing_customer_ref, created_at, updated_at`

func (p *PostgresStore) CreateAccount(ctx context.Context, a *AccountNode) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.Email, nullString(a.ParentAccountID), nullString(a.ActiveLabelID),
		nullString(a.SubdistributorID), nullString(a.BillingCustomerRef), a.CreatedAt, a.UpdatedAt,
	)
	return mapAccountErr(err)
}

func (p *PostgresStore) GetAccount(ctx context.Context, id string) (*AccountNode, error) {
	return scanAccount(p.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
}

func (p *PostgresStore) GetAccountByEmail(ctx context.Context, email string) (*AccountNode, error) {
	return scanAccount(p.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+` FROM accounts WHERE LOWER(email) = LOWER($1)`, email))
}

func (p *PostgresStore) GetAccountByCustomerRef(ctx context.Context, customerRef string) (*AccountNode, error) {
	return scanAccount(p.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+` FROM accounts WHERE billing_customer_ref = $1`, customerRef))
}

func (p *PostgresStore) ListBilledAccounts(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id FROM accounts WHERE billing_customer_ref IS NOT NULL ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *PostgresStore) CountChildren(ctx context.Context, parentID string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM accounts WHERE parent_account_id = $1`, parentID).Scan(&n)
	return n, err
}

func (p *PostgresStore) SetParent(ctx context.Context, childID, parentID string, now time.Time) error {
	if parentID == "" {
		return p.execAccount(ctx, `
			UPDATE accounts SET parent_account_id = NULL, updated_at = $1 WHERE id = $2`,
			now, childID)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Any two edges that could form a chain share an account, so locking both
	// ends serializes them. Rows are locked in id order.
	rows, err := tx.QueryContext(ctx, `
		SELECT id, parent_account_id FROM accounts
		WHERE id IN ($1, $2) ORDER BY id FOR UPDATE`, childID, parentID)
	if err != nil {
		return fmt.Errorf("lock accounts: %w", err)
	}
	parents := make(map[string]sql.NullString, 2)
	for rows.Next() {
		var id string
		var parent sql.NullString
		if err := rows.Scan(&id, &parent); err != nil {
			rows.Close()
			return err
		}
		parents[id] = parent
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if _, ok := parents[childID]; !ok {
		return ErrAccountNotFound
	}
	grandparent, ok := parents[parentID]
	if !ok {
		return ErrAccountNotFound
	}
	if grandparent.Valid {
		return ErrHierarchyConflict
	}

	var hasChildren bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM accounts WHERE parent_account_id = $1)`, childID).Scan(&hasChildren); err != nil {
		return err
	}
	if hasChildren {
		return ErrHierarchyConflict
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE accounts SET parent_account_id = $1, updated_at = $2 WHERE id = $3`,
		parentID, now, childID); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) SetActiveLabel(ctx context.Context, accountID, labelID string, now time.Time) error {
	return p.execAccount(ctx, `
		UPDATE accounts SET active_label_id = $1, updated_at = $2 WHERE id = $3`,
		nullString(labelID), now, accountID)
}

func (p *PostgresStore) SetSubdistributor(ctx context.Context, accountID, subdistributorID string, now time.Time) error {
	return p.execAccount(ctx, `
		UPDATE accounts SET subdistributor_id = $1, updated_at = $2 WHERE id = $3`,
		nullString(subdistributorID), now, accountID)
}

func (p *PostgresStore) SetCustomerRef(ctx context.Context, accountID, customerRef string, now time.Time) error {
	return p.execAccount(ctx, `
		UPDATE accounts SET billing_customer_ref = $1, updated_at = $2 WHERE id = $3`,
		nullString(customerRef), now, accountID)
}

func (p *PostgresStore) execAccount(ctx context.Context, query string, args ...any) error {
	result, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return mapAccountErr(err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (p *PostgresStore) CreateLabel(ctx context.Context, l *Label) error {
	banner, err := marshalBanner(l.DropdownBanner)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO labels (id, name, owner_account_id, subdistributor_id, dropdown_banner, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		l.ID, l.Name, l.OwnerAccountID, nullString(l.SubdistributorID), banner, l.CreatedAt, l.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetLabel(ctx context.Context, id string) (*Label, error) {
	l := &Label{}
	var (
		subdistributor sql.NullString
		banner         []byte
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT id, name, owner_account_id, subdistributor_id, dropdown_banner, created_at, updated_at
		FROM labels WHERE id = $1`, id).Scan(
		&l.ID, &l.Name, &l.OwnerAccountID, &subdistributor, &banner, &l.CreatedAt, &l.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrLabelNotFound
	}
	if err != nil {
		return nil, err
	}
	l.SubdistributorID = subdistributor.String
	if len(banner) > 0 {
		l.DropdownBanner = &Branding{}
		if err := json.Unmarshal(banner, l.DropdownBanner); err != nil {
			return nil, fmt.Errorf("failed to decode label banner: %w", err)
		}
	}
	return l, nil
}

func (p *PostgresStore) UpdateLabel(ctx context.Context, l *Label) error {
	banner, err := marshalBanner(l.DropdownBanner)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE labels SET name = $1, subdistributor_id = $2, dropdown_banner = $3, updated_at = $4
		WHERE id = $5`,
		l.Name, nullString(l.SubdistributorID), banner, l.UpdatedAt, l.ID,
	)
	if err != nil {
		return err
	}
	return expectRow(result, ErrLabelNotFound)
}

func (p *PostgresStore) CreateSubdistributor(ctx context.Context, s *Subdistributor) error {
	branding, err := json.Marshal(s.Branding)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO subdistributors (id, name, owner_account_id, branding, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		s.ID, s.Name, s.OwnerAccountID, branding, s.CreatedAt, s.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetSubdistributor(ctx context.Context, id string) (*Subdistributor, error) {
	s := &Subdistributor{}
	var branding []byte
	err := p.db.QueryRowContext(ctx, `
		SELECT id, name, owner_account_id, branding, created_at, updated_at
		FROM subdistributors WHERE id = $1`, id).Scan(
		&s.ID, &s.Name, &s.OwnerAccountID, &branding, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubdistributorNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(branding) > 0 {
		if err := json.Unmarshal(branding, &s.Branding); err != nil {
			return nil, fmt.Errorf("failed to decode branding: %w", err)
		}
	}
	return s, nil
}

func (p *PostgresStore) UpdateSubdistributor(ctx context.Context, s *Subdistributor) error {
	branding, err := json.Marshal(s.Branding)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE subdistributors SET name = $1, branding = $2, updated_at = $3 WHERE id = $4`,
		s.Name, branding, s.UpdatedAt, s.ID,
	)
	if err != nil {
		return err
	}
	return expectRow(result, ErrSubdistributorNotFound)
}

func (p *PostgresStore) AddMembership(ctx context.Context, m *Membership) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO label_memberships (account_id, label_id, role, permissions, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		m.AccountID, m.LabelID, string(m.Role), pq.Array(permissionStrings(m.Permissions)), m.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyMember
	}
	return err
}

func (p *PostgresStore) GetMembership(ctx context.Context, accountID, labelID string) (*Membership, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT account_id, label_id, role, permissions, created_at
		FROM label_memberships WHERE account_id = $1 AND label_id = $2`, accountID, labelID)
	if err != nil {
		return nil, err
	}
	list, err := scanMemberships(rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrMembershipNotFound
	}
	return &list[0], nil
}

func (p *PostgresStore) ListMemberships(ctx context.Context, accountID string) ([]Membership, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT account_id, label_id, role, permissions, created_at
		FROM label_memberships WHERE account_id = $1 ORDER BY label_id`, accountID)
	if err != nil {
		return nil, err
	}
	return scanMemberships(rows)
}

func (p *PostgresStore) ListLabelMembers(ctx context.Context, labelID string) ([]Membership, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT account_id, label_id, role, permissions, created_at
		FROM label_memberships WHERE label_id = $1 ORDER BY account_id`, labelID)
	if err != nil {
		return nil, err
	}
	return scanMemberships(rows)
}

func (p *PostgresStore) UpdateMembership(ctx context.Context, m *Membership) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE label_memberships SET role = $1, permissions = $2
		WHERE account_id = $3 AND label_id = $4`,
		string(m.Role), pq.Array(permissionStrings(m.Permissions)), m.AccountID, m.LabelID,
	)
	if err != nil {
		return err
	}
	return expectRow(result, ErrMembershipNotFound)
}

func (p *PostgresStore) RemoveMembership(ctx context.Context, accountID, labelID string) error {
	result, err := p.db.ExecContext(ctx, `
		DELETE FROM label_memberships WHERE account_id = $1 AND label_id = $2`, accountID, labelID)
	if err != nil {
		return err
	}
	return expectRow(result, ErrMembershipNotFound)
}

func scanAccount(row *sql.Row) (*AccountNode, error) {
	a := &AccountNode{}
	var parent, label, subdistributor, customer sql.NullString
	err := row.Scan(&a.ID, &a.Email, &parent, &label, &subdistributor, &customer, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	a.ParentAccountID = parent.String
	a.ActiveLabelID = label.String
	a.SubdistributorID = subdistributor.String
	a.BillingCustomerRef = customer.String
	return a, nil
}

func scanMemberships(rows *sql.Rows) ([]Membership, error) {
	defer func() { _ = rows.Close() }()

	out := []Membership{}
	for rows.Next() {
		var (
			m     Membership
			role  string
			perms []string
		)
		if err := rows.Scan(&m.AccountID, &m.LabelID, &role, pq.Array(&perms), &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Role = Role(role)
		m.Permissions = make([]Permission, len(perms))
		for i, p := range perms {
			m.Permissions[i] = Permission(p)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func mapAccountErr(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		if pqErr.Constraint == "idx_accounts_billing_customer" {
			return ErrCustomerRefTaken
		}
		return ErrEmailTaken
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func expectRow(result sql.Result, notFound error) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return notFound
	}
	return nil
}

// marshalBanner returns nil (SQL NULL) when there is no override.
func marshalBanner(b *Branding) (any, error) {
	if b == nil {
		return nil, nil
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func permissionStrings(perms []Permission) []string {
	out := make([]string, len(perms))
	for i, p := range perms {
		out[i] = string(p)
	}
	return out
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
