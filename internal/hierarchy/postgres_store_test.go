package hierarchy

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var accountCols = []string{
	"id", "email", "parent_account_id", "active_label_id", "subdistributor_id",
	"billing_customer_ref", "created_at", "updated_at",
}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db), mock
}

func TestPostgresStore_GetAccount(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(`FROM accounts WHERE id = \$1`).
		WithArgs("acct_child").
		WillReturnRows(sqlmock.NewRows(accountCols).
			AddRow("acct_child", "c@example.com", "acct_parent", nil, nil, nil, now, now))

	a, err := store.GetAccount(context.Background(), "acct_child")
	require.NoError(t, err)
	assert.Equal(t, "acct_parent", a.ParentAccountID)
	assert.Empty(t, a.BillingCustomerRef)
	assert.False(t, a.IsRoot())

	mock.ExpectQuery(`FROM accounts WHERE id = \$1`).
		WithArgs("acct_missing").
		WillReturnError(sql.ErrNoRows)
	_, err = store.GetAccount(context.Background(), "acct_missing")
	assert.ErrorIs(t, err, ErrAccountNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateAccountUniqueViolations(t *testing.T) {
	store, mock := newMockStore(t)
	a := &AccountNode{ID: "acct_1", Email: "a@example.com", BillingCustomerRef: "cus_1"}

	mock.ExpectExec(`INSERT INTO accounts`).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "idx_accounts_email"})
	assert.ErrorIs(t, store.CreateAccount(context.Background(), a), ErrEmailTaken)

	mock.ExpectExec(`INSERT INTO accounts`).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "idx_accounts_billing_customer"})
	assert.ErrorIs(t, store.CreateAccount(context.Background(), a), ErrCustomerRefTaken)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SetParent(t *testing.T) {
	now := time.Now()
	lockQuery := `SELECT id, parent_account_id FROM accounts\s+WHERE id IN \(\$1, \$2\) ORDER BY id FOR UPDATE`
	lockCols := []string{"id", "parent_account_id"}

	t.Run("applied", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery(lockQuery).
			WithArgs("acct_child", "acct_parent").
			WillReturnRows(sqlmock.NewRows(lockCols).AddRow("acct_child", nil).AddRow("acct_parent", nil))
		mock.ExpectQuery(`SELECT EXISTS`).
			WithArgs("acct_child").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		mock.ExpectExec(`UPDATE accounts SET parent_account_id = \$1`).
			WithArgs("acct_parent", sqlmock.AnyArg(), "acct_child").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		require.NoError(t, store.SetParent(context.Background(), "acct_child", "acct_parent", now))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	// The parent was attached under another account after the resolver's
	// check; the row lock makes this visible.
	t.Run("parent gained a parent", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery(lockQuery).
			WillReturnRows(sqlmock.NewRows(lockCols).AddRow("acct_child", nil).AddRow("acct_parent", "acct_top"))
		mock.ExpectRollback()

		err := store.SetParent(context.Background(), "acct_child", "acct_parent", now)
		assert.ErrorIs(t, err, ErrHierarchyConflict)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("child gained a subaccount", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery(lockQuery).
			WillReturnRows(sqlmock.NewRows(lockCols).AddRow("acct_child", nil).AddRow("acct_parent", nil))
		mock.ExpectQuery(`SELECT EXISTS`).
			WithArgs("acct_child").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
		mock.ExpectRollback()

		err := store.SetParent(context.Background(), "acct_child", "acct_parent", now)
		assert.ErrorIs(t, err, ErrHierarchyConflict)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("child missing", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery(lockQuery).
			WillReturnRows(sqlmock.NewRows(lockCols).AddRow("acct_parent", nil))
		mock.ExpectRollback()

		err := store.SetParent(context.Background(), "acct_child", "acct_parent", now)
		assert.ErrorIs(t, err, ErrAccountNotFound)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("detach", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec(`UPDATE accounts SET parent_account_id = NULL`).
			WithArgs(sqlmock.AnyArg(), "acct_child").
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, store.SetParent(context.Background(), "acct_child", "", now))
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresStore_Memberships(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()
	ctx := context.Background()

	mock.ExpectExec(`INSERT INTO label_memberships`).
		WillReturnError(&pq.Error{Code: "23505"})
	err := store.AddMembership(ctx, &Membership{AccountID: "acct_1", LabelID: "lbl_1", Role: RoleMember})
	assert.ErrorIs(t, err, ErrAlreadyMember)

	mock.ExpectQuery(`FROM label_memberships WHERE account_id = \$1 AND label_id = \$2`).
		WithArgs("acct_1", "lbl_1").
		WillReturnRows(sqlmock.NewRows([]string{"account_id", "label_id", "role", "permissions", "created_at"}).
			AddRow("acct_1", "lbl_1", "member", "{releases.view,analytics.view}", now))
	m, err := store.GetMembership(ctx, "acct_1", "lbl_1")
	require.NoError(t, err)
	assert.Equal(t, RoleMember, m.Role)
	assert.Equal(t, []Permission{PermReleasesView, PermAnalyticsView}, m.Permissions)

	mock.ExpectQuery(`FROM label_memberships WHERE account_id = \$1 AND label_id = \$2`).
		WithArgs("acct_2", "lbl_1").
		WillReturnRows(sqlmock.NewRows([]string{"account_id", "label_id", "role", "permissions", "created_at"}))
	_, err = store.GetMembership(ctx, "acct_2", "lbl_1")
	assert.ErrorIs(t, err, ErrMembershipNotFound)

	mock.ExpectExec(`DELETE FROM label_memberships`).
		WithArgs("acct_2", "lbl_1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, store.RemoveMembership(ctx, "acct_2", "lbl_1"), ErrMembershipNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LabelBanner(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()
	cols := []string{"id", "name", "owner_account_id", "subdistributor_id", "dropdown_banner", "created_at", "updated_at"}

	mock.ExpectQuery(`FROM labels WHERE id = \$1`).
		WithArgs("lbl_1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("lbl_1", "Indie", "acct_1", nil, []byte(`{"bannerText":"Hello"}`), now, now))
	l, err := store.GetLabel(context.Background(), "lbl_1")
	require.NoError(t, err)
	require.NotNil(t, l.DropdownBanner)
	assert.Equal(t, "Hello", l.DropdownBanner.BannerText)

	mock.ExpectQuery(`FROM labels WHERE id = \$1`).
		WithArgs("lbl_2").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("lbl_2", "Plain", "acct_1", "sd_1", nil, now, now))
	l, err = store.GetLabel(context.Background(), "lbl_2")
	require.NoError(t, err)
	assert.Nil(t, l.DropdownBanner)
	assert.Equal(t, "sd_1", l.SubdistributorID)

	mock.ExpectExec(`UPDATE labels SET`).
		WithArgs("Plain", sqlmock.AnyArg(), nil, sqlmock.AnyArg(), "lbl_2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.UpdateLabel(context.Background(), l))

	require.NoError(t, mock.ExpectationsWereMet())
}
