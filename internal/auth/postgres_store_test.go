package auth

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var keyCols = []string{"id", "key_hash", "key_prefix", "account_id", "name", "created_at", "last_used", "expires_at", "revoked"}

func TestPostgresStore_GetByHash(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresStore(db)
	ctx := context.Background()

	now := time.Now()
	exp := now.Add(time.Hour)
	mock.ExpectQuery(`FROM api_keys WHERE key_hash = \$1`).
		WithArgs("h1").
		WillReturnRows(sqlmock.NewRows(keyCols).AddRow("ak_1", "h1", "sk_1234abcd", "acct_1", "Primary", now, nil, exp, true))

	key, err := store.GetByHash(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, "acct_1", key.AccountID)
	assert.Equal(t, "sk_1234abcd", key.Prefix)
	assert.True(t, key.LastUsed.IsZero())
	require.NotNil(t, key.ExpiresAt)
	assert.True(t, key.Revoked, "revoked keys are returned; the manager rejects them")

	mock.ExpectQuery(`FROM api_keys WHERE key_hash`).WithArgs("h2").WillReturnRows(sqlmock.NewRows(keyCols))
	_, err = store.GetByHash(ctx, "h2")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateAndList(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now()

	mock.ExpectExec(`INSERT INTO api_keys`).
		WithArgs("ak_1", "h1", "sk_1234abcd", "acct_1", "Primary", now, nil, false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.Create(ctx, &APIKey{
		ID: "ak_1", Hash: "h1", Prefix: "sk_1234abcd", AccountID: "acct_1", Name: "Primary", CreatedAt: now,
	}))

	mock.ExpectQuery(`FROM api_keys WHERE account_id = \$1 ORDER BY created_at DESC`).
		WithArgs("acct_1").
		WillReturnRows(sqlmock.NewRows(keyCols).
			AddRow("ak_2", "h2", "sk_9999aaaa", "acct_1", "ci", now, now, nil, false).
			AddRow("ak_1", "h1", "sk_1234abcd", "acct_1", "Primary", now.Add(-time.Hour), nil, nil, false))
	keys, err := store.GetByAccount(ctx, "acct_1")
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, "ak_2", keys[0].ID)
	assert.False(t, keys[0].LastUsed.IsZero())

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresStore(db)

	mock.ExpectExec(`UPDATE api_keys\s+SET last_used = GREATEST`).
		WithArgs(sqlmock.AnyArg(), true, "ak_x").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = store.Update(context.Background(), &APIKey{ID: "ak_x", Revoked: true})
	assert.ErrorIs(t, err, ErrKeyNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
