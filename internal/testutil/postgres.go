// Package testutil connects integration tests to a migrated PostgreSQL
// database.
package testutil

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	_ "github.com/lib/pq"

	"github.com/mbd888/distrokit/migrations"
)

// EnvURL names an existing database to test against instead of starting
// a container.
const EnvURL = "POSTGRES_URL"

// connect opens dsn, migrates it and registers a cleanup that empties the
// application tables and closes the pool.
func connect(t *testing.T, dsn string) *sql.DB {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("testutil: open: %v", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		t.Fatalf("testutil: ping: %v", err)
	}
	if _, err := migrations.Up(ctx, db); err != nil {
		_ = db.Close()
		t.Fatalf("testutil: %v", err)
	}

	t.Cleanup(func() {
		if err := Truncate(context.Background(), db); err != nil {
			t.Logf("testutil: truncate: %v", err)
		}
		_ = db.Close()
	})
	return db
}

// Truncate empties every application table, keeping the schema and the
// goose version table.
func Truncate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, "TRUNCATE "+strings.Join(migrations.Tables, ", ")+" CASCADE")
	return err
}
