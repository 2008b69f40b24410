// Package migrations embeds the goose SQL migrations so the server, the
// migrate command and the integration tests apply the same schema.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

// FS holds every *.sql migration in this directory.
//
//go:embed *.sql
var FS embed.FS

// Tables lists the application tables in creation order.
var Tables = []string{
	"usage_periods",
	"subdistributors",
	"accounts",
	"labels",
	"label_memberships",
	"invitations",
	"api_keys",
	"notification_webhooks",
}

// Up applies every pending migration to a PostgreSQL database and returns
// how many ran.
func Up(ctx context.Context, db *sql.DB) (int, error) {
	p, err := goose.NewProvider(goose.DialectPostgres, db, FS)
	if err != nil {
		return 0, fmt.Errorf("migrations: %w", err)
	}
	results, err := p.Up(ctx)
	if err != nil {
		return len(results), fmt.Errorf("migrations: up: %w", err)
	}
	return len(results), nil
}
