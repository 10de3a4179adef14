// Package sqlstore implements the persistence ports (budget ledger,
// capability registry, approvals) on a SQL store via sqlx. PostgreSQL is
// the production target; SQLite serves single-node and test deployments.
package sqlstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	// Database drivers registered for sqlx.Open.
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// schema is portable DDL shared by the sqlite and postgres dialects.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS budget_ledger (
		ts TIMESTAMP NOT NULL,
		principal_id TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		estimated_cost TEXT NOT NULL,
		actual_cost TEXT NOT NULL,
		currency TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_principal_ts
		ON budget_ledger (principal_id, ts)`,
	`CREATE TABLE IF NOT EXISTS servers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		transport TEXT NOT NULL,
		endpoint TEXT NOT NULL DEFAULT '',
		sensitivity TEXT NOT NULL,
		owner_id TEXT NOT NULL DEFAULT '',
		teams TEXT NOT NULL DEFAULT '[]',
		tags TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_servers_created ON servers (created_at, id)`,
	`CREATE TABLE IF NOT EXISTS capabilities (
		id TEXT PRIMARY KEY,
		server_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		input_schema TEXT NOT NULL DEFAULT '{}',
		sensitivity TEXT NOT NULL,
		override_record TEXT,
		requires_approval BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_capabilities_server ON capabilities (server_id)`,
	`CREATE TABLE IF NOT EXISTS approvals (
		id TEXT PRIMARY KEY,
		requester_id TEXT NOT NULL,
		tool_id TEXT NOT NULL,
		justification TEXT NOT NULL,
		duration_ns BIGINT NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		granted_at TIMESTAMP,
		expires_at TIMESTAMP,
		reviewer_id TEXT NOT NULL DEFAULT '',
		reviewer_notes TEXT NOT NULL DEFAULT '',
		used BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals (status, created_at)`,
}

// Open connects, verifies the connection, and applies the schema.
// driver is "postgres" or "sqlite".
func Open(ctx context.Context, driver, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate applies the schema statements.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '('); i > 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
