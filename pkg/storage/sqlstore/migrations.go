package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/platinummonkey/settle/pkg/observability"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns the saga schema migrations. Timestamps are stored as unix
// milliseconds so the DDL runs unchanged on PostgreSQL and SQLite.
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create orchestrations table",
			SQL: `
				CREATE TABLE IF NOT EXISTS orchestrations (
					orchestration_id VARCHAR(64) PRIMARY KEY,
					tenant_id VARCHAR(128) NOT NULL,
					operation_code VARCHAR(64) NOT NULL,
					idempotency_key VARCHAR(512) NOT NULL,
					invoice_id VARCHAR(64) NOT NULL DEFAULT '',
					payment_transaction_id VARCHAR(128) NOT NULL DEFAULT '',
					settlement_saga_id VARCHAR(128) NOT NULL DEFAULT '',
					status VARCHAR(32) NOT NULL,
					failure_reason VARCHAR(64) NOT NULL DEFAULT '',
					version BIGINT NOT NULL,
					created_at BIGINT NOT NULL,
					updated_at BIGINT NOT NULL,
					UNIQUE (tenant_id, operation_code, idempotency_key)
				);

				CREATE INDEX IF NOT EXISTS idx_orchestrations_status_updated_at ON orchestrations(status, updated_at);
			`,
		},
		{
			Version:     2,
			Description: "Create inbox_records table",
			SQL: `
				CREATE TABLE IF NOT EXISTS inbox_records (
					tenant_id VARCHAR(128) NOT NULL,
					operation_code VARCHAR(64) NOT NULL,
					idempotency_key VARCHAR(512) NOT NULL,
					orchestration_id VARCHAR(64) NOT NULL,
					status VARCHAR(16) NOT NULL,
					created_at BIGINT NOT NULL,
					updated_at BIGINT NOT NULL,
					PRIMARY KEY (tenant_id, operation_code, idempotency_key)
				);
			`,
		},
		{
			Version:     3,
			Description: "Create outbox_events table",
			SQL: `
				CREATE TABLE IF NOT EXISTS outbox_events (
					event_id VARCHAR(64) PRIMARY KEY,
					orchestration_id VARCHAR(64) NOT NULL,
					tenant_id VARCHAR(128) NOT NULL,
					event_type VARCHAR(64) NOT NULL,
					payload TEXT NOT NULL,
					status VARCHAR(16) NOT NULL,
					attempt_count INTEGER NOT NULL DEFAULT 0,
					last_error TEXT NOT NULL DEFAULT '',
					created_at BIGINT NOT NULL,
					published_at BIGINT
				);

				CREATE INDEX IF NOT EXISTS idx_outbox_events_status_created_at ON outbox_events(status, created_at);
				CREATE INDEX IF NOT EXISTS idx_outbox_events_orchestration_id ON outbox_events(orchestration_id);
			`,
		},
	}
}

// RunMigrations applies the pending migrations of one named set, each in its own
// transaction, recording them in schema_migrations.
func RunMigrations(ctx context.Context, db *sql.DB, set string, migrations []Migration, logger *observability.Logger) (int, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}

	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			migration_set VARCHAR(64) NOT NULL,
			version INTEGER NOT NULL,
			description TEXT NOT NULL,
			applied_at BIGINT NOT NULL,
			PRIMARY KEY (migration_set, version)
		)
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations WHERE migration_set = $1 ORDER BY version", set)
	if err != nil {
		return 0, fmt.Errorf("failed to query migrations: %w", err)
	}
	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("failed to read migrations: %w", err)
	}
	rows.Close()

	count := 0
	for _, migration := range migrations {
		if applied[migration.Version] {
			continue
		}
		log := logger.WithFields(map[string]interface{}{
			"set":         set,
			"version":     migration.Version,
			"description": migration.Description,
		})

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return count, fmt.Errorf("failed to start transaction: %w", err)
		}
		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			tx.Rollback()
			return count, fmt.Errorf("failed to execute migration %s/%d: %w", set, migration.Version, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (migration_set, version, description, applied_at) VALUES ($1, $2, $3, $4)",
			set, migration.Version, migration.Description, time.Now().UnixMilli(),
		); err != nil {
			tx.Rollback()
			return count, fmt.Errorf("failed to record migration %s/%d: %w", set, migration.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return count, fmt.Errorf("failed to commit migration %s/%d: %w", set, migration.Version, err)
		}

		log.Info("migration_applied")
		count++
	}
	return count, nil
}
