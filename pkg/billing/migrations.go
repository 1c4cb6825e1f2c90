package billing

// Migration is a versioned schema change for the invoices table
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns the invoice schema migrations. The DDL is portable between
// PostgreSQL and SQLite.
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create invoices table",
			SQL: `
CREATE TABLE IF NOT EXISTS invoices (
    invoice_id      VARCHAR(64) PRIMARY KEY,
    tenant_id       VARCHAR(128) NOT NULL,
    customer_id     VARCHAR(128) NOT NULL,
    billing_period  VARCHAR(32) NOT NULL,
    total_cents     BIGINT NOT NULL,
    currency        VARCHAR(3) NOT NULL,
    status          VARCHAR(32) NOT NULL,
    idempotency_key VARCHAR(512) NOT NULL,
    created_at      BIGINT NOT NULL,
    UNIQUE (tenant_id, idempotency_key)
);`,
		},
	}
}
