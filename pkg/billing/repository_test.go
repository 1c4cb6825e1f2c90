package billing

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupSQLiteRepository(t *testing.T) *SQLRepository {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	for _, m := range GetMigrations() {
		_, err := db.Exec(m.SQL)
		require.NoError(t, err, m.Description)
	}
	return NewSQLRepository(db)
}

func TestSQLRepository_SQLite(t *testing.T) {
	ctx := context.Background()
	repo := setupSQLiteRepository(t)
	created := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	invoice := &Invoice{
		InvoiceID:      "INV-1",
		TenantID:       "tenant-a",
		CustomerID:     "cust-1",
		BillingPeriod:  "2026-09",
		TotalCents:     3550,
		Currency:       "EUR",
		Status:         InvoiceStatusGenerated,
		IdempotencyKey: "tenant-a:INVOICE_GENERATE:req-1",
		CreatedAt:      created,
	}

	stored, wasCreated, err := repo.InsertIfAbsent(ctx, invoice)
	require.NoError(t, err)
	assert.True(t, wasCreated)
	assert.Equal(t, "INV-1", stored.InvoiceID)

	dup := *invoice
	dup.InvoiceID = "INV-2"
	stored, wasCreated, err = repo.InsertIfAbsent(ctx, &dup)
	require.NoError(t, err)
	assert.False(t, wasCreated)
	assert.Equal(t, "INV-1", stored.InvoiceID)

	got, err := repo.FindByID(ctx, "INV-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3550), got.TotalCents)
	assert.True(t, created.Equal(got.CreatedAt))

	_, err = repo.FindByID(ctx, "INV-2")
	assert.ErrorIs(t, err, ErrInvoiceNotFound)
}

func TestSQLRepository_FindByID_Mock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewSQLRepository(db)
	now := time.Now().UTC()

	t.Run("success", func(t *testing.T) {
		rows := sqlmock.NewRows([]string{
			"invoice_id", "tenant_id", "customer_id", "billing_period", "total_cents",
			"currency", "status", "idempotency_key", "created_at",
		}).AddRow("INV-1", "tenant-a", "cust-1", "2026-09", 4900, "USD", "GENERATED", "k", now.UnixMilli())

		mock.ExpectQuery("SELECT (.+) FROM invoices WHERE invoice_id").
			WithArgs("INV-1").
			WillReturnRows(rows)

		invoice, err := repo.FindByID(context.Background(), "INV-1")
		require.NoError(t, err)
		assert.Equal(t, int64(4900), invoice.TotalCents)
		assert.Equal(t, InvoiceStatusGenerated, invoice.Status)
	})

	t.Run("not found", func(t *testing.T) {
		mock.ExpectQuery("SELECT (.+) FROM invoices WHERE invoice_id").
			WithArgs("INV-404").
			WillReturnError(sql.ErrNoRows)

		_, err := repo.FindByID(context.Background(), "INV-404")
		assert.ErrorIs(t, err, ErrInvoiceNotFound)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLRepository_InsertConflict_Mock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewSQLRepository(db)
	now := time.Now().UTC()

	mock.ExpectExec("INSERT INTO invoices").
		WithArgs(sqlmock.AnyArg(), "tenant-a", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), "key", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM invoices WHERE tenant_id").
		WithArgs("tenant-a", "key").
		WillReturnRows(sqlmock.NewRows([]string{
			"invoice_id", "tenant_id", "customer_id", "billing_period", "total_cents",
			"currency", "status", "idempotency_key", "created_at",
		}).AddRow("INV-existing", "tenant-a", "cust-1", "2026-09", 100, "USD", "GENERATED", "key", now.UnixMilli()))

	got, created, err := repo.InsertIfAbsent(context.Background(), &Invoice{
		InvoiceID: "INV-new", TenantID: "tenant-a", IdempotencyKey: "key", CreatedAt: now,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "INV-existing", got.InvoiceID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
