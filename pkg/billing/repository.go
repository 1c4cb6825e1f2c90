package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

// SQLRepository stores invoices in the invoices table. Queries use $n placeholders,
// which both lib/pq and go-sqlite3 accept.
type SQLRepository struct {
	db *sql.DB
}

// NewSQLRepository creates an invoice repository
func NewSQLRepository(db *sql.DB) *SQLRepository {
	return &SQLRepository{db: db}
}

const invoiceColumns = `invoice_id, tenant_id, customer_id, billing_period, total_cents, currency, status, idempotency_key, created_at`

// FindByID retrieves an invoice by ID
func (r *SQLRepository) FindByID(ctx context.Context, invoiceID string) (*Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE invoice_id = $1`
	return r.scanOne(r.db.QueryRowContext(ctx, query, invoiceID))
}

// FindByKey retrieves an invoice by tenant and composite idempotency key
func (r *SQLRepository) FindByKey(ctx context.Context, tenantID, idempotencyKey string) (*Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE tenant_id = $1 AND idempotency_key = $2`
	return r.scanOne(r.db.QueryRowContext(ctx, query, tenantID, idempotencyKey))
}

// InsertIfAbsent creates the invoice or returns the one already stored for its key
func (r *SQLRepository) InsertIfAbsent(ctx context.Context, invoice *Invoice) (*Invoice, bool, error) {
	query := `
		INSERT INTO invoices (` + invoiceColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (tenant_id, idempotency_key) DO NOTHING
	`
	res, err := r.db.ExecContext(ctx, query,
		invoice.InvoiceID, invoice.TenantID, invoice.CustomerID, invoice.BillingPeriod,
		invoice.TotalCents, invoice.Currency, string(invoice.Status), invoice.IdempotencyKey,
		invoice.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert invoice: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert invoice: %w", err)
	}
	if n == 1 {
		return invoice, true, nil
	}

	existing, err := r.FindByKey(ctx, invoice.TenantID, invoice.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *SQLRepository) scanOne(row *sql.Row) (*Invoice, error) {
	invoice := &Invoice{}
	var status string
	var createdAt int64
	err := row.Scan(
		&invoice.InvoiceID, &invoice.TenantID, &invoice.CustomerID, &invoice.BillingPeriod,
		&invoice.TotalCents, &invoice.Currency, &status, &invoice.IdempotencyKey, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvoiceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invoice: %w", err)
	}
	invoice.Status = InvoiceStatus(status)
	invoice.CreatedAt = time.UnixMilli(createdAt).UTC()
	return invoice, nil
}

// MemoryRepository keeps invoices in process memory
type MemoryRepository struct {
	mu    sync.RWMutex
	byID  map[string]*Invoice
	byKey map[string]string
}

// NewMemoryRepository creates an empty in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:  make(map[string]*Invoice),
		byKey: make(map[string]string),
	}
}

func (r *MemoryRepository) FindByID(_ context.Context, invoiceID string) (*Invoice, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	invoice, ok := r.byID[invoiceID]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	c := *invoice
	return &c, nil
}

func (r *MemoryRepository) FindByKey(_ context.Context, tenantID, idempotencyKey string) (*Invoice, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byKey[tenantID+"\x00"+idempotencyKey]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	c := *r.byID[id]
	return &c, nil
}

func (r *MemoryRepository) InsertIfAbsent(_ context.Context, invoice *Invoice) (*Invoice, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := invoice.TenantID + "\x00" + invoice.IdempotencyKey
	if id, ok := r.byKey[k]; ok {
		c := *r.byID[id]
		return &c, false, nil
	}
	c := *invoice
	r.byID[c.InvoiceID] = &c
	r.byKey[k] = c.InvoiceID
	return invoice, true, nil
}

// Len returns the number of stored invoices
func (r *MemoryRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
