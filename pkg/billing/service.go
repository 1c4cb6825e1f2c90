package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/settle/pkg/idempotency"
	"github.com/platinummonkey/settle/pkg/observability"
)

// Generator creates invoices and looks them up
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (*Invoice, error)
	FindByID(ctx context.Context, invoiceID string) (*Invoice, error)
}

// Repository persists invoices
type Repository interface {
	FindByID(ctx context.Context, invoiceID string) (*Invoice, error)
	FindByKey(ctx context.Context, tenantID, idempotencyKey string) (*Invoice, error)
	// InsertIfAbsent stores invoice unless one with the same tenant and key exists.
	// It returns the stored invoice and whether this call created it.
	InsertIfAbsent(ctx context.Context, invoice *Invoice) (*Invoice, bool, error)
}

// Service generates at most one invoice per tenant and idempotency key
type Service struct {
	repo   Repository
	cache  *Cache
	logger *observability.Logger
	now    func() time.Time
}

// NewService creates an invoice service. cache may be nil.
func NewService(repo Repository, cache *Cache, logger *observability.Logger) *Service {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Service{
		repo:   repo,
		cache:  cache,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Generate returns the invoice for the request key, creating it on first use
func (s *Service) Generate(ctx context.Context, req GenerateRequest) (*Invoice, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid invoice request: %w", err)
	}

	key := idempotency.Resolve(req.TenantID, idempotency.OperationInvoiceGenerate, req.IdempotencyKey, idempotency.Fingerprint{
		TenantID:         req.TenantID,
		CustomerID:       req.CustomerID,
		BillingPeriod:    req.BillingPeriod,
		Currency:         req.Currency,
		LineAmountsCents: req.LineAmountsCents,
	})

	existing, err := s.repo.FindByKey(ctx, req.TenantID, key)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrInvoiceNotFound) {
		return nil, fmt.Errorf("failed to look up invoice: %w", err)
	}

	invoice := &Invoice{
		InvoiceID:      InvoiceIDPrefix + uuid.NewString(),
		TenantID:       req.TenantID,
		CustomerID:     req.CustomerID,
		BillingPeriod:  req.BillingPeriod,
		TotalCents:     req.Total(),
		Currency:       strings.ToUpper(req.Currency),
		Status:         InvoiceStatusGenerated,
		IdempotencyKey: key,
		CreatedAt:      s.now(),
	}

	stored, created, err := s.repo.InsertIfAbsent(ctx, invoice)
	if err != nil {
		return nil, fmt.Errorf("failed to create invoice: %w", err)
	}
	if created {
		s.logger.WithFields(map[string]interface{}{
			"invoice_id":  stored.InvoiceID,
			"tenant_id":   stored.TenantID,
			"total_cents": stored.TotalCents,
		}).Info("invoice_generated")
	}
	s.cache.Add(stored)
	return stored, nil
}

// FindByID returns the invoice, consulting the cache first
func (s *Service) FindByID(ctx context.Context, invoiceID string) (*Invoice, error) {
	if invoice, ok := s.cache.Get(invoiceID); ok {
		return invoice, nil
	}
	invoice, err := s.repo.FindByID(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	s.cache.Add(invoice)
	return invoice, nil
}
