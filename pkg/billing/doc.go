// Package billing generates invoices for the settlement saga.
//
// # Overview
//
// Service.Generate is idempotent per tenant and idempotency key: the key is composed
// with the INVOICE_GENERATE operation code and enforced by a unique constraint, so
// concurrent or retried requests yield the same invoice. Totals are the sum of the
// request line amounts in integer cents.
//
// # Usage Example
//
//	svc := billing.NewService(billing.NewSQLRepository(db), billing.NewCache(1000, 10*time.Minute), logger)
//	invoice, err := svc.Generate(ctx, billing.GenerateRequest{
//		TenantID:         "tenant-a",
//		CustomerID:       "cust-1",
//		BillingPeriod:    "2026-09",
//		Currency:         "EUR",
//		LineAmountsCents: []int64{1500, 2000},
//		IdempotencyKey:   "req-42",
//	})
//
// # Related Packages
//
//   - pkg/saga: Calls Generate and FindByID while orchestrating
//   - pkg/idempotency: Key composition
package billing
