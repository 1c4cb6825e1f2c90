// Package idempotency composes the deduplication keys shared by every saga participant.
//
// # Overview
//
// A key has the form tenantId:operationCode:idempotencyKey. When the caller does not
// send an Idempotency-Key, a deterministic fallback is derived from the request fields
// that identify the logical request, so byte-identical retries collapse to one key.
//
// # Usage Example
//
//	key := idempotency.Resolve(req.TenantID, idempotency.OperationInvoiceGenerateAndSettle,
//		r.Header.Get("Idempotency-Key"), idempotency.Fingerprint{
//			TenantID:         req.TenantID,
//			CustomerID:       req.CustomerID,
//			BillingPeriod:    req.BillingPeriod,
//			Currency:         req.Currency,
//			LineAmountsCents: req.LineAmountsCents,
//		})
//
// All functions are pure.
//
// # Related Packages
//
//   - pkg/saga: Uses composite keys for inbox and orchestration records
//   - pkg/billing: Uses composite keys for invoice get-or-create
package idempotency
