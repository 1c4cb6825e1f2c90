// Package api provides the HTTP REST API for the settle invoice saga orchestrator.
//
// # Overview
//
// The API is built on gorilla/mux under the /api/v1 prefix:
//
//	POST /api/v1/invoices/generate                                  202 invoice
//	POST /api/v1/invoices/generate-and-settle                       202 saga result
//	GET  /api/v1/invoices/{invoice_id}                              200 invoice, 404
//	GET  /api/v1/tenants/{tenant_id}/orchestrations/{idempotency_key}  200 record, 404
//	POST /api/v1/system/outbox/publish                              run one outbox tick
//	POST /api/v1/system/timeouts/scan                               run one timeout scan
//
// The generate endpoints accept:
//
//	{
//	  "tenant_id": "acme",
//	  "customer_id": "cust-1001",
//	  "billing_period": "2026-02",
//	  "currency": "USD",
//	  "line_amounts_cents": [1500, 2000, 2500],
//	  "idempotency_key": "inv-evt-0001"
//	}
//
// The Idempotency-Key (or X-Idempotency-Key) header replaces idempotency_key. An
// X-Tenant-ID header must agree with tenant_id, otherwise the request is
// rejected with 409. Without any key the saga is keyed by a fingerprint of the
// request, so identical bodies replay the same orchestration.
//
// generate-and-settle answers once the payment request is queued; the payment
// and settlement fields fill in on later calls as the saga advances.
//
// # Errors
//
// Errors are JSON objects with an "error" field. Validation failures are 400,
// unknown invoices and orchestrations 404, tenant mismatches 409. A failed
// invoice generation is 502 and carries details.orchestration_id so the caller
// can poll the compensating saga.
//
// # Usage Example
//
//	server := api.NewServer(orchestrator, invoices,
//		api.WithLogger(logger),
//		api.WithMetrics(metrics),
//		api.WithJobs(scheduler),
//	)
//	http.ListenAndServe(":8080", server)
//
// # Related Packages
//
//   - pkg/saga: Orchestrator behind generate-and-settle
//   - pkg/billing: Invoice generation and lookup
//   - pkg/jobs: Scheduler used by the system endpoints
//   - pkg/httputil: Response helpers and middleware
package api
