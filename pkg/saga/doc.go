// Package saga implements the invoice generate-and-settle saga: the orchestration
// record and its state machine, the inbox and outbox contracts, the orchestrator,
// the result reactor and the timeout watcher.
//
// # Overview
//
// One client request maps to one inbox entry and one orchestration record, keyed
// by tenant, operation code and idempotency key. The record moves through
//
//	RECEIVED -> INVOICE_GENERATED -> PAYMENT_COMPLETED -> SETTLEMENT_COMPLETED
//
// or, on failure, into COMPENSATION_REQUIRED, COMPENSATION_IN_PROGRESS,
// COMPENSATED, FAILED or TIMED_OUT. CanTransition is the only authority on which
// moves are legal. Every write compares the record version, and the integration
// event for a state change is enqueued to the outbox in the same transaction.
//
// The Orchestrator starts sagas and replays finished ones. The Reactor consumes
// participant results; duplicates, stale results and results for unknown sagas are
// logged and dropped. The TimeoutWatcher fails sagas that stopped progressing.
//
// # Usage Example
//
//	orchestrator := saga.NewOrchestrator(store, invoices, saga.WithLogger(logger))
//	res, err := orchestrator.StartOrGetSaga(ctx, saga.Request{
//		TenantID:         "acme",
//		CustomerID:       "cust-1001",
//		BillingPeriod:    "2026-02",
//		Currency:         "USD",
//		LineAmountsCents: []int64{1500, 2000},
//		IdempotencyKey:   "inv-evt-0001",
//	})
//
//	reactor := saga.NewReactor(store, saga.WithLogger(logger))
//	if err := reactor.Subscribe(ctx, broker); err != nil {
//		return err
//	}
//
// # Related Packages
//
//   - pkg/outbox: Publishes enqueued events
//   - pkg/storage: Memory and SQL Store implementations
//   - pkg/idempotency: Composite key rules
package saga
