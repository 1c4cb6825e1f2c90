// Package outbox delivers saga outbox events to the message broker.
//
// # Overview
//
// Saga state changes write their integration events to the outbox in the same
// transaction as the record update. The Publisher is the only path from the outbox
// to the broker: each tick fetches a batch of NEW and FAILED events, oldest first,
// and publishes them to the topic selected by their event type.
//
// Every delivery attempt is counted before it is made. A successful publish marks
// the event SENT. A failed one marks it FAILED until the attempt cap is reached,
// after which it is marked DEAD_LETTER and copied to the billing.dlq topic and,
// when configured, an S3 archive.
//
// # Usage Example
//
//	publisher := outbox.NewPublisher(store, redisBroker, outbox.Settings{
//		Enabled:     true,
//		BatchSize:   50,
//		MaxAttempts: 5,
//	}, outbox.WithLogger(logger))
//
//	outcome, err := publisher.Tick(ctx)
//
// # Related Packages
//
//   - pkg/saga: event types, payloads and the OutboxStore contract
//   - pkg/jobs: runs Tick on a schedule
package outbox
