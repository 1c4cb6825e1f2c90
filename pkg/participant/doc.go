// Package participant simulates the payment and settlement services that answer
// saga requests, for local end-to-end runs.
//
// # Overview
//
// PaymentLedger approves charges up to a configured limit and declines larger
// ones. SettlementLedger settles a payment when its status is SUCCESS and the
// currency is not blocked. Both ledgers are keyed by tenant, operation code and
// idempotency key, so a redelivered request yields the original outcome. State is
// held in memory only.
//
// Simulator subscribes to the request topics, drops messages without full
// correlation and publishes results keyed by orchestration ID.
//
// # Usage Example
//
//	sim := participant.NewSimulator(
//		participant.NewPaymentLedger(cfg.Participants.PaymentLimitCents),
//		participant.NewSettlementLedger(cfg.Participants.BlockedCurrencies),
//		broker, logger)
//	if err := sim.Subscribe(ctx, broker); err != nil {
//		return err
//	}
//
// # Related Packages
//
//   - pkg/saga: Request and result event payloads
//   - pkg/broker: Transport
package participant
