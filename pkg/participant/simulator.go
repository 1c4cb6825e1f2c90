package participant

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/platinummonkey/settle/pkg/broker"
	"github.com/platinummonkey/settle/pkg/observability"
	"github.com/platinummonkey/settle/pkg/saga"
)

// Consumer groups, one per simulated service.
const (
	PaymentConsumerGroup    = "payment-service"
	SettlementConsumerGroup = "settlement-service"
)

// EventIDPrefix prefixes result event identifiers.
const EventIDPrefix = "EVT-"

// Simulator answers saga requests from the broker with the payment and
// settlement ledgers and publishes results keyed by orchestration ID.
type Simulator struct {
	payments    *PaymentLedger
	settlements *SettlementLedger
	publisher   broker.Publisher
	logger      *observability.Logger
}

// NewSimulator creates a simulator publishing results to publisher.
func NewSimulator(payments *PaymentLedger, settlements *SettlementLedger, publisher broker.Publisher, logger *observability.Logger) *Simulator {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Simulator{
		payments:    payments,
		settlements: settlements,
		publisher:   publisher,
		logger:      logger,
	}
}

// Subscribe consumes the payment, compensation and settlement request topics.
func (s *Simulator) Subscribe(ctx context.Context, sub broker.Subscriber) error {
	subscriptions := []struct {
		topic   string
		group   string
		handler broker.Handler
	}{
		{saga.TopicPaymentRequested, PaymentConsumerGroup, decoding(s, s.OnPaymentRequested)},
		{saga.TopicPaymentCompensationRequested, PaymentConsumerGroup, decoding(s, s.OnPaymentCompensationRequested)},
		{saga.TopicSettlementRequested, SettlementConsumerGroup, decoding(s, s.OnSettlementRequested)},
	}
	for _, sc := range subscriptions {
		if err := sub.Subscribe(ctx, sc.topic, sc.group, sc.handler); err != nil {
			return fmt.Errorf("subscribe %s: %w", sc.topic, err)
		}
	}
	return nil
}

// OnPaymentRequested charges the invoice and publishes the payment result.
func (s *Simulator) OnPaymentRequested(ctx context.Context, event saga.PaymentRequestedEvent) error {
	if !s.correlated(event.Correlation, "payment_requested_ignored") {
		return nil
	}
	payment := s.payments.Process(PaymentRequest{
		TenantID:       event.TenantID,
		InvoiceID:      event.InvoiceID,
		IdempotencyKey: event.IdempotencyKey,
		AmountCents:    event.AmountCents,
		Currency:       event.Currency,
	})
	s.logger.WithFields(map[string]interface{}{
		"orchestration_id": event.OrchestrationID,
		"transaction_id":   payment.TransactionID,
		"status":           payment.Status,
	}).Info("payment_processed")

	return s.publish(ctx, saga.TopicPaymentResult, event.OrchestrationID, saga.PaymentResultEvent{
		EventID:           EventIDPrefix + uuid.NewString(),
		Correlation:       event.Correlation,
		InvoiceID:         event.InvoiceID,
		TransactionID:     payment.TransactionID,
		AmountCents:       payment.AmountCents,
		Currency:          payment.Currency,
		Status:            payment.Status,
		ProviderReference: payment.ProviderReference,
		ProcessedAt:       payment.ProcessedAt,
	})
}

// OnPaymentCompensationRequested reverses the payment and publishes the outcome.
func (s *Simulator) OnPaymentCompensationRequested(ctx context.Context, event saga.PaymentCompensationRequestedEvent) error {
	if !s.correlated(event.Correlation, "payment_compensation_requested_ignored") {
		return nil
	}
	payment := s.payments.Compensate(event.TenantID, event.IdempotencyKey, event.TransactionID)

	status := saga.CompensationFailed
	if payment.Status == PaymentStatusCompensated {
		status = saga.CompensationCompensated
	}
	s.logger.WithFields(map[string]interface{}{
		"orchestration_id": event.OrchestrationID,
		"transaction_id":   event.TransactionID,
		"status":           status,
	}).Info("payment_compensated")

	return s.publish(ctx, saga.TopicPaymentCompensationResult, event.OrchestrationID, saga.PaymentCompensationResultEvent{
		EventID:       EventIDPrefix + uuid.NewString(),
		Correlation:   event.Correlation,
		TransactionID: event.TransactionID,
		Status:        status,
		Reason:        payment.ProviderReference,
		ProcessedAt:   payment.ProcessedAt,
	})
}

// OnSettlementRequested runs the settlement and publishes its final status.
func (s *Simulator) OnSettlementRequested(ctx context.Context, event saga.SettlementRequestedEvent) error {
	if !s.correlated(event.Correlation, "settlement_requested_ignored") {
		return nil
	}
	settlement := s.settlements.Start(SettlementRequest{
		TenantID:             event.TenantID,
		InvoiceID:            event.InvoiceID,
		PaymentTransactionID: event.PaymentTransactionID,
		IdempotencyKey:       event.IdempotencyKey,
		AmountCents:          event.AmountCents,
		Currency:             event.Currency,
		PaymentStatus:        event.PaymentStatus,
	})
	s.logger.WithFields(map[string]interface{}{
		"orchestration_id": event.OrchestrationID,
		"saga_id":          settlement.SagaID,
		"status":           settlement.Status,
	}).Info("settlement_processed")

	return s.publish(ctx, saga.TopicSettlementResult, event.OrchestrationID, saga.SettlementResultEvent{
		EventID:              EventIDPrefix + uuid.NewString(),
		Correlation:          event.Correlation,
		SagaID:               settlement.SagaID,
		InvoiceID:            event.InvoiceID,
		PaymentTransactionID: event.PaymentTransactionID,
		AmountCents:          settlement.AmountCents,
		Currency:             settlement.Currency,
		Status:               settlement.Status,
		UpdatedAt:            settlement.UpdatedAt,
	})
}

func (s *Simulator) correlated(c saga.Correlation, message string) bool {
	if c.Complete() {
		return true
	}
	s.logger.WithFields(map[string]interface{}{
		"reason":           "missing_correlation",
		"tenant_id":        c.TenantID,
		"orchestration_id": c.OrchestrationID,
		"idempotency_key":  c.IdempotencyKey,
	}).Warn(message)
	return false
}

// publish returns the error so the request is redelivered; the ledgers are
// idempotent, so the redelivery reproduces the same result.
func (s *Simulator) publish(ctx context.Context, topic, key string, event interface{}) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode %s result: %w", topic, err)
	}
	if err := s.publisher.Publish(ctx, topic, key, payload); err != nil {
		return fmt.Errorf("failed to publish %s: %w", topic, err)
	}
	return nil
}

func decoding[T any](s *Simulator, fn func(context.Context, T) error) broker.Handler {
	return func(ctx context.Context, msg broker.Message) error {
		var event T
		if err := json.Unmarshal(msg.Payload, &event); err != nil {
			s.logger.WithError(err).WithFields(map[string]interface{}{
				"topic":      msg.Topic,
				"message_id": msg.ID,
			}).Warn("request_ignored_undecodable")
			return nil
		}
		return fn(ctx, event)
	}
}
