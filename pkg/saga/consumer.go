package saga

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/platinummonkey/settle/pkg/broker"
)

// ConsumerGroup is the broker group the orchestrator consumes results with.
const ConsumerGroup = "invoice-orchestrator"

// Subscribe wires the reactor handlers to the participant result topics.
func (r *Reactor) Subscribe(ctx context.Context, sub broker.Subscriber) error {
	handlers := map[string]broker.Handler{
		TopicPaymentResult: decoding(r, func(ctx context.Context, e PaymentResultEvent) error {
			return r.OnPaymentResult(ctx, e)
		}),
		TopicSettlementResult: decoding(r, func(ctx context.Context, e SettlementResultEvent) error {
			return r.OnSettlementResult(ctx, e)
		}),
		TopicPaymentCompensationResult: decoding(r, func(ctx context.Context, e PaymentCompensationResultEvent) error {
			return r.OnPaymentCompensationResult(ctx, e)
		}),
	}
	for _, topic := range []string{TopicPaymentResult, TopicSettlementResult, TopicPaymentCompensationResult} {
		if err := sub.Subscribe(ctx, topic, ConsumerGroup, handlers[topic]); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	return nil
}

// decoding adapts a typed handler to a broker handler. Payloads that do not decode
// are logged and acknowledged since redelivery cannot fix them.
func decoding[T any](r *Reactor, fn func(context.Context, T) error) broker.Handler {
	return func(ctx context.Context, msg broker.Message) error {
		var event T
		if err := json.Unmarshal(msg.Payload, &event); err != nil {
			r.logger.WithError(err).WithFields(map[string]interface{}{
				"topic":      msg.Topic,
				"message_id": msg.ID,
				"key":        msg.Key,
			}).Warn("message_ignored_undecodable")
			return nil
		}
		return fn(ctx, event)
	}
}
