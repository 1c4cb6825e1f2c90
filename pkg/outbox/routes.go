package outbox

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/platinummonkey/settle/pkg/saga"
)

// ErrUnknownEventType means an outbox row carries a type with no route. It aborts
// the tick because it can only come from a code defect.
var ErrUnknownEventType = errors.New("outbox: unknown event type")

type route struct {
	topic  string
	encode func(payload []byte) ([]byte, error)
}

// routes must cover every saga.EventType.
var routes = map[saga.EventType]route{
	saga.EventPaymentRequested:             {saga.TopicPaymentRequested, reencode[saga.PaymentRequestedEvent]},
	saga.EventSettlementRequested:          {saga.TopicSettlementRequested, reencode[saga.SettlementRequestedEvent]},
	saga.EventPaymentCompensationRequested: {saga.TopicPaymentCompensationRequested, reencode[saga.PaymentCompensationRequestedEvent]},
	saga.EventOrchestrationFailed:          {saga.TopicOrchestrationFailed, reencode[saga.OrchestrationFailedEvent]},
	saga.EventOrchestrationTimeout:         {saga.TopicOrchestrationTimeout, reencode[saga.OrchestrationTimeoutEvent]},
}

// Topic returns the broker topic for an event type.
func Topic(eventType saga.EventType) (string, error) {
	r, ok := routes[eventType]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)
	}
	return r.topic, nil
}

// reencode checks that payload has the shape of T and returns its canonical encoding.
func reencode[T any](payload []byte) ([]byte, error) {
	var v T
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("failed to decode %T payload: %w", v, err)
	}
	return json.Marshal(v)
}
