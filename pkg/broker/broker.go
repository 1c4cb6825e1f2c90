package broker

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = errors.New("broker: closed")

// Message is one delivery from a topic.
type Message struct {
	ID      string
	Topic   string
	Key     string
	Payload []byte
}

// Handler processes a message. Returning an error leaves the message for redelivery.
type Handler func(ctx context.Context, msg Message) error

// Publisher sends payloads to a topic, partitioned by key.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
}

// Subscriber delivers topic messages at least once to a consumer group.
type Subscriber interface {
	// Subscribe starts consuming topic as part of group. Consumption stops when ctx
	// is cancelled or the broker is closed.
	Subscribe(ctx context.Context, topic, group string, handler Handler) error
}

// Broker is a Publisher and Subscriber.
type Broker interface {
	Publisher
	Subscriber
	Close() error
}
