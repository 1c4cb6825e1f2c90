package broker

import (
	"context"
	"strconv"
	"sync"

	"github.com/platinummonkey/settle/pkg/observability"
)

type subscription struct {
	group   string
	handler Handler
	ctx     context.Context
}

// MemoryBroker delivers messages synchronously inside Publish. Every consumer group
// subscribed to a topic receives each message once; a handler error keeps the
// message pending for that group until Redeliver succeeds.
type MemoryBroker struct {
	mu        sync.Mutex
	closed    bool
	seq       int64
	published map[string][]Message
	subs      map[string][]*subscription
	pending   []pendingDelivery
	logger    *observability.Logger
}

type pendingDelivery struct {
	sub *subscription
	msg Message
}

// NewMemoryBroker creates an in-process broker
func NewMemoryBroker(logger *observability.Logger) *MemoryBroker {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &MemoryBroker{
		published: make(map[string][]Message),
		subs:      make(map[string][]*subscription),
		logger:    logger,
	}
}

func (b *MemoryBroker) Publish(ctx context.Context, topic, key string, payload []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.seq++
	msg := Message{
		ID:      strconv.FormatInt(b.seq, 10),
		Topic:   topic,
		Key:     key,
		Payload: append([]byte(nil), payload...),
	}
	b.published[topic] = append(b.published[topic], msg)
	subs := append([]*subscription(nil), b.subs[topic]...)
	b.mu.Unlock()

	for _, sub := range subs {
		b.deliver(sub, msg)
	}
	return nil
}

func (b *MemoryBroker) Subscribe(ctx context.Context, topic, group string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.subs[topic] = append(b.subs[topic], &subscription{group: group, handler: handler, ctx: ctx})
	return nil
}

// Redeliver retries pending deliveries once and returns how many are still pending.
func (b *MemoryBroker) Redeliver() int {
	b.mu.Lock()
	retry := b.pending
	b.pending = nil
	b.mu.Unlock()

	for _, p := range retry {
		b.deliver(p.sub, p.msg)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Published returns the messages published to topic so far.
func (b *MemoryBroker) Published(topic string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.published[topic]...)
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *MemoryBroker) deliver(sub *subscription, msg Message) {
	if sub.ctx.Err() != nil {
		return
	}
	if err := sub.handler(sub.ctx, msg); err != nil {
		b.logger.WithError(err).WithFields(map[string]interface{}{
			"topic": msg.Topic,
			"group": sub.group,
		}).Warn("message_handler_failed")
		b.mu.Lock()
		b.pending = append(b.pending, pendingDelivery{sub: sub, msg: msg})
		b.mu.Unlock()
	}
}
