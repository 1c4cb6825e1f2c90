// Package redisstream implements broker.Broker on Redis Streams consumer groups.
package redisstream

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/settle/pkg/async"
	"github.com/platinummonkey/settle/pkg/broker"
	"github.com/platinummonkey/settle/pkg/observability"
)

const (
	fieldKey     = "key"
	fieldPayload = "payload"
)

// Config configures the Redis Streams broker
type Config struct {
	URL        string
	Password   string
	DB         int
	MaxRetries int
	PoolSize   int

	// Consumer names this process within each consumer group. Defaults to the hostname.
	Consumer string
	// BlockTimeout bounds each XREADGROUP call.
	BlockTimeout time.Duration
	// BatchSize is the XREADGROUP COUNT.
	BatchSize int64
	// MaxLen approximately caps each stream; 0 disables trimming.
	MaxLen int64
	// RetryInterval is how long a failed message waits before it is read again.
	RetryInterval time.Duration
	// HandlerTimeout bounds each handler call; 0 means no timeout.
	HandlerTimeout time.Duration
	// ConnectAttempts is how often the initial ping is tried.
	ConnectAttempts uint
}

// DefaultConfig returns sensible consumer defaults
func DefaultConfig() Config {
	return Config{
		URL:             "redis://localhost:6379/0",
		BlockTimeout:    time.Second,
		BatchSize:       16,
		MaxLen:          100000,
		RetryInterval:   5 * time.Second,
		HandlerTimeout:  30 * time.Second,
		ConnectAttempts: 5,
	}
}

type consumer struct {
	cancel context.CancelFunc
	done   <-chan struct{}
}

// Broker publishes to and consumes from Redis Streams. Each topic is a stream and
// each subscriber group a Redis consumer group.
type Broker struct {
	client *redis.Client
	cfg    Config
	logger *observability.Logger

	mu        sync.Mutex
	closed    bool
	consumers []consumer
}

// New connects to Redis, retrying the initial ping
func New(ctx context.Context, cfg Config, logger *observability.Logger) (*Broker, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB > 0 {
		opts.DB = cfg.DB
	}
	if cfg.MaxRetries > 0 {
		opts.MaxRetries = cfg.MaxRetries
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	attempts := cfg.ConnectAttempts
	if attempts == 0 {
		attempts = 1
	}
	err = retry.Do(
		func() error { return client.Ping(ctx).Err() },
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(200*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewWithClient(client, cfg, logger), nil
}

// NewWithClient wraps an existing client
func NewWithClient(client *redis.Client, cfg Config, logger *observability.Logger) *Broker {
	defaults := DefaultConfig()
	if cfg.Consumer == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "settle"
		}
		cfg.Consumer = host
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = defaults.BlockTimeout
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaults.RetryInterval
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Broker{client: client, cfg: cfg, logger: logger}
}

// Client exposes the underlying client for health checks
func (b *Broker) Client() *redis.Client {
	return b.client
}

// Publish appends payload to the topic stream
func (b *Broker) Publish(ctx context.Context, topic, key string, payload []byte) error {
	if b.isClosed() {
		return broker.ErrClosed
	}
	args := &redis.XAddArgs{
		Stream: topic,
		Values: map[string]interface{}{
			fieldKey:     key,
			fieldPayload: payload,
		},
	}
	if b.cfg.MaxLen > 0 {
		args.MaxLen = b.cfg.MaxLen
		args.Approx = true
	}
	if err := b.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", topic, err)
	}
	return nil
}

// Subscribe creates the consumer group if needed and starts a consumer loop
func (b *Broker) Subscribe(ctx context.Context, topic, group string, handler broker.Handler) error {
	if b.isClosed() {
		return broker.ErrClosed
	}
	err := b.client.XGroupCreateMkStream(ctx, topic, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s on %s: %w", group, topic, err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := async.SafeGo(loopCtx, b.logger, "redis consumer "+topic, func(ctx context.Context) error {
		return b.consume(ctx, topic, group, handler)
	})

	b.mu.Lock()
	b.consumers = append(b.consumers, consumer{cancel: cancel, done: done})
	b.mu.Unlock()
	return nil
}

// Close stops all consumer loops and closes the client
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	consumers := b.consumers
	b.consumers = nil
	b.mu.Unlock()

	for _, c := range consumers {
		c.cancel()
	}
	for _, c := range consumers {
		<-c.done
	}
	return b.client.Close()
}

func (b *Broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// consume reads new messages, and periodically re-reads this consumer's pending
// entries so failed messages are retried.
func (b *Broker) consume(ctx context.Context, topic, group string, handler broker.Handler) error {
	logger := b.logger.WithFields(map[string]interface{}{
		"topic":    topic,
		"group":    group,
		"consumer": b.cfg.Consumer,
	})
	// Start with the pending list so messages left by a previous run are retried.
	nextBacklog := time.Now()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		start := ">"
		if !nextBacklog.IsZero() && !time.Now().Before(nextBacklog) {
			start = "0"
			nextBacklog = time.Time{}
		}

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: b.cfg.Consumer,
			Streams:  []string{topic, start},
			Count:    b.cfg.BatchSize,
			Block:    b.cfg.BlockTimeout,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.WithError(err).Warn("stream_read_failed")
			if !sleep(ctx, b.cfg.RetryInterval) {
				return ctx.Err()
			}
			continue
		}

		failed := 0
		for _, stream := range streams {
			for _, m := range stream.Messages {
				if !b.handle(ctx, logger, topic, group, handler, m) {
					failed++
				}
			}
		}
		if failed > 0 && nextBacklog.IsZero() {
			nextBacklog = time.Now().Add(b.cfg.RetryInterval)
		}
	}
}

func (b *Broker) handle(ctx context.Context, logger *observability.Logger, topic, group string, handler broker.Handler, m redis.XMessage) bool {
	msg := broker.Message{
		ID:      m.ID,
		Topic:   topic,
		Key:     stringValue(m.Values[fieldKey]),
		Payload: []byte(stringValue(m.Values[fieldPayload])),
	}

	err := async.Call(ctx, b.cfg.HandlerTimeout, "handler "+topic, func(ctx context.Context) error {
		return handler(ctx, msg)
	})
	if err != nil {
		logger.WithError(err).WithField("message_id", m.ID).Warn("message_handler_failed")
		return false
	}
	if err := b.client.XAck(ctx, topic, group, m.ID).Err(); err != nil {
		logger.WithError(err).WithField("message_id", m.ID).Warn("message_ack_failed")
		return false
	}
	return true
}

func stringValue(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
