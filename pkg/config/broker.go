package config

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/settle/pkg/broker"
	"github.com/platinummonkey/settle/pkg/broker/redisstream"
	"github.com/platinummonkey/settle/pkg/observability"
)

// Open connects the configured broker. The Redis client is returned for health
// checks and is nil for the memory broker.
func (c BrokerConfig) Open(ctx context.Context, logger *observability.Logger) (broker.Broker, *redis.Client, error) {
	switch c.Driver {
	case BrokerMemory:
		return broker.NewMemoryBroker(logger), nil, nil
	case BrokerRedis:
		b, err := redisstream.New(ctx, c.Redis(), logger)
		if err != nil {
			return nil, nil, err
		}
		return b, b.Client(), nil
	default:
		return nil, nil, fmt.Errorf("unknown broker driver %q", c.Driver)
	}
}
