package redisstream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/settle/pkg/broker"
)

// setupBrokerTest creates a miniredis instance and returns the broker and cleanup function
func setupBrokerTest(t *testing.T) (*Broker, *miniredis.Miniredis, func()) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}

	cfg := DefaultConfig()
	cfg.URL = "redis://" + mr.Addr()
	cfg.Consumer = "test-consumer"
	cfg.BlockTimeout = 50 * time.Millisecond
	cfg.RetryInterval = 100 * time.Millisecond
	cfg.ConnectAttempts = 1

	b, err := New(context.Background(), cfg, nil)
	if err != nil {
		mr.Close()
		t.Fatalf("Failed to create broker: %v", err)
	}

	cleanup := func() {
		b.Close()
		mr.Close()
	}
	return b, mr, cleanup
}

func TestNew_InvalidURL(t *testing.T) {
	_, err := New(context.Background(), Config{URL: "not-a-url://"}, nil)
	assert.Error(t, err)
}

func TestNew_Unreachable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	_, err = New(context.Background(), Config{URL: "redis://" + addr, ConnectAttempts: 2}, nil)
	assert.ErrorContains(t, err, "failed to connect to redis")
}

func TestPublish_AppendsToStream(t *testing.T) {
	b, _, cleanup := setupBrokerTest(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, "billing.payment.requested", "ORCH-1", []byte(`{"a":1}`)))
	require.NoError(t, b.Publish(ctx, "billing.payment.requested", "ORCH-2", []byte(`{"a":2}`)))

	msgs, err := b.Client().XRange(ctx, "billing.payment.requested", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "ORCH-1", msgs[0].Values["key"])
	assert.Equal(t, `{"a":2}`, msgs[1].Values["payload"])
}

func TestSubscribe_DeliversAndAcks(t *testing.T) {
	b, _, cleanup := setupBrokerTest(t)
	defer cleanup()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan broker.Message, 4)
	require.NoError(t, b.Subscribe(ctx, "billing.payment.result", "orchestrator", func(ctx context.Context, msg broker.Message) error {
		received <- msg
		return nil
	}))

	require.NoError(t, b.Publish(ctx, "billing.payment.result", "ORCH-1", []byte(`{"status":"SUCCESS"}`)))

	select {
	case msg := <-received:
		assert.Equal(t, "ORCH-1", msg.Key)
		assert.Equal(t, `{"status":"SUCCESS"}`, string(msg.Payload))
		assert.Equal(t, "billing.payment.result", msg.Topic)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}

	assert.Eventually(t, func() bool {
		pending, err := b.Client().XPending(ctx, "billing.payment.result", "orchestrator").Result()
		return err == nil && pending.Count == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestSubscribe_RedeliversFailedMessage(t *testing.T) {
	b, _, cleanup := setupBrokerTest(t)
	defer cleanup()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	delivered := make(chan struct{})
	var once sync.Once
	require.NoError(t, b.Subscribe(ctx, "billing.settlement.result", "orchestrator", func(ctx context.Context, msg broker.Message) error {
		if calls.Add(1) == 1 {
			return errors.New("store unavailable")
		}
		once.Do(func() { close(delivered) })
		return nil
	}))

	require.NoError(t, b.Publish(ctx, "billing.settlement.result", "ORCH-1", []byte(`{}`)))

	select {
	case <-delivered:
	case <-time.After(3 * time.Second):
		t.Fatalf("message was not redelivered, calls=%d", calls.Load())
	}
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
}

func TestSubscribe_PanickingHandlerKeepsConsumerAlive(t *testing.T) {
	b, _, cleanup := setupBrokerTest(t)
	defer cleanup()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan string, 4)
	require.NoError(t, b.Subscribe(ctx, "topic", "group", func(ctx context.Context, msg broker.Message) error {
		if msg.Key == "bad" {
			panic("malformed")
		}
		got <- msg.Key
		return nil
	}))

	require.NoError(t, b.Publish(ctx, "topic", "bad", nil))
	require.NoError(t, b.Publish(ctx, "topic", "good", nil))

	select {
	case key := <-got:
		assert.Equal(t, "good", key)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer stopped after handler panic")
	}
}

func TestSubscribe_ExistingGroup(t *testing.T) {
	b, _, cleanup := setupBrokerTest(t)
	defer cleanup()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := func(context.Context, broker.Message) error { return nil }
	require.NoError(t, b.Subscribe(ctx, "topic", "group", handler))
	require.NoError(t, b.Subscribe(ctx, "topic", "group", handler), "BUSYGROUP must be tolerated")
}

func TestClosedBroker(t *testing.T) {
	b, _, cleanup := setupBrokerTest(t)
	defer cleanup()

	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Publish(context.Background(), "t", "k", nil), broker.ErrClosed)
	assert.ErrorIs(t, b.Subscribe(context.Background(), "t", "g", nil), broker.ErrClosed)
	assert.NoError(t, b.Close())
}

func TestStringValue(t *testing.T) {
	assert.Equal(t, "a", stringValue("a"))
	assert.Equal(t, "b", stringValue([]byte("b")))
	assert.Equal(t, "", stringValue(nil))
	assert.Equal(t, "7", stringValue(7))
}

