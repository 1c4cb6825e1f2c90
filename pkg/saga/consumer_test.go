package saga_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/settle/pkg/broker"
	"github.com/platinummonkey/settle/pkg/saga"
	"github.com/platinummonkey/settle/pkg/storage/memory"
)

func TestReactorSubscribe(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	b := broker.NewMemoryBroker(nil)
	defer b.Close()

	reactor := saga.NewReactor(store)
	require.NoError(t, reactor.Subscribe(ctx, b))

	rec := seed(t, store, validRequest(), saga.StatusInvoiceGenerated, baseTime)
	publish := func(topic string, v interface{}) {
		body, err := json.Marshal(v)
		require.NoError(t, err)
		require.NoError(t, b.Publish(ctx, topic, rec.OrchestrationID, body))
	}

	publish(saga.TopicPaymentResult, paymentSuccess(rec))
	got, _ := store.Record(rec.Key)
	assert.Equal(t, saga.StatusPaymentCompleted, got.Status)

	publish(saga.TopicSettlementResult, settlementResult(got, saga.SettlementStatusFailed))
	got, _ = store.Record(rec.Key)
	assert.Equal(t, saga.StatusCompensationInProgress, got.Status)

	publish(saga.TopicPaymentCompensationResult, compensationResult(got, saga.CompensationCompensated))
	got, _ = store.Record(rec.Key)
	assert.Equal(t, saga.StatusCompensated, got.Status)

	assert.Zero(t, b.Redeliver())
}

func TestReactorSubscribe_WireFormat(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	b := broker.NewMemoryBroker(nil)
	defer b.Close()
	require.NoError(t, saga.NewReactor(store).Subscribe(ctx, b))

	rec := seed(t, store, validRequest(), saga.StatusInvoiceGenerated, baseTime)
	body := `{
		"eventId": "EVT-ext",
		"tenantId": "` + rec.Key.TenantID + `",
		"orchestrationId": "` + rec.OrchestrationID + `",
		"idempotencyKey": "` + rec.Key.IdempotencyKey + `",
		"invoiceId": "INV-1",
		"transactionId": "TX-wire",
		"amountCents": 1250,
		"currency": "USD",
		"status": "SUCCESS"
	}`
	require.NoError(t, b.Publish(ctx, saga.TopicPaymentResult, "k", []byte(body)))

	got, _ := store.Record(rec.Key)
	assert.Equal(t, saga.StatusPaymentCompleted, got.Status)
	assert.Equal(t, "TX-wire", got.PaymentTransactionID)
}

func TestReactorSubscribe_UndecodableIsAcked(t *testing.T) {
	ctx := context.Background()
	b := broker.NewMemoryBroker(nil)
	defer b.Close()
	require.NoError(t, saga.NewReactor(memory.New()).Subscribe(ctx, b))

	require.NoError(t, b.Publish(ctx, saga.TopicSettlementResult, "k", []byte("not json")))
	assert.Zero(t, b.Redeliver())
}

func TestReactorSubscribe_StoreErrorIsRedelivered(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	faulty := &faultyStore{Store: mem, txErr: errBoom}
	b := broker.NewMemoryBroker(nil)
	defer b.Close()
	require.NoError(t, saga.NewReactor(faulty).Subscribe(ctx, b))

	rec := seed(t, mem, validRequest(), saga.StatusInvoiceGenerated, baseTime)
	body, err := json.Marshal(paymentSuccess(rec))
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, saga.TopicPaymentResult, "k", body))
	assert.Equal(t, 1, b.Redeliver())

	faulty.mu.Lock()
	faulty.txErr = nil
	faulty.mu.Unlock()

	assert.Zero(t, b.Redeliver())
	got, _ := mem.Record(rec.Key)
	assert.Equal(t, saga.StatusPaymentCompleted, got.Status)
}

func TestReactorSubscribe_ClosedBroker(t *testing.T) {
	b := broker.NewMemoryBroker(nil)
	require.NoError(t, b.Close())

	err := saga.NewReactor(memory.New()).Subscribe(context.Background(), b)
	assert.ErrorIs(t, err, broker.ErrClosed)
}
