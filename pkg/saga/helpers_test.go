package saga_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/settle/pkg/billing"
	"github.com/platinummonkey/settle/pkg/saga"
	"github.com/platinummonkey/settle/pkg/storage/memory"
)

var baseTime = time.Date(2026, 9, 30, 12, 0, 0, 0, time.UTC)

// clock is a settable time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: baseTime} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recordingMetrics counts increments by name.
type recordingMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{counts: make(map[string]int)}
}

func (m *recordingMetrics) Increment(_ context.Context, name string) {
	m.mu.Lock()
	m.counts[name]++
	m.mu.Unlock()
}

func (m *recordingMetrics) Count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[name]
}

// mockInvoices wraps a real billing service and counts Generate calls. GenerateFunc
// replaces the service when set.
type mockInvoices struct {
	mu           sync.Mutex
	calls        int
	service      *billing.Service
	GenerateFunc func(ctx context.Context, req billing.GenerateRequest) (*billing.Invoice, error)
}

func newMockInvoices(repo billing.Repository) *mockInvoices {
	return &mockInvoices{service: billing.NewService(repo, nil, nil)}
}

func (m *mockInvoices) Generate(ctx context.Context, req billing.GenerateRequest) (*billing.Invoice, error) {
	m.mu.Lock()
	m.calls++
	fn := m.GenerateFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return m.service.Generate(ctx, req)
}

func (m *mockInvoices) FindByID(ctx context.Context, invoiceID string) (*billing.Invoice, error) {
	return m.service.FindByID(ctx, invoiceID)
}

func (m *mockInvoices) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// faultyStore injects failures into transactions of the wrapped store.
type faultyStore struct {
	saga.Store

	mu         sync.Mutex
	enqueueErr error
	conflicts  int // UpdateOrchestration calls that report a conflict
	txErr      error
	afterFind  func()
}

func (s *faultyStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx saga.Tx) error) error {
	s.mu.Lock()
	txErr := s.txErr
	s.mu.Unlock()
	if txErr != nil {
		return txErr
	}
	return s.Store.WithinTx(ctx, func(ctx context.Context, tx saga.Tx) error {
		return fn(ctx, &faultyTx{Tx: tx, store: s})
	})
}

func (s *faultyStore) FindStale(ctx context.Context, statuses []saga.Status, cutoff time.Time, limit int) ([]*saga.OrchestrationRecord, error) {
	recs, err := s.Store.FindStale(ctx, statuses, cutoff, limit)
	if err == nil && s.afterFind != nil {
		s.afterFind()
	}
	return recs, err
}

type faultyTx struct {
	saga.Tx
	store *faultyStore
}

func (t *faultyTx) EnqueueOutbox(ctx context.Context, event *saga.OutboxEvent) error {
	t.store.mu.Lock()
	err := t.store.enqueueErr
	t.store.mu.Unlock()
	if err != nil {
		return err
	}
	return t.Tx.EnqueueOutbox(ctx, event)
}

func (t *faultyTx) UpdateOrchestration(ctx context.Context, rec *saga.OrchestrationRecord) error {
	t.store.mu.Lock()
	if t.store.conflicts > 0 {
		t.store.conflicts--
		t.store.mu.Unlock()
		return saga.ErrConflict
	}
	t.store.mu.Unlock()
	return t.Tx.UpdateOrchestration(ctx, rec)
}

var errBoom = errors.New("boom")

func validRequest() saga.Request {
	return saga.Request{
		TenantID:         "tenant-a",
		CustomerID:       "cust-1",
		BillingPeriod:    "2026-09",
		Currency:         "USD",
		LineAmountsCents: []int64{1000, 250},
		IdempotencyKey:   "req-1",
	}
}

// seed stores a record for the key of req in status with the given ids.
func seed(t *testing.T, store *memory.Store, req saga.Request, status saga.Status, updated time.Time) *saga.OrchestrationRecord {
	t.Helper()
	rec := &saga.OrchestrationRecord{
		OrchestrationID: saga.NewID(saga.OrchestrationIDPrefix),
		Key:             req.Key(),
		Status:          status,
		Version:         1,
		CreatedAt:       updated,
		UpdatedAt:       updated,
	}
	switch status {
	case saga.StatusReceived:
	case saga.StatusInvoiceGenerated:
		rec.InvoiceID = "INV-1"
	default:
		rec.InvoiceID = "INV-1"
		rec.PaymentTransactionID = "TX-1"
	}
	store.Seed(rec)
	got, ok := store.Record(rec.Key)
	require.True(t, ok)
	return got
}

func correlation(rec *saga.OrchestrationRecord) saga.Correlation {
	return saga.Correlation{
		TenantID:        rec.Key.TenantID,
		OrchestrationID: rec.OrchestrationID,
		IdempotencyKey:  rec.Key.IdempotencyKey,
	}
}

func eventsOfType(events []*saga.OutboxEvent, eventType saga.EventType) []*saga.OutboxEvent {
	out := make([]*saga.OutboxEvent, 0)
	for _, e := range events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

func decode(t *testing.T, e *saga.OutboxEvent, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(e.Payload, v))
}
