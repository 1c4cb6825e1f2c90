package saga_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/settle/pkg/saga"
	"github.com/platinummonkey/settle/pkg/storage/memory"
)

var defaultTimeoutSettings = saga.TimeoutSettings{Enabled: true, BatchSize: 100, Threshold: 2 * time.Minute}

func newWatcher(store saga.Store, metrics saga.MetricsSink, c *clock) *saga.TimeoutWatcher {
	return saga.NewTimeoutWatcher(store, defaultTimeoutSettings, saga.WithMetrics(metrics), saga.WithClock(c.Now))
}

func TestTimeoutWatcher_TimesOutPrePaymentSaga(t *testing.T) {
	store := memory.New()
	metrics := newRecordingMetrics()
	c := newClock()
	rec := seed(t, store, validRequest(), saga.StatusReceived, baseTime)
	c.Advance(3 * time.Minute)

	outcome, err := newWatcher(store, metrics, c).Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, saga.TimeoutOutcome{Scanned: 1, TimedOut: 1}, outcome)

	got, _ := store.Record(rec.Key)
	assert.Equal(t, saga.StatusTimedOut, got.Status)
	assert.Equal(t, saga.ReasonSagaTimeout, got.FailureReason)
	assert.Equal(t, c.Now(), got.UpdatedAt)

	inbox, _ := store.Inbox(rec.Key)
	assert.Equal(t, saga.InboxCompleted, inbox.Status)

	events := store.OutboxEvents(rec.OrchestrationID)
	require.Len(t, events, 1)
	assert.Equal(t, saga.EventOrchestrationTimeout, events[0].EventType)
	var payload saga.OrchestrationTimeoutEvent
	decode(t, events[0], &payload)
	assert.Equal(t, saga.ReasonSagaTimeout, payload.Reason)
	assert.Equal(t, correlation(rec), payload.Correlation)

	assert.Equal(t, 1, metrics.Count(saga.MetricSagaTimeout))
}

func TestTimeoutWatcher_CompensatesPaidSaga(t *testing.T) {
	for _, status := range []saga.Status{saga.StatusPaymentCompleted, saga.StatusCompensationRequired} {
		t.Run(string(status), func(t *testing.T) {
			store := memory.New()
			metrics := newRecordingMetrics()
			c := newClock()
			rec := seed(t, store, validRequest(), status, baseTime)
			c.Advance(5 * time.Minute)

			outcome, err := newWatcher(store, metrics, c).Tick(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 1, outcome.Compensating)

			got, _ := store.Record(rec.Key)
			assert.Equal(t, saga.StatusCompensationInProgress, got.Status)
			assert.Equal(t, saga.ReasonSagaTimeout, got.FailureReason)

			inbox, _ := store.Inbox(rec.Key)
			assert.Equal(t, saga.InboxProcessing, inbox.Status)

			events := store.OutboxEvents(rec.OrchestrationID)
			require.Len(t, events, 1)
			assert.Equal(t, saga.EventPaymentCompensationRequested, events[0].EventType)
			var payload saga.PaymentCompensationRequestedEvent
			decode(t, events[0], &payload)
			assert.Equal(t, "TX-1", payload.TransactionID)
			assert.Equal(t, saga.ReasonSagaTimeout, payload.Reason)

			assert.Equal(t, 1, metrics.Count(saga.MetricSagaTimeout))
		})
	}
}

func TestTimeoutWatcher_LeavesFreshAndTerminalSagas(t *testing.T) {
	store := memory.New()
	c := newClock()
	req := validRequest()
	fresh := seed(t, store, req, saga.StatusReceived, baseTime)

	done := validRequest()
	done.IdempotencyKey = "req-done"
	terminal := seed(t, store, done, saga.StatusSettlementCompleted, baseTime.Add(-time.Hour))

	inProgress := validRequest()
	inProgress.IdempotencyKey = "req-comp"
	compensating := seed(t, store, inProgress, saga.StatusCompensationInProgress, baseTime.Add(-time.Hour))

	c.Advance(time.Minute)
	outcome, err := newWatcher(store, newRecordingMetrics(), c).Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, outcome.Scanned)

	for _, rec := range []*saga.OrchestrationRecord{fresh, terminal, compensating} {
		got, _ := store.Record(rec.Key)
		assert.Equal(t, rec, got)
	}
	assert.Empty(t, store.OutboxEvents(""))
}

func TestTimeoutWatcher_ThresholdFloor(t *testing.T) {
	store := memory.New()
	c := newClock()
	rec := seed(t, store, validRequest(), saga.StatusReceived, baseTime)
	c.Advance(20 * time.Second)

	w := newWatcher(store, newRecordingMetrics(), c)
	w.Configure(saga.TimeoutSettings{Enabled: true, BatchSize: 10, Threshold: time.Second})

	outcome, err := w.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, outcome.Scanned)

	c.Advance(15 * time.Second)
	outcome, err = w.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.TimedOut)

	got, _ := store.Record(rec.Key)
	assert.Equal(t, saga.StatusTimedOut, got.Status)
}

func TestTimeoutWatcher_Disabled(t *testing.T) {
	store := memory.New()
	c := newClock()
	rec := seed(t, store, validRequest(), saga.StatusReceived, baseTime)
	c.Advance(time.Hour)

	w := newWatcher(store, newRecordingMetrics(), c)
	w.Configure(saga.TimeoutSettings{Enabled: false, BatchSize: 10, Threshold: time.Minute})
	assert.False(t, w.Settings().Enabled)

	outcome, err := w.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, saga.TimeoutOutcome{}, outcome)
	got, _ := store.Record(rec.Key)
	assert.Equal(t, saga.StatusReceived, got.Status)
}

func TestTimeoutWatcher_BatchSize(t *testing.T) {
	store := memory.New()
	c := newClock()
	for _, k := range []string{"a", "b", "c"} {
		req := validRequest()
		req.IdempotencyKey = k
		seed(t, store, req, saga.StatusInvoiceGenerated, baseTime)
	}
	c.Advance(time.Hour)

	w := newWatcher(store, newRecordingMetrics(), c)
	w.Configure(saga.TimeoutSettings{Enabled: true, BatchSize: 2, Threshold: time.Minute})

	outcome, err := w.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, outcome.TimedOut)

	outcome, err = w.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.TimedOut)
	assert.Len(t, eventsOfType(store.OutboxEvents(""), saga.EventOrchestrationTimeout), 3)
}

func TestTimeoutWatcher_CompensationRequiredRace(t *testing.T) {
	tests := []struct {
		name  string
		apply func(ctx context.Context, t *testing.T, reactor *saga.Reactor, rec *saga.OrchestrationRecord)
		want  saga.Status
	}{
		{
			name: "compensation result lands between scan and write",
			apply: func(ctx context.Context, t *testing.T, reactor *saga.Reactor, rec *saga.OrchestrationRecord) {
				require.NoError(t, reactor.OnPaymentCompensationResult(ctx, saga.PaymentCompensationResultEvent{
					Correlation: correlation(rec),
					Status:      saga.CompensationFailed,
				}))
			},
			want: saga.StatusFailed,
		},
		{
			name: "record touched between scan and write",
			apply: func(ctx context.Context, t *testing.T, reactor *saga.Reactor, rec *saga.OrchestrationRecord) {
				require.NoError(t, reactor.OnSettlementResult(ctx, saga.SettlementResultEvent{
					Correlation: correlation(rec),
					SagaID:      "SAGA-late",
					Status:      saga.SettlementStatusSettled,
				}))
			},
			want: saga.StatusCompensationRequired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			mem := memory.New()
			c := newClock()
			rec := seed(t, mem, validRequest(), saga.StatusCompensationRequired, baseTime)
			c.Advance(10 * time.Minute)

			reactor := saga.NewReactor(mem, saga.WithClock(c.Now))
			faulty := &faultyStore{Store: mem}
			faulty.afterFind = func() { tt.apply(ctx, t, reactor, rec) }
			metrics := newRecordingMetrics()

			outcome, err := newWatcher(faulty, metrics, c).Tick(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, outcome.Scanned)
			assert.Equal(t, 1, outcome.Skipped)
			assert.Zero(t, metrics.Count(saga.MetricSagaTimeout))

			got, _ := mem.Record(rec.Key)
			assert.Equal(t, tt.want, got.Status)
			assert.Empty(t, eventsOfType(mem.OutboxEvents(""), saga.EventPaymentCompensationRequested))
		})
	}
}

func TestTimeoutWatcher_ScanError(t *testing.T) {
	faulty := &faultyStore{Store: memory.New()}
	w := newWatcher(&scanFailingStore{faultyStore: faulty}, newRecordingMetrics(), newClock())

	_, err := w.Tick(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errBoom)
}

type scanFailingStore struct {
	*faultyStore
}

func (s *scanFailingStore) FindStale(context.Context, []saga.Status, time.Time, int) ([]*saga.OrchestrationRecord, error) {
	return nil, errBoom
}
