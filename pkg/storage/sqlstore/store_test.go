package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/settle/pkg/saga"
)

func setupSQLiteStore(t *testing.T) (*Store, *sql.DB) {
	t.Helper()

	db, err := sql.Open(DriverSQLite, ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = RunMigrations(context.Background(), db, "saga", GetMigrations(), nil)
	require.NoError(t, err)

	return New(db), db
}

func testKey(k string) saga.Key {
	return saga.Key{TenantID: "tenant-a", OperationCode: "INVOICE_GENERATE_AND_SETTLE", IdempotencyKey: "tenant-a:INVOICE_GENERATE_AND_SETTLE:" + k}
}

func insertRecord(t *testing.T, s *Store, rec *saga.OrchestrationRecord) {
	t.Helper()
	require.NoError(t, s.WithinTx(context.Background(), func(ctx context.Context, tx saga.Tx) error {
		_, created, err := tx.InsertOrchestrationIfAbsent(ctx, rec)
		require.True(t, created)
		return err
	}))
}

func TestRunMigrationsIsIdempotent(t *testing.T) {
	_, db := setupSQLiteStore(t)

	applied, err := RunMigrations(context.Background(), db, "saga", GetMigrations(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, applied)

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM schema_migrations WHERE migration_set = $1`, "saga").Scan(&count))
	assert.Equal(t, len(GetMigrations()), count)
}

func TestStore_OrchestrationInsertIfAbsent(t *testing.T) {
	s, _ := setupSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	first := &saga.OrchestrationRecord{OrchestrationID: "ORCH-1", Key: testKey("k1"), Status: saga.StatusReceived, CreatedAt: now, UpdatedAt: now}
	insertRecord(t, s, first)
	assert.Equal(t, int64(1), first.Version)

	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx saga.Tx) error {
		got, created, err := tx.InsertOrchestrationIfAbsent(ctx, &saga.OrchestrationRecord{
			OrchestrationID: "ORCH-2", Key: testKey("k1"), Status: saga.StatusReceived, CreatedAt: now, UpdatedAt: now,
		})
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, "ORCH-1", got.OrchestrationID)
		assert.Equal(t, now, got.CreatedAt)
		return nil
	}))
}

func TestStore_UpdateOrchestration(t *testing.T) {
	s, _ := setupSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	key := testKey("k1")
	insertRecord(t, s, &saga.OrchestrationRecord{OrchestrationID: "ORCH-1", Key: key, Status: saga.StatusReceived, CreatedAt: now, UpdatedAt: now})

	var stale *saga.OrchestrationRecord
	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx saga.Tx) error {
		rec, err := tx.GetOrchestration(ctx, key)
		require.NoError(t, err)
		stale = rec.Clone()

		rec.Status = saga.StatusInvoiceGenerated
		rec.InvoiceID = "INV-1"
		rec.UpdatedAt = now.Add(time.Second)
		require.NoError(t, tx.UpdateOrchestration(ctx, rec))
		assert.Equal(t, int64(2), rec.Version)
		return nil
	}))

	t.Run("stale version conflicts", func(t *testing.T) {
		err := s.WithinTx(ctx, func(ctx context.Context, tx saga.Tx) error {
			stale.Status = saga.StatusFailed
			return tx.UpdateOrchestration(ctx, stale)
		})
		assert.ErrorIs(t, err, saga.ErrConflict)
	})

	t.Run("missing record", func(t *testing.T) {
		err := s.WithinTx(ctx, func(ctx context.Context, tx saga.Tx) error {
			return tx.UpdateOrchestration(ctx, &saga.OrchestrationRecord{OrchestrationID: "ORCH-404", Key: testKey("nope"), Version: 1})
		})
		assert.ErrorIs(t, err, saga.ErrNotFound)
	})

	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx saga.Tx) error {
		rec, err := tx.GetOrchestration(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, saga.StatusInvoiceGenerated, rec.Status)
		assert.Equal(t, "INV-1", rec.InvoiceID)
		assert.Equal(t, int64(2), rec.Version)
		return nil
	}))
}

func TestStore_RollbackOnError(t *testing.T) {
	s, _ := setupSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	key := testKey("k1")
	boom := errors.New("boom")

	err := s.WithinTx(ctx, func(ctx context.Context, tx saga.Tx) error {
		if _, _, err := tx.InsertInboxIfAbsent(ctx, &saga.InboxRecord{Key: key, OrchestrationID: "ORCH-1", Status: saga.InboxProcessing, CreatedAt: now, UpdatedAt: now}); err != nil {
			return err
		}
		if _, _, err := tx.InsertOrchestrationIfAbsent(ctx, &saga.OrchestrationRecord{OrchestrationID: "ORCH-1", Key: key, Status: saga.StatusReceived, CreatedAt: now, UpdatedAt: now}); err != nil {
			return err
		}
		if err := tx.EnqueueOutbox(ctx, &saga.OutboxEvent{EventID: "EVT-1", OrchestrationID: "ORCH-1", TenantID: "tenant-a", EventType: saga.EventPaymentRequested, Payload: []byte(`{}`), Status: saga.OutboxNew, CreatedAt: now}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx saga.Tx) error {
		_, err := tx.GetOrchestration(ctx, key)
		assert.ErrorIs(t, err, saga.ErrNotFound)
		_, err = tx.GetInbox(ctx, key)
		assert.ErrorIs(t, err, saga.ErrNotFound)
		return nil
	}))

	pending, err := s.FetchPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestStore_Inbox(t *testing.T) {
	s, _ := setupSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	key := testKey("k1")

	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx saga.Tx) error {
		_, created, err := tx.InsertInboxIfAbsent(ctx, &saga.InboxRecord{Key: key, OrchestrationID: "ORCH-1", Status: saga.InboxProcessing, CreatedAt: now, UpdatedAt: now})
		require.NoError(t, err)
		assert.True(t, created)

		existing, created, err := tx.InsertInboxIfAbsent(ctx, &saga.InboxRecord{Key: key, OrchestrationID: "ORCH-2", Status: saga.InboxProcessing, CreatedAt: now, UpdatedAt: now})
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, "ORCH-1", existing.OrchestrationID)

		existing.Status = saga.InboxCompleted
		existing.UpdatedAt = now.Add(time.Minute)
		return tx.UpdateInbox(ctx, existing)
	}))

	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx saga.Tx) error {
		rec, err := tx.GetInbox(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, saga.InboxCompleted, rec.Status)
		assert.Equal(t, now.Add(time.Minute), rec.UpdatedAt)

		assert.ErrorIs(t, tx.UpdateInbox(ctx, &saga.InboxRecord{Key: testKey("missing")}), saga.ErrNotFound)
		return nil
	}))
}

func TestStore_Outbox(t *testing.T) {
	s, _ := setupSQLiteStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	events := []*saga.OutboxEvent{
		{EventID: "EVT-b", CreatedAt: base.Add(time.Second)},
		{EventID: "EVT-a", CreatedAt: base},
		{EventID: "EVT-c", CreatedAt: base.Add(2 * time.Second)},
	}
	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx saga.Tx) error {
		for _, e := range events {
			e.OrchestrationID = "ORCH-1"
			e.TenantID = "tenant-a"
			e.EventType = saga.EventPaymentRequested
			e.Payload = []byte(`{"amountCents":100}`)
			e.Status = saga.OutboxNew
			if err := tx.EnqueueOutbox(ctx, e); err != nil {
				return err
			}
		}
		return nil
	}))

	pending, err := s.FetchPending(ctx, 2)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "EVT-a", pending[0].EventID)
	assert.Equal(t, "EVT-b", pending[1].EventID)
	assert.JSONEq(t, `{"amountCents":100}`, string(pending[0].Payload))
	assert.Nil(t, pending[0].PublishedAt)

	published := base.Add(time.Minute)
	pending[0].Status = saga.OutboxSent
	pending[0].AttemptCount = 1
	pending[0].PublishedAt = &published
	require.NoError(t, s.UpdateOutbox(ctx, pending[0]))

	pending[1].Status = saga.OutboxFailed
	pending[1].AttemptCount = 1
	pending[1].LastError = "broker unavailable"
	require.NoError(t, s.UpdateOutbox(ctx, pending[1]))

	pending, err = s.FetchPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "EVT-b", pending[0].EventID)
	assert.Equal(t, saga.OutboxFailed, pending[0].Status)
	assert.Equal(t, "broker unavailable", pending[0].LastError)
	assert.Equal(t, "EVT-c", pending[1].EventID)

	count, err := s.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	assert.ErrorIs(t, s.UpdateOutbox(ctx, &saga.OutboxEvent{EventID: "EVT-missing", Status: saga.OutboxSent}), saga.ErrNotFound)
}

func TestStore_FindStale(t *testing.T) {
	s, _ := setupSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	records := []*saga.OrchestrationRecord{
		{OrchestrationID: "ORCH-old", Key: testKey("a"), Status: saga.StatusReceived, CreatedAt: now.Add(-time.Hour), UpdatedAt: now.Add(-time.Hour)},
		{OrchestrationID: "ORCH-mid", Key: testKey("b"), Status: saga.StatusPaymentCompleted, CreatedAt: now.Add(-10 * time.Minute), UpdatedAt: now.Add(-10 * time.Minute)},
		{OrchestrationID: "ORCH-new", Key: testKey("c"), Status: saga.StatusReceived, CreatedAt: now, UpdatedAt: now},
		{OrchestrationID: "ORCH-done", Key: testKey("d"), Status: saga.StatusSettlementCompleted, CreatedAt: now.Add(-time.Hour), UpdatedAt: now.Add(-time.Hour)},
	}
	for _, rec := range records {
		insertRecord(t, s, rec)
	}

	statuses := []saga.Status{saga.StatusReceived, saga.StatusInvoiceGenerated, saga.StatusPaymentCompleted, saga.StatusCompensationRequired}
	stale, err := s.FindStale(ctx, statuses, now.Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 2)
	assert.Equal(t, "ORCH-old", stale[0].OrchestrationID)
	assert.Equal(t, "ORCH-mid", stale[1].OrchestrationID)

	stale, err = s.FindStale(ctx, statuses, now.Add(-time.Minute), 1)
	require.NoError(t, err)
	assert.Len(t, stale, 1)

	stale, err = s.FindStale(ctx, nil, now, 10)
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestStore_ConcurrentInsertCreatesOnce(t *testing.T) {
	s, _ := setupSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		ids     = make(map[string]bool)
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.WithinTx(ctx, func(ctx context.Context, tx saga.Tx) error {
				rec, ok, err := tx.InsertOrchestrationIfAbsent(ctx, &saga.OrchestrationRecord{
					OrchestrationID: saga.NewID(saga.OrchestrationIDPrefix), Key: testKey("same"), Status: saga.StatusReceived, CreatedAt: now, UpdatedAt: now,
				})
				if err != nil {
					return err
				}
				mu.Lock()
				defer mu.Unlock()
				if ok {
					created++
				}
				ids[rec.OrchestrationID] = true
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Len(t, ids, 1)
}
