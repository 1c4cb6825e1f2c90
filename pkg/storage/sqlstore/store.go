package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/settle/pkg/saga"
)

// Store implements saga.Store over database/sql. Writes go to the primary; the
// stale-orchestration scan may be served by a replica since every candidate is
// re-read on the primary before it is changed.
type Store struct {
	db     *sql.DB
	reader func() *sql.DB
}

var _ saga.Store = (*Store)(nil)

// New creates a store that reads and writes through db
func New(db *sql.DB) *Store {
	return &Store{db: db, reader: func() *sql.DB { return db }}
}

// NewFromManager creates a store that scans replicas of cm
func NewFromManager(cm *ConnectionManager) *Store {
	return &Store{db: cm.Primary(), reader: cm.Replica}
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

const (
	orchestrationColumns = `orchestration_id, tenant_id, operation_code, idempotency_key, invoice_id, payment_transaction_id, settlement_saga_id, status, failure_reason, version, created_at, updated_at`
	inboxColumns         = `tenant_id, operation_code, idempotency_key, orchestration_id, status, created_at, updated_at`
	outboxColumns        = `event_id, orchestration_id, tenant_id, event_type, payload, status, attempt_count, last_error, created_at, published_at`
)

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx saga.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(ctx, &sqlTx{q: tx}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) FetchPending(ctx context.Context, limit int) ([]*saga.OutboxEvent, error) {
	query := `SELECT ` + outboxColumns + ` FROM outbox_events
		WHERE status IN ($1, $2)
		ORDER BY created_at, event_id
		LIMIT $3`
	rows, err := s.db.QueryContext(ctx, query, string(saga.OutboxNew), string(saga.OutboxFailed), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pending outbox events: %w", err)
	}
	defer rows.Close()

	events := make([]*saga.OutboxEvent, 0)
	for rows.Next() {
		event, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read outbox events: %w", err)
	}
	return events, nil
}

func (s *Store) CountPending(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox_events WHERE status IN ($1, $2)`,
		string(saga.OutboxNew), string(saga.OutboxFailed),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending outbox events: %w", err)
	}
	return n, nil
}

func (s *Store) UpdateOutbox(ctx context.Context, event *saga.OutboxEvent) error {
	var publishedAt sql.NullInt64
	if event.PublishedAt != nil {
		publishedAt = sql.NullInt64{Int64: event.PublishedAt.UnixMilli(), Valid: true}
	}
	query := `UPDATE outbox_events
		SET status = $1, attempt_count = $2, last_error = $3, published_at = $4
		WHERE event_id = $5`
	res, err := s.db.ExecContext(ctx, query,
		string(event.Status), event.AttemptCount, event.LastError, publishedAt, event.EventID,
	)
	if err != nil {
		return fmt.Errorf("failed to update outbox event: %w", err)
	}
	return expectOne(res, "outbox event")
}

func (s *Store) FindStale(ctx context.Context, statuses []saga.Status, cutoff time.Time, limit int) ([]*saga.OrchestrationRecord, error) {
	if len(statuses) == 0 {
		return []*saga.OrchestrationRecord{}, nil
	}

	args := make([]interface{}, 0, len(statuses)+2)
	placeholders := make([]string, len(statuses))
	for i, st := range statuses {
		placeholders[i] = "$" + strconv.Itoa(i+1)
		args = append(args, string(st))
	}
	n := len(statuses)
	args = append(args, cutoff.UnixMilli(), limit)

	query := `SELECT ` + orchestrationColumns + ` FROM orchestrations
		WHERE status IN (` + strings.Join(placeholders, ", ") + `)
		AND updated_at < $` + strconv.Itoa(n+1) + `
		ORDER BY updated_at, orchestration_id
		LIMIT $` + strconv.Itoa(n+2)

	rows, err := s.reader().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find stale orchestrations: %w", err)
	}
	defer rows.Close()

	records := make([]*saga.OrchestrationRecord, 0)
	for rows.Next() {
		rec, err := scanOrchestration(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read orchestrations: %w", err)
	}
	return records, nil
}

type sqlTx struct {
	q querier
}

func (t *sqlTx) GetInbox(ctx context.Context, key saga.Key) (*saga.InboxRecord, error) {
	query := `SELECT ` + inboxColumns + ` FROM inbox_records
		WHERE tenant_id = $1 AND operation_code = $2 AND idempotency_key = $3`
	row := t.q.QueryRowContext(ctx, query, key.TenantID, key.OperationCode, key.IdempotencyKey)

	rec := &saga.InboxRecord{}
	var status string
	var createdAt, updatedAt int64
	err := row.Scan(&rec.Key.TenantID, &rec.Key.OperationCode, &rec.Key.IdempotencyKey,
		&rec.OrchestrationID, &status, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, saga.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get inbox record: %w", err)
	}
	rec.Status = saga.InboxStatus(status)
	rec.CreatedAt = fromMillis(createdAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	return rec, nil
}

func (t *sqlTx) InsertInboxIfAbsent(ctx context.Context, rec *saga.InboxRecord) (*saga.InboxRecord, bool, error) {
	query := `INSERT INTO inbox_records (` + inboxColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, operation_code, idempotency_key) DO NOTHING`
	res, err := t.q.ExecContext(ctx, query,
		rec.Key.TenantID, rec.Key.OperationCode, rec.Key.IdempotencyKey,
		rec.OrchestrationID, string(rec.Status), rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert inbox record: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, false, fmt.Errorf("failed to insert inbox record: %w", err)
	} else if n == 1 {
		return rec.Clone(), true, nil
	}

	existing, err := t.GetInbox(ctx, rec.Key)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (t *sqlTx) UpdateInbox(ctx context.Context, rec *saga.InboxRecord) error {
	query := `UPDATE inbox_records
		SET orchestration_id = $1, status = $2, updated_at = $3
		WHERE tenant_id = $4 AND operation_code = $5 AND idempotency_key = $6`
	res, err := t.q.ExecContext(ctx, query,
		rec.OrchestrationID, string(rec.Status), rec.UpdatedAt.UnixMilli(),
		rec.Key.TenantID, rec.Key.OperationCode, rec.Key.IdempotencyKey,
	)
	if err != nil {
		return fmt.Errorf("failed to update inbox record: %w", err)
	}
	return expectOne(res, "inbox record")
}

func (t *sqlTx) GetOrchestration(ctx context.Context, key saga.Key) (*saga.OrchestrationRecord, error) {
	query := `SELECT ` + orchestrationColumns + ` FROM orchestrations
		WHERE tenant_id = $1 AND operation_code = $2 AND idempotency_key = $3`
	rec, err := scanOrchestration(t.q.QueryRowContext(ctx, query, key.TenantID, key.OperationCode, key.IdempotencyKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, saga.ErrNotFound
	}
	return rec, err
}

func (t *sqlTx) InsertOrchestrationIfAbsent(ctx context.Context, rec *saga.OrchestrationRecord) (*saga.OrchestrationRecord, bool, error) {
	query := `INSERT INTO orchestrations (` + orchestrationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (tenant_id, operation_code, idempotency_key) DO NOTHING`
	res, err := t.q.ExecContext(ctx, query,
		rec.OrchestrationID, rec.Key.TenantID, rec.Key.OperationCode, rec.Key.IdempotencyKey,
		rec.InvoiceID, rec.PaymentTransactionID, rec.SettlementSagaID,
		string(rec.Status), rec.FailureReason, int64(1),
		rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert orchestration: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, false, fmt.Errorf("failed to insert orchestration: %w", err)
	} else if n == 1 {
		rec.Version = 1
		return rec.Clone(), true, nil
	}

	existing, err := t.GetOrchestration(ctx, rec.Key)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (t *sqlTx) UpdateOrchestration(ctx context.Context, rec *saga.OrchestrationRecord) error {
	query := `UPDATE orchestrations
		SET invoice_id = $1, payment_transaction_id = $2, settlement_saga_id = $3,
			status = $4, failure_reason = $5, version = $6, updated_at = $7
		WHERE orchestration_id = $8 AND version = $9`
	res, err := t.q.ExecContext(ctx, query,
		rec.InvoiceID, rec.PaymentTransactionID, rec.SettlementSagaID,
		string(rec.Status), rec.FailureReason, rec.Version+1, rec.UpdatedAt.UnixMilli(),
		rec.OrchestrationID, rec.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update orchestration: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update orchestration: %w", err)
	}
	if n == 0 {
		var exists int
		err := t.q.QueryRowContext(ctx, `SELECT 1 FROM orchestrations WHERE orchestration_id = $1`, rec.OrchestrationID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return saga.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to check orchestration: %w", err)
		}
		return saga.ErrConflict
	}
	rec.Version++
	return nil
}

func (t *sqlTx) EnqueueOutbox(ctx context.Context, event *saga.OutboxEvent) error {
	query := `INSERT INTO outbox_events (` + outboxColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := t.q.ExecContext(ctx, query,
		event.EventID, event.OrchestrationID, event.TenantID, string(event.EventType),
		string(event.Payload), string(event.Status), event.AttemptCount, event.LastError,
		event.CreatedAt.UnixMilli(), sql.NullInt64{},
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox event: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOrchestration(row scanner) (*saga.OrchestrationRecord, error) {
	rec := &saga.OrchestrationRecord{}
	var status string
	var createdAt, updatedAt int64
	err := row.Scan(
		&rec.OrchestrationID, &rec.Key.TenantID, &rec.Key.OperationCode, &rec.Key.IdempotencyKey,
		&rec.InvoiceID, &rec.PaymentTransactionID, &rec.SettlementSagaID,
		&status, &rec.FailureReason, &rec.Version, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan orchestration: %w", err)
	}
	rec.Status = saga.Status(status)
	rec.CreatedAt = fromMillis(createdAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	return rec, nil
}

func scanOutbox(row scanner) (*saga.OutboxEvent, error) {
	event := &saga.OutboxEvent{}
	var eventType, status string
	var payload []byte
	var createdAt int64
	var publishedAt sql.NullInt64
	err := row.Scan(
		&event.EventID, &event.OrchestrationID, &event.TenantID, &eventType,
		&payload, &status, &event.AttemptCount, &event.LastError, &createdAt, &publishedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan outbox event: %w", err)
	}
	event.EventType = saga.EventType(eventType)
	event.Payload = payload
	event.Status = saga.OutboxStatus(status)
	event.CreatedAt = fromMillis(createdAt)
	if publishedAt.Valid {
		t := fromMillis(publishedAt.Int64)
		event.PublishedAt = &t
	}
	return event, nil
}

func expectOne(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", what, err)
	}
	if n == 0 {
		return saga.ErrNotFound
	}
	return nil
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
