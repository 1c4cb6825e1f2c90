package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// maxWriteAttempts bounds how often a lost compare-and-write is re-read and retried.
const maxWriteAttempts = 3

// mutation inspects the current record and mutates it in place. Returning false
// leaves the record untouched and writes nothing.
type mutation func(ctx context.Context, tx Tx, rec *OrchestrationRecord) (bool, error)

// updateRecord applies fn to a fresh read of the record under key inside one
// transaction. A version conflict re-runs the read and fn. It returns the last
// record seen and whether fn's write committed.
func updateRecord(ctx context.Context, store Store, key Key, fn mutation) (*OrchestrationRecord, bool, error) {
	for attempt := 1; ; attempt++ {
		var (
			seen    *OrchestrationRecord
			applied bool
		)
		err := store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
			rec, err := tx.GetOrchestration(ctx, key)
			if err != nil {
				return err
			}
			seen = rec
			ok, err := fn(ctx, tx, rec)
			if err != nil || !ok {
				return err
			}
			if err := tx.UpdateOrchestration(ctx, rec); err != nil {
				return err
			}
			applied = true
			return nil
		})
		if errors.Is(err, ErrConflict) && attempt < maxWriteAttempts {
			continue
		}
		if err != nil {
			return seen, false, err
		}
		return seen, applied, nil
	}
}

// enqueue serializes payload into a NEW outbox event for rec within tx.
func enqueue(ctx context.Context, tx Tx, rec *OrchestrationRecord, eventID string, eventType EventType, payload interface{}, now time.Time) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", eventType, err)
	}
	return tx.EnqueueOutbox(ctx, &OutboxEvent{
		EventID:         eventID,
		OrchestrationID: rec.OrchestrationID,
		TenantID:        rec.Key.TenantID,
		EventType:       eventType,
		Payload:         body,
		Status:          OutboxNew,
		CreatedAt:       now,
	})
}

// completeInbox flips the inbox entry for key to COMPLETED.
func completeInbox(ctx context.Context, tx Tx, key Key, now time.Time) error {
	inbox, err := tx.GetInbox(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if inbox.Status == InboxCompleted {
		return nil
	}
	inbox.Status = InboxCompleted
	inbox.UpdatedAt = now
	return tx.UpdateInbox(ctx, inbox)
}

func correlationOf(rec *OrchestrationRecord) Correlation {
	return Correlation{
		TenantID:        rec.Key.TenantID,
		OrchestrationID: rec.OrchestrationID,
		IdempotencyKey:  rec.Key.IdempotencyKey,
	}
}

func notBlank(s string) bool {
	return strings.TrimSpace(s) != ""
}
