package saga

import (
	"context"
	"time"
)

// InboxStore deduplicates requests by key.
type InboxStore interface {
	GetInbox(ctx context.Context, key Key) (*InboxRecord, error)
	// InsertInboxIfAbsent stores rec unless a record with the same key exists.
	// It returns the stored record and whether this call created it.
	InsertInboxIfAbsent(ctx context.Context, rec *InboxRecord) (*InboxRecord, bool, error)
	UpdateInbox(ctx context.Context, rec *InboxRecord) error
}

// OrchestrationStore holds the saga state.
type OrchestrationStore interface {
	GetOrchestration(ctx context.Context, key Key) (*OrchestrationRecord, error)
	// InsertOrchestrationIfAbsent stores rec unless a record with the same key exists.
	// It returns the stored record and whether this call created it.
	InsertOrchestrationIfAbsent(ctx context.Context, rec *OrchestrationRecord) (*OrchestrationRecord, bool, error)
	// UpdateOrchestration writes rec if the stored version still equals rec.Version,
	// then bumps rec.Version. A stale version yields ErrConflict.
	UpdateOrchestration(ctx context.Context, rec *OrchestrationRecord) error
}

// Tx is the unit of atomic work. Everything written through a Tx commits together.
type Tx interface {
	InboxStore
	OrchestrationStore
	EnqueueOutbox(ctx context.Context, event *OutboxEvent) error
}

// OutboxStore is the publisher's view of pending events.
type OutboxStore interface {
	// FetchPending returns up to limit NEW or FAILED events, oldest first.
	FetchPending(ctx context.Context, limit int) ([]*OutboxEvent, error)
	UpdateOutbox(ctx context.Context, event *OutboxEvent) error
	// CountPending returns how many events are NEW or FAILED.
	CountPending(ctx context.Context) (int, error)
}

// Store is the durable backing for all saga state.
type Store interface {
	OutboxStore
	// WithinTx runs fn in a transaction, committing when fn returns nil.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	// FindStale lists records in one of statuses last updated before cutoff, oldest first.
	FindStale(ctx context.Context, statuses []Status, cutoff time.Time, limit int) ([]*OrchestrationRecord, error)
}
