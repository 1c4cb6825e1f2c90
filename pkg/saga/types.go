package saga

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("saga: record not found")
	// ErrConflict is returned when a compare-and-write finds a newer version.
	ErrConflict = errors.New("saga: concurrent update")
)

// Key identifies a logical request: one inbox record and one orchestration per key.
type Key struct {
	TenantID       string `json:"tenant_id"`
	OperationCode  string `json:"operation_code"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (k Key) String() string {
	return k.TenantID + "/" + k.OperationCode + "/" + k.IdempotencyKey
}

// OrchestrationRecord is the authoritative state of one saga.
type OrchestrationRecord struct {
	OrchestrationID      string    `json:"orchestration_id"`
	Key                  Key       `json:"key"`
	InvoiceID            string    `json:"invoice_id,omitempty"`
	PaymentTransactionID string    `json:"payment_transaction_id,omitempty"`
	SettlementSagaID     string    `json:"settlement_saga_id,omitempty"`
	Status               Status    `json:"status"`
	FailureReason        string    `json:"failure_reason,omitempty"`
	Version              int64     `json:"version"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// Clone returns a copy safe to mutate.
func (r *OrchestrationRecord) Clone() *OrchestrationRecord {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// InboxStatus tracks whether the saga behind an inbox entry is still running.
type InboxStatus string

const (
	InboxProcessing InboxStatus = "PROCESSING"
	InboxCompleted  InboxStatus = "COMPLETED"
)

// InboxRecord maps a first-seen key to the orchestration it created.
type InboxRecord struct {
	Key             Key         `json:"key"`
	OrchestrationID string      `json:"orchestration_id"`
	Status          InboxStatus `json:"status"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// Clone returns a copy safe to mutate.
func (r *InboxRecord) Clone() *InboxRecord {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// OutboxStatus is the delivery state of an outbox event.
type OutboxStatus string

const (
	OutboxNew        OutboxStatus = "NEW"
	OutboxSent       OutboxStatus = "SENT"
	OutboxFailed     OutboxStatus = "FAILED"
	OutboxDeadLetter OutboxStatus = "DEAD_LETTER"
)

// OutboxEvent is an integration event waiting for, or past, delivery.
type OutboxEvent struct {
	EventID         string       `json:"event_id"`
	OrchestrationID string       `json:"orchestration_id"`
	TenantID        string       `json:"tenant_id"`
	EventType       EventType    `json:"event_type"`
	Payload         []byte       `json:"payload"`
	Status          OutboxStatus `json:"status"`
	AttemptCount    int          `json:"attempt_count"`
	LastError       string       `json:"last_error,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	PublishedAt     *time.Time   `json:"published_at,omitempty"`
}

// Clone returns a deep copy safe to mutate.
func (e *OutboxEvent) Clone() *OutboxEvent {
	if e == nil {
		return nil
	}
	c := *e
	c.Payload = append([]byte(nil), e.Payload...)
	if e.PublishedAt != nil {
		t := *e.PublishedAt
		c.PublishedAt = &t
	}
	return &c
}

// Identifier prefixes.
const (
	OrchestrationIDPrefix = "ORCH-"
	EventIDPrefix         = "EVT-"
)

// NewID returns prefix followed by a random UUID.
func NewID(prefix string) string {
	return prefix + uuid.NewString()
}
