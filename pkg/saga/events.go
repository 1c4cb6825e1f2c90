package saga

import "time"

// EventType tags an outbox event with its topic and payload shape.
type EventType string

const (
	EventPaymentRequested             EventType = "PAYMENT_REQUESTED"
	EventSettlementRequested          EventType = "SETTLEMENT_REQUESTED"
	EventPaymentCompensationRequested EventType = "PAYMENT_COMPENSATION_REQUESTED"
	EventOrchestrationFailed          EventType = "ORCHESTRATION_FAILED"
	EventOrchestrationTimeout         EventType = "ORCHESTRATION_TIMEOUT"
)

// Broker topics.
const (
	TopicPaymentRequested             = "billing.payment.requested"
	TopicPaymentResult                = "billing.payment.result"
	TopicPaymentCompensationRequested = "billing.payment.compensation.requested"
	TopicPaymentCompensationResult    = "billing.payment.compensation.result"
	TopicSettlementRequested          = "billing.settlement.requested"
	TopicSettlementResult             = "billing.settlement.result"
	TopicOrchestrationFailed          = "billing.orchestration.failed"
	TopicOrchestrationTimeout         = "billing.orchestration.timeout"
	TopicDeadLetter                   = "billing.dlq"
)

// Failure reasons recorded on orchestration records.
const (
	ReasonInvoiceGenerationFailed = "INVOICE_GENERATION_FAILED"
	ReasonPaymentFailed           = "PAYMENT_FAILED"
	ReasonSettlementFailed        = "SETTLEMENT_FAILED"
	ReasonCompensationFailed      = "COMPENSATION_FAILED"
	ReasonSagaTimeout             = "SAGA_TIMEOUT"
)

// Participant result statuses.
const (
	PaymentStatusSuccess      = "SUCCESS"
	PaymentStatusFailed       = "FAILED"
	SettlementStatusStarted   = "STARTED"
	SettlementStatusConfirmed = "PAYMENT_CONFIRMED"
	SettlementStatusSettled   = "SETTLED"
	SettlementStatusFailed    = "FAILED"
	CompensationCompensated   = "COMPENSATED"
	CompensationFailed        = "FAILED"
)

// Correlation carries the fields every saga message must have to be routed.
type Correlation struct {
	TenantID        string `json:"tenantId"`
	OrchestrationID string `json:"orchestrationId"`
	IdempotencyKey  string `json:"idempotencyKey"`
}

// Complete reports whether none of the correlation fields are blank.
func (c Correlation) Complete() bool {
	return notBlank(c.TenantID) && notBlank(c.OrchestrationID) && notBlank(c.IdempotencyKey)
}

// PaymentRequestedEvent asks the payment participant to charge an invoice.
type PaymentRequestedEvent struct {
	EventID string `json:"eventId"`
	Correlation
	InvoiceID   string    `json:"invoiceId"`
	AmountCents int64     `json:"amountCents"`
	Currency    string    `json:"currency"`
	OccurredAt  time.Time `json:"occurredAt"`
}

// SettlementRequestedEvent asks the settlement participant to settle a paid invoice.
type SettlementRequestedEvent struct {
	EventID string `json:"eventId"`
	Correlation
	InvoiceID            string    `json:"invoiceId"`
	PaymentTransactionID string    `json:"paymentTransactionId"`
	AmountCents          int64     `json:"amountCents"`
	Currency             string    `json:"currency"`
	PaymentStatus        string    `json:"paymentStatus"`
	OccurredAt           time.Time `json:"occurredAt"`
}

// PaymentCompensationRequestedEvent asks the payment participant to reverse a charge.
type PaymentCompensationRequestedEvent struct {
	EventID string `json:"eventId"`
	Correlation
	TransactionID string    `json:"transactionId"`
	Reason        string    `json:"reason"`
	OccurredAt    time.Time `json:"occurredAt"`
}

// OrchestrationFailedEvent announces that a saga needs compensation.
type OrchestrationFailedEvent struct {
	EventID string `json:"eventId"`
	Correlation
	Reason     string    `json:"reason"`
	OccurredAt time.Time `json:"occurredAt"`
}

// OrchestrationTimeoutEvent announces that a saga was abandoned by the timeout watcher.
type OrchestrationTimeoutEvent struct {
	EventID string `json:"eventId"`
	Correlation
	Reason     string    `json:"reason"`
	OccurredAt time.Time `json:"occurredAt"`
}

// PaymentResultEvent is published by the payment participant.
type PaymentResultEvent struct {
	EventID string `json:"eventId"`
	Correlation
	InvoiceID         string    `json:"invoiceId"`
	TransactionID     string    `json:"transactionId"`
	AmountCents       int64     `json:"amountCents"`
	Currency          string    `json:"currency"`
	Status            string    `json:"status"`
	ProviderReference string    `json:"providerReference"`
	ProcessedAt       time.Time `json:"processedAt"`
}

// SettlementResultEvent is published by the settlement participant.
type SettlementResultEvent struct {
	EventID string `json:"eventId"`
	Correlation
	SagaID               string    `json:"sagaId"`
	InvoiceID            string    `json:"invoiceId"`
	PaymentTransactionID string    `json:"paymentTransactionId"`
	AmountCents          int64     `json:"amountCents"`
	Currency             string    `json:"currency"`
	Status               string    `json:"status"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

// PaymentCompensationResultEvent is published by the payment participant after a reversal.
type PaymentCompensationResultEvent struct {
	EventID string `json:"eventId"`
	Correlation
	TransactionID string    `json:"transactionId"`
	Status        string    `json:"status"`
	Reason        string    `json:"reason"`
	ProcessedAt   time.Time `json:"processedAt"`
}
