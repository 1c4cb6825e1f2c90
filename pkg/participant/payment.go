package participant

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/settle/pkg/idempotency"
	"github.com/platinummonkey/settle/pkg/saga"
)

// Payment statuses beyond the saga's SUCCESS and FAILED.
const (
	PaymentStatusCompensated = "COMPENSATED"
)

// Compensation failure references.
const (
	ReferenceMissingTransactionID = "MISSING_TRANSACTION_ID"
	ReferencePaymentNotFound      = "PAYMENT_NOT_FOUND"
)

// Payment is one processed charge.
type Payment struct {
	TransactionID     string
	TenantID          string
	InvoiceID         string
	AmountCents       int64
	Currency          string
	Status            string
	ProviderReference string
	ProcessedAt       time.Time
}

// PaymentRequest asks the ledger to charge an invoice.
type PaymentRequest struct {
	TenantID       string
	InvoiceID      string
	IdempotencyKey string
	AmountCents    int64
	Currency       string
}

// PaymentLedger authorizes charges against a fixed limit and remembers them by
// idempotency key, so a redelivered request returns the original outcome.
type PaymentLedger struct {
	limitCents int64
	now        func() time.Time

	mu       sync.Mutex
	byKey    map[string]*Payment
	byTxnKey map[string]*Payment
}

// NewPaymentLedger creates a ledger declining amounts above limitCents. A limit
// of zero or less approves every amount.
func NewPaymentLedger(limitCents int64) *PaymentLedger {
	return &PaymentLedger{
		limitCents: limitCents,
		now:        func() time.Time { return time.Now().UTC() },
		byKey:      make(map[string]*Payment),
		byTxnKey:   make(map[string]*Payment),
	}
}

// Process charges the request once per (tenant, PAYMENT_PROCESS, key).
func (l *PaymentLedger) Process(req PaymentRequest) Payment {
	key := idempotency.Composite(req.TenantID, idempotency.OperationPaymentProcess, req.IdempotencyKey)

	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.byKey[key]; ok {
		return *existing
	}

	payment := &Payment{
		TransactionID: uuid.NewString(),
		TenantID:      req.TenantID,
		InvoiceID:     req.InvoiceID,
		AmountCents:   req.AmountCents,
		Currency:      strings.ToUpper(req.Currency),
		ProcessedAt:   l.now(),
	}
	if l.limitCents > 0 && req.AmountCents > l.limitCents {
		payment.Status = saga.PaymentStatusFailed
		payment.ProviderReference = "DECLINED-" + uuid.NewString()
	} else {
		payment.Status = saga.PaymentStatusSuccess
		payment.ProviderReference = "APPROVED-" + payment.Currency + "-" + req.InvoiceID + "-" + uuid.NewString()
	}

	l.byKey[key] = payment
	l.byTxnKey[txnKey(req.TenantID, payment.TransactionID)] = payment
	return *payment
}

// Compensate reverses a payment. Reversing an already compensated payment
// returns it unchanged.
func (l *PaymentLedger) Compensate(tenantID, idempotencyKey, transactionID string) Payment {
	if strings.TrimSpace(transactionID) == "" {
		return Payment{Status: saga.PaymentStatusFailed, ProviderReference: ReferenceMissingTransactionID, ProcessedAt: l.now()}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	payment, ok := l.byTxnKey[txnKey(tenantID, transactionID)]
	if !ok {
		return Payment{
			TransactionID:     transactionID,
			Status:            saga.PaymentStatusFailed,
			ProviderReference: ReferencePaymentNotFound,
			ProcessedAt:       l.now(),
		}
	}
	if payment.Status == PaymentStatusCompensated {
		return *payment
	}

	payment.Status = PaymentStatusCompensated
	payment.ProviderReference = PaymentStatusCompensated + "-" + idempotencyKey
	payment.ProcessedAt = l.now()
	return *payment
}

func txnKey(tenantID, transactionID string) string {
	return tenantID + ":" + transactionID
}
