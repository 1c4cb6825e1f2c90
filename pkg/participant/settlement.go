package participant

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/settle/pkg/idempotency"
	"github.com/platinummonkey/settle/pkg/saga"
)

// SagaIDPrefix prefixes settlement saga identifiers.
const SagaIDPrefix = "SAGA-"

// Settlement is one settlement run and the states it passed through.
type Settlement struct {
	SagaID               string
	TenantID             string
	InvoiceID            string
	PaymentTransactionID string
	AmountCents          int64
	Currency             string
	Status               string
	Transitions          []string
	UpdatedAt            time.Time
}

// SettlementRequest asks the ledger to settle a paid invoice.
type SettlementRequest struct {
	TenantID             string
	InvoiceID            string
	PaymentTransactionID string
	IdempotencyKey       string
	AmountCents          int64
	Currency             string
	PaymentStatus        string
}

// SettlementLedger settles confirmed payments unless the currency is blocked.
type SettlementLedger struct {
	blocked map[string]struct{}
	now     func() time.Time

	mu       sync.Mutex
	byKey    map[string]*Settlement
	bySagaID map[string]*Settlement
}

// NewSettlementLedger creates a ledger refusing the given currencies.
func NewSettlementLedger(blockedCurrencies []string) *SettlementLedger {
	blocked := make(map[string]struct{}, len(blockedCurrencies))
	for _, c := range blockedCurrencies {
		blocked[strings.ToUpper(strings.TrimSpace(c))] = struct{}{}
	}
	return &SettlementLedger{
		blocked:  blocked,
		now:      func() time.Time { return time.Now().UTC() },
		byKey:    make(map[string]*Settlement),
		bySagaID: make(map[string]*Settlement),
	}
}

// Start settles the request once per (tenant, SETTLEMENT_START, key).
func (l *SettlementLedger) Start(req SettlementRequest) Settlement {
	key := idempotency.Composite(req.TenantID, idempotency.OperationSettlementStart, req.IdempotencyKey)

	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.byKey[key]; ok {
		return existing.clone()
	}

	currency := strings.ToUpper(req.Currency)
	s := &Settlement{
		SagaID:               SagaIDPrefix + uuid.NewString(),
		TenantID:             req.TenantID,
		InvoiceID:            req.InvoiceID,
		PaymentTransactionID: req.PaymentTransactionID,
		AmountCents:          req.AmountCents,
		Currency:             currency,
		Transitions:          []string{saga.SettlementStatusStarted},
		UpdatedAt:            l.now(),
	}
	_, blocked := l.blocked[currency]
	if strings.EqualFold(req.PaymentStatus, saga.PaymentStatusSuccess) && !blocked {
		s.Transitions = append(s.Transitions, saga.SettlementStatusConfirmed, saga.SettlementStatusSettled)
		s.Status = saga.SettlementStatusSettled
	} else {
		s.Transitions = append(s.Transitions, saga.SettlementStatusFailed)
		s.Status = saga.SettlementStatusFailed
	}

	l.byKey[key] = s
	l.bySagaID[s.SagaID] = s
	return s.clone()
}

// Get returns a settlement by saga ID.
func (l *SettlementLedger) Get(sagaID string) (Settlement, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.bySagaID[sagaID]
	if !ok {
		return Settlement{}, false
	}
	return s.clone(), true
}

func (s *Settlement) clone() Settlement {
	out := *s
	out.Transitions = append([]string(nil), s.Transitions...)
	return out
}
