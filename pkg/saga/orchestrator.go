package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/platinummonkey/settle/pkg/billing"
	"github.com/platinummonkey/settle/pkg/idempotency"
)

// ErrInvalidRequest wraps validation failures of a start request.
var ErrInvalidRequest = errors.New("invalid orchestration request")

// InvoiceGenerator is the invoice collaborator used by the orchestrator.
type InvoiceGenerator interface {
	Generate(ctx context.Context, req billing.GenerateRequest) (*billing.Invoice, error)
	FindByID(ctx context.Context, invoiceID string) (*billing.Invoice, error)
}

// Request starts, or replays, one generate-and-settle saga.
type Request struct {
	TenantID         string
	CustomerID       string
	BillingPeriod    string
	Currency         string
	LineAmountsCents []int64
	// IdempotencyKey is optional; a key derived from the other fields is used when blank.
	IdempotencyKey string
}

func (r Request) fingerprint() idempotency.Fingerprint {
	return idempotency.Fingerprint{
		TenantID:         r.TenantID,
		CustomerID:       r.CustomerID,
		BillingPeriod:    r.BillingPeriod,
		Currency:         r.Currency,
		LineAmountsCents: r.LineAmountsCents,
	}
}

// Key returns the orchestration key for the request.
func (r Request) Key() Key {
	return KeyFor(r.TenantID, idempotency.Resolve(r.TenantID, idempotency.OperationInvoiceGenerateAndSettle, r.IdempotencyKey, r.fingerprint()))
}

func (r Request) invoiceRequest() billing.GenerateRequest {
	return billing.GenerateRequest{
		TenantID:         r.TenantID,
		CustomerID:       r.CustomerID,
		BillingPeriod:    r.BillingPeriod,
		Currency:         r.Currency,
		LineAmountsCents: r.LineAmountsCents,
		IdempotencyKey:   idempotency.Effective(r.IdempotencyKey, r.fingerprint()),
	}
}

// KeyFor builds the orchestration key for a tenant and composite idempotency key,
// as carried on participant messages.
func KeyFor(tenantID, compositeKey string) Key {
	return Key{
		TenantID:       tenantID,
		OperationCode:  idempotency.OperationInvoiceGenerateAndSettle,
		IdempotencyKey: compositeKey,
	}
}

// PaymentView summarizes the payment step of a saga.
type PaymentView struct {
	TransactionID string    `json:"transaction_id"`
	InvoiceID     string    `json:"invoice_id"`
	AmountCents   int64     `json:"amount_cents"`
	Currency      string    `json:"currency"`
	Status        string    `json:"status"`
	ProcessedAt   time.Time `json:"processed_at"`
}

// SettlementView summarizes the settlement step of a saga.
type SettlementView struct {
	SagaID               string    `json:"saga_id"`
	TenantID             string    `json:"tenant_id"`
	InvoiceID            string    `json:"invoice_id"`
	PaymentTransactionID string    `json:"payment_transaction_id"`
	AmountCents          int64     `json:"amount_cents"`
	Currency             string    `json:"currency"`
	Status               string    `json:"status"`
	Transitions          []string  `json:"transitions"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// Result is what a caller of StartOrGetSaga sees.
type Result struct {
	OrchestrationID string           `json:"orchestration_id"`
	Status          Status           `json:"status"`
	FailureReason   string           `json:"failure_reason,omitempty"`
	Replayed        bool             `json:"replayed"`
	Invoice         *billing.Invoice `json:"invoice,omitempty"`
	Payment         *PaymentView     `json:"payment,omitempty"`
	Settlement      *SettlementView  `json:"settlement,omitempty"`
}

// StepError reports a failed synchronous step after compensation state was recorded.
type StepError struct {
	OrchestrationID string
	Reason          string
	Err             error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("orchestration %s failed (%s): %v", e.OrchestrationID, e.Reason, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Orchestrator starts sagas and records their failures.
type Orchestrator struct {
	store    Store
	invoices InvoiceGenerator
	options
}

// NewOrchestrator creates an orchestrator
func NewOrchestrator(store Store, invoices InvoiceGenerator, opts ...Option) *Orchestrator {
	return &Orchestrator{
		store:    store,
		invoices: invoices,
		options:  buildOptions(opts),
	}
}

// StartOrGetSaga creates the saga for the request key, or returns the existing one.
// Only the first call for a key generates the invoice and queues the payment request.
func (o *Orchestrator) StartOrGetSaga(ctx context.Context, req Request) (*Result, error) {
	ctx, span := o.tracer.Start(ctx, "saga.StartOrGetSaga")
	defer span.End()

	if err := req.invoiceRequest().Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	key := req.Key()
	span.SetAttributes(attribute.String("saga.tenant_id", key.TenantID))

	rec, err := o.getOrCreate(ctx, key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "get or create failed")
		return nil, err
	}
	span.SetAttributes(attribute.String("saga.orchestration_id", rec.OrchestrationID))
	logger := o.logger.WithFields(map[string]interface{}{
		"orchestration_id": rec.OrchestrationID,
		"tenant_id":        key.TenantID,
	})

	switch rec.Status {
	case StatusSettlementCompleted, StatusCompensationRequired:
		logger.WithField("status", rec.Status).Info("orchestration_replayed")
		return o.replay(ctx, rec), nil
	case StatusReceived:
	default:
		return o.view(ctx, rec, nil), nil
	}

	invoice, err := o.invoices.Generate(ctx, req.invoiceRequest())
	if err != nil {
		logger.WithError(err).Error("invoice_generation_failed")
		now := o.now()
		seen, applied, markErr := updateRecord(ctx, o.store, key, markFailedFrom(StatusReceived, ReasonInvoiceGenerationFailed, now))
		if markErr != nil {
			logger.WithError(markErr).Error("mark_failed_error")
		}
		// A concurrent request for the same key generated the invoice first.
		if markErr == nil && !applied && seen != nil && seen.Status != StatusReceived && seen.Status != StatusCompensationRequired {
			logger.WithField("status", seen.Status).Info("invoice_generation_failure_superseded")
			return o.view(ctx, seen, nil), nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, ReasonInvoiceGenerationFailed)
		return nil, &StepError{OrchestrationID: rec.OrchestrationID, Reason: ReasonInvoiceGenerationFailed, Err: err}
	}

	orchestrationID := rec.OrchestrationID
	now := o.now()
	rec, applied, err := updateRecord(ctx, o.store, key, func(ctx context.Context, tx Tx, rec *OrchestrationRecord) (bool, error) {
		if rec.Status != StatusReceived || !CanTransition(rec.Status, StatusInvoiceGenerated) {
			return false, nil
		}
		rec.InvoiceID = invoice.InvoiceID
		rec.Status = StatusInvoiceGenerated
		rec.UpdatedAt = now
		eventID := NewID(EventIDPrefix)
		return true, enqueue(ctx, tx, rec, eventID, EventPaymentRequested, PaymentRequestedEvent{
			EventID:     eventID,
			Correlation: correlationOf(rec),
			InvoiceID:   invoice.InvoiceID,
			AmountCents: invoice.TotalCents,
			Currency:    invoice.Currency,
			OccurredAt:  now,
		}, now)
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to advance orchestration %s: %w", orchestrationID, err)
	}
	if applied {
		logger.WithField("invoice_id", invoice.InvoiceID).Info("payment_requested")
	}
	return o.view(ctx, rec, invoice), nil
}

// getOrCreate resolves the inbox entry and orchestration record for key in one transaction.
func (o *Orchestrator) getOrCreate(ctx context.Context, key Key) (*OrchestrationRecord, error) {
	var rec *OrchestrationRecord
	err := o.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		now := o.now()
		inbox, _, err := tx.InsertInboxIfAbsent(ctx, &InboxRecord{
			Key:             key,
			OrchestrationID: NewID(OrchestrationIDPrefix),
			Status:          InboxProcessing,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
		if err != nil {
			return fmt.Errorf("failed to resolve inbox: %w", err)
		}

		stored, created, err := tx.InsertOrchestrationIfAbsent(ctx, &OrchestrationRecord{
			OrchestrationID: inbox.OrchestrationID,
			Key:             key,
			Status:          StatusReceived,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
		if err != nil {
			return fmt.Errorf("failed to resolve orchestration: %w", err)
		}
		if created {
			o.logger.WithField("orchestration_id", stored.OrchestrationID).Info("orchestration_created")
		}
		rec = stored
		return nil
	})
	return rec, err
}

// MarkFailed moves the saga to COMPENSATION_REQUIRED with reason and queues an
// ORCHESTRATION_FAILED event. It reports whether the transition was applied.
func (o *Orchestrator) MarkFailed(ctx context.Context, key Key, reason string) (bool, error) {
	now := o.now()
	_, applied, err := updateRecord(ctx, o.store, key, func(ctx context.Context, tx Tx, rec *OrchestrationRecord) (bool, error) {
		return markFailed(ctx, tx, rec, reason, now)
	})
	return applied, err
}

// markFailedFrom fails the saga only while it is still in expected.
func markFailedFrom(expected Status, reason string, now time.Time) mutation {
	return func(ctx context.Context, tx Tx, rec *OrchestrationRecord) (bool, error) {
		if rec.Status != expected {
			return false, nil
		}
		return markFailed(ctx, tx, rec, reason, now)
	}
}

func markFailed(ctx context.Context, tx Tx, rec *OrchestrationRecord, reason string, now time.Time) (bool, error) {
	if rec.Status == StatusCompensationRequired || !CanTransition(rec.Status, StatusCompensationRequired) {
		return false, nil
	}
	rec.Status = StatusCompensationRequired
	rec.FailureReason = reason
	rec.UpdatedAt = now
	eventID := NewID(EventIDPrefix)
	return true, enqueue(ctx, tx, rec, eventID, EventOrchestrationFailed, OrchestrationFailedEvent{
		EventID:     eventID,
		Correlation: correlationOf(rec),
		Reason:      reason,
		OccurredAt:  now,
	}, now)
}

// MarkInboxCompleted flips the inbox entry for key to COMPLETED inside tx.
func (o *Orchestrator) MarkInboxCompleted(ctx context.Context, tx Tx, key Key) error {
	return completeInbox(ctx, tx, key, o.now())
}

// Get returns the orchestration record for key.
func (o *Orchestrator) Get(ctx context.Context, key Key) (*OrchestrationRecord, error) {
	var rec *OrchestrationRecord
	err := o.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		rec, err = tx.GetOrchestration(ctx, key)
		return err
	})
	return rec, err
}

// replay builds the result of a settled or compensating saga from stored fields.
func (o *Orchestrator) replay(ctx context.Context, rec *OrchestrationRecord) *Result {
	res := o.view(ctx, rec, nil)
	res.Replayed = true
	return res
}

func (o *Orchestrator) view(ctx context.Context, rec *OrchestrationRecord, invoice *billing.Invoice) *Result {
	if invoice == nil && rec.InvoiceID != "" {
		found, err := o.invoices.FindByID(ctx, rec.InvoiceID)
		if err != nil {
			o.logger.WithError(err).WithField("invoice_id", rec.InvoiceID).Warn("invoice_lookup_failed")
		} else {
			invoice = found
		}
	}

	res := &Result{
		OrchestrationID: rec.OrchestrationID,
		Status:          rec.Status,
		FailureReason:   rec.FailureReason,
		Invoice:         invoice,
	}

	var amount int64
	var currency string
	if invoice != nil {
		amount, currency = invoice.TotalCents, invoice.Currency
	}

	if rec.PaymentTransactionID != "" {
		status := PaymentStatusSuccess
		if rec.Status == StatusCompensationRequired {
			status = PaymentStatusFailed
		}
		res.Payment = &PaymentView{
			TransactionID: rec.PaymentTransactionID,
			InvoiceID:     rec.InvoiceID,
			AmountCents:   amount,
			Currency:      currency,
			Status:        status,
			ProcessedAt:   rec.UpdatedAt,
		}
	}

	if rec.SettlementSagaID != "" {
		status := SettlementStatusFailed
		transitions := []string{SettlementStatusStarted, SettlementStatusFailed}
		if rec.Status == StatusSettlementCompleted {
			status = SettlementStatusSettled
			transitions = []string{SettlementStatusStarted, SettlementStatusConfirmed, SettlementStatusSettled}
		}
		res.Settlement = &SettlementView{
			SagaID:               rec.SettlementSagaID,
			TenantID:             rec.Key.TenantID,
			InvoiceID:            rec.InvoiceID,
			PaymentTransactionID: rec.PaymentTransactionID,
			AmountCents:          amount,
			Currency:             currency,
			Status:               status,
			Transitions:          transitions,
			UpdatedAt:            rec.UpdatedAt,
		}
	}
	return res
}
