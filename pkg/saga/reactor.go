package saga

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/settle/pkg/observability"
)

// Reactor advances sagas when participant results arrive. Handlers are safe for
// concurrent and duplicate delivery. They return an error only when the store
// could not be reached, so the caller can leave the message for redelivery.
type Reactor struct {
	store Store
	options
}

// NewReactor creates a result reactor
func NewReactor(store Store, opts ...Option) *Reactor {
	return &Reactor{store: store, options: buildOptions(opts)}
}

// OnPaymentResult records the payment outcome and requests settlement on success.
func (r *Reactor) OnPaymentResult(ctx context.Context, event PaymentResultEvent) error {
	ctx, span, logger, ok := r.begin(ctx, "saga.OnPaymentResult", "payment_result", event.Correlation)
	defer span.End()
	if !ok {
		return nil
	}

	now := r.now()
	success := strings.EqualFold(event.Status, PaymentStatusSuccess)
	rec, applied, err := r.update(ctx, event.Correlation, func(ctx context.Context, tx Tx, rec *OrchestrationRecord) (bool, error) {
		if !success {
			return markFailed(ctx, tx, rec, ReasonPaymentFailed, now)
		}
		if rec.Status == StatusPaymentCompleted || !CanTransition(rec.Status, StatusPaymentCompleted) {
			return false, nil
		}
		rec.PaymentTransactionID = event.TransactionID
		rec.FailureReason = ""
		rec.Status = StatusPaymentCompleted
		rec.UpdatedAt = now
		eventID := NewID(EventIDPrefix)
		return true, enqueue(ctx, tx, rec, eventID, EventSettlementRequested, SettlementRequestedEvent{
			EventID:              eventID,
			Correlation:          correlationOf(rec),
			InvoiceID:            firstNonBlank(rec.InvoiceID, event.InvoiceID),
			PaymentTransactionID: event.TransactionID,
			AmountCents:          event.AmountCents,
			Currency:             event.Currency,
			PaymentStatus:        event.Status,
			OccurredAt:           now,
		}, now)
	})
	return r.finish(span, logger, "payment_result", rec, applied, err)
}

// OnSettlementResult completes the saga on SETTLED and starts compensation otherwise.
func (r *Reactor) OnSettlementResult(ctx context.Context, event SettlementResultEvent) error {
	ctx, span, logger, ok := r.begin(ctx, "saga.OnSettlementResult", "settlement_result", event.Correlation)
	defer span.End()
	if !ok {
		return nil
	}

	now := r.now()
	settled := strings.EqualFold(event.Status, SettlementStatusSettled)
	var completed bool
	rec, applied, err := r.update(ctx, event.Correlation, func(ctx context.Context, tx Tx, rec *OrchestrationRecord) (bool, error) {
		completed = false
		changed := false
		if notBlank(event.SagaID) && rec.SettlementSagaID != event.SagaID {
			rec.SettlementSagaID = event.SagaID
			changed = true
		}

		target := StatusCompensationInProgress
		if settled {
			target = StatusSettlementCompleted
		}
		if rec.Status == target || !CanTransition(rec.Status, target) {
			if changed {
				rec.UpdatedAt = now
			}
			return changed, nil
		}

		rec.Status = target
		rec.UpdatedAt = now
		if settled {
			completed = true
			rec.FailureReason = ""
			return true, completeInbox(ctx, tx, rec.Key, now)
		}
		rec.FailureReason = ReasonSettlementFailed
		eventID := NewID(EventIDPrefix)
		return true, enqueue(ctx, tx, rec, eventID, EventPaymentCompensationRequested, PaymentCompensationRequestedEvent{
			EventID:       eventID,
			Correlation:   correlationOf(rec),
			TransactionID: rec.PaymentTransactionID,
			Reason:        ReasonSettlementFailed,
			OccurredAt:    now,
		}, now)
	})
	if err == nil && applied && completed {
		r.metrics.Increment(ctx, MetricSagaCompleted)
	}
	return r.finish(span, logger, "settlement_result", rec, applied, err)
}

// OnPaymentCompensationResult closes the saga as COMPENSATED or FAILED.
// A failed compensation is terminal and never retried.
func (r *Reactor) OnPaymentCompensationResult(ctx context.Context, event PaymentCompensationResultEvent) error {
	ctx, span, logger, ok := r.begin(ctx, "saga.OnPaymentCompensationResult", "payment_compensation_result", event.Correlation)
	defer span.End()
	if !ok {
		return nil
	}

	now := r.now()
	compensated := strings.EqualFold(event.Status, CompensationCompensated)
	rec, applied, err := r.update(ctx, event.Correlation, func(ctx context.Context, tx Tx, rec *OrchestrationRecord) (bool, error) {
		target, reason := StatusFailed, ReasonCompensationFailed
		if compensated {
			target, reason = StatusCompensated, event.Reason
		}
		if rec.Status == target || !CanTransition(rec.Status, target) {
			return false, nil
		}
		rec.Status = target
		rec.FailureReason = reason
		rec.UpdatedAt = now
		return true, completeInbox(ctx, tx, rec.Key, now)
	})
	if err == nil && applied {
		if compensated {
			r.metrics.Increment(ctx, MetricSagaCompensated)
		} else {
			r.metrics.Increment(ctx, MetricSagaFailed)
		}
	}
	return r.finish(span, logger, "payment_compensation_result", rec, applied, err)
}

// begin opens a span and rejects events that cannot be correlated.
func (r *Reactor) begin(ctx context.Context, spanName, kind string, c Correlation) (context.Context, trace.Span, *observability.Logger, bool) {
	ctx, span := r.tracer.Start(ctx, spanName, trace.WithAttributes(
		attribute.String("saga.tenant_id", c.TenantID),
		attribute.String("saga.orchestration_id", c.OrchestrationID),
	))
	logger := r.logger.WithFields(map[string]interface{}{
		"tenant_id":        c.TenantID,
		"orchestration_id": c.OrchestrationID,
		"idempotency_key":  c.IdempotencyKey,
	})
	if !c.Complete() {
		logger.WithField("reason", "missing_correlation").Warn(kind + "_ignored")
		return ctx, span, logger, false
	}
	return observability.WithOrchestrationID(ctx, c.OrchestrationID), span, logger, true
}

// update applies fn to the record named by c. Unknown records, terminal records and
// records whose id does not match the event are left alone.
func (r *Reactor) update(ctx context.Context, c Correlation, fn mutation) (*OrchestrationRecord, bool, error) {
	rec, applied, err := updateRecord(ctx, r.store, KeyFor(c.TenantID, c.IdempotencyKey), func(ctx context.Context, tx Tx, rec *OrchestrationRecord) (bool, error) {
		if rec.Status.IsTerminal() || rec.OrchestrationID != c.OrchestrationID {
			return false, nil
		}
		return fn(ctx, tx, rec)
	})
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	return rec, applied, err
}

func (r *Reactor) finish(span trace.Span, logger *observability.Logger, kind string, rec *OrchestrationRecord, applied bool, err error) error {
	if err != nil {
		span.RecordError(err)
		logger.WithError(err).Error(kind + "_failed")
		return err
	}
	switch {
	case rec == nil:
		logger.WithField("reason", "unknown_orchestration").Warn(kind + "_ignored")
	case !applied:
		logger.WithFields(map[string]interface{}{
			"reason": "stale_or_duplicate",
			"status": rec.Status,
		}).Info(kind + "_ignored")
	default:
		span.SetAttributes(attribute.String("saga.status", string(rec.Status)))
		logger.WithField("status", rec.Status).Info(kind + "_applied")
	}
	return nil
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if notBlank(v) {
			return v
		}
	}
	return ""
}

