package saga

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// MinStaleThreshold is the smallest staleness threshold the watcher honors.
const MinStaleThreshold = 30 * time.Second

// staleStatuses are scanned by the watcher. COMPENSATION_IN_PROGRESS is left to the
// compensation result path.
var staleStatuses = []Status{
	StatusReceived,
	StatusInvoiceGenerated,
	StatusPaymentCompleted,
	StatusCompensationRequired,
}

// TimeoutSettings controls the timeout watcher. It can be swapped at runtime.
type TimeoutSettings struct {
	Enabled   bool
	BatchSize int
	Threshold time.Duration
}

// TimeoutWatcher forces stuck sagas into compensation or TIMED_OUT.
type TimeoutWatcher struct {
	store Store

	mu       sync.RWMutex
	settings TimeoutSettings

	options
}

// TimeoutOutcome counts what one tick did.
type TimeoutOutcome struct {
	Scanned      int
	Compensating int
	TimedOut     int
	Skipped      int
}

// NewTimeoutWatcher creates a watcher
func NewTimeoutWatcher(store Store, settings TimeoutSettings, opts ...Option) *TimeoutWatcher {
	return &TimeoutWatcher{
		store:    store,
		settings: settings,
		options:  buildOptions(opts),
	}
}

// Configure replaces the watcher settings; the next tick uses them.
func (w *TimeoutWatcher) Configure(settings TimeoutSettings) {
	w.mu.Lock()
	w.settings = settings
	w.mu.Unlock()
}

// Settings returns the current settings.
func (w *TimeoutWatcher) Settings() TimeoutSettings {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.settings
}

// Tick scans once for stale sagas. Failures on individual records are logged and
// do not stop the scan.
func (w *TimeoutWatcher) Tick(ctx context.Context) (TimeoutOutcome, error) {
	var outcome TimeoutOutcome
	settings := w.Settings()
	if !settings.Enabled {
		return outcome, nil
	}

	ctx, span := w.tracer.Start(ctx, "saga.TimeoutWatcher.Tick")
	defer span.End()

	threshold := settings.Threshold
	if threshold < MinStaleThreshold {
		threshold = MinStaleThreshold
	}
	limit := settings.BatchSize
	if limit < 1 {
		limit = 1
	}

	cutoff := w.now().Add(-threshold)
	candidates, err := w.store.FindStale(ctx, staleStatuses, cutoff, limit)
	if err != nil {
		span.RecordError(err)
		return outcome, fmt.Errorf("failed to scan stale orchestrations: %w", err)
	}
	outcome.Scanned = len(candidates)

	for _, candidate := range candidates {
		if ctx.Err() != nil {
			return outcome, ctx.Err()
		}
		status, err := w.expire(ctx, candidate.Key, cutoff)
		logger := w.logger.WithFields(map[string]interface{}{
			"orchestration_id": candidate.OrchestrationID,
			"tenant_id":        candidate.Key.TenantID,
		})
		switch {
		case err != nil:
			outcome.Skipped++
			logger.WithError(err).Error("orchestration_timeout_failed")
		case status == StatusCompensationInProgress:
			outcome.Compensating++
			w.metrics.Increment(ctx, MetricSagaTimeout)
			logger.Warn("orchestration_timeout_compensation_requested")
		case status == StatusTimedOut:
			outcome.TimedOut++
			w.metrics.Increment(ctx, MetricSagaTimeout)
			logger.Warn("orchestration_timed_out")
		default:
			outcome.Skipped++
		}
	}

	span.SetAttributes(
		attribute.Int("timeout.scanned", outcome.Scanned),
		attribute.Int("timeout.compensating", outcome.Compensating),
		attribute.Int("timeout.timed_out", outcome.TimedOut),
	)
	return outcome, nil
}

// expire re-reads the record and applies the timeout branch. It returns the status
// written, or "" when the record moved on since the scan.
func (w *TimeoutWatcher) expire(ctx context.Context, key Key, cutoff time.Time) (Status, error) {
	now := w.now()
	var written Status
	_, _, err := updateRecord(ctx, w.store, key, func(ctx context.Context, tx Tx, rec *OrchestrationRecord) (bool, error) {
		written = ""
		if rec.Status.IsTerminal() || !rec.UpdatedAt.Before(cutoff) {
			return false, nil
		}

		switch rec.Status {
		case StatusPaymentCompleted, StatusCompensationRequired:
			if !CanTransition(rec.Status, StatusCompensationInProgress) {
				return false, nil
			}
			rec.Status = StatusCompensationInProgress
			rec.FailureReason = ReasonSagaTimeout
			rec.UpdatedAt = now
			written = StatusCompensationInProgress
			eventID := NewID(EventIDPrefix)
			return true, enqueue(ctx, tx, rec, eventID, EventPaymentCompensationRequested, PaymentCompensationRequestedEvent{
				EventID:       eventID,
				Correlation:   correlationOf(rec),
				TransactionID: rec.PaymentTransactionID,
				Reason:        ReasonSagaTimeout,
				OccurredAt:    now,
			}, now)
		case StatusReceived, StatusInvoiceGenerated:
			if !CanTransition(rec.Status, StatusTimedOut) {
				return false, nil
			}
			rec.Status = StatusTimedOut
			rec.FailureReason = ReasonSagaTimeout
			rec.UpdatedAt = now
			written = StatusTimedOut
			if err := completeInbox(ctx, tx, rec.Key, now); err != nil {
				return true, err
			}
			eventID := NewID(EventIDPrefix)
			return true, enqueue(ctx, tx, rec, eventID, EventOrchestrationTimeout, OrchestrationTimeoutEvent{
				EventID:     eventID,
				Correlation: correlationOf(rec),
				Reason:      ReasonSagaTimeout,
				OccurredAt:  now,
			}, now)
		default:
			return false, nil
		}
	})
	if err != nil {
		return "", err
	}
	return written, nil
}
