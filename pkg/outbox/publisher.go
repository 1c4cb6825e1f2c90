package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/settle/pkg/broker"
	"github.com/platinummonkey/settle/pkg/observability"
	"github.com/platinummonkey/settle/pkg/saga"
)

const tracerName = "github.com/platinummonkey/settle/pkg/outbox"

// Counter names emitted per delivery.
const (
	MetricSent         = "outbox.sent"
	MetricFailed       = "outbox.failed"
	MetricDeadLettered = "outbox.dead_lettered"
)

// Settings controls the publisher. It can be swapped at runtime.
type Settings struct {
	Enabled     bool
	BatchSize   int
	MaxAttempts int
}

// DeadLetterMessage is published to the dead-letter topic when an event runs out
// of attempts.
type DeadLetterMessage struct {
	EventID         string          `json:"eventId"`
	EventType       saga.EventType  `json:"eventType"`
	OrchestrationID string          `json:"orchestrationId"`
	Payload         json.RawMessage `json:"payload"`
	Error           string          `json:"error"`
	AttemptCount    int             `json:"attemptCount"`
	DeadLetteredAt  time.Time       `json:"deadLetteredAt"`
}

// Archiver keeps a copy of dead-lettered events outside the broker.
type Archiver interface {
	Archive(ctx context.Context, msg DeadLetterMessage) error
}

// Outcome counts what one tick did.
type Outcome struct {
	Fetched      int
	Sent         int
	Failed       int
	DeadLettered int
}

// Publisher drains pending outbox events to the broker.
type Publisher struct {
	store     saga.OutboxStore
	publisher broker.Publisher

	mu       sync.RWMutex
	settings Settings

	logger   *observability.Logger
	metrics  saga.MetricsSink
	tracer   trace.Tracer
	archiver Archiver
	now      func() time.Time
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithLogger sets the logger.
func WithLogger(logger *observability.Logger) Option {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics sets the delivery counter sink.
func WithMetrics(metrics saga.MetricsSink) Option {
	return func(p *Publisher) {
		if metrics != nil {
			p.metrics = metrics
		}
	}
}

// WithTracer overrides the OpenTelemetry tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(p *Publisher) {
		if tracer != nil {
			p.tracer = tracer
		}
	}
}

// WithArchiver copies every dead-letter message to archiver.
func WithArchiver(archiver Archiver) Option {
	return func(p *Publisher) {
		p.archiver = archiver
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Publisher) {
		if now != nil {
			p.now = now
		}
	}
}

// NewPublisher creates a publisher
func NewPublisher(store saga.OutboxStore, publisher broker.Publisher, settings Settings, opts ...Option) *Publisher {
	p := &Publisher{
		store:     store,
		publisher: publisher,
		settings:  settings,
		logger:    observability.NopLogger(),
		metrics:   saga.MetricsSinks(nil),
		tracer:    otel.Tracer(tracerName),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Configure replaces the publisher settings; the next tick uses them.
func (p *Publisher) Configure(settings Settings) {
	p.mu.Lock()
	p.settings = settings
	p.mu.Unlock()
}

// Settings returns the current settings.
func (p *Publisher) Settings() Settings {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.settings
}

// Tick delivers one batch of NEW and FAILED events, oldest first. A broker failure
// is recorded on the event; only store errors and unroutable events fail the tick.
func (p *Publisher) Tick(ctx context.Context) (Outcome, error) {
	var outcome Outcome
	settings := p.Settings()
	if !settings.Enabled {
		return outcome, nil
	}

	ctx, span := p.tracer.Start(ctx, "outbox.Publisher.Tick")
	defer span.End()

	limit := settings.BatchSize
	if limit < 1 {
		limit = 1
	}
	events, err := p.store.FetchPending(ctx, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return outcome, fmt.Errorf("failed to fetch pending outbox events: %w", err)
	}
	outcome.Fetched = len(events)

	for _, event := range events {
		if _, err := Topic(event.EventType); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "unroutable event")
			p.logger.WithError(err).WithFields(map[string]interface{}{
				"event_id":         event.EventID,
				"orchestration_id": event.OrchestrationID,
			}).Error("outbox_unroutable_event")
			return outcome, err
		}
	}

	policy := NewRetryPolicy(settings.MaxAttempts)
	for _, event := range events {
		if err := ctx.Err(); err != nil {
			return outcome, err
		}
		status, err := p.deliver(ctx, event, policy)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "update failed")
			return outcome, err
		}
		switch status {
		case saga.OutboxSent:
			outcome.Sent++
		case saga.OutboxFailed:
			outcome.Failed++
		case saga.OutboxDeadLetter:
			outcome.DeadLettered++
		}
	}

	span.SetAttributes(
		attribute.Int("outbox.fetched", outcome.Fetched),
		attribute.Int("outbox.sent", outcome.Sent),
		attribute.Int("outbox.failed", outcome.Failed),
		attribute.Int("outbox.dead_lettered", outcome.DeadLettered),
	)
	return outcome, nil
}

// deliver makes one attempt for event and persists the result.
func (p *Publisher) deliver(ctx context.Context, event *saga.OutboxEvent, policy *RetryPolicy) (saga.OutboxStatus, error) {
	event.AttemptCount++
	logger := p.logger.WithFields(map[string]interface{}{
		"event_id":         event.EventID,
		"event_type":       string(event.EventType),
		"orchestration_id": event.OrchestrationID,
		"attempt":          event.AttemptCount,
	})

	r := routes[event.EventType]
	body, err := r.encode(event.Payload)
	if err == nil {
		err = p.publisher.Publish(ctx, r.topic, event.OrchestrationID, body)
	}

	now := p.now()
	switch {
	case err == nil:
		event.Status = saga.OutboxSent
		event.PublishedAt = &now
		event.LastError = ""
		logger.Info("outbox_published")
		p.metrics.Increment(ctx, MetricSent)
	case policy.ShouldRetry(event.AttemptCount, err):
		event.Status = saga.OutboxFailed
		event.LastError = err.Error()
		logger.WithError(err).Warn("outbox_publish_failed")
		p.metrics.Increment(ctx, MetricFailed)
	default:
		event.Status = saga.OutboxDeadLetter
		event.LastError = err.Error()
		logger.WithError(err).Error("outbox_dead_lettered")
		p.metrics.Increment(ctx, MetricDeadLettered)
		p.deadLetter(ctx, event, now, logger)
	}

	if err := p.store.UpdateOutbox(ctx, event); err != nil {
		return "", fmt.Errorf("failed to update outbox event %s: %w", event.EventID, err)
	}
	return event.Status, nil
}

// deadLetter publishes the event to the dead-letter topic and the archive. Failures
// here are logged; the event is already DEAD_LETTER in the store.
func (p *Publisher) deadLetter(ctx context.Context, event *saga.OutboxEvent, now time.Time, logger *observability.Logger) {
	msg := NewDeadLetterMessage(event, now)
	body, err := json.Marshal(msg)
	if err != nil {
		logger.WithError(err).Error("dead_letter_encode_failed")
		return
	}
	if err := p.publisher.Publish(ctx, saga.TopicDeadLetter, event.OrchestrationID, body); err != nil {
		logger.WithError(err).Error("dead_letter_publish_failed")
	}
	if p.archiver != nil {
		if err := p.archiver.Archive(ctx, msg); err != nil {
			logger.WithError(err).Error("dead_letter_archive_failed")
		}
	}
}

// NewDeadLetterMessage builds the dead-letter record for event. A payload that is
// not valid JSON is carried as a JSON string.
func NewDeadLetterMessage(event *saga.OutboxEvent, at time.Time) DeadLetterMessage {
	payload := json.RawMessage(event.Payload)
	if !json.Valid(event.Payload) {
		quoted, _ := json.Marshal(string(event.Payload))
		payload = quoted
	}
	return DeadLetterMessage{
		EventID:         event.EventID,
		EventType:       event.EventType,
		OrchestrationID: event.OrchestrationID,
		Payload:         payload,
		Error:           event.LastError,
		AttemptCount:    event.AttemptCount,
		DeadLetteredAt:  at,
	}
}
