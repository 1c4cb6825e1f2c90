package observability

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/platinummonkey/settle"

// OTelMetrics holds OpenTelemetry metric instruments
type OTelMetrics struct {
	sagaOutcomes metric.Int64Counter
	outboxEvents metric.Int64Counter
}

// NewOTelMetrics creates the instruments on provider, or on the global meter
// provider when provider is nil.
func NewOTelMetrics(provider metric.MeterProvider) (*OTelMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(meterName)

	m := &OTelMetrics{}
	var err error

	m.sagaOutcomes, err = meter.Int64Counter(
		"settle.saga.outcomes",
		metric.WithDescription("Total number of orchestrations reaching an outcome"),
		metric.WithUnit("{orchestration}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create saga_outcomes counter: %w", err)
	}

	m.outboxEvents, err = meter.Int64Counter(
		"settle.outbox.events",
		metric.WithDescription("Total number of outbox delivery attempts by result"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create outbox_events counter: %w", err)
	}

	return m, nil
}

// Increment records a dotted counter name such as "saga.failed".
func (m *OTelMetrics) Increment(ctx context.Context, name string) {
	family, label, ok := strings.Cut(name, ".")
	if !ok || label == "" {
		return
	}
	switch family {
	case "saga":
		m.sagaOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("saga.outcome", label)))
	case "outbox":
		m.outboxEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("outbox.result", label)))
	}
}
