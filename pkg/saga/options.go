package saga

import (
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/settle/pkg/observability"
)

const tracerName = "github.com/platinummonkey/settle/pkg/saga"

// Option configures an Orchestrator, Reactor or TimeoutWatcher.
type Option func(*options)

type options struct {
	logger  *observability.Logger
	metrics MetricsSink
	tracer  trace.Tracer
	now     func() time.Time
}

// WithLogger sets the logger.
func WithLogger(logger *observability.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the outcome counter sink.
func WithMetrics(metrics MetricsSink) Option {
	return func(o *options) {
		if metrics != nil {
			o.metrics = metrics
		}
	}
}

// WithTracer overrides the OpenTelemetry tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		logger:  observability.NopLogger(),
		metrics: nopMetrics{},
		tracer:  otel.Tracer(tracerName),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
