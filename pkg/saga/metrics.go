package saga

import "context"

// Counter names emitted on saga outcomes.
const (
	MetricSagaCompleted   = "saga.completed"
	MetricSagaCompensated = "saga.compensated"
	MetricSagaFailed      = "saga.failed"
	MetricSagaTimeout     = "saga.timeout"
)

// MetricsSink receives fire-and-forget counter increments.
type MetricsSink interface {
	Increment(ctx context.Context, name string)
}

// MetricsSinks fans an increment out to several sinks.
type MetricsSinks []MetricsSink

func (s MetricsSinks) Increment(ctx context.Context, name string) {
	for _, sink := range s {
		if sink != nil {
			sink.Increment(ctx, name)
		}
	}
}

type nopMetrics struct{}

func (nopMetrics) Increment(context.Context, string) {}
