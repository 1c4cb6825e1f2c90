package jobs

import (
	"context"
	"time"

	"github.com/platinummonkey/settle/pkg/observability"
	"github.com/platinummonkey/settle/pkg/outbox"
	"github.com/platinummonkey/settle/pkg/saga"
)

// Job names.
const (
	OutboxPublisherJob = "outbox-publisher"
	TimeoutWatcherJob  = "timeout-watcher"
)

// OutboxTicker is satisfied by *outbox.Publisher.
type OutboxTicker interface {
	Tick(ctx context.Context) (outbox.Outcome, error)
}

// TimeoutTicker is satisfied by *saga.TimeoutWatcher.
type TimeoutTicker interface {
	Tick(ctx context.Context) (saga.TimeoutOutcome, error)
}

// OutboxJob publishes pending outbox events every interval.
func OutboxJob(publisher OutboxTicker, interval time.Duration, logger *observability.Logger) Job {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return Job{
		Name:     OutboxPublisherJob,
		Interval: interval,
		Run: func(ctx context.Context) error {
			outcome, err := publisher.Tick(ctx)
			if err != nil {
				return err
			}
			if outcome.Fetched > 0 {
				logger.WithFields(map[string]interface{}{
					"fetched":       outcome.Fetched,
					"sent":          outcome.Sent,
					"failed":        outcome.Failed,
					"dead_lettered": outcome.DeadLettered,
				}).Debug("outbox_tick")
			}
			return nil
		},
	}
}

// TimeoutJob scans for stale sagas every interval.
func TimeoutJob(watcher TimeoutTicker, interval time.Duration, logger *observability.Logger) Job {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return Job{
		Name:     TimeoutWatcherJob,
		Interval: interval,
		Run: func(ctx context.Context) error {
			outcome, err := watcher.Tick(ctx)
			if err != nil {
				return err
			}
			if outcome.Scanned > 0 {
				logger.WithFields(map[string]interface{}{
					"scanned":      outcome.Scanned,
					"compensating": outcome.Compensating,
					"timed_out":    outcome.TimedOut,
					"skipped":      outcome.Skipped,
				}).Info("timeout_tick")
			}
			return nil
		},
	}
}
