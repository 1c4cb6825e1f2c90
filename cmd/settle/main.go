// Command settle runs the invoice saga orchestrator: the HTTP API, the result
// consumers, the outbox publisher and the timeout watcher.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/settle/pkg/api"
	"github.com/platinummonkey/settle/pkg/billing"
	"github.com/platinummonkey/settle/pkg/broker"
	"github.com/platinummonkey/settle/pkg/config"
	"github.com/platinummonkey/settle/pkg/jobs"
	"github.com/platinummonkey/settle/pkg/observability"
	"github.com/platinummonkey/settle/pkg/outbox"
	"github.com/platinummonkey/settle/pkg/participant"
	"github.com/platinummonkey/settle/pkg/saga"
	"github.com/platinummonkey/settle/pkg/storage"
)

var version = "dev"

const statsInterval = 15 * time.Second

func main() {
	withParticipants := flag.Bool("with-participants", false,
		"Run the payment and settlement simulators in-process (always on with the memory broker)")
	flag.Parse()

	if err := run(*withParticipants); err != nil {
		fmt.Fprintf(os.Stderr, "settle: %v\n", err)
		os.Exit(1)
	}
}

func run(withParticipants bool) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	logger := observability.NewLogger(cfg.Observability.Level(), os.Stdout).WithField("service", "settle")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	providers, err := observability.InitOTel(ctx, cfg.Observability.OTel(), logger)
	if err != nil {
		return err
	}

	backend, err := storage.Open(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}

	b, redisClient, err := cfg.Broker.Open(ctx, logger)
	if err != nil {
		backend.Close()
		return err
	}

	registry := prometheus.NewRegistry()
	promMetrics := observability.NewMetrics(registry)
	otelMetrics, err := observability.NewOTelMetrics(nil)
	if err != nil {
		return err
	}
	sinks := saga.MetricsSinks{promMetrics, otelMetrics}
	tracer := otel.Tracer("github.com/platinummonkey/settle")

	cache := billing.NewCache(cfg.Billing.CacheSize, cfg.Billing.CacheTTL)
	invoices := billing.NewService(backend.Invoices, cache, logger)

	sagaOpts := []saga.Option{saga.WithLogger(logger), saga.WithMetrics(sinks), saga.WithTracer(tracer)}
	orchestrator := saga.NewOrchestrator(backend.Store, invoices, sagaOpts...)
	reactor := saga.NewReactor(backend.Store, sagaOpts...)
	watcher := saga.NewTimeoutWatcher(backend.Store, cfg.Jobs.Timeout.Settings(), sagaOpts...)

	publisher, err := newPublisher(ctx, cfg, backend.Store, b, logger, sinks)
	if err != nil {
		return err
	}

	scheduler := jobs.NewScheduler(logger)
	if err := scheduler.Add(jobs.OutboxJob(publisher, cfg.Jobs.Outbox.Interval, logger)); err != nil {
		return err
	}
	if err := scheduler.Add(jobs.TimeoutJob(watcher, cfg.Jobs.Timeout.Interval, logger)); err != nil {
		return err
	}

	if err := reactor.Subscribe(ctx, b); err != nil {
		return err
	}
	if withParticipants || cfg.Broker.Driver == config.BrokerMemory {
		sim := participant.NewSimulator(
			participant.NewPaymentLedger(cfg.Participants.PaymentLimitCents),
			participant.NewSettlementLedger(cfg.Participants.BlockedCurrencies),
			b, logger.WithField("component", "participants"))
		if err := sim.Subscribe(ctx, b); err != nil {
			return err
		}
		logger.Info("participants_started")
	}

	apiServer := &http.Server{
		Addr: net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler: api.NewServer(orchestrator, invoices,
			api.WithLogger(logger),
			api.WithMetrics(promMetrics),
			api.WithJobs(scheduler),
		),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	var db *sql.DB
	if cm := backend.Connections(); cm != nil {
		db = cm.Primary()
		cm.StartHealthCheckRoutine(ctx, 0)
	}
	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, observability.NewHealthChecker(db, redisClient, version,
		observability.WithOutboxBacklog(backend.Store, observability.DefaultBacklogThreshold)))
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(healthMux, registry)
	}
	healthServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:           healthMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout, apiServer, healthServer)
	shutdown.RegisterShutdownFunc("otel", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, providers, logger)
	})
	shutdown.RegisterShutdownFunc("storage", func(context.Context) error { return backend.Close() })
	shutdown.RegisterShutdownFunc("broker", func(context.Context) error { return b.Close() })
	shutdown.RegisterShutdownFunc("consumers", func(context.Context) error {
		cancel()
		return nil
	})
	shutdown.RegisterShutdownFunc("scheduler", scheduler.Stop)

	g, gctx := errgroup.WithContext(ctx)

	if path := os.Getenv(config.ConfigFileEnv); path != "" {
		cw, err := config.NewWatcher(path, cfg.Jobs, logger, func(jc config.JobsConfig) {
			applyJobs(scheduler, publisher, watcher, jc, logger)
		})
		if err != nil {
			return err
		}
		shutdown.RegisterShutdownFunc("config_watcher", func(context.Context) error { return cw.Close() })
		g.Go(func() error { return cw.Run(gctx) })
	}

	g.Go(func() error { return serve(apiServer, logger.WithField("server", "api")) })
	g.Go(func() error { return serve(healthServer, logger.WithField("server", "health")) })
	g.Go(func() error {
		reportStats(gctx, backend, cache, promMetrics)
		return nil
	})
	g.Go(func() error { return shutdown.WaitForShutdown(gctx) })

	scheduler.Start()
	logger.WithFields(map[string]interface{}{
		"version":        version,
		"addr":           apiServer.Addr,
		"health_addr":    healthServer.Addr,
		"storage_driver": cfg.Storage.Driver,
		"broker_driver":  cfg.Broker.Driver,
	}).Info("settle_started")

	return g.Wait()
}

func newPublisher(ctx context.Context, cfg *config.Config, store saga.OutboxStore, b broker.Publisher, logger *observability.Logger, metrics saga.MetricsSink) (*outbox.Publisher, error) {
	opts := []outbox.Option{
		outbox.WithLogger(logger),
		outbox.WithMetrics(metrics),
		outbox.WithTracer(otel.Tracer("github.com/platinummonkey/settle/outbox")),
	}
	if cfg.Archive.Enabled {
		archiver, err := outbox.NewS3Archiver(ctx, cfg.Archive.S3)
		if err != nil {
			return nil, err
		}
		opts = append(opts, outbox.WithArchiver(archiver))
		logger.WithField("bucket", cfg.Archive.S3.Bucket).Info("dead_letter_archive_enabled")
	}
	return outbox.NewPublisher(store, b, cfg.Jobs.Outbox.Settings(), opts...), nil
}

// applyJobs pushes reloaded job settings into the running components.
func applyJobs(scheduler *jobs.Scheduler, publisher *outbox.Publisher, watcher *saga.TimeoutWatcher, jc config.JobsConfig, logger *observability.Logger) {
	publisher.Configure(jc.Outbox.Settings())
	watcher.Configure(jc.Timeout.Settings())
	if err := scheduler.Reschedule(jobs.OutboxPublisherJob, jc.Outbox.Interval); err != nil {
		logger.WithError(err).Error("job_reschedule_failed")
	}
	if err := scheduler.Reschedule(jobs.TimeoutWatcherJob, jc.Timeout.Interval); err != nil {
		logger.WithError(err).Error("job_reschedule_failed")
	}
}

func serve(server *http.Server, logger *observability.Logger) error {
	logger.WithField("addr", server.Addr).Info("http_server_listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server %s: %w", server.Addr, err)
	}
	return nil
}

// reportStats refreshes the connection pool and cache gauges until ctx is done.
func reportStats(ctx context.Context, backend *storage.Backend, cache *billing.Cache, metrics *observability.Metrics) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if cm := backend.Connections(); cm != nil {
				metrics.UpdateDBStats(cm.Primary().Stats())
			}
			metrics.InvoiceCacheEntries.Set(float64(cache.Len()))
		case <-ctx.Done():
			return
		}
	}
}
