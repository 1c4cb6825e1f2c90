// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry setup, health probes and graceful shutdown.
//
// # Overview
//
// Logging is JSON via logrus. Saga and outbox components report outcomes as
// dotted counter names ("saga.completed", "outbox.dead_lettered"); both Metrics
// and OTelMetrics accept those names through Increment, so either can be passed
// where a saga.MetricsSink is expected.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.ParseLogLevel("info"), os.Stdout)
//	logger.WithField("orchestration_id", id).Info("saga_started")
//
// # Prometheus Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	router.Use(observability.HTTPMetricsMiddleware(metrics))
//	observability.RegisterMetricsEndpoint(healthMux, registry)
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient, version,
//		observability.WithOutboxBacklog(store, observability.DefaultBacklogThreshold))
//	observability.RegisterHealthRoutes(healthMux, checker)
//
// A database failure makes the service unhealthy. A Redis failure only degrades
// it, since outbox events wait in the database until the broker returns. An
// outbox backlog above the threshold degrades it as well.
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, cfg.Observability.OTel(), logger)
//	defer observability.ShutdownOTel(ctx, providers, logger)
//
// # Related Packages
//
//   - pkg/config: Observability configuration
//   - pkg/saga: Emits outcome counters
//   - pkg/outbox: Emits delivery counters
package observability
