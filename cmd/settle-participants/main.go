// Command settle-participants runs the simulated payment and settlement services
// against the configured broker for local end-to-end runs.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/settle/pkg/config"
	"github.com/platinummonkey/settle/pkg/observability"
	"github.com/platinummonkey/settle/pkg/participant"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "settle-participants: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	logger := observability.NewLogger(cfg.Observability.Level(), os.Stdout).WithField("service", "settle-participants")
	if cfg.Broker.Driver == config.BrokerMemory {
		logger.Warn("memory_broker_is_process_local")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, redisClient, err := cfg.Broker.Open(ctx, logger)
	if err != nil {
		return err
	}

	sim := participant.NewSimulator(
		participant.NewPaymentLedger(cfg.Participants.PaymentLimitCents),
		participant.NewSettlementLedger(cfg.Participants.BlockedCurrencies),
		b, logger)
	if err := sim.Subscribe(ctx, b); err != nil {
		b.Close()
		return err
	}

	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, observability.NewHealthChecker(nil, redisClient, version))
	healthServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:           healthMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout, healthServer)
	shutdown.RegisterShutdownFunc("broker", func(context.Context) error { return b.Close() })
	shutdown.RegisterShutdownFunc("consumers", func(context.Context) error {
		cancel()
		return nil
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})
	g.Go(func() error { return shutdown.WaitForShutdown(gctx) })

	logger.WithFields(map[string]interface{}{
		"broker_driver":       cfg.Broker.Driver,
		"payment_limit_cents": cfg.Participants.PaymentLimitCents,
		"blocked_currencies":  cfg.Participants.BlockedCurrencies,
	}).Info("participants_started")

	return g.Wait()
}
