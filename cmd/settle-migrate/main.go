// Command settle-migrate applies the saga and billing schema migrations to the
// configured SQL database.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/platinummonkey/settle/pkg/config"
	"github.com/platinummonkey/settle/pkg/observability"
	"github.com/platinummonkey/settle/pkg/storage"
)

func main() {
	driver := flag.String("driver", "", "Override SETTLE_STORAGE_DRIVER (postgres or sqlite)")
	url := flag.String("url", "", "Override SETTLE_STORAGE_URL")
	flag.Parse()

	if err := run(*driver, *url); err != nil {
		fmt.Fprintf(os.Stderr, "settle-migrate: %v\n", err)
		os.Exit(1)
	}
}

func run(driver, url string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	logger := observability.NewLogger(cfg.Observability.Level(), os.Stdout).WithField("service", "settle-migrate")

	if driver != "" {
		cfg.Storage.Driver = driver
	}
	if url != "" {
		cfg.Storage.URL = url
	}
	if cfg.Storage.Driver == storage.DriverMemory {
		logger.Info("migrations_skipped driver=memory")
		return nil
	}

	// Open applies every pending migration before returning.
	cfg.Storage.AutoMigrate = true
	backend, err := storage.Open(context.Background(), cfg.Storage, logger)
	if err != nil {
		return err
	}
	logger.WithField("driver", cfg.Storage.Driver).Info("migrations_applied")
	return backend.Close()
}
