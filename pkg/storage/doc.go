// Package storage selects and opens the persistence backend for orchestrations,
// inbox and outbox records, and invoices.
//
// # Overview
//
// Three drivers are supported:
//
//   - memory: process-local maps, for tests and single-process demos
//   - sqlite3: an embedded SQLite database through go-sqlite3
//   - postgres: PostgreSQL through lib/pq, with optional read replicas
//
// The SQL drivers share one schema. Open returns a Backend whose saga store and
// invoice repository use the same primary connection pool; migrations for both are
// applied by Migrate or at startup when AutoMigrate is set.
//
// # Usage Example
//
//	cfg := storage.DefaultConfig()
//	cfg.Driver = storage.DriverPostgres
//	cfg.URL = "postgres://localhost/settle?sslmode=disable"
//	cfg.AutoMigrate = true
//
//	backend, err := storage.Open(ctx, cfg, logger)
//	if err != nil {
//		return err
//	}
//	defer backend.Close()
//
// # Related Packages
//
//   - pkg/storage/memory: in-process saga.Store
//   - pkg/storage/sqlstore: SQL saga.Store, migrations and connection management
//   - pkg/billing: invoice repositories
package storage
