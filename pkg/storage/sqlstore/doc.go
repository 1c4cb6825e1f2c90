// Package sqlstore persists orchestrations, inbox records and outbox events in a SQL
// database.
//
// # Overview
//
// Store implements saga.Store on database/sql. The same queries run against
// PostgreSQL (lib/pq) in production and SQLite (go-sqlite3) for embedded use and
// tests: placeholders are $n, timestamps are unix milliseconds and inserts use
// ON CONFLICT DO NOTHING to get insert-if-absent semantics.
//
// Orchestration updates are compare-and-write on the version column. An update
// whose version no longer matches returns saga.ErrConflict and the caller re-reads.
//
// ConnectionManager opens a primary and optional read replicas, retrying the
// initial ping. Stale-orchestration scans are routed to replicas.
//
// # Usage Example
//
//	cm, err := sqlstore.NewConnectionManager(ctx, sqlstore.ConnectionConfig{
//		Driver:     sqlstore.DriverPostgres,
//		PrimaryURL: "postgres://localhost/settle?sslmode=disable",
//		MaxConns:   20,
//	}, logger)
//	if err != nil {
//		return err
//	}
//	if _, err := sqlstore.RunMigrations(ctx, cm.Primary(), "saga", sqlstore.GetMigrations(), logger); err != nil {
//		return err
//	}
//	store := sqlstore.NewFromManager(cm)
//
// # Related Packages
//
//   - pkg/saga: store interfaces and the orchestration logic that uses them
//   - pkg/storage/memory: in-process implementation of the same interfaces
//   - pkg/storage: backend selection from configuration
package sqlstore
