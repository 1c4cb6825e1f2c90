package storage

import (
	"context"
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/platinummonkey/settle/pkg/billing"
	"github.com/platinummonkey/settle/pkg/observability"
	"github.com/platinummonkey/settle/pkg/saga"
	"github.com/platinummonkey/settle/pkg/storage/memory"
	"github.com/platinummonkey/settle/pkg/storage/sqlstore"
)

// Backend drivers
const (
	DriverMemory   = "memory"
	DriverPostgres = sqlstore.DriverPostgres
	DriverSQLite   = sqlstore.DriverSQLite
)

// Migration set names recorded in schema_migrations.
const (
	MigrationSetSaga    = "saga"
	MigrationSetBilling = "billing"
)

// Config for the storage backend
type Config struct {
	Driver          string        `yaml:"driver"`
	URL             string        `yaml:"url"`
	ReplicaURLs     []string      `yaml:"replica_urls"`
	MaxConns        int           `yaml:"max_conns"`
	MinConns        int           `yaml:"min_conns"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxLifetime     time.Duration `yaml:"max_lifetime"`
	MaxIdleTime     time.Duration `yaml:"max_idle_time"`
	ConnectAttempts uint          `yaml:"connect_attempts"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// DefaultConfig returns an in-memory backend with pool settings for when a SQL
// driver is chosen.
func DefaultConfig() Config {
	return Config{
		Driver:          DriverMemory,
		MaxConns:        20,
		MinConns:        2,
		Timeout:         10 * time.Second,
		MaxLifetime:     time.Hour,
		MaxIdleTime:     10 * time.Minute,
		ConnectAttempts: 5,
	}
}

// Validate checks the driver and that SQL drivers have a URL
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Driver, validation.Required, validation.In(DriverMemory, DriverPostgres, DriverSQLite)),
		validation.Field(&c.URL, validation.When(c.Driver != DriverMemory, validation.Required)),
		validation.Field(&c.MaxConns, validation.Min(0)),
	)
}

// Backend bundles the saga store and invoice repository sharing one database
type Backend struct {
	Store    saga.Store
	Invoices billing.Repository
	conn     *sqlstore.ConnectionManager
}

// Open connects the configured backend, applying migrations first when AutoMigrate is set
func Open(ctx context.Context, cfg Config, logger *observability.Logger) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid storage config: %w", err)
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	if cfg.Driver == DriverMemory {
		logger.Info("storage_opened driver=memory")
		return &Backend{
			Store:    memory.New(),
			Invoices: billing.NewMemoryRepository(),
		}, nil
	}

	cm, err := sqlstore.NewConnectionManager(ctx, sqlstore.ConnectionConfig{
		Driver:          cfg.Driver,
		PrimaryURL:      cfg.URL,
		ReplicaURLs:     cfg.ReplicaURLs,
		MaxConns:        cfg.MaxConns,
		MinConns:        cfg.MinConns,
		Timeout:         cfg.Timeout,
		MaxLifetime:     cfg.MaxLifetime,
		MaxIdleTime:     cfg.MaxIdleTime,
		ConnectAttempts: cfg.ConnectAttempts,
	}, logger)
	if err != nil {
		return nil, err
	}

	if cfg.AutoMigrate {
		if err := Migrate(ctx, cm, logger); err != nil {
			cm.Close()
			return nil, err
		}
	}

	return &Backend{
		Store:    sqlstore.NewFromManager(cm),
		Invoices: billing.NewSQLRepository(cm.Primary()),
		conn:     cm,
	}, nil
}

// Migrate applies the saga and billing migrations on the primary
func Migrate(ctx context.Context, cm *sqlstore.ConnectionManager, logger *observability.Logger) error {
	sets := []struct {
		name       string
		migrations []sqlstore.Migration
	}{
		{MigrationSetSaga, sqlstore.GetMigrations()},
		{MigrationSetBilling, billingMigrations()},
	}
	for _, set := range sets {
		if _, err := sqlstore.RunMigrations(ctx, cm.Primary(), set.name, set.migrations, logger); err != nil {
			return err
		}
	}
	return nil
}

func billingMigrations() []sqlstore.Migration {
	src := billing.GetMigrations()
	out := make([]sqlstore.Migration, len(src))
	for i, m := range src {
		out[i] = sqlstore.Migration{Version: m.Version, Description: m.Description, SQL: m.SQL}
	}
	return out
}

// Connections returns the SQL connection manager, or nil for the memory driver
func (b *Backend) Connections() *sqlstore.ConnectionManager {
	return b.conn
}

// HealthCheck pings the database; the memory backend is always healthy
func (b *Backend) HealthCheck(ctx context.Context) error {
	if b.conn == nil {
		return nil
	}
	return b.conn.HealthCheck(ctx)
}

// Close releases database connections
func (b *Backend) Close() error {
	if b.conn == nil {
		return nil
	}
	return b.conn.Close()
}
