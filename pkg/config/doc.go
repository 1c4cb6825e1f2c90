// Package config provides application configuration management from an optional
// YAML file and environment variables.
//
// # Overview
//
// LoadConfig starts from defaults, decodes the file named by SETTLE_CONFIG_FILE
// over them when set, then applies SETTLE_* environment variables, and validates
// the result. Keys missing from the file keep their defaults.
//
// # Configuration Structure
//
// Server settings:
//
//	SETTLE_HOST="0.0.0.0"
//	SETTLE_PORT="8080"
//	SETTLE_HEALTH_PORT="9090"
//
// Storage settings:
//
//	SETTLE_STORAGE_DRIVER="postgres"  # memory, postgres, sqlite3
//	SETTLE_DATABASE_URL="postgres://localhost/settle?sslmode=disable"
//	SETTLE_DATABASE_REPLICA_URLS="postgres://replica1/settle,postgres://replica2/settle"
//	SETTLE_DATABASE_AUTO_MIGRATE="true"
//
// Broker settings:
//
//	SETTLE_BROKER_DRIVER="redis"  # memory, redis
//	SETTLE_REDIS_URL="redis://localhost:6379/0"
//
// Job settings:
//
//	SETTLE_OUTBOX_ENABLED="true"
//	SETTLE_OUTBOX_BATCH_SIZE="50"
//	SETTLE_OUTBOX_MAX_ATTEMPTS="5"
//	SETTLE_OUTBOX_INTERVAL="5s"
//	SETTLE_TIMEOUT_ENABLED="true"
//	SETTLE_TIMEOUT_BATCH_SIZE="100"
//	SETTLE_TIMEOUT_THRESHOLD="120s"
//	SETTLE_TIMEOUT_INTERVAL="30s"
//
// Dead-letter archive:
//
//	SETTLE_ARCHIVE_ENABLED="true"
//	SETTLE_S3_BUCKET="settle-dead-letters"
//	SETTLE_S3_ENDPOINT="http://minio:9000"
//
// Observability settings:
//
//	SETTLE_LOG_LEVEL="info"  # debug, info, warn, error
//	SETTLE_METRICS_ENABLED="true"
//	SETTLE_OTEL_ENABLED="true"
//	SETTLE_OTEL_ENDPOINT="otel-collector:4317"
//
// # Usage Example
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	watcher, err := config.NewWatcher(path, cfg.Jobs, logger, func(jobs config.JobsConfig) {
//		publisher.Configure(jobs.Outbox.Settings())
//		timeouts.Configure(jobs.Timeout.Settings())
//	})
//
// # Related Packages
//
//   - pkg/storage: Uses storage configuration
//   - pkg/jobs: Receives reloaded job settings
package config
