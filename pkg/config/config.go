package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/settle/pkg/broker/redisstream"
	"github.com/platinummonkey/settle/pkg/observability"
	"github.com/platinummonkey/settle/pkg/outbox"
	"github.com/platinummonkey/settle/pkg/saga"
	"github.com/platinummonkey/settle/pkg/storage"
)

// ConfigFileEnv names the optional YAML file read before the environment.
const ConfigFileEnv = "SETTLE_CONFIG_FILE"

// Broker drivers
const (
	BrokerMemory = "memory"
	BrokerRedis  = "redis"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       storage.Config      `yaml:"storage"`
	Broker        BrokerConfig        `yaml:"broker"`
	Billing       BillingConfig       `yaml:"billing"`
	Jobs          JobsConfig          `yaml:"jobs"`
	Archive       ArchiveConfig       `yaml:"archive"`
	Participants  ParticipantsConfig  `yaml:"participants"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Health/metrics server (separate port for k8s probes)
	HealthPort string `yaml:"health_port"`
}

// BrokerConfig selects the message broker
type BrokerConfig struct {
	Driver          string        `yaml:"driver"`
	RedisURL        string        `yaml:"redis_url"`
	RedisPassword   string        `yaml:"redis_password"`
	RedisDB         int           `yaml:"redis_db"`
	RedisPoolSize   int           `yaml:"redis_pool_size"`
	RedisMaxRetries int           `yaml:"redis_max_retries"`
	Consumer        string        `yaml:"consumer"`
	BlockTimeout    time.Duration `yaml:"block_timeout"`
	RetryInterval   time.Duration `yaml:"retry_interval"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	StreamMaxLen    int64         `yaml:"stream_max_len"`
}

// Redis returns the Redis Streams settings.
func (c BrokerConfig) Redis() redisstream.Config {
	cfg := redisstream.DefaultConfig()
	cfg.URL = c.RedisURL
	cfg.Password = c.RedisPassword
	cfg.DB = c.RedisDB
	cfg.PoolSize = c.RedisPoolSize
	cfg.MaxRetries = c.RedisMaxRetries
	cfg.Consumer = c.Consumer
	if c.BlockTimeout > 0 {
		cfg.BlockTimeout = c.BlockTimeout
	}
	if c.RetryInterval > 0 {
		cfg.RetryInterval = c.RetryInterval
	}
	if c.HandlerTimeout > 0 {
		cfg.HandlerTimeout = c.HandlerTimeout
	}
	if c.StreamMaxLen > 0 {
		cfg.MaxLen = c.StreamMaxLen
	}
	return cfg
}

// BillingConfig sizes the invoice read cache
type BillingConfig struct {
	CacheSize int           `yaml:"cache_size"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
}

// JobsConfig holds the periodic job settings. It is the part of the file the
// Watcher reloads.
type JobsConfig struct {
	Outbox  OutboxJobConfig  `yaml:"outbox"`
	Timeout TimeoutJobConfig `yaml:"timeout"`
}

// OutboxJobConfig controls the outbox publisher
type OutboxJobConfig struct {
	Enabled     bool          `yaml:"enabled"`
	BatchSize   int           `yaml:"batch_size"`
	MaxAttempts int           `yaml:"max_attempts"`
	Interval    time.Duration `yaml:"interval"`
}

// Settings converts to publisher settings.
func (c OutboxJobConfig) Settings() outbox.Settings {
	return outbox.Settings{Enabled: c.Enabled, BatchSize: c.BatchSize, MaxAttempts: c.MaxAttempts}
}

// TimeoutJobConfig controls the timeout watcher
type TimeoutJobConfig struct {
	Enabled   bool          `yaml:"enabled"`
	BatchSize int           `yaml:"batch_size"`
	Threshold time.Duration `yaml:"threshold"`
	Interval  time.Duration `yaml:"interval"`
}

// Settings converts to watcher settings.
func (c TimeoutJobConfig) Settings() saga.TimeoutSettings {
	return saga.TimeoutSettings{Enabled: c.Enabled, BatchSize: c.BatchSize, Threshold: c.Threshold}
}

// ArchiveConfig enables the S3 dead-letter archive when Enabled is set
type ArchiveConfig struct {
	Enabled bool            `yaml:"enabled"`
	S3      outbox.S3Config `yaml:"s3"`
}

// ParticipantsConfig tunes the payment and settlement simulators
type ParticipantsConfig struct {
	PaymentLimitCents int64    `yaml:"payment_limit_cents"`
	BlockedCurrencies []string `yaml:"blocked_currencies"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel string `yaml:"log_level"`

	MetricsEnabled bool `yaml:"metrics_enabled"`

	OTelEnabled        bool   `yaml:"otel_enabled"`
	OTelEndpoint       string `yaml:"otel_endpoint"`
	OTelServiceName    string `yaml:"otel_service_name"`
	OTelServiceVersion string `yaml:"otel_service_version"`
	OTelInsecure       bool   `yaml:"otel_insecure"`
}

// Level parses LogLevel.
func (c ObservabilityConfig) Level() observability.LogLevel {
	return observability.ParseLogLevel(c.LogLevel)
}

// OTel returns the exporter settings.
func (c ObservabilityConfig) OTel() observability.OTelConfig {
	return observability.OTelConfig{
		Enabled:        c.OTelEnabled,
		Endpoint:       c.OTelEndpoint,
		ServiceName:    c.OTelServiceName,
		ServiceVersion: c.OTelServiceVersion,
		Insecure:       c.OTelInsecure,
	}
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			HealthPort:      "9090",
		},
		Storage: storage.DefaultConfig(),
		Broker: BrokerConfig{
			Driver:   BrokerMemory,
			RedisURL: "redis://localhost:6379/0",
		},
		Billing: BillingConfig{
			CacheSize: 1024,
			CacheTTL:  5 * time.Minute,
		},
		Jobs: DefaultJobs(),
		Archive: ArchiveConfig{
			S3: outbox.S3Config{Region: "us-east-1"},
		},
		Participants: ParticipantsConfig{
			PaymentLimitCents: 1_000_000,
		},
		Observability: ObservabilityConfig{
			LogLevel:           "info",
			MetricsEnabled:     true,
			OTelEndpoint:       "localhost:4317",
			OTelServiceName:    "settle",
			OTelServiceVersion: "1.0.0",
			OTelInsecure:       true,
		},
	}
}

// DefaultJobs returns the default job settings
func DefaultJobs() JobsConfig {
	return JobsConfig{
		Outbox: OutboxJobConfig{
			Enabled:     true,
			BatchSize:   50,
			MaxAttempts: outbox.DefaultMaxAttempts,
			Interval:    5 * time.Second,
		},
		Timeout: TimeoutJobConfig{
			Enabled:   true,
			BatchSize: 100,
			Threshold: 120 * time.Second,
			Interval:  30 * time.Second,
		},
	}
}

// LoadConfig builds the configuration from defaults, the optional YAML file named
// by SETTLE_CONFIG_FILE, then SETTLE_* environment variables.
func LoadConfig() (*Config, error) {
	cfg := Default()

	if path := getEnv(ConfigFileEnv, ""); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	applyServerEnv(&cfg.Server)
	applyStorageEnv(&cfg.Storage)
	applyBrokerEnv(&cfg.Broker)
	applyBillingEnv(&cfg.Billing)
	applyJobsEnv(&cfg.Jobs)
	applyArchiveEnv(&cfg.Archive)
	applyParticipantsEnv(&cfg.Participants)
	applyObservabilityEnv(&cfg.Observability)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadFile decodes the YAML file at path over cfg.
func loadFile(path string, cfg interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func applyServerEnv(cfg *ServerConfig) {
	cfg.Host = getEnv("SETTLE_HOST", cfg.Host)
	cfg.Port = getEnv("SETTLE_PORT", cfg.Port)
	cfg.ReadTimeout = getEnvDuration("SETTLE_READ_TIMEOUT", cfg.ReadTimeout)
	cfg.WriteTimeout = getEnvDuration("SETTLE_WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.IdleTimeout = getEnvDuration("SETTLE_IDLE_TIMEOUT", cfg.IdleTimeout)
	cfg.ShutdownTimeout = getEnvDuration("SETTLE_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	cfg.HealthPort = getEnv("SETTLE_HEALTH_PORT", cfg.HealthPort)
}

func applyStorageEnv(cfg *storage.Config) {
	cfg.Driver = getEnv("SETTLE_STORAGE_DRIVER", cfg.Driver)
	cfg.URL = getEnv("SETTLE_DATABASE_URL", cfg.URL)
	if replicaURLs := getEnv("SETTLE_DATABASE_REPLICA_URLS", ""); replicaURLs != "" {
		cfg.ReplicaURLs = splitList(replicaURLs)
	}
	if maxConns := getEnvInt("SETTLE_DATABASE_MAX_CONNS", 0); maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns := getEnvInt("SETTLE_DATABASE_MIN_CONNS", 0); minConns > 0 {
		cfg.MinConns = minConns
	}
	cfg.Timeout = getEnvDuration("SETTLE_DATABASE_TIMEOUT", cfg.Timeout)
	if attempts := getEnvInt("SETTLE_DATABASE_CONNECT_ATTEMPTS", 0); attempts > 0 {
		cfg.ConnectAttempts = uint(attempts)
	}
	cfg.AutoMigrate = getEnvBool("SETTLE_DATABASE_AUTO_MIGRATE", cfg.AutoMigrate)
}

func applyBrokerEnv(cfg *BrokerConfig) {
	cfg.Driver = getEnv("SETTLE_BROKER_DRIVER", cfg.Driver)
	cfg.RedisURL = getEnv("SETTLE_REDIS_URL", cfg.RedisURL)
	cfg.RedisPassword = getEnv("SETTLE_REDIS_PASSWORD", cfg.RedisPassword)
	if redisDB := getEnvInt("SETTLE_REDIS_DB", -1); redisDB >= 0 {
		cfg.RedisDB = redisDB
	}
	if poolSize := getEnvInt("SETTLE_REDIS_POOL_SIZE", 0); poolSize > 0 {
		cfg.RedisPoolSize = poolSize
	}
	if maxRetries := getEnvInt("SETTLE_REDIS_MAX_RETRIES", 0); maxRetries > 0 {
		cfg.RedisMaxRetries = maxRetries
	}
	cfg.Consumer = getEnv("SETTLE_BROKER_CONSUMER", cfg.Consumer)
	cfg.HandlerTimeout = getEnvDuration("SETTLE_BROKER_HANDLER_TIMEOUT", cfg.HandlerTimeout)
	cfg.RetryInterval = getEnvDuration("SETTLE_BROKER_RETRY_INTERVAL", cfg.RetryInterval)
}

func applyBillingEnv(cfg *BillingConfig) {
	if size := getEnvInt("SETTLE_INVOICE_CACHE_SIZE", 0); size > 0 {
		cfg.CacheSize = size
	}
	cfg.CacheTTL = getEnvDuration("SETTLE_INVOICE_CACHE_TTL", cfg.CacheTTL)
}

func applyJobsEnv(cfg *JobsConfig) {
	cfg.Outbox.Enabled = getEnvBool("SETTLE_OUTBOX_ENABLED", cfg.Outbox.Enabled)
	cfg.Outbox.BatchSize = getEnvInt("SETTLE_OUTBOX_BATCH_SIZE", cfg.Outbox.BatchSize)
	cfg.Outbox.MaxAttempts = getEnvInt("SETTLE_OUTBOX_MAX_ATTEMPTS", cfg.Outbox.MaxAttempts)
	cfg.Outbox.Interval = getEnvDuration("SETTLE_OUTBOX_INTERVAL", cfg.Outbox.Interval)

	cfg.Timeout.Enabled = getEnvBool("SETTLE_TIMEOUT_ENABLED", cfg.Timeout.Enabled)
	cfg.Timeout.BatchSize = getEnvInt("SETTLE_TIMEOUT_BATCH_SIZE", cfg.Timeout.BatchSize)
	cfg.Timeout.Threshold = getEnvDuration("SETTLE_TIMEOUT_THRESHOLD", cfg.Timeout.Threshold)
	cfg.Timeout.Interval = getEnvDuration("SETTLE_TIMEOUT_INTERVAL", cfg.Timeout.Interval)
}

func applyArchiveEnv(cfg *ArchiveConfig) {
	cfg.Enabled = getEnvBool("SETTLE_ARCHIVE_ENABLED", cfg.Enabled)
	cfg.S3.Bucket = getEnv("SETTLE_S3_BUCKET", cfg.S3.Bucket)
	cfg.S3.Region = getEnv("SETTLE_S3_REGION", cfg.S3.Region)
	cfg.S3.Endpoint = getEnv("SETTLE_S3_ENDPOINT", cfg.S3.Endpoint)
	cfg.S3.AccessKey = getEnv("SETTLE_S3_ACCESS_KEY", cfg.S3.AccessKey)
	cfg.S3.SecretKey = getEnv("SETTLE_S3_SECRET_KEY", cfg.S3.SecretKey)
	cfg.S3.UsePathStyle = getEnvBool("SETTLE_S3_USE_PATH_STYLE", cfg.S3.UsePathStyle)
}

func applyParticipantsEnv(cfg *ParticipantsConfig) {
	cfg.PaymentLimitCents = getEnvInt64("SETTLE_PAYMENT_LIMIT_CENTS", cfg.PaymentLimitCents)
	if blocked := getEnv("SETTLE_BLOCKED_CURRENCIES", ""); blocked != "" {
		cfg.BlockedCurrencies = splitList(blocked)
	}
}

func applyObservabilityEnv(cfg *ObservabilityConfig) {
	cfg.LogLevel = getEnv("SETTLE_LOG_LEVEL", cfg.LogLevel)
	cfg.MetricsEnabled = getEnvBool("SETTLE_METRICS_ENABLED", cfg.MetricsEnabled)
	cfg.OTelEnabled = getEnvBool("SETTLE_OTEL_ENABLED", cfg.OTelEnabled)
	cfg.OTelEndpoint = getEnv("SETTLE_OTEL_ENDPOINT", cfg.OTelEndpoint)
	cfg.OTelServiceName = getEnv("SETTLE_OTEL_SERVICE_NAME", cfg.OTelServiceName)
	cfg.OTelServiceVersion = getEnv("SETTLE_OTEL_SERVICE_VERSION", cfg.OTelServiceVersion)
	cfg.OTelInsecure = getEnvBool("SETTLE_OTEL_INSECURE", cfg.OTelInsecure)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("invalid storage config: %w", err)
	}

	switch c.Broker.Driver {
	case BrokerMemory:
	case BrokerRedis:
		if c.Broker.RedisURL == "" {
			return fmt.Errorf("redis URL is required for the redis broker")
		}
	default:
		return fmt.Errorf("invalid broker driver: %s (must be memory or redis)", c.Broker.Driver)
	}

	if err := c.Jobs.Validate(); err != nil {
		return err
	}

	if c.Archive.Enabled && c.Archive.S3.Bucket == "" {
		return fmt.Errorf("S3 bucket is required when the dead-letter archive is enabled")
	}

	if c.Participants.PaymentLimitCents < 0 {
		return fmt.Errorf("payment limit must not be negative")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// Validate checks the job intervals and sizes
func (j JobsConfig) Validate() error {
	var result *multierror.Error
	if j.Outbox.Interval <= 0 {
		result = multierror.Append(result, errors.New("outbox interval must be positive"))
	}
	if j.Outbox.BatchSize < 0 || j.Outbox.MaxAttempts < 0 {
		result = multierror.Append(result, errors.New("outbox batch size and max attempts must not be negative"))
	}
	if j.Timeout.Interval <= 0 {
		result = multierror.Append(result, errors.New("timeout interval must be positive"))
	}
	if j.Timeout.BatchSize < 0 || j.Timeout.Threshold < 0 {
		result = multierror.Append(result, errors.New("timeout batch size and threshold must not be negative"))
	}
	return result.ErrorOrNil()
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
