// Package config defines the global configuration structure for the message hub.
// Configuration is loaded once at process initialization and is immutable
// thereafter. It follows 12-Factor App principles by strictly separating code
// from configuration.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File (Lowest)
//
// Any missing required value or invalid format causes the application to fail
// immediately on startup (fail fast).
package config

import "time"

// Config is the top-level configuration struct for the message hub. It is
// populated once during process initialization and never modified.
// Sub-components receive only the specific config subsets they require.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"message-hub"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Domain Configurations
	Server      ServerConfig
	Database    DatabaseConfig
	QueueStore  QueueStoreConfig
	Breaker     BreakerConfig
	Retry       RetryConfig
	Queue       QueueConfig
	Health      HealthConfig
	EventStore  EventStoreConfig
	Transaction TransactionConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	RequestTimeout  time.Duration `envconfig:"REQUEST_TIMEOUT" default:"29s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`
}

// DatabaseConfig holds database connection and pool tuning parameters for the
// relational event store.
type DatabaseConfig struct {
	URL string `envconfig:"DATABASE_URL" validate:"required,url"`

	// Tuning Parameters
	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// QueueStoreConfig holds the file-backed key-value store used for retry and
// dead-letter state.
type QueueStoreConfig struct {
	Path string `envconfig:"QUEUE_STORE_PATH" default:"messagehub.db"`
}

// BreakerConfig holds per-destination circuit breaker tuning.
type BreakerConfig struct {
	FailureThreshold uint32        `envconfig:"CIRCUIT_BREAKER_FAILURE_THRESHOLD" default:"5"`
	ResetTimeout     time.Duration `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30s"`
}

// RetryConfig holds exponential backoff and dead-letter tuning.
type RetryConfig struct {
	MaxAttempts  int           `envconfig:"RETRY_MAX_ATTEMPTS" default:"5"`
	BaseDelay    time.Duration `envconfig:"RETRY_BASE_DELAY" default:"1s"`
	MaxDelay     time.Duration `envconfig:"RETRY_MAX_DELAY" default:"5m"`
	JitterFactor float64       `envconfig:"RETRY_JITTER_FACTOR" default:"0.2" validate:"min=0,max=1"`
	PollInterval time.Duration `envconfig:"RETRY_POLL_INTERVAL" default:"1s"`
}

// QueueConfig holds priority queue capacity and fairness tuning.
type QueueConfig struct {
	MaxQueueSize int `envconfig:"QUEUE_MAX_SIZE" default:"10000"`

	// ThrottleWatermark is the fraction of MaxQueueSize at which the queue
	// starts reporting throttling (log + metric, no rejection).
	ThrottleWatermark float64 `envconfig:"QUEUE_THROTTLE_WATERMARK" default:"0.9" validate:"min=0,max=1"`

	// PerServiceRate is the per-second dequeue quota granted to each
	// destination service (token bucket refill rate).
	PerServiceRate int `envconfig:"QUEUE_PER_SERVICE_RATE" default:"100"`

	// SweepInterval and SweepMaxAge control eviction of aged Low/Deferred
	// messages.
	SweepInterval time.Duration `envconfig:"QUEUE_SWEEP_INTERVAL" default:"1m"`
	SweepMaxAge   time.Duration `envconfig:"QUEUE_SWEEP_MAX_AGE" default:"1h"`

	// AgeBoostCap bounds the age-based fairness boost in the dequeue score.
	AgeBoostCap float64 `envconfig:"QUEUE_AGE_BOOST_CAP" default:"100"`
}

// HealthConfig holds the registry health-check loop tuning. CheckTimeout is
// the per-call HTTP timeout, distinct from the polling interval.
type HealthConfig struct {
	CheckInterval      time.Duration `envconfig:"HEALTH_CHECK_INTERVAL" default:"10s"`
	CheckTimeout       time.Duration `envconfig:"HEALTH_CHECK_TIMEOUT" default:"3s"`
	HealthyThreshold   int           `envconfig:"HEALTH_HEALTHY_THRESHOLD" default:"2"`
	UnhealthyThreshold int           `envconfig:"HEALTH_UNHEALTHY_THRESHOLD" default:"3"`
	DependencyInterval time.Duration `envconfig:"DEPENDENCY_CHECK_INTERVAL" default:"30s"`

	// LatencyEMAWeight is the weight given to the previous average when
	// folding in a new latency sample: new_avg = w*old + (1-w)*sample.
	LatencyEMAWeight float64 `envconfig:"HEALTH_LATENCY_EMA_WEIGHT" default:"0.9" validate:"min=0,max=1"`

	// MinHealthScore is the health-aware balancer's eligibility cutoff.
	MinHealthScore float64 `envconfig:"HEALTH_MIN_SCORE" default:"0.5" validate:"min=0,max=1"`
}

// EventStoreConfig holds durability and replay tuning for the event log.
type EventStoreConfig struct {
	WALFlushInterval time.Duration `envconfig:"WAL_FLUSH_INTERVAL" default:"500ms"`
	ReplayBatchSize  int           `envconfig:"REPLAY_BATCH_SIZE" default:"100"`
	RetentionDays    int           `envconfig:"EVENT_RETENTION_DAYS" default:"30"`
}

// TransactionConfig holds two-phase-commit coordination tuning.
type TransactionConfig struct {
	Timeout        time.Duration `envconfig:"TRANSACTION_TIMEOUT" default:"30s"`
	MaxCompleted   int           `envconfig:"TRANSACTION_MAX_COMPLETED" default:"1000"`
	ReaperInterval time.Duration `envconfig:"TRANSACTION_REAPER_INTERVAL" default:"5s"`
}
