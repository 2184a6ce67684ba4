package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/kelseyhightower/envconfig"
)

// Overflow policy names for a full output queue.
const (
	OverflowDrop       = "drop"
	OverflowRetry      = "retry"
	OverflowDeadLetter = "deadletter"
)

// Config holds all pipeline configuration.
type Config struct {
	Paths    PathsConfig
	Ingest   IngestConfig
	Process  ProcessConfig
	Writer   WriterConfig
	Postgres PostgresConfig
	House    ClickHouseConfig
	S3       S3Config
	Logging  LogConfig
	Metrics  MetricsConfig
}

// PathsConfig holds the directories the pipeline reads and writes.
type PathsConfig struct {
	InputDir      string `envconfig:"INPUT_DIR" default:"database"`
	OutputDir     string `envconfig:"OUTPUT_DIR" default:"database_2"`
	DeadLetterDir string `envconfig:"DEADLETTER_DIR" default:"database_deadletter"`
	QuarantineDir string `envconfig:"QUARANTINE_DIR"`
}

// IngestConfig configures the directory-scanning stage.
type IngestConfig struct {
	Pattern        string        `envconfig:"INPUT_PATTERN" default:"*.txt"`
	QueueSize      int           `envconfig:"INGEST_QUEUE_SIZE" default:"100"`
	ScanInterval   time.Duration `envconfig:"SCAN_INTERVAL" default:"500ms"`
	ErrorBackoff   time.Duration `envconfig:"SCAN_ERROR_BACKOFF" default:"1s"`
	EnqueueTimeout time.Duration `envconfig:"ENQUEUE_TIMEOUT" default:"1s"`
	SettleDelay    time.Duration `envconfig:"SETTLE_DELAY" default:"100ms"`
	Watch          bool          `envconfig:"INGEST_WATCH" default:"true"`
}

// ProcessConfig configures the batch processing stage.
type ProcessConfig struct {
	Workers         int           `envconfig:"WORKERS" default:"4"`
	BatchSize       int           `envconfig:"BATCH_SIZE" default:"5"`
	MaxOutstanding  int           `envconfig:"MAX_OUTSTANDING_BATCHES" default:"2"`
	ItemTimeout     time.Duration `envconfig:"BATCH_ITEM_TIMEOUT" default:"500ms"`
	WaitCeiling     time.Duration `envconfig:"BATCH_WAIT_CEILING" default:"10s"`
	MinDelay        time.Duration `envconfig:"TRANSFORM_MIN_DELAY" default:"1s"`
	MaxDelay        time.Duration `envconfig:"TRANSFORM_MAX_DELAY" default:"5s"`
	QueueSize       int           `envconfig:"OUTPUT_QUEUE_SIZE" default:"100"`
	PutTimeout      time.Duration `envconfig:"OUTPUT_PUT_TIMEOUT" default:"1s"`
	OverflowPolicy  string        `envconfig:"OVERFLOW_POLICY" default:"deadletter"`
	OverflowRetries int           `envconfig:"OVERFLOW_RETRIES" default:"3"`
}

// WriterConfig configures the output stage.
type WriterConfig struct {
	PollTimeout time.Duration `envconfig:"WRITER_POLL_TIMEOUT" default:"1s"`
	Drain       bool          `envconfig:"WRITER_DRAIN" default:"true"`
}

// PostgresConfig enables the PostgreSQL mirror when DSN is set.
type PostgresConfig struct {
	DSN      string `envconfig:"POSTGRES_DSN"`
	PoolSize int    `envconfig:"POSTGRES_POOL_SIZE" default:"4"`
}

// ClickHouseConfig enables the ClickHouse mirror when Addr is set.
type ClickHouseConfig struct {
	Addr     string `envconfig:"CLICKHOUSE_ADDR"`
	Database string `envconfig:"CLICKHOUSE_DATABASE" default:"default"`
	Username string `envconfig:"CLICKHOUSE_USER" default:"default"`
	Password string `envconfig:"CLICKHOUSE_PASSWORD"`
}

// S3Config enables the object store mirror when Bucket is set.
type S3Config struct {
	Bucket          string `envconfig:"S3_BUCKET"`
	Prefix          string `envconfig:"S3_PREFIX" default:"processed/"`
	Endpoint        string `envconfig:"S3_ENDPOINT"`
	Region          string `envconfig:"S3_REGION" default:"us-east-1"`
	AccessKeyID     string `envconfig:"S3_ACCESS_KEY_ID"`
	SecretAccessKey string `envconfig:"S3_SECRET_ACCESS_KEY"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// MetricsConfig holds the metrics endpoint and progress log cadence.
type MetricsConfig struct {
	Addr             string        `envconfig:"METRICS_ADDR"`
	ProgressInterval time.Duration `envconfig:"PROGRESS_INTERVAL" default:"5s"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// Default returns the configuration with every default applied.
func Default() *Config {
	return &Config{
		Paths: PathsConfig{
			InputDir:      "database",
			OutputDir:     "database_2",
			DeadLetterDir: "database_deadletter",
		},
		Ingest: IngestConfig{
			Pattern:        "*.txt",
			QueueSize:      100,
			ScanInterval:   500 * time.Millisecond,
			ErrorBackoff:   time.Second,
			EnqueueTimeout: time.Second,
			SettleDelay:    100 * time.Millisecond,
			Watch:          true,
		},
		Process: ProcessConfig{
			Workers:         4,
			BatchSize:       5,
			MaxOutstanding:  2,
			ItemTimeout:     500 * time.Millisecond,
			WaitCeiling:     10 * time.Second,
			MinDelay:        time.Second,
			MaxDelay:        5 * time.Second,
			QueueSize:       100,
			PutTimeout:      time.Second,
			OverflowPolicy:  OverflowDeadLetter,
			OverflowRetries: 3,
		},
		Writer: WriterConfig{
			PollTimeout: time.Second,
			Drain:       true,
		},
		Postgres: PostgresConfig{PoolSize: 4},
		House: ClickHouseConfig{
			Database: "default",
			Username: "default",
		},
		S3: S3Config{
			Prefix: "processed/",
			Region: "us-east-1",
		},
		Logging: LogConfig{Level: "info"},
		Metrics: MetricsConfig{ProgressInterval: 5 * time.Second},
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Paths.InputDir == "" {
		errs = append(errs, errors.New("input dir is required"))
	}
	if c.Paths.OutputDir == "" {
		errs = append(errs, errors.New("output dir is required"))
	}
	if c.Paths.InputDir != "" && c.Paths.InputDir == c.Paths.OutputDir {
		errs = append(errs, errors.New("input and output dir must differ"))
	}
	if !doublestar.ValidatePattern(c.Ingest.Pattern) {
		errs = append(errs, fmt.Errorf("invalid input pattern %q", c.Ingest.Pattern))
	}
	if c.Ingest.QueueSize < 1 || c.Process.QueueSize < 1 {
		errs = append(errs, errors.New("queue sizes must be >= 1"))
	}
	if c.Process.Workers < 1 {
		errs = append(errs, errors.New("workers must be >= 1"))
	}
	if c.Process.BatchSize < 1 {
		errs = append(errs, errors.New("batch size must be >= 1"))
	}
	if c.Process.MaxOutstanding < 1 {
		errs = append(errs, errors.New("max outstanding batches must be >= 1"))
	}
	if c.Process.MinDelay < 0 || c.Process.MaxDelay < c.Process.MinDelay {
		errs = append(errs, errors.New("transform delays must satisfy 0 <= min <= max"))
	}
	if c.Process.OverflowRetries < 0 {
		errs = append(errs, errors.New("overflow retries must be >= 0"))
	}
	switch c.Process.OverflowPolicy {
	case OverflowDrop, OverflowRetry:
	case OverflowDeadLetter:
		if c.Paths.DeadLetterDir == "" {
			errs = append(errs, errors.New("deadletter overflow policy needs a dead-letter dir"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown overflow policy %q", c.Process.OverflowPolicy))
	}
	for name, d := range c.timeouts() {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", name))
		}
	}
	return errors.Join(errs...)
}

// ShutdownBound is the documented upper bound for all stages to join after
// the stop signal: twice the largest internal timeout.
func (c *Config) ShutdownBound() time.Duration {
	var longest time.Duration
	for _, d := range c.timeouts() {
		longest = max(longest, d)
	}
	return 2 * longest
}

func (c *Config) timeouts() map[string]time.Duration {
	return map[string]time.Duration{
		"scan interval":   c.Ingest.ScanInterval,
		"error backoff":   c.Ingest.ErrorBackoff,
		"enqueue timeout": c.Ingest.EnqueueTimeout,
		"item timeout":    c.Process.ItemTimeout,
		"wait ceiling":    c.Process.WaitCeiling,
		"put timeout":     c.Process.PutTimeout,
		"poll timeout":    c.Writer.PollTimeout,
	}
}
