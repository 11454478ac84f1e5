// Package config handles configuration loading for auditchain.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"auditchain/internal/export"
	"auditchain/internal/sequencer"
	"auditchain/internal/store/clickhouse"
	"auditchain/internal/store/postgres"
	"auditchain/internal/store/redistream"
	"auditchain/internal/store/sqlite"
	"auditchain/internal/verify"
)

// Store backends.
const (
	BackendMemory     = "memory"
	BackendPostgres   = "postgres"
	BackendSQLite     = "sqlite"
	BackendClickHouse = "clickhouse"
	BackendRedis      = "redis"
)

// Config holds the complete application configuration.
type Config struct {
	Chain     ChainConfig     `yaml:"chain"`
	Sequencer SequencerConfig `yaml:"sequencer"`
	Store     StoreConfig     `yaml:"store"`
	Exporters ExportersConfig `yaml:"exporters"`
	Integrity IntegrityConfig `yaml:"integrity"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ChainConfig holds chain-level policy.
type ChainConfig struct {
	Resume sequencer.ResumePolicy `yaml:"resume"` // resume or fresh
}

// SequencerConfig holds mailbox and persistence-retry tuning. The restart
// policy lives in the chain section.
type SequencerConfig struct {
	MailboxSize          int           `yaml:"mailbox_size"`
	SubmitWait           time.Duration `yaml:"submit_wait"`
	StoreRetries         int           `yaml:"store_retries"`
	StoreRetryBackoff    time.Duration `yaml:"store_retry_backoff"`
	StoreRetryMaxBackoff time.Duration `yaml:"store_retry_max_backoff"`
}

// StoreConfig selects and configures the chain store backend.
type StoreConfig struct {
	Backend    string            `yaml:"backend"` // memory, postgres, sqlite, clickhouse, redis
	Postgres   postgres.Config   `yaml:"postgres"`
	SQLite     sqlite.Config     `yaml:"sqlite"`
	ClickHouse clickhouse.Config `yaml:"clickhouse"`
	Redis      redistream.Config `yaml:"redis"`
}

// ExportersConfig configures the best-effort export fan-out.
type ExportersConfig struct {
	Fanout    export.FanoutConfig     `yaml:"fanout"`
	Syslog    SyslogExporterConfig    `yaml:"syslog"`
	Telemetry TelemetryExporterConfig `yaml:"telemetry"`
	Kafka     KafkaExporterConfig     `yaml:"kafka"`
	S3        S3ExporterConfig        `yaml:"s3"`
}

// SyslogExporterConfig wraps the syslog exporter settings with an enable
// flag.
type SyslogExporterConfig struct {
	Enabled             bool `yaml:"enabled"`
	export.SyslogConfig `yaml:",inline"`
}

// TelemetryExporterConfig enables the structured-log exporter.
type TelemetryExporterConfig struct {
	Enabled bool `yaml:"enabled"`
}

// KafkaExporterConfig wraps the Kafka exporter settings with an enable
// flag.
type KafkaExporterConfig struct {
	Enabled            bool `yaml:"enabled"`
	export.KafkaConfig `yaml:",inline"`
}

// S3ExporterConfig wraps the archive exporter settings with an enable
// flag.
type S3ExporterConfig struct {
	Enabled         bool `yaml:"enabled"`
	export.S3Config `yaml:",inline"`
}

// IntegrityConfig configures the periodic chain verification job.
type IntegrityConfig struct {
	Enabled          bool `yaml:"enabled"`
	verify.JobConfig `yaml:",inline"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`

	// RedactKeys extends the built-in set of metadata keys whose values
	// are masked in log output.
	RedactKeys []string `yaml:"redact_keys"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	seq := sequencer.DefaultConfig()

	return &Config{
		Chain: ChainConfig{
			Resume: seq.Resume,
		},
		Sequencer: SequencerConfig{
			MailboxSize:          seq.MailboxSize,
			SubmitWait:           seq.SubmitWait,
			StoreRetries:         seq.StoreRetries,
			StoreRetryBackoff:    seq.StoreRetryBackoff,
			StoreRetryMaxBackoff: seq.StoreRetryMaxBackoff,
		},
		Store: StoreConfig{
			Backend:    BackendMemory,
			Postgres:   postgres.DefaultConfig(),
			SQLite:     sqlite.DefaultConfig(),
			ClickHouse: clickhouse.DefaultConfig(),
			Redis:      redistream.DefaultConfig(),
		},
		Exporters: ExportersConfig{
			Fanout: export.DefaultFanoutConfig(),
			Syslog: SyslogExporterConfig{
				Enabled:      false,
				SyslogConfig: export.DefaultSyslogConfig(),
			},
			Telemetry: TelemetryExporterConfig{
				Enabled: true,
			},
			Kafka: KafkaExporterConfig{
				Enabled:     false,
				KafkaConfig: export.DefaultKafkaConfig(),
			},
			S3: S3ExporterConfig{
				Enabled: false,
			},
		},
		Integrity: IntegrityConfig{
			Enabled:   true,
			JobConfig: verify.DefaultJobConfig(),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// SequencerConfig assembles the sequencer configuration from the chain and
// sequencer sections.
func (c *Config) SequencerConfig() sequencer.Config {
	return sequencer.Config{
		MailboxSize:          c.Sequencer.MailboxSize,
		SubmitWait:           c.Sequencer.SubmitWait,
		Resume:               c.Chain.Resume,
		StoreRetries:         c.Sequencer.StoreRetries,
		StoreRetryBackoff:    c.Sequencer.StoreRetryBackoff,
		StoreRetryMaxBackoff: c.Sequencer.StoreRetryMaxBackoff,
	}
}

// Load loads configuration from a file or returns defaults. The file path
// comes from AUDITCHAIN_CONFIG_PATH, defaulting to configs/config.yaml; a
// missing file falls back to defaults. Environment overrides apply either
// way.
func Load() (*Config, error) {
	configPath := os.Getenv("AUDITCHAIN_CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, nil
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from an explicit path. Unlike Load, a
// missing file is an error.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if level := os.Getenv("AUDITCHAIN_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	if backend := os.Getenv("AUDITCHAIN_STORE_BACKEND"); backend != "" {
		c.Store.Backend = backend
	}

	if policy := os.Getenv("AUDITCHAIN_RESUME_POLICY"); policy != "" {
		c.Chain.Resume = sequencer.ResumePolicy(policy)
	}

	if size := os.Getenv("AUDITCHAIN_MAILBOX_SIZE"); size != "" {
		fmt.Sscanf(size, "%d", &c.Sequencer.MailboxSize)
	}

	// Store settings
	if dsn := os.Getenv("AUDITCHAIN_POSTGRES_DSN"); dsn != "" {
		c.Store.Postgres.DSN = dsn
	}

	if path := os.Getenv("AUDITCHAIN_SQLITE_PATH"); path != "" {
		c.Store.SQLite.Path = path
	}

	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		c.Store.ClickHouse.Hosts = []string{host}
	}

	if db := os.Getenv("CLICKHOUSE_DATABASE"); db != "" {
		c.Store.ClickHouse.Database = db
	}

	if user := os.Getenv("CLICKHOUSE_USER"); user != "" {
		c.Store.ClickHouse.Username = user
	}

	if pass := os.Getenv("CLICKHOUSE_PASSWORD"); pass != "" {
		c.Store.ClickHouse.Password = pass
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Store.Redis.Addr = addr
	}

	if pass := os.Getenv("REDIS_PASSWORD"); pass != "" {
		c.Store.Redis.Password = pass
	}

	// Exporter settings
	if addrs := os.Getenv("AUDITCHAIN_SYSLOG_ADDRS"); addrs != "" {
		c.Exporters.Syslog.Addresses = splitAndTrim(addrs, ",")
		c.Exporters.Syslog.Enabled = true
	}

	if brokers := os.Getenv("AUDITCHAIN_KAFKA_BROKERS"); brokers != "" {
		c.Exporters.Kafka.Brokers = splitAndTrim(brokers, ",")
		c.Exporters.Kafka.Enabled = true
	}

	if bucket := os.Getenv("AUDITCHAIN_S3_BUCKET"); bucket != "" {
		c.Exporters.S3.Bucket = bucket
		c.Exporters.S3.Enabled = true
	}
}

// splitAndTrim splits a string by separator and trims whitespace from each
// part.
func splitAndTrim(s, sep string) []string {
	parts := make([]string, 0)
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendPostgres, BackendSQLite, BackendClickHouse, BackendRedis:
	default:
		return fmt.Errorf("unknown store backend: %q", c.Store.Backend)
	}

	switch c.Chain.Resume {
	case sequencer.ResumeFromStore, sequencer.FreshSegment:
	default:
		return fmt.Errorf("unknown resume policy: %q", c.Chain.Resume)
	}

	if c.Sequencer.MailboxSize <= 0 {
		return fmt.Errorf("mailbox_size must be positive")
	}

	if c.Sequencer.StoreRetries < 0 {
		return fmt.Errorf("store_retries must not be negative")
	}

	if c.Exporters.Fanout.QueueSize <= 0 {
		return fmt.Errorf("exporter queue_size must be positive")
	}

	if c.Integrity.Enabled && c.Integrity.PageSize <= 0 {
		return fmt.Errorf("integrity page_size must be positive")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level: %q", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("unknown log format: %q", c.Logging.Format)
	}

	if c.Exporters.Syslog.Enabled {
		if err := c.Exporters.Syslog.Validate(); err != nil {
			return err
		}
	}

	if c.Exporters.Kafka.Enabled {
		if err := c.Exporters.Kafka.Validate(); err != nil {
			return err
		}
	}

	if c.Exporters.S3.Enabled {
		if err := c.Exporters.S3.Validate(); err != nil {
			return err
		}
	}

	return nil
}
