// Package main is the operator CLI for the audit chain: verification,
// range queries, export replay, a live monitor, and a dev seeder.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"auditchain/internal/config"
	"auditchain/internal/export"
	"auditchain/internal/logging"
	"auditchain/internal/store"
	"auditchain/internal/store/clickhouse"
	"auditchain/internal/store/postgres"
	"auditchain/internal/store/redistream"
	"auditchain/internal/store/sqlite"
)

var rootCmd = &cobra.Command{
	Use:   "auditchainctl",
	Short: "Operate a tamper-evident audit chain",
	Long: `auditchainctl works against the audit chain store configured in the
service's config file: verify chain integrity, query event ranges,
replay ranges to the configured exporters, watch chain health live,
and seed sample events during development.`,
	SilenceUsage: true,
}

var configPath string

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default: AUDITCHAIN_CONFIG_PATH or configs/config.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig loads and validates configuration, then applies the logging
// settings it carries. Logs go to stderr so command output stays clean.
func loadConfig() (*config.Config, *slog.Logger, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	logging.AddSensitiveKeys(cfg.Logging.RedactKeys...)
	logger := logging.NewLogger(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// openStore connects the configured backend.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendMemory:
		return store.NewMemory(), nil
	case config.BackendPostgres:
		return postgres.Open(ctx, cfg.Store.Postgres)
	case config.BackendSQLite:
		return sqlite.Open(ctx, cfg.Store.SQLite)
	case config.BackendClickHouse:
		return clickhouse.Open(ctx, cfg.Store.ClickHouse)
	case config.BackendRedis:
		return redistream.Open(ctx, cfg.Store.Redis)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// buildExporters constructs every exporter enabled in the config.
func buildExporters(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]export.Exporter, error) {
	var exporters []export.Exporter

	if cfg.Exporters.Telemetry.Enabled {
		exporters = append(exporters, export.NewTelemetry(logger))
	}
	if cfg.Exporters.Syslog.Enabled {
		exp, err := export.NewSyslog(cfg.Exporters.Syslog.SyslogConfig, logger)
		if err != nil {
			return nil, fmt.Errorf("syslog exporter: %w", err)
		}
		exporters = append(exporters, exp)
	}
	if cfg.Exporters.Kafka.Enabled {
		exp, err := export.NewKafka(cfg.Exporters.Kafka.KafkaConfig, logger)
		if err != nil {
			return nil, fmt.Errorf("kafka exporter: %w", err)
		}
		exporters = append(exporters, exp)
	}
	if cfg.Exporters.S3.Enabled {
		exp, err := export.NewS3Archive(ctx, cfg.Exporters.S3.S3Config, logger)
		if err != nil {
			return nil, fmt.Errorf("s3 exporter: %w", err)
		}
		exporters = append(exporters, exp)
	}

	return exporters, nil
}
