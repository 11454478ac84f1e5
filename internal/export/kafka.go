package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"auditchain/internal/event"
)

// KafkaConfig configures the Kafka exporter.
type KafkaConfig struct {
	// Brokers lists bootstrap servers (host:port).
	Brokers []string `json:"brokers" yaml:"brokers"`

	// Topic receives one JSON message per event.
	Topic string `json:"topic" yaml:"topic"`

	// BatchSize and BatchTimeout tune the writer's internal batching.
	BatchSize    int           `json:"batch_size" yaml:"batch_size"`
	BatchTimeout time.Duration `json:"batch_timeout" yaml:"batch_timeout"`

	// WriteTimeout bounds a produce round-trip.
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// RequiredAcks is the broker acknowledgement level (-1 all, 0 none, 1 leader).
	RequiredAcks int `json:"required_acks" yaml:"required_acks"`

	// Compression is none, gzip, snappy, lz4, or zstd.
	Compression string `json:"compression" yaml:"compression"`

	// MaxAttempts bounds delivery attempts inside the writer.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`
}

// DefaultKafkaConfig returns exporter defaults.
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Topic:        "audit-events",
		BatchSize:    100,
		BatchTimeout: time.Second,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: -1,
		Compression:  "snappy",
		MaxAttempts:  3,
	}
}

// Validate checks the configuration.
func (c *KafkaConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("export: no kafka brokers configured")
	}
	if c.Topic == "" {
		return errors.New("export: kafka topic is required")
	}
	switch c.RequiredAcks {
	case -1, 0, 1:
	default:
		return fmt.Errorf("export: invalid kafka required_acks %d", c.RequiredAcks)
	}
	if _, err := c.compression(); err != nil {
		return err
	}
	return nil
}

func (c *KafkaConfig) compression() (kafkago.Compression, error) {
	switch c.Compression {
	case "", "none":
		return 0, nil
	case "gzip":
		return kafkago.Gzip, nil
	case "snappy":
		return kafkago.Snappy, nil
	case "lz4":
		return kafkago.Lz4, nil
	case "zstd":
		return kafkago.Zstd, nil
	default:
		return 0, fmt.Errorf("export: unsupported kafka compression %q", c.Compression)
	}
}

// Kafka publishes events to a Kafka topic as JSON, keyed by sequence
// number. Delivery retries live inside the writer; a message that exhausts
// them is reported to the fan-out and skipped.
type Kafka struct {
	writer *kafkago.Writer
	config KafkaConfig
	logger *slog.Logger
	closed atomic.Bool
}

// NewKafka creates the exporter.
func NewKafka(cfg KafkaConfig, logger *slog.Logger) (*Kafka, error) {
	def := DefaultKafkaConfig()
	if cfg.Topic == "" {
		cfg.Topic = def.Topic
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = def.BatchTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	compression, err := cfg.compression()
	if err != nil {
		return nil, err
	}

	writer := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafkago.LeastBytes{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxAttempts:  cfg.MaxAttempts,
		RequiredAcks: kafkago.RequiredAcks(cfg.RequiredAcks),
		Compression:  compression,
		ErrorLogger: kafkago.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-exporter")
		}),
	}

	logger.Info("kafka exporter initialized",
		"brokers", cfg.Brokers,
		"topic", cfg.Topic,
		"compression", cfg.Compression,
	)

	return &Kafka{
		writer: writer,
		config: cfg,
		logger: logger,
	}, nil
}

// Name implements Exporter.
func (k *Kafka) Name() string { return "kafka" }

// Export implements Exporter.
func (k *Kafka) Export(ctx context.Context, e *event.Event) error {
	if k.closed.Load() {
		return ErrExporterClosed
	}

	msg, err := kafkaMessage(e)
	if err != nil {
		return &ExportError{Exporter: k.Name(), EventID: e.EventID, Err: err}
	}

	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return &ExportError{Exporter: k.Name(), EventID: e.EventID, Err: err}
	}
	return nil
}

// Close implements Exporter.
func (k *Kafka) Close() error {
	if k.closed.Swap(true) {
		return nil
	}
	return k.writer.Close()
}

// kafkaMessage renders the wire message for one event.
func kafkaMessage(e *event.Event) (kafkago.Message, error) {
	value, err := json.Marshal(e)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("export: marshal event: %w", err)
	}

	return kafkago.Message{
		Key:   []byte(strconv.FormatUint(e.Sequence, 10)),
		Value: value,
		Time:  e.Timestamp,
		Headers: []kafkago.Header{
			{Key: "kind", Value: []byte(e.Kind)},
			{Key: "hash", Value: []byte(e.Hash.Hex())},
		},
	}, nil
}
