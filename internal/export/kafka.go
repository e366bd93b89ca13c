package export

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"firestige.xyz/flowtrack/internal/core"
)

const (
	defaultBatchSize    = 100
	defaultBatchTimeout = 100 * time.Millisecond
	defaultCompression  = "snappy"
	defaultMaxAttempts  = 3
)

// KafkaConfig configures the Kafka exporter.
type KafkaConfig struct {
	Enabled      bool
	Brokers      []string      // required
	Topic        string        // required
	BatchSize    int           // default 100
	BatchTimeout time.Duration // default 100ms
	Compression  string        // none|gzip|snappy|lz4|zstd, default snappy
	MaxAttempts  int           // default 3
}

// messageWriter is the part of kafka.Writer the exporter uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes records as JSON messages keyed by the stream, so both
// directions of a stream land in the same partition.
type Kafka struct {
	cfg    KafkaConfig
	writer messageWriter
	msgs   []kafka.Message

	exported atomic.Uint64
	errors   atomic.Uint64
}

// NewKafka creates a Kafka exporter. No connection is made until the first
// write.
func NewKafka(cfg KafkaConfig) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka brokers are required", core.ErrConfigInvalid)
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("%w: kafka topic is required", core.ErrConfigInvalid)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = defaultBatchTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Compression == "" {
		cfg.Compression = defaultCompression
	}
	codec, err := compression(cfg.Compression)
	if err != nil {
		return nil, err
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		MaxAttempts:  cfg.MaxAttempts,
		Compression:  codec,
		RequiredAcks: kafka.RequireOne,
	}
	slog.Info("kafka exporter configured",
		"brokers", cfg.Brokers,
		"topic", cfg.Topic,
		"batch_size", cfg.BatchSize,
		"compression", cfg.Compression,
	)
	return newKafka(cfg, w), nil
}

func newKafka(cfg KafkaConfig, w messageWriter) *Kafka {
	return &Kafka{cfg: cfg, writer: w}
}

func compression(name string) (compress.Compression, error) {
	switch name {
	case "none":
		return compress.None, nil
	case "gzip":
		return compress.Gzip, nil
	case "snappy":
		return compress.Snappy, nil
	case "lz4":
		return compress.Lz4, nil
	case "zstd":
		return compress.Zstd, nil
	default:
		return compress.None, fmt.Errorf("%w: kafka compression %q", core.ErrConfigInvalid, name)
	}
}

func (k *Kafka) Name() string { return "kafka" }

// Export writes the batch synchronously.
func (k *Kafka) Export(ctx context.Context, batch []Record) error {
	k.msgs = k.msgs[:0]
	for i := range batch {
		value, err := json.Marshal(&batch[i])
		if err != nil {
			k.errors.Add(1)
			return fmt.Errorf("serialize record: %w", err)
		}
		k.msgs = append(k.msgs, kafka.Message{
			Key:   []byte(batch[i].Key()),
			Value: value,
			Time:  batch[i].End,
			Headers: []kafka.Header{
				{Key: "end_reason", Value: []byte(batch[i].EndReason)},
			},
		})
	}
	if err := k.writer.WriteMessages(ctx, k.msgs...); err != nil {
		k.errors.Add(uint64(len(batch)))
		return fmt.Errorf("kafka write failed: %w", err)
	}
	k.exported.Add(uint64(len(batch)))
	return nil
}

// Close flushes pending messages and closes the writer.
func (k *Kafka) Close() error {
	err := k.writer.Close()
	slog.Info("kafka exporter stopped",
		"total_exported", k.exported.Load(),
		"total_errors", k.errors.Load(),
	)
	if err != nil {
		return fmt.Errorf("close kafka writer: %w", err)
	}
	return nil
}
