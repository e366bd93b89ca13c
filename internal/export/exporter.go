package export

import (
	"context"
	"errors"
	"fmt"
)

// Exporter writes batches of records. The batch slice is reused after Export
// returns. Exporters are called from one goroutine.
type Exporter interface {
	Name() string
	Export(ctx context.Context, batch []Record) error
	Close() error
}

// Config selects and configures the exporters.
type Config struct {
	Console ConsoleConfig
	Kafka   KafkaConfig
}

// Build creates the exporters enabled in cfg.
func Build(cfg Config) ([]Exporter, error) {
	var exporters []Exporter
	if cfg.Console.Enabled {
		c, err := NewConsole(cfg.Console)
		if err != nil {
			return nil, err
		}
		exporters = append(exporters, c)
	}
	if cfg.Kafka.Enabled {
		k, err := NewKafka(cfg.Kafka)
		if err != nil {
			closeAll(exporters)
			return nil, err
		}
		exporters = append(exporters, k)
	}
	return exporters, nil
}

func closeAll(exporters []Exporter) error {
	var errs []error
	for _, e := range exporters {
		if err := e.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s exporter: %w", e.Name(), err))
		}
	}
	return errors.Join(errs...)
}
