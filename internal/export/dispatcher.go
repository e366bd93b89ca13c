package export

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"firestige.xyz/flowtrack/internal/metrics"
)

const (
	defaultQueueSize     = 8192
	defaultFlushInterval = time.Second
	exportTimeout        = 10 * time.Second
)

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	QueueSize     int           // Records buffered before Submit drops (default 8192)
	BatchSize     int           // Records per Export call (default 100)
	FlushInterval time.Duration // Longest a record waits for a full batch (default 1s)
}

// Dispatcher batches records from any number of producers and hands them to
// the exporters on its own goroutine. Submit never blocks: records are
// dropped when the queue is full so a slow destination cannot stall packet
// processing.
type Dispatcher struct {
	cfg       DispatcherConfig
	exporters []Exporter
	queue     chan Record

	// mu orders Submit against Stop so every accepted record is queued
	// before the run loop starts its final drain.
	mu       sync.RWMutex
	stopped  bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}

	submitted atomic.Uint64
	dropped   atomic.Uint64
	exported  atomic.Uint64
}

// NewDispatcher creates a dispatcher for exporters.
func NewDispatcher(cfg DispatcherConfig, exporters ...Exporter) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	return &Dispatcher{
		cfg:       cfg,
		exporters: exporters,
		queue:     make(chan Record, cfg.QueueSize),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start runs the export loop until Stop.
func (d *Dispatcher) Start() {
	go d.run()
}

// Submit queues r and reports whether it was accepted.
// Records submitted after Stop are dropped.
func (d *Dispatcher) Submit(r Record) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		d.drop("stopped")
		return false
	}
	select {
	case d.queue <- r:
		d.submitted.Add(1)
		return true
	default:
		d.drop("queue_full")
		return false
	}
}

func (d *Dispatcher) drop(reason string) {
	d.dropped.Add(1)
	metrics.ExportErrorsTotal.WithLabelValues("dispatcher", reason).Inc()
}

// Stop exports what is queued, closes the exporters and waits until done
// or ctx ends.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.stopped = true
		close(d.stop)
		d.mu.Unlock()
	})
	select {
	case <-d.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return closeAll(d.exporters)
}

// Dropped returns how many records were rejected by Submit.
func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }

// Exported returns how many records were handed to the exporters.
func (d *Dispatcher) Exported() uint64 { return d.exported.Load() }

func (d *Dispatcher) run() {
	defer close(d.done)

	ticker := time.NewTicker(d.cfg.FlushInterval)
	defer ticker.Stop()
	batch := make([]Record, 0, d.cfg.BatchSize)

	add := func(r Record) {
		batch = append(batch, r)
		if len(batch) >= d.cfg.BatchSize {
			d.flush(batch)
			batch = batch[:0]
		}
	}

	for {
		select {
		case r := <-d.queue:
			add(r)
		case <-ticker.C:
			d.flush(batch)
			batch = batch[:0]
		case <-d.stop:
			for {
				select {
				case r := <-d.queue:
					add(r)
				default:
					d.flush(batch)
					return
				}
			}
		}
	}
}

func (d *Dispatcher) flush(batch []Record) {
	if len(batch) == 0 {
		return
	}
	for _, e := range d.exporters {
		ctx, cancel := context.WithTimeout(context.Background(), exportTimeout)
		err := e.Export(ctx, batch)
		cancel()
		if err != nil {
			metrics.ExportErrorsTotal.WithLabelValues(e.Name(), "export").Inc()
			slog.Error("export failed", "exporter", e.Name(), "records", len(batch), "error", err)
			continue
		}
		metrics.ExportRecordsTotal.WithLabelValues(e.Name()).Add(float64(len(batch)))
	}
	d.exported.Add(uint64(len(batch)))
}
