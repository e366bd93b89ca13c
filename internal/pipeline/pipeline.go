// Package pipeline runs captured frames through decoding, reassembly and
// stream tracking, and hands finished streams to the exporters.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"firestige.xyz/flowtrack/internal/core"
	"firestige.xyz/flowtrack/internal/core/decoder"
	"firestige.xyz/flowtrack/internal/export"
	"firestige.xyz/flowtrack/internal/flow"
)

const (
	defaultBufferSize   = 1024
	defaultReapInterval = time.Second
)

// RecordSink receives the records of finished streams. Submit must not
// block.
type RecordSink interface {
	Submit(r export.Record) bool
}

// Config contains pipeline configuration.
type Config struct {
	ID           int
	Decoder      decoder.Config
	Tracker      flow.TrackerConfig
	ReapInterval time.Duration // Packet time between idle sweeps
	BufferSize   int           // Input channel capacity
}

// Pipeline is a single-threaded packet processing chain. Its tables are
// driven by packet timestamps, so replaying a capture expires streams as
// they expired on the wire.
type Pipeline struct {
	id       int
	decoder  *decoder.StandardDecoder
	tracker  *flow.Tracker
	sink     RecordSink
	metrics  *Metrics
	interval time.Duration
	lastReap time.Time
	now      time.Time

	in chan core.RawPacket
}

// New creates a pipeline. sink may be nil.
func New(cfg Config, sink RecordSink) (*Pipeline, error) {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = defaultReapInterval
	}
	if cfg.Decoder.Reassembly.Name != "" {
		cfg.Decoder.Reassembly.Name = fmt.Sprintf("%s-%d", cfg.Decoder.Reassembly.Name, cfg.ID)
	}
	if cfg.Tracker.Name != "" {
		cfg.Tracker.Name = fmt.Sprintf("%s-%d", cfg.Tracker.Name, cfg.ID)
	}
	cfg.Tracker.Seed += uint64(cfg.ID)

	dec, err := decoder.NewStandardDecoder(cfg.Decoder)
	if err != nil {
		return nil, fmt.Errorf("pipeline %d: %w", cfg.ID, err)
	}
	p := &Pipeline{
		id:       cfg.ID,
		decoder:  dec,
		sink:     sink,
		metrics:  NewMetrics(cfg.ID),
		interval: cfg.ReapInterval,
		in:       make(chan core.RawPacket, cfg.BufferSize),
	}
	p.tracker, err = flow.NewTracker(cfg.Tracker, p.finished)
	if err != nil {
		return nil, fmt.Errorf("pipeline %d: %w", cfg.ID, err)
	}
	return p, nil
}

// ID returns the pipeline's worker number.
func (p *Pipeline) ID() int { return p.id }

// Input is the channel Run consumes. Closing it ends Run.
func (p *Pipeline) Input() chan<- core.RawPacket { return p.in }

// Run processes packets from Input until the channel is closed or ctx is
// done, then flushes every live stream.
func (p *Pipeline) Run(ctx context.Context) error {
	slog.Info("pipeline starting", "pipeline_id", p.id)
	defer func() {
		p.Flush()
		slog.Info("pipeline stopped", "pipeline_id", p.id, "packets", p.metrics.Received.Load())
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-p.in:
			if !ok {
				return nil
			}
			if err := p.Process(raw); err != nil {
				slog.Debug("packet processing failed", "pipeline_id", p.id, "error", err)
			}
		}
	}
}

// Process runs one frame through the pipeline. Buffered fragments are not
// an error.
func (p *Pipeline) Process(raw core.RawPacket) error {
	p.metrics.count(&p.metrics.Received, stageReceived)
	if raw.Timestamp.After(p.now) {
		p.now = raw.Timestamp
	}
	p.maybeReap()

	pkt, err := p.decoder.Decode(raw)
	if err != nil {
		if errors.Is(err, core.ErrFragmentPending) {
			p.metrics.count(&p.metrics.FragmentsPending, stageFragment)
			return nil
		}
		p.metrics.count(&p.metrics.DecodeErrors, stageDecodeError)
		return fmt.Errorf("decode failed: %w", err)
	}
	p.metrics.count(&p.metrics.Decoded, stageDecoded)

	if _, err := p.tracker.Observe(&pkt); err != nil {
		p.metrics.count(&p.metrics.TrackErrors, stageTrackError)
		return fmt.Errorf("track failed: %w", err)
	}
	p.metrics.count(&p.metrics.Tracked, stageTracked)
	p.metrics.ActiveFlows.Store(int64(p.tracker.Len()))
	return nil
}

// maybeReap sweeps idle streams and stale fragments once per interval of
// packet time, so tables that stop receiving traffic still drain.
func (p *Pipeline) maybeReap() {
	if p.now.Sub(p.lastReap) < p.interval {
		return
	}
	p.lastReap = p.now
	p.Reap(p.now)
}

// Reap expires streams and partial datagrams due at now.
func (p *Pipeline) Reap(now time.Time) int {
	n := p.tracker.Reap(now)
	if r := p.decoder.Reassembler(); r != nil {
		r.Reap(now)
	}
	p.metrics.ActiveFlows.Store(int64(p.tracker.Len()))
	return n
}

// Flush finishes every live stream and drops partial datagrams.
func (p *Pipeline) Flush() {
	p.tracker.Flush()
	if r := p.decoder.Reassembler(); r != nil {
		r.Flush()
	}
	p.metrics.ActiveFlows.Store(0)
}

// Stats returns pipeline statistics.
func (p *Pipeline) Stats() Stats {
	return p.metrics.snapshot()
}

func (p *Pipeline) finished(st *flow.State, reason flow.EndReason) {
	p.metrics.FlowsFinished.Add(1)
	if p.sink == nil {
		return
	}
	if !p.sink.Submit(export.NewRecord(st, reason, p.id)) {
		p.metrics.RecordsDropped.Add(1)
	}
}
