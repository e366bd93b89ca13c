package pipeline

import (
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"firestige.xyz/flowtrack/internal/metrics"
)

// Packet stages counted per worker.
const (
	stageReceived    = "received"
	stageDecoded     = "decoded"
	stageDecodeError = "decode_error"
	stageFragment    = "fragment_pending"
	stageTracked     = "tracked"
	stageTrackError  = "track_error"
)

// Metrics contains per-pipeline counters. They are written by the pipeline
// goroutine and may be read from any goroutine.
type Metrics struct {
	PipelineID int

	Received         atomic.Uint64
	Decoded          atomic.Uint64
	DecodeErrors     atomic.Uint64
	FragmentsPending atomic.Uint64
	Tracked          atomic.Uint64
	TrackErrors      atomic.Uint64
	FlowsFinished    atomic.Uint64
	RecordsDropped   atomic.Uint64
	ActiveFlows      atomic.Int64

	stages map[string]prometheus.Counter
}

// NewMetrics creates the counters of one pipeline.
func NewMetrics(pipelineID int) *Metrics {
	m := &Metrics{PipelineID: pipelineID, stages: make(map[string]prometheus.Counter)}
	worker := strconv.Itoa(pipelineID)
	for _, s := range []string{stageReceived, stageDecoded, stageDecodeError, stageFragment, stageTracked, stageTrackError} {
		m.stages[s] = metrics.PipelinePacketsTotal.WithLabelValues(worker, s)
	}
	return m
}

func (m *Metrics) count(c *atomic.Uint64, stage string) {
	c.Add(1)
	m.stages[stage].Inc()
}

// Stats is a snapshot of pipeline counters.
type Stats struct {
	Received         uint64
	Decoded          uint64
	DecodeErrors     uint64
	FragmentsPending uint64
	Tracked          uint64
	TrackErrors      uint64
	FlowsFinished    uint64
	RecordsDropped   uint64
	ActiveFlows      int
}

func (m *Metrics) snapshot() Stats {
	return Stats{
		Received:         m.Received.Load(),
		Decoded:          m.Decoded.Load(),
		DecodeErrors:     m.DecodeErrors.Load(),
		FragmentsPending: m.FragmentsPending.Load(),
		Tracked:          m.Tracked.Load(),
		TrackErrors:      m.TrackErrors.Load(),
		FlowsFinished:    m.FlowsFinished.Load(),
		RecordsDropped:   m.RecordsDropped.Load(),
		ActiveFlows:      int(m.ActiveFlows.Load()),
	}
}

// Add accumulates o into s.
func (s *Stats) Add(o Stats) {
	s.Received += o.Received
	s.Decoded += o.Decoded
	s.DecodeErrors += o.DecodeErrors
	s.FragmentsPending += o.FragmentsPending
	s.Tracked += o.Tracked
	s.TrackErrors += o.TrackErrors
	s.FlowsFinished += o.FlowsFinished
	s.RecordsDropped += o.RecordsDropped
	s.ActiveFlows += o.ActiveFlows
}
