package pipeline

import (
	"time"

	"firestige.xyz/flowtrack/internal/core/decoder"
	"firestige.xyz/flowtrack/internal/flow"
)

// Builder provides a fluent interface for building pipelines.
// This is an alternative to using Config directly.
type Builder struct {
	config Config
	sink   RecordSink
}

// NewBuilder creates a new pipeline builder.
func NewBuilder() *Builder {
	return &Builder{
		config: Config{
			BufferSize:   defaultBufferSize,
			ReapInterval: defaultReapInterval,
		},
	}
}

// WithID sets the pipeline ID.
func (b *Builder) WithID(id int) *Builder {
	b.config.ID = id
	return b
}

// WithDecoder sets the decoder and reassembly configuration.
func (b *Builder) WithDecoder(cfg decoder.Config) *Builder {
	b.config.Decoder = cfg
	return b
}

// WithTracker sets the stream tracker configuration.
func (b *Builder) WithTracker(cfg flow.TrackerConfig) *Builder {
	b.config.Tracker = cfg
	return b
}

// WithReapInterval sets the packet time between idle sweeps.
func (b *Builder) WithReapInterval(d time.Duration) *Builder {
	b.config.ReapInterval = d
	return b
}

// WithSink sets where finished stream records go.
func (b *Builder) WithSink(s RecordSink) *Builder {
	b.sink = s
	return b
}

// WithBufferSize sets the input channel buffer size.
func (b *Builder) WithBufferSize(size int) *Builder {
	b.config.BufferSize = size
	return b
}

// Build creates the pipeline.
func (b *Builder) Build() (*Pipeline, error) {
	return New(b.config, b.sink)
}
