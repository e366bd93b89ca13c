package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"firestige.xyz/flowtrack/internal/core"
	"firestige.xyz/flowtrack/internal/core/decoder"
	"firestige.xyz/flowtrack/internal/source"
)

// Engine fans frames from one source out to several pipelines. Frames are
// assigned by decoder.FlowHash, so both directions of a stream and every
// fragment of a datagram reach the same pipeline.
type Engine struct {
	pipelines []*Pipeline
}

// NewEngine creates workers pipelines from the template cfg; each gets its
// own ID.
func NewEngine(workers int, cfg Config, sink RecordSink) (*Engine, error) {
	if workers <= 0 {
		return nil, fmt.Errorf("%w: engine needs at least one worker, got %d", core.ErrConfigInvalid, workers)
	}
	e := &Engine{pipelines: make([]*Pipeline, workers)}
	for i := range e.pipelines {
		p, err := NewBuilder().
			WithID(i).
			WithDecoder(cfg.Decoder).
			WithTracker(cfg.Tracker).
			WithReapInterval(cfg.ReapInterval).
			WithBufferSize(cfg.BufferSize).
			WithSink(sink).
			Build()
		if err != nil {
			return nil, err
		}
		e.pipelines[i] = p
	}
	return e, nil
}

// Run reads src to the end and waits for every pipeline to drain. A read
// error or ctx cancellation stops all workers; live streams are still
// flushed to the sink.
func (e *Engine) Run(ctx context.Context, src source.Source) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range e.pipelines {
		g.Go(func() error {
			err := p.Run(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	g.Go(func() error {
		defer func() {
			for _, p := range e.pipelines {
				close(p.in)
			}
		}()
		return e.dispatch(gctx, src)
	})
	return g.Wait()
}

func (e *Engine) dispatch(ctx context.Context, src source.Source) error {
	n := uint64(len(e.pipelines))
	var read uint64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		raw, err := src.ReadPacket()
		if err != nil {
			if errors.Is(err, io.EOF) {
				slog.Info("source exhausted", "packets", read)
				return nil
			}
			return fmt.Errorf("read packet: %w", err)
		}
		read++
		p := e.pipelines[decoder.FlowHash(raw.LinkType, raw.Data)%n]
		select {
		case p.in <- raw:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Pipelines returns the workers.
func (e *Engine) Pipelines() []*Pipeline { return e.pipelines }

// Stats sums the statistics of all workers.
func (e *Engine) Stats() Stats {
	var s Stats
	for _, p := range e.pipelines {
		s.Add(p.Stats())
	}
	return s
}
