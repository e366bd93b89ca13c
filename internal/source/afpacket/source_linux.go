//go:build linux

package afpacket

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/google/gopacket/afpacket"
	"golang.org/x/net/bpf"

	"firestige.xyz/flowtrack/internal/core"
)

// Source reads Ethernet frames from one interface.
type Source struct {
	cfg     Config
	handle  *afpacket.TPacket
	stopped atomic.Bool
	read    uint64
}

// Open binds a TPACKET_V3 ring to cfg.Interface. It needs CAP_NET_RAW.
func Open(cfg Config) (*Source, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	ring, err := computeRing(cfg.BufferSizeMB, cfg.SnapLen, os.Getpagesize())
	if err != nil {
		return nil, err
	}

	tp, err := afpacket.NewTPacket(
		afpacket.OptInterface(cfg.Interface),
		afpacket.OptFrameSize(ring.frameSize),
		afpacket.OptBlockSize(ring.blockSize),
		afpacket.OptNumBlocks(ring.numBlocks),
		afpacket.OptPollTimeout(cfg.PollTimeout),
		afpacket.SocketRaw,
		afpacket.TPacketVersion3,
	)
	if err != nil {
		return nil, fmt.Errorf("open af_packet on %s: %w", cfg.Interface, err)
	}

	if cfg.FanoutID > 0 {
		if err := tp.SetFanout(afpacket.FanoutHashWithDefrag, cfg.FanoutID); err != nil {
			tp.Close()
			return nil, fmt.Errorf("set fanout %d: %w", cfg.FanoutID, err)
		}
	}
	if cfg.IPOnly {
		prog, err := bpf.Assemble(ipOnlyProgram(cfg.SnapLen))
		if err == nil {
			err = tp.SetBPF(prog)
		}
		if err != nil {
			tp.Close()
			return nil, fmt.Errorf("attach ip filter: %w", err)
		}
	}

	slog.Info("live capture opened",
		"interface", cfg.Interface,
		"frame_size", ring.frameSize,
		"block_size", ring.blockSize,
		"blocks", ring.numBlocks,
		"fanout", cfg.FanoutID)
	return &Source{cfg: cfg, handle: tp}, nil
}

// ReadPacket blocks until a frame arrives. After Stop it returns io.EOF
// within one poll timeout.
func (s *Source) ReadPacket() (core.RawPacket, error) {
	for {
		if s.stopped.Load() {
			return core.RawPacket{}, io.EOF
		}
		data, ci, err := s.handle.ReadPacketData()
		switch {
		case err == nil:
			s.read++
			return core.RawPacket{
				Data:       data,
				Timestamp:  ci.Timestamp,
				CaptureLen: uint32(ci.CaptureLength),
				OrigLen:    uint32(ci.Length),
				LinkType:   core.LinkTypeEthernet,
			}, nil
		case errors.Is(err, afpacket.ErrTimeout), errors.Is(err, afpacket.ErrPoll):
			continue
		default:
			return core.RawPacket{}, fmt.Errorf("read from %s: %w", s.cfg.Interface, err)
		}
	}
}

// Stop makes ReadPacket return io.EOF. Safe to call from any goroutine.
func (s *Source) Stop() { s.stopped.Store(true) }

// Close releases the ring. It must not run concurrently with ReadPacket.
func (s *Source) Close() error {
	s.stopped.Store(true)
	if _, v3, err := s.handle.SocketStats(); err == nil {
		slog.Info("live capture closed",
			"interface", s.cfg.Interface,
			"packets", s.read,
			"kernel_packets", v3.Packets(),
			"kernel_drops", v3.Drops())
	}
	s.handle.Close()
	return nil
}
