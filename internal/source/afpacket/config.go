// Package afpacket captures live traffic from a Linux interface through an
// AF_PACKET TPACKET_V3 ring.
package afpacket

import (
	"fmt"
	"time"

	"firestige.xyz/flowtrack/internal/core"
)

const (
	defaultSnapLen      = 65535
	defaultBufferSizeMB = 64
	defaultPollTimeout  = 100 * time.Millisecond
)

// Config configures a live capture.
type Config struct {
	Interface    string
	SnapLen      int
	BufferSizeMB int
	PollTimeout  time.Duration // How often a blocked read rechecks Stop
	FanoutID     uint16        // 0 disables fanout
	IPOnly       bool          // Drop non-IP frames in the kernel
}

func (c Config) withDefaults() (Config, error) {
	if c.Interface == "" {
		return c, fmt.Errorf("%w: capture interface is required", core.ErrConfigInvalid)
	}
	if c.SnapLen <= 0 {
		c.SnapLen = defaultSnapLen
	}
	if c.BufferSizeMB <= 0 {
		c.BufferSizeMB = defaultBufferSizeMB
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = defaultPollTimeout
	}
	return c, nil
}

// ringLayout is the TPACKET_V3 ring geometry.
type ringLayout struct {
	frameSize int
	blockSize int
	numBlocks int
}

const (
	tpacketAlignment = 16
	tpacketHdrLen    = 52 // approximate TPACKET3_HDRLEN
	maxBlockSize     = 4 << 20
)

// computeRing fits a ring of about bufferMB megabytes that satisfies the
// PACKET_MMAP alignment rules: frames are TPACKET_ALIGNMENT aligned, blocks
// are page aligned and hold a whole number of frames.
func computeRing(bufferMB, snapLen, pageSize int) (ringLayout, error) {
	if bufferMB <= 0 {
		return ringLayout{}, fmt.Errorf("%w: ring buffer size must be positive, got %d MB", core.ErrConfigInvalid, bufferMB)
	}
	if snapLen <= 0 {
		return ringLayout{}, fmt.Errorf("%w: snap length must be positive, got %d", core.ErrConfigInvalid, snapLen)
	}
	if pageSize <= 0 || pageSize%tpacketAlignment != 0 {
		return ringLayout{}, fmt.Errorf("%w: page size %d is not a multiple of %d", core.ErrConfigInvalid, pageSize, tpacketAlignment)
	}

	frame := alignUp(tpacketHdrLen+snapLen, tpacketAlignment)
	block := lcm(pageSize, frame)
	if block > maxBlockSize {
		frame = alignUp(frame, pageSize)
		block = frame * max(maxBlockSize/frame, 1)
	}
	return ringLayout{
		frameSize: frame,
		blockSize: block,
		numBlocks: max(bufferMB<<20/block, 1),
	}, nil
}

func alignUp(n, to int) int { return (n + to - 1) / to * to }

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func lcm(a, b int) int {
	if a == 0 || b == 0 {
		return 0
	}
	return a / gcd(a, b) * b
}
