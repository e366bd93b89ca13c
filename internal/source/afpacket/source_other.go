//go:build !linux

package afpacket

import (
	"fmt"

	"firestige.xyz/flowtrack/internal/core"
)

// Source is unavailable outside Linux.
type Source struct{}

// Open always fails outside Linux.
func Open(Config) (*Source, error) {
	return nil, fmt.Errorf("%w: af_packet capture requires linux", core.ErrUnsupportedProto)
}

func (s *Source) ReadPacket() (core.RawPacket, error) {
	return core.RawPacket{}, core.ErrUnsupportedProto
}

func (s *Source) Stop() {}

func (s *Source) Close() error { return nil }
