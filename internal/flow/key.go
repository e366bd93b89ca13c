// Package flow tracks bidirectional transport streams on the expiring flow
// table. A Tracker belongs to one goroutine; a Registry shards trackers for
// concurrent callers.
package flow

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net/netip"

	"firestige.xyz/flowtrack/internal/core"
)

// KeySize is the length of an encoded Key.
//
//	version(1) | protocol(1) | src(16) | dst(16) | sport(2) | dport(2)
//
// IPv4 addresses are stored as IPv4-mapped IPv6.
const KeySize = 38

// Key is the 5-tuple of a stream.
type Key struct {
	Src     netip.Addr
	Dst     netip.Addr
	SrcPort uint16
	DstPort uint16
	Proto   uint8
}

// KeyFromPacket returns the key of pkt in packet direction. Tunneled packets
// are keyed by their inner addresses.
func KeyFromPacket(pkt *core.DecodedPacket) (Key, bool) {
	src, dst := pkt.IP.Endpoints()
	if !src.IsValid() || !dst.IsValid() {
		return Key{}, false
	}
	return Key{
		Src:     src,
		Dst:     dst,
		SrcPort: pkt.Transport.SrcPort,
		DstPort: pkt.Transport.DstPort,
		Proto:   pkt.Transport.Protocol,
	}, true
}

// Reverse swaps the endpoints.
func (k Key) Reverse() Key {
	return Key{Src: k.Dst, Dst: k.Src, SrcPort: k.DstPort, DstPort: k.SrcPort, Proto: k.Proto}
}

// Canonical returns the orientation shared by both directions of a stream:
// the lower (address, port) endpoint first. swapped reports whether k was
// reversed to get there.
func (k Key) Canonical() (c Key, swapped bool) {
	switch cmp := k.Src.Compare(k.Dst); {
	case cmp > 0, cmp == 0 && k.SrcPort > k.DstPort:
		return k.Reverse(), true
	}
	return k, false
}

// Encode writes the fixed-size binary form of k into buf and returns it as a
// slice.
func (k Key) Encode(buf *[KeySize]byte) []byte {
	buf[0] = 4
	if k.Src.Is6() && !k.Src.Is4In6() {
		buf[0] = 6
	}
	buf[1] = k.Proto
	src, dst := k.Src.As16(), k.Dst.As16()
	copy(buf[2:18], src[:])
	copy(buf[18:34], dst[:])
	binary.BigEndian.PutUint16(buf[34:36], k.SrcPort)
	binary.BigEndian.PutUint16(buf[36:38], k.DstPort)
	return buf[:]
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (k Key) MarshalBinary() ([]byte, error) {
	var buf [KeySize]byte
	return bytes.Clone(k.Encode(&buf)), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (k *Key) UnmarshalBinary(data []byte) error {
	d, err := DecodeKey(data)
	if err != nil {
		return err
	}
	*k = d
	return nil
}

// DecodeKey parses the output of Encode.
func DecodeKey(b []byte) (Key, error) {
	if len(b) != KeySize {
		return Key{}, fmt.Errorf("%w: flow key is %d bytes, want %d", core.ErrInvalidKeyLength, len(b), KeySize)
	}
	src := netip.AddrFrom16([16]byte(b[2:18]))
	dst := netip.AddrFrom16([16]byte(b[18:34]))
	switch b[0] {
	case 4:
		src, dst = src.Unmap(), dst.Unmap()
	case 6:
	default:
		return Key{}, fmt.Errorf("%w: flow key ip version %d", core.ErrUnsupportedProto, b[0])
	}
	return Key{
		Src:     src,
		Dst:     dst,
		Proto:   b[1],
		SrcPort: binary.BigEndian.Uint16(b[34:36]),
		DstPort: binary.BigEndian.Uint16(b[36:38]),
	}, nil
}

func (k Key) String() string {
	return fmt.Sprintf("%s %s -> %s",
		protoName(k.Proto),
		netip.AddrPortFrom(k.Src, k.SrcPort),
		netip.AddrPortFrom(k.Dst, k.DstPort))
}

func protoName(p uint8) string {
	switch p {
	case core.ProtoTCP:
		return "tcp"
	case core.ProtoUDP:
		return "udp"
	case core.ProtoICMP:
		return "icmp"
	case core.ProtoICMPv6:
		return "icmpv6"
	case core.ProtoSCTP:
		return "sctp"
	default:
		return fmt.Sprintf("proto-%d", p)
	}
}
