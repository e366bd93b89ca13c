// Package core defines the packet model shared by decoding, tracking and
// export. It has no dependencies outside the standard library.
package core

import "net/netip"

// IP protocol numbers the tracker distinguishes.
const (
	ProtoICMP   uint8 = 1
	ProtoTCP    uint8 = 6
	ProtoUDP    uint8 = 17
	ProtoICMPv6 uint8 = 58
	ProtoSCTP   uint8 = 132
)

// TCP flag bits as found in byte 13 of the header.
const (
	TCPFlagFIN uint8 = 0x01
	TCPFlagSYN uint8 = 0x02
	TCPFlagRST uint8 = 0x04
	TCPFlagPSH uint8 = 0x08
	TCPFlagACK uint8 = 0x10
	TCPFlagURG uint8 = 0x20
)

// LinkType identifies the framing of RawPacket.Data.
type LinkType uint8

const (
	LinkTypeEthernet LinkType = iota
	LinkTypeRaw               // Bare IPv4/IPv6, version taken from the first nibble
)

func (l LinkType) String() string {
	switch l {
	case LinkTypeEthernet:
		return "ethernet"
	case LinkTypeRaw:
		return "raw"
	default:
		return "unknown"
	}
}

// EthernetHeader is the L2 header. Zero for LinkTypeRaw frames.
type EthernetHeader struct {
	SrcMAC    [6]byte
	DstMAC    [6]byte
	EtherType uint16   // After VLAN tags
	VLANs     []uint16 // Outer first; two entries for QinQ
}

// IPHeader is the L3 header of an IPv4 or IPv6 packet.
type IPHeader struct {
	Version   uint8
	HeaderLen uint16
	SrcIP     netip.Addr
	DstIP     netip.Addr
	Protocol  uint8 // Next header for IPv6
	TTL       uint8
	TotalLen  uint16

	// IPv4 fragmentation fields
	ID            uint16
	FragOffset    uint16 // Bytes, not 8-byte units
	MoreFragments bool

	// Addresses of the encapsulated packet after tunnel decapsulation
	InnerSrcIP netip.Addr
	InnerDstIP netip.Addr
}

// Fragmented reports whether the packet is one piece of a larger datagram.
func (h IPHeader) Fragmented() bool {
	return h.MoreFragments || h.FragOffset != 0
}

// Endpoints returns the addresses identifying the flow: the inner pair for
// tunneled traffic, the outer pair otherwise.
func (h IPHeader) Endpoints() (src, dst netip.Addr) {
	if h.InnerSrcIP.IsValid() {
		return h.InnerSrcIP, h.InnerDstIP
	}
	return h.SrcIP, h.DstIP
}

// TransportHeader is the L4 header. Ports are zero for protocols without
// them.
type TransportHeader struct {
	SrcPort  uint16
	DstPort  uint16
	Protocol uint8
	TCPFlags uint8
	SeqNum   uint32
	AckNum   uint32
}
