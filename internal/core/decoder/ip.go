package decoder

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"firestige.xyz/flowtrack/internal/core"
)

const (
	ipv4HeaderMinLen = 20
	ipv6HeaderLen    = 40

	ipv4FlagMF      = 0x2000
	ipv4OffsetMask  = 0x1FFF
	ipv6ExtFragment = 44
)

// decodeIP dispatches on the version nibble. The payload is bounded by the
// header's length field when it is shorter than the captured data, which
// strips Ethernet padding.
func decodeIP(data []byte) (core.IPHeader, []byte, error) {
	if len(data) < 1 {
		return core.IPHeader{}, nil, fmt.Errorf("%w: empty ip packet", core.ErrPacketTooShort)
	}
	switch data[0] >> 4 {
	case 4:
		return decodeIPv4(data)
	case 6:
		return decodeIPv6(data)
	default:
		return core.IPHeader{}, nil, fmt.Errorf("%w: ip version %d", core.ErrUnsupportedProto, data[0]>>4)
	}
}

func decodeIPv4(data []byte) (core.IPHeader, []byte, error) {
	if len(data) < ipv4HeaderMinLen {
		return core.IPHeader{}, nil, fmt.Errorf("%w: ipv4 header needs %d bytes, have %d",
			core.ErrPacketTooShort, ipv4HeaderMinLen, len(data))
	}
	hlen := int(data[0]&0x0F) * 4
	if hlen < ipv4HeaderMinLen || len(data) < hlen {
		return core.IPHeader{}, nil, fmt.Errorf("%w: ipv4 ihl %d", core.ErrPacketTooShort, hlen)
	}

	flags := binary.BigEndian.Uint16(data[6:8])
	ip := core.IPHeader{
		Version:       4,
		HeaderLen:     uint16(hlen),
		TotalLen:      binary.BigEndian.Uint16(data[2:4]),
		ID:            binary.BigEndian.Uint16(data[4:6]),
		MoreFragments: flags&ipv4FlagMF != 0,
		FragOffset:    (flags & ipv4OffsetMask) * 8,
		TTL:           data[8],
		Protocol:      data[9],
		SrcIP:         netip.AddrFrom4([4]byte(data[12:16])),
		DstIP:         netip.AddrFrom4([4]byte(data[16:20])),
	}

	end := len(data)
	if tl := int(ip.TotalLen); tl >= hlen && tl < end {
		end = tl
	}
	return ip, data[hlen:end], nil
}

// decodeIPv6 parses the fixed header. A fragment extension header directly
// after it is consumed so the fragmentation fields are populated; other
// extension headers are left in the payload.
func decodeIPv6(data []byte) (core.IPHeader, []byte, error) {
	if len(data) < ipv6HeaderLen {
		return core.IPHeader{}, nil, fmt.Errorf("%w: ipv6 header needs %d bytes, have %d",
			core.ErrPacketTooShort, ipv6HeaderLen, len(data))
	}

	payloadLen := binary.BigEndian.Uint16(data[4:6])
	ip := core.IPHeader{
		Version:   6,
		HeaderLen: ipv6HeaderLen,
		TotalLen:  ipv6HeaderLen + payloadLen,
		Protocol:  data[6],
		TTL:       data[7],
		SrcIP:     netip.AddrFrom16([16]byte(data[8:24])),
		DstIP:     netip.AddrFrom16([16]byte(data[24:40])),
	}

	end := len(data)
	if tl := int(ip.TotalLen); tl < end {
		end = tl
	}
	payload := data[ipv6HeaderLen:end]

	if ip.Protocol == ipv6ExtFragment {
		if len(payload) < 8 {
			return ip, nil, fmt.Errorf("%w: truncated ipv6 fragment header", core.ErrPacketTooShort)
		}
		off := binary.BigEndian.Uint16(payload[2:4])
		ip.Protocol = payload[0]
		ip.FragOffset = off &^ 0x7
		ip.MoreFragments = off&0x1 != 0
		ip.ID = uint16(binary.BigEndian.Uint32(payload[4:8]))
		ip.HeaderLen += 8
		payload = payload[8:]
	}
	return ip, payload, nil
}
