package decoder

import (
	"encoding/binary"

	"firestige.xyz/flowtrack/internal/core"
)

const (
	protoIPIP = 4
	protoIPv6 = 41
	protoGRE  = 47

	vxlanPort  = 4789
	genevePort = 6081

	vxlanHeaderLen  = 8
	geneveHeaderLen = 8
	greHeaderMinLen = 4

	greFlagChecksum = 0x8000
	greFlagKey      = 0x2000
	greFlagSequence = 0x1000

	vxlanFlagVNI = 0x08
)

// decodeTunnel decapsulates IP-in-IP, GRE, VXLAN and Geneve. ok is false when
// data is not a recognised tunnel or the inner packet does not parse; the
// caller then treats the outer packet as the flow.
func decodeTunnel(data []byte, protocol uint8) (inner core.IPHeader, payload []byte, ok bool) {
	switch protocol {
	case protoIPIP, protoIPv6:
		return decodeInnerIP(data)
	case protoGRE:
		return decodeGRE(data)
	case core.ProtoUDP:
		if len(data) < udpHeaderLen {
			return core.IPHeader{}, nil, false
		}
		switch binary.BigEndian.Uint16(data[2:4]) {
		case vxlanPort:
			return decodeVXLAN(data[udpHeaderLen:])
		case genevePort:
			return decodeGeneve(data[udpHeaderLen:])
		}
	}
	return core.IPHeader{}, nil, false
}

func decodeInnerIP(data []byte) (core.IPHeader, []byte, bool) {
	ip, payload, err := decodeIP(data)
	if err != nil {
		return core.IPHeader{}, nil, false
	}
	return ip, payload, true
}

// decodeInnerFrame parses an encapsulated Ethernet frame down to IP.
func decodeInnerFrame(frame []byte) (core.IPHeader, []byte, bool) {
	eth, rest, err := decodeEthernet(frame)
	if err != nil || !isIPEtherType(eth.EtherType) {
		return core.IPHeader{}, nil, false
	}
	return decodeInnerIP(rest)
}

func decodeVXLAN(data []byte) (core.IPHeader, []byte, bool) {
	if len(data) < vxlanHeaderLen || data[0]&vxlanFlagVNI == 0 {
		return core.IPHeader{}, nil, false
	}
	return decodeInnerFrame(data[vxlanHeaderLen:])
}

func decodeGeneve(data []byte) (core.IPHeader, []byte, bool) {
	if len(data) < geneveHeaderLen || data[0]>>6 != 0 {
		return core.IPHeader{}, nil, false
	}
	hlen := geneveHeaderLen + int(data[0]&0x3F)*4
	if len(data) < hlen {
		return core.IPHeader{}, nil, false
	}
	switch binary.BigEndian.Uint16(data[2:4]) {
	case 0x6558: // Transparent Ethernet bridging
		return decodeInnerFrame(data[hlen:])
	case etherTypeIPv4, etherTypeIPv6:
		return decodeInnerIP(data[hlen:])
	}
	return core.IPHeader{}, nil, false
}

func decodeGRE(data []byte) (core.IPHeader, []byte, bool) {
	if len(data) < greHeaderMinLen {
		return core.IPHeader{}, nil, false
	}
	flags := binary.BigEndian.Uint16(data[0:2])
	hlen := greHeaderMinLen
	for _, f := range []uint16{greFlagChecksum, greFlagKey, greFlagSequence} {
		if flags&f != 0 {
			hlen += 4
		}
	}
	if len(data) < hlen || !isIPEtherType(binary.BigEndian.Uint16(data[2:4])) {
		return core.IPHeader{}, nil, false
	}
	return decodeInnerIP(data[hlen:])
}
