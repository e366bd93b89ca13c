package decoder

import (
	"encoding/binary"
	"fmt"

	"firestige.xyz/flowtrack/internal/core"
)

const (
	udpHeaderLen    = 8
	tcpHeaderMinLen = 20
)

// decodeTransport parses TCP and UDP headers. Other protocols pass through
// with only the protocol number set.
func decodeTransport(data []byte, protocol uint8) (core.TransportHeader, []byte, error) {
	switch protocol {
	case core.ProtoTCP:
		return decodeTCP(data)
	case core.ProtoUDP:
		return decodeUDP(data)
	default:
		return core.TransportHeader{Protocol: protocol}, data, nil
	}
}

func decodeUDP(data []byte) (core.TransportHeader, []byte, error) {
	if len(data) < udpHeaderLen {
		return core.TransportHeader{}, nil, fmt.Errorf("%w: udp header needs %d bytes, have %d",
			core.ErrPacketTooShort, udpHeaderLen, len(data))
	}
	th := core.TransportHeader{
		Protocol: core.ProtoUDP,
		SrcPort:  binary.BigEndian.Uint16(data[0:2]),
		DstPort:  binary.BigEndian.Uint16(data[2:4]),
	}
	return th, data[udpHeaderLen:], nil
}

func decodeTCP(data []byte) (core.TransportHeader, []byte, error) {
	if len(data) < tcpHeaderMinLen {
		return core.TransportHeader{}, nil, fmt.Errorf("%w: tcp header needs %d bytes, have %d",
			core.ErrPacketTooShort, tcpHeaderMinLen, len(data))
	}
	th := core.TransportHeader{
		Protocol: core.ProtoTCP,
		SrcPort:  binary.BigEndian.Uint16(data[0:2]),
		DstPort:  binary.BigEndian.Uint16(data[2:4]),
		SeqNum:   binary.BigEndian.Uint32(data[4:8]),
		AckNum:   binary.BigEndian.Uint32(data[8:12]),
		TCPFlags: data[13] & 0x3F,
	}
	hlen := int(data[12]>>4) * 4
	if hlen < tcpHeaderMinLen || len(data) < hlen {
		return th, nil, fmt.Errorf("%w: tcp data offset %d", core.ErrPacketTooShort, hlen)
	}
	return th, data[hlen:], nil
}
