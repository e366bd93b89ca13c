package decoder

import (
	"encoding/binary"
	"fmt"

	"firestige.xyz/flowtrack/internal/core"
)

const (
	ethernetHeaderLen = 14
	vlanTagLen        = 4
	maxVLANTags       = 2

	etherTypeIPv4 = 0x0800
	etherTypeIPv6 = 0x86DD
	etherTypeVLAN = 0x8100
	etherTypeQinQ = 0x88A8
)

// decodeEthernet parses the Ethernet header and up to two VLAN tags. The
// returned payload starts at the L3 header whatever the EtherType is.
func decodeEthernet(data []byte) (core.EthernetHeader, []byte, error) {
	if len(data) < ethernetHeaderLen {
		return core.EthernetHeader{}, nil, fmt.Errorf("%w: ethernet header needs %d bytes, have %d",
			core.ErrPacketTooShort, ethernetHeaderLen, len(data))
	}

	var eth core.EthernetHeader
	copy(eth.DstMAC[:], data[0:6])
	copy(eth.SrcMAC[:], data[6:12])
	etherType := binary.BigEndian.Uint16(data[12:14])
	off := ethernetHeaderLen

	for etherType == etherTypeVLAN || etherType == etherTypeQinQ {
		if len(eth.VLANs) == maxVLANTags {
			return eth, nil, fmt.Errorf("%w: more than %d vlan tags", core.ErrUnsupportedProto, maxVLANTags)
		}
		if len(data) < off+vlanTagLen {
			return eth, nil, fmt.Errorf("%w: truncated vlan tag", core.ErrPacketTooShort)
		}
		eth.VLANs = append(eth.VLANs, binary.BigEndian.Uint16(data[off:off+2])&0x0FFF)
		etherType = binary.BigEndian.Uint16(data[off+2 : off+4])
		off += vlanTagLen
	}

	eth.EtherType = etherType
	return eth, data[off:], nil
}

func isIPEtherType(t uint16) bool {
	return t == etherTypeIPv4 || t == etherTypeIPv6
}
