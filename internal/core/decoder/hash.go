package decoder

import (
	"bytes"

	"github.com/cespare/xxhash/v2"

	"firestige.xyz/flowtrack/internal/core"
)

// FlowHash maps a frame to a value that is equal for both directions of a
// conversation and for every fragment of a datagram. It reads only the
// address pair and protocol, so it works before decoding and before
// reassembly. Frames that do not parse hash to 0.
func FlowHash(linkType core.LinkType, data []byte) uint64 {
	if linkType == core.LinkTypeEthernet {
		eth, rest, err := decodeEthernet(data)
		if err != nil || !isIPEtherType(eth.EtherType) {
			return 0
		}
		data = rest
	}
	if len(data) < 1 {
		return 0
	}

	var a, b []byte
	var proto byte
	switch data[0] >> 4 {
	case 4:
		if len(data) < ipv4HeaderMinLen {
			return 0
		}
		a, b, proto = data[12:16], data[16:20], data[9]
	case 6:
		if len(data) < ipv6HeaderLen {
			return 0
		}
		a, b, proto = data[8:24], data[24:40], data[6]
		if proto == ipv6ExtFragment && len(data) >= ipv6HeaderLen+1 {
			proto = data[ipv6HeaderLen]
		}
	default:
		return 0
	}
	if bytes.Compare(a, b) > 0 {
		a, b = b, a
	}

	var buf [33]byte
	n := copy(buf[:], a)
	n += copy(buf[n:], b)
	buf[n] = proto
	h := xxhash.Sum64(buf[:n+1])
	if h == 0 {
		h = 1
	}
	return h
}
