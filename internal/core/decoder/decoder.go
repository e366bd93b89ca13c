// Package decoder turns captured frames into L2-L4 headers, decapsulating
// tunnels and reassembling IPv4 fragments on the way.
package decoder

import (
	"fmt"

	"firestige.xyz/flowtrack/internal/core"
)

// Decoder decodes raw packets into structured format.
type Decoder interface {
	Decode(raw core.RawPacket) (core.DecodedPacket, error)
}

// Config configures a StandardDecoder.
type Config struct {
	DecapTunnels bool             // Track the inner packet of IPIP/GRE/VXLAN/Geneve traffic
	Reassembly   ReassemblyConfig // Used unless DisableReassembly is set
	// DisableReassembly passes fragments through undecoded past L3; only
	// the first fragment then carries a transport header.
	DisableReassembly bool
}

// StandardDecoder is the Decoder used by the pipeline. It keeps reassembly
// state and so belongs to one goroutine.
type StandardDecoder struct {
	cfg         Config
	reassembler *Reassembler
}

// NewStandardDecoder creates a decoder.
func NewStandardDecoder(cfg Config) (*StandardDecoder, error) {
	d := &StandardDecoder{cfg: cfg}
	if !cfg.DisableReassembly {
		r, err := NewReassembler(cfg.Reassembly)
		if err != nil {
			return nil, err
		}
		d.reassembler = r
	}
	return d, nil
}

// Decode decodes one frame. A fragment that does not yet complete its
// datagram yields core.ErrFragmentPending.
func (d *StandardDecoder) Decode(raw core.RawPacket) (core.DecodedPacket, error) {
	pkt := core.DecodedPacket{
		Timestamp:  raw.Timestamp,
		CaptureLen: raw.CaptureLen,
		OrigLen:    raw.OrigLen,
	}

	l3 := raw.Data
	if raw.LinkType == core.LinkTypeEthernet {
		eth, rest, err := decodeEthernet(raw.Data)
		if err != nil {
			return pkt, err
		}
		pkt.Ethernet = eth
		if !isIPEtherType(eth.EtherType) {
			return pkt, fmt.Errorf("%w: ethertype 0x%04x", core.ErrUnsupportedProto, eth.EtherType)
		}
		l3 = rest
	}

	ip, l4, err := decodeIP(l3)
	if err != nil {
		return pkt, err
	}
	pkt.IP = ip

	if ip.Fragmented() {
		switch {
		case ip.Version == 4 && d.reassembler != nil:
			whole, complete, err := d.reassembler.Process(l3, raw.Timestamp)
			if err != nil {
				return pkt, err
			}
			if !complete {
				return pkt, core.ErrFragmentPending
			}
			l4 = whole
			pkt.Reassembled = true
			pkt.IP.TotalLen = uint16(min(int(ip.HeaderLen)+len(whole), ipv4MaxSize))
		case ip.FragOffset != 0:
			// No transport header in a trailing fragment.
			pkt.Transport.Protocol = ip.Protocol
			pkt.Payload = l4
			return pkt, nil
		}
	}

	proto := ip.Protocol
	if d.cfg.DecapTunnels {
		if inner, rest, ok := decodeTunnel(l4, proto); ok {
			pkt.IP.InnerSrcIP = inner.SrcIP
			pkt.IP.InnerDstIP = inner.DstIP
			pkt.Tunneled = true
			proto = inner.Protocol
			l4 = rest
		}
	}

	th, payload, err := decodeTransport(l4, proto)
	if err != nil {
		return pkt, err
	}
	pkt.Transport = th
	pkt.Payload = payload
	return pkt, nil
}

// Reassembler returns the fragment reassembler, nil when disabled.
func (d *StandardDecoder) Reassembler() *Reassembler {
	return d.reassembler
}
