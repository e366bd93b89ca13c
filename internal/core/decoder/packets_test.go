package decoder

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"
)

var (
	testSrcMAC = net.HardwareAddr{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}
	testDstMAC = net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
)

func serialize(t testing.TB, l ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, l...))
	return buf.Bytes()
}

func ethernet(t layers.EthernetType) *layers.Ethernet {
	return &layers.Ethernet{SrcMAC: testSrcMAC, DstMAC: testDstMAC, EthernetType: t}
}

func ipv4(src, dst string, proto layers.IPProtocol) *layers.IPv4 {
	return &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Id:       0x1234,
		Protocol: proto,
		SrcIP:    net.ParseIP(src).To4(),
		DstIP:    net.ParseIP(dst).To4(),
	}
}

func udpFrame(t testing.TB, src, dst string, sport, dport uint16, payload []byte) []byte {
	return serialize(t,
		ethernet(layers.EthernetTypeIPv4),
		ipv4(src, dst, layers.IPProtocolUDP),
		&layers.UDP{SrcPort: layers.UDPPort(sport), DstPort: layers.UDPPort(dport)},
		gopacket.Payload(payload),
	)
}

func tcpFrame(t testing.TB, src, dst string, sport, dport uint16, tcp layers.TCP, payload []byte) []byte {
	tcp.SrcPort = layers.TCPPort(sport)
	tcp.DstPort = layers.TCPPort(dport)
	tcp.Window = 1024
	return serialize(t,
		ethernet(layers.EthernetTypeIPv4),
		ipv4(src, dst, layers.IPProtocolTCP),
		&tcp,
		gopacket.Payload(payload),
	)
}

// udpSegment returns a UDP header followed by payload, with the length field
// set and no checksum.
func udpSegment(sport, dport uint16, payload []byte) []byte {
	seg := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint16(seg[0:2], sport)
	binary.BigEndian.PutUint16(seg[2:4], dport)
	binary.BigEndian.PutUint16(seg[4:6], uint16(len(seg)))
	copy(seg[8:], payload)
	return seg
}

// fragmentFrames splits an L4 segment into Ethernet framed IPv4 fragments of
// at most size bytes (a multiple of 8).
func fragmentFrames(t testing.TB, src, dst string, proto layers.IPProtocol, id uint16, segment []byte, size int) [][]byte {
	var frames [][]byte
	for off := 0; off < len(segment); off += size {
		end := min(off+size, len(segment))
		ip := ipv4(src, dst, proto)
		ip.Id = id
		ip.FragOffset = uint16(off / 8)
		if end < len(segment) {
			ip.Flags = layers.IPv4MoreFragments
		}
		frames = append(frames, serialize(t, ethernet(layers.EthernetTypeIPv4), ip, gopacket.Payload(segment[off:end])))
	}
	return frames
}
