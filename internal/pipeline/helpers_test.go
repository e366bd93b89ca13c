package pipeline

import (
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"

	"firestige.xyz/flowtrack/internal/core"
	"firestige.xyz/flowtrack/internal/export"
)

var epoch = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

func serialize(t testing.TB, l ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, l...))
	return buf.Bytes()
}

func ipv4(src, dst string, proto layers.IPProtocol) *layers.IPv4 {
	return &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: proto,
		SrcIP:    net.ParseIP(src).To4(),
		DstIP:    net.ParseIP(dst).To4(),
	}
}

func ethernet() *layers.Ethernet {
	return &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{2, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{2, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
}

func udp(t testing.TB, src, dst string, sport, dport uint16, at time.Duration) core.RawPacket {
	data := serialize(t, ethernet(), ipv4(src, dst, layers.IPProtocolUDP),
		&layers.UDP{SrcPort: layers.UDPPort(sport), DstPort: layers.UDPPort(dport)},
		gopacket.Payload("payload"))
	return raw(data, at)
}

func tcp(t testing.TB, src, dst string, sport, dport uint16, seg layers.TCP, at time.Duration) core.RawPacket {
	seg.SrcPort = layers.TCPPort(sport)
	seg.DstPort = layers.TCPPort(dport)
	seg.Window = 1024
	data := serialize(t, ethernet(), ipv4(src, dst, layers.IPProtocolTCP), &seg)
	return raw(data, at)
}

// fragments splits a UDP datagram with an 80-byte payload into two IPv4
// fragments.
func fragments(t testing.TB, src, dst string, id uint16, at time.Duration) []core.RawPacket {
	seg := serialize(t, &layers.UDP{SrcPort: 7000, DstPort: 7001}, gopacket.Payload(make([]byte, 80)))
	first := ipv4(src, dst, layers.IPProtocolUDP)
	first.Id = id
	first.Flags = layers.IPv4MoreFragments
	second := ipv4(src, dst, layers.IPProtocolUDP)
	second.Id = id
	second.FragOffset = 6
	return []core.RawPacket{
		raw(serialize(t, ethernet(), first, gopacket.Payload(seg[:48])), at),
		raw(serialize(t, ethernet(), second, gopacket.Payload(seg[48:])), at),
	}
}

func raw(data []byte, at time.Duration) core.RawPacket {
	return core.RawPacket{
		Data:       data,
		Timestamp:  epoch.Add(at),
		CaptureLen: uint32(len(data)),
		OrigLen:    uint32(len(data)),
		LinkType:   core.LinkTypeEthernet,
	}
}

type sliceSource struct {
	pkts []core.RawPacket
	err  error // returned after the packets instead of io.EOF
}

func (s *sliceSource) ReadPacket() (core.RawPacket, error) {
	if len(s.pkts) == 0 {
		if s.err != nil {
			return core.RawPacket{}, s.err
		}
		return core.RawPacket{}, io.EOF
	}
	p := s.pkts[0]
	s.pkts = s.pkts[1:]
	return p, nil
}

func (s *sliceSource) Close() error { return nil }

var errBrokenSource = errors.New("broken source")

type recordSink struct {
	mu      sync.Mutex
	records []export.Record
	reject  bool
}

func (s *recordSink) Submit(r export.Record) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reject {
		return false
	}
	s.records = append(s.records, r)
	return true
}

func (s *recordSink) all() []export.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]export.Record(nil), s.records...)
}
