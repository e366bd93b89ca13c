package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/flowtrack/internal/core"
	"firestige.xyz/flowtrack/internal/flow"
)

func newTestPipeline(t *testing.T, sink RecordSink) *Pipeline {
	t.Helper()
	p, err := NewBuilder().
		WithTracker(flow.TrackerConfig{Timeouts: flow.Timeouts{UDP: 10 * time.Second}}).
		WithReapInterval(time.Second).
		WithSink(sink).
		Build()
	require.NoError(t, err)
	return p
}

func TestPipeline_IdleStreamExported(t *testing.T) {
	sink := &recordSink{}
	p := newTestPipeline(t, sink)

	require.NoError(t, p.Process(udp(t, "10.0.0.1", "10.0.0.2", 5353, 53, 0)))
	require.NoError(t, p.Process(udp(t, "10.0.0.2", "10.0.0.1", 53, 5353, time.Second)))
	assert.Empty(t, sink.all())
	assert.Equal(t, 1, p.Stats().ActiveFlows)

	// Unrelated traffic moves packet time past the idle deadline.
	require.NoError(t, p.Process(udp(t, "10.9.9.9", "10.8.8.8", 1, 2, 12*time.Second)))

	records := sink.all()
	require.Len(t, records, 1)
	r := records[0]
	assert.Equal(t, "10.0.0.1", r.Src)
	assert.Equal(t, uint16(53), r.DstPort)
	assert.Equal(t, uint64(1), r.PacketsFwd)
	assert.Equal(t, uint64(1), r.PacketsRev)
	assert.Equal(t, "idle", r.EndReason)
	assert.Equal(t, int64(1000), r.DurationMs)

	st := p.Stats()
	assert.Equal(t, uint64(3), st.Received)
	assert.Equal(t, uint64(3), st.Tracked)
	assert.Equal(t, uint64(1), st.FlowsFinished)
	assert.Equal(t, 1, st.ActiveFlows)
}

func TestPipeline_TCPCloseExported(t *testing.T) {
	sink := &recordSink{}
	p := newTestPipeline(t, sink)

	pkts := []struct {
		src, dst     string
		sport, dport uint16
		seg          layers.TCP
	}{
		{"10.0.0.1", "10.0.0.2", 40000, 80, layers.TCP{SYN: true}},
		{"10.0.0.2", "10.0.0.1", 80, 40000, layers.TCP{SYN: true, ACK: true}},
		{"10.0.0.1", "10.0.0.2", 40000, 80, layers.TCP{ACK: true}},
		{"10.0.0.1", "10.0.0.2", 40000, 80, layers.TCP{FIN: true, ACK: true}},
		{"10.0.0.2", "10.0.0.1", 80, 40000, layers.TCP{FIN: true, ACK: true}},
	}
	for i, pk := range pkts {
		require.NoError(t, p.Process(tcp(t, pk.src, pk.dst, pk.sport, pk.dport, pk.seg, time.Duration(i)*time.Millisecond)))
	}

	records := sink.all()
	require.Len(t, records, 1)
	assert.Equal(t, "closed", records[0].EndReason)
	assert.Equal(t, uint64(3), records[0].PacketsFwd)
	assert.Equal(t, core.TCPFlagSYN|core.TCPFlagACK|core.TCPFlagFIN, records[0].TCPFlagsFwd)
	assert.Equal(t, 0, p.Stats().ActiveFlows)
}

func TestPipeline_Fragments(t *testing.T) {
	sink := &recordSink{}
	p := newTestPipeline(t, sink)

	for _, f := range fragments(t, "10.0.0.1", "10.0.0.2", 99, 0) {
		require.NoError(t, p.Process(f))
	}
	st := p.Stats()
	assert.Equal(t, uint64(1), st.FragmentsPending)
	assert.Equal(t, uint64(1), st.Tracked)

	p.Flush()
	records := sink.all()
	require.Len(t, records, 1)
	assert.Equal(t, uint16(7001), records[0].DstPort, "ports come from the reassembled datagram")
	assert.Equal(t, uint64(20+88), records[0].BytesFwd)
	assert.Equal(t, "flushed", records[0].EndReason)
}

func TestPipeline_DecodeError(t *testing.T) {
	p := newTestPipeline(t, nil)
	err := p.Process(raw([]byte{1, 2, 3}, 0))
	assert.ErrorIs(t, err, core.ErrPacketTooShort)
	assert.Equal(t, uint64(1), p.Stats().DecodeErrors)
}

func TestPipeline_DroppedRecords(t *testing.T) {
	sink := &recordSink{reject: true}
	p := newTestPipeline(t, sink)
	require.NoError(t, p.Process(udp(t, "10.0.0.1", "10.0.0.2", 1, 2, 0)))
	p.Flush()
	assert.Equal(t, uint64(1), p.Stats().RecordsDropped)
}

func TestPipeline_RunFlushesOnCancel(t *testing.T) {
	sink := &recordSink{}
	p := newTestPipeline(t, sink)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	p.Input() <- udp(t, "10.0.0.1", "10.0.0.2", 1, 2, 0)
	require.Eventually(t, func() bool { return p.Stats().Tracked == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	require.Len(t, sink.all(), 1)
	assert.Equal(t, "flushed", sink.all()[0].EndReason)
}
