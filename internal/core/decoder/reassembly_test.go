package decoder

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/flowtrack/internal/core"
	"firestige.xyz/flowtrack/internal/flowtable"
	"firestige.xyz/flowtrack/internal/metrics"
)

var (
	fragSrc = [4]byte{10, 0, 0, 1}
	fragDst = [4]byte{10, 0, 0, 2}
	epoch   = time.Unix(1_700_000_000, 0)
)

// buildIPv4Fragment builds an IPv4 packet; unitOffset is in 8-byte units.
func buildIPv4Fragment(src, dst [4]byte, protocol uint8, id, unitOffset uint16, more bool, payload []byte) []byte {
	pkt := make([]byte, 20+len(payload))
	pkt[0] = 0x45
	binary.BigEndian.PutUint16(pkt[2:4], uint16(len(pkt)))
	binary.BigEndian.PutUint16(pkt[4:6], id)
	flags := unitOffset & 0x1FFF
	if more {
		flags |= 0x2000
	}
	binary.BigEndian.PutUint16(pkt[6:8], flags)
	pkt[8] = 64
	pkt[9] = protocol
	copy(pkt[12:16], src[:])
	copy(pkt[16:20], dst[:])
	copy(pkt[20:], payload)
	return pkt
}

func sequence(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func newTestReassembler(t *testing.T, cfg ReassemblyConfig) *Reassembler {
	t.Helper()
	r, err := NewReassembler(cfg)
	require.NoError(t, err)
	return r
}

func TestReassembler_NonFragment(t *testing.T) {
	r := newTestReassembler(t, ReassemblyConfig{})
	payload := []byte("hello, world")
	pkt := buildIPv4Fragment(fragSrc, fragDst, 17, 0, 0, false, payload)

	out, complete, err := r.Process(pkt, epoch)
	require.NoError(t, err)
	assert.True(t, complete)
	assert.Equal(t, payload, out)
	assert.Equal(t, 0, r.Pending())
}

func TestReassembler_InOrder(t *testing.T) {
	r := newTestReassembler(t, ReassemblyConfig{})
	whole := sequence(3000)
	frags := [][]byte{
		buildIPv4Fragment(fragSrc, fragDst, 17, 0xABCD, 0, true, whole[0:1480]),
		buildIPv4Fragment(fragSrc, fragDst, 17, 0xABCD, 185, true, whole[1480:2960]),
		buildIPv4Fragment(fragSrc, fragDst, 17, 0xABCD, 370, false, whole[2960:]),
	}

	for i, f := range frags[:2] {
		out, complete, err := r.Process(f, epoch)
		require.NoError(t, err, "fragment %d", i)
		assert.False(t, complete)
		assert.Nil(t, out)
	}
	assert.Equal(t, 1, r.Pending())

	out, complete, err := r.Process(frags[2], epoch)
	require.NoError(t, err)
	require.True(t, complete)
	assert.Equal(t, whole, out)
	assert.Equal(t, 0, r.Pending(), "completed datagram leaves the table")
}

func TestReassembler_OutOfOrder(t *testing.T) {
	r := newTestReassembler(t, ReassemblyConfig{})
	whole := sequence(240)

	_, complete, err := r.Process(buildIPv4Fragment(fragSrc, fragDst, 17, 7, 20, false, whole[160:]), epoch)
	require.NoError(t, err)
	assert.False(t, complete)
	_, complete, err = r.Process(buildIPv4Fragment(fragSrc, fragDst, 17, 7, 10, true, whole[80:160]), epoch)
	require.NoError(t, err)
	assert.False(t, complete)

	out, complete, err := r.Process(buildIPv4Fragment(fragSrc, fragDst, 17, 7, 0, true, whole[:80]), epoch)
	require.NoError(t, err)
	require.True(t, complete)
	assert.Equal(t, whole, out)
}

func TestReassembler_OverlapKeepsFirstArrival(t *testing.T) {
	r := newTestReassembler(t, ReassemblyConfig{})
	_, _, err := r.Process(buildIPv4Fragment(fragSrc, fragDst, 17, 9, 0, true, bytes.Repeat([]byte{0xAA}, 80)), epoch)
	require.NoError(t, err)

	// Bytes 40..119; 40..79 are already held.
	out, complete, err := r.Process(buildIPv4Fragment(fragSrc, fragDst, 17, 9, 5, false, bytes.Repeat([]byte{0xBB}, 80)), epoch)
	require.NoError(t, err)
	require.True(t, complete)
	require.Len(t, out, 120)
	assert.Equal(t, bytes.Repeat([]byte{0xAA}, 80), out[:80])
	assert.Equal(t, bytes.Repeat([]byte{0xBB}, 40), out[80:])
}

func TestReassembler_OverlapSpanningHeldPieces(t *testing.T) {
	r := newTestReassembler(t, ReassemblyConfig{})
	// Hold 16..23 and 40..47, then send 0..63 (last fragment) covering both.
	_, _, err := r.Process(buildIPv4Fragment(fragSrc, fragDst, 17, 3, 2, true, bytes.Repeat([]byte{1}, 8)), epoch)
	require.NoError(t, err)
	_, _, err = r.Process(buildIPv4Fragment(fragSrc, fragDst, 17, 3, 5, true, bytes.Repeat([]byte{2}, 8)), epoch)
	require.NoError(t, err)

	out, complete, err := r.Process(buildIPv4Fragment(fragSrc, fragDst, 17, 3, 0, false, bytes.Repeat([]byte{9}, 64)), epoch)
	require.NoError(t, err)
	require.True(t, complete, "every gap around the held pieces is filled")

	want := bytes.Repeat([]byte{9}, 64)
	copy(want[16:24], bytes.Repeat([]byte{1}, 8))
	copy(want[40:48], bytes.Repeat([]byte{2}, 8))
	assert.Equal(t, want, out)
}

func TestReassembler_DuplicateDiscarded(t *testing.T) {
	r := newTestReassembler(t, ReassemblyConfig{})
	_, _, _ = r.Process(buildIPv4Fragment(fragSrc, fragDst, 17, 1, 0, true, bytes.Repeat([]byte{0xAA}, 80)), epoch)
	_, _, _ = r.Process(buildIPv4Fragment(fragSrc, fragDst, 17, 1, 0, true, bytes.Repeat([]byte{0xBB}, 80)), epoch)

	out, complete, err := r.Process(buildIPv4Fragment(fragSrc, fragDst, 17, 1, 10, false, bytes.Repeat([]byte{0xCC}, 80)), epoch)
	require.NoError(t, err)
	require.True(t, complete)
	assert.Equal(t, bytes.Repeat([]byte{0xAA}, 80), out[:80])
}

func TestReassembler_SecurityChecks(t *testing.T) {
	r := newTestReassembler(t, ReassemblyConfig{})
	tests := []struct {
		name string
		pkt  []byte
		want error
	}{
		{"offset too large", buildIPv4Fragment(fragSrc, fragDst, 17, 1, 8184, true, []byte{1}), core.ErrReassemblyLimit},
		{"exceeds max datagram", buildIPv4Fragment(fragSrc, fragDst, 17, 1, 8183, true, make([]byte, 80)), core.ErrReassemblyLimit},
		{"too short", []byte{0x45, 0x00}, core.ErrPacketTooShort},
		{"invalid ihl", append([]byte{0x41}, make([]byte, 19)...), core.ErrPacketTooShort},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := r.Process(tt.pkt, epoch)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestReassembler_MaxFragments(t *testing.T) {
	r := newTestReassembler(t, ReassemblyConfig{MaxFragments: 3})
	for i := uint16(0); i < 3; i++ {
		_, _, err := r.Process(buildIPv4Fragment(fragSrc, fragDst, 17, 2, i, true, make([]byte, 8)), epoch)
		require.NoError(t, err, "fragment %d", i)
	}
	_, _, err := r.Process(buildIPv4Fragment(fragSrc, fragDst, 17, 2, 3, false, make([]byte, 8)), epoch)
	assert.ErrorIs(t, err, core.ErrReassemblyLimit)
	assert.Equal(t, 0, r.Pending(), "datagram over the limit is dropped")
}

func TestReassembler_MaxReassembleSize(t *testing.T) {
	r := newTestReassembler(t, ReassemblyConfig{MaxReassembleSize: 100})
	_, _, err := r.Process(buildIPv4Fragment(fragSrc, fragDst, 17, 4, 0, true, make([]byte, 80)), epoch)
	require.NoError(t, err)
	_, complete, err := r.Process(buildIPv4Fragment(fragSrc, fragDst, 17, 4, 10, false, make([]byte, 80)), epoch)
	assert.ErrorIs(t, err, core.ErrReassemblyLimit)
	assert.False(t, complete)
	assert.Equal(t, 0, r.Pending())
}

func TestReassembler_DifferentDatagrams(t *testing.T) {
	r := newTestReassembler(t, ReassemblyConfig{})
	other := [4]byte{10, 0, 0, 3}

	_, _, _ = r.Process(buildIPv4Fragment(fragSrc, fragDst, 17, 0x1111, 0, true, bytes.Repeat([]byte{0x11}, 80)), epoch)
	_, _, _ = r.Process(buildIPv4Fragment(other, fragDst, 17, 0x1111, 0, true, bytes.Repeat([]byte{0x22}, 80)), epoch)
	_, _, _ = r.Process(buildIPv4Fragment(fragSrc, fragDst, 6, 0x1111, 0, true, bytes.Repeat([]byte{0x33}, 80)), epoch)
	assert.Equal(t, 3, r.Pending())

	out, complete, err := r.Process(buildIPv4Fragment(other, fragDst, 17, 0x1111, 10, false, make([]byte, 80)), epoch)
	require.NoError(t, err)
	require.True(t, complete)
	assert.Equal(t, byte(0x22), out[0])
	assert.Equal(t, 2, r.Pending())
}

func TestReassembler_Timeout(t *testing.T) {
	r := newTestReassembler(t, ReassemblyConfig{Timeout: 30 * time.Second})
	_, _, err := r.Process(buildIPv4Fragment(fragSrc, fragDst, 17, 5, 0, true, make([]byte, 80)), epoch)
	require.NoError(t, err)

	// A fragment within the timeout keeps the datagram alive.
	_, _, err = r.Process(buildIPv4Fragment(fragSrc, fragDst, 17, 5, 20, true, make([]byte, 80)), epoch.Add(20*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 0, r.Reap(epoch.Add(40*time.Second)))
	assert.Equal(t, 1, r.Pending())

	assert.Equal(t, 1, r.Reap(epoch.Add(50*time.Second)))
	assert.Equal(t, 0, r.Pending())

	// The middle and last fragments arriving late start a new, incomplete datagram.
	_, complete, err := r.Process(buildIPv4Fragment(fragSrc, fragDst, 17, 5, 10, false, make([]byte, 80)), epoch.Add(51*time.Second))
	require.NoError(t, err)
	assert.False(t, complete)
}

func TestReassembler_TimeoutReapedLazily(t *testing.T) {
	r := newTestReassembler(t, ReassemblyConfig{Timeout: time.Second})
	_, _, _ = r.Process(buildIPv4Fragment(fragSrc, fragDst, 17, 6, 0, true, make([]byte, 8)), epoch)
	_, _, _ = r.Process(buildIPv4Fragment(fragSrc, fragDst, 17, 7, 0, true, make([]byte, 8)), epoch)
	assert.Equal(t, 2, r.Pending())

	_, _, err := r.Process(buildIPv4Fragment(fragSrc, fragDst, 17, 8, 0, true, make([]byte, 8)), epoch.Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, r.Pending())
}

func TestReassembler_RateLimited(t *testing.T) {
	r := newTestReassembler(t, ReassemblyConfig{MaxFragsPerIP: 2, RateLimitWindow: time.Second})
	for i := uint16(0); i < 2; i++ {
		_, _, err := r.Process(buildIPv4Fragment(fragSrc, fragDst, 17, 10+i, 0, true, make([]byte, 8)), epoch)
		require.NoError(t, err)
	}
	_, _, err := r.Process(buildIPv4Fragment(fragSrc, fragDst, 17, 12, 0, true, make([]byte, 8)), epoch)
	assert.ErrorIs(t, err, core.ErrReassemblyLimit)
	assert.Equal(t, int64(1), r.RateLimiter().Rejected())

	_, _, err = r.Process(buildIPv4Fragment(fragSrc, fragDst, 17, 12, 0, true, make([]byte, 8)), epoch.Add(time.Second))
	assert.NoError(t, err, "a new window starts once the old one expires")
}

func TestReassembler_Flush(t *testing.T) {
	r := newTestReassembler(t, ReassemblyConfig{})
	for id := uint16(0); id < 5; id++ {
		_, _, _ = r.Process(buildIPv4Fragment(fragSrc, fragDst, 17, id, 0, true, make([]byte, 8)), epoch)
	}
	assert.Equal(t, 5, r.Pending())
	r.Flush()
	assert.Equal(t, 0, r.Pending())
}

func TestFragmentList_Insert(t *testing.T) {
	var fl fragmentList
	fl.insert(16, bytes.Repeat([]byte{1}, 16))
	fl.insert(0, bytes.Repeat([]byte{2}, 8))
	fl.insert(4, bytes.Repeat([]byte{3}, 40))

	var spans [][2]uint16
	for _, f := range fl.frags {
		spans = append(spans, [2]uint16{f.offset, f.end()})
	}
	assert.Equal(t, [][2]uint16{{0, 8}, {8, 16}, {16, 32}, {32, 44}}, spans)
	assert.Equal(t, uint16(44), fl.current)
	assert.Equal(t, uint16(44), fl.highest)
	assert.False(t, fl.complete())
}

func TestReassembler_HoleBeforeFinalFragment(t *testing.T) {
	r := newTestReassembler(t, ReassemblyConfig{})
	whole := sequence(16)

	// Bytes 8..15 close the datagram, then a stray MF=1 piece lands past it.
	_, complete, err := r.Process(buildIPv4Fragment(fragSrc, fragDst, 17, 11, 1, false, whole[8:16]), epoch)
	require.NoError(t, err)
	assert.False(t, complete)
	_, complete, err = r.Process(buildIPv4Fragment(fragSrc, fragDst, 17, 11, 2, true, sequence(8)), epoch)
	require.NoError(t, err)
	assert.False(t, complete, "bytes 0..7 are still missing")
	assert.Equal(t, 1, r.Pending())

	out, complete, err := r.Process(buildIPv4Fragment(fragSrc, fragDst, 17, 11, 0, true, whole[:8]), epoch)
	require.NoError(t, err)
	require.True(t, complete)
	assert.Equal(t, whole, out)
	assert.Equal(t, 0, r.Pending())
}

func TestReassembler_FinalFragmentFixesLength(t *testing.T) {
	r := newTestReassembler(t, ReassemblyConfig{})
	whole := sequence(24)

	_, _, err := r.Process(buildIPv4Fragment(fragSrc, fragDst, 17, 12, 2, true, whole[16:24]), epoch)
	require.NoError(t, err)
	_, _, err = r.Process(buildIPv4Fragment(fragSrc, fragDst, 17, 12, 1, false, whole[8:16]), epoch)
	require.NoError(t, err)

	out, complete, err := r.Process(buildIPv4Fragment(fragSrc, fragDst, 17, 12, 0, true, whole[:8]), epoch)
	require.NoError(t, err)
	require.True(t, complete)
	assert.Equal(t, whole[:16], out)
}

func TestReassembler_EvictsAtMaxDatagrams(t *testing.T) {
	active := func() float64 { return testutil.ToFloat64(metrics.ReassemblyActiveFragments) }
	evicted := func() float64 {
		return testutil.ToFloat64(metrics.ReassemblyDropsTotal.WithLabelValues(flowtable.ReasonEvicted.String()))
	}
	activeBefore, evictedBefore := active(), evicted()

	r := newTestReassembler(t, ReassemblyConfig{MaxDatagrams: 4})
	accepted := 0
	for id := uint16(0); id < 64; id++ {
		_, complete, err := r.Process(buildIPv4Fragment(fragSrc, fragDst, 17, id, 0, true, make([]byte, 8)), epoch)
		if err != nil {
			// A new datagram left homeless after the kick chain is refused.
			require.ErrorIs(t, err, core.ErrCapacityExceeded)
			continue
		}
		require.False(t, complete)
		accepted++
	}

	pending := r.Pending()
	assert.Less(t, pending, accepted)
	assert.Greater(t, evicted()-evictedBefore, 0.0)
	assert.Equal(t, float64(accepted-pending), evicted()-evictedBefore, "every accepted datagram not held was evicted")
	assert.Equal(t, float64(pending), active()-activeBefore, "gauge follows the held datagrams")

	r.Flush()
	assert.Equal(t, activeBefore, active())
}
