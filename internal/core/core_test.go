package core

import (
	"errors"
	"fmt"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIPHeader_Fragmented(t *testing.T) {
	tests := []struct {
		name string
		hdr  IPHeader
		want bool
	}{
		{"whole datagram", IPHeader{Version: 4}, false},
		{"first fragment", IPHeader{Version: 4, MoreFragments: true}, true},
		{"middle fragment", IPHeader{Version: 4, MoreFragments: true, FragOffset: 1480}, true},
		{"last fragment", IPHeader{Version: 4, FragOffset: 2960}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.hdr.Fragmented())
		})
	}
}

func TestIPHeader_Endpoints(t *testing.T) {
	outerSrc := netip.MustParseAddr("10.0.0.1")
	outerDst := netip.MustParseAddr("10.0.0.2")
	innerSrc := netip.MustParseAddr("192.168.1.1")
	innerDst := netip.MustParseAddr("192.168.1.2")

	plain := IPHeader{SrcIP: outerSrc, DstIP: outerDst}
	src, dst := plain.Endpoints()
	assert.Equal(t, outerSrc, src)
	assert.Equal(t, outerDst, dst)

	tunneled := IPHeader{SrcIP: outerSrc, DstIP: outerDst, InnerSrcIP: innerSrc, InnerDstIP: innerDst}
	src, dst = tunneled.Endpoints()
	assert.Equal(t, innerSrc, src)
	assert.Equal(t, innerDst, dst)
}

func TestLinkType_String(t *testing.T) {
	assert.Equal(t, "ethernet", LinkTypeEthernet.String())
	assert.Equal(t, "raw", LinkTypeRaw.String())
	assert.Equal(t, "unknown", LinkType(9).String())
}

func TestSentinelErrors(t *testing.T) {
	t.Run("Messages", func(t *testing.T) {
		tests := []struct {
			err     error
			message string
		}{
			{ErrNotFound, "flowtrack: entry not found"},
			{ErrDuplicateKey, "flowtrack: duplicate key"},
			{ErrCapacityExceeded, "flowtrack: table capacity exceeded"},
			{ErrPacketTooShort, "flowtrack: packet too short"},
			{ErrConfigInvalid, "flowtrack: invalid configuration"},
		}
		for _, tt := range tests {
			assert.EqualError(t, tt.err, tt.message)
		}
	})

	t.Run("Wrapping", func(t *testing.T) {
		wrapped := fmt.Errorf("lookup index 7: %w", ErrNotFound)
		assert.ErrorIs(t, wrapped, ErrNotFound)
		assert.False(t, errors.Is(wrapped, ErrDuplicateKey))
	})
}
