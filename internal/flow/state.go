package flow

import (
	"time"

	"firestige.xyz/flowtrack/internal/core"
)

// Timeouts are the idle timeouts applied by protocol state.
type Timeouts struct {
	UDP        time.Duration
	TCP        time.Duration // Established or half open
	TCPClosing time.Duration // After the first FIN
	Other      time.Duration
}

// DefaultTimeouts returns the timeouts used for zero fields.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		UDP:        30 * time.Second,
		TCP:        5 * time.Minute,
		TCPClosing: 10 * time.Second,
		Other:      30 * time.Second,
	}
}

func (t Timeouts) withDefaults() Timeouts {
	d := DefaultTimeouts()
	if t.UDP <= 0 {
		t.UDP = d.UDP
	}
	if t.TCP <= 0 {
		t.TCP = d.TCP
	}
	if t.TCPClosing <= 0 {
		t.TCPClosing = d.TCPClosing
	}
	if t.Other <= 0 {
		t.Other = d.Other
	}
	return t
}

// Direction of a packet relative to the stream's first packet.
type Direction uint8

const (
	Forward Direction = iota
	Reverse
)

// State is the accumulated view of one stream. Key is oriented as the first
// packet seen, so Forward counters belong to the initiator.
type State struct {
	Key       Key
	FirstSeen time.Time
	LastSeen  time.Time
	Packets   [2]uint64 // Indexed by Direction
	Bytes     [2]uint64
	TCPFlags  [2]uint8 // Union of flags seen per direction

	finSeen  [2]bool
	reset    bool
	timeouts *Timeouts
}

func newState(key Key, now time.Time, timeouts *Timeouts) *State {
	return &State{Key: key, FirstSeen: now, LastSeen: now, timeouts: timeouts}
}

// ExpiresAt implements flowtable.Expirable: the stream idles out after the
// timeout of its current protocol state.
func (s *State) ExpiresAt() (time.Time, bool) {
	return s.LastSeen.Add(s.idleTimeout()), true
}

func (s *State) idleTimeout() time.Duration {
	switch s.Key.Proto {
	case core.ProtoTCP:
		if s.finSeen[Forward] || s.finSeen[Reverse] {
			return s.timeouts.TCPClosing
		}
		return s.timeouts.TCP
	case core.ProtoUDP:
		return s.timeouts.UDP
	default:
		return s.timeouts.Other
	}
}

// Closed reports whether TCP teardown finished: a reset, or a FIN from both
// sides.
func (s *State) Closed() bool {
	return s.reset || (s.finSeen[Forward] && s.finSeen[Reverse])
}

// TotalPackets returns the packet count of both directions.
func (s *State) TotalPackets() uint64 { return s.Packets[Forward] + s.Packets[Reverse] }

// TotalBytes returns the IP byte count of both directions.
func (s *State) TotalBytes() uint64 { return s.Bytes[Forward] + s.Bytes[Reverse] }

// Duration is the time between the first and last packet.
func (s *State) Duration() time.Duration { return s.LastSeen.Sub(s.FirstSeen) }

func (s *State) direction(k Key) Direction {
	if k.Src == s.Key.Src && k.SrcPort == s.Key.SrcPort {
		return Forward
	}
	return Reverse
}

func (s *State) observe(pkt *core.DecodedPacket, dir Direction) {
	if pkt.Timestamp.After(s.LastSeen) {
		s.LastSeen = pkt.Timestamp
	}
	s.Packets[dir]++
	s.Bytes[dir] += uint64(pkt.IP.TotalLen)

	if s.Key.Proto != core.ProtoTCP {
		return
	}
	flags := pkt.Transport.TCPFlags
	s.TCPFlags[dir] |= flags
	if flags&core.TCPFlagFIN != 0 {
		s.finSeen[dir] = true
	}
	if flags&core.TCPFlagRST != 0 {
		s.reset = true
	}
}
