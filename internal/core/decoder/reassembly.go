package decoder

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net/netip"
	"slices"
	"time"

	"firestige.xyz/flowtrack/internal/core"
	"firestige.xyz/flowtrack/internal/flowtable"
	"firestige.xyz/flowtrack/internal/metrics"
)

// Limits from RFC 791.
const (
	ipv4MinFragSize    = 1
	ipv4MaxSize        = 65535
	ipv4MaxFragOffset  = 8183 // In 8-byte units
	ipv4MaxFragListLen = 8192

	// src(4) | dst(4) | protocol(1) | id(2)
	fragmentKeySize = 11

	defaultMaxFragments    = 100
	defaultReassemblyTTL   = 60 * time.Second
	defaultMaxDatagrams    = 65536
	defaultRateLimitWindow = 10 * time.Second
	defaultTrackedSources  = 65536

	// Small deployments should not preallocate the full datagram bound.
	flowtableInitialCapacity = 1024
)

// ReassemblyConfig configures IPv4 fragment reassembly.
type ReassemblyConfig struct {
	Name              string        // Flow table metric label prefix (optional)
	MaxFragments      int           // Fragments per datagram (default 100)
	MaxReassembleSize int           // Largest rebuilt datagram in bytes (default 65535)
	Timeout           time.Duration // Idle time before a partial datagram is dropped (default 60s)
	MaxDatagrams      int           // Partial datagrams tracked at once (default 65536)
	MaxFragsPerIP     int           // Fragments per source per window, 0 disables the limit
	RateLimitWindow   time.Duration // Rate limit window (default 10s)
}

type fragment struct {
	offset  uint16
	length  uint16
	payload []byte
}

func (f fragment) end() uint16 { return f.offset + f.length }

// fragmentList holds the pieces of one datagram sorted by offset without
// overlap. On overlap the bytes that arrived first win (BSD-Right).
type fragmentList struct {
	frags   []fragment
	highest uint16 // Datagram length once the last fragment is known
	current uint16 // Unique payload bytes held
	final   bool   // Fragment with MF=0 seen
}

// insert adds the parts of [offset, offset+len(payload)) not yet covered.
func (fl *fragmentList) insert(offset uint16, payload []byte) {
	end := offset + uint16(len(payload))
	if end > fl.highest && !fl.final {
		fl.highest = end
	}

	// First fragment ending after offset; ends ascend since pieces are disjoint.
	i, _ := slices.BinarySearchFunc(fl.frags, offset+1, func(f fragment, target uint16) int {
		if f.end() < target {
			return -1
		}
		return 1
	})

	pos := offset
	for pos < end {
		gapEnd := end
		if i < len(fl.frags) && fl.frags[i].offset < gapEnd {
			gapEnd = fl.frags[i].offset
		}
		if pos < gapEnd {
			piece := fragment{offset: pos, length: gapEnd - pos, payload: payload[pos-offset : gapEnd-offset]}
			fl.frags = slices.Insert(fl.frags, i, piece)
			fl.current += piece.length
			i++
		}
		if i >= len(fl.frags) || fl.frags[i].offset >= end {
			break
		}
		pos = max(pos, fl.frags[i].end())
		i++
	}
}

// complete reports whether the pieces cover [0, highest) without a hole.
// Pieces past the end of the datagram count toward current but not coverage.
func (fl *fragmentList) complete() bool {
	if !fl.final || fl.current < fl.highest {
		return false
	}
	var covered uint16
	for _, f := range fl.frags {
		if f.offset > covered {
			return false
		}
		covered = max(covered, f.end())
		if covered >= fl.highest {
			return true
		}
	}
	return covered >= fl.highest
}

func (fl *fragmentList) build(limit int) ([]byte, error) {
	if int(fl.highest) > limit {
		return nil, fmt.Errorf("%w: reassembled size %d exceeds %d", core.ErrReassemblyLimit, fl.highest, limit)
	}
	out := make([]byte, fl.highest)
	for _, f := range fl.frags {
		if f.offset >= fl.highest {
			break
		}
		if f.end() > fl.highest {
			copy(out[f.offset:], f.payload[:fl.highest-f.offset])
			break
		}
		copy(out[f.offset:f.end()], f.payload)
	}
	return out, nil
}

// Reassembler rebuilds IPv4 datagrams from fragments. Partial datagrams live
// in an expiring flow table keyed by (src, dst, protocol, id); they time out
// when no fragment arrived for Timeout and are reclaimed lazily on the next
// Process or Reap. A Reassembler belongs to one goroutine.
type Reassembler struct {
	cfg       ReassemblyConfig
	datagrams *flowtable.Table[*fragmentList]
	limiter   *FragmentRateLimiter // nil when rate limiting is off
	key       [fragmentKeySize]byte
}

// NewReassembler creates a reassembler.
func NewReassembler(cfg ReassemblyConfig) (*Reassembler, error) {
	if cfg.MaxFragments <= 0 {
		cfg.MaxFragments = defaultMaxFragments
	}
	cfg.MaxFragments = min(cfg.MaxFragments, ipv4MaxFragListLen)
	if cfg.MaxReassembleSize <= 0 {
		cfg.MaxReassembleSize = ipv4MaxSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultReassemblyTTL
	}
	if cfg.MaxDatagrams <= 0 {
		cfg.MaxDatagrams = defaultMaxDatagrams
	}

	tableName := ""
	if cfg.Name != "" {
		tableName = cfg.Name + "/reassembly"
	}
	datagrams, err := flowtable.New[*fragmentList](flowtable.Config{
		Name:            tableName,
		KeySize:         fragmentKeySize,
		InitialCapacity: min(cfg.MaxDatagrams, flowtableInitialCapacity),
		MaxEntries:      cfg.MaxDatagrams,
		DefaultTTL:      cfg.Timeout,
		RenewOnLookup:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("create reassembly table: %w", err)
	}
	datagrams.OnRemove(func(_ int, _ []byte, _ *fragmentList, reason flowtable.Reason) {
		metrics.ReassemblyActiveFragments.Dec()
		if reason != flowtable.ReasonRemoved {
			metrics.ReassemblyDropsTotal.WithLabelValues(reason.String()).Inc()
		}
	})

	limiter, err := NewFragmentRateLimiter(FragmentRateLimiterConfig{
		Name:            cfg.Name,
		MaxFragsPerIP:   cfg.MaxFragsPerIP,
		RateLimitWindow: cfg.RateLimitWindow,
	})
	if err != nil {
		return nil, err
	}

	return &Reassembler{cfg: cfg, datagrams: datagrams, limiter: limiter}, nil
}

// Process takes an IPv4 packet including its header. It returns:
//   - the payload and true for an unfragmented packet, without copying;
//   - nil and false while a datagram is incomplete;
//   - the rebuilt payload and true when the fragment completed a datagram;
//   - an error when the fragment is malformed or over a limit.
func (r *Reassembler) Process(ipData []byte, ts time.Time) ([]byte, bool, error) {
	if len(ipData) < ipv4HeaderMinLen {
		return nil, false, fmt.Errorf("%w: ipv4 packet of %d bytes", core.ErrPacketTooShort, len(ipData))
	}
	ihl := int(ipData[0]&0x0F) * 4
	if ihl < ipv4HeaderMinLen || len(ipData) < ihl {
		return nil, false, fmt.Errorf("%w: ipv4 ihl %d", core.ErrPacketTooShort, ihl)
	}
	totalLen := int(binary.BigEndian.Uint16(ipData[2:4]))
	if totalLen < ihl || totalLen > len(ipData) {
		totalLen = len(ipData)
	}

	flags := binary.BigEndian.Uint16(ipData[6:8])
	more := flags&ipv4FlagMF != 0
	unitOffset := flags & ipv4OffsetMask
	if !more && unitOffset == 0 {
		return ipData[ihl:totalLen], true, nil
	}

	size := totalLen - ihl
	if err := checkFragment(size, unitOffset); err != nil {
		return nil, false, err
	}
	src := [4]byte(ipData[12:16])
	if r.limiter != nil && !r.limiter.Allow(src, ts) {
		return nil, false, fmt.Errorf("%w: fragment rate exceeded for %s",
			core.ErrReassemblyLimit, netip.AddrFrom4(src))
	}

	copy(r.key[0:8], ipData[12:20])
	r.key[8] = ipData[9]
	copy(r.key[9:11], ipData[4:6])

	idx, inserted, err := r.datagrams.LookupOrInsert(r.key[:], r.cfg.Timeout, ts)
	if err != nil {
		return nil, false, fmt.Errorf("track fragment: %w", err)
	}
	var fl *fragmentList
	if inserted {
		fl = &fragmentList{}
		_ = r.datagrams.Update(idx, fl)
		metrics.ReassemblyActiveFragments.Inc()
	} else {
		fl, _ = r.datagrams.Get(idx)
	}

	if len(fl.frags) >= r.cfg.MaxFragments {
		r.discard(idx, "limit")
		return nil, false, fmt.Errorf("%w: more than %d fragments", core.ErrReassemblyLimit, r.cfg.MaxFragments)
	}

	offset := unitOffset * 8
	// The capture buffer is reused; keep a private copy.
	payload := bytes.Clone(ipData[ihl:totalLen])
	if !more && !fl.final {
		// The first MF=0 fragment fixes the datagram length.
		fl.final = true
		fl.highest = offset + uint16(size)
	}
	fl.insert(offset, payload)

	if !fl.complete() {
		return nil, false, nil
	}
	out, err := fl.build(r.cfg.MaxReassembleSize)
	if err != nil {
		r.discard(idx, "oversize")
		return nil, false, err
	}
	_ = r.datagrams.Remove(idx)
	metrics.ReassembledTotal.Inc()
	return out, true, nil
}

func (r *Reassembler) discard(idx int, reason string) {
	_ = r.datagrams.Remove(idx)
	metrics.ReassemblyDropsTotal.WithLabelValues(reason).Inc()
}

func checkFragment(size int, unitOffset uint16) error {
	if size < ipv4MinFragSize {
		return fmt.Errorf("%w: empty fragment", core.ErrReassemblyLimit)
	}
	if unitOffset > ipv4MaxFragOffset {
		return fmt.Errorf("%w: fragment offset %d", core.ErrReassemblyLimit, unitOffset)
	}
	if end := int(unitOffset)*8 + size; end > ipv4MaxSize {
		return fmt.Errorf("%w: fragment ends at %d", core.ErrReassemblyLimit, end)
	}
	return nil
}

// Reap drops partial datagrams that timed out by now.
func (r *Reassembler) Reap(now time.Time) int {
	return r.datagrams.Reap(now)
}

// Pending returns the number of partial datagrams held.
func (r *Reassembler) Pending() int {
	return r.datagrams.Len()
}

// Flush drops every partial datagram.
func (r *Reassembler) Flush() {
	r.datagrams.Clear()
}

// RateLimiter returns the per-source limiter, nil when disabled.
func (r *Reassembler) RateLimiter() *FragmentRateLimiter {
	return r.limiter
}
