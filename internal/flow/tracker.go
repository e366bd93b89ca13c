package flow

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"firestige.xyz/flowtrack/internal/core"
	"firestige.xyz/flowtrack/internal/flowtable"
	"firestige.xyz/flowtrack/internal/metrics"
)

// EndReason tells why a stream finished.
type EndReason uint8

const (
	EndClosed  EndReason = iota // TCP reset or FIN from both sides
	EndIdle                     // Idle timeout
	EndEvicted                  // Displaced from a full table
	EndFlushed                  // Tracker flushed at shutdown
)

func (r EndReason) String() string {
	switch r {
	case EndClosed:
		return "closed"
	case EndIdle:
		return "idle"
	case EndEvicted:
		return "evicted"
	case EndFlushed:
		return "flushed"
	default:
		return fmt.Sprintf("end(%d)", uint8(r))
	}
}

// FinishFunc receives every stream that leaves a tracker. The state is not
// touched by the tracker afterwards.
type FinishFunc func(st *State, reason EndReason)

// TrackerConfig configures a Tracker.
type TrackerConfig struct {
	Name            string // Flow table metric label, optional
	InitialCapacity int
	MaxFlows        int // 0 grows without bound
	Timeouts        Timeouts
	Seed            uint64

	// Cuckoo geometry; zero values select the table defaults.
	NumTables    int
	BucketSize   int
	MaxKicks     int
	GrowthFactor int
}

// Tracker follows streams through a flow table keyed by the canonical
// 5-tuple. It is not safe for concurrent use.
type Tracker struct {
	table    *flowtable.Table[*State]
	timeouts Timeouts
	onFinish FinishFunc
	finished [EndFlushed + 1]prometheus.Counter
	buf      [KeySize]byte
}

// NewTracker creates a tracker. onFinish may be nil.
func NewTracker(cfg TrackerConfig, onFinish FinishFunc) (*Tracker, error) {
	table, err := flowtable.New[*State](flowtable.Config{
		Name:            cfg.Name,
		KeySize:         KeySize,
		InitialCapacity: cfg.InitialCapacity,
		MaxEntries:      cfg.MaxFlows,
		NumTables:       cfg.NumTables,
		BucketSize:      cfg.BucketSize,
		MaxKicks:        cfg.MaxKicks,
		GrowthFactor:    cfg.GrowthFactor,
		Seed:            cfg.Seed,
	})
	if err != nil {
		return nil, fmt.Errorf("create flow table: %w", err)
	}

	t := &Tracker{
		table:    table,
		timeouts: cfg.Timeouts.withDefaults(),
		onFinish: onFinish,
	}
	for r := range t.finished {
		t.finished[r] = metrics.StreamsFinishedTotal.WithLabelValues(EndReason(r).String())
	}
	table.OnRemove(t.removed)
	return t, nil
}

// Observe accounts pkt to its stream, creating the stream on first sight.
// Trailing fragments that were not reassembled carry no ports and are
// ignored. A stream whose TCP teardown completes is finished immediately
// with EndClosed.
func (t *Tracker) Observe(pkt *core.DecodedPacket) (*State, error) {
	if pkt.IP.FragOffset != 0 && !pkt.Reassembled {
		return nil, nil
	}
	key, ok := KeyFromPacket(pkt)
	if !ok {
		return nil, fmt.Errorf("%w: packet without ip endpoints", core.ErrUnsupportedProto)
	}
	now := pkt.Timestamp
	canon, _ := key.Canonical()
	enc := canon.Encode(&t.buf)

	t.table.Reap(now)
	idx, err := t.table.Lookup(enc)
	switch {
	case err == nil:
		st, err := t.table.Get(idx)
		if err != nil {
			return nil, err
		}
		st.observe(pkt, st.direction(key))
		if st.Closed() {
			return st, t.table.Remove(idx)
		}
		return st, t.table.Update(idx, st)

	case errors.Is(err, core.ErrNotFound):
		st := newState(key, now, &t.timeouts)
		st.observe(pkt, Forward)
		if st.Closed() {
			t.finish(st, EndClosed)
			return st, nil
		}
		if _, err := t.table.Insert(enc, st, 0, now); err != nil {
			return nil, fmt.Errorf("track %s: %w", key, err)
		}
		return st, nil

	default:
		return nil, err
	}
}

// Lookup returns the live state of the stream k belongs to, in either
// direction.
func (t *Tracker) Lookup(k Key) (*State, bool) {
	canon, _ := k.Canonical()
	idx, err := t.table.Lookup(canon.Encode(&t.buf))
	if err != nil {
		return nil, false
	}
	st, err := t.table.Get(idx)
	return st, err == nil
}

// Reap finishes every stream idle at now and returns how many there were.
func (t *Tracker) Reap(now time.Time) int {
	return t.table.Reap(now)
}

// Flush finishes all live streams with EndFlushed.
func (t *Tracker) Flush() {
	t.table.Clear()
}

// Len returns the number of live streams.
func (t *Tracker) Len() int { return t.table.Len() }

// Stats returns the counters of the underlying table.
func (t *Tracker) Stats() flowtable.Stats { return t.table.Stats() }

func (t *Tracker) removed(_ int, _ []byte, st *State, reason flowtable.Reason) {
	switch reason {
	case flowtable.ReasonExpired:
		t.finish(st, EndIdle)
	case flowtable.ReasonEvicted:
		t.finish(st, EndEvicted)
	case flowtable.ReasonCleared:
		t.finish(st, EndFlushed)
	default:
		t.finish(st, EndClosed)
	}
}

func (t *Tracker) finish(st *State, reason EndReason) {
	t.finished[reason].Inc()
	if t.onFinish != nil {
		t.onFinish(st, reason)
	}
}
