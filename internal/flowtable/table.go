// Package flowtable implements the expiring flow table: a cuckoo key index and
// a deadline queue owned together, so that every timed entry has exactly one
// expiration node and every node refers to a live entry.
//
// Expiration is lazy. Nothing runs in the background; due entries are
// reclaimed by Reap, which LookupOrInsert and RemoveKey call first. A Table
// belongs to one goroutine. Shard across tables for parallelism.
package flowtable

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"firestige.xyz/flowtrack/internal/core"
	"firestige.xyz/flowtrack/internal/flowtable/cuckoo"
	"firestige.xyz/flowtrack/internal/flowtable/expiry"
)

const (
	// Infinite marks an entry as sticky and untimed: no expiration node is
	// created and cuckoo displacement never evicts it.
	Infinite time.Duration = -1

	DefaultTTL = 30 * time.Second
)

// Config configures a Table. Zero values select the cuckoo defaults.
type Config struct {
	Name            string // Metric label; metrics are not recorded when empty
	KeySize         int
	InitialCapacity int
	MaxEntries      int
	NumTables       int
	BucketSize      int
	MaxKicks        int
	GrowthFactor    int
	DefaultSticky   bool
	DefaultTTL      time.Duration // TTL used when a caller passes 0
	RenewOnLookup   bool          // LookupOrInsert hits push the deadline out
	Seed            uint64
}

// Reason tells a RemoveFunc why an entry left the table.
type Reason uint8

const (
	ReasonRemoved Reason = iota // Remove or RemoveKey
	ReasonExpired               // deadline passed, reclaimed by Reap
	ReasonEvicted               // dropped by cuckoo displacement at MaxEntries
	ReasonCleared               // Clear
)

func (r Reason) String() string {
	switch r {
	case ReasonRemoved:
		return "removed"
	case ReasonExpired:
		return "expired"
	case ReasonEvicted:
		return "evicted"
	case ReasonCleared:
		return "cleared"
	default:
		return fmt.Sprintf("reason(%d)", uint8(r))
	}
}

// RemoveFunc observes entries leaving the table. key is only valid during the
// call and the callback must not modify the table.
type RemoveFunc[V any] func(index int, key []byte, value V, reason Reason)

// Stats holds table counters.
type Stats struct {
	cuckoo.Stats
	Pending uint64 // Queued expiration nodes
	Expired uint64
	Removed uint64
	Cleared uint64
}

// Table maps fixed-size keys to stable indices whose entries time out.
type Table[V any] struct {
	name          string
	keys          *cuckoo.Table[V]
	queue         *expiry.Queue
	defaultTTL    time.Duration
	renewOnLookup bool
	onRemove      RemoveFunc[V]

	// pinned holds entries that are sticky only because they are untimed.
	// A finite Renew unpins them.
	pinned map[int]struct{}

	expired uint64
	removed uint64
	cleared uint64

	metrics *tableMetrics
}

// New creates a table.
func New[V any](cfg Config) (*Table[V], error) {
	keys, err := cuckoo.New[V](cuckoo.Config{
		KeySize:         cfg.KeySize,
		InitialCapacity: cfg.InitialCapacity,
		MaxEntries:      cfg.MaxEntries,
		NumTables:       cfg.NumTables,
		BucketSize:      cfg.BucketSize,
		MaxKicks:        cfg.MaxKicks,
		GrowthFactor:    cfg.GrowthFactor,
		DefaultSticky:   cfg.DefaultSticky,
		Seed:            cfg.Seed,
	})
	if err != nil {
		return nil, err
	}
	if cfg.DefaultTTL < 0 && cfg.DefaultTTL != Infinite {
		return nil, fmt.Errorf("%w: default ttl %s", core.ErrConfigInvalid, cfg.DefaultTTL)
	}
	if cfg.DefaultTTL == 0 {
		cfg.DefaultTTL = DefaultTTL
	}

	t := &Table[V]{
		name:          cfg.Name,
		keys:          keys,
		queue:         expiry.New(cfg.InitialCapacity),
		defaultTTL:    cfg.DefaultTTL,
		renewOnLookup: cfg.RenewOnLookup,
	}
	if cfg.Name != "" {
		t.metrics = newTableMetrics(cfg.Name)
	}
	keys.OnEvict(t.evicted)
	return t, nil
}

// OnRemove registers the observer for entries leaving the table.
func (t *Table[V]) OnRemove(fn RemoveFunc[V]) { t.onRemove = fn }

// Lookup returns the index of key, or core.ErrNotFound. It does not reap, so
// an entry past its deadline is still found until the next Reap.
func (t *Table[V]) Lookup(key []byte) (int, error) {
	return t.keys.Lookup(key)
}

// LookupOrInsert reaps at now, then returns the index of key. A new entry is
// inserted with the zero value and scheduled at now+ttl; inserted reports
// which case happened. An existing entry is renewed with ttl when the table
// was configured with RenewOnLookup.
func (t *Table[V]) LookupOrInsert(key []byte, ttl time.Duration, now time.Time) (index int, inserted bool, err error) {
	t.Reap(now)
	idx, err := t.keys.Lookup(key)
	if err == nil {
		if t.renewOnLookup {
			t.schedule(idx, ttl, now)
		}
		return idx, false, nil
	}
	if !errors.Is(err, core.ErrNotFound) {
		return -1, false, err
	}
	var zero V
	idx, err = t.insert(key, zero, ttl, now, false)
	if err != nil {
		return -1, false, err
	}
	return idx, true, nil
}

// Insert adds a new entry. When value implements Expirable and reports a
// deadline, that deadline is used instead of ttl. Infinite always wins.
func (t *Table[V]) Insert(key []byte, value V, ttl time.Duration, now time.Time) (int, error) {
	return t.insert(key, value, ttl, now, true)
}

func (t *Table[V]) insert(key []byte, value V, ttl time.Duration, now time.Time, askValue bool) (int, error) {
	ttl = t.effectiveTTL(ttl)
	defaultSticky := t.keys.DefaultSticky()
	idx, err := t.keys.Insert(key, value, defaultSticky || ttl == Infinite)
	if err != nil {
		if errors.Is(err, core.ErrCapacityExceeded) && t.metrics != nil {
			t.metrics.failures.Inc()
		}
		return -1, err
	}
	switch {
	case ttl == Infinite:
		if !defaultSticky {
			t.pin(idx)
		}
	case askValue:
		if at, ok := expiresAt(value); ok {
			t.queue.Offer(expiry.Node{Index: idx, Deadline: unixNano(at)})
			break
		}
		fallthrough
	default:
		t.queue.Offer(expiry.Node{Index: idx, Deadline: deadline(now, ttl)})
	}
	t.recordInsert()
	return idx, nil
}

// Get returns the value at index.
func (t *Table[V]) Get(index int) (V, error) {
	return t.keys.Get(index)
}

// Key returns the key stored at index. The slice aliases table memory.
func (t *Table[V]) Key(index int) ([]byte, error) {
	return t.keys.Key(index)
}

// Update replaces the value at index. A value implementing Expirable that
// reports a deadline reschedules a timed entry; untimed entries stay
// untimed and otherwise the deadline is kept.
func (t *Table[V]) Update(index int, value V) error {
	if err := t.keys.Update(index, value); err != nil {
		return err
	}
	if !t.queue.Contains(index) {
		return nil
	}
	if at, ok := expiresAt(value); ok {
		t.queue.Offer(expiry.Node{Index: index, Deadline: unixNano(at)})
	}
	return nil
}

// Renew moves the deadline of index to now+ttl, creating the expiration node
// if the entry had none. Infinite drops the node and makes the entry sticky;
// a later finite Renew gives back the stickiness it had before.
func (t *Table[V]) Renew(index int, ttl time.Duration, now time.Time) error {
	if _, err := t.keys.Get(index); err != nil {
		return err
	}
	t.schedule(index, ttl, now)
	return nil
}

func (t *Table[V]) schedule(index int, ttl time.Duration, now time.Time) {
	ttl = t.effectiveTTL(ttl)
	if ttl == Infinite {
		t.queue.Remove(index)
		if sticky, _ := t.keys.Sticky(index); !sticky {
			_ = t.keys.SetSticky(index, true)
			t.pin(index)
		}
		return
	}
	if _, ok := t.pinned[index]; ok {
		_ = t.keys.SetSticky(index, false)
		delete(t.pinned, index)
	}
	t.queue.Offer(expiry.Node{Index: index, Deadline: deadline(now, ttl)})
}

func (t *Table[V]) pin(index int) {
	if t.pinned == nil {
		t.pinned = make(map[int]struct{})
	}
	t.pinned[index] = struct{}{}
}

var (
	minDeadline = time.Unix(0, math.MinInt64)
	maxDeadline = time.Unix(0, math.MaxInt64)
)

// unixNano converts at to queue time, saturating outside the int64 range.
func unixNano(at time.Time) int64 {
	switch {
	case at.After(maxDeadline):
		return math.MaxInt64
	case at.Before(minDeadline):
		return math.MinInt64
	default:
		return at.UnixNano()
	}
}

// deadline returns now+ttl in queue time. Durations that would pass the end
// of the int64 clock saturate instead of wrapping.
func deadline(now time.Time, ttl time.Duration) int64 {
	base := unixNano(now)
	if base > 0 && int64(ttl) > math.MaxInt64-base {
		return math.MaxInt64
	}
	return base + int64(ttl)
}

// Deadline returns when index expires. ok is false for untimed or vacant
// entries.
func (t *Table[V]) Deadline(index int) (at time.Time, ok bool) {
	d, ok := t.queue.Deadline(index)
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(0, d), true
}

// Sticky reports whether the entry at index is exempt from displacement.
func (t *Table[V]) Sticky(index int) (bool, error) {
	return t.keys.Sticky(index)
}

// SetSticky changes the displacement exemption of one entry. An explicit
// setting is kept by later Renew calls.
func (t *Table[V]) SetSticky(index int, sticky bool) error {
	if err := t.keys.SetSticky(index, sticky); err != nil {
		return err
	}
	delete(t.pinned, index)
	return nil
}

// SetDefaultSticky sets the stickiness of future inserts only.
func (t *Table[V]) SetDefaultSticky(sticky bool) { t.keys.SetDefaultSticky(sticky) }

// Remove deletes the entry at index together with its expiration node.
func (t *Table[V]) Remove(index int) error {
	return t.remove(index, ReasonRemoved)
}

// RemoveKey reaps at now, then deletes the entry for key.
func (t *Table[V]) RemoveKey(key []byte, now time.Time) error {
	t.Reap(now)
	idx, err := t.keys.Lookup(key)
	if err != nil {
		return err
	}
	return t.remove(idx, ReasonRemoved)
}

// Reap removes every entry whose deadline is at or before now and returns how
// many were removed.
func (t *Table[V]) Reap(now time.Time) int {
	ns := now.UnixNano()
	n := 0
	for {
		node, ok := t.queue.PollDue(ns)
		if !ok {
			break
		}
		if err := t.drop(node.Index, ReasonExpired); err != nil {
			slog.Error("expiration node without entry", "table", t.name, "index", node.Index, "error", err)
			continue
		}
		n++
	}
	return n
}

// Clear removes all entries, reporting each with ReasonCleared.
func (t *Table[V]) Clear() {
	indices := make([]int, 0, t.keys.Len())
	t.keys.Range(func(index int, _ []byte, _ V) bool {
		indices = append(indices, index)
		return true
	})
	for _, idx := range indices {
		_ = t.remove(idx, ReasonCleared)
	}
}

// Range calls fn for every live entry until fn returns false. The table must
// not be modified during iteration.
func (t *Table[V]) Range(fn func(index int, key []byte, value V) bool) {
	t.keys.Range(fn)
}

// Len returns the number of live entries.
func (t *Table[V]) Len() int { return t.keys.Len() }

// Pending returns the number of scheduled expirations.
func (t *Table[V]) Pending() int { return t.queue.Len() }

// Stats returns a snapshot of the table counters.
func (t *Table[V]) Stats() Stats {
	return Stats{
		Stats:   t.keys.Stats(),
		Pending: uint64(t.queue.Len()),
		Expired: t.expired,
		Removed: t.removed,
		Cleared: t.cleared,
	}
}

// CheckInvariants verifies the key index and that every expiration node
// refers to a live entry.
func (t *Table[V]) CheckInvariants() error {
	if err := t.keys.CheckInvariants(); err != nil {
		return err
	}
	for node := range t.queue.All() {
		if _, err := t.keys.Get(node.Index); err != nil {
			return fmt.Errorf("expiration node for vacant index %d", node.Index)
		}
	}
	if t.queue.Len() > t.keys.Len() {
		return fmt.Errorf("%d expiration nodes for %d entries", t.queue.Len(), t.keys.Len())
	}
	for index := range t.pinned {
		sticky, err := t.keys.Sticky(index)
		if err != nil || !sticky || t.queue.Contains(index) {
			return fmt.Errorf("pinned index %d is not a live untimed sticky entry", index)
		}
	}
	return nil
}

func (t *Table[V]) remove(index int, reason Reason) error {
	if _, err := t.keys.Get(index); err != nil {
		return err
	}
	t.queue.Remove(index)
	return t.drop(index, reason)
}

// drop notifies the observer and vacates index. The queue side must already
// be gone.
func (t *Table[V]) drop(index int, reason Reason) error {
	value, err := t.keys.Get(index)
	if err != nil {
		return err
	}
	if t.onRemove != nil {
		key, _ := t.keys.Key(index)
		t.onRemove(index, key, value, reason)
	}
	if err := t.keys.Remove(index); err != nil {
		return err
	}
	delete(t.pinned, index)
	switch reason {
	case ReasonExpired:
		t.expired++
	case ReasonCleared:
		t.cleared++
	default:
		t.removed++
	}
	t.recordRemove(reason)
	return nil
}

// evicted runs inside cuckoo.Table.Insert when a homeless entry is dropped.
func (t *Table[V]) evicted(index int, key []byte, value V) {
	t.queue.Remove(index)
	delete(t.pinned, index)
	if t.onRemove != nil {
		t.onRemove(index, key, value, ReasonEvicted)
	}
	t.recordRemove(ReasonEvicted)
}

func (t *Table[V]) effectiveTTL(ttl time.Duration) time.Duration {
	if ttl == 0 {
		return t.defaultTTL
	}
	if ttl < 0 {
		return Infinite
	}
	return ttl
}

func (t *Table[V]) recordInsert() {
	if t.metrics == nil {
		return
	}
	t.metrics.inserts.Inc()
	t.metrics.sync(t.keys.Stats())
}

func (t *Table[V]) recordRemove(reason Reason) {
	if t.metrics == nil {
		return
	}
	t.metrics.removals[reason].Inc()
	t.metrics.entries.Set(float64(t.keys.Len()))
}
