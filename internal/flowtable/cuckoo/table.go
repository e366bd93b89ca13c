// Package cuckoo implements a fixed-key-size index built on bucketized cuckoo
// hashing. Entries are addressed by stable integer handles: an entry keeps its
// index while it is displaced between buckets or rehashed into larger tables,
// and the index is only reused after the entry is removed.
//
// A Table is not safe for concurrent use.
package cuckoo

import (
	"bytes"
	"fmt"
	"math"
	"math/bits"

	"firestige.xyz/flowtrack/internal/core"
)

const (
	MaxKeySize = 64 // Upper bound for Config.KeySize
	MaxTables  = 4  // Upper bound for Config.NumTables

	DefaultInitialCapacity = 1024
	DefaultNumTables       = 2
	DefaultBucketSize      = 4
	DefaultGrowthFactor    = 2

	minMaxKicks       = 32
	kicksPerLevel     = 8 // auto MaxKicks = kicksPerLevel * log2(buckets)
	maxRehashAttempts = 4
)

// Config configures a Table.
type Config struct {
	KeySize         int    // Exact key length in bytes (required, 1..MaxKeySize)
	InitialCapacity int    // Entries that fit without growing (default 1024)
	MaxEntries      int    // Slot bound; growth stops here and eviction kicks in (0 = unbounded)
	NumTables       int    // Number of hash tables (default 2)
	BucketSize      int    // Slots per bucket (default 4)
	MaxKicks        int    // Displacement limit per insert (0 = derived from capacity)
	GrowthFactor    int    // Capacity multiplier on grow, power of two (default 2)
	DefaultSticky   bool   // Stickiness used by Add
	Seed            uint64 // Hash and victim-selection seed
}

// EvictFunc is called when a non-sticky entry is dropped to make room for an
// insert in a table that cannot grow any further. key is only valid for the
// duration of the call. The callback must not modify the table.
type EvictFunc[V any] func(index int, key []byte, value V)

// Stats holds table counters.
type Stats struct {
	Len       int
	Capacity  int // Buckets per table
	Slots     int // Total slot count across all tables
	Inserts   uint64
	Removes   uint64
	Kicks     uint64
	Grows     uint64
	Evictions uint64
	Failures  uint64
}

type slot[V any] struct {
	value    V
	hash     uint64
	pos      int32 // Flat position inside buckets[table]
	table    uint8
	occupied bool
	placed   bool
	sticky   bool
}

// move records one displacement so a failed insert can be rolled back.
type move struct {
	table int
	pos   int
	prev  int // Index of the entry that occupied the position before
}

// Table is a key to index map with bounded lookup cost.
type Table[V any] struct {
	keySize      int
	numTables    int
	bucketSize   int
	growthFactor int
	fixedKicks   int
	maxKicks     int
	maxBuckets   int // 0 = unbounded

	capacity int // Buckets per table, power of two
	mask     uint64
	buckets  [][]int32 // Per table: capacity*bucketSize slot refs, index+1 (0 = empty)

	slots []slot[V]
	keys  []byte // Key arena, index*keySize
	free  []int
	count int

	seeds         [MaxTables]uint64
	rng           uint64
	defaultSticky bool
	onEvict       EvictFunc[V]
	path          []move
	stats         Stats
}

// New creates a table sized so that InitialCapacity distinct keys fit without
// growing.
func New[V any](cfg Config) (*Table[V], error) {
	if cfg.KeySize <= 0 || cfg.KeySize > MaxKeySize {
		return nil, fmt.Errorf("%w: key size %d outside 1..%d", core.ErrInvalidKeyLength, cfg.KeySize, MaxKeySize)
	}
	if cfg.InitialCapacity <= 0 {
		cfg.InitialCapacity = DefaultInitialCapacity
	}
	if cfg.NumTables == 0 {
		cfg.NumTables = DefaultNumTables
	}
	if cfg.NumTables < 2 || cfg.NumTables > MaxTables {
		return nil, fmt.Errorf("%w: num_tables %d outside 2..%d", core.ErrConfigInvalid, cfg.NumTables, MaxTables)
	}
	if cfg.BucketSize == 0 {
		cfg.BucketSize = DefaultBucketSize
	}
	if cfg.BucketSize < 1 {
		return nil, fmt.Errorf("%w: bucket_size %d", core.ErrConfigInvalid, cfg.BucketSize)
	}
	if cfg.GrowthFactor == 0 {
		cfg.GrowthFactor = DefaultGrowthFactor
	}
	if cfg.GrowthFactor < 2 || cfg.GrowthFactor&(cfg.GrowthFactor-1) != 0 {
		return nil, fmt.Errorf("%w: growth_factor %d must be a power of two >= 2", core.ErrConfigInvalid, cfg.GrowthFactor)
	}
	if cfg.MaxKicks < 0 || cfg.MaxEntries < 0 {
		return nil, fmt.Errorf("%w: negative max_kicks or max_entries", core.ErrConfigInvalid)
	}

	t := &Table[V]{
		keySize:       cfg.KeySize,
		numTables:     cfg.NumTables,
		bucketSize:    cfg.BucketSize,
		growthFactor:  cfg.GrowthFactor,
		fixedKicks:    cfg.MaxKicks,
		defaultSticky: cfg.DefaultSticky,
	}

	// Two slots per expected entry keeps the initial load factor at or below
	// one half.
	capacity := nextPow2(ceilDiv(2*cfg.InitialCapacity, t.numTables*t.bucketSize))
	if cfg.MaxEntries > 0 {
		t.maxBuckets = nextPow2(ceilDiv(cfg.MaxEntries, t.numTables*t.bucketSize))
		if capacity > t.maxBuckets {
			capacity = t.maxBuckets
		}
	}

	s := cfg.Seed
	for i := range t.seeds {
		s += 0x9e3779b97f4a7c15
		t.seeds[i] = mix64(s)
	}
	t.rng = mix64(cfg.Seed^0x5851f42d4c957f2d) | 1

	t.buckets = t.allocBuckets(capacity)
	t.setCapacity(capacity)
	return t, nil
}

// Lookup returns the index of key, or core.ErrNotFound.
func (t *Table[V]) Lookup(key []byte) (int, error) {
	if len(key) != t.keySize {
		return -1, t.keyLengthError(len(key))
	}
	if idx := t.find(key, hashKey(key)); idx >= 0 {
		return idx, nil
	}
	return -1, core.ErrNotFound
}

// Add inserts key with the table's default stickiness.
func (t *Table[V]) Add(key []byte, value V) (int, error) {
	return t.Insert(key, value, t.defaultSticky)
}

// Insert adds a new entry and returns its index. Inserting a key that is
// already present fails with core.ErrDuplicateKey; use Update instead.
//
// When no free slot is reachable within MaxKicks displacements the table
// grows and the insert is retried once. A table that reached MaxEntries
// instead drops the non-sticky entry left without a home and reports it to
// the EvictFunc. core.ErrCapacityExceeded is returned when neither works; the
// table is left unchanged in that case.
func (t *Table[V]) Insert(key []byte, value V, sticky bool) (int, error) {
	if len(key) != t.keySize {
		return -1, t.keyLengthError(len(key))
	}
	h := hashKey(key)
	if t.find(key, h) >= 0 {
		return -1, core.ErrDuplicateKey
	}
	if len(t.slots) >= math.MaxInt32 && len(t.free) == 0 {
		t.stats.Failures++
		return -1, fmt.Errorf("%w: slot handles exhausted", core.ErrCapacityExceeded)
	}

	idx := t.alloc(key, h, value, sticky)
	homeless, ok := t.place(idx)
	if !ok && t.canGrow() {
		t.undo()
		t.grow()
		homeless, ok = t.place(idx)
	}
	if !ok {
		if homeless == idx || t.canGrow() {
			t.undo()
			t.release(idx)
			t.stats.Failures++
			return -1, fmt.Errorf("%w: no home after %d kicks with %d buckets per table",
				core.ErrCapacityExceeded, t.maxKicks, t.capacity)
		}
		t.evict(homeless)
	}

	t.path = t.path[:0]
	t.count++
	t.stats.Inserts++
	return idx, nil
}

// Get returns the value stored at index.
func (t *Table[V]) Get(index int) (V, error) {
	s, err := t.slot(index)
	if err != nil {
		var zero V
		return zero, err
	}
	return s.value, nil
}

// Update replaces the value at index. Key, index and stickiness are kept.
func (t *Table[V]) Update(index int, value V) error {
	s, err := t.slot(index)
	if err != nil {
		return err
	}
	s.value = value
	return nil
}

// Remove vacates index. The index may be handed out again by a later insert.
func (t *Table[V]) Remove(index int) error {
	s, err := t.slot(index)
	if err != nil {
		return err
	}
	t.buckets[s.table][s.pos] = 0
	t.release(index)
	t.count--
	t.stats.Removes++
	return nil
}

// Key returns the key stored at index. The returned slice aliases table
// memory and is only valid until the index is removed.
func (t *Table[V]) Key(index int) ([]byte, error) {
	if _, err := t.slot(index); err != nil {
		return nil, err
	}
	return t.keyAt(index), nil
}

// Sticky reports whether the entry at index is exempt from displacement.
func (t *Table[V]) Sticky(index int) (bool, error) {
	s, err := t.slot(index)
	if err != nil {
		return false, err
	}
	return s.sticky, nil
}

// SetSticky changes the displacement exemption of one entry.
func (t *Table[V]) SetSticky(index int, sticky bool) error {
	s, err := t.slot(index)
	if err != nil {
		return err
	}
	s.sticky = sticky
	return nil
}

// SetDefaultSticky sets the stickiness Add uses. Existing entries keep theirs.
func (t *Table[V]) SetDefaultSticky(sticky bool) { t.defaultSticky = sticky }

// DefaultSticky returns the stickiness Add uses.
func (t *Table[V]) DefaultSticky() bool { return t.defaultSticky }

// OnEvict registers the callback for pressure evictions.
func (t *Table[V]) OnEvict(fn EvictFunc[V]) { t.onEvict = fn }

// Range calls fn for every live entry until fn returns false. The table must
// not be modified during iteration.
func (t *Table[V]) Range(fn func(index int, key []byte, value V) bool) {
	for i := range t.slots {
		if !t.slots[i].occupied {
			continue
		}
		if !fn(i, t.keyAt(i), t.slots[i].value) {
			return
		}
	}
}

// Len returns the number of live entries.
func (t *Table[V]) Len() int { return t.count }

// Capacity returns the number of buckets per table.
func (t *Table[V]) Capacity() int { return t.capacity }

// SlotCapacity returns the total number of slots across all tables.
func (t *Table[V]) SlotCapacity() int { return t.numTables * t.capacity * t.bucketSize }

// KeySize returns the exact key length the table accepts.
func (t *Table[V]) KeySize() int { return t.keySize }

// MaxKicks returns the current displacement limit.
func (t *Table[V]) MaxKicks() int { return t.maxKicks }

// Stats returns a snapshot of the table counters.
func (t *Table[V]) Stats() Stats {
	st := t.stats
	st.Len = t.count
	st.Capacity = t.capacity
	st.Slots = t.SlotCapacity()
	return st
}

func (t *Table[V]) find(key []byte, h uint64) int {
	for i := 0; i < t.numTables; i++ {
		start := t.bucketOf(h, i) * t.bucketSize
		for _, ref := range t.buckets[i][start : start+t.bucketSize] {
			if ref == 0 {
				continue
			}
			idx := int(ref - 1)
			if t.slots[idx].hash == h && bytes.Equal(t.keyAt(idx), key) {
				return idx
			}
		}
	}
	return -1
}

// place homes idx, displacing non-sticky occupants for at most maxKicks
// moves. On failure it returns the entry that was left without a home, which
// is idx itself when no victim could be chosen. Moves are recorded in t.path.
func (t *Table[V]) place(idx int) (int, bool) {
	t.path = t.path[:0]
	cur, from := idx, -1
	for kicks := 0; ; kicks++ {
		h := t.slots[cur].hash
		if t.placeFree(cur, h) {
			return -1, true
		}
		if kicks >= t.maxKicks {
			return cur, false
		}
		tbl, pos, ok := t.pickVictim(h, from)
		if !ok {
			return cur, false
		}
		victim := int(t.buckets[tbl][pos] - 1)
		t.path = append(t.path, move{table: tbl, pos: pos, prev: victim})
		t.setRef(tbl, pos, cur)
		t.slots[victim].placed = false
		t.stats.Kicks++
		cur, from = victim, tbl
	}
}

func (t *Table[V]) placeFree(idx int, h uint64) bool {
	for i := 0; i < t.numTables; i++ {
		start := t.bucketOf(h, i) * t.bucketSize
		for pos := start; pos < start+t.bucketSize; pos++ {
			if t.buckets[i][pos] == 0 {
				t.setRef(i, pos, idx)
				return true
			}
		}
	}
	return false
}

// pickVictim chooses a non-sticky occupant from the candidate buckets of h,
// skipping table from (where the current entry was just evicted from).
// Starting table and bucket position are randomized to avoid cycles.
func (t *Table[V]) pickVictim(h uint64, from int) (int, int, bool) {
	r := t.next()
	firstTable := int(r % uint64(t.numTables))
	firstPos := int((r >> 32) % uint64(t.bucketSize))
	for n := 0; n < t.numTables; n++ {
		i := (firstTable + n) % t.numTables
		if i == from {
			continue
		}
		start := t.bucketOf(h, i) * t.bucketSize
		for k := 0; k < t.bucketSize; k++ {
			pos := start + (firstPos+k)%t.bucketSize
			if !t.slots[t.buckets[i][pos]-1].sticky {
				return i, pos, true
			}
		}
	}
	return 0, 0, false
}

// undo rolls back the moves of the last place call.
func (t *Table[V]) undo() {
	for i := len(t.path) - 1; i >= 0; i-- {
		m := t.path[i]
		t.slots[t.buckets[m.table][m.pos]-1].placed = false
		t.setRef(m.table, m.pos, m.prev)
	}
	t.path = t.path[:0]
}

func (t *Table[V]) canGrow() bool {
	return t.maxBuckets == 0 || t.capacity < t.maxBuckets
}

// grow rehashes all placed entries into larger bucket arrays. Indices do not
// change. A rehash that fails keeps the old arrays and tries the next size.
func (t *Table[V]) grow() bool {
	capacity := t.capacity
	for attempt := 0; attempt < maxRehashAttempts; attempt++ {
		if t.maxBuckets > 0 && capacity >= t.maxBuckets {
			return false
		}
		capacity *= t.growthFactor
		if t.maxBuckets > 0 && capacity > t.maxBuckets {
			capacity = t.maxBuckets
		}
		if t.rehash(capacity) {
			t.stats.Grows++
			return true
		}
	}
	return false
}

func (t *Table[V]) rehash(capacity int) bool {
	oldBuckets, oldCapacity := t.buckets, t.capacity
	t.buckets = t.allocBuckets(capacity)
	t.setCapacity(capacity)

	for idx := range t.slots {
		s := &t.slots[idx]
		if !s.occupied || !s.placed {
			continue
		}
		s.placed = false
		if _, ok := t.place(idx); !ok {
			t.buckets = oldBuckets
			t.setCapacity(oldCapacity)
			for i, tbl := range oldBuckets {
				for pos, ref := range tbl {
					if ref != 0 {
						t.setRef(i, pos, int(ref-1))
					}
				}
			}
			t.path = t.path[:0]
			return false
		}
	}
	t.path = t.path[:0]
	return true
}

func (t *Table[V]) evict(idx int) {
	s := &t.slots[idx]
	if s.placed {
		t.buckets[s.table][s.pos] = 0
	}
	if t.onEvict != nil {
		t.onEvict(idx, t.keyAt(idx), s.value)
	}
	t.release(idx)
	t.count--
	t.stats.Evictions++
}

func (t *Table[V]) alloc(key []byte, h uint64, value V, sticky bool) int {
	var idx int
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
		copy(t.keyAt(idx), key)
	} else {
		idx = len(t.slots)
		t.slots = append(t.slots, slot[V]{})
		t.keys = append(t.keys, key...)
	}
	t.slots[idx] = slot[V]{value: value, hash: h, occupied: true, sticky: sticky}
	return idx
}

func (t *Table[V]) release(idx int) {
	t.slots[idx] = slot[V]{}
	t.free = append(t.free, idx)
}

func (t *Table[V]) setRef(tbl, pos, idx int) {
	t.buckets[tbl][pos] = int32(idx + 1)
	s := &t.slots[idx]
	s.table = uint8(tbl)
	s.pos = int32(pos)
	s.placed = true
}

func (t *Table[V]) slot(index int) (*slot[V], error) {
	if index < 0 || index >= len(t.slots) || !t.slots[index].occupied {
		return nil, fmt.Errorf("%w: index %d", core.ErrNotFound, index)
	}
	return &t.slots[index], nil
}

func (t *Table[V]) keyAt(idx int) []byte {
	off := idx * t.keySize
	return t.keys[off : off+t.keySize : off+t.keySize]
}

func (t *Table[V]) allocBuckets(capacity int) [][]int32 {
	b := make([][]int32, t.numTables)
	for i := range b {
		b[i] = make([]int32, capacity*t.bucketSize)
	}
	return b
}

func (t *Table[V]) setCapacity(capacity int) {
	t.capacity = capacity
	t.mask = uint64(capacity - 1)
	t.maxKicks = t.fixedKicks
	if t.maxKicks == 0 {
		t.maxKicks = max(minMaxKicks, kicksPerLevel*bits.Len(uint(capacity)))
	}
}

func (t *Table[V]) keyLengthError(n int) error {
	return fmt.Errorf("%w: got %d bytes, want %d", core.ErrInvalidKeyLength, n, t.keySize)
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }

func nextPow2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}
