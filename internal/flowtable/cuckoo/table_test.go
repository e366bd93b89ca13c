package cuckoo

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/flowtrack/internal/core"
)

const testKeySize = 16

// intKey encodes n big-endian into the last 8 bytes of a testKeySize key.
func intKey(n uint64) []byte {
	k := make([]byte, testKeySize)
	binary.BigEndian.PutUint64(k[testKeySize-8:], n)
	return k
}

func newTestTable(t *testing.T, cfg Config) *Table[string] {
	t.Helper()
	if cfg.KeySize == 0 {
		cfg.KeySize = testKeySize
	}
	tbl, err := New[string](cfg)
	require.NoError(t, err)
	return tbl
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want error
	}{
		{"zero key size", Config{}, core.ErrInvalidKeyLength},
		{"oversized key", Config{KeySize: MaxKeySize + 1}, core.ErrInvalidKeyLength},
		{"single table", Config{KeySize: 4, NumTables: 1}, core.ErrConfigInvalid},
		{"too many tables", Config{KeySize: 4, NumTables: MaxTables + 1}, core.ErrConfigInvalid},
		{"growth factor 3", Config{KeySize: 4, GrowthFactor: 3}, core.ErrConfigInvalid},
		{"negative kicks", Config{KeySize: 4, MaxKicks: -1}, core.ErrConfigInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New[int](tt.cfg)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestNew_Sizing(t *testing.T) {
	tbl := newTestTable(t, Config{})
	// 1024 entries, 2 tables of 4-slot buckets, load factor 1/2.
	assert.Equal(t, 256, tbl.Capacity())
	assert.Equal(t, 2048, tbl.SlotCapacity())
	assert.Equal(t, 0, tbl.Len())
	assert.Equal(t, kicksPerLevel*9, tbl.MaxKicks())
}

func TestTable_ObservedScenario(t *testing.T) {
	tbl := newTestTable(t, Config{KeySize: MaxKeySize})
	key := make([]byte, MaxKeySize)

	_, err := tbl.Lookup(key)
	assert.ErrorIs(t, err, core.ErrNotFound)

	binary.BigEndian.PutUint64(key, 10)
	idx, err := tbl.Insert(key, "entry1", false)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, idx, 0)

	v, err := tbl.Get(idx)
	require.NoError(t, err)
	assert.Equal(t, "entry1", v)

	binary.BigEndian.PutUint64(key, 1234)
	_, err = tbl.Lookup(key)
	assert.ErrorIs(t, err, core.ErrNotFound)

	binary.BigEndian.PutUint64(key, 10)
	got, err := tbl.Lookup(key)
	require.NoError(t, err)
	assert.Equal(t, idx, got)

	fresh := newTestTable(t, Config{KeySize: MaxKeySize})
	for i := 0; i < DefaultInitialCapacity; i++ {
		binary.BigEndian.PutUint64(key, uint64(i))
		idx, err := fresh.Insert(key, fmt.Sprintf("v%d", i), false)
		require.NoError(t, err, "insert %d", i)
		got, err := fresh.Lookup(key)
		require.NoError(t, err, "lookup %d", i)
		require.Equal(t, idx, got)
	}
	assert.Equal(t, DefaultInitialCapacity, fresh.Len())
	assert.Zero(t, fresh.Stats().Grows, "default capacity must hold C0 keys without growing")
	require.NoError(t, fresh.CheckInvariants())
}

func TestTable_RoundTrip(t *testing.T) {
	tbl := newTestTable(t, Config{InitialCapacity: 64})
	indices := make(map[uint64]int)
	for i := uint64(0); i < 500; i++ {
		idx, err := tbl.Insert(intKey(i), fmt.Sprint(i), false)
		require.NoError(t, err)
		indices[i] = idx
	}
	assert.Greater(t, tbl.Stats().Grows, uint64(0))

	for i, idx := range indices {
		got, err := tbl.Lookup(intKey(i))
		require.NoError(t, err)
		assert.Equal(t, idx, got, "index must survive rehash")
		v, err := tbl.Get(got)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprint(i), v)
	}
	require.NoError(t, tbl.CheckInvariants())
}

func TestTable_DuplicateKey(t *testing.T) {
	tbl := newTestTable(t, Config{})
	idx, err := tbl.Insert(intKey(1), "a", false)
	require.NoError(t, err)

	_, err = tbl.Insert(intKey(1), "b", false)
	assert.ErrorIs(t, err, core.ErrDuplicateKey)

	v, _ := tbl.Get(idx)
	assert.Equal(t, "a", v, "duplicate insert must not overwrite")
	assert.Equal(t, 1, tbl.Len())
}

func TestTable_InvalidKeyLength(t *testing.T) {
	tbl := newTestTable(t, Config{})
	_, err := tbl.Insert(make([]byte, testKeySize-1), "x", false)
	assert.ErrorIs(t, err, core.ErrInvalidKeyLength)
	_, err = tbl.Lookup(make([]byte, testKeySize+1))
	assert.ErrorIs(t, err, core.ErrInvalidKeyLength)
	assert.Equal(t, 0, tbl.Len())
}

func TestTable_RemoveAndReuse(t *testing.T) {
	tbl := newTestTable(t, Config{})
	a, _ := tbl.Insert(intKey(1), "a", false)
	b, _ := tbl.Insert(intKey(2), "b", false)

	require.NoError(t, tbl.Remove(a))
	_, err := tbl.Lookup(intKey(1))
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = tbl.Get(a)
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.ErrorIs(t, tbl.Remove(a), core.ErrNotFound)

	c, err := tbl.Insert(intKey(3), "c", false)
	require.NoError(t, err)
	assert.Equal(t, a, c, "vacated index is reused")

	v, _ := tbl.Get(b)
	assert.Equal(t, "b", v)
	require.NoError(t, tbl.CheckInvariants())
}

func TestTable_UpdateKeepsIdentity(t *testing.T) {
	tbl := newTestTable(t, Config{})
	idx, _ := tbl.Insert(intKey(7), "old", true)

	require.NoError(t, tbl.Update(idx, "new"))
	v, _ := tbl.Get(idx)
	assert.Equal(t, "new", v)

	key, err := tbl.Key(idx)
	require.NoError(t, err)
	assert.Equal(t, intKey(7), key)
	sticky, _ := tbl.Sticky(idx)
	assert.True(t, sticky)

	assert.ErrorIs(t, tbl.Update(99, "x"), core.ErrNotFound)
	assert.ErrorIs(t, tbl.Update(-1, "x"), core.ErrNotFound)
}

func TestTable_DefaultSticky(t *testing.T) {
	tbl := newTestTable(t, Config{})
	before, _ := tbl.Add(intKey(1), "before")

	tbl.SetDefaultSticky(true)
	assert.True(t, tbl.DefaultSticky())
	after, _ := tbl.Add(intKey(2), "after")

	s, _ := tbl.Sticky(before)
	assert.False(t, s, "default only applies to later inserts")
	s, _ = tbl.Sticky(after)
	assert.True(t, s)
}

func TestTable_EvictsNonStickyAtMaxCapacity(t *testing.T) {
	// One single-slot bucket per table: two slots in total.
	tbl := newTestTable(t, Config{InitialCapacity: 1, MaxEntries: 2, BucketSize: 1})
	require.Equal(t, 2, tbl.SlotCapacity())

	var evicted []string
	tbl.OnEvict(func(index int, key []byte, value string) {
		evicted = append(evicted, value)
	})

	a, err := tbl.Insert(intKey(1), "a", true)
	require.NoError(t, err)
	_, err = tbl.Insert(intKey(2), "b", false)
	require.NoError(t, err)

	c, err := tbl.Insert(intKey(3), "c", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, evicted)

	_, err = tbl.Insert(intKey(4), "d", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, evicted)

	v, err := tbl.Get(a)
	require.NoError(t, err)
	assert.Equal(t, "a", v, "sticky entry is never displaced")
	_, err = tbl.Get(c)
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.Equal(t, 2, tbl.Len())
	assert.Equal(t, uint64(2), tbl.Stats().Evictions)
	require.NoError(t, tbl.CheckInvariants())
}

func TestTable_AllStickyIsCapacityExceeded(t *testing.T) {
	tbl := newTestTable(t, Config{InitialCapacity: 1, MaxEntries: 2, BucketSize: 1})
	_, err := tbl.Insert(intKey(1), "a", true)
	require.NoError(t, err)
	_, err = tbl.Insert(intKey(2), "b", true)
	require.NoError(t, err)

	_, err = tbl.Insert(intKey(3), "c", false)
	assert.ErrorIs(t, err, core.ErrCapacityExceeded)
	assert.Equal(t, 2, tbl.Len())
	_, err = tbl.Lookup(intKey(3))
	assert.ErrorIs(t, err, core.ErrNotFound)
	require.NoError(t, tbl.CheckInvariants())

	// A failed insert leaves its handle free for the next one.
	_, err = tbl.Insert(intKey(3), "c", false)
	assert.ErrorIs(t, err, core.ErrCapacityExceeded)
	assert.Equal(t, uint64(2), tbl.Stats().Failures)
}

func TestTable_StickyExemptUnderPressure(t *testing.T) {
	tbl := newTestTable(t, Config{InitialCapacity: 16, MaxEntries: 64})
	sticky := make(map[int]string)
	for i := 0; i < 8; i++ {
		v := fmt.Sprintf("sticky-%d", i)
		idx, err := tbl.Insert(intKey(uint64(1_000_000+i)), v, true)
		require.NoError(t, err)
		sticky[idx] = v
	}
	for i := 0; i < 5000; i++ {
		_, err := tbl.Insert(intKey(uint64(i)), "bulk", false)
		if err != nil {
			require.ErrorIs(t, err, core.ErrCapacityExceeded)
		}
	}
	assert.Greater(t, tbl.Stats().Evictions, uint64(0))
	for idx, want := range sticky {
		got, err := tbl.Get(idx)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.LessOrEqual(t, tbl.Len(), tbl.SlotCapacity())
	require.NoError(t, tbl.CheckInvariants())
}

func TestTable_CapacityExceededIsAtomic(t *testing.T) {
	// No displacement allowed and growth blocked: a full candidate pair fails.
	tbl := newTestTable(t, Config{InitialCapacity: 1, MaxEntries: 2, BucketSize: 1, MaxKicks: 1})
	a, _ := tbl.Insert(intKey(1), "a", true)
	b, _ := tbl.Insert(intKey(2), "b", true)
	before := tbl.Stats()

	_, err := tbl.Insert(intKey(3), "c", true)
	require.True(t, errors.Is(err, core.ErrCapacityExceeded))

	va, _ := tbl.Get(a)
	vb, _ := tbl.Get(b)
	assert.Equal(t, "a", va)
	assert.Equal(t, "b", vb)
	assert.Equal(t, before.Len, tbl.Len())
	require.NoError(t, tbl.CheckInvariants())
}

func TestTable_RandomOperations(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	tbl := newTestTable(t, Config{InitialCapacity: 32, NumTables: 3, BucketSize: 2})
	model := make(map[uint64]string)

	for op := 0; op < 20000; op++ {
		k := uint64(rng.Intn(2000))
		switch rng.Intn(3) {
		case 0, 1:
			v := fmt.Sprint(op)
			_, err := tbl.Insert(intKey(k), v, false)
			if _, exists := model[k]; exists {
				require.ErrorIs(t, err, core.ErrDuplicateKey)
			} else {
				require.NoError(t, err)
				model[k] = v
			}
		case 2:
			idx, err := tbl.Lookup(intKey(k))
			if _, exists := model[k]; !exists {
				require.ErrorIs(t, err, core.ErrNotFound)
				continue
			}
			require.NoError(t, err)
			require.NoError(t, tbl.Remove(idx))
			delete(model, k)
		}
	}

	require.Equal(t, len(model), tbl.Len())
	for k, v := range model {
		idx, err := tbl.Lookup(intKey(k))
		require.NoError(t, err)
		got, _ := tbl.Get(idx)
		require.Equal(t, v, got)
	}
	require.NoError(t, tbl.CheckInvariants())
}

func TestTable_Range(t *testing.T) {
	tbl := newTestTable(t, Config{})
	for i := uint64(0); i < 10; i++ {
		_, _ = tbl.Insert(intKey(i), fmt.Sprint(i), false)
	}
	seen := 0
	tbl.Range(func(index int, key []byte, value string) bool {
		seen++
		assert.Equal(t, fmt.Sprint(binary.BigEndian.Uint64(key[testKeySize-8:])), value)
		return true
	})
	assert.Equal(t, 10, seen)

	stopped := 0
	tbl.Range(func(int, []byte, string) bool {
		stopped++
		return stopped < 3
	})
	assert.Equal(t, 3, stopped)
}

func BenchmarkTable_Lookup(b *testing.B) {
	tbl, _ := New[int](Config{KeySize: testKeySize, InitialCapacity: 1 << 16})
	for i := 0; i < 1<<16; i++ {
		_, _ = tbl.Insert(intKey(uint64(i)), i, false)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = tbl.Lookup(intKey(uint64(i & 0xffff)))
	}
}
