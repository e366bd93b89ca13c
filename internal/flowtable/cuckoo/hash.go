package cuckoo

import "github.com/cespare/xxhash/v2"

// multipliers derive one bucket address per table from a single 64-bit key
// hash. They are distinct odd constants, so the per-table addresses are
// pairwise uncorrelated after the final mix.
var multipliers = [MaxTables]uint64{
	0x9e3779b97f4a7c15,
	0xc2b2ae3d27d4eb4f,
	0x165667b19e3779f9,
	0xd6e8feb86659fd93,
}

// hashKey returns the base hash all table addresses are derived from.
func hashKey(key []byte) uint64 {
	return xxhash.Sum64(key)
}

// mix64 is the splitmix64 finalizer.
func mix64(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}

// bucketOf returns the bucket number of a key with base hash h in table i.
func (t *Table[V]) bucketOf(h uint64, i int) int {
	return int(mix64((h^t.seeds[i])*multipliers[i]) & t.mask)
}

// next advances the victim-selection generator (xorshift64*).
func (t *Table[V]) next() uint64 {
	t.rng ^= t.rng >> 12
	t.rng ^= t.rng << 25
	t.rng ^= t.rng >> 27
	return t.rng * 0x2545f4914f6cdd1d
}
