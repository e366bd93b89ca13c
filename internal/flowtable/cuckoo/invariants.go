package cuckoo

import "fmt"

// CheckInvariants verifies the internal structure: every live entry sits in
// one of its candidate buckets, bucket references and slot positions agree,
// no key is stored twice, and the live count is exact. It is O(n) and meant
// for tests and debug builds.
func (t *Table[V]) CheckInvariants() error {
	live := 0
	seen := make(map[string]int, t.count)
	for idx := range t.slots {
		s := &t.slots[idx]
		if !s.occupied {
			continue
		}
		live++
		if !s.placed {
			return fmt.Errorf("entry %d is live but not placed", idx)
		}
		if got := int(t.buckets[s.table][s.pos]) - 1; got != idx {
			return fmt.Errorf("entry %d records position %d/%d holding %d", idx, s.table, s.pos, got)
		}
		if home := t.bucketOf(s.hash, int(s.table)); int(s.pos)/t.bucketSize != home {
			return fmt.Errorf("entry %d in bucket %d of table %d, home is %d",
				idx, int(s.pos)/t.bucketSize, s.table, home)
		}
		if s.hash != hashKey(t.keyAt(idx)) {
			return fmt.Errorf("entry %d has stale hash", idx)
		}
		k := string(t.keyAt(idx))
		if other, dup := seen[k]; dup {
			return fmt.Errorf("entries %d and %d share key %x", other, idx, k)
		}
		seen[k] = idx
	}
	if live != t.count {
		return fmt.Errorf("count %d, live entries %d", t.count, live)
	}
	refs := 0
	for i, tbl := range t.buckets {
		for pos, ref := range tbl {
			if ref == 0 {
				continue
			}
			refs++
			idx := int(ref - 1)
			if idx >= len(t.slots) || !t.slots[idx].occupied {
				return fmt.Errorf("bucket ref %d/%d points at vacant entry %d", i, pos, idx)
			}
		}
	}
	if refs != live {
		return fmt.Errorf("%d bucket refs for %d live entries", refs, live)
	}
	return nil
}
