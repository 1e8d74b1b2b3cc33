package media

import (
	"sort"
)

// LookupEntry points at a self-contained unit (fragment or cluster)
// starting at Time.
type LookupEntry struct {
	Time   int64
	Offset int64
}

// LookupTable is the optional sparse timestamp index read from the file
// (tfra or Cues). Entries are sorted by time. The file may lie; FindUnit
// compensates.
type LookupTable struct {
	Entries []LookupEntry
}

// Before returns the entry with the greatest time not after key.
func (t *LookupTable) Before(key int64) (LookupEntry, bool) {
	if t == nil {
		return LookupEntry{}, false
	}
	n := sort.Search(len(t.Entries), func(i int) bool {
		return t.Entries[i].Time > key
	})
	if n == 0 {
		return LookupEntry{}, false
	}
	return t.Entries[n-1], true
}

// PositionCache records units observed directly during scanning.
// Append-only, sorted by time, never evicted. Unlike the lookup table
// its entries are always correct.
type PositionCache struct {
	entries []LookupEntry
}

// Insert records a unit. Duplicate offsets are ignored.
func (c *PositionCache) Insert(time, offset int64) {
	n := sort.Search(len(c.entries), func(i int) bool {
		return c.entries[i].Offset >= offset
	})
	if n < len(c.entries) && c.entries[n].Offset == offset {
		return
	}
	c.entries = append(c.entries, LookupEntry{})
	copy(c.entries[n+1:], c.entries[n:])
	c.entries[n] = LookupEntry{Time: time, Offset: offset}
}

// Before returns the cached unit with the greatest time not after key.
func (c *PositionCache) Before(key int64) (LookupEntry, bool) {
	// Sorted by offset and by time alike: units appear in the file in
	// start-time order.
	n := sort.Search(len(c.entries), func(i int) bool {
		return c.entries[i].Time > key
	})
	if n == 0 {
		return LookupEntry{}, false
	}
	return c.entries[n-1], true
}

// Len returns the number of cached positions.
func (c *PositionCache) Len() int {
	return len(c.entries)
}

// FindUnit drives the shared unit search. scan starts a linear pass at
// fromOffset and reports whether it found a definitive match; it is
// expected to remember the best non-definitive match itself and to feed
// discovered units into the position cache.
//
// When a lookup-table entry chose the scan start but the scan came back
// empty, the entry is treated as lying and the search retries with the
// previous entry as the key, bounding index corruption to one extra
// linear pass.
func FindUnit(
	table *LookupTable,
	cache *PositionCache,
	baseOffset int64,
	target int64,
	scan func(fromOffset int64) (bool, error),
) (bool, error) {
	key := target
	for {
		start := baseOffset
		var tableEntry LookupEntry
		usedTable := false
		if e, ok := table.Before(key); ok {
			tableEntry = e
			start = e.Offset
			usedTable = true
		}
		if e, ok := cache.Before(target); ok && e.Offset >= start {
			start = e.Offset
			usedTable = false
		}

		found, err := scan(start)
		if err != nil || found {
			return found, err
		}
		if !usedTable {
			return false, nil
		}
		key = tableEntry.Time - 1
	}
}
