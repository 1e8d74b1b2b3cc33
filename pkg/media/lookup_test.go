package media

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLookupTableBefore(t *testing.T) {
	table := &LookupTable{Entries: []LookupEntry{
		{Time: 0, Offset: 100},
		{Time: 50, Offset: 200},
		{Time: 90, Offset: 300},
	}}

	e, ok := table.Before(49)
	require.True(t, ok)
	require.Equal(t, int64(100), e.Offset)

	e, ok = table.Before(50)
	require.True(t, ok)
	require.Equal(t, int64(200), e.Offset)

	e, ok = table.Before(1000)
	require.True(t, ok)
	require.Equal(t, int64(300), e.Offset)

	_, ok = table.Before(-1)
	require.False(t, ok)

	var nilTable *LookupTable
	_, ok = nilTable.Before(10)
	require.False(t, ok)
}

func TestPositionCache(t *testing.T) {
	var c PositionCache
	c.Insert(50, 200)
	c.Insert(0, 100)
	c.Insert(90, 300)
	c.Insert(50, 200) // Duplicate.
	require.Equal(t, 3, c.Len())

	e, ok := c.Before(60)
	require.True(t, ok)
	require.Equal(t, int64(200), e.Offset)

	_, ok = c.Before(-1)
	require.False(t, ok)
}

func TestFindUnitUsesTable(t *testing.T) {
	table := &LookupTable{Entries: []LookupEntry{
		{Time: 0, Offset: 100},
		{Time: 50, Offset: 200},
	}}
	var cache PositionCache

	var starts []int64
	found, err := FindUnit(table, &cache, 0, 60, func(from int64) (bool, error) {
		starts = append(starts, from)
		return true, nil
	})
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []int64{200}, starts)
}

func TestFindUnitLyingTable(t *testing.T) {
	// The table claims a unit for time 50 at offset 200 but the scan
	// from there finds nothing; the search must retry with the
	// previous entry, and finally from the base offset.
	table := &LookupTable{Entries: []LookupEntry{
		{Time: 0, Offset: 100},
		{Time: 50, Offset: 200},
	}}
	var cache PositionCache

	var starts []int64
	found, err := FindUnit(table, &cache, 7, 60, func(from int64) (bool, error) {
		starts = append(starts, from)
		return from == 100, nil
	})
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []int64{200, 100}, starts)
}

func TestFindUnitExhaustsToBase(t *testing.T) {
	table := &LookupTable{Entries: []LookupEntry{
		{Time: 50, Offset: 200},
	}}
	var cache PositionCache

	var starts []int64
	found, err := FindUnit(table, &cache, 7, 60, func(from int64) (bool, error) {
		starts = append(starts, from)
		return false, nil
	})
	require.NoError(t, err)
	require.False(t, found)
	require.Equal(t, []int64{200, 7}, starts)
}

func TestFindUnitPrefersCache(t *testing.T) {
	table := &LookupTable{Entries: []LookupEntry{
		{Time: 0, Offset: 100},
	}}
	var cache PositionCache
	cache.Insert(40, 150)

	var starts []int64
	found, err := FindUnit(table, &cache, 0, 60, func(from int64) (bool, error) {
		starts = append(starts, from)
		return true, nil
	})
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []int64{150}, starts)
}

func TestFindUnitCacheMissIsFinal(t *testing.T) {
	// When the cache chose the start, an empty scan is definitive and
	// must not retry.
	var cache PositionCache
	cache.Insert(40, 150)

	var starts []int64
	found, err := FindUnit(nil, &cache, 0, 60, func(from int64) (bool, error) {
		starts = append(starts, from)
		return false, nil
	})
	require.NoError(t, err)
	require.False(t, found)
	require.Equal(t, []int64{150}, starts)
}
