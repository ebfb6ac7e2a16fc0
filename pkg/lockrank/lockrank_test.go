package lockrank

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOrderedAcquisition(t *testing.T) {
	h := NewHeld()
	regions := New("regions", RankRegions)
	table := New("table", RankTable)
	alloc := New("alloc", RankAllocator)

	regions.Lock(h)
	table.RLock(h)
	alloc.Lock(h)
	require.Equal(t, 3, h.Depth())
	require.True(t, h.Holds(RankTable))
	alloc.Unlock(h)
	table.RUnlock(h)
	regions.Unlock(h)
	require.Equal(t, 0, h.Depth())
}

func TestOutOfOrderPanics(t *testing.T) {
	h := NewHeld()
	table := New("table", RankTable)
	alloc := New("alloc", RankAllocator)

	alloc.Lock(h)
	require.PanicsWithValue(t,
		"lock rank violation: acquiring table (table) while holding allocator",
		func() { table.Lock(h) })
	alloc.Unlock(h)
}

func TestNilHeldSkipsChecks(t *testing.T) {
	table := New("table", RankTable)
	alloc := New("alloc", RankAllocator)
	alloc.Lock(nil)
	table.Lock(nil)
	table.Unlock(nil)
	alloc.Unlock(nil)
}
