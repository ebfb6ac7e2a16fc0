package fragment

import (
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rerrors "github.com/ascrivener/rio/pkg/errors"
	"github.com/ascrivener/rio/pkg/ir"
	"github.com/ascrivener/rio/pkg/lockrank"
)

func bb(tag, start uint64, ranges ...Range) *Fragment {
	f := New(tag, start, 64, 0)
	f.Ranges = ranges
	return f
}

func TestTablePrefersTrace(t *testing.T) {
	tab := NewTable("shared")
	h := lockrank.NewHeld()
	tab.Lock().Lock(h)
	defer tab.Lock().Unlock(h)

	b := bb(0x1000, 1<<32)
	require.NoError(t, tab.Add(b))
	require.Same(t, b, tab.Lookup(0x1000))

	tr := New(0x1000, 1<<32+64, 128, FlagTrace)
	require.NoError(t, tab.Add(tr))
	require.Same(t, tr, tab.Lookup(0x1000))
	require.Same(t, b, tab.LookupBB(0x1000))

	err := tab.Add(bb(0x1000, 1<<32+256))
	require.True(t, rerrors.IsAssertion(err))

	bbs, traces := tab.Counts()
	require.Equal(t, 1, bbs)
	require.Equal(t, 1, traces)
	require.Equal(t, []*Fragment{b, tr}, tab.Snapshot())

	require.False(t, tab.Remove(bb(0x1000, 0)))
	require.True(t, tab.Remove(tr))
	require.Same(t, b, tab.Lookup(0x1000))
}

func TestFutures(t *testing.T) {
	tab := NewTable("t")
	owner := bb(0x1000, 1<<32)
	l1 := &Linkstub{Owner: owner, Target: 0x2000}
	l2 := &Linkstub{Owner: owner, Ord: 1, Target: 0x2000}
	tab.AddFuture(l1)
	tab.AddFuture(l1)
	tab.AddFuture(l2)
	require.Equal(t, 2, tab.FutureCount())

	tab.RemoveFuture(l1)
	require.Equal(t, []*Linkstub{l2}, tab.Futures(0x2000))
	require.Equal(t, []*Linkstub{l2}, tab.TakeFutures(0x2000))
	require.Nil(t, tab.TakeFutures(0x2000))

	require.True(t, tab.MarkHead(0x2000))
	require.False(t, tab.MarkHead(0x2000))
	require.True(t, tab.IsHead(0x2000))
}

func TestLinkBookkeeping(t *testing.T) {
	a := bb(0x1000, 1<<32)
	b := bb(0x2000, 1<<32+64)
	c := bb(0x3000, 1<<32+128)
	l := &Linkstub{Owner: a, Kind: ExitDirect, Target: 0x2000, CTIOffset: 7, RelOffset: 8, StubOffset: 20}
	a.Exits = []*Linkstub{l}

	l.SetLinked(b)
	require.True(t, l.IsLinked())
	require.Equal(t, []*Linkstub{l}, b.Incoming())
	l.SetLinked(c)
	require.Empty(t, b.Incoming())
	require.Equal(t, []*Linkstub{l}, c.Incoming())
	l.SetUnlinked()
	require.Empty(t, c.Incoming())
	require.Nil(t, l.LinkedTo())

	require.Equal(t, a.Start+7, l.CTIPC())
	require.Equal(t, a.Start+8, l.RelPC())
	require.Equal(t, a.Start+20, l.ExitPC())
	require.Same(t, l, a.ExitAt(a.Start+7))

	ind := &Linkstub{Owner: a, Kind: ExitIndirect, Branch: ir.BranchReturn, StubOffset: 40}
	require.Equal(t, a.Start+40+uint64(ir.OpIBL.Length()), ind.ExitPC())
}

func TestFlagsAndState(t *testing.T) {
	f := New(0x1000, 1<<32, 16, FlagShared)
	f.SetFlags(FlagTraceHead)
	require.Equal(t, FlagShared|FlagTraceHead, f.Flags())
	require.Equal(t, "shared|head", f.Flags().String())

	require.True(t, f.IsLive())
	require.True(t, f.TransitionState(StateLive, StateFlushing))
	require.False(t, f.TransitionState(StateLive, StateDeleted))
	require.Equal(t, StateFlushing, f.State())

	require.Equal(t, int64(1), f.Heat())
	require.Equal(t, int64(2), f.Heat())
	f.ResetHeat()
	require.Equal(t, int64(1), f.Heat())
}

func TestStoredTranslation(t *testing.T) {
	entries := []TransEntry{{2, 0x1000}, {6, 0x1006}, {8, 0x1008}}
	cases := map[uint32]uint64{2: 0x1000, 5: 0x1000, 6: 0x1006, 7: 0x1006, 20: 0x1008}
	for off, want := range cases {
		got, ok := LookupTranslation(entries, off)
		require.True(t, ok)
		assert.Equal(t, want, got, "offset %d", off)
	}
	_, ok := LookupTranslation(entries, 1)
	require.False(t, ok)
	_, ok = LookupTranslation(nil, 0)
	require.False(t, ok)
}

func TestRegionIndexOverlapping(t *testing.T) {
	x := NewRegionIndex("t")
	a := bb(0x1000, 1<<32, Range{0x1000, 0x1010})
	b := bb(0x1ff8, 1<<32+64, Range{0x1ff8, 0x2008})
	tr := New(0x1000, 1<<32+128, 64, FlagTrace)
	tr.Ranges = []Range{{0x1000, 0x1010}, {0x5000, 0x5004}}
	for _, f := range []*Fragment{a, b, tr} {
		x.Add(f)
	}
	require.Equal(t, 3, x.Pages())

	tags := func(fs []*Fragment) []uint64 {
		var out []uint64
		for _, f := range fs {
			out = append(out, f.Start)
		}
		return out
	}
	require.Empty(t, cmp.Diff([]uint64{a.Start, tr.Start, b.Start}, tags(x.Overlapping(0x1000, 0x3000))))
	require.Empty(t, cmp.Diff([]uint64{b.Start}, tags(x.Overlapping(0x2000, 0x2001))))
	require.Empty(t, cmp.Diff([]uint64{tr.Start}, tags(x.Overlapping(0x5000, 0x6000))))
	require.Empty(t, x.Overlapping(0x1010, 0x1ff8))
	require.Empty(t, cmp.Diff([]uint64{a.Start, tr.Start, b.Start}, tags(x.Overlapping(0, 1<<40))))

	x.Remove(tr)
	require.Empty(t, x.Overlapping(0x5000, 0x6000))
	x.Remove(a)
	x.Remove(b)
	require.Equal(t, 0, x.Pages())
}

func TestIBLTable(t *testing.T) {
	h := lockrank.NewHeld()
	tab := NewIBLTable("t", ir.BranchReturn, 2, 0)
	require.True(t, tab.Add(h, 0x1000, 0x100000000))
	pc, ok := tab.Lookup(0x1000)
	require.True(t, ok)
	require.Equal(t, uint64(0x100000000), pc)
	_, ok = tab.Lookup(0x1004)
	require.False(t, ok)

	// Colliding tags probe past each other.
	require.True(t, tab.Add(h, 0x1004, 0x100000040))
	require.True(t, tab.Add(h, 0x1008, 0x100000080))
	require.True(t, tab.Remove(h, 0x1004))
	pc, ok = tab.Lookup(0x1008)
	require.True(t, ok)
	require.Equal(t, uint64(0x100000080), pc)

	require.True(t, tab.MaybeResize(h))
	require.False(t, tab.MaybeResize(h))
	_, ok = tab.Lookup(0x1004)
	require.False(t, ok)

	require.True(t, tab.Add(h, 0x1000, 0x100000100))
	pc, _ = tab.Lookup(0x1000)
	require.Equal(t, uint64(0x100000100), pc)
	st := tab.Stats(h)
	require.Equal(t, ir.BranchReturn, st.Branch)
	require.Equal(t, 2, st.Entries)
	require.Equal(t, 8, st.Capacity)
	require.Equal(t, uint64(1), st.Resizes)
	require.Equal(t, uint64(3), st.Hits)
	require.Equal(t, uint64(2), st.Misses)
	require.Equal(t, 0, h.Depth())
}

func TestIBLTableFull(t *testing.T) {
	tab := NewIBLTable("t", ir.BranchIndJmp, 2, 0)
	for i := uint64(1); i <= 4; i++ {
		require.True(t, tab.Add(nil, i*16, i))
	}
	require.False(t, tab.Add(nil, 80, 5))
	require.True(t, tab.MaybeResize(nil))
	require.True(t, tab.Add(nil, 80, 5))
}

func TestIBLConcurrentReaders(t *testing.T) {
	tab := NewIBLTable("t", ir.BranchIndCall, 4, 2)
	var wg sync.WaitGroup
	stop := make(chan struct{})
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				for tag := uint64(4); tag < 256; tag += 4 {
					if pc, ok := tab.Lookup(tag); ok && pc != tag<<8 {
						t.Errorf("tag %#x mapped to %#x", tag, pc)
						return
					}
				}
			}
		}()
	}
	for round := 0; round < 20; round++ {
		for tag := uint64(4); tag < 256; tag += 4 {
			tab.Add(nil, tag, tag<<8)
		}
		tab.MaybeResize(nil)
		for tag := uint64(4); tag < 256; tag += 8 {
			tab.Remove(nil, tag)
		}
	}
	close(stop)
	wg.Wait()
}
