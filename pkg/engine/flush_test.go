package engine

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ascrivener/rio/pkg/config"
	rerrors "github.com/ascrivener/rio/pkg/errors"
	"github.com/ascrivener/rio/pkg/fragment"
	"github.com/ascrivener/rio/pkg/instrument"
)

type deletions struct {
	mu   sync.Mutex
	tags []uint64
}

func (d *deletions) hooks() *instrument.Registry {
	r := instrument.NewRegistry()
	r.OnFragmentDeleted(func(ctx *instrument.Context, tag uint64) {
		d.mu.Lock()
		d.tags = append(d.tags, tag)
		d.mu.Unlock()
	})
	return r
}

func (d *deletions) list() []uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uint64(nil), d.tags...)
}

func TestSyncFlushRemovesOverlapping(t *testing.T) {
	var del deletions
	got, e := runSrc(t, sumSrc, 0, false, testOptions(noTraces), WithHooks(del.hooks()))
	require.Equal(t, 10100, got.Status)

	loop := uint64(origin + 12)
	start := fragmentAt(e, origin, false)
	require.NotNil(t, start)
	body := fragmentAt(e, loop, false)
	require.NotNil(t, body)
	require.Same(t, body, start.Exits[0].LinkedTo())

	n, err := e.Flush(nil, loop, loop+1, FlushSync)
	require.NoError(t, err)
	require.Equal(t, 2, n, "the start block and the loop block both cover the loop")
	require.Nil(t, fragmentAt(e, loop, false))
	require.Nil(t, fragmentAt(e, origin, false))
	for _, f := range e.Fragments() {
		require.False(t, f.OverlapsApp(loop, loop+1), "%s survived the flush", f)
		for _, x := range f.Exits {
			if x.Kind == fragment.ExitDirect {
				require.False(t, x.IsLinked() && !x.LinkedTo().IsLive(), "%s links to a flushed fragment", x)
			}
		}
	}
	require.ElementsMatch(t, []uint64{origin, loop}, del.list())
	require.Equal(t, 1.0, stat(t, e, "flushes_total{mode=sync}"))
	require.Equal(t, 2.0, stat(t, e, "fragments_deleted_total"))
	require.Zero(t, e.PendingFrees())

	// The next lookup builds a fresh block.
	th, err := e.NewThread(origin)
	require.NoError(t, err)
	require.Nil(t, e.Lookup(th, loop))
	built := stat(t, e, "blocks_built_total")
	again, err := e.fragmentFor(th, loop)
	require.NoError(t, err)
	require.NotSame(t, body, again)
	require.True(t, again.IsLive())
	require.Equal(t, fragment.StateDeleted, body.State())
	require.Equal(t, built+1, stat(t, e, "blocks_built_total"))
}

func TestDelayedFlushWaitsForSafePoints(t *testing.T) {
	var del deletions
	p := load(t, sumSrc, 0)
	e, _ := newEngine(t, p, testOptions(noTraces), WithHooks(del.hooks()))
	t1, err := e.NewThread(p.prog.Entry)
	require.NoError(t, err)
	t2, err := e.NewThread(p.prog.Entry)
	require.NoError(t, err)

	loop := p.prog.Label("loop")
	f, err := e.fragmentFor(t1, loop)
	require.NoError(t, err)

	// t2 is running and has not passed a safe point since the flush.
	t2.status = statusRunning
	t2.current.Store(f)

	n, err := e.Flush(t1, loop, loop+1, FlushDelayed)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.False(t, f.IsLive())
	require.Nil(t, e.Lookup(t1, loop))
	require.Equal(t, 1, e.PendingFrees())
	usedBefore := e.CacheStats().Used

	require.NoError(t, e.reclaim(t1, false))
	require.Equal(t, 1, e.PendingFrees(), "t2 may still run the fragment")
	require.Empty(t, del.list())

	t2.safePoint()
	require.NoError(t, e.reclaim(t1, false))
	require.Zero(t, e.PendingFrees())
	require.Equal(t, fragment.StateDeleted, f.State())
	require.Less(t, e.CacheStats().Used, usedBefore)
	require.Equal(t, []uint64{loop}, del.list())
}

func TestReclaimIgnoresThreadsInKernel(t *testing.T) {
	p := load(t, sumSrc, 0)
	e, _ := newEngine(t, p, testOptions(noTraces))
	t1, err := e.NewThread(p.prog.Entry)
	require.NoError(t, err)
	t2, err := e.NewThread(p.prog.Entry)
	require.NoError(t, err)

	loop := p.prog.Label("loop")
	_, err = e.fragmentFor(t1, loop)
	require.NoError(t, err)
	t2.status = statusKernel
	_, err = e.Flush(t1, loop, loop+1, FlushDelayed)
	require.NoError(t, err)
	require.NoError(t, e.reclaim(t1, false))
	require.Zero(t, e.PendingFrees())
}

// chainSrc is n blocks of filler, each jumping to the next.
func chainSrc(n int) string {
	var b strings.Builder
	for i := range n {
		fmt.Fprintf(&b, "b%d:\n", i)
		for range 6 {
			fmt.Fprintf(&b, "\tmovabs r1, %d\n", i)
		}
		fmt.Fprintf(&b, "\tjmp b%d\n", i+1)
	}
	fmt.Fprintf(&b, "b%d:\n\tret\n", n)
	return b.String()
}

func smallCache(o *config.Options) {
	o.TraceThreshold = 0
	o.MaxFragmentBody = 256
	o.CacheUnitSize = 4096
	o.CacheMaxSize = 4096
}

func TestEvictionSkipsInFlight(t *testing.T) {
	const n = 100
	var del deletions
	p := load(t, chainSrc(n), 0)
	e, _ := newEngine(t, p, testOptions(smallCache), WithHooks(del.hooks()))
	t1, err := e.NewThread(p.prog.Entry)
	require.NoError(t, err)
	t2, err := e.NewThread(p.prog.Entry)
	require.NoError(t, err)

	first, err := e.fragmentFor(t1, p.prog.Label("b0"))
	require.NoError(t, err)
	t2.current.Store(first)
	second, err := e.fragmentFor(t1, p.prog.Label("b1"))
	require.NoError(t, err)

	for i := 2; i <= n; i++ {
		_, err := e.fragmentFor(t1, p.prog.Label(fmt.Sprintf("b%d", i)))
		require.NoError(t, err)
	}
	require.NotZero(t, stat(t, e, "evictions_total"))
	require.True(t, first.IsLive(), "a fragment in flight was evicted")
	require.False(t, second.IsLive())
	require.Contains(t, del.list(), second.Tag)
	require.NotContains(t, del.list(), first.Tag)
	require.LessOrEqual(t, e.CacheStats().Capacity, 4096)

	// Once t2 leaves it, the oldest fragment is the first victim.
	t2.current.Store(nil)
	for i := 1; i <= n && first.IsLive(); i++ {
		_, err := e.fragmentFor(t1, p.prog.Label(fmt.Sprintf("b%d", i)))
		require.NoError(t, err)
	}
	require.False(t, first.IsLive())
	require.Contains(t, del.list(), first.Tag)
}

func TestEvictedChainStillRuns(t *testing.T) {
	src := ".entry start\nstart:\n\tmov r0, 0\n\tmov r5, 3\nagain:\n\tcall b0\n\tsubi r5, 1\n\tjne again\n\tmov r0, 42\n\tret\n" + chainSrc(100)
	want, _ := runSrc(t, src, 0, true, testOptions())
	got, e := runSrc(t, src, 0, false, testOptions(smallCache))
	require.Equal(t, want, got)
	require.Equal(t, 42, got.Status)
	require.NotZero(t, stat(t, e, "evictions_total"))
}

func TestCacheExhausted(t *testing.T) {
	p := load(t, chainSrc(100), 0)
	e, _ := newEngine(t, p, testOptions(smallCache))
	t1, err := e.NewThread(p.prog.Entry)
	require.NoError(t, err)

	var err2 error
	for i := 0; i <= 100 && err2 == nil; i++ {
		var f *fragment.Fragment
		f, err2 = e.fragmentFor(t1, p.prog.Label(fmt.Sprintf("b%d", i)))
		if err2 == nil {
			f.SetFlags(fragment.FlagCannotDelete)
		}
	}
	var ce *CacheExhaustedError
	require.ErrorAs(t, err2, &ce)
	require.True(t, IsFatal(err2))
}

func TestUnlinkAndRelink(t *testing.T) {
	_, e := runSrc(t, sumSrc, 0, false, testOptions(noTraces))
	start := fragmentAt(e, origin, false)
	require.NotNil(t, start)
	loop := start.Exits[0].LinkedTo()
	require.NotNil(t, loop)

	e.Unlink(nil, loop)
	require.False(t, start.Exits[0].IsLinked())
	require.Empty(t, loop.Incoming())
	for _, x := range loop.Exits {
		require.False(t, x.IsLinked() && x.Kind == fragment.ExitDirect)
	}

	e.Link(nil, loop)
	require.Same(t, loop, start.Exits[0].LinkedTo())
	require.Same(t, loop, loop.Exits[0].LinkedTo())
}

func TestDeleteRequiresTableLock(t *testing.T) {
	p := load(t, sumSrc, 0)
	e, _ := newEngine(t, p, testOptions())
	th, err := e.NewThread(p.prog.Entry)
	require.NoError(t, err)
	f, err := e.fragmentFor(th, p.prog.Entry)
	require.NoError(t, err)

	err = e.deleteFragment(th.held, e.setOf(f), f)
	require.True(t, rerrors.IsAssertion(err), "got %v", err)
	require.True(t, f.IsLive())
}
