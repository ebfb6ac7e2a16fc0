package engine

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ascrivener/rio/pkg/appmem"
	"github.com/ascrivener/rio/pkg/config"
	rerrors "github.com/ascrivener/rio/pkg/errors"
	"github.com/ascrivener/rio/pkg/fragment"
	"github.com/ascrivener/rio/pkg/instrument"
	"github.com/ascrivener/rio/pkg/ir"
	"github.com/ascrivener/rio/pkg/policy"
)

func noTraces(o *config.Options) { o.TraceThreshold = 0 }

func TestBuildBlockExits(t *testing.T) {
	p := load(t, sumSrc, 0)
	e, _ := newEngine(t, p, testOptions(noTraces))
	th, err := e.NewThread(p.prog.Entry)
	require.NoError(t, err)

	loop := p.prog.Label("loop")
	jne := loop + 2 + 6
	fall := jne + 5
	l, info, err := e.BuildBlock(th, loop)
	require.NoError(t, err)
	require.Equal(t, 3, info.Instrs)
	require.Equal(t, []fragment.Range{{Start: loop, End: fall}}, info.Ranges)
	require.Equal(t, []ExitInfo{
		{Kind: fragment.ExitDirect, Target: loop, AppPC: jne},
		{Kind: fragment.ExitDirect, Target: fall, AppPC: jne},
	}, info.Exits)
	require.Equal(t, p.mem.Hash(loop, fall-loop), info.CodeHash)

	f, err := e.Emit(th, loop, l, info)
	require.NoError(t, err)
	require.Equal(t, loop, f.Tag)
	require.True(t, f.IsLive())
	require.Len(t, f.Exits, 2)
	require.Same(t, f, e.Lookup(th, loop))

	// The backward branch links to the block itself; the fall-through
	// waits for its target.
	require.Same(t, f, f.Exits[0].LinkedTo())
	require.False(t, f.Exits[1].IsLinked())
	require.Equal(t, []*fragment.Linkstub{f.Exits[0]}, f.Incoming())
}

func TestBuildBlockIndirectEnds(t *testing.T) {
	p := load(t, callsSrc, 0)
	e, _ := newEngine(t, p, testOptions(noTraces))
	th, err := e.NewThread(p.prog.Entry)
	require.NoError(t, err)

	for _, tc := range []struct {
		label  string
		branch ir.BranchType
	}{
		{"loop", ir.BranchIndCall},
		{"incdone", ir.BranchReturn},
	} {
		l, info, err := e.BuildBlock(th, p.prog.Label(tc.label))
		require.NoError(t, err, tc.label)
		require.Len(t, info.Exits, 1, tc.label)
		require.Equal(t, fragment.ExitIndirect, info.Exits[0].Kind, tc.label)
		require.Equal(t, tc.branch, info.Exits[0].Branch, tc.label)
		l.Destroy()
	}
}

func TestBuildBlockStopsAtLimit(t *testing.T) {
	p := load(t, sumSrc, 0)
	e, _ := newEngine(t, p, testOptions(func(o *config.Options) { o.MaxBBInstrs = 2 }))
	th, err := e.NewThread(p.prog.Entry)
	require.NoError(t, err)
	l, info, err := e.BuildBlock(th, p.prog.Entry)
	require.NoError(t, err)
	defer l.Destroy()
	require.Equal(t, 2, info.Instrs)
	require.Equal(t, []ExitInfo{{Kind: fragment.ExitDirect, Target: p.prog.Label("loop"), AppPC: p.prog.Entry + 6}}, info.Exits)
}

func TestConcurrentBuildsRegisterOnce(t *testing.T) {
	p := load(t, sumSrc, 0)
	e, _ := newEngine(t, p, testOptions())
	const n = 8
	threads := make([]*Thread, n)
	for i := range threads {
		var err error
		threads[i], err = e.NewThread(p.prog.Entry)
		require.NoError(t, err)
	}

	loop := p.prog.Label("loop")
	got := make([]*fragment.Fragment, n)
	var g errgroup.Group
	for i, th := range threads {
		g.Go(func() error {
			f, err := e.fragmentFor(th, loop)
			got[i] = f
			return err
		})
	}
	require.NoError(t, g.Wait())
	for _, f := range got {
		require.Same(t, got[0], f)
	}
	require.Len(t, e.Fragments(), 1)
	require.Equal(t, 1.0, stat(t, e, "blocks_built_total"))
}

func TestUndecodableTargetFaults(t *testing.T) {
	src := `
	mov r1, 0x5000000
	jmpr r1
`
	for _, native := range []bool{true, false} {
		p := load(t, src, 0)
		e, _ := newEngine(t, p, testOptions())
		var err error
		if native {
			_, err = e.RunNative(context.Background(), p.prog.Entry)
		} else {
			_, err = e.Run(context.Background(), p.prog.Entry)
		}
		var af *AppFault
		require.ErrorAs(t, err, &af)
		require.Equal(t, uint64(0x5000000), af.PC)
		require.ErrorIs(t, err, ir.ErrNotExecutable)
		require.False(t, IsFatal(err))
		if !native {
			var tf *TranslationFault
			require.ErrorAs(t, err, &tf)
		}
	}
}

func TestPolicyDenial(t *testing.T) {
	p := load(t, sumSrc, 0)
	rp := policy.NewRegionPolicy(p.mem, true)
	rp.Deny(p.prog.Label("double"), p.prog.Label("double")+1)
	e, _ := newEngine(t, p, testOptions(), WithPolicy(rp))
	_, err := e.Run(context.Background(), p.prog.Entry)
	var af *AppFault
	require.ErrorAs(t, err, &af)
	require.Equal(t, p.prog.Label("double"), af.PC)
	require.ErrorIs(t, err, ErrExecutionDenied)
}

func TestHookCountsBlocks(t *testing.T) {
	for _, threshold := range []int{0, 5} {
		p := load(t, sumSrc, 0)
		counter, err := p.mem.MapClient("counter", appmem.PageSize)
		require.NoError(t, err)
		hooks := instrument.NewRegistry()
		hooks.OnBlockBuild(func(ctx *instrument.Context, tag uint64, l *ir.InstrList, forTrace, translating bool) instrument.EmitFlags {
			in := ir.NewAddm(counter, 1)
			in.SetMeta(true)
			l.Prepend(in)
			return instrument.EmitDefault
		})
		e, out := newEngine(t, p, testOptions(func(o *config.Options) { o.TraceThreshold = threshold }), WithHooks(hooks))
		got := run(t, e, p, out, false)
		require.Equal(t, 10100, got.Status)

		n, err := p.mem.ReadU64(counter)
		require.NoError(t, err)
		// start, 99 more loop iterations, the call, double and the return.
		require.Equal(t, uint64(103), n, "threshold %d", threshold)
		if threshold > 0 {
			require.NotZero(t, stat(t, e, "traces_built_total"))
		}
	}
}

func TestHookViolationsAreFatal(t *testing.T) {
	hooks := map[string]instrument.BlockHook{
		"instruction after branch": func(ctx *instrument.Context, tag uint64, l *ir.InstrList, forTrace, translating bool) instrument.EmitFlags {
			nop := ir.NewNop()
			nop.SetTranslation(tag)
			l.Append(nop)
			return instrument.EmitDefault
		},
		"cache-only opcode": func(ctx *instrument.Context, tag uint64, l *ir.InstrList, forTrace, translating bool) instrument.EmitFlags {
			in := ir.NewSetT(ir.RegR1)
			in.SetMeta(true)
			l.Prepend(in)
			return instrument.EmitDefault
		},
		"meta branch out of block": func(ctx *instrument.Context, tag uint64, l *ir.InstrList, forTrace, translating bool) instrument.EmitFlags {
			in := ir.NewJmp(ir.NewPC(tag))
			in.SetMeta(true)
			l.Prepend(in)
			return instrument.EmitDefault
		},
	}
	for name, hook := range hooks {
		t.Run(name, func(t *testing.T) {
			p := load(t, sumSrc, 0)
			r := instrument.NewRegistry()
			r.OnBlockBuild(hook)
			e, _ := newEngine(t, p, testOptions(), WithHooks(r))
			_, err := e.Run(context.Background(), p.prog.Entry)
			var hv *HookViolationError
			require.ErrorAs(t, err, &hv)
			require.Equal(t, p.prog.Entry, hv.Tag)
			require.True(t, IsFatal(err))
			require.Equal(t, 1.0, stat(t, e, "build_errors_total"))
		})
	}
}

func TestBlockTooLarge(t *testing.T) {
	p := load(t, sumSrc, 0)
	r := instrument.NewRegistry()
	r.OnBlockBuild(func(ctx *instrument.Context, tag uint64, l *ir.InstrList, forTrace, translating bool) instrument.EmitFlags {
		for range 20 {
			in := ir.NewMovAbs(ir.RegR10, 1)
			in.SetMeta(true)
			l.Prepend(in)
		}
		return instrument.EmitDefault
	})
	e, _ := newEngine(t, p, testOptions(func(o *config.Options) { o.MaxFragmentBody = 128 }), WithHooks(r))
	_, err := e.Run(context.Background(), p.prog.Entry)
	require.True(t, rerrors.Is(err, ErrBlockTooLarge))
	require.True(t, IsFatal(err))
}

func TestMovRetBlock(t *testing.T) {
	p := load(t, "mov r0, 1\n\tret\n", 0)
	e, _ := newEngine(t, p, testOptions())
	th, err := e.NewThread(p.prog.Entry)
	require.NoError(t, err)

	l, info, err := e.BuildBlock(th, p.prog.Entry)
	require.NoError(t, err)
	require.Equal(t, 2, info.Instrs)
	require.Equal(t, []ExitInfo{{Kind: fragment.ExitIndirect, Branch: ir.BranchReturn, AppPC: p.prog.Entry + 6}}, info.Exits)

	f, err := e.Emit(th, p.prog.Entry, l, info)
	require.NoError(t, err)
	require.Len(t, f.Exits, 1)
	require.False(t, f.Exits[0].IsLinked())
	require.Nil(t, f.Exits[0].LinkedTo())
	code := e.Code(f)
	x := f.Exits[0]
	rel := int64(int32(binary.LittleEndian.Uint32(code[x.RelOffset:])))
	require.Equal(t, x.ExitPC(), uint64(int64(x.RelPC()+4)+rel))
}

func TestIndirectExitLinksOnFirstUse(t *testing.T) {
	_, e := runSrc(t, sumSrc, 0, false, testOptions(noTraces))
	double := fragmentAt(e, origin+0x21, false)
	require.NotNil(t, double)
	x := double.Exits[0]
	require.Equal(t, fragment.ExitIndirect, x.Kind)
	require.True(t, x.IsLinked(), "the return was served once")
	require.Nil(t, x.LinkedTo())
	rel := int64(int32(binary.LittleEndian.Uint32(e.Code(double)[x.RelOffset:])))
	require.Equal(t, x.StubPC(), uint64(int64(x.RelPC()+4)+rel))

	_, e = runSrc(t, sumSrc, 0, false, testOptions(noTraces, func(o *config.Options) { o.LinkIndirect = false }))
	double = fragmentAt(e, origin+0x21, false)
	require.NotNil(t, double)
	require.False(t, double.Exits[0].IsLinked())
}

func TestMetaLoopAtBlockStart(t *testing.T) {
	want, _ := runSrc(t, sumSrc, 0, true, testOptions())
	r := instrument.NewRegistry()
	r.OnBlockBuild(func(ctx *instrument.Context, tag uint64, l *ir.InstrList, forTrace, translating bool) instrument.EmitFlags {
		// Two passes through a loop back to the first instruction.
		head := ir.NewNop()
		seq := []*ir.Instr{
			head,
			ir.NewArithImm(ir.OpAddImm, ir.RegR13, 1),
			ir.NewArithImm(ir.OpCmpImm, ir.RegR13, 2),
			ir.NewJcc(ir.OpJne, ir.NewInstrPC(head)),
			ir.NewMovImm(ir.RegR13, 0),
		}
		for i := len(seq) - 1; i >= 0; i-- {
			seq[i].SetMeta(true)
			l.Prepend(seq[i])
		}
		return instrument.EmitDefault
	})
	got, _ := runSrc(t, sumSrc, 0, false, testOptions(noTraces), WithHooks(r))
	require.Equal(t, want, got)
	require.Equal(t, 10100, got.Status)
}

func TestLinkPatchesExitBranch(t *testing.T) {
	src := `
.entry start
start:
	jmp target
target:
	mov r0, 4
	ret
`
	for _, linked := range []bool{true, false} {
		p := load(t, src, 0)
		e, out := newEngine(t, p, testOptions(func(o *config.Options) { o.LinkDirect = linked }))
		th, err := e.NewThread(p.prog.Entry)
		require.NoError(t, err)

		b, err := e.fragmentFor(th, p.prog.Label("target"))
		require.NoError(t, err)
		a, err := e.fragmentFor(th, p.prog.Entry)
		require.NoError(t, err)

		x := a.Exits[0]
		code := e.Code(a)
		rel := int64(int32(binary.LittleEndian.Uint32(code[x.RelOffset:])))
		dest := uint64(int64(x.RelPC()+4) + rel)
		if linked {
			require.Same(t, b, x.LinkedTo())
			require.Equal(t, b.Start, dest)
		} else {
			require.False(t, x.IsLinked())
			require.Equal(t, x.ExitPC(), dest)
		}

		// The cache is entered once when the exit is linked; otherwise the
		// exit returns to the dispatcher for the target.
		got := run(t, e, p, out, false)
		require.Equal(t, 4, got.Status)
		want := 2.0
		if linked {
			want = 1
		}
		require.Equal(t, want, stat(t, e, "cache_entries_total"))
	}
}
