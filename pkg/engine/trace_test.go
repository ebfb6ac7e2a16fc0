package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ascrivener/rio/pkg/config"
	rerrors "github.com/ascrivener/rio/pkg/errors"
	"github.com/ascrivener/rio/pkg/fragment"
	"github.com/ascrivener/rio/pkg/instrument"
	"github.com/ascrivener/rio/pkg/ir"
)

func hotTraces(o *config.Options) { o.TraceThreshold = 2 }

func TestHotLoopBecomesTrace(t *testing.T) {
	got, e := runSrc(t, sumSrc, 0, false, testOptions(hotTraces))
	require.Equal(t, 10100, got.Status)

	loop := uint64(origin + 12)
	bb := fragmentAt(e, loop, false)
	require.NotNil(t, bb)
	require.True(t, bb.Has(fragment.FlagTraceHead))

	tr := fragmentAt(e, loop, true)
	require.NotNil(t, tr)
	require.Equal(t, []uint64{loop}, tr.Blocks)
	require.Len(t, tr.Exits, 2)
	require.Same(t, tr, tr.Exits[0].LinkedTo(), "the trace loops on itself")
	require.Equal(t, 1.0, stat(t, e, "traces_built_total"))
}

func TestBuildTraceStitchesIndirectTransfers(t *testing.T) {
	p := load(t, callsSrc, 0)
	e, _ := newEngine(t, p, testOptions(hotTraces))
	th, err := e.NewThread(p.prog.Entry)
	require.NoError(t, err)

	loop := p.prog.Label("loop")
	l, bi, err := e.BuildBlock(th, loop)
	require.NoError(t, err)
	l.Destroy()
	after := bi.FallPC
	tags := []uint64{loop, p.prog.Label("inc"), p.prog.Label("incdone"), after}

	tl, info, err := e.BuildTrace(th, loop, tags)
	require.NoError(t, err)
	require.Equal(t, tags, info.Blocks)
	require.Len(t, info.Ranges, 4)
	require.True(t, info.Flags&fragment.FlagTrace != 0)

	var kinds []fragment.ExitKind
	var branches []ir.BranchType
	for _, x := range info.Exits {
		kinds = append(kinds, x.Kind)
		if x.Kind == fragment.ExitIndirect {
			branches = append(branches, x.Branch)
		}
	}
	require.Equal(t, []fragment.ExitKind{
		fragment.ExitIndirect, fragment.ExitIndirect, fragment.ExitIndirect,
		fragment.ExitDirect, fragment.ExitDirect,
	}, kinds)
	require.Equal(t, []ir.BranchType{ir.BranchIndCall, ir.BranchIndJmp, ir.BranchReturn}, branches)
	require.Equal(t, loop, info.Exits[3].Target)

	f, err := e.Emit(th, loop, tl, info)
	require.NoError(t, err)
	require.True(t, f.IsTrace())
	require.Same(t, f, e.Lookup(th, loop), "traces are preferred over blocks")
}

func TestBuildTraceRejectsOffPathSuccessor(t *testing.T) {
	p := load(t, sumSrc, 0)
	e, _ := newEngine(t, p, testOptions(hotTraces))
	th, err := e.NewThread(p.prog.Entry)
	require.NoError(t, err)

	_, _, err = e.BuildTrace(th, p.prog.Entry, []uint64{p.prog.Entry, p.prog.Label("double")})
	require.True(t, rerrors.Is(err, errOffTrace), "got %v", err)
	require.False(t, IsFatal(err))
}

func TestTraceHookRemovingExitIsFatal(t *testing.T) {
	p := load(t, sumSrc, 0)
	r := instrument.NewRegistry()
	r.OnTraceBuild(func(ctx *instrument.Context, tag uint64, l *ir.InstrList, translating bool) instrument.EmitFlags {
		var last *ir.Instr
		for in := range l.All() {
			if in.IsExitCTI() {
				last = in
			}
		}
		l.Remove(last)
		last.Destroy()
		return instrument.EmitDefault
	})
	e, _ := newEngine(t, p, testOptions(hotTraces), WithHooks(r))
	_, err := e.Run(context.Background(), p.prog.Entry)
	var hv *HookViolationError
	require.ErrorAs(t, err, &hv)
	require.Equal(t, p.prog.Label("loop"), hv.Tag)
}

func TestEndTraceHook(t *testing.T) {
	p := load(t, callsSrc, 0)
	r := instrument.NewRegistry()
	var asked int
	r.OnEndTrace(func(ctx *instrument.Context, traceTag, nextTag uint64) instrument.EndTrace {
		asked++
		return instrument.EndTraceEnd
	})
	e, out := newEngine(t, p, testOptions(hotTraces), WithHooks(r))
	got := run(t, e, p, out, false)
	require.Equal(t, outcome{Status: 30, Output: "hello\n"}, got)
	require.NotZero(t, asked)
	for _, f := range e.Fragments() {
		if f.IsTrace() {
			require.Len(t, f.Blocks, 1, "%s", f)
		}
	}
}

func TestTracesDisabled(t *testing.T) {
	_, e := runSrc(t, sumSrc, 0, false, testOptions(noTraces))
	for _, f := range e.Fragments() {
		require.False(t, f.IsTrace())
		require.False(t, f.Has(fragment.FlagTraceHead))
	}
	require.Zero(t, stat(t, e, "traces_built_total"))
}
