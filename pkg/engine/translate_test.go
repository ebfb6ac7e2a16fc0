package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ascrivener/rio/pkg/appmem"
	"github.com/ascrivener/rio/pkg/config"
	rerrors "github.com/ascrivener/rio/pkg/errors"
	"github.com/ascrivener/rio/pkg/fragment"
	"github.com/ascrivener/rio/pkg/instrument"
)

// patchLaterSrc rewrites the immediate of a block it has already run.
const patchLaterSrc = `
.entry start
start:
	mov r9, 2
again:
	call target
	mov r4, target
	mov r3, 6
	stb [r4+2], r3
	subi r9, 1
	jne again
	ret
target:
	mov r0, 5
	ret
`

// patchSelfSrc rewrites an instruction of the block doing the write.
const patchSelfSrc = `
.entry start
start:
	mov r4, patch
	mov r3, 7
	stb [r4+2], r3
patch:
	mov r0, 1
	ret
`

func TestSelfModifyingCode(t *testing.T) {
	for name, tc := range map[string]struct {
		src    string
		status int
	}{
		"later": {patchLaterSrc, 6},
		"self":  {patchSelfSrc, 7},
	} {
		t.Run(name, func(t *testing.T) {
			want, _ := runSrc(t, tc.src, appmem.PermRWX, true, testOptions())
			require.Equal(t, tc.status, want.Status)
			for _, threshold := range []int{0, 2} {
				got, e := runSrc(t, tc.src, appmem.PermRWX, false, testOptions(func(o *config.Options) { o.TraceThreshold = threshold }))
				require.Equal(t, want, got, "threshold %d", threshold)
				require.NotZero(t, stat(t, e, "selfmod_flushes_total"))
				require.NotZero(t, stat(t, e, "code_writes_total"))
			}
		})
	}
}

func TestWritableCodeKeepsTranslations(t *testing.T) {
	p := load(t, patchSelfSrc, appmem.PermRWX)
	e, _ := newEngine(t, p, testOptions())
	th, err := e.NewThread(p.prog.Entry)
	require.NoError(t, err)
	f, err := e.fragmentFor(th, p.prog.Entry)
	require.NoError(t, err)
	require.True(t, f.Has(fragment.FlagWritableCode))
	require.True(t, f.Has(fragment.FlagHasTranslation))
	require.NotEmpty(t, f.Translations)
}

func translateAll(t *testing.T, store bool) ([]uint64, *Engine, *fragment.Fragment) {
	p := load(t, sumSrc, 0)
	e, _ := newEngine(t, p, testOptions(noTraces, func(o *config.Options) { o.StoreTranslations = store }))
	th, err := e.NewThread(p.prog.Entry)
	require.NoError(t, err)
	f, err := e.fragmentFor(th, p.prog.Label("loop"))
	require.NoError(t, err)
	require.Equal(t, store, f.Has(fragment.FlagHasTranslation))
	out := make([]uint64, f.BodySize)
	for off := range out {
		out[off], err = e.Translate(th, f.Start+uint64(off))
		require.NoError(t, err, "offset %d", off)
	}
	return out, e, f
}

func TestStoredAndRecreatedTranslationsAgree(t *testing.T) {
	stored, _, _ := translateAll(t, true)
	recreated, e, f := translateAll(t, false)
	require.Equal(t, stored, recreated)

	loop := f.Tag
	require.Equal(t, loop, recreated[0])
	require.Equal(t, loop+8, recreated[len(recreated)-1], "exit branches map to the jne")
	require.Equal(t, float64(len(recreated)), stat(t, e, "translations_total{method=recreated}"))
}

func TestTranslateStubsAndStrangers(t *testing.T) {
	p := load(t, sumSrc, 0)
	e, _ := newEngine(t, p, testOptions(noTraces))
	th, err := e.NewThread(p.prog.Entry)
	require.NoError(t, err)

	start, err := e.fragmentFor(th, p.prog.Entry)
	require.NoError(t, err)
	x := start.Exits[0]
	require.Equal(t, fragment.ExitDirect, x.Kind)
	app, err := e.Translate(th, x.StubPC())
	require.NoError(t, err)
	require.Equal(t, x.Target, app)

	double, err := e.fragmentFor(th, p.prog.Label("double"))
	require.NoError(t, err)
	ind := double.Exits[0]
	require.Equal(t, fragment.ExitIndirect, ind.Kind)
	_, err = e.Translate(th, ind.StubPC())
	require.True(t, rerrors.Is(err, ErrNoTranslation))

	_, err = e.Translate(th, 0x1234)
	require.True(t, rerrors.Is(err, ErrNoTranslation))
}

func TestRecreateDetectsChangedCode(t *testing.T) {
	p := load(t, sumSrc, 0)
	e, _ := newEngine(t, p, testOptions(noTraces))
	th, err := e.NewThread(p.prog.Entry)
	require.NoError(t, err)
	double := p.prog.Label("double")
	f, err := e.fragmentFor(th, double)
	require.NoError(t, err)
	require.False(t, f.Has(fragment.FlagHasTranslation))

	// The loader writes past page protections and code tracking.
	require.NoError(t, p.mem.Load(double, []byte{0x90}))
	_, err = e.Translate(th, f.Start)
	require.True(t, rerrors.Is(err, ErrNoTranslation))
}

const faultSrc = `
.entry start
start:
	mov r4, 0x7000000
	ldq r1, [r4+0]
	ret
`

func TestFaultsReportApplicationPC(t *testing.T) {
	for _, native := range []bool{true, false} {
		p := load(t, faultSrc, 0)
		r := instrument.NewRegistry()
		var restored []uint64
		r.OnRestoreState(func(ctx *instrument.Context, tag uint64, mc *instrument.MachineContext, restoreMemory, appCodeConsistent bool) bool {
			require.True(t, appCodeConsistent)
			require.Equal(t, uint64(0x7000000), mc.Regs[4])
			restored = append(restored, mc.PC)
			return true
		})
		e, _ := newEngine(t, p, testOptions(), WithHooks(r))
		var err error
		if native {
			_, err = e.RunNative(context.Background(), p.prog.Entry)
		} else {
			_, err = e.Run(context.Background(), p.prog.Entry)
		}
		var af *AppFault
		require.ErrorAs(t, err, &af)
		require.ErrorIs(t, err, appmem.ErrFault)
		require.Equal(t, p.prog.Entry+6, af.PC)
		if native {
			require.Zero(t, af.CachePC)
			require.Empty(t, restored)
		} else {
			require.NotZero(t, af.CachePC)
			require.Equal(t, []uint64{p.prog.Entry + 6}, restored)
		}
	}
}

// protectSrc makes its own code writable between two calls of f.
const protectSrc = `
.entry start
start:
	call f
	mov r9, r0
	mov r0, 8
	mov r1, 0x10000
	mov r2, 4096
	mov r3, 7
	syscall
	call f
	add r0, r9
	ret
f:
	mov r0, 5
	ret
`

func TestProtectingCodeFlushes(t *testing.T) {
	want, _ := runSrc(t, protectSrc, 0, true, testOptions())
	require.Equal(t, 10, want.Status)

	var del deletions
	got, e := runSrc(t, protectSrc, 0, false, testOptions(noTraces), WithHooks(del.hooks()))
	require.Equal(t, want, got)
	require.Equal(t, 1.0, stat(t, e, "flushes_total{mode=sync}"))
	require.Contains(t, del.list(), uint64(origin))

	p := load(t, protectSrc, 0)
	f := fragmentAt(e, p.prog.Label("f"), false)
	require.NotNil(t, f, "f was rebuilt after the flush")
	require.True(t, f.Has(fragment.FlagWritableCode))
}
