package instrument

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ascrivener/rio/pkg/ir"
)

func TestHooksRunInOrder(t *testing.T) {
	r := NewRegistry()
	require.False(t, r.HasBlockHooks())

	var order []string
	r.OnBlockBuild(func(_ *Context, tag uint64, l *ir.InstrList, forTrace, translating bool) EmitFlags {
		order = append(order, "a")
		l.Append(ir.NewNop())
		return EmitDefault
	})
	r.OnBlockBuild(func(_ *Context, tag uint64, l *ir.InstrList, forTrace, translating bool) EmitFlags {
		order = append(order, "b")
		require.True(t, translating)
		return EmitStoreTranslations
	})
	require.True(t, r.HasBlockHooks())

	l := ir.NewInstrList()
	flags := r.BuildBlock(&Context{}, 0x1000, l, false, true)
	require.Equal(t, EmitStoreTranslations, flags)
	require.Equal(t, []string{"a", "b"}, order)
	require.Equal(t, 1, l.Len())
}

func TestEndTraceFirstDecisionWins(t *testing.T) {
	r := NewRegistry()
	require.Equal(t, EndTraceDefault, r.EndTrace(nil, 1, 2))
	r.OnEndTrace(func(_ *Context, traceTag, nextTag uint64) EndTrace { return EndTraceDefault })
	r.OnEndTrace(func(_ *Context, traceTag, nextTag uint64) EndTrace {
		if nextTag == 2 {
			return EndTraceEnd
		}
		return EndTraceContinue
	})
	require.Equal(t, EndTraceEnd, r.EndTrace(nil, 1, 2))
	require.Equal(t, EndTraceContinue, r.EndTrace(nil, 1, 3))
}

func TestRestoreStateAndNilRegistry(t *testing.T) {
	r := NewRegistry()
	r.OnRestoreState(func(_ *Context, tag uint64, mc *MachineContext, restoreMemory, consistent bool) bool {
		mc.Regs[0] = 7
		return consistent
	})
	mc := &MachineContext{}
	require.False(t, r.RestoreState(nil, 1, mc, false, false))
	require.Equal(t, uint64(7), mc.Regs[0])
	require.True(t, r.RestoreState(nil, 1, mc, false, true))

	var deleted []uint64
	r.OnFragmentDeleted(func(_ *Context, tag uint64) { deleted = append(deleted, tag) })
	r.FragmentDeleted(nil, 0x40)
	require.Equal(t, []uint64{0x40}, deleted)

	var none *Registry
	require.Equal(t, EmitDefault, none.BuildBlock(nil, 0, nil, false, false))
	require.True(t, none.RestoreState(nil, 0, mc, false, true))
	none.FragmentDeleted(nil, 0)
}
