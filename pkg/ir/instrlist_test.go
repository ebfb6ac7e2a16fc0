package ir

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func opcodes(l *InstrList) []Opcode {
	var ops []Opcode
	for in := range l.All() {
		ops = append(ops, in.Opcode())
	}
	return ops
}

func TestInstrListInsertRemove(t *testing.T) {
	l := NewInstrList()
	a, b, c := NewNop(), NewRet(), NewMov(RegR0, RegR1)
	l.Append(a)
	l.Append(b)
	l.InsertBefore(b, c)
	require.Equal(t, []Opcode{OpNop, OpMov, OpRet}, opcodes(l))
	require.Equal(t, 3, l.Len())

	d := NewPush(RegR2)
	l.InsertAfter(b, d)
	l.Prepend(NewLabel())
	require.Equal(t, []Opcode{OpLabel, OpNop, OpMov, OpRet, OpPush}, opcodes(l))

	l.Remove(c)
	require.Nil(t, c.List())
	require.Equal(t, []Opcode{OpLabel, OpNop, OpRet, OpPush}, opcodes(l))
	require.Equal(t, b, a.Next())
	require.Equal(t, a, b.Prev())

	// Freed arena slots are reused.
	e := NewPop(RegR3)
	l.Replace(d, e)
	require.Equal(t, []Opcode{OpLabel, OpNop, OpRet, OpPop}, opcodes(l))
	require.Equal(t, e, l.Last())
	require.Len(t, l.nodes, 5)
}

func TestInstrInOneList(t *testing.T) {
	l1, l2 := NewInstrList(), NewInstrList()
	in := NewNop()
	l1.Append(in)
	require.Panics(t, func() { l2.Append(in) })
	l1.Remove(in)
	l2.Append(in)
	require.Equal(t, l2, in.List())
}

func TestInstrListRemoveWhileIterating(t *testing.T) {
	l := NewInstrList()
	for i := 0; i < 6; i++ {
		if i%2 == 0 {
			l.Append(NewNop())
		} else {
			l.Append(NewRet())
		}
	}
	for in := range l.All() {
		if in.Opcode() == OpNop {
			l.Remove(in)
		}
	}
	require.Equal(t, []Opcode{OpRet, OpRet, OpRet}, opcodes(l))
}

func TestInstrListMetaNavigation(t *testing.T) {
	l := NewInstrList()
	m1 := NewAddm(0x100, 1)
	m1.SetMeta(true)
	app := NewMovImm(RegR0, 1)
	m2 := NewNop()
	m2.SetMeta(true)
	l.Append(m1)
	l.Append(app)
	l.Append(m2)
	require.Equal(t, app, l.FirstApp())
	require.Equal(t, app, l.LastApp())
	require.Nil(t, app.NextApp())
}

func TestInstrListCloneRemapsTargets(t *testing.T) {
	l := NewInstrList()
	top := NewLabel()
	l.Append(top)
	l.Append(NewJmp(NewInstrPC(top)))
	l.SetFallthrough(0x1234)

	c := l.Clone()
	require.Equal(t, 2, c.Len())
	require.Equal(t, uint64(0x1234), c.Fallthrough())
	require.Equal(t, c.First(), c.Last().Target().Instr())
	require.Equal(t, top, l.Last().Target().Instr())
}

func TestInstrListDestroy(t *testing.T) {
	l := NewInstrList()
	in := NewNop()
	l.Append(in)
	l.Destroy()
	require.Equal(t, 0, l.Len())
	require.Nil(t, l.First())
	require.Nil(t, in.List())
	require.Equal(t, OpInvalid, in.Opcode())
}
