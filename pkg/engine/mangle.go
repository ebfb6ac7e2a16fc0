package engine

import (
	"github.com/ascrivener/rio/pkg/fragment"
	"github.com/ascrivener/rio/pkg/ir"
)

// mangler collects the exits of a list as its control transfers are
// rewritten into exit branches. The note of an exit branch is its ordinal.
type mangler struct {
	exits []ExitInfo
}

// add makes in the exit branch for x.
func (m *mangler) add(in *ir.Instr, x ExitInfo) {
	in.SetMeta(false)
	in.SetExitCTI(true)
	in.SetNote(uint16(len(m.exits)))
	m.exits = append(m.exits, x)
}

// exitJump returns a jump that will become an exit branch. Emit retargets it
// to its stub.
func exitJump(pc uint64) *ir.Instr {
	j := ir.NewJmp(ir.NewPC(0))
	j.SetTranslation(pc)
	return j
}

func mangled(in *ir.Instr, pc uint64) *ir.Instr {
	in.SetTranslation(pc)
	return in
}

// mangleEnd rewrites the last application instruction of a block into exit
// branches and returns flags updated for the ending.
//
//	jmp T          exit -> T
//	jcc T          jcc exit -> T; exit -> fall
//	call T         pushi fall; exit -> T
//	jmpr r         sett r; exit (indirect)
//	callr r        sett r; pushi fall; exit (indirect)
//	ret            popt; exit (indirect)
//	syscall, int   exit -> fall, handled by the dispatcher
//	(none)         exit -> fall
func (m *mangler) mangleEnd(l *ir.InstrList, flags fragment.Flags) fragment.Flags {
	last := l.LastApp()
	fall := l.Fallthrough()
	exits, flags := classifyEnd(last, fall, flags)
	pc, _ := last.Translation()
	op := last.Opcode()
	switch {
	case op == ir.OpJmp:
		m.add(last, exits[0])
	case op.IsCBR():
		m.add(last, exits[0])
		j := exitJump(pc)
		l.InsertAfter(last, j)
		m.add(j, exits[1])
	case op == ir.OpCall:
		j := exitJump(pc)
		l.InsertAfter(last, j)
		l.Replace(last, mangled(ir.NewPushImm(int32(fall)), pc)).Destroy()
		m.add(j, exits[0])
	case op == ir.OpJmpInd:
		j := exitJump(pc)
		l.InsertAfter(last, j)
		l.Replace(last, mangled(ir.NewSetT(last.Src(0).Reg()), pc)).Destroy()
		m.add(j, exits[0])
	case op == ir.OpCallInd:
		r := last.Src(0).Reg()
		push := mangled(ir.NewPushImm(int32(fall)), pc)
		j := exitJump(pc)
		l.InsertAfter(last, j)
		l.InsertAfter(last, push)
		l.Replace(last, mangled(ir.NewSetT(r), pc)).Destroy()
		m.add(j, exits[0])
	case op == ir.OpRet:
		j := exitJump(pc)
		l.InsertAfter(last, j)
		l.Replace(last, mangled(ir.NewPopT(), pc)).Destroy()
		m.add(j, exits[0])
	case op.IsSyscall() || op.IsInterrupt():
		j := exitJump(pc)
		l.Replace(last, j).Destroy()
		m.add(j, exits[0])
	default:
		j := exitJump(fall)
		l.Append(j)
		m.add(j, exits[0])
	}
	return flags
}
