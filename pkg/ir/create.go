package ir

import (
	"math"

	rerrors "github.com/ascrivener/rio/pkg/errors"
)

// Constructors build instructions in the same operand layout the decoder
// produces, so a created instruction encodes to the bytes that decode back
// to it.

func build(op Opcode, dsts, srcs []Opnd) *Instr {
	in := NewInstr(op, len(dsts), len(srcs))
	copy(in.dsts, dsts)
	copy(in.srcs, srcs)
	return in
}

func NewNop() *Instr { return build(OpNop, nil, nil) }

// NewLabel creates a zero-length jump target.
func NewLabel() *Instr { return build(OpLabel, nil, nil) }

func NewMov(d, s Reg) *Instr {
	return build(OpMov, []Opnd{NewReg(d)}, []Opnd{NewReg(s)})
}

func NewMovImm(d Reg, imm int32) *Instr {
	return build(OpMovImm, []Opnd{NewReg(d)}, []Opnd{NewImmed(int64(imm), Size4)})
}

func NewMovAbs(d Reg, imm int64) *Instr {
	return build(OpMovAbs, []Opnd{NewReg(d)}, []Opnd{NewImmed(imm, Size8)})
}

func memSize(op Opcode) Size {
	switch op {
	case OpLdb, OpStb:
		return Size1
	case OpLea:
		return SizeNone
	}
	return Size8
}

// NewLoad creates ldq, ldb or lea.
func NewLoad(op Opcode, d, base Reg, disp int32) *Instr {
	return build(op, []Opnd{NewReg(d)}, []Opnd{NewMem(base, disp, memSize(op))})
}

// NewStore creates stq or stb.
func NewStore(op Opcode, base Reg, disp int32, s Reg) *Instr {
	return build(op, []Opnd{NewMem(base, disp, memSize(op))}, []Opnd{NewReg(s)})
}

// NewArith creates a two-register arithmetic instruction (d = d op s).
func NewArith(op Opcode, d, s Reg) *Instr {
	if op == OpCmp {
		return build(op, nil, []Opnd{NewReg(d), NewReg(s)})
	}
	return build(op, []Opnd{NewReg(d)}, []Opnd{NewReg(s), NewReg(d)})
}

// NewArithImm creates addi, subi or cmpi.
func NewArithImm(op Opcode, d Reg, imm int32) *Instr {
	if op == OpCmpImm {
		return build(op, nil, []Opnd{NewReg(d), NewImmed(int64(imm), Size4)})
	}
	return build(op, []Opnd{NewReg(d)}, []Opnd{NewImmed(int64(imm), Size4), NewReg(d)})
}

func NewShift(op Opcode, d Reg, n uint8) *Instr {
	return build(op, []Opnd{NewReg(d)}, []Opnd{NewImmed(int64(n), Size1), NewReg(d)})
}

// NewAddm adds imm to the 64-bit word at addr without touching flags.
func NewAddm(addr uint64, imm int32) *Instr {
	m := NewAbsAddr(addr, Size8)
	return build(OpAddm, []Opnd{m}, []Opnd{NewImmed(int64(imm), Size4), m})
}

func NewPush(r Reg) *Instr {
	return build(OpPush, []Opnd{stackSlot(-8), NewReg(RegSP)}, []Opnd{NewReg(r), NewReg(RegSP)})
}

func NewPop(r Reg) *Instr {
	return build(OpPop, []Opnd{NewReg(r), NewReg(RegSP)}, []Opnd{stackSlot(0), NewReg(RegSP)})
}

func NewPushImm(imm int32) *Instr {
	return build(OpPushImm, []Opnd{stackSlot(-8), NewReg(RegSP)}, []Opnd{NewImmed(int64(imm), Size4), NewReg(RegSP)})
}

// NewJmp creates an unconditional direct jump to target (a PC or InstrPC
// operand).
func NewJmp(target Opnd) *Instr { return build(OpJmp, nil, []Opnd{target}) }

// NewJcc creates a conditional branch.
func NewJcc(op Opcode, target Opnd) *Instr { return build(op, nil, []Opnd{target}) }

func NewCall(target Opnd) *Instr {
	return build(OpCall, []Opnd{NewReg(RegSP), stackSlot(-8)}, []Opnd{target, NewReg(RegSP)})
}

func NewJmpInd(r Reg) *Instr { return build(OpJmpInd, nil, []Opnd{NewReg(r)}) }

func NewCallInd(r Reg) *Instr {
	return build(OpCallInd, []Opnd{NewReg(RegSP), stackSlot(-8)}, []Opnd{NewReg(r), NewReg(RegSP)})
}

func NewRet() *Instr {
	return build(OpRet, []Opnd{NewReg(RegSP)}, []Opnd{NewReg(RegSP), stackSlot(0)})
}

func NewSyscall() *Instr {
	return build(OpSyscall, []Opnd{NewReg(RegR0)}, []Opnd{NewReg(RegR0), NewReg(RegR1), NewReg(RegR2), NewReg(RegR3)})
}

func NewInt(vector uint8) *Instr {
	return build(OpInt, nil, []Opnd{NewImmed(int64(vector), Size1)})
}

// NewExit leaves the fragment through exit stub ordinal ord.
func NewExit(ord uint16) *Instr {
	return build(OpExit, nil, []Opnd{NewImmed(int64(ord), Size2)})
}

// NewIBL looks the thread's target slot up in the kind table and falls
// back to exit ord on a miss.
func NewIBL(kind BranchType, ord uint16) *Instr {
	return build(OpIBL, nil, []Opnd{NewImmed(int64(kind), Size1), NewImmed(int64(ord), Size2)})
}

// NewSetT copies r into the thread's indirect target slot.
func NewSetT(r Reg) *Instr { return build(OpSetT, nil, []Opnd{NewReg(r)}) }

// NewPopT pops the return address into the thread's indirect target slot.
func NewPopT() *Instr {
	return build(OpPopT, []Opnd{NewReg(RegSP)}, []Opnd{NewReg(RegSP), stackSlot(0)})
}

// NewJnt branches to target when the indirect target slot differs from
// expect.
func NewJnt(expect uint32, target Opnd) *Instr {
	return build(OpJnt, nil, []Opnd{NewImmed(int64(expect), Size4), target})
}

// NewFromOperands builds op from its operands as written in assembly
// syntax, the inverse of what Disassemble prints.
func NewFromOperands(op Opcode, ops []Opnd) (*Instr, error) {
	want := func(kinds ...OpndKind) error {
		if len(ops) != len(kinds) {
			return rerrors.Errorf("assemble", 0, "%s takes %d operands, got %d", op, len(kinds), len(ops))
		}
		for i, k := range kinds {
			if ops[i].kind != k && !(k == KindPC && ops[i].kind == KindInstrPC) {
				return rerrors.Errorf("assemble", 0, "%s operand %d must be %s, got %s", op, i+1, k, ops[i].kind)
			}
		}
		return nil
	}
	fits := func(v, lo, hi int64) error {
		if v < lo || v > hi {
			return rerrors.Errorf("assemble", 0, "%s immediate %d out of range [%d,%d]", op, v, lo, hi)
		}
		return nil
	}
	var err error
	switch op.info().fmt {
	case fmtNone:
		if err = want(); err != nil {
			return nil, err
		}
		switch op {
		case OpRet:
			return NewRet(), nil
		case OpPopT:
			return NewPopT(), nil
		case OpSyscall:
			return NewSyscall(), nil
		}
		return NewNop(), nil
	case fmtR:
		if err = want(KindReg); err != nil {
			return nil, err
		}
		r := ops[0].reg
		switch op {
		case OpPush:
			return NewPush(r), nil
		case OpPop:
			return NewPop(r), nil
		case OpJmpInd:
			return NewJmpInd(r), nil
		case OpCallInd:
			return NewCallInd(r), nil
		}
		return NewSetT(r), nil
	case fmtRR:
		if err = want(KindReg, KindReg); err != nil {
			return nil, err
		}
		if op == OpMov {
			return NewMov(ops[0].reg, ops[1].reg), nil
		}
		return NewArith(op, ops[0].reg, ops[1].reg), nil
	case fmtRI32:
		if err = want(KindReg, KindImmed); err != nil {
			return nil, err
		}
		if err = fits(ops[1].value, math.MinInt32, math.MaxInt32); err != nil {
			return nil, err
		}
		if op == OpMovImm {
			return NewMovImm(ops[0].reg, int32(ops[1].value)), nil
		}
		return NewArithImm(op, ops[0].reg, int32(ops[1].value)), nil
	case fmtRI64:
		if err = want(KindReg, KindImmed); err != nil {
			return nil, err
		}
		return NewMovAbs(ops[0].reg, ops[1].value), nil
	case fmtRI8:
		if err = want(KindReg, KindImmed); err != nil {
			return nil, err
		}
		if err = fits(ops[1].value, 0, 255); err != nil {
			return nil, err
		}
		return NewShift(op, ops[0].reg, uint8(ops[1].value)), nil
	case fmtMem:
		if op == OpStq || op == OpStb {
			if err = want(KindBaseDisp, KindReg); err != nil {
				return nil, err
			}
			return NewStore(op, ops[0].base, ops[0].Disp(), ops[1].reg), nil
		}
		if err = want(KindReg, KindBaseDisp); err != nil {
			return nil, err
		}
		return NewLoad(op, ops[0].reg, ops[1].base, ops[1].Disp()), nil
	case fmtRel32:
		if err = want(KindPC); err != nil {
			return nil, err
		}
		switch op {
		case OpJmp:
			return NewJmp(ops[0]), nil
		case OpCall:
			return NewCall(ops[0]), nil
		}
		return NewJcc(op, ops[0]), nil
	case fmtImm32:
		if err = want(KindImmed); err != nil {
			return nil, err
		}
		if err = fits(ops[0].value, math.MinInt32, math.MaxInt32); err != nil {
			return nil, err
		}
		return NewPushImm(int32(ops[0].value)), nil
	case fmtImm8:
		if err = want(KindImmed); err != nil {
			return nil, err
		}
		if err = fits(ops[0].value, 0, 255); err != nil {
			return nil, err
		}
		return NewInt(uint8(ops[0].value)), nil
	case fmtAbsImm:
		if err = want(KindAbsAddr, KindImmed); err != nil {
			return nil, err
		}
		if err = fits(ops[1].value, math.MinInt32, math.MaxInt32); err != nil {
			return nil, err
		}
		return NewAddm(ops[0].Addr(), int32(ops[1].value)), nil
	case fmtExit:
		if err = want(KindImmed); err != nil {
			return nil, err
		}
		if err = fits(ops[0].value, 0, math.MaxUint16); err != nil {
			return nil, err
		}
		return NewExit(uint16(ops[0].value)), nil
	case fmtIBL:
		if err = want(KindImmed, KindImmed); err != nil {
			return nil, err
		}
		if err = fits(ops[0].value, 0, int64(BranchTypeCount)-1); err != nil {
			return nil, err
		}
		if err = fits(ops[1].value, 0, math.MaxUint16); err != nil {
			return nil, err
		}
		return NewIBL(BranchType(ops[0].value), uint16(ops[1].value)), nil
	case fmtJnt:
		if err = want(KindImmed, KindPC); err != nil {
			return nil, err
		}
		if err = fits(ops[0].value, 0, math.MaxUint32); err != nil {
			return nil, err
		}
		return NewJnt(uint32(ops[0].value), ops[1]), nil
	}
	return nil, rerrors.Errorf("assemble", 0, "%s cannot be assembled", op)
}
