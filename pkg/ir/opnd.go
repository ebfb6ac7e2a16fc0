package ir

import (
	"fmt"
	"math"
)

// OpndKind tags the variant held by an Opnd.
type OpndKind uint8

const (
	KindNull OpndKind = iota
	KindImmed
	KindImmedFloat
	KindPC
	KindInstrPC
	KindReg
	KindBaseDisp
	KindFarPC
	KindFarBaseDisp
	KindAbsAddr
	KindRelAddr
	KindMemInstr
)

var kindNames = [...]string{
	KindNull:        "null",
	KindImmed:       "immed",
	KindImmedFloat:  "immed_float",
	KindPC:          "pc",
	KindInstrPC:     "instr",
	KindReg:         "reg",
	KindBaseDisp:    "base_disp",
	KindFarPC:       "far_pc",
	KindFarBaseDisp: "far_base_disp",
	KindAbsAddr:     "abs_addr",
	KindRelAddr:     "rel_addr",
	KindMemInstr:    "mem_instr",
}

func (k OpndKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Size is an operand width in bytes. Zero means unspecified.
type Size uint8

const (
	SizeNone Size = 0
	Size1    Size = 1
	Size2    Size = 2
	Size4    Size = 4
	Size8    Size = 8
)

// Opnd is an instruction operand. It is a small value type; copy it freely.
// Which fields are meaningful depends on Kind.
type Opnd struct {
	kind  OpndKind
	size  Size
	reg   Reg // KindReg
	base  Reg // KindBaseDisp, KindFarBaseDisp
	index Reg
	scale uint8
	seg   uint16 // KindFar*
	value int64  // immediate, displacement, pc or address
	instr *Instr // KindInstrPC, KindMemInstr
}

// NullOpnd is the empty operand.
var NullOpnd = Opnd{kind: KindNull}

func NewImmed(v int64, size Size) Opnd {
	return Opnd{kind: KindImmed, value: v, size: size, reg: RegNull, base: RegNull, index: RegNull}
}

func NewImmedFloat(f float64) Opnd {
	return Opnd{kind: KindImmedFloat, value: int64(math.Float64bits(f)), size: Size8, reg: RegNull, base: RegNull, index: RegNull}
}

// NewPC is an absolute application address used as a branch target.
func NewPC(pc uint64) Opnd {
	return Opnd{kind: KindPC, value: int64(pc), size: Size8, reg: RegNull, base: RegNull, index: RegNull}
}

// NewInstrPC targets another instruction in the same list; it is resolved
// at encode time.
func NewInstrPC(in *Instr) Opnd {
	return Opnd{kind: KindInstrPC, instr: in, size: Size8, reg: RegNull, base: RegNull, index: RegNull}
}

func NewReg(r Reg) Opnd {
	return Opnd{kind: KindReg, reg: r, size: Size8, base: RegNull, index: RegNull}
}

// NewBaseDisp is a memory reference [base + index*scale + disp].
func NewBaseDisp(base, index Reg, scale uint8, disp int32, size Size) Opnd {
	return Opnd{kind: KindBaseDisp, base: base, index: index, scale: scale, value: int64(disp), size: size, reg: RegNull}
}

// NewMem is the common [base + disp] form.
func NewMem(base Reg, disp int32, size Size) Opnd {
	return NewBaseDisp(base, RegNull, 0, disp, size)
}

func NewFarPC(seg uint16, pc uint64) Opnd {
	return Opnd{kind: KindFarPC, seg: seg, value: int64(pc), size: Size8, reg: RegNull, base: RegNull, index: RegNull}
}

func NewFarBaseDisp(seg uint16, base Reg, disp int32, size Size) Opnd {
	o := NewMem(base, disp, size)
	o.kind = KindFarBaseDisp
	o.seg = seg
	return o
}

// NewAbsAddr is a memory reference at an absolute address.
func NewAbsAddr(addr uint64, size Size) Opnd {
	return Opnd{kind: KindAbsAddr, value: int64(addr), size: size, reg: RegNull, base: RegNull, index: RegNull}
}

// NewRelAddr is a memory reference at an absolute address that is encoded
// relative to the instruction's own pc.
func NewRelAddr(addr uint64, size Size) Opnd {
	o := NewAbsAddr(addr, size)
	o.kind = KindRelAddr
	return o
}

// NewMemInstr is a memory reference at the encoded address of in plus disp.
func NewMemInstr(in *Instr, disp int32, size Size) Opnd {
	return Opnd{kind: KindMemInstr, instr: in, value: int64(disp), size: size, reg: RegNull, base: RegNull, index: RegNull}
}

func (o Opnd) Kind() OpndKind { return o.kind }
func (o Opnd) Size() Size     { return o.size }

func (o Opnd) IsNull() bool    { return o.kind == KindNull }
func (o Opnd) IsImmed() bool   { return o.kind == KindImmed }
func (o Opnd) IsReg() bool     { return o.kind == KindReg }
func (o Opnd) IsPC() bool      { return o.kind == KindPC }
func (o Opnd) IsInstrPC() bool { return o.kind == KindInstrPC }

// IsMemory reports operands that reference memory.
func (o Opnd) IsMemory() bool {
	switch o.kind {
	case KindBaseDisp, KindFarBaseDisp, KindAbsAddr, KindRelAddr, KindMemInstr:
		return true
	}
	return false
}

// IsTarget reports operands that can name a branch target.
func (o Opnd) IsTarget() bool {
	return o.kind == KindPC || o.kind == KindInstrPC || o.kind == KindFarPC
}

func (o Opnd) Immed() int64 { return o.value }

func (o Opnd) ImmedFloat() float64 { return math.Float64frombits(uint64(o.value)) }

func (o Opnd) PC() uint64 { return uint64(o.value) }

func (o Opnd) Instr() *Instr { return o.instr }

func (o Opnd) Reg() Reg { return o.reg }

func (o Opnd) Base() Reg { return o.base }

func (o Opnd) Index() Reg { return o.index }

func (o Opnd) Scale() uint8 { return o.scale }

func (o Opnd) Disp() int32 { return int32(o.value) }

func (o Opnd) Segment() uint16 { return o.seg }

// Addr is the address of an absolute or pc-relative memory operand.
func (o Opnd) Addr() uint64 { return uint64(o.value) }

// WithSize returns a copy of o with a different size tag.
func (o Opnd) WithSize(s Size) Opnd {
	o.size = s
	return o
}

// UsesReg reports whether r is read to evaluate o, either as the operand
// itself or as part of an address.
func (o Opnd) UsesReg(r Reg) bool {
	switch o.kind {
	case KindReg:
		return o.reg == r
	case KindBaseDisp, KindFarBaseDisp:
		return o.base == r || o.index == r
	}
	return false
}

// Equal compares operands structurally. Instruction operands compare by
// identity.
func (o Opnd) Equal(p Opnd) bool {
	return o == p
}

func (o Opnd) String() string {
	switch o.kind {
	case KindNull:
		return "<null>"
	case KindImmed:
		return fmt.Sprintf("%d", o.value)
	case KindImmedFloat:
		return fmt.Sprintf("%g", o.ImmedFloat())
	case KindPC:
		return fmt.Sprintf("%#x", uint64(o.value))
	case KindInstrPC:
		if o.instr != nil && o.instr.Opcode() == OpLabel {
			return fmt.Sprintf("@label%p", o.instr)
		}
		return fmt.Sprintf("@instr%p", o.instr)
	case KindReg:
		return o.reg.String()
	case KindBaseDisp, KindFarBaseDisp:
		prefix := ""
		if o.kind == KindFarBaseDisp {
			prefix = fmt.Sprintf("%#x:", o.seg)
		}
		s := prefix + "[" + o.base.String()
		if o.index != RegNull {
			s += fmt.Sprintf("+%s*%d", o.index, o.scale)
		}
		if d := o.Disp(); d > 0 {
			s += fmt.Sprintf("+%d", d)
		} else if d < 0 {
			s += fmt.Sprintf("%d", d)
		}
		return s + "]"
	case KindFarPC:
		return fmt.Sprintf("%#x:%#x", o.seg, uint64(o.value))
	case KindAbsAddr:
		return fmt.Sprintf("[%#x]", uint64(o.value))
	case KindRelAddr:
		return fmt.Sprintf("[rel %#x]", uint64(o.value))
	case KindMemInstr:
		return fmt.Sprintf("[@instr%p%+d]", o.instr, o.Disp())
	}
	return o.kind.String()
}
