package ir

import "fmt"

// Level describes how much of an instruction is known.
type Level uint8

const (
	// LevelRaw instructions carry only raw bytes.
	LevelRaw Level = iota + 1
	// LevelOpcode instructions know their opcode and flag effects.
	LevelOpcode
	// LevelOperands instructions are fully decoded; raw bytes still valid.
	LevelOperands
	// LevelModified instructions have authoritative operands and stale or
	// absent raw bytes.
	LevelModified
)

func (l Level) String() string {
	switch l {
	case LevelRaw:
		return "raw"
	case LevelOpcode:
		return "opcode"
	case LevelOperands:
		return "operands"
	case LevelModified:
		return "modified"
	}
	return fmt.Sprintf("level(%d)", uint8(l))
}

type instrFlags uint16

const (
	flagRawValid instrFlags = 1 << iota
	flagOpcodeValid
	flagOperandsValid
	flagRawOwned
	flagMeta
	flagExitCTI
	flagHasTranslation
)

// Instr is one instruction of an InstrList. Its opcode and operands are
// decoded lazily from raw bytes on first access.
type Instr struct {
	opcode Opcode
	flags  instrFlags
	srcs   []Opnd
	dsts   []Opnd

	raw   []byte
	rawPC uint64

	translation uint64
	note        any

	// encPC is where the instruction was last laid out by EncodeList.
	encPC uint64

	list       *InstrList
	idx        int32
	prev, next int32
}

// NewInstr creates a modified-level instruction with room for exactly
// ndst destination and nsrc source operands.
func NewInstr(op Opcode, ndst, nsrc int) *Instr {
	in := &Instr{
		opcode: op,
		flags:  flagOpcodeValid | flagOperandsValid,
		dsts:   make([]Opnd, ndst),
		srcs:   make([]Opnd, nsrc),
		idx:    -1,
	}
	return in
}

// NewRaw creates a raw-level instruction over bytes that were fetched at pc.
// The instruction borrows raw until OwnRaw is called.
func NewRaw(raw []byte, pc uint64) *Instr {
	return &Instr{
		opcode: OpUndecoded,
		flags:  flagRawValid,
		raw:    raw,
		rawPC:  pc,
		idx:    -1,
	}
}

// Level reports how much of in is known.
func (in *Instr) Level() Level {
	switch {
	case in.flags&flagOperandsValid != 0 && in.flags&flagRawValid == 0:
		return LevelModified
	case in.flags&flagOperandsValid != 0:
		return LevelOperands
	case in.flags&flagOpcodeValid != 0:
		return LevelOpcode
	}
	return LevelRaw
}

// Opcode returns the opcode, decoding it from the raw bytes if needed. An
// undecodable raw instruction reports OpUndecoded.
func (in *Instr) Opcode() Opcode {
	if in.flags&flagOpcodeValid == 0 && in.flags&flagRawValid != 0 && len(in.raw) > 0 {
		if op := OpcodeForByte(in.raw[0]); op != OpInvalid {
			in.opcode = op
			in.flags |= flagOpcodeValid
		}
	}
	return in.opcode
}

// SetOpcode changes the opcode. Operands are decoded first so that they
// survive; raw bytes become stale.
func (in *Instr) SetOpcode(op Opcode) {
	in.upgrade()
	in.opcode = op
	in.flags |= flagOpcodeValid
	in.invalidateRaw()
}

// upgrade decodes operands from raw bytes. It panics when the raw bytes do
// not decode, since callers asked for operands of an instruction that has
// none.
func (in *Instr) upgrade() {
	if in.flags&flagOperandsValid != 0 {
		return
	}
	if in.flags&flagRawValid == 0 {
		panic("ir: instruction has neither operands nor raw bytes")
	}
	op, dsts, srcs, err := decodeOperands(in.raw, in.rawPC, true)
	if err != nil {
		panic(fmt.Sprintf("ir: lazy decode at %#x: %v", in.rawPC, err))
	}
	in.opcode = op
	in.dsts = dsts
	in.srcs = srcs
	in.flags |= flagOpcodeValid | flagOperandsValid
}

// Decoded ensures the operands are available and reports whether the raw
// bytes decode. It never panics.
func (in *Instr) Decoded() error {
	if in.flags&flagOperandsValid != 0 {
		return nil
	}
	if in.flags&flagRawValid == 0 {
		return ErrDecode
	}
	op, dsts, srcs, err := decodeOperands(in.raw, in.rawPC, true)
	if err != nil {
		return err
	}
	in.opcode = op
	in.dsts = dsts
	in.srcs = srcs
	in.flags |= flagOpcodeValid | flagOperandsValid
	return nil
}

func (in *Instr) invalidateRaw() {
	in.flags &^= flagRawValid | flagRawOwned
	in.raw = nil
}

func (in *Instr) NumSrcs() int {
	in.upgrade()
	return len(in.srcs)
}

func (in *Instr) NumDsts() int {
	in.upgrade()
	return len(in.dsts)
}

func (in *Instr) Src(i int) Opnd {
	in.upgrade()
	return in.srcs[i]
}

func (in *Instr) Dst(i int) Opnd {
	in.upgrade()
	return in.dsts[i]
}

// SetSrc replaces source operand i. The operand count is fixed at creation.
func (in *Instr) SetSrc(i int, o Opnd) {
	in.upgrade()
	if i < 0 || i >= len(in.srcs) {
		panic(fmt.Sprintf("ir: %s has %d sources, cannot set %d", in.opcode, len(in.srcs), i))
	}
	in.srcs[i] = o
	in.invalidateRaw()
}

// SetDst replaces destination operand i.
func (in *Instr) SetDst(i int, o Opnd) {
	in.upgrade()
	if i < 0 || i >= len(in.dsts) {
		panic(fmt.Sprintf("ir: %s has %d destinations, cannot set %d", in.opcode, len(in.dsts), i))
	}
	in.dsts[i] = o
	in.invalidateRaw()
}

// targetIndex is the source slot holding a direct CTI's target.
func targetIndex(op Opcode) int {
	if op == OpJnt {
		return 1
	}
	return 0
}

// Target returns the branch target of a direct CTI.
func (in *Instr) Target() Opnd {
	op := in.Opcode()
	if !op.IsDirectCTI() {
		return NullOpnd
	}
	return in.Src(targetIndex(op))
}

// SetTarget replaces the branch target of a direct CTI.
func (in *Instr) SetTarget(o Opnd) {
	op := in.Opcode()
	if !op.IsDirectCTI() {
		panic(fmt.Sprintf("ir: %s has no direct target", op))
	}
	in.SetSrc(targetIndex(op), o)
}

// Raw returns the raw bytes, or nil when they are stale.
func (in *Instr) Raw() []byte {
	if in.flags&flagRawValid == 0 {
		return nil
	}
	return in.raw
}

// RawPC is the address the raw bytes were fetched from.
func (in *Instr) RawPC() uint64 { return in.rawPC }

func (in *Instr) HasRaw() bool { return in.flags&flagRawValid != 0 }

// OwnRaw replaces borrowed raw bytes with a private copy.
func (in *Instr) OwnRaw() {
	if in.flags&flagRawValid == 0 || in.flags&flagRawOwned != 0 {
		return
	}
	in.raw = append([]byte(nil), in.raw...)
	in.flags |= flagRawOwned
}

func (in *Instr) RawOwned() bool { return in.flags&flagRawOwned != 0 }

// Length is the encoded length of in.
func (in *Instr) Length() int {
	if in.flags&flagRawValid != 0 {
		return len(in.raw)
	}
	return in.Opcode().Length()
}

// IsMeta reports instructions inserted by a client that the engine must
// not mangle or translate.
func (in *Instr) IsMeta() bool { return in.flags&flagMeta != 0 }

func (in *Instr) SetMeta(meta bool) { in.setFlag(flagMeta, meta) }

// IsExitCTI reports branches that leave the fragment through an exit stub.
func (in *Instr) IsExitCTI() bool { return in.flags&flagExitCTI != 0 }

func (in *Instr) SetExitCTI(exit bool) { in.setFlag(flagExitCTI, exit) }

func (in *Instr) setFlag(f instrFlags, on bool) {
	if on {
		in.flags |= f
	} else {
		in.flags &^= f
	}
}

// Translation is the application pc this instruction stands for.
func (in *Instr) Translation() (uint64, bool) {
	return in.translation, in.flags&flagHasTranslation != 0
}

func (in *Instr) SetTranslation(pc uint64) {
	in.translation = pc
	in.flags |= flagHasTranslation
}

func (in *Instr) ClearTranslation() {
	in.translation = 0
	in.flags &^= flagHasTranslation
}

// Note is an opaque value for clients and the engine.
func (in *Instr) Note() any { return in.note }

func (in *Instr) SetNote(n any) { in.note = n }

// EncodedPC is the address in was assigned by the last Layout or
// EncodeList of its list.
func (in *Instr) EncodedPC() uint64 { return in.encPC }

// IsApp reports a non-meta instruction.
func (in *Instr) IsApp() bool { return !in.IsMeta() }

func (in *Instr) IsCTI() bool { return in.Opcode().IsCTI() }

func (in *Instr) ReadsFlags() bool { return in.Opcode().ReadsFlags() }

func (in *Instr) WritesFlags() bool { return in.Opcode().WritesFlags() }

// Reset clears client and engine state. An instruction with valid raw bytes
// goes back to the raw level; one without becomes empty.
func (in *Instr) Reset() {
	in.flags &= flagRawValid | flagRawOwned
	in.translation = 0
	in.note = nil
	in.encPC = 0
	in.srcs = nil
	in.dsts = nil
	if in.flags&flagRawValid != 0 {
		in.opcode = OpUndecoded
	} else {
		in.opcode = OpInvalid
		in.raw = nil
		in.flags |= flagOpcodeValid | flagOperandsValid
	}
}

// Clone returns a detached deep copy of in. InstrPC operands still point at
// the original targets.
func (in *Instr) Clone() *Instr {
	c := &Instr{
		opcode:      in.opcode,
		flags:       in.flags,
		rawPC:       in.rawPC,
		translation: in.translation,
		note:        in.note,
		idx:         -1,
	}
	if in.srcs != nil {
		c.srcs = append([]Opnd(nil), in.srcs...)
	}
	if in.dsts != nil {
		c.dsts = append([]Opnd(nil), in.dsts...)
	}
	if in.flags&flagRawValid != 0 {
		c.raw = append([]byte(nil), in.raw...)
		c.flags |= flagRawOwned
	}
	return c
}

// Destroy detaches in from its list and drops its contents.
func (in *Instr) Destroy() {
	if in.list != nil {
		in.list.Remove(in)
	}
	*in = Instr{opcode: OpInvalid, idx: -1}
}

// List is the list that owns in, or nil.
func (in *Instr) List() *InstrList { return in.list }

// Next returns the following instruction in the owning list.
func (in *Instr) Next() *Instr {
	if in.list == nil {
		return nil
	}
	return in.list.at(in.next)
}

// Prev returns the preceding instruction in the owning list.
func (in *Instr) Prev() *Instr {
	if in.list == nil {
		return nil
	}
	return in.list.at(in.prev)
}

// NextApp skips meta instructions.
func (in *Instr) NextApp() *Instr {
	n := in.Next()
	for n != nil && n.IsMeta() {
		n = n.Next()
	}
	return n
}

func (in *Instr) String() string {
	return Disassemble(in)
}
