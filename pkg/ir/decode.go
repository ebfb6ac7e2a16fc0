package ir

import (
	"encoding/binary"

	rerrors "github.com/ascrivener/rio/pkg/errors"
)

var (
	// ErrDecode reports bytes that are not a valid instruction.
	ErrDecode = rerrors.New("invalid instruction")
	// ErrTruncated reports an instruction running past executable memory.
	ErrTruncated = rerrors.New("truncated instruction")
	// ErrNotExecutable reports a pc with no executable memory.
	ErrNotExecutable = rerrors.New("address not executable")
	// ErrCacheOnly reports an engine-only opcode found in application code.
	ErrCacheOnly = rerrors.New("cache-only opcode in application code")
	// ErrEncode reports operands that cannot be encoded.
	ErrEncode = rerrors.New("operands not encodable")
)

// Fetcher supplies instruction bytes from executable memory.
type Fetcher interface {
	// FetchCode copies up to len(buf) executable bytes starting at pc into
	// buf and returns how many were copied.
	FetchCode(pc uint64, buf []byte) int
}

// fetch reads one complete instruction at pc into a fresh buffer.
func fetch(f Fetcher, pc uint64, allowCacheOnly bool) ([]byte, Opcode, error) {
	var first [1]byte
	if f.FetchCode(pc, first[:]) != 1 {
		return nil, OpInvalid, rerrors.Wrap(ErrNotExecutable, "decode", pc)
	}
	op := OpcodeForByte(first[0])
	if op == OpInvalid {
		return nil, OpInvalid, rerrors.Wrap(ErrDecode, "decode", pc)
	}
	if op.IsCacheOnly() && !allowCacheOnly {
		return nil, OpInvalid, rerrors.Wrap(ErrCacheOnly, "decode", pc)
	}
	raw := make([]byte, op.Length())
	if n := f.FetchCode(pc, raw); n != len(raw) {
		return nil, OpInvalid, rerrors.Wrap(ErrTruncated, "decode", pc)
	}
	return raw, op, nil
}

// Decode fully decodes the application instruction at pc and returns it
// with the pc of the next instruction.
func Decode(f Fetcher, pc uint64) (*Instr, uint64, error) {
	raw, _, err := fetch(f, pc, false)
	if err != nil {
		return nil, 0, err
	}
	in := NewRaw(raw, pc)
	in.flags |= flagRawOwned
	if err := in.Decoded(); err != nil {
		return nil, 0, rerrors.Wrap(err, "decode", pc)
	}
	return in, pc + uint64(len(raw)), nil
}

// DecodeCTI decodes only as far as the engine needs to find block
// boundaries: the opcode always, operands only for control transfers.
func DecodeCTI(f Fetcher, pc uint64) (*Instr, uint64, error) {
	raw, op, err := fetch(f, pc, false)
	if err != nil {
		return nil, 0, err
	}
	in := NewRaw(raw, pc)
	in.flags |= flagRawOwned
	if op.IsCTI() {
		if err := in.Decoded(); err != nil {
			return nil, 0, rerrors.Wrap(err, "decode", pc)
		}
	} else {
		in.opcode = op
		in.flags |= flagOpcodeValid
	}
	return in, pc + uint64(len(raw)), nil
}

// DecodeBytes fully decodes one application instruction from b, which was
// located at pc. It returns the instruction length.
func DecodeBytes(b []byte, pc uint64) (*Instr, int, error) {
	return decodeBytes(b, pc, false)
}

// DecodeCacheBytes is DecodeBytes that also accepts engine-only opcodes.
func DecodeCacheBytes(b []byte, pc uint64) (*Instr, int, error) {
	return decodeBytes(b, pc, true)
}

func decodeBytes(b []byte, pc uint64, allowCacheOnly bool) (*Instr, int, error) {
	if len(b) == 0 {
		return nil, 0, rerrors.Wrap(ErrTruncated, "decode", pc)
	}
	op := OpcodeForByte(b[0])
	if op == OpInvalid {
		return nil, 0, rerrors.Wrap(ErrDecode, "decode", pc)
	}
	if op.IsCacheOnly() && !allowCacheOnly {
		return nil, 0, rerrors.Wrap(ErrCacheOnly, "decode", pc)
	}
	n := op.Length()
	if len(b) < n {
		return nil, 0, rerrors.Wrap(ErrTruncated, "decode", pc)
	}
	in := NewRaw(b[:n], pc)
	if err := in.Decoded(); err != nil {
		return nil, 0, rerrors.Wrap(err, "decode", pc)
	}
	return in, n, nil
}

// RelFieldOffset is the offset of the patchable rel32 field within a
// pc-relative instruction, or -1.
func RelFieldOffset(op Opcode) int {
	switch op.info().fmt {
	case fmtRel32:
		return 1
	case fmtJnt:
		return 5
	}
	return -1
}

func regField(b byte) (Reg, error) {
	if b>>4 != 0 {
		return RegNull, ErrDecode
	}
	return Reg(b), nil
}

func stackSlot(disp int32) Opnd { return NewMem(RegSP, disp, Size8) }

// decodeOperands decodes the instruction in raw (located at pc) into its
// canonical operand layout. Create functions build the same layouts.
func decodeOperands(raw []byte, pc uint64, allowCacheOnly bool) (Opcode, []Opnd, []Opnd, error) {
	if len(raw) == 0 {
		return OpInvalid, nil, nil, ErrTruncated
	}
	op := OpcodeForByte(raw[0])
	if op == OpInvalid {
		return OpInvalid, nil, nil, ErrDecode
	}
	if op.IsCacheOnly() && !allowCacheOnly {
		return OpInvalid, nil, nil, ErrCacheOnly
	}
	if len(raw) != op.Length() {
		return OpInvalid, nil, nil, ErrTruncated
	}
	le := binary.LittleEndian
	next := pc + uint64(len(raw))
	var dsts, srcs []Opnd

	switch op.info().fmt {
	case fmtNone:
		switch op {
		case OpRet, OpPopT:
			dsts = []Opnd{NewReg(RegSP)}
			srcs = []Opnd{NewReg(RegSP), stackSlot(0)}
		case OpSyscall:
			dsts = []Opnd{NewReg(RegR0)}
			srcs = []Opnd{NewReg(RegR0), NewReg(RegR1), NewReg(RegR2), NewReg(RegR3)}
		}
	case fmtR:
		r, err := regField(raw[1])
		if err != nil {
			return OpInvalid, nil, nil, err
		}
		switch op {
		case OpPush:
			dsts = []Opnd{stackSlot(-8), NewReg(RegSP)}
			srcs = []Opnd{NewReg(r), NewReg(RegSP)}
		case OpPop:
			dsts = []Opnd{NewReg(r), NewReg(RegSP)}
			srcs = []Opnd{stackSlot(0), NewReg(RegSP)}
		case OpCallInd:
			dsts = []Opnd{NewReg(RegSP), stackSlot(-8)}
			srcs = []Opnd{NewReg(r), NewReg(RegSP)}
		default: // jmpr, sett
			srcs = []Opnd{NewReg(r)}
		}
	case fmtRR:
		d, s := Reg(raw[1]>>4), Reg(raw[1]&0xF)
		switch op {
		case OpMov:
			dsts = []Opnd{NewReg(d)}
			srcs = []Opnd{NewReg(s)}
		case OpCmp:
			srcs = []Opnd{NewReg(d), NewReg(s)}
		default:
			dsts = []Opnd{NewReg(d)}
			srcs = []Opnd{NewReg(s), NewReg(d)}
		}
	case fmtRI32:
		r, err := regField(raw[1])
		if err != nil {
			return OpInvalid, nil, nil, err
		}
		imm := NewImmed(int64(int32(le.Uint32(raw[2:]))), Size4)
		switch op {
		case OpMovImm:
			dsts = []Opnd{NewReg(r)}
			srcs = []Opnd{imm}
		case OpCmpImm:
			srcs = []Opnd{NewReg(r), imm}
		default:
			dsts = []Opnd{NewReg(r)}
			srcs = []Opnd{imm, NewReg(r)}
		}
	case fmtRI64:
		r, err := regField(raw[1])
		if err != nil {
			return OpInvalid, nil, nil, err
		}
		dsts = []Opnd{NewReg(r)}
		srcs = []Opnd{NewImmed(int64(le.Uint64(raw[2:])), Size8)}
	case fmtRI8:
		r, err := regField(raw[1])
		if err != nil {
			return OpInvalid, nil, nil, err
		}
		dsts = []Opnd{NewReg(r)}
		srcs = []Opnd{NewImmed(int64(raw[2]), Size1), NewReg(r)}
	case fmtMem:
		r, base := Reg(raw[1]>>4), Reg(raw[1]&0xF)
		disp := int32(le.Uint32(raw[2:]))
		size := Size8
		switch op {
		case OpLdb, OpStb:
			size = Size1
		case OpLea:
			size = SizeNone
		}
		mem := NewMem(base, disp, size)
		if op == OpStq || op == OpStb {
			dsts = []Opnd{mem}
			srcs = []Opnd{NewReg(r)}
		} else {
			dsts = []Opnd{NewReg(r)}
			srcs = []Opnd{mem}
		}
	case fmtRel32:
		target := NewPC(next + uint64(int64(int32(le.Uint32(raw[1:])))))
		if op == OpCall {
			dsts = []Opnd{NewReg(RegSP), stackSlot(-8)}
			srcs = []Opnd{target, NewReg(RegSP)}
		} else {
			srcs = []Opnd{target}
		}
	case fmtImm32:
		dsts = []Opnd{stackSlot(-8), NewReg(RegSP)}
		srcs = []Opnd{NewImmed(int64(int32(le.Uint32(raw[1:]))), Size4), NewReg(RegSP)}
	case fmtImm8:
		srcs = []Opnd{NewImmed(int64(raw[1]), Size1)}
	case fmtAbsImm:
		addr := NewAbsAddr(le.Uint64(raw[1:]), Size8)
		dsts = []Opnd{addr}
		srcs = []Opnd{NewImmed(int64(int32(le.Uint32(raw[9:]))), Size4), addr}
	case fmtExit:
		srcs = []Opnd{NewImmed(int64(le.Uint16(raw[1:])), Size2)}
	case fmtIBL:
		if BranchType(raw[1]) >= BranchTypeCount {
			return OpInvalid, nil, nil, ErrDecode
		}
		srcs = []Opnd{NewImmed(int64(raw[1]), Size1), NewImmed(int64(le.Uint16(raw[2:])), Size2)}
	case fmtJnt:
		srcs = []Opnd{
			NewImmed(int64(le.Uint32(raw[1:])), Size4),
			NewPC(next + uint64(int64(int32(le.Uint32(raw[5:]))))),
		}
	default:
		return OpInvalid, nil, nil, ErrDecode
	}
	if dsts == nil {
		dsts = []Opnd{}
	}
	if srcs == nil {
		srcs = []Opnd{}
	}
	return op, dsts, srcs, nil
}
