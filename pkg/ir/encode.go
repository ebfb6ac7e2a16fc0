package ir

import (
	"encoding/binary"
	"math"

	rerrors "github.com/ascrivener/rio/pkg/errors"
)

// Encode encodes in as if placed at pc.
func Encode(in *Instr, pc uint64) ([]byte, error) {
	buf := make([]byte, in.Length())
	n, err := EncodeTo(buf, in, pc)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// EncodeTo encodes in as if placed at pc into buf and returns the number of
// bytes written. Valid raw bytes are copied verbatim unless the instruction
// is pc-relative and moved.
func EncodeTo(buf []byte, in *Instr, pc uint64) (int, error) {
	if in.flags&flagRawValid != 0 {
		if !in.Opcode().IsPCRelative() || pc == in.rawPC {
			if len(buf) < len(in.raw) {
				return 0, rerrors.Wrap(ErrEncode, "encode", pc)
			}
			return copy(buf, in.raw), nil
		}
		in.upgrade()
	}
	op := in.Opcode()
	if op == OpLabel {
		return 0, nil
	}
	if op.IsPseudo() {
		return 0, rerrors.Errorf("encode", pc, "%s has no encoding", op)
	}
	n := op.Length()
	if len(buf) < n {
		return 0, rerrors.Wrap(ErrEncode, "encode", pc)
	}
	if err := encodeOperands(buf[:n], in, pc); err != nil {
		return 0, rerrors.Wrap(err, "encode "+op.String(), pc)
	}
	return n, nil
}

func wantReg(o Opnd) (Reg, error) {
	if o.kind != KindReg || !o.reg.Valid() {
		return RegNull, ErrEncode
	}
	return o.reg, nil
}

func wantImm(o Opnd, lo, hi int64) (int64, error) {
	if o.kind != KindImmed || o.value < lo || o.value > hi {
		return 0, ErrEncode
	}
	return o.value, nil
}

// targetPC resolves a branch target operand to an absolute address.
func targetPC(o Opnd) (uint64, error) {
	switch o.kind {
	case KindPC:
		return uint64(o.value), nil
	case KindInstrPC:
		if o.instr == nil || o.instr.list == nil {
			return 0, ErrEncode
		}
		return o.instr.encPC, nil
	}
	return 0, ErrEncode
}

func rel32(target, next uint64) (uint32, error) {
	d := int64(target - next)
	if d < math.MinInt32 || d > math.MaxInt32 {
		return 0, ErrEncode
	}
	return uint32(int32(d)), nil
}

func encodeOperands(b []byte, in *Instr, pc uint64) error {
	le := binary.LittleEndian
	op := in.opcode
	b[0] = op.Byte()
	next := pc + uint64(len(b))
	srcs, dsts := in.srcs, in.dsts

	switch op.info().fmt {
	case fmtNone:
		return nil
	case fmtR:
		o := NullOpnd
		if op == OpPop {
			if len(dsts) > 0 {
				o = dsts[0]
			}
		} else if len(srcs) > 0 {
			o = srcs[0]
		}
		r, err := wantReg(o)
		if err != nil {
			return err
		}
		b[1] = byte(r)
	case fmtRR:
		var do, so Opnd
		switch {
		case op == OpCmp && len(srcs) == 2:
			do, so = srcs[0], srcs[1]
		case op != OpCmp && len(dsts) == 1 && len(srcs) >= 1:
			do, so = dsts[0], srcs[0]
			if len(srcs) == 2 && srcs[1] != dsts[0] {
				return ErrEncode
			}
		default:
			return ErrEncode
		}
		d, err := wantReg(do)
		if err != nil {
			return err
		}
		s, err := wantReg(so)
		if err != nil {
			return err
		}
		b[1] = byte(d)<<4 | byte(s)
	case fmtRI32:
		var ro, io Opnd
		switch {
		case op == OpCmpImm && len(srcs) == 2:
			ro, io = srcs[0], srcs[1]
		case op != OpCmpImm && len(dsts) == 1 && len(srcs) >= 1:
			ro, io = dsts[0], srcs[0]
		default:
			return ErrEncode
		}
		r, err := wantReg(ro)
		if err != nil {
			return err
		}
		imm, err := wantImm(io, math.MinInt32, math.MaxInt32)
		if err != nil {
			return err
		}
		b[1] = byte(r)
		le.PutUint32(b[2:], uint32(int32(imm)))
	case fmtRI64:
		if len(dsts) != 1 || len(srcs) != 1 || srcs[0].kind != KindImmed {
			return ErrEncode
		}
		r, err := wantReg(dsts[0])
		if err != nil {
			return err
		}
		b[1] = byte(r)
		le.PutUint64(b[2:], uint64(srcs[0].value))
	case fmtRI8:
		if len(dsts) != 1 || len(srcs) < 1 {
			return ErrEncode
		}
		r, err := wantReg(dsts[0])
		if err != nil {
			return err
		}
		imm, err := wantImm(srcs[0], 0, 255)
		if err != nil {
			return err
		}
		b[1] = byte(r)
		b[2] = byte(imm)
	case fmtMem:
		var ro, mo Opnd
		if len(dsts) != 1 || len(srcs) != 1 {
			return ErrEncode
		}
		if op == OpStq || op == OpStb {
			ro, mo = srcs[0], dsts[0]
		} else {
			ro, mo = dsts[0], srcs[0]
		}
		r, err := wantReg(ro)
		if err != nil {
			return err
		}
		if mo.kind != KindBaseDisp || !mo.base.Valid() || mo.index != RegNull {
			return ErrEncode
		}
		b[1] = byte(r)<<4 | byte(mo.base)
		le.PutUint32(b[2:], uint32(mo.Disp()))
	case fmtRel32:
		if len(srcs) < 1 {
			return ErrEncode
		}
		t, err := targetPC(srcs[0])
		if err != nil {
			return err
		}
		rel, err := rel32(t, next)
		if err != nil {
			return err
		}
		le.PutUint32(b[1:], rel)
	case fmtImm32:
		if len(srcs) < 1 {
			return ErrEncode
		}
		imm, err := wantImm(srcs[0], math.MinInt32, math.MaxInt32)
		if err != nil {
			return err
		}
		le.PutUint32(b[1:], uint32(int32(imm)))
	case fmtImm8:
		if len(srcs) != 1 {
			return ErrEncode
		}
		imm, err := wantImm(srcs[0], 0, 255)
		if err != nil {
			return err
		}
		b[1] = byte(imm)
	case fmtAbsImm:
		if len(dsts) != 1 || len(srcs) < 1 || dsts[0].kind != KindAbsAddr {
			return ErrEncode
		}
		imm, err := wantImm(srcs[0], math.MinInt32, math.MaxInt32)
		if err != nil {
			return err
		}
		le.PutUint64(b[1:], dsts[0].Addr())
		le.PutUint32(b[9:], uint32(int32(imm)))
	case fmtExit:
		if len(srcs) != 1 {
			return ErrEncode
		}
		ord, err := wantImm(srcs[0], 0, math.MaxUint16)
		if err != nil {
			return err
		}
		le.PutUint16(b[1:], uint16(ord))
	case fmtIBL:
		if len(srcs) != 2 {
			return ErrEncode
		}
		kind, err := wantImm(srcs[0], 0, int64(BranchTypeCount)-1)
		if err != nil {
			return err
		}
		ord, err := wantImm(srcs[1], 0, math.MaxUint16)
		if err != nil {
			return err
		}
		b[1] = byte(kind)
		le.PutUint16(b[2:], uint16(ord))
	case fmtJnt:
		if len(srcs) != 2 {
			return ErrEncode
		}
		imm, err := wantImm(srcs[0], 0, math.MaxUint32)
		if err != nil {
			return err
		}
		t, err := targetPC(srcs[1])
		if err != nil {
			return err
		}
		rel, err := rel32(t, next)
		if err != nil {
			return err
		}
		le.PutUint32(b[1:], uint32(imm))
		le.PutUint32(b[5:], rel)
	default:
		return ErrEncode
	}
	return nil
}

// Layout assigns every instruction of l its encoded address starting at pc
// and returns the total encoded size.
func Layout(l *InstrList, pc uint64) int {
	size := 0
	for in := range l.All() {
		in.encPC = pc + uint64(size)
		size += in.Length()
	}
	return size
}

// EncodeList lays out and encodes l at pc.
func EncodeList(l *InstrList, pc uint64) ([]byte, error) {
	size := Layout(l, pc)
	buf := make([]byte, size)
	off := 0
	for in := range l.All() {
		n, err := EncodeTo(buf[off:], in, in.encPC)
		if err != nil {
			return nil, err
		}
		off += n
	}
	return buf[:off], nil
}
