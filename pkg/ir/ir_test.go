package ir

import (
	"bytes"
	"testing"

	rerrors "github.com/ascrivener/rio/pkg/errors"
	"github.com/stretchr/testify/require"
)

type flatMem struct {
	base uint64
	code []byte
}

func (m flatMem) FetchCode(pc uint64, buf []byte) int {
	if pc < m.base || pc >= m.base+uint64(len(m.code)) {
		return 0
	}
	return copy(buf, m.code[pc-m.base:])
}

func corpus() []*Instr {
	return []*Instr{
		NewNop(),
		NewMov(RegR1, RegR2),
		NewMovImm(RegR0, -5),
		NewMovAbs(RegR14, 0x1122334455667788),
		NewLoad(OpLdq, RegR3, RegSP, 16),
		NewLoad(OpLdb, RegR4, RegR5, -1),
		NewLoad(OpLea, RegR6, RegR7, 0x100),
		NewStore(OpStq, RegSP, -8, RegR9),
		NewStore(OpStb, RegR1, 3, RegR2),
		NewArith(OpAdd, RegR1, RegR2),
		NewArith(OpSub, RegR3, RegR4),
		NewArith(OpAnd, RegR5, RegR6),
		NewArith(OpOr, RegR7, RegR8),
		NewArith(OpXor, RegR9, RegR10),
		NewArith(OpMul, RegR11, RegR12),
		NewArith(OpCmp, RegR13, RegR14),
		NewArithImm(OpAddImm, RegR1, 7),
		NewArithImm(OpSubImm, RegSP, 64),
		NewArithImm(OpCmpImm, RegR0, -1),
		NewShift(OpShl, RegR2, 3),
		NewShift(OpShr, RegR2, 63),
		NewAddm(0x20000, 1),
		NewPush(RegR3),
		NewPop(RegR4),
		NewPushImm(0x1234),
		NewJmp(NewPC(0x1100)),
		NewJcc(OpJe, NewPC(0x0F00)),
		NewJcc(OpJne, NewPC(0x1000)),
		NewJcc(OpJl, NewPC(0x1004)),
		NewJcc(OpJge, NewPC(0x1008)),
		NewJcc(OpJb, NewPC(0x100C)),
		NewJcc(OpJae, NewPC(0x1010)),
		NewCall(NewPC(0x2000)),
		NewJmpInd(RegR5),
		NewCallInd(RegR6),
		NewRet(),
		NewSyscall(),
		NewInt(3),
	}
}

func cacheCorpus() []*Instr {
	return []*Instr{
		NewExit(7),
		NewIBL(BranchIndCall, 2),
		NewSetT(RegR4),
		NewPopT(),
		NewJnt(0x401000, NewPC(0x1200)),
	}
}

// TestRoundTrip encodes every instruction form, decodes the bytes back and
// re-encodes: both encodings must be bit-identical.
func TestRoundTrip(t *testing.T) {
	const pc = 0x1000
	check := func(t *testing.T, in *Instr, cache bool) {
		enc, err := Encode(in, pc)
		require.NoError(t, err, Disassemble(in))
		require.Len(t, enc, in.Opcode().Length())

		var dec *Instr
		var n int
		if cache {
			dec, n, err = DecodeCacheBytes(enc, pc)
		} else {
			dec, n, err = DecodeBytes(enc, pc)
		}
		require.NoError(t, err)
		require.Equal(t, len(enc), n)
		require.Equal(t, in.Opcode(), dec.Opcode())
		require.Equal(t, Disassemble(in), Disassemble(dec))

		// Force re-encoding from operands rather than copying raw bytes.
		dec.SetOpcode(dec.Opcode())
		require.Equal(t, LevelModified, dec.Level())
		again, err := Encode(dec, pc)
		require.NoError(t, err)
		if !bytes.Equal(enc, again) {
			t.Fatalf("%s: % x != % x", Disassemble(in), enc, again)
		}
	}
	for _, in := range corpus() {
		t.Run(Disassemble(in), func(t *testing.T) { check(t, in, false) })
	}
	for _, in := range cacheCorpus() {
		t.Run(Disassemble(in), func(t *testing.T) { check(t, in, true) })
	}
}

func TestDecodeRejectsCacheOnly(t *testing.T) {
	for _, in := range cacheCorpus() {
		enc, err := Encode(in, 0x1000)
		require.NoError(t, err)
		_, _, err = DecodeBytes(enc, 0x1000)
		require.ErrorIs(t, err, ErrCacheOnly)
		require.True(t, rerrors.IsEngineError(err))
	}
}

func TestDecodeErrors(t *testing.T) {
	mem := flatMem{base: 0x1000, code: []byte{0xB8, 0x00, 0x01}}
	_, _, err := Decode(mem, 0x1000)
	require.ErrorIs(t, err, ErrTruncated)

	_, _, err = Decode(mem, 0x2000)
	require.ErrorIs(t, err, ErrNotExecutable)

	_, _, err = DecodeBytes([]byte{0x00}, 0)
	require.ErrorIs(t, err, ErrDecode)

	// Register byte with a non-zero high nibble.
	_, _, err = DecodeBytes([]byte{0x50, 0x31}, 0)
	require.ErrorIs(t, err, ErrDecode)
}

func TestDecodeCTILevels(t *testing.T) {
	l := NewInstrList()
	l.Append(NewMovImm(RegR0, 1))
	l.Append(NewJmp(NewPC(0x1000)))
	code, err := EncodeList(l, 0x1000)
	require.NoError(t, err)
	mem := flatMem{base: 0x1000, code: code}

	mov, next, err := DecodeCTI(mem, 0x1000)
	require.NoError(t, err)
	require.Equal(t, uint64(0x1006), next)
	require.Equal(t, LevelOpcode, mov.Level())
	require.Equal(t, OpMovImm, mov.Opcode())

	jmp, next, err := DecodeCTI(mem, next)
	require.NoError(t, err)
	require.Equal(t, uint64(0x100B), next)
	require.Equal(t, LevelOperands, jmp.Level())
	require.Equal(t, uint64(0x1000), jmp.Target().PC())

	// Operand access upgrades lazily.
	require.Equal(t, RegR0, mov.Dst(0).Reg())
	require.Equal(t, LevelOperands, mov.Level())
}

func TestRawLevelAndReset(t *testing.T) {
	in := NewRaw([]byte{0xB8, 0x02, 0x2A, 0, 0, 0}, 0x1000)
	require.Equal(t, LevelRaw, in.Level())
	require.False(t, in.RawOwned())
	in.OwnRaw()
	require.True(t, in.RawOwned())
	require.Equal(t, OpMovImm, in.Opcode())
	require.Equal(t, int64(42), in.Src(0).Immed())

	in.SetMeta(true)
	in.SetTranslation(0x1000)
	in.Reset()
	require.False(t, in.IsMeta())
	_, ok := in.Translation()
	require.False(t, ok)
	require.Equal(t, LevelRaw, in.Level())
	require.Equal(t, OpMovImm, in.Opcode())

	in.SetSrc(0, NewImmed(1, Size4))
	require.Equal(t, LevelModified, in.Level())
	require.Nil(t, in.Raw())
	in.Reset()
	require.Equal(t, OpInvalid, in.Opcode())
}

func TestUndecodedRawIsCopied(t *testing.T) {
	in := NewRaw([]byte{0x00, 0x01}, 0x1000)
	require.Equal(t, OpUndecoded, in.Opcode())
	require.Error(t, in.Decoded())
	enc, err := Encode(in, 0x1000)
	require.NoError(t, err)
	require.Equal(t, []byte{0x00, 0x01}, enc)
}

func TestMovedRelativeBranchIsReencoded(t *testing.T) {
	jmp := NewJmp(NewPC(0x1100))
	enc, err := Encode(jmp, 0x1000)
	require.NoError(t, err)

	dec, _, err := DecodeBytes(enc, 0x1000)
	require.NoError(t, err)
	moved, err := Encode(dec, 0x5000)
	require.NoError(t, err)

	back, _, err := DecodeBytes(moved, 0x5000)
	require.NoError(t, err)
	require.Equal(t, uint64(0x1100), back.Target().PC())
}

func TestInstrPCTargets(t *testing.T) {
	l := NewInstrList()
	top := NewLabel()
	l.Append(top)
	l.Append(NewArithImm(OpSubImm, RegR1, 1))
	l.Append(NewJcc(OpJne, NewInstrPC(top)))
	code, err := EncodeList(l, 0x4000)
	require.NoError(t, err)
	require.Len(t, code, 11)

	jne, _, err := DecodeBytes(code[6:], 0x4006)
	require.NoError(t, err)
	require.Equal(t, uint64(0x4000), jne.Target().PC())
}

func TestEncodeRejectsBadOperands(t *testing.T) {
	bad := NewMovImm(RegR0, 0)
	bad.SetSrc(0, NewImmed(1<<40, Size8))
	_, err := Encode(bad, 0)
	require.ErrorIs(t, err, ErrEncode)

	far := NewJmp(NewPC(0x1_0000_0000_0000))
	_, err = Encode(far, 0)
	require.ErrorIs(t, err, ErrEncode)

	_, err = Encode(NewLoad(OpLdq, RegR0, RegNull, 0), 0)
	require.ErrorIs(t, err, ErrEncode)
}

func TestOpcodePredicates(t *testing.T) {
	require.True(t, OpJe.IsCBR())
	require.True(t, OpJe.ReadsFlags())
	require.Equal(t, OpJne, OpJe.InvertCBR())
	require.True(t, OpRet.IsIndirect())
	require.True(t, OpRet.IsReturn())
	require.Equal(t, BranchReturn, OpRet.IndirectBranchType())
	require.Equal(t, BranchIndCall, OpCallInd.IndirectBranchType())
	require.Equal(t, BranchIndJmp, OpJmpInd.IndirectBranchType())
	require.True(t, OpCall.IsDirectCTI())
	require.True(t, OpSyscall.EndsBlock())
	require.False(t, OpSyscall.IsCTI())
	require.True(t, OpAdd.WritesFlags())
	require.False(t, OpAddm.WritesFlags())
	require.True(t, OpExit.IsCacheOnly())
	require.Equal(t, 1, RelFieldOffset(OpJmp))
	require.Equal(t, 5, RelFieldOffset(OpJnt))
	require.Equal(t, -1, RelFieldOffset(OpRet))
}

func TestParseReg(t *testing.T) {
	r, err := ParseReg("sp")
	require.NoError(t, err)
	require.Equal(t, RegSP, r)
	r, err = ParseReg("R12")
	require.NoError(t, err)
	require.Equal(t, RegR12, r)
	for _, s := range []string{"r16", "x1", "r01", ""} {
		_, err := ParseReg(s)
		require.Error(t, err, s)
	}
}

func TestDisassemble(t *testing.T) {
	cases := map[string]*Instr{
		"mov r0, 1":         NewMovImm(RegR0, 1),
		"ldq r1, [sp+8]":    NewLoad(OpLdq, RegR1, RegSP, 8),
		"stb [r2-4], r3":    NewStore(OpStb, RegR2, -4, RegR3),
		"jmp 0x1000":        NewJmp(NewPC(0x1000)),
		"addm [0x2000], -1": NewAddm(0x2000, -1),
		"ret":               NewRet(),
		"ibl 1, 3":          NewIBL(BranchIndCall, 3),
	}
	for want, in := range cases {
		require.Equal(t, want, Disassemble(in))
	}
}
