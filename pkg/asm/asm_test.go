package asm

import (
	"strings"
	"testing"

	"github.com/ascrivener/rio/pkg/ir"
	"github.com/stretchr/testify/require"
)

func TestAssembleLoop(t *testing.T) {
	p, err := Assemble(`
	.entry start
	start:
		mov r1, 3           # counter
		mov r2, r1
	loop:
		subi r1, 1
		addm [hits], 1
		jne loop
		ldq r3, [sp+8]
		stb [r4-2], r3
		ret
	.data
	hits:
		.quad 0, start
	msg:
		.ascii "hi; there\n"
	`, 0x10000)
	require.NoError(t, err)
	require.Equal(t, uint64(0x10000), p.Entry)
	require.Equal(t, uint64(0x11000), p.DataOrigin)
	require.Equal(t, p.DataOrigin, p.Label("hits"))
	require.Equal(t, p.DataOrigin+16, p.Label("msg"))
	require.Equal(t, uint64(0x10008), p.Label("loop"))

	// movimm(6) mov(2) subi(6) addm(13) jne(5) ldq(6) stb(6) ret(1)
	require.Len(t, p.Code, 45)
	require.Len(t, p.Data, 16+10)
	// .quad start, little endian
	require.Equal(t, byte(0x00), p.Data[9])
	require.Equal(t, byte(0x01), p.Data[10])

	dis := Disasm(p)
	require.Contains(t, dis, "jne 0x10008")
	require.Contains(t, dis, "addm [0x11000], 1")
	require.Contains(t, dis, "stb [r4-2], r3")
}

func TestAssembleRoundTripsDisassembly(t *testing.T) {
	src := `
	pushi 5
	pop r0
	shl r0, 4
	cmp r0, r1
	cmpi r0, -7
	movabs r9, 0x123456789
	lea r2, [sp+16]
	jmpr r2
	callr r3
	call 0x20000
	syscall
	int 3
	`
	p, err := Assemble(src, 0x20000)
	require.NoError(t, err)

	var lines []string
	for off := 0; off < len(p.Code); {
		in, n, err := ir.DecodeBytes(p.Code[off:], p.Origin+uint64(off))
		require.NoError(t, err)
		lines = append(lines, ir.Disassemble(in))
		off += n
	}
	back, err := Assemble(strings.Join(lines, "\n"), 0x20000)
	require.NoError(t, err)
	require.Equal(t, p.Code, back.Code)
}

func TestAssembleErrors(t *testing.T) {
	cases := map[string]string{
		"foo r1":              "invalid opcode: foo",
		"jmp nowhere":         "undefined label",
		"a:\na:\nnop":         "duplicate label",
		"mov r1, 0x100000000": "out of range",
		".quad 1":             "outside .data",
		".data\nnop":          "in .data",
		"push 3":              "must be reg",
		".entry missing\nnop": "undefined entry label",
		"ldq r1, [r99+1]":     "invalid register",
		"ret r1":              "takes 0 operands",
		".data\n.ascii nostr": "invalid string",
	}
	for src, want := range cases {
		_, err := Assemble(src, 0x1000)
		require.Error(t, err, src)
		require.Contains(t, err.Error(), want, src)
	}
}

func TestCacheOnlyOpcodesAssemble(t *testing.T) {
	p, err := Assemble("exit 3\nibl 2, 1\nsett r1\npopt\njnt 0x1000, 0x1000", 0x1000)
	require.NoError(t, err)
	in, _, err := ir.DecodeCacheBytes(p.Code, 0x1000)
	require.NoError(t, err)
	require.Equal(t, ir.OpExit, in.Opcode())
	_, _, err = ir.DecodeBytes(p.Code, 0x1000)
	require.ErrorIs(t, err, ir.ErrCacheOnly)
}
