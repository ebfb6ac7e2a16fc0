package ir

import (
	"fmt"
	"strings"
)

// explicitOpnds returns the operands that appear in assembly syntax, in
// their written order.
func explicitOpnds(in *Instr) []Opnd {
	op := in.opcode
	pick := func(list []Opnd, i int) Opnd {
		if i < len(list) {
			return list[i]
		}
		return NullOpnd
	}
	srcs, dsts := in.srcs, in.dsts
	switch op.info().fmt {
	case fmtNone, fmtPseudo:
		return nil
	case fmtR:
		if op == OpPop {
			return []Opnd{pick(dsts, 0)}
		}
		return []Opnd{pick(srcs, 0)}
	case fmtRR, fmtRI32:
		if op == OpCmp || op == OpCmpImm {
			return []Opnd{pick(srcs, 0), pick(srcs, 1)}
		}
		return []Opnd{pick(dsts, 0), pick(srcs, 0)}
	case fmtRI64, fmtRI8, fmtMem, fmtAbsImm:
		return []Opnd{pick(dsts, 0), pick(srcs, 0)}
	case fmtRel32, fmtImm32, fmtImm8, fmtExit:
		return []Opnd{pick(srcs, 0)}
	case fmtIBL, fmtJnt:
		return []Opnd{pick(srcs, 0), pick(srcs, 1)}
	}
	return nil
}

// Disassemble renders in in the assembler's syntax.
func Disassemble(in *Instr) string {
	if in == nil {
		return "<nil>"
	}
	if in.flags&flagOperandsValid == 0 {
		if err := in.Decoded(); err != nil {
			return fmt.Sprintf("<raw % x>", in.raw)
		}
	}
	var b strings.Builder
	if in.opcode == OpLabel {
		return fmt.Sprintf("label%p:", in)
	}
	b.WriteString(in.opcode.String())
	for i, o := range explicitOpnds(in) {
		if i == 0 {
			b.WriteByte(' ')
		} else {
			b.WriteString(", ")
		}
		if o.kind == KindInstrPC && o.instr != nil && o.instr.list != nil && o.instr.encPC != 0 {
			fmt.Fprintf(&b, "%#x", o.instr.encPC)
			continue
		}
		b.WriteString(o.String())
	}
	return b.String()
}

// DisassembleList renders one line per instruction with its address,
// raw bytes and meta marker. The list is laid out at pc first.
func DisassembleList(l *InstrList, pc uint64) string {
	Layout(l, pc)
	var b strings.Builder
	for in := range l.All() {
		enc, err := Encode(in, in.encPC)
		if err != nil {
			enc = nil
		}
		marker := " "
		if in.IsMeta() {
			marker = "m"
		}
		fmt.Fprintf(&b, "%#08x %s %-30s %s\n", in.encPC, marker, fmt.Sprintf("% x", enc), Disassemble(in))
	}
	return b.String()
}

// DisassembleBytes decodes code located at pc one instruction at a time.
// Cache-only opcodes are accepted when cache is set. Undecodable bytes are
// shown one at a time.
func DisassembleBytes(code []byte, pc uint64, cache bool) string {
	var b strings.Builder
	for off := 0; off < len(code); {
		at := pc + uint64(off)
		in, n, err := decodeBytes(code[off:], at, cache)
		if err != nil {
			fmt.Fprintf(&b, "%#08x   %-30s <bad>\n", at, fmt.Sprintf("%02x", code[off]))
			off++
			continue
		}
		fmt.Fprintf(&b, "%#08x   %-30s %s\n", at, fmt.Sprintf("% x", code[off:off+n]), Disassemble(in))
		off += n
	}
	return b.String()
}
