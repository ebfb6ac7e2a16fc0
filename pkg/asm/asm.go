// Package asm implements a text assembler for guest programs. It exists so
// that tests and the command line can describe application code directly
// instead of hand-encoding bytes.
//
// The format is line based; '#' and ';' start comments:
//
//	.entry start            # optional, defaults to the first code byte
//	start:
//		mov r1, 10
//	loop:
//		subi r1, 1
//		jne loop
//		ldq r2, [sp+8]
//		addm [counter], 1
//		ret
//	.data                   # switch to the data section
//	counter:
//		.quad 0
//	msg:
//		.ascii "hello\n"
//		.zero 16
//		.byte 1, 2, 3
//
// Operands are registers, numbers, labels, label+N, [reg+disp] or
// [addr]. Labels in immediates and targets resolve to their absolute
// address. The data section starts on the page following the code.
package asm

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/ascrivener/rio/pkg/ir"
)

// DataAlign is the alignment of the data section.
const DataAlign = 4096

// Program is an assembled guest program.
type Program struct {
	Origin     uint64
	Code       []byte
	DataOrigin uint64
	Data       []byte
	Entry      uint64
	Labels     map[string]uint64
}

// Label returns the address of name, panicking when it is undefined. It is
// meant for tests that assemble fixed sources.
func (p *Program) Label(name string) uint64 {
	addr, ok := p.Labels[name]
	if !ok {
		panic(fmt.Sprintf("asm: undefined label %q", name))
	}
	return addr
}

type item struct {
	line  int
	data  bool
	op    ir.Opcode
	args  []string
	bytes []byte // data directives, already encoded except label quads
	quads []string
	size  int
}

type asm struct {
	origin  uint64
	labels  map[string]uint64
	code    []item
	data    []item
	entry   string
	inData  bool
	codeLen int
	dataLen int
	err     error
}

// Assemble assembles src with code placed at origin.
func Assemble(src string, origin uint64) (*Program, error) {
	a := asm{origin: origin, labels: make(map[string]uint64)}
	s := bufio.NewScanner(strings.NewReader(src))
	pending := []string{}
	lineNo := 0
	for s.Scan() {
		lineNo++
		line := stripComment(s.Text())
		for {
			line = strings.TrimSpace(line)
			i := strings.Index(line, ":")
			if i <= 0 || !isIdent(line[:i]) {
				break
			}
			pending = append(pending, line[:i])
			line = line[i+1:]
		}
		if line == "" {
			continue
		}
		it := a.parseLine(line, lineNo)
		if a.err != nil {
			return nil, a.err
		}
		if it == nil {
			continue
		}
		a.define(pending, it)
		pending = pending[:0]
		if a.err != nil {
			return nil, a.err
		}
	}
	if err := s.Err(); err != nil {
		return nil, err
	}

	dataOrigin := origin + uint64(alignUp(a.codeLen, DataAlign))
	if a.codeLen == 0 {
		dataOrigin = origin
	}
	// Labels are recorded as section offsets until both sections are sized.
	for name, off := range a.labels {
		if off&dataBit != 0 {
			a.labels[name] = dataOrigin + off&^dataBit
		} else {
			a.labels[name] = origin + off
		}
	}
	for _, name := range pending {
		a.labels[name] = dataOrigin + uint64(a.dataLen)
		if !a.inData {
			a.labels[name] = origin + uint64(a.codeLen)
		}
	}

	p := &Program{
		Origin:     origin,
		DataOrigin: dataOrigin,
		Labels:     a.labels,
		Entry:      origin,
	}
	if a.entry != "" {
		addr, ok := a.labels[a.entry]
		if !ok {
			return nil, fmt.Errorf("undefined entry label %q", a.entry)
		}
		p.Entry = addr
	}

	code := make([]byte, 0, a.codeLen)
	pc := origin
	for _, it := range a.code {
		in, err := a.instr(it)
		if err != nil {
			return nil, err
		}
		enc, err := ir.Encode(in, pc)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", it.line, err)
		}
		code = append(code, enc...)
		pc += uint64(len(enc))
	}
	p.Code = code

	var data []byte
	for _, it := range a.data {
		if it.quads != nil {
			for _, q := range it.quads {
				v, err := a.value(q)
				if err != nil {
					return nil, fmt.Errorf("line %d: %w", it.line, err)
				}
				data = binary.LittleEndian.AppendUint64(data, uint64(v))
			}
			continue
		}
		data = append(data, it.bytes...)
	}
	p.Data = data
	return p, nil
}

// MustAssemble is Assemble for sources known to be valid.
func MustAssemble(src string, origin uint64) *Program {
	p, err := Assemble(src, origin)
	if err != nil {
		panic(err)
	}
	return p
}

const dataBit = 1 << 63

func (a *asm) define(names []string, it *item) {
	for _, name := range names {
		if _, dup := a.labels[name]; dup {
			a.err = fmt.Errorf("line %d: duplicate label %q", it.line, name)
			return
		}
		if it.data {
			a.labels[name] = uint64(a.dataLen) | dataBit
		} else {
			a.labels[name] = uint64(a.codeLen)
		}
	}
	if it.data {
		a.data = append(a.data, *it)
		a.dataLen += it.size
	} else {
		a.code = append(a.code, *it)
		a.codeLen += it.size
	}
}

func (a *asm) parseLine(line string, lineNo int) *item {
	mnemonic, rest := line, ""
	if i := strings.IndexAny(line, " \t"); i >= 0 {
		mnemonic, rest = line[:i], strings.TrimSpace(line[i+1:])
	}
	mnemonic = strings.ToLower(mnemonic)

	switch mnemonic {
	case ".data":
		a.inData = true
		return nil
	case ".code", ".text":
		a.inData = false
		return nil
	case ".entry":
		a.entry = rest
		return nil
	case ".quad", ".byte", ".ascii", ".zero":
		it := &item{line: lineNo, data: a.inData}
		if !a.inData {
			a.err = fmt.Errorf("line %d: %s outside .data", lineNo, mnemonic)
			return nil
		}
		switch mnemonic {
		case ".quad":
			it.quads = splitArgs(rest)
			it.size = 8 * len(it.quads)
		case ".byte":
			for _, f := range splitArgs(rest) {
				v, err := strconv.ParseInt(f, 0, 16)
				if err != nil || v < -128 || v > 255 {
					a.err = fmt.Errorf("line %d: invalid byte %q", lineNo, f)
					return nil
				}
				it.bytes = append(it.bytes, byte(v))
			}
		case ".ascii":
			str, err := strconv.Unquote(rest)
			if err != nil {
				a.err = fmt.Errorf("line %d: invalid string %s", lineNo, rest)
				return nil
			}
			it.bytes = []byte(str)
		case ".zero":
			n, err := strconv.ParseInt(rest, 0, 32)
			if err != nil || n < 0 {
				a.err = fmt.Errorf("line %d: invalid size %q", lineNo, rest)
				return nil
			}
			it.bytes = make([]byte, n)
		}
		if it.quads == nil {
			it.size = len(it.bytes)
		}
		return it
	}

	if a.inData {
		a.err = fmt.Errorf("line %d: instruction %q in .data", lineNo, mnemonic)
		return nil
	}
	args := splitArgs(rest)
	ops := ir.OpcodesNamed(mnemonic)
	if len(ops) == 0 {
		a.err = fmt.Errorf("line %d: invalid opcode: %s", lineNo, mnemonic)
		return nil
	}
	op := ops[0]
	if len(ops) > 1 {
		// mov r, r versus mov r, imm
		op = ir.OpMovImm
		if len(args) == 2 {
			if _, err := ir.ParseReg(args[1]); err == nil {
				op = ir.OpMov
			}
		}
	}
	return &item{line: lineNo, op: op, args: args, size: op.Length()}
}

func (a *asm) instr(it item) (*ir.Instr, error) {
	opnds := make([]ir.Opnd, 0, len(it.args))
	for i, arg := range it.args {
		o, err := a.operand(it.op, i, arg)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", it.line, err)
		}
		opnds = append(opnds, o)
	}
	in, err := ir.NewFromOperands(it.op, opnds)
	if err != nil {
		return nil, fmt.Errorf("line %d: %w", it.line, err)
	}
	return in, nil
}

func (a *asm) operand(op ir.Opcode, i int, arg string) (ir.Opnd, error) {
	if r, err := ir.ParseReg(arg); err == nil {
		return ir.NewReg(r), nil
	}
	if strings.HasPrefix(arg, "[") && strings.HasSuffix(arg, "]") {
		inner := strings.TrimSpace(arg[1 : len(arg)-1])
		if op == ir.OpAddm {
			v, err := a.value(inner)
			if err != nil {
				return ir.NullOpnd, err
			}
			return ir.NewAbsAddr(uint64(v), ir.Size8), nil
		}
		return parseMem(inner)
	}
	v, err := a.value(arg)
	if err != nil {
		return ir.NullOpnd, err
	}
	// Targets of direct branches are addresses.
	if op.IsDirectCTI() && (op != ir.OpJnt || i == 1) {
		return ir.NewPC(uint64(v)), nil
	}
	return ir.NewImmed(v, ir.Size8), nil
}

func parseMem(s string) (ir.Opnd, error) {
	split := strings.IndexAny(s, "+-")
	regPart, dispPart := s, ""
	if split >= 0 {
		regPart, dispPart = s[:split], s[split:]
	}
	r, err := ir.ParseReg(strings.TrimSpace(regPart))
	if err != nil {
		return ir.NullOpnd, err
	}
	var disp int64
	if dispPart != "" {
		disp, err = strconv.ParseInt(strings.ReplaceAll(dispPart, " ", ""), 0, 32)
		if err != nil {
			return ir.NullOpnd, fmt.Errorf("invalid displacement %q", dispPart)
		}
	}
	return ir.NewMem(r, int32(disp), ir.Size8), nil
}

// value parses a number, a label, or label+N / label-N.
func (a *asm) value(s string) (int64, error) {
	if v, err := strconv.ParseInt(s, 0, 64); err == nil {
		return v, nil
	}
	if v, err := strconv.ParseUint(s, 0, 64); err == nil {
		return int64(v), nil
	}
	name, off := s, int64(0)
	if i := strings.LastIndexAny(s, "+-"); i > 0 {
		n, err := strconv.ParseInt(s[i:], 0, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid operand %q", s)
		}
		name, off = strings.TrimSpace(s[:i]), n
	}
	addr, ok := a.labels[name]
	if !ok {
		return 0, fmt.Errorf("undefined label %q", name)
	}
	return int64(addr) + off, nil
}

func splitArgs(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func stripComment(line string) string {
	inStr := false
	for i, c := range line {
		switch c {
		case '"':
			inStr = !inStr
		case '#', ';':
			if !inStr {
				return line[:i]
			}
		}
	}
	return line
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, c := range s {
		if c == '_' || c == '.' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (i > 0 && c >= '0' && c <= '9') {
			continue
		}
		return false
	}
	return true
}

func alignUp(n, a int) int { return (n + a - 1) / a * a }

// Disasm renders a program's code section.
func Disasm(p *Program) string {
	return ir.DisassembleBytes(p.Code, p.Origin, false)
}
