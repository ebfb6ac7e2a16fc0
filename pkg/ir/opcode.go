package ir

import "fmt"

// Opcode identifies an instruction of the guest ISA, plus a few
// pseudo-opcodes used only inside the IR.
type Opcode uint16

const (
	// OpInvalid is the opcode of an empty instruction.
	OpInvalid Opcode = iota
	// OpUndecoded marks an instruction known only by its raw bytes.
	OpUndecoded
	// OpLabel is a zero-length jump target inside an instruction list.
	OpLabel

	OpNop
	OpMov
	OpMovImm
	OpMovAbs
	OpLdq
	OpLdb
	OpStq
	OpStb
	OpLea
	OpAdd
	OpSub
	OpAnd
	OpOr
	OpXor
	OpMul
	OpCmp
	OpAddImm
	OpSubImm
	OpCmpImm
	OpShl
	OpShr
	OpAddm
	OpPush
	OpPop
	OpPushImm
	OpJmp
	OpJe
	OpJne
	OpJl
	OpJge
	OpJb
	OpJae
	OpCall
	OpJmpInd
	OpCallInd
	OpRet
	OpSyscall
	OpInt

	// Cache-only opcodes. The application decoder rejects them.
	OpExit
	OpIBL
	OpSetT
	OpPopT
	OpJnt

	opcodeCount
)

// format is the byte layout of an encoded instruction.
type format uint8

const (
	fmtNone   format = iota // [op]
	fmtR                    // [op][0000rrrr]
	fmtRR                   // [op][dddd ssss]
	fmtRI32                 // [op][0000rrrr][imm32]
	fmtRI64                 // [op][0000rrrr][imm64]
	fmtRI8                  // [op][0000rrrr][imm8]
	fmtMem                  // [op][rrrr bbbb][disp32]
	fmtRel32                // [op][rel32]
	fmtImm32                // [op][imm32]
	fmtImm8                 // [op][imm8]
	fmtAbsImm               // [op][abs64][imm32]
	fmtExit                 // [op][ord16]
	fmtIBL                  // [op][kind8][ord16]
	fmtJnt                  // [op][imm32][rel32]
	fmtPseudo               // not encodable
)

var formatLength = [...]int{
	fmtNone:   1,
	fmtR:      2,
	fmtRR:     2,
	fmtRI32:   6,
	fmtRI64:   10,
	fmtRI8:    3,
	fmtMem:    6,
	fmtRel32:  5,
	fmtImm32:  5,
	fmtImm8:   2,
	fmtAbsImm: 13,
	fmtExit:   3,
	fmtIBL:    4,
	fmtJnt:    9,
	fmtPseudo: 0,
}

// MaxInstrLength is the length of the longest encoding.
const MaxInstrLength = 13

type opcodeFlags uint16

const (
	opCTI opcodeFlags = 1 << iota
	opCBR
	opUBR
	opIndirect
	opCall
	opReturn
	opSyscall
	opInterrupt
	opReadsFlags
	opWritesFlags
	opCacheOnly
	opPCRelative
)

type opcodeInfo struct {
	name  string
	enc   byte
	fmt   format
	flags opcodeFlags
}

var opcodeTable = [opcodeCount]opcodeInfo{
	OpInvalid:   {"<invalid>", 0, fmtPseudo, 0},
	OpUndecoded: {"<raw>", 0, fmtPseudo, 0},
	OpLabel:     {"label", 0, fmtPseudo, 0},

	OpNop:     {"nop", 0x90, fmtNone, 0},
	OpMov:     {"mov", 0x89, fmtRR, 0},
	OpMovImm:  {"mov", 0xB8, fmtRI32, 0},
	OpMovAbs:  {"movabs", 0xB9, fmtRI64, 0},
	OpLdq:     {"ldq", 0x8B, fmtMem, 0},
	OpLdb:     {"ldb", 0x8A, fmtMem, 0},
	OpStq:     {"stq", 0x8C, fmtMem, 0},
	OpStb:     {"stb", 0x8D, fmtMem, 0},
	OpLea:     {"lea", 0x8E, fmtMem, 0},
	OpAdd:     {"add", 0x01, fmtRR, opWritesFlags},
	OpSub:     {"sub", 0x29, fmtRR, opWritesFlags},
	OpAnd:     {"and", 0x21, fmtRR, opWritesFlags},
	OpOr:      {"or", 0x09, fmtRR, opWritesFlags},
	OpXor:     {"xor", 0x31, fmtRR, opWritesFlags},
	OpMul:     {"mul", 0xAF, fmtRR, opWritesFlags},
	OpCmp:     {"cmp", 0x39, fmtRR, opWritesFlags},
	OpAddImm:  {"addi", 0x80, fmtRI32, opWritesFlags},
	OpSubImm:  {"subi", 0x82, fmtRI32, opWritesFlags},
	OpCmpImm:  {"cmpi", 0x3D, fmtRI32, opWritesFlags},
	OpShl:     {"shl", 0xC0, fmtRI8, opWritesFlags},
	OpShr:     {"shr", 0xC1, fmtRI8, opWritesFlags},
	OpAddm:    {"addm", 0x06, fmtAbsImm, 0},
	OpPush:    {"push", 0x50, fmtR, 0},
	OpPop:     {"pop", 0x58, fmtR, 0},
	OpPushImm: {"pushi", 0x68, fmtImm32, 0},
	OpJmp:     {"jmp", 0xE9, fmtRel32, opCTI | opUBR | opPCRelative},
	OpJe:      {"je", 0x74, fmtRel32, opCTI | opCBR | opReadsFlags | opPCRelative},
	OpJne:     {"jne", 0x75, fmtRel32, opCTI | opCBR | opReadsFlags | opPCRelative},
	OpJl:      {"jl", 0x7C, fmtRel32, opCTI | opCBR | opReadsFlags | opPCRelative},
	OpJge:     {"jge", 0x7D, fmtRel32, opCTI | opCBR | opReadsFlags | opPCRelative},
	OpJb:      {"jb", 0x72, fmtRel32, opCTI | opCBR | opReadsFlags | opPCRelative},
	OpJae:     {"jae", 0x73, fmtRel32, opCTI | opCBR | opReadsFlags | opPCRelative},
	OpCall:    {"call", 0xE8, fmtRel32, opCTI | opUBR | opCall | opPCRelative},
	OpJmpInd:  {"jmpr", 0xFE, fmtR, opCTI | opUBR | opIndirect},
	OpCallInd: {"callr", 0xFF, fmtR, opCTI | opUBR | opIndirect | opCall},
	OpRet:     {"ret", 0xC3, fmtNone, opCTI | opUBR | opIndirect | opReturn},
	OpSyscall: {"syscall", 0x05, fmtNone, opSyscall},
	OpInt:     {"int", 0xCD, fmtImm8, opInterrupt},

	OpExit: {"exit", 0xE2, fmtExit, opCacheOnly},
	OpIBL:  {"ibl", 0xE3, fmtIBL, opCacheOnly},
	OpSetT: {"sett", 0xE0, fmtR, opCacheOnly},
	OpPopT: {"popt", 0xE1, fmtNone, opCacheOnly},
	OpJnt:  {"jnt", 0xE4, fmtJnt, opCacheOnly | opCTI | opCBR | opPCRelative},
}

// byteToOpcode maps the first encoded byte back to its opcode; OpInvalid
// marks unassigned bytes.
var byteToOpcode [256]Opcode

func init() {
	for op := OpNop; op < opcodeCount; op++ {
		info := opcodeTable[op]
		if byteToOpcode[info.enc] != OpInvalid {
			panic(fmt.Sprintf("duplicate opcode byte %#x for %s and %s", info.enc, info.name, byteToOpcode[info.enc]))
		}
		byteToOpcode[info.enc] = op
	}
}

// OpcodeForByte returns the opcode encoded by first byte b, or OpInvalid.
func OpcodeForByte(b byte) Opcode {
	return byteToOpcode[b]
}

func (op Opcode) info() opcodeInfo {
	if op >= opcodeCount {
		return opcodeTable[OpInvalid]
	}
	return opcodeTable[op]
}

func (op Opcode) String() string { return op.info().name }

// Byte is the first encoded byte of op.
func (op Opcode) Byte() byte { return op.info().enc }

// Length is the encoded length of op; every opcode has exactly one
// encoding. Pseudo-opcodes have length 0.
func (op Opcode) Length() int { return formatLength[op.info().fmt] }

func (op Opcode) has(f opcodeFlags) bool { return op.info().flags&f != 0 }

// IsCTI reports a control transfer instruction.
func (op Opcode) IsCTI() bool { return op.has(opCTI) }

// IsCBR reports a conditional branch.
func (op Opcode) IsCBR() bool { return op.has(opCBR) }

// IsUBR reports an unconditional transfer (jump, call or return).
func (op Opcode) IsUBR() bool { return op.has(opUBR) }

// IsDirectCTI reports a CTI whose target is encoded in the instruction.
func (op Opcode) IsDirectCTI() bool { return op.has(opCTI) && !op.has(opIndirect) }

// IsIndirect reports a CTI whose target is computed at run time.
func (op Opcode) IsIndirect() bool { return op.has(opIndirect) }

func (op Opcode) IsCall() bool      { return op.has(opCall) }
func (op Opcode) IsReturn() bool    { return op.has(opReturn) }
func (op Opcode) IsSyscall() bool   { return op.has(opSyscall) }
func (op Opcode) IsInterrupt() bool { return op.has(opInterrupt) }

// EndsBlock reports opcodes that terminate a basic block.
func (op Opcode) EndsBlock() bool {
	return op.has(opCTI | opSyscall | opInterrupt)
}

func (op Opcode) ReadsFlags() bool  { return op.has(opReadsFlags) }
func (op Opcode) WritesFlags() bool { return op.has(opWritesFlags) }

// IsCacheOnly reports opcodes emitted by the engine that never appear in
// application code.
func (op Opcode) IsCacheOnly() bool { return op.has(opCacheOnly) }

// IsPCRelative reports opcodes whose encoding depends on their own address.
func (op Opcode) IsPCRelative() bool { return op.has(opPCRelative) }

// IsPseudo reports IR-only opcodes with no encoding.
func (op Opcode) IsPseudo() bool { return op.info().fmt == fmtPseudo }

// InvertCBR returns the conditional branch taken exactly when op is not.
func (op Opcode) InvertCBR() Opcode {
	switch op {
	case OpJe:
		return OpJne
	case OpJne:
		return OpJe
	case OpJl:
		return OpJge
	case OpJge:
		return OpJl
	case OpJb:
		return OpJae
	case OpJae:
		return OpJb
	}
	return OpInvalid
}

// BranchType classifies indirect transfers for the indirect branch lookup
// tables.
type BranchType uint8

const (
	BranchReturn BranchType = iota
	BranchIndCall
	BranchIndJmp
	BranchTypeCount
)

func (b BranchType) String() string {
	switch b {
	case BranchReturn:
		return "ret"
	case BranchIndCall:
		return "call*"
	case BranchIndJmp:
		return "jmp*"
	}
	return fmt.Sprintf("branch(%d)", uint8(b))
}

// IndirectBranchType returns the lookup table class of an indirect CTI.
func (op Opcode) IndirectBranchType() BranchType {
	switch op {
	case OpRet:
		return BranchReturn
	case OpCallInd:
		return BranchIndCall
	}
	return BranchIndJmp
}

// OpcodesNamed returns the opcodes whose mnemonic is name. Only "mov" has
// more than one form.
func OpcodesNamed(name string) []Opcode {
	var ops []Opcode
	for op := OpNop; op < opcodeCount; op++ {
		if opcodeTable[op].name == name {
			ops = append(ops, op)
		}
	}
	return ops
}
