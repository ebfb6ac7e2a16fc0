package engine

import (
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/ascrivener/rio/pkg/appmem"
	"github.com/ascrivener/rio/pkg/dlog"
	rerrors "github.com/ascrivener/rio/pkg/errors"
	"github.com/ascrivener/rio/pkg/fragment"
	"github.com/ascrivener/rio/pkg/instrument"
	"github.com/ascrivener/rio/pkg/ir"
)

// ExitInfo describes one exit a block will have once mangled.
type ExitInfo struct {
	Kind   fragment.ExitKind
	Target uint64
	Branch ir.BranchType
	Vector uint8
	// AppPC is the application pc of the transfer the exit stands for.
	AppPC uint64
}

// BuildInfo is what the builder learned about a block or trace besides its
// instruction list.
type BuildInfo struct {
	Tag    uint64
	Flags  fragment.Flags
	Ranges []fragment.Range
	// Blocks lists the constituent tags of a trace.
	Blocks []uint64
	// Instrs counts the decoded application instructions.
	Instrs int
	Emit   instrument.EmitFlags
	Exits  []ExitInfo
	// CodeHash is the hash of the application bytes the list was decoded
	// from.
	CodeHash [32]byte
	FallPC   uint64
	// Writable is set when any of the code may be written by the
	// application.
	Writable bool
}

// BuildBlock decodes the basic block at tag, runs the block hooks over it,
// checks the result and mangles its final control transfer into exits. The
// list is ready for Emit.
func (e *Engine) BuildBlock(t *Thread, tag uint64) (*ir.InstrList, BuildInfo, error) {
	l, info, err := e.buildApp(t, tag, false, false)
	if err != nil {
		e.stats.BuildErrors.Inc()
		e.log.Log(dlog.Emit, 1, "block build failed", dlog.Hex("tag", tag), zap.Error(err))
		return nil, BuildInfo{}, err
	}
	var m mangler
	info.Flags = m.mangleEnd(l, info.Flags)
	info.Exits = m.exits
	if e.log.Enabled(dlog.Emit, 4) {
		e.log.Log(dlog.Emit, 4, "block", dlog.Hex("tag", tag), zap.String("ir", ir.DisassembleList(l, tag)))
	}
	return l, info, nil
}

// buildApp is the decode, hook and validation part of building a block.
// Traces use it with forTrace set and translation with translating set.
func (e *Engine) buildApp(t *Thread, tag uint64, forTrace, translating bool) (*ir.InstrList, BuildInfo, error) {
	// Unmapped code is reported by the decoder.
	if e.mem.IsExecutable(tag) && !e.policy.IsExecutionAllowed(tag) {
		return nil, BuildInfo{}, rerrors.Wrap(ErrExecutionDenied, "build", tag)
	}
	full := e.hooks.HasBlockHooks()
	l, info, err := e.decodeBlock(tag, full)
	if err != nil {
		return nil, BuildInfo{}, err
	}
	info.Emit = e.hooks.BuildBlock(t.ctx, tag, l, forTrace, translating)
	if err := validateBlock(tag, l, info.FallPC); err != nil {
		l.Destroy()
		return nil, BuildInfo{}, err
	}
	return l, info, nil
}

// decodeBlock decodes from tag until an instruction that ends a block or
// the instruction limit. A bad instruction after the first ends the block
// early so the fault is reported when that address is reached.
func (e *Engine) decodeBlock(tag uint64, full bool) (*ir.InstrList, BuildInfo, error) {
	decode := ir.DecodeCTI
	if full {
		decode = ir.Decode
	}
	h, _ := blake2b.New256(nil)
	l := ir.NewInstrList()
	pc := tag
	n := 0
	for n < e.opts.MaxBBInstrs {
		in, next, err := decode(e.mem, pc)
		if err != nil {
			if n == 0 {
				return nil, BuildInfo{}, &TranslationFault{Tag: tag, PC: pc, Cause: err}
			}
			e.log.Log(dlog.Emit, 2, "block ends before undecodable instruction", dlog.Hex("tag", tag), dlog.Hex("pc", pc))
			break
		}
		h.Write(in.Raw())
		in.SetTranslation(pc)
		l.Append(in)
		n++
		pc = next
		if in.Opcode().EndsBlock() {
			break
		}
	}
	l.SetFallthrough(pc)
	info := BuildInfo{
		Tag:    tag,
		Ranges: []fragment.Range{{Start: tag, End: pc}},
		Instrs: n,
		FallPC: pc,
	}
	copy(info.CodeHash[:], h.Sum(nil))
	info.Writable = e.writable(tag, pc)
	if info.Writable {
		info.Flags |= fragment.FlagWritableCode
	}
	return l, info, nil
}

// writable reports whether any page of [lo, hi) is writable.
func (e *Engine) writable(lo, hi uint64) bool {
	for p := lo &^ (appmem.PageSize - 1); p < hi; p += appmem.PageSize {
		if e.mem.PermAt(p)&appmem.PermWrite != 0 {
			return true
		}
	}
	return false
}

// validateBlock enforces the block rules on a list returned by the hooks.
func validateBlock(tag uint64, l *ir.InstrList, fall uint64) error {
	last := l.LastApp()
	if last == nil {
		return violation(tag, "block has no application instructions")
	}
	for in := range l.All() {
		op := in.Opcode()
		if op == ir.OpUndecoded || op == ir.OpInvalid {
			return violation(tag, "undecodable instruction in block")
		}
		if op.IsCacheOnly() {
			return violation(tag, "%s is reserved for the engine", op)
		}
		if in.IsMeta() {
			if err := validateMeta(tag, in); err != nil {
				return err
			}
			continue
		}
		if op.EndsBlock() && in != last {
			return violation(tag, "%s must be the last application instruction", op)
		}
		pc, ok := in.Translation()
		if !ok {
			return violation(tag, "application instruction %s has no translation", op)
		}
		if pc >= tag && pc < fall {
			continue
		}
		if op.IsDirectCTI() && in.Target().IsPC() && in.Target().PC() == pc {
			continue
		}
		return violation(tag, "translation %#x of %s outside block [%#x,%#x)", pc, op, tag, fall)
	}
	return nil
}

func validateMeta(tag uint64, in *ir.Instr) error {
	op := in.Opcode()
	switch {
	case op.IsSyscall() || op.IsInterrupt():
		return violation(tag, "meta %s", op)
	case op.IsIndirect():
		return violation(tag, "meta indirect branch %s", op)
	case op.IsCTI():
		if tgt := in.Target(); !tgt.IsInstrPC() || tgt.Instr() == nil || tgt.Instr().List() != in.List() {
			return violation(tag, "meta %s must target an instruction of the block", op)
		}
	}
	return nil
}

// classifyEnd returns the exits of a block ending in last, whose
// fall-through pc is fall, and the flags the ending implies.
func classifyEnd(last *ir.Instr, fall uint64, flags fragment.Flags) ([]ExitInfo, fragment.Flags) {
	pc, _ := last.Translation()
	op := last.Opcode()
	switch {
	case op == ir.OpJmp || op == ir.OpCall:
		return []ExitInfo{{Kind: fragment.ExitDirect, Target: last.Target().PC(), AppPC: pc}}, flags
	case op.IsCBR():
		return []ExitInfo{
			{Kind: fragment.ExitDirect, Target: last.Target().PC(), AppPC: pc},
			{Kind: fragment.ExitDirect, Target: fall, AppPC: pc},
		}, flags
	case op.IsIndirect():
		return []ExitInfo{{Kind: fragment.ExitIndirect, Branch: op.IndirectBranchType(), AppPC: pc}}, flags
	case op.IsSyscall():
		return []ExitInfo{{Kind: fragment.ExitSyscall, Target: fall, AppPC: pc}},
			flags | fragment.FlagHasSyscall | fragment.FlagCannotBeTrace
	case op.IsInterrupt():
		return []ExitInfo{{Kind: fragment.ExitInterrupt, Target: fall, Vector: uint8(last.Src(0).Immed()), AppPC: pc}},
			flags | fragment.FlagHasSyscall | fragment.FlagCannotBeTrace
	}
	return []ExitInfo{{Kind: fragment.ExitDirect, Target: fall, AppPC: pc}}, flags
}

// combineHashes hashes per-range digests into one. A single range keeps its
// digest so it can be compared with appmem.Memory.Hash directly.
func combineHashes(parts [][32]byte) [32]byte {
	if len(parts) == 1 {
		return parts[0]
	}
	buf := make([]byte, 0, 32*len(parts))
	for _, p := range parts {
		buf = append(buf, p[:]...)
	}
	return blake2b.Sum256(buf)
}

// memoryHash hashes the current application bytes of ranges the way
// the builder hashed them.
func (e *Engine) memoryHash(ranges []fragment.Range) [32]byte {
	parts := make([][32]byte, len(ranges))
	for i, r := range ranges {
		parts[i] = e.mem.Hash(r.Start, r.End-r.Start)
	}
	return combineHashes(parts)
}
