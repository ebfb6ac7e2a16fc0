package engine

import (
	"go.uber.org/zap"

	"github.com/ascrivener/rio/pkg/dlog"
	rerrors "github.com/ascrivener/rio/pkg/errors"
	"github.com/ascrivener/rio/pkg/fragment"
	"github.com/ascrivener/rio/pkg/instrument"
	"github.com/ascrivener/rio/pkg/ir"
)

// errOffTrace means a recorded successor is not where the block goes.
var errOffTrace = rerrors.New("recorded successor is not a target of the block")

// traceRecord is the path a thread is recording from a hot trace head.
type traceRecord struct {
	head uint64
	tags []uint64
}

// monitor counts executions of trace heads, starts recording once a head
// is hot and extends or ends the recording with each block executed. It
// returns the fragment to execute for f's tag, which is the new trace when
// a recording closes its loop.
func (t *Thread) monitor(f *fragment.Fragment) (*fragment.Fragment, error) {
	e := t.e
	if !e.tracesEnabled() {
		return f, nil
	}
	if rec := t.rec; rec != nil {
		if !t.endTrace(f) {
			rec.tags = append(rec.tags, f.Tag)
			return f, nil
		}
		if err := e.finishTrace(t); err != nil {
			return nil, err
		}
		nf, err := e.fragmentFor(t, f.Tag)
		if err != nil {
			return nil, t.buildFailed(err)
		}
		return nf, nil
	}
	if f.IsTrace() || !f.Has(fragment.FlagTraceHead) || f.Has(fragment.FlagCannotBeTrace) {
		return f, nil
	}
	if f.Heat() < int64(e.opts.TraceThreshold) {
		return f, nil
	}
	f.ResetHeat()
	t.rec = &traceRecord{head: f.Tag, tags: []uint64{f.Tag}}
	e.log.Log(dlog.Monitor, 2, "recording trace", zap.Int("thread", t.ID), dlog.Hex("head", f.Tag))
	return f, nil
}

// endTrace decides whether the block f, about to run next, ends the trace
// being recorded instead of joining it.
func (t *Thread) endTrace(f *fragment.Fragment) bool {
	e := t.e
	rec := t.rec
	switch e.hooks.EndTrace(t.ctx, rec.head, f.Tag) {
	case instrument.EndTraceEnd:
		return true
	case instrument.EndTraceContinue:
		return len(rec.tags) >= e.opts.MaxTraceBBs || f.Has(fragment.FlagCannotBeTrace)
	}
	if len(rec.tags) >= e.opts.MaxTraceBBs || f.Has(fragment.FlagCannotBeTrace) || f.IsTrace() {
		return true
	}
	set := t.set
	set.table.Lock().RLock(t.held)
	head := set.table.IsHead(f.Tag)
	set.table.Lock().RUnlock(t.held)
	return head
}

// finishTrace builds and emits the recorded trace. Traces that cannot be
// built are dropped; only fatal errors are returned.
func (e *Engine) finishTrace(t *Thread) error {
	rec := t.rec
	t.rec = nil
	l, info, err := e.buildTrace(t, rec.head, rec.tags)
	if err == nil {
		_, err = e.Emit(t, rec.head, l, info)
	}
	switch {
	case err == nil:
		e.log.Log(dlog.Monitor, 1, "trace built", zap.Int("thread", t.ID), dlog.Hex("head", rec.head), zap.Int("blocks", len(rec.tags)))
		return nil
	case rerrors.Is(err, ErrBlockTooLarge) || !IsFatal(err):
		e.log.Log(dlog.Monitor, 1, "trace abandoned", zap.Int("thread", t.ID), dlog.Hex("head", rec.head), zap.Error(err))
		return nil
	}
	return err
}

// BuildTrace builds the trace that runs the blocks at tags in order,
// starting at head. Transfers between consecutive blocks stay inside the
// trace; every other way out becomes an exit.
func (e *Engine) BuildTrace(t *Thread, head uint64, tags []uint64) (*ir.InstrList, BuildInfo, error) {
	return e.buildTrace(t, head, tags)
}

func (e *Engine) buildTrace(t *Thread, head uint64, tags []uint64) (*ir.InstrList, BuildInfo, error) {
	trace := ir.NewInstrList()
	info := BuildInfo{Tag: head, Flags: fragment.FlagTrace, Blocks: tags}
	var m mangler
	parts := make([][32]byte, 0, len(tags))
	for i, tag := range tags {
		l, bi, err := e.buildApp(t, tag, true, false)
		if err != nil {
			trace.Destroy()
			return nil, BuildInfo{}, err
		}
		if bi.Flags&fragment.FlagCannotBeTrace != 0 && i < len(tags)-1 {
			l.Destroy()
			trace.Destroy()
			return nil, BuildInfo{}, rerrors.Errorf("trace", tag, "block cannot be part of a trace")
		}
		info.Ranges = append(info.Ranges, bi.Ranges...)
		parts = append(parts, bi.CodeHash)
		info.Instrs += bi.Instrs
		info.Emit |= bi.Emit
		info.Writable = info.Writable || bi.Writable
		if i == len(tags)-1 {
			info.FallPC = l.Fallthrough()
			info.Flags = m.mangleEnd(l, info.Flags)
		} else if err := m.stitch(l, tags[i+1]); err != nil {
			l.Destroy()
			trace.Destroy()
			return nil, BuildInfo{}, rerrors.Wrap(err, "trace", tag)
		}
		trace.AppendList(l)
		l.Destroy()
	}
	trace.SetFallthrough(info.FallPC)
	info.CodeHash = combineHashes(parts)
	if info.Writable {
		info.Flags |= fragment.FlagWritableCode
	}
	info.Emit |= e.hooks.BuildTrace(t.ctx, head, trace, false)
	if err := validateTrace(head, trace, len(m.exits)); err != nil {
		trace.Destroy()
		return nil, BuildInfo{}, err
	}
	info.Exits = m.exits
	if e.log.Enabled(dlog.Monitor, 4) {
		e.log.Log(dlog.Monitor, 4, "trace", dlog.Hex("head", head), zap.String("ir", ir.DisassembleList(trace, head)))
	}
	return trace, info, nil
}

// stitch rewrites the end of a block inside a trace so that control that
// follows the recorded path falls through to the next block at next.
//
//	jmp next        removed
//	jcc T, next=T   jcc' exit -> fall
//	jcc T, next=fall  jcc exit -> T
//	call next       pushi fall
//	jmpr r          sett r; jnt next, exit (indirect)
//	callr r         sett r; pushi fall; jnt next, exit (indirect)
//	ret             popt; jnt next, exit (indirect)
func (m *mangler) stitch(l *ir.InstrList, next uint64) error {
	last := l.LastApp()
	fall := l.Fallthrough()
	pc, _ := last.Translation()
	op := last.Opcode()
	switch {
	case op == ir.OpJmp:
		if last.Target().PC() != next {
			return errOffTrace
		}
		l.Remove(last)
		last.Destroy()
	case op.IsCBR():
		taken := last.Target().PC()
		switch next {
		case fall:
			m.add(last, ExitInfo{Kind: fragment.ExitDirect, Target: taken, AppPC: pc})
		case taken:
			last.SetOpcode(op.InvertCBR())
			last.SetTarget(ir.NewPC(fall))
			m.add(last, ExitInfo{Kind: fragment.ExitDirect, Target: fall, AppPC: pc})
		default:
			return errOffTrace
		}
	case op == ir.OpCall:
		if last.Target().PC() != next {
			return errOffTrace
		}
		l.Replace(last, mangled(ir.NewPushImm(int32(fall)), pc)).Destroy()
	case op.IsIndirect():
		check := mangled(ir.NewJnt(uint32(next), ir.NewPC(0)), pc)
		l.InsertAfter(last, check)
		switch op {
		case ir.OpJmpInd:
			l.Replace(last, mangled(ir.NewSetT(last.Src(0).Reg()), pc)).Destroy()
		case ir.OpCallInd:
			l.InsertBefore(check, mangled(ir.NewPushImm(int32(fall)), pc))
			l.Replace(last, mangled(ir.NewSetT(last.Src(0).Reg()), pc)).Destroy()
		default:
			l.Replace(last, mangled(ir.NewPopT(), pc)).Destroy()
		}
		m.add(check, ExitInfo{Kind: fragment.ExitIndirect, Branch: op.IndirectBranchType(), AppPC: pc})
	case op.IsSyscall() || op.IsInterrupt():
		return errOffTrace
	default:
		if fall != next {
			return errOffTrace
		}
	}
	return nil
}

// validateTrace checks that the trace hooks left every exit branch in
// place.
func validateTrace(head uint64, l *ir.InstrList, exits int) error {
	seen := make([]bool, exits)
	for in := range l.All() {
		if !in.IsExitCTI() {
			continue
		}
		ord, ok := in.Note().(uint16)
		if !ok || int(ord) >= exits || seen[ord] {
			return violation(head, "exit branch %s has a bad ordinal", in.Opcode())
		}
		seen[ord] = true
	}
	for ord, ok := range seen {
		if !ok {
			return violation(head, "exit %d was removed", ord)
		}
	}
	return nil
}
