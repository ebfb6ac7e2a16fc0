package engine

import (
	"runtime"

	"go.uber.org/zap"

	"github.com/ascrivener/rio/pkg/dlog"
	rerrors "github.com/ascrivener/rio/pkg/errors"
	"github.com/ascrivener/rio/pkg/fragment"
	"github.com/ascrivener/rio/pkg/ir"
	"github.com/ascrivener/rio/pkg/kernel"
)

// dispatch is the thread's loop in cache mode: find or build the fragment
// for t.PC, run it, and act on the reason it stopped.
func (t *Thread) dispatch() error {
	e := t.e
	c := newCacheCPU(t)
	for !t.done {
		if e.halted() {
			return nil
		}
		t.safePoint()
		if err := e.reclaim(t, false); err != nil {
			return err
		}
		if t.PC == ReturnToEngine {
			t.returned()
			continue
		}
		e.stats.Dispatches.Inc()
		f, err := e.fragmentFor(t, t.PC)
		if err != nil {
			return t.buildFailed(err)
		}
		if x := t.pendingIBL; x != nil {
			t.pendingIBL = nil
			e.iblAdd(t, x, f)
		}
		if f, err = t.monitor(f); err != nil {
			return err
		}

		t.current.Store(f)
		if !f.IsLive() {
			t.current.Store(nil)
			continue
		}
		e.stats.CacheEntries.Inc()
		if e.log.Enabled(dlog.Dispatch, 5) {
			e.log.Log(dlog.Dispatch, 5, "enter", zap.Int("thread", t.ID), zap.Stringer("fragment", f))
		}
		c.frag = f
		c.stopAtBoundary = t.rec != nil
		res := c.run(f.Start)
		t.current.Store(nil)
		if err := t.handle(res); err != nil {
			return err
		}
	}
	return nil
}

// fragmentFor returns the live fragment for tag in t's set, building it on
// a miss.
func (e *Engine) fragmentFor(t *Thread, tag uint64) (*fragment.Fragment, error) {
	for {
		if f := t.set.table.Find(t.held, tag); f != nil {
			if f.IsLive() {
				return f, nil
			}
			runtime.Gosched()
			continue
		}
		l, info, err := e.BuildBlock(t, tag)
		if err != nil {
			return nil, err
		}
		f, err := e.Emit(t, tag, l, info)
		if rerrors.Is(err, errCodeChanged) {
			e.log.Log(dlog.Emit, 1, "code changed during build, retrying", dlog.Hex("tag", tag))
			continue
		}
		return f, err
	}
}

// buildFailed turns failures to translate application code into faults
// of the application.
func (t *Thread) buildFailed(err error) error {
	var tf *TranslationFault
	if rerrors.As(err, &tf) || rerrors.Is(err, ErrExecutionDenied) {
		return &AppFault{ThreadID: t.ID, PC: t.PC, Cause: err}
	}
	return err
}

// handle acts on the stop of a fragment run.
func (t *Thread) handle(res runResult) error {
	e := t.e
	switch res.stop {
	case stopExit:
		x := res.exit
		switch x.Kind {
		case fragment.ExitDirect:
			t.PC = x.Target
			if e.tracesEnabled() && (x.Target <= x.AppPC || res.frag.IsTrace()) {
				e.markHead(t, x.Target)
			}
		case fragment.ExitIndirect:
			t.PC = t.target
			e.stats.IBLMisses.WithLabelValues(x.Branch.String()).Inc()
			t.pendingIBL = x
		case fragment.ExitSyscall, fragment.ExitInterrupt:
			t.PC = x.Target
			return t.kernelCall(x.AppPC, x.Kind == fragment.ExitInterrupt, x.Vector)
		}
	case stopEnter, stopBoundary:
		t.PC = res.tag
	case stopSelfMod:
		return t.selfMod(res)
	case stopFault:
		return t.fault(res)
	default:
		return rerrors.Assertf("thread %d: unexpected stop %s at %#x", t.ID, res.stop, res.pc)
	}
	return nil
}

// iblAdd links exit x to its lookup stub and records f in the table of
// x's branch type. Blocks that are trace heads stay out of the tables.
func (e *Engine) iblAdd(t *Thread, x *fragment.Linkstub, f *fragment.Fragment) {
	if !e.opts.LinkIndirect {
		return
	}
	e.linkIBL(t, x)
	if f.Has(fragment.FlagTraceHead) && !f.IsTrace() {
		return
	}
	set := t.set
	tbl := set.ibl[x.Branch]
	set.table.Lock().RLock(t.held)
	if f.IsLive() {
		tbl.Add(t.held, f.Tag, f.Start)
	}
	set.table.Lock().RUnlock(t.held)
	if tbl.MaybeResize(t.held) {
		e.stats.IBLResizes.Inc()
		e.log.Log(dlog.Links, 1, "ibl table resized", zap.Stringer("branch", x.Branch), zap.String("cache", set.name))
	}
}

// kernelCall serves a system call or interrupt made at pc. t.PC already
// holds the pc to resume at.
func (t *Thread) kernelCall(pc uint64, interrupt bool, vector uint8) error {
	e := t.e
	t.enterKernel()
	defer t.exitKernel()
	var r kernel.Result
	if interrupt {
		r = e.kern.Interrupt(t.ID, vector, &t.Regs)
	} else {
		r = e.kern.Syscall(t.ID, &t.Regs)
	}
	e.stats.Syscalls.Inc()
	if e.log.Enabled(dlog.Threads, 4) {
		e.log.Log(dlog.Threads, 4, "kernel call", zap.Int("thread", t.ID), dlog.Hex("pc", pc), zap.Stringer("action", r.Action))
	}
	switch r.Action {
	case kernel.ActionNone:
		t.Regs[ir.RegR0] = r.Ret
	case kernel.ActionExitThread:
		t.exitStatus = r.Status
		t.done = true
	case kernel.ActionExitProcess:
		t.exitStatus = r.Status
		e.exitProcess(r.Status)
		t.done = true
	case kernel.ActionSpawn:
		id, err := e.spawn(t, r.PC, r.Arg)
		if err != nil {
			e.log.Warn("spawn failed", zap.Int("thread", t.ID), zap.Error(err))
			t.Regs[ir.RegR0] = ^uint64(0)
			break
		}
		t.Regs[ir.RegR0] = uint64(id)
	case kernel.ActionYield:
		runtime.Gosched()
		t.Regs[ir.RegR0] = 0
	case kernel.ActionFlush:
		if _, err := e.Flush(t, r.Addr, r.Addr+r.Len, FlushSync); err != nil {
			return err
		}
		t.Regs[ir.RegR0] = 0
	case kernel.ActionFault:
		t.rec = nil
		return &AppFault{ThreadID: t.ID, PC: pc, Cause: r.Err}
	}
	return nil
}

// fault reports a fault raised by application code run from the cache at
// res.pc, translated back to the application pc.
func (t *Thread) fault(res runResult) error {
	e := t.e
	t.rec = nil
	if rerrors.IsAssertion(res.err) {
		return res.err
	}
	af := &AppFault{ThreadID: t.ID, PC: res.pc, CachePC: res.pc, Cause: res.err}
	f := res.frag
	app, err := e.translateIn(t, f, res.pc)
	if err != nil {
		e.log.Warn("fault without translation", zap.Stringer("fragment", f), dlog.Hex("pc", res.pc), zap.Error(err))
		af.PC = f.Tag
	} else {
		af.PC = app
	}
	mc := t.MachineContext()
	mc.PC = af.PC
	if e.hooks.RestoreState(t.ctx, f.Tag, mc, true, err == nil) {
		t.PC, t.Regs, t.Flags = mc.PC, mc.Regs, mc.Flags
	}
	return af
}

// selfMod handles a store that hit translated code: fragments built from
// the written bytes are flushed and execution resumes after the store.
func (t *Thread) selfMod(res runResult) error {
	e := t.e
	t.rec = nil
	pc, err := e.resumeAfter(t, res)
	if err != nil {
		return err
	}
	n, err := e.Flush(t, res.wlo, res.whi, FlushDelayed)
	if err != nil {
		return err
	}
	if n > 0 {
		e.stats.SelfModFlushes.Inc()
	}
	e.log.Log(dlog.Flush, 1, "code modified", zap.Int("thread", t.ID), dlog.Hex("lo", res.wlo), dlog.Hex("hi", res.whi), zap.Int("flushed", n), dlog.Hex("resume", pc))
	t.PC = pc
	return nil
}

// resumeAfter returns the application pc following the completed store at
// cache pc res.pc. Mangled instructions share the pc of the branch they
// came from, so the first entry with a different pc is next, unless an exit
// branch of the same pc is reached first.
func (e *Engine) resumeAfter(t *Thread, res runResult) (uint64, error) {
	f := res.frag
	entries, _, err := e.transEntries(t, f)
	if err != nil {
		return 0, err
	}
	off := uint32(res.pc - f.Start)
	i := 0
	for i < len(entries) && entries[i].CacheOff != off {
		i++
	}
	if i == len(entries) {
		return 0, rerrors.Wrap(ErrNoTranslation, "selfmod", res.pc)
	}
	p := entries[i].AppPC
	for _, ent := range entries[i+1:] {
		if x := f.ExitAt(f.Start + uint64(ent.CacheOff)); x != nil && ent.AppPC == p {
			if x.Kind == fragment.ExitIndirect {
				return t.target, nil
			}
			return x.Target, nil
		}
		if ent.AppPC != p {
			return ent.AppPC, nil
		}
	}
	return 0, rerrors.Wrap(ErrNoTranslation, "selfmod", res.pc)
}

// runNative interprets the application straight from its memory.
func (t *Thread) runNative() error {
	e := t.e
	c := newNativeCPU(t)
	for !t.done {
		if e.halted() {
			return nil
		}
		if t.PC == ReturnToEngine {
			t.returned()
			continue
		}
		res := c.run(t.PC)
		switch res.stop {
		case stopSyscall:
			t.PC = res.next
			if err := t.kernelCall(res.pc, res.op == ir.OpInt, res.vector); err != nil {
				return err
			}
		case stopFault:
			if rerrors.IsAssertion(res.err) {
				return res.err
			}
			return &AppFault{ThreadID: t.ID, PC: res.pc, Cause: res.err}
		default:
			t.PC = res.next
		}
	}
	return nil
}
