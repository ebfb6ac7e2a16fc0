package engine

import (
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ascrivener/rio/pkg/appmem"
	"github.com/ascrivener/rio/pkg/dlog"
	"github.com/ascrivener/rio/pkg/fragment"
	"github.com/ascrivener/rio/pkg/instrument"
	"github.com/ascrivener/rio/pkg/ir"
	"github.com/ascrivener/rio/pkg/lockrank"
)

type threadStatus int

const (
	// statusIdle threads exist but are not executing application code.
	statusIdle threadStatus = iota
	statusRunning
	statusParked
	statusKernel
	statusExited
)

func (s threadStatus) String() string {
	return [...]string{"idle", "running", "parked", "kernel", "exited"}[s]
}

// Thread is the engine's context for one application thread: its register
// file, the cache set it executes from and its dispatcher state.
type Thread struct {
	ID    int
	Regs  [ir.NumRegs]uint64
	Flags ir.Flags
	// PC is the application pc the dispatcher runs next.
	PC uint64

	e      *Engine
	set    *cacheSet
	held   *lockrank.Held
	ctx    *instrument.Context
	main   bool
	native bool

	// target is the indirect branch target slot read by the IBL stubs.
	target uint64

	// current is the fragment the thread is executing, nil outside the
	// cache. Flushes and eviction read it to avoid freeing live code.
	current atomic.Pointer[fragment.Fragment]
	// epoch is the last flush epoch the thread observed at a safe point.
	epoch atomic.Uint64

	// status is guarded by the engine's synch mutex.
	status threadStatus

	// pendingIBL is set after an IBL miss so the target found by the
	// dispatcher is added to the table of this branch type.
	pendingIBL *fragment.Linkstub

	rec        *traceRecord
	exitStatus int
	done       bool
}

// NewThread creates a thread context that starts at pc with a fresh stack
// whose top holds ReturnToEngine. The thread does not run until Run starts
// it; tests use it to drive BuildBlock and Emit directly.
func (e *Engine) NewThread(pc uint64) (*Thread, error) {
	e.threadsMu.Lock()
	if len(e.threads) >= e.opts.MaxThreads {
		e.threadsMu.Unlock()
		return nil, ErrTooManyThreads
	}
	id := e.nextTID
	e.nextTID++
	e.threadsMu.Unlock()

	top, err := e.mem.MapStack(fmt.Sprintf("stack.%d", id), appmem.DefaultStackSize)
	if err != nil {
		return nil, err
	}
	t := &Thread{
		ID:  id,
		PC:  pc,
		e:   e,
		ctx: &instrument.Context{ThreadID: id, Mem: e.mem},
	}
	if e.opts.CheckLockRanks {
		t.held = lockrank.NewHeld()
	}
	t.Regs[ir.RegSP] = top - 8
	if _, err := e.mem.WriteU64(top-8, ReturnToEngine); err != nil {
		return nil, err
	}
	t.set = e.shared
	if e.opts.ThreadPrivate {
		t.set, err = e.addSet(fmt.Sprintf("thread%d", id), id)
		if err != nil {
			return nil, err
		}
	}
	e.threadsMu.Lock()
	e.threads[id] = t
	e.threadsMu.Unlock()
	return t, nil
}

// threadList returns every thread that has not exited.
func (e *Engine) threadList() []*Thread {
	e.threadsMu.Lock()
	defer e.threadsMu.Unlock()
	out := make([]*Thread, 0, len(e.threads))
	for _, t := range e.threads {
		out = append(out, t)
	}
	return out
}

// InFlight reports whether any thread is executing f.
func (e *Engine) InFlight(f *fragment.Fragment) bool {
	for _, t := range e.threadList() {
		if t.current.Load() == f {
			return true
		}
	}
	return false
}

// MachineContext returns the application-visible state of t.
func (t *Thread) MachineContext() *instrument.MachineContext {
	return &instrument.MachineContext{PC: t.PC, Regs: t.Regs, Flags: t.Flags}
}

// Current returns the fragment t is executing, or nil.
func (t *Thread) Current() *fragment.Fragment { return t.current.Load() }

// run is the body of the thread's goroutine.
func (t *Thread) run() error {
	e := t.e
	t.resume(statusRunning)
	e.stats.Threads.Inc()
	e.hooks.ThreadInit(t.ctx)
	e.log.Log(dlog.Threads, 1, "thread start", zap.Int("thread", t.ID), dlog.Hex("pc", t.PC))
	defer func() {
		e.hooks.ThreadExit(t.ctx)
		e.stats.Threads.Dec()
		t.finish()
		e.log.Log(dlog.Threads, 1, "thread exit", zap.Int("thread", t.ID), zap.Int("status", t.exitStatus))
	}()
	if t.native {
		return t.runNative()
	}
	return t.dispatch()
}

// returned handles a thread whose entry function returned to
// ReturnToEngine.
func (t *Thread) returned() {
	t.exitStatus = int(int32(t.Regs[ir.RegR0]))
	if t.main {
		t.e.exitProcess(t.exitStatus)
	}
	t.done = true
}
